package model

// Operation is one journal entry forwarded by the governance layer or a trader.
// Amounts are base-10 strings. Account names the target of address updates
// (treasury, beneficiary, formula) as well as the trading account.
type Operation struct {
	Sequence  uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
	Op        string `json:"op"`
	Caller    string `json:"caller"`

	Collateral string `json:"collateral,omitempty"`
	Account    string `json:"account,omitempty"`
	Amount     string `json:"amount,omitempty"`
	BatchID    uint64 `json:"batch_id,omitempty"`

	VirtualSupply   string `json:"virtual_supply,omitempty"`
	VirtualBalance  string `json:"virtual_balance,omitempty"`
	ReserveRatioPPM uint32 `json:"reserve_ratio_ppm,omitempty"`
	SlippagePct     string `json:"slippage_pct,omitempty"`
	Rate            string `json:"rate,omitempty"`
	Floor           string `json:"floor,omitempty"`
	BuyFeePct       string `json:"buy_fee_pct,omitempty"`
	SellFeePct      string `json:"sell_fee_pct,omitempty"`
	Pct             string `json:"pct,omitempty"`
	Value           bool   `json:"value,omitempty"`
	Role            string `json:"role,omitempty"`

	Collaterals []string `json:"collaterals,omitempty"`
}
