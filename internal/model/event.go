package model

// Event kinds emitted by the exchange after a successful mutation.
const (
	EventOpenBuyOrder       = "open_buy_order"
	EventOpenSellOrder      = "open_sell_order"
	EventClaimBuyOrder      = "claim_buy_order"
	EventClaimSellOrder     = "claim_sell_order"
	EventAddCollateral      = "add_collateral"
	EventUpdateCollateral   = "update_collateral"
	EventRemoveCollateral   = "remove_collateral"
	EventReAddCollateral    = "readd_collateral"
	EventAddTap             = "add_tap"
	EventUpdateTap          = "update_tap"
	EventRemoveTap          = "remove_tap"
	EventResetTap           = "reset_tap"
	EventUpdateTappedAmount = "update_tapped_amount"
	EventWithdraw           = "withdraw"
	EventUpdateBeneficiary  = "update_beneficiary"
	EventUpdateMaxRatePct   = "update_maximum_tap_rate_increase_pct"
	EventUpdateMaxFloorPct  = "update_maximum_tap_floor_decrease_pct"
	EventSuspend            = "suspend"
	EventUpdateFees         = "update_fees"
	EventUpdateFormula      = "update_formula"
	EventUpdateTreasury     = "update_treasury"
	EventOpenPublicTrading  = "open_public_trading"
)

// Event is an append-only record of an applied exchange mutation.
type Event struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Sequence   uint64            `json:"sequence"`
	BatchID    uint64            `json:"batch_id"`
	Collateral string            `json:"collateral,omitempty"`
	Account    string            `json:"account,omitempty"`
	Amounts    map[string]string `json:"amounts,omitempty"`
	Timestamp  int64             `json:"timestamp"`
}
