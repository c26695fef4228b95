package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Batch aggregates the orders of one collateral inside one batch window.
// The unclaimed fields drain to zero as receipts are settled.
type Batch struct {
	ID                  uint64         `json:"id"`
	Collateral          common.Address `json:"collateral"`
	TotalBuyValue       *big.Int       `json:"total_buy_value"`
	TotalBuyReturn      *big.Int       `json:"total_buy_return"`
	TotalSellAmount     *big.Int       `json:"total_sell_amount"`
	TotalSellReturn     *big.Int       `json:"total_sell_return"`
	UnclaimedBuyValue   *big.Int       `json:"unclaimed_buy_value"`
	UnclaimedBuyReturn  *big.Int       `json:"unclaimed_buy_return"`
	UnclaimedSellAmount *big.Int       `json:"unclaimed_sell_amount"`
	UnclaimedSellReturn *big.Int       `json:"unclaimed_sell_return"`
}

// Settled reports whether every order of the batch has been claimed.
func (b Batch) Settled() bool {
	return isZero(b.UnclaimedBuyValue) && isZero(b.UnclaimedSellAmount)
}

// Receipt is one account's contribution to a batch side.
type Receipt struct {
	Account    common.Address `json:"account"`
	BatchID    uint64         `json:"batch_id"`
	Collateral common.Address `json:"collateral"`
	Side       Side           `json:"side"`
	Amount     *big.Int       `json:"amount"`
	Claimed    bool           `json:"claimed"`
	Settled    *big.Int       `json:"settled,omitempty"`
}

func isZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}
