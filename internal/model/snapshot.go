package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Snapshot is the operator-facing view of the exchange state.
type Snapshot struct {
	Sequence                   uint64            `json:"sequence"`
	BatchID                    uint64            `json:"batch_id"`
	BatchSize                  uint64            `json:"batch_size"`
	Open                       bool              `json:"open"`
	Suspended                  bool              `json:"suspended"`
	BuyFeePct                  *big.Int          `json:"buy_fee_pct"`
	SellFeePct                 *big.Int          `json:"sell_fee_pct"`
	MaximumTapRateIncreasePct  *big.Int          `json:"maximum_tap_rate_increase_pct"`
	MaximumTapFloorDecreasePct *big.Int          `json:"maximum_tap_floor_decrease_pct"`
	Reserve                    common.Address    `json:"reserve"`
	Treasury                   common.Address    `json:"treasury"`
	Beneficiary                common.Address    `json:"beneficiary"`
	Formula                    common.Address    `json:"formula"`
	TokensToBeMinted           *big.Int          `json:"tokens_to_be_minted"`
	CollateralsToBeClaimed     map[string]string `json:"collaterals_to_be_claimed"`
	Collaterals                []Collateral      `json:"collaterals"`
	Taps                       []Tap             `json:"taps"`
	Batches                    []Batch           `json:"batches"`
	Receipts                   []Receipt         `json:"receipts"`
}
