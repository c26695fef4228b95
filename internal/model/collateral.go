package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Collateral is the curve configuration of a collateral asset.
type Collateral struct {
	Token           common.Address `json:"token"`
	Whitelisted     bool           `json:"whitelisted"`
	VirtualSupply   *big.Int       `json:"virtual_supply"`
	VirtualBalance  *big.Int       `json:"virtual_balance"`
	ReserveRatioPPM uint32         `json:"reserve_ratio_ppm"`
	SlippagePct     *big.Int       `json:"slippage_pct"`
}

// Tap is the rate-limited withdrawal state of one collateral.
type Tap struct {
	Token               common.Address `json:"token"`
	Rate                *big.Int       `json:"rate"`
	Floor               *big.Int       `json:"floor"`
	Tapped              *big.Int       `json:"tapped"`
	LastTappedBatchID   uint64         `json:"last_tapped_batch_id"`
	LastParameterUpdate int64          `json:"last_parameter_update"`
}
