package curve

import (
	"context"
	"fmt"
	"math/big"

	"treasuryMarket/internal/fixed"
)

// Formula prices trades on a constant-reserve-ratio bonding curve.
type Formula interface {
	PurchaseReturn(ctx context.Context, supply, balance *big.Int, reserveRatioPPM uint32, deposit *big.Int) (*big.Int, error)
	SaleReturn(ctx context.Context, supply, balance *big.Int, reserveRatioPPM uint32, sellAmount *big.Int) (*big.Int, error)
}

// Spot is a first-order formula that fills every trade at the spot price
// balance / (supply * reserveRatio). It is meant for offline replays and
// tests where no formula contract is reachable.
type Spot struct{}

// PurchaseReturn implements Formula.
func (Spot) PurchaseReturn(_ context.Context, supply, balance *big.Int, reserveRatioPPM uint32, deposit *big.Int) (*big.Int, error) {
	if err := validate(supply, balance, reserveRatioPPM); err != nil {
		return nil, err
	}
	if fixed.IsZero(deposit) {
		return new(big.Int), nil
	}
	num := new(big.Int).Mul(deposit, supply)
	num.Mul(num, big.NewInt(int64(reserveRatioPPM)))
	den := new(big.Int).Mul(balance, fixed.PPM)
	return num.Quo(num, den), nil
}

// SaleReturn implements Formula.
func (Spot) SaleReturn(_ context.Context, supply, balance *big.Int, reserveRatioPPM uint32, sellAmount *big.Int) (*big.Int, error) {
	if err := validate(supply, balance, reserveRatioPPM); err != nil {
		return nil, err
	}
	if sellAmount.Cmp(supply) > 0 {
		return nil, fmt.Errorf("sell amount %s exceeds supply %s", sellAmount, supply)
	}
	if fixed.IsZero(sellAmount) {
		return new(big.Int), nil
	}
	if sellAmount.Cmp(supply) == 0 {
		return new(big.Int).Set(balance), nil
	}
	num := new(big.Int).Mul(sellAmount, balance)
	num.Mul(num, fixed.PPM)
	den := new(big.Int).Mul(supply, big.NewInt(int64(reserveRatioPPM)))
	return fixed.Min(num.Quo(num, den), balance), nil
}

func validate(supply, balance *big.Int, reserveRatioPPM uint32) error {
	if supply == nil || supply.Sign() <= 0 {
		return fmt.Errorf("invalid supply: %v", supply)
	}
	if balance == nil || balance.Sign() <= 0 {
		return fmt.Errorf("invalid balance: %v", balance)
	}
	if reserveRatioPPM == 0 || uint64(reserveRatioPPM) > fixed.PPM.Uint64() {
		return fmt.Errorf("invalid reserve ratio: %d", reserveRatioPPM)
	}
	return nil
}
