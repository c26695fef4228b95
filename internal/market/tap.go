package market

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"treasuryMarket/internal/fixed"
	"treasuryMarket/internal/model"
)

// DefaultTapCooldown is the minimum delay between two tap parameter changes.
const DefaultTapCooldown = 30 * 24 * time.Hour

type tapEntry struct {
	rate        *big.Int
	floor       *big.Int
	tapped      *big.Int
	lastBatchID uint64
	lastUpdate  time.Time
}

func (t *tapEntry) clone() *tapEntry {
	return &tapEntry{
		rate:        fixed.Clone(t.rate),
		floor:       fixed.Clone(t.floor),
		tapped:      fixed.Clone(t.tapped),
		lastBatchID: t.lastBatchID,
		lastUpdate:  t.lastUpdate,
	}
}

// TapController limits how fast the reserve can be drained to the beneficiary.
type TapController struct {
	taps                map[common.Address]*tapEntry
	beneficiary         common.Address
	maxRateIncreasePct  *big.Int
	maxFloorDecreasePct *big.Int
	cooldown            time.Duration
}

// NewTapController validates the global bounds and returns an empty controller.
func NewTapController(beneficiary common.Address, maxRateIncreasePct, maxFloorDecreasePct *big.Int, cooldown time.Duration) (*TapController, error) {
	if beneficiary == (common.Address{}) {
		return nil, errParam("beneficiary is required")
	}
	if maxRateIncreasePct == nil || maxRateIncreasePct.Sign() < 0 {
		return nil, errParam("maximum tap rate increase pct must not be negative")
	}
	if err := validateFloorPct(maxFloorDecreasePct); err != nil {
		return nil, err
	}
	if cooldown < 0 {
		return nil, errParam("tap cooldown must not be negative")
	}
	return &TapController{
		taps:                make(map[common.Address]*tapEntry),
		beneficiary:         beneficiary,
		maxRateIncreasePct:  fixed.Clone(maxRateIncreasePct),
		maxFloorDecreasePct: fixed.Clone(maxFloorDecreasePct),
		cooldown:            cooldown,
	}, nil
}

func validateFloorPct(pct *big.Int) error {
	if pct == nil || pct.Sign() < 0 || pct.Cmp(fixed.PCT) > 0 {
		return errParam("maximum tap floor decrease pct must be in [0, PCT]")
	}
	return nil
}

// Has reports whether token has a tap entry.
func (c *TapController) Has(token common.Address) bool {
	_, ok := c.taps[token]
	return ok
}

// Beneficiary returns the withdrawal destination.
func (c *TapController) Beneficiary() common.Address {
	return c.beneficiary
}

// MaximumWithdrawal computes what the beneficiary may take at batchID
// without touching state. Unknown tokens yield zero.
func (c *TapController) MaximumWithdrawal(token common.Address, batchID uint64, reserveBalance *big.Int) *big.Int {
	tap, ok := c.taps[token]
	if !ok {
		return new(big.Int)
	}
	if fixed.Clone(reserveBalance).Cmp(tap.floor) <= 0 {
		return new(big.Int)
	}
	accrued := fixed.Clone(tap.tapped)
	if batchID > tap.lastBatchID {
		elapsed := new(big.Int).SetUint64(batchID - tap.lastBatchID)
		accrued.Add(accrued, elapsed.Mul(elapsed, tap.rate))
	}
	return fixed.Min(accrued, fixed.Sub(reserveBalance, tap.floor))
}

// Accrue commits the current maximum withdrawal into the tapped amount.
// Repeated calls in the same batch accrue nothing more.
func (c *TapController) Accrue(token common.Address, batchID uint64, reserveBalance *big.Int, undo *rollback) (*big.Int, error) {
	tap, ok := c.taps[token]
	if !ok {
		return nil, ErrTapNotConfigured
	}
	amount := c.MaximumWithdrawal(token, batchID, reserveBalance)
	c.replace(token, func(next *tapEntry) {
		next.tapped = fixed.Clone(amount)
		if batchID > tap.lastBatchID {
			next.lastBatchID = batchID
		}
	}, undo)
	return amount, nil
}

// Withdraw accrues and empties the tapped amount, returning what must move
// from the reserve to the beneficiary.
func (c *TapController) Withdraw(token common.Address, batchID uint64, reserveBalance *big.Int, undo *rollback) (*big.Int, error) {
	if !c.Has(token) {
		return nil, ErrTapNotConfigured
	}
	amount := c.MaximumWithdrawal(token, batchID, reserveBalance)
	if amount.Sign() == 0 {
		return nil, ErrNothingToWithdraw
	}
	c.replace(token, func(next *tapEntry) {
		next.tapped = new(big.Int)
		if batchID > next.lastBatchID {
			next.lastBatchID = batchID
		}
	}, undo)
	return amount, nil
}

// Add starts tapping token at batchID.
func (c *TapController) Add(token common.Address, rate, floor *big.Int, batchID uint64, now time.Time, undo *rollback) error {
	if c.Has(token) {
		return ErrAlreadySet
	}
	if err := validateTap(rate, floor); err != nil {
		return err
	}
	c.put(token, &tapEntry{
		rate:        fixed.Clone(rate),
		floor:       fixed.Clone(floor),
		tapped:      new(big.Int),
		lastBatchID: batchID,
		lastUpdate:  now,
	}, undo)
	return nil
}

// Remove drops the tap of token. Callers make sure the collateral is unlisted.
func (c *TapController) Remove(token common.Address, undo *rollback) error {
	if !c.Has(token) {
		return ErrTapNotConfigured
	}
	c.put(token, nil, undo)
	return nil
}

// Reset clears the tapped amount and restarts accrual at batchID.
func (c *TapController) Reset(token common.Address, batchID uint64, undo *rollback) error {
	if !c.Has(token) {
		return ErrTapNotConfigured
	}
	c.replace(token, func(next *tapEntry) {
		next.tapped = new(big.Int)
		next.lastBatchID = batchID
	}, undo)
	return nil
}

// UpdateParameters changes rate and floor within the configured bounds.
// The old rate is accrued up to batchID first.
func (c *TapController) UpdateParameters(token common.Address, rate, floor *big.Int, batchID uint64, reserveBalance *big.Int, now time.Time, undo *rollback) error {
	tap, ok := c.taps[token]
	if !ok {
		return ErrTapNotConfigured
	}
	if err := validateTap(rate, floor); err != nil {
		return err
	}
	if fixed.Equal(rate, tap.rate) && fixed.Equal(floor, tap.floor) {
		return ErrAlreadySet
	}
	if now.Before(tap.lastUpdate.Add(c.cooldown)) {
		return fmt.Errorf("next change allowed at %s: %w", tap.lastUpdate.Add(c.cooldown).UTC().Format(time.RFC3339), ErrRateChangeTooSoon)
	}
	if tap.rate.Sign() > 0 {
		limit := fixed.Add(tap.rate, fixed.ApplyPct(tap.rate, c.maxRateIncreasePct))
		if rate.Cmp(limit) > 0 {
			return fmt.Errorf("rate %s above %s: %w", rate, limit, ErrRateChangeTooLarge)
		}
	}
	if tap.floor.Sign() > 0 {
		limit := fixed.SubFloor(tap.floor, fixed.ApplyPct(tap.floor, c.maxFloorDecreasePct))
		if floor.Cmp(limit) < 0 {
			return fmt.Errorf("floor %s below %s: %w", floor, limit, ErrRateChangeTooLarge)
		}
	}

	accrued := c.MaximumWithdrawal(token, batchID, reserveBalance)
	c.replace(token, func(next *tapEntry) {
		next.tapped = accrued
		if batchID > next.lastBatchID {
			next.lastBatchID = batchID
		}
		next.rate = fixed.Clone(rate)
		next.floor = fixed.Clone(floor)
		next.lastUpdate = now
	}, undo)
	return nil
}

// UpdateBeneficiary changes the withdrawal destination.
func (c *TapController) UpdateBeneficiary(beneficiary common.Address, undo *rollback) error {
	if beneficiary == (common.Address{}) {
		return errParam("beneficiary is required")
	}
	if beneficiary == c.beneficiary {
		return ErrAlreadySet
	}
	prev := c.beneficiary
	c.beneficiary = beneficiary
	undo.add(func() { c.beneficiary = prev })
	return nil
}

// UpdateMaximumRateIncreasePct changes the rate increase bound.
func (c *TapController) UpdateMaximumRateIncreasePct(pct *big.Int, undo *rollback) error {
	if pct == nil || pct.Sign() < 0 {
		return errParam("maximum tap rate increase pct must not be negative")
	}
	if pct.Cmp(c.maxRateIncreasePct) == 0 {
		return ErrAlreadySet
	}
	prev := c.maxRateIncreasePct
	c.maxRateIncreasePct = fixed.Clone(pct)
	undo.add(func() { c.maxRateIncreasePct = prev })
	return nil
}

// UpdateMaximumFloorDecreasePct changes the floor decrease bound.
func (c *TapController) UpdateMaximumFloorDecreasePct(pct *big.Int, undo *rollback) error {
	if err := validateFloorPct(pct); err != nil {
		return err
	}
	if pct.Cmp(c.maxFloorDecreasePct) == 0 {
		return ErrAlreadySet
	}
	prev := c.maxFloorDecreasePct
	c.maxFloorDecreasePct = fixed.Clone(pct)
	undo.add(func() { c.maxFloorDecreasePct = prev })
	return nil
}

// MaximumRateIncreasePct returns the rate increase bound.
func (c *TapController) MaximumRateIncreasePct() *big.Int {
	return fixed.Clone(c.maxRateIncreasePct)
}

// MaximumFloorDecreasePct returns the floor decrease bound.
func (c *TapController) MaximumFloorDecreasePct() *big.Int {
	return fixed.Clone(c.maxFloorDecreasePct)
}

// View returns the model form of the tap of token.
func (c *TapController) View(token common.Address) (model.Tap, bool) {
	tap, ok := c.taps[token]
	if !ok {
		return model.Tap{}, false
	}
	return model.Tap{
		Token:               token,
		Rate:                fixed.Clone(tap.rate),
		Floor:               fixed.Clone(tap.floor),
		Tapped:              fixed.Clone(tap.tapped),
		LastTappedBatchID:   tap.lastBatchID,
		LastParameterUpdate: tap.lastUpdate.Unix(),
	}, true
}

// Tokens lists every tapped token in no particular order.
func (c *TapController) Tokens() []common.Address {
	out := make([]common.Address, 0, len(c.taps))
	for token := range c.taps {
		out = append(out, token)
	}
	return out
}

func (c *TapController) replace(token common.Address, mutate func(next *tapEntry), undo *rollback) {
	next := c.taps[token].clone()
	mutate(next)
	c.put(token, next, undo)
}

func (c *TapController) put(token common.Address, entry *tapEntry, undo *rollback) {
	prev, existed := c.taps[token]
	if entry == nil {
		delete(c.taps, token)
	} else {
		c.taps[token] = entry
	}
	undo.add(func() {
		if existed {
			c.taps[token] = prev
		} else {
			delete(c.taps, token)
		}
	})
}

func validateTap(rate, floor *big.Int) error {
	if rate == nil || rate.Sign() <= 0 {
		return errParam("tap rate must be positive")
	}
	if floor == nil || floor.Sign() < 0 {
		return errParam("tap floor must not be negative")
	}
	return nil
}
