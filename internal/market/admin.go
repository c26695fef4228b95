package market

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"treasuryMarket/internal/auth"
	"treasuryMarket/internal/fixed"
	"treasuryMarket/internal/model"
)

// AddCollateral whitelists token and starts its tap in one step.
func (e *Exchange) AddCollateral(ctx context.Context, caller, token common.Address, params CollateralParams, rate, floor *big.Int) error {
	const op = model.EventAddCollateral
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	if err := e.authorize(op, caller, auth.AddCollateralTokenRole); err != nil {
		return err
	}
	if token == (common.Address{}) {
		return e.fail(&Error{Kind: KindInvalidParameter, Op: op, Err: fmt.Errorf("collateral address is required")})
	}

	undo := &rollback{}
	if err := e.registry.Add(token, params, undo); err != nil {
		return e.reject(op, token, caller, 0, err)
	}
	if err := e.taps.Add(token, rate, floor, batchID, e.now(), undo); err != nil {
		undo.undo()
		return e.reject(op, token, caller, 0, err)
	}

	e.emit(op, seq, batchID, token, caller, map[string]string{
		"virtual_supply":    params.VirtualSupply.String(),
		"virtual_balance":   params.VirtualBalance.String(),
		"reserve_ratio_ppm": fmt.Sprintf("%d", params.ReserveRatioPPM),
		"slippage_pct":      params.SlippagePct.String(),
		"rate":              rate.String(),
		"floor":             floor.String(),
	})
	return nil
}

// UpdateCollateral replaces the curve settings of a whitelisted token.
func (e *Exchange) UpdateCollateral(ctx context.Context, caller, token common.Address, params CollateralParams) error {
	const op = model.EventUpdateCollateral
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	if err := e.authorize(op, caller, auth.UpdateCollateralTokenRole); err != nil {
		return err
	}
	if err := e.registry.Update(token, params, nil); err != nil {
		return e.reject(op, token, caller, 0, err)
	}

	e.emit(op, seq, batchID, token, caller, map[string]string{
		"virtual_supply":    params.VirtualSupply.String(),
		"virtual_balance":   params.VirtualBalance.String(),
		"reserve_ratio_ppm": fmt.Sprintf("%d", params.ReserveRatioPPM),
		"slippage_pct":      params.SlippagePct.String(),
	})
	return nil
}

// RemoveCollateral unlists token once nothing is owed against it. The tap
// stays until RemoveTap.
func (e *Exchange) RemoveCollateral(ctx context.Context, caller, token common.Address) error {
	const op = model.EventRemoveCollateral
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	if err := e.authorize(op, caller, auth.RemoveCollateralTokenRole); err != nil {
		return err
	}
	if !e.registry.IsWhitelisted(token) {
		return e.fail(&Error{Kind: KindUnknownCollateral, Op: op, Collateral: token, Account: caller})
	}
	if owed := e.toBeClaimed(token); owed.Sign() > 0 {
		return e.fail(&Error{Kind: KindDependencyViolation, Op: op, Collateral: token, Account: caller,
			Err: fmt.Errorf("%s collateral still to be claimed", owed)})
	}
	if e.batches.HasPending(token) {
		return e.fail(&Error{Kind: KindDependencyViolation, Op: op, Collateral: token, Account: caller,
			Err: fmt.Errorf("unclaimed orders reference collateral")})
	}
	if err := e.registry.Remove(token, nil); err != nil {
		return e.reject(op, token, caller, 0, err)
	}

	e.emit(op, seq, batchID, token, caller, nil)
	return nil
}

// ReAddCollateral whitelists a removed token whose tap was kept.
func (e *Exchange) ReAddCollateral(ctx context.Context, caller, token common.Address, params CollateralParams) error {
	const op = model.EventReAddCollateral
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	if err := e.authorize(op, caller, auth.AddCollateralTokenRole); err != nil {
		return err
	}
	if !e.taps.Has(token) {
		return e.fail(&Error{Kind: KindTapNotConfigured, Op: op, Collateral: token, Account: caller})
	}
	if err := e.registry.ReAdd(token, params, nil); err != nil {
		return e.reject(op, token, caller, 0, err)
	}

	e.emit(op, seq, batchID, token, caller, map[string]string{
		"virtual_supply":    params.VirtualSupply.String(),
		"virtual_balance":   params.VirtualBalance.String(),
		"reserve_ratio_ppm": fmt.Sprintf("%d", params.ReserveRatioPPM),
		"slippage_pct":      params.SlippagePct.String(),
	})
	return nil
}

// UpdateTap changes the rate and floor of a tap within its bounds.
func (e *Exchange) UpdateTap(ctx context.Context, caller, token common.Address, rate, floor *big.Int) error {
	const op = model.EventUpdateTap
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	if err := e.authorize(op, caller, auth.UpdateTappedTokenRole); err != nil {
		return err
	}
	if !e.taps.Has(token) {
		return e.fail(&Error{Kind: KindTapNotConfigured, Op: op, Collateral: token, Account: caller})
	}
	free, err := e.freeReserve(ctx, token)
	if err != nil {
		return e.reject(op, token, caller, batchID, err)
	}
	if err := e.taps.UpdateParameters(token, rate, floor, batchID, free, e.now(), nil); err != nil {
		return e.reject(op, token, caller, batchID, err)
	}

	e.emit(op, seq, batchID, token, caller, map[string]string{
		"rate":  rate.String(),
		"floor": floor.String(),
	})
	return nil
}

// RemoveTap drops the tap of an unlisted token.
func (e *Exchange) RemoveTap(ctx context.Context, caller, token common.Address) error {
	const op = model.EventRemoveTap
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	if err := e.authorize(op, caller, auth.RemoveTappedTokenRole); err != nil {
		return err
	}
	if e.registry.IsWhitelisted(token) {
		return e.fail(&Error{Kind: KindDependencyViolation, Op: op, Collateral: token, Account: caller,
			Err: fmt.Errorf("collateral is still whitelisted")})
	}
	if err := e.taps.Remove(token, nil); err != nil {
		return e.reject(op, token, caller, 0, err)
	}

	e.emit(op, seq, batchID, token, caller, nil)
	return nil
}

// ResetTap clears the tapped amount of token and restarts accrual.
func (e *Exchange) ResetTap(ctx context.Context, caller, token common.Address) error {
	const op = model.EventResetTap
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	if err := e.authorize(op, caller, auth.ResetTappedTokenRole); err != nil {
		return err
	}
	if err := e.taps.Reset(token, batchID, nil); err != nil {
		return e.reject(op, token, caller, 0, err)
	}

	e.emit(op, seq, batchID, token, caller, nil)
	return nil
}

// UpdateTappedAmount commits the accrued allowance of token. Anyone may call it.
func (e *Exchange) UpdateTappedAmount(ctx context.Context, token common.Address) error {
	const op = model.EventUpdateTappedAmount
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	if !e.taps.Has(token) {
		return e.fail(&Error{Kind: KindTapNotConfigured, Op: op, Collateral: token})
	}
	free, err := e.freeReserve(ctx, token)
	if err != nil {
		return e.reject(op, token, common.Address{}, batchID, err)
	}
	tapped, err := e.taps.Accrue(token, batchID, free, nil)
	if err != nil {
		return e.reject(op, token, common.Address{}, batchID, err)
	}

	e.emit(op, seq, batchID, token, common.Address{}, map[string]string{"tapped": tapped.String()})
	return nil
}

// WithdrawTap moves the accrued allowance of token from the reserve to the
// beneficiary.
func (e *Exchange) WithdrawTap(ctx context.Context, caller, token common.Address) error {
	const op = model.EventWithdraw
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	if err := e.authorize(op, caller, auth.WithdrawRole); err != nil {
		return err
	}
	if !e.taps.Has(token) {
		return e.fail(&Error{Kind: KindTapNotConfigured, Op: op, Collateral: token, Account: caller})
	}
	free, err := e.freeReserve(ctx, token)
	if err != nil {
		return e.reject(op, token, caller, batchID, err)
	}

	undo := &rollback{}
	amount, err := e.taps.Withdraw(token, batchID, free, undo)
	if err != nil {
		return e.reject(op, token, caller, batchID, err)
	}
	beneficiary := e.taps.Beneficiary()
	if err := e.commit(ctx, op, token, caller, batchID, undo, transfer(e.reserve, beneficiary, token, amount)); err != nil {
		return err
	}

	e.metrics.ObserveTapWithdrawal(token.Hex())
	e.emit(op, seq, batchID, token, beneficiary, map[string]string{"amount": amount.String()})
	return nil
}

// UpdateBeneficiary changes the tap destination.
func (e *Exchange) UpdateBeneficiary(ctx context.Context, caller, beneficiary common.Address) error {
	const op = model.EventUpdateBeneficiary
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	if err := e.authorize(op, caller, auth.UpdateBeneficiaryRole); err != nil {
		return err
	}
	if err := e.taps.UpdateBeneficiary(beneficiary, nil); err != nil {
		return e.reject(op, common.Address{}, caller, 0, err)
	}

	e.emit(op, seq, batchID, common.Address{}, beneficiary, nil)
	return nil
}

// UpdateMaximumTapRateIncreasePct changes how much a tap rate may grow per update.
func (e *Exchange) UpdateMaximumTapRateIncreasePct(ctx context.Context, caller common.Address, pct *big.Int) error {
	const op = model.EventUpdateMaxRatePct
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	if err := e.authorize(op, caller, auth.UpdateMaximumTapRateIncreasePctRole); err != nil {
		return err
	}
	if err := e.taps.UpdateMaximumRateIncreasePct(pct, nil); err != nil {
		return e.reject(op, common.Address{}, caller, 0, err)
	}

	e.emit(op, seq, batchID, common.Address{}, caller, map[string]string{"pct": pct.String()})
	return nil
}

// UpdateMaximumTapFloorDecreasePct changes how much a tap floor may shrink per update.
func (e *Exchange) UpdateMaximumTapFloorDecreasePct(ctx context.Context, caller common.Address, pct *big.Int) error {
	const op = model.EventUpdateMaxFloorPct
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	if err := e.authorize(op, caller, auth.UpdateMaximumTapFloorDecreasePctRole); err != nil {
		return err
	}
	if err := e.taps.UpdateMaximumFloorDecreasePct(pct, nil); err != nil {
		return e.reject(op, common.Address{}, caller, 0, err)
	}

	e.emit(op, seq, batchID, common.Address{}, caller, map[string]string{"pct": pct.String()})
	return nil
}

// Suspend pauses or resumes trading. Claims and admin operations keep working.
func (e *Exchange) Suspend(ctx context.Context, caller common.Address, value bool) error {
	const op = model.EventSuspend
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	if err := e.authorize(op, caller, auth.SuspendRole); err != nil {
		return err
	}
	if e.suspended == value {
		return e.fail(&Error{Kind: KindAlreadySet, Op: op, Account: caller})
	}
	e.suspended = value

	e.emit(op, seq, batchID, common.Address{}, caller, map[string]string{"value": fmt.Sprintf("%t", value)})
	return nil
}

// UpdateFees sets the buy and sell fee pcts.
func (e *Exchange) UpdateFees(ctx context.Context, caller common.Address, buyFeePct, sellFeePct *big.Int) error {
	const op = model.EventUpdateFees
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	if err := e.authorize(op, caller, auth.UpdateFeesRole); err != nil {
		return err
	}
	if err := validateFee(buyFeePct); err != nil {
		return e.reject(op, common.Address{}, caller, 0, fmt.Errorf("buy fee: %w", err))
	}
	if err := validateFee(sellFeePct); err != nil {
		return e.reject(op, common.Address{}, caller, 0, fmt.Errorf("sell fee: %w", err))
	}
	if fixed.Equal(buyFeePct, e.buyFeePct) && fixed.Equal(sellFeePct, e.sellFeePct) {
		return e.fail(&Error{Kind: KindAlreadySet, Op: op, Account: caller})
	}
	e.buyFeePct = fixed.Clone(buyFeePct)
	e.sellFeePct = fixed.Clone(sellFeePct)

	e.emit(op, seq, batchID, common.Address{}, caller, map[string]string{
		"buy_fee_pct":  buyFeePct.String(),
		"sell_fee_pct": sellFeePct.String(),
	})
	return nil
}

// UpdateBancorFormula points the exchange at the formula deployed at address.
func (e *Exchange) UpdateBancorFormula(ctx context.Context, caller, address common.Address) error {
	const op = model.EventUpdateFormula
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	if err := e.authorize(op, caller, auth.UpdateFormulaRole); err != nil {
		return err
	}
	if address == (common.Address{}) {
		return e.fail(&Error{Kind: KindInvalidParameter, Op: op, Account: caller, Err: fmt.Errorf("formula address is required")})
	}
	if address == e.formulaAddr {
		return e.fail(&Error{Kind: KindAlreadySet, Op: op, Account: caller})
	}
	if e.formulaAt != nil {
		formula, err := e.formulaAt(address)
		if err != nil {
			return e.fail(&Error{Kind: KindExternal, Op: op, Account: caller, Err: fmt.Errorf("resolve formula %s: %w", address.Hex(), err)})
		}
		e.formula = formula
	}
	e.formulaAddr = address

	e.emit(op, seq, batchID, common.Address{}, caller, map[string]string{"formula": address.Hex()})
	return nil
}

// UpdateTreasury changes the fee destination.
func (e *Exchange) UpdateTreasury(ctx context.Context, caller, treasury common.Address) error {
	const op = model.EventUpdateTreasury
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	if err := e.authorize(op, caller, auth.UpdateTreasuryRole); err != nil {
		return err
	}
	if treasury == (common.Address{}) {
		return e.fail(&Error{Kind: KindInvalidParameter, Op: op, Account: caller, Err: fmt.Errorf("treasury address is required")})
	}
	if treasury == e.treasury {
		return e.fail(&Error{Kind: KindAlreadySet, Op: op, Account: caller})
	}
	e.treasury = treasury

	e.emit(op, seq, batchID, common.Address{}, caller, map[string]string{"treasury": treasury.Hex()})
	return nil
}

// OpenPublicTrading opens the market. Every listed collateral must be
// tapped and whitelisted. Their taps restart accruing from the current batch.
func (e *Exchange) OpenPublicTrading(ctx context.Context, caller common.Address, collaterals []common.Address) error {
	const op = model.EventOpenPublicTrading
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	if err := e.authorize(op, caller, auth.OpenRole); err != nil {
		return err
	}
	if e.open {
		return e.fail(&Error{Kind: KindAlreadySet, Op: op, Account: caller})
	}
	if len(collaterals) == 0 {
		return e.fail(&Error{Kind: KindInvalidParameter, Op: op, Account: caller, Err: fmt.Errorf("at least one collateral is required")})
	}
	for _, token := range collaterals {
		if !e.taps.Has(token) {
			return e.fail(&Error{Kind: KindTapNotConfigured, Op: op, Collateral: token, Account: caller})
		}
		if !e.registry.IsWhitelisted(token) {
			return e.fail(&Error{Kind: KindUnknownCollateral, Op: op, Collateral: token, Account: caller})
		}
	}

	undo := &rollback{}
	for _, token := range collaterals {
		if err := e.taps.Reset(token, batchID, undo); err != nil {
			undo.undo()
			return e.reject(op, token, caller, 0, err)
		}
	}
	e.open = true

	e.emit(op, seq, batchID, common.Address{}, caller, map[string]string{"collaterals": fmt.Sprintf("%d", len(collaterals))})
	return nil
}
