package market

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"treasuryMarket/internal/fixed"
	"treasuryMarket/internal/model"
)

// tradable checks the market state shared by buys and sells.
func (e *Exchange) tradable(op string, collateral, account common.Address, amount *big.Int) (CollateralParams, error) {
	if !e.open {
		return CollateralParams{}, e.fail(&Error{Kind: KindNotOpen, Op: op, Collateral: collateral, Account: account})
	}
	if e.suspended {
		return CollateralParams{}, e.fail(&Error{Kind: KindSuspended, Op: op, Collateral: collateral, Account: account})
	}
	params, ok := e.registry.Params(collateral)
	if !ok {
		return CollateralParams{}, e.fail(&Error{Kind: KindUnknownCollateral, Op: op, Collateral: collateral, Account: account})
	}
	if err := e.checkKyc(op, account); err != nil {
		return CollateralParams{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return CollateralParams{}, e.fail(&Error{Kind: KindInvalidParameter, Op: op, Collateral: collateral, Account: account, Err: fmt.Errorf("amount must be positive")})
	}
	return params, nil
}

// OpenBuyOrder spends value of collateral on issued tokens claimable once
// the current batch closes. The fee goes to the treasury immediately.
func (e *Exchange) OpenBuyOrder(ctx context.Context, buyer, collateral common.Address, value *big.Int) error {
	const op = model.EventOpenBuyOrder
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	params, err := e.tradable(op, collateral, buyer, value)
	if err != nil {
		return err
	}

	fee := fixed.ApplyPct(value, e.buyFeePct)
	net := fixed.Sub(value, fee)

	supply, balance, _, err := e.curveInputs(ctx, collateral, params, batchID)
	if err != nil {
		return e.reject(op, collateral, buyer, batchID, err)
	}
	minted, err := e.formula.PurchaseReturn(ctx, supply, balance, params.ReserveRatioPPM, net)
	if err != nil {
		return e.fail(&Error{Kind: KindExternal, Op: op, Collateral: collateral, Account: buyer, BatchID: batchID, Err: fmt.Errorf("purchase return: %w", err)})
	}

	before := fixed.StaticPricePPM(supply, balance, params.ReserveRatioPPM)
	after := fixed.StaticPricePPM(fixed.Add(supply, minted), fixed.Add(balance, net), params.ReserveRatioPPM)
	if buySlippageExceeded(before, after, params.SlippagePct) {
		return e.fail(&Error{Kind: KindSlippageExceeded, Op: op, Collateral: collateral, Account: buyer, BatchID: batchID,
			Err: fmt.Errorf("price %s -> %s ppm", before, after)})
	}

	undo := &rollback{}
	e.batches.RecordBuy(batchID, collateral, buyer, net, minted, undo)
	e.setTokensToBeMinted(fixed.Add(e.tokensToBeMinted, minted), undo)

	if err := e.commit(ctx, op, collateral, buyer, batchID, undo,
		transfer(buyer, e.treasury, collateral, fee),
		transfer(buyer, e.reserve, collateral, net),
	); err != nil {
		return err
	}

	e.metrics.ObserveOrder(string(model.SideBuy), collateral.Hex())
	e.emit(op, seq, batchID, collateral, buyer, map[string]string{
		"value":  value.String(),
		"fee":    fee.String(),
		"net":    net.String(),
		"minted": minted.String(),
	})
	return nil
}

// OpenSellOrder burns amount of issued tokens against collateral claimable
// once the current batch closes.
func (e *Exchange) OpenSellOrder(ctx context.Context, seller, collateral common.Address, amount *big.Int) error {
	const op = model.EventOpenSellOrder
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, batchID, err := e.tick(op)
	if err != nil {
		return err
	}
	params, err := e.tradable(op, collateral, seller, amount)
	if err != nil {
		return err
	}

	supply, balance, available, err := e.curveInputs(ctx, collateral, params, batchID)
	if err != nil {
		return e.reject(op, collateral, seller, batchID, err)
	}
	returned, err := e.formula.SaleReturn(ctx, supply, balance, params.ReserveRatioPPM, amount)
	if err != nil {
		return e.fail(&Error{Kind: KindExternal, Op: op, Collateral: collateral, Account: seller, BatchID: batchID, Err: fmt.Errorf("sale return: %w", err)})
	}
	if returned.Cmp(available) > 0 {
		return e.fail(&Error{Kind: KindInsufficientReserve, Op: op, Collateral: collateral, Account: seller, BatchID: batchID,
			Err: fmt.Errorf("return %s above available %s", returned, available)})
	}

	before := fixed.StaticPricePPM(supply, balance, params.ReserveRatioPPM)
	after := fixed.StaticPricePPM(fixed.SubFloor(supply, amount), fixed.SubFloor(balance, returned), params.ReserveRatioPPM)
	if sellSlippageExceeded(before, after, params.SlippagePct) {
		return e.fail(&Error{Kind: KindSlippageExceeded, Op: op, Collateral: collateral, Account: seller, BatchID: batchID,
			Err: fmt.Errorf("price %s -> %s ppm", before, after)})
	}

	undo := &rollback{}
	e.batches.RecordSell(batchID, collateral, seller, amount, returned, undo)
	e.setToBeClaimed(collateral, fixed.Add(e.toBeClaimed(collateral), returned), undo)

	if err := e.commit(ctx, op, collateral, seller, batchID, undo, burn(seller, amount)); err != nil {
		return err
	}

	e.metrics.ObserveOrder(string(model.SideSell), collateral.Hex())
	e.emit(op, seq, batchID, collateral, seller, map[string]string{
		"amount": amount.String(),
		"return": returned.String(),
	})
	return nil
}

// ClaimBuyOrder mints the buyer's share of a closed batch.
func (e *Exchange) ClaimBuyOrder(ctx context.Context, buyer common.Address, batchID uint64, collateral common.Address) error {
	const op = model.EventClaimBuyOrder
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, current, err := e.tick(op)
	if err != nil {
		return err
	}
	if current <= batchID {
		return e.fail(&Error{Kind: KindBatchNotClosed, Op: op, Collateral: collateral, Account: buyer, BatchID: batchID})
	}

	undo := &rollback{}
	settled, err := e.batches.Settle(buyer, batchID, collateral, model.SideBuy, undo)
	if err != nil {
		return e.reject(op, collateral, buyer, batchID, err)
	}
	e.setTokensToBeMinted(fixed.SubFloor(e.tokensToBeMinted, settled.Share), undo)

	if err := e.commit(ctx, op, collateral, buyer, batchID, undo, mint(buyer, settled.Share)); err != nil {
		return err
	}

	e.metrics.ObserveClaim(string(model.SideBuy), collateral.Hex())
	e.emit(op, seq, current, collateral, buyer, map[string]string{
		"batch_id": fmt.Sprintf("%d", batchID),
		"value":    settled.Receipt.Amount.String(),
		"minted":   settled.Share.String(),
	})
	return nil
}

// ClaimSellOrder releases the seller's share of a closed batch, minus the
// sell fee which goes to the treasury.
func (e *Exchange) ClaimSellOrder(ctx context.Context, seller common.Address, batchID uint64, collateral common.Address) error {
	const op = model.EventClaimSellOrder
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, current, err := e.tick(op)
	if err != nil {
		return err
	}
	if current <= batchID {
		return e.fail(&Error{Kind: KindBatchNotClosed, Op: op, Collateral: collateral, Account: seller, BatchID: batchID})
	}

	undo := &rollback{}
	settled, err := e.batches.Settle(seller, batchID, collateral, model.SideSell, undo)
	if err != nil {
		return e.reject(op, collateral, seller, batchID, err)
	}
	fee := fixed.ApplyPct(settled.Share, e.sellFeePct)
	net := fixed.Sub(settled.Share, fee)
	e.setToBeClaimed(collateral, fixed.SubFloor(e.toBeClaimed(collateral), settled.Share), undo)

	if err := e.commit(ctx, op, collateral, seller, batchID, undo,
		transfer(e.reserve, seller, collateral, net),
		transfer(e.reserve, e.treasury, collateral, fee),
	); err != nil {
		return err
	}

	e.metrics.ObserveClaim(string(model.SideSell), collateral.Hex())
	e.emit(op, seq, current, collateral, seller, map[string]string{
		"batch_id": fmt.Sprintf("%d", batchID),
		"amount":   settled.Receipt.Amount.String(),
		"return":   net.String(),
		"fee":      fee.String(),
	})
	return nil
}

// buySlippageExceeded reports after > before * (1 + slippage).
func buySlippageExceeded(before, after, slippage *big.Int) bool {
	lhs := new(big.Int).Mul(after, fixed.PCT)
	rhs := new(big.Int).Mul(before, fixed.Add(fixed.PCT, slippage))
	return lhs.Cmp(rhs) > 0
}

// sellSlippageExceeded reports after < before * (1 - slippage).
func sellSlippageExceeded(before, after, slippage *big.Int) bool {
	if slippage.Cmp(fixed.PCT) >= 0 {
		return false
	}
	lhs := new(big.Int).Mul(after, fixed.PCT)
	rhs := new(big.Int).Mul(before, fixed.Sub(fixed.PCT, slippage))
	return lhs.Cmp(rhs) < 0
}
