package market

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"treasuryMarket/internal/curve"
	"treasuryMarket/internal/fixed"
	"treasuryMarket/internal/ledger"
	"treasuryMarket/internal/model"
)

func TestBuyOrderMintsAfterBatchCloses(t *testing.T) {
	f := newFixture(t, 10)
	f.at(100)
	f.addCollateral(dai, ether(1), big.NewInt(0))
	f.open(dai)
	f.deposit(alice, dai, ether(10_000))

	price, err := f.ex.DynamicPricePPM(f.ctx, dai)
	require.NoError(t, err)
	require.Equal(t, int64(250_000), price.Int64())
	before := f.ex.TokensToBeMinted()

	require.NoError(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(10_000)))

	batch, ok := f.ex.Batch(100, dai)
	require.True(t, ok)
	requireAmount(t, ether(9_850), batch.TotalBuyValue)
	requireAmount(t, ether(39_400), batch.TotalBuyReturn)
	requireAmount(t, ether(150), f.balance(treasury, dai))
	requireAmount(t, ether(9_850), f.balance(reserveAddr, dai))
	requireAmount(t, big.NewInt(0), f.balance(alice, dai))
	requireAmount(t, ether(39_400), f.ex.TokensToBeMinted())
	f.requirePendingTotals(dai)

	f.at(105)
	requireKind(t, f.ex.ClaimBuyOrder(f.ctx, alice, 100, dai), KindBatchNotClosed)

	f.at(110)
	require.NoError(t, f.ex.ClaimBuyOrder(f.ctx, alice, 100, dai))
	requireAmount(t, ether(39_400), f.balance(alice, issuedToken))
	requireAmount(t, before, f.ex.TokensToBeMinted())
	f.requirePendingTotals(dai)

	receipt, ok := f.ex.Receipt(alice, 100, dai, model.SideBuy)
	require.True(t, ok)
	require.True(t, receipt.Claimed)
	requireAmount(t, ether(39_400), receipt.Settled)

	ev := f.sink.last()
	require.Equal(t, model.EventClaimBuyOrder, ev.Kind)
	require.Equal(t, ether(39_400).String(), ev.Amounts["minted"])
}

func TestTapWithdrawalRespectsFloor(t *testing.T) {
	f := newFixture(t, 1)
	f.at(100)
	f.addCollateral(dai, ether(1_000), ether(10_000))
	f.open(dai)
	f.deposit(reserveAddr, dai, ether(50_000))

	f.at(120)
	max, err := f.ex.MaximumWithdrawal(f.ctx, dai)
	require.NoError(t, err)
	requireAmount(t, ether(20_000), max)

	require.NoError(t, f.ex.WithdrawTap(f.ctx, admin, dai))
	requireAmount(t, ether(30_000), f.balance(reserveAddr, dai))
	requireAmount(t, ether(20_000), f.balance(beneficiary, dai))
	requireKind(t, f.ex.WithdrawTap(f.ctx, admin, dai), KindNothingToWithdraw)

	f.at(200)
	require.NoError(t, f.ex.WithdrawTap(f.ctx, admin, dai))
	requireAmount(t, ether(10_000), f.balance(reserveAddr, dai))

	f.at(300)
	requireKind(t, f.ex.WithdrawTap(f.ctx, admin, dai), KindNothingToWithdraw)
	require.True(t, f.balance(reserveAddr, dai).Cmp(ether(10_000)) >= 0)

	requireKind(t, f.ex.WithdrawTap(f.ctx, alice, dai), KindUnauthorized)
}

func TestUpdateTappedAmountIsIdempotentWithinBatch(t *testing.T) {
	f := newFixture(t, 1)
	f.at(100)
	f.addCollateral(dai, ether(1_000), ether(10_000))
	f.open(dai)
	f.deposit(reserveAddr, dai, ether(50_000))

	f.at(120)
	require.NoError(t, f.ex.UpdateTappedAmount(f.ctx, dai))
	require.NoError(t, f.ex.UpdateTappedAmount(f.ctx, dai))

	tap, ok := f.ex.Tap(dai)
	require.True(t, ok)
	requireAmount(t, ether(20_000), tap.Tapped)
	require.Equal(t, uint64(120), tap.LastTappedBatchID)

	requireKind(t, f.ex.UpdateTappedAmount(f.ctx, ant), KindTapNotConfigured)
}

func TestPriceMovesMonotonicallyWithinBatch(t *testing.T) {
	f := newFixture(t, 100)
	f.at(1000)
	f.addCollateral(dai, big.NewInt(1), big.NewInt(0))
	f.open(dai)
	f.deposit(reserveAddr, dai, ether(500_000))
	f.deposit(alice, dai, ether(50_000))
	require.NoError(t, f.ledger.Mint(f.ctx, bob, ether(100_000)))

	last, err := f.ex.DynamicPricePPM(f.ctx, dai)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(5_000)))
		price, err := f.ex.DynamicPricePPM(f.ctx, dai)
		require.NoError(t, err)
		require.Equal(t, 1, price.Cmp(last), "buy %d: %s -> %s", i, last, price)
		last = price
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, f.ex.OpenSellOrder(f.ctx, bob, dai, ether(5_000)))
		price, err := f.ex.DynamicPricePPM(f.ctx, dai)
		require.NoError(t, err)
		require.Equal(t, -1, price.Cmp(last), "sell %d: %s -> %s", i, last, price)
		last = price
	}

	receipt, ok := f.ex.Receipt(alice, 1000, dai, model.SideBuy)
	require.True(t, ok)
	requireAmount(t, fixed.Sub(ether(15_000), fixed.ApplyPct(ether(15_000), pctOf(15, 1000))), receipt.Amount)
	require.Len(t, f.ex.UnclaimedOrders(alice), 1)
	f.requirePendingTotals(dai)
}

func TestPendingTotalsDrainExactly(t *testing.T) {
	f := newFixture(t, 10)
	f.at(100)
	f.addCollateral(dai, big.NewInt(1), big.NewInt(0))
	f.open(dai)
	f.deposit(alice, dai, ether(10_000))
	f.deposit(bob, dai, big.NewInt(7_777_777_777))
	f.deposit(carol, dai, ether(3_333))

	require.NoError(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(4_000)))
	require.NoError(t, f.ex.OpenBuyOrder(f.ctx, bob, dai, big.NewInt(7_777_777_777)))
	require.NoError(t, f.ex.OpenBuyOrder(f.ctx, carol, dai, ether(3_333)))
	require.NoError(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(6_000)))
	f.requirePendingTotals(dai)

	receipt, ok := f.ex.Receipt(alice, 100, dai, model.SideBuy)
	require.True(t, ok)
	requireAmount(t, fixed.Sub(ether(10_000), fixed.ApplyPct(ether(10_000), pctOf(15, 1000))), receipt.Amount)

	f.at(110)
	for _, account := range []common.Address{carol, alice, bob} {
		require.NoError(t, f.ex.ClaimBuyOrder(f.ctx, account, 100, dai))
		f.requirePendingTotals(dai)
	}
	requireAmount(t, big.NewInt(0), f.ex.TokensToBeMinted())
	batch, ok := f.ex.Batch(100, dai)
	require.True(t, ok)
	require.True(t, batch.Settled())
	requireAmount(t, batch.TotalBuyReturn, f.supply())

	require.NoError(t, f.ex.OpenSellOrder(f.ctx, alice, dai, ether(1_000)))
	require.NoError(t, f.ex.OpenSellOrder(f.ctx, carol, dai, ether(333)))
	f.requirePendingTotals(dai)
	require.Equal(t, 1, f.ex.CollateralsToBeClaimed(dai).Sign())

	f.at(120)
	require.NoError(t, f.ex.ClaimSellOrder(f.ctx, alice, 110, dai))
	f.requirePendingTotals(dai)
	require.NoError(t, f.ex.ClaimSellOrder(f.ctx, carol, 110, dai))
	f.requirePendingTotals(dai)
	requireAmount(t, big.NewInt(0), f.ex.CollateralsToBeClaimed(dai))
	require.Empty(t, f.ex.UnclaimedOrders(alice))
}

func TestDoubleClaimIsRejected(t *testing.T) {
	f := newFixture(t, 10)
	f.at(100)
	f.addCollateral(dai, big.NewInt(1), big.NewInt(0))
	f.open(dai)
	f.deposit(alice, dai, ether(1_000))
	require.NoError(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(1_000)))

	f.at(110)
	require.NoError(t, f.ex.ClaimBuyOrder(f.ctx, alice, 100, dai))
	minted := f.balance(alice, issuedToken)

	err := f.ex.ClaimBuyOrder(f.ctx, alice, 100, dai)
	requireKind(t, err, KindAlreadyClaimed)
	require.True(t, errors.Is(err, ErrAlreadyClaimed))
	require.Equal(t, CategorySequencing, KindOf(err).Category())
	requireAmount(t, minted, f.balance(alice, issuedToken))

	requireKind(t, f.ex.ClaimBuyOrder(f.ctx, bob, 100, dai), KindOrderNotFound)
	requireKind(t, f.ex.ClaimSellOrder(f.ctx, alice, 100, dai), KindOrderNotFound)
}

func TestSellClaimPaysFeeToTreasury(t *testing.T) {
	f := newFixture(t, 10)
	f.at(100)
	f.addCollateral(dai, big.NewInt(1), big.NewInt(0))
	f.open(dai)
	f.deposit(alice, dai, ether(10_000))
	require.NoError(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(10_000)))
	f.at(110)
	require.NoError(t, f.ex.ClaimBuyOrder(f.ctx, alice, 100, dai))

	supplyBefore := f.supply()
	treasuryBefore := f.balance(treasury, dai)
	reserveBefore := f.balance(reserveAddr, dai)

	require.NoError(t, f.ex.OpenSellOrder(f.ctx, alice, dai, ether(1_000)))
	requireAmount(t, fixed.Sub(supplyBefore, ether(1_000)), f.supply())

	batch, ok := f.ex.Batch(110, dai)
	require.True(t, ok)
	returned := batch.TotalSellReturn
	require.Equal(t, 1, returned.Sign())
	requireAmount(t, returned, f.ex.CollateralsToBeClaimed(dai))

	f.at(120)
	require.NoError(t, f.ex.ClaimSellOrder(f.ctx, alice, 110, dai))
	fee := fixed.ApplyPct(returned, pctOf(1, 100))
	requireAmount(t, fixed.Sub(returned, fee), f.balance(alice, dai))
	requireAmount(t, fixed.Add(treasuryBefore, fee), f.balance(treasury, dai))
	requireAmount(t, fixed.Sub(reserveBefore, returned), f.balance(reserveAddr, dai))
	requireAmount(t, big.NewInt(0), f.ex.CollateralsToBeClaimed(dai))
}

func TestRemovalOrdering(t *testing.T) {
	f := newFixture(t, 10)
	f.at(100)
	f.addCollateral(dai, big.NewInt(1), big.NewInt(0))
	f.open(dai)
	f.deposit(alice, dai, ether(10_000))
	require.NoError(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(5_000)))

	requireKind(t, f.ex.RemoveCollateral(f.ctx, admin, dai), KindDependencyViolation)

	f.at(110)
	require.NoError(t, f.ex.ClaimBuyOrder(f.ctx, alice, 100, dai))
	require.NoError(t, f.ex.OpenSellOrder(f.ctx, alice, dai, ether(1_000)))

	err := f.ex.RemoveCollateral(f.ctx, admin, dai)
	requireKind(t, err, KindDependencyViolation)
	require.Equal(t, CategoryDependency, KindOf(err).Category())
	requireKind(t, f.ex.RemoveTap(f.ctx, admin, dai), KindDependencyViolation)

	f.at(120)
	require.NoError(t, f.ex.ClaimSellOrder(f.ctx, alice, 110, dai))
	require.NoError(t, f.ex.RemoveCollateral(f.ctx, admin, dai))
	requireKind(t, f.ex.RemoveCollateral(f.ctx, admin, dai), KindUnknownCollateral)

	collateral, ok := f.ex.Collateral(dai)
	require.True(t, ok)
	require.False(t, collateral.Whitelisted)
	requireAmount(t, big.NewInt(0), collateral.VirtualSupply)
	require.Zero(t, collateral.ReserveRatioPPM)
	_, ok = f.ex.Tap(dai)
	require.True(t, ok)

	requireKind(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(1_000)), KindUnknownCollateral)

	require.NoError(t, f.ex.ReAddCollateral(f.ctx, admin, dai, scenarioParams()))
	collateral, ok = f.ex.Collateral(dai)
	require.True(t, ok)
	require.True(t, collateral.Whitelisted)
	requireKind(t, f.ex.ReAddCollateral(f.ctx, admin, dai, scenarioParams()), KindAlreadySet)

	require.NoError(t, f.ex.RemoveCollateral(f.ctx, admin, dai))
	require.NoError(t, f.ex.RemoveTap(f.ctx, admin, dai))
	requireKind(t, f.ex.RemoveTap(f.ctx, admin, dai), KindTapNotConfigured)
	requireKind(t, f.ex.ReAddCollateral(f.ctx, admin, dai, scenarioParams()), KindTapNotConfigured)

	require.NoError(t, f.ex.AddCollateral(f.ctx, admin, dai, scenarioParams(), ether(1), big.NewInt(0)))
	requireKind(t, f.ex.AddCollateral(f.ctx, admin, dai, scenarioParams(), ether(1), big.NewInt(0)), KindAlreadySet)
}

func TestTradingGuards(t *testing.T) {
	f := newFixture(t, 10)
	f.at(100)
	f.deposit(alice, dai, ether(10_000))

	requireKind(t, f.ex.OpenPublicTrading(f.ctx, admin, []common.Address{dai}), KindTapNotConfigured)
	f.addCollateral(dai, ether(1), big.NewInt(0))

	requireKind(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(1_000)), KindNotOpen)
	require.False(t, f.ex.IsOpen())
	requireKind(t, f.ex.OpenPublicTrading(f.ctx, alice, []common.Address{dai}), KindUnauthorized)
	requireKind(t, f.ex.OpenPublicTrading(f.ctx, admin, nil), KindInvalidParameter)
	f.open(dai)
	require.True(t, f.ex.IsOpen())
	requireKind(t, f.ex.OpenPublicTrading(f.ctx, admin, []common.Address{dai}), KindAlreadySet)

	requireKind(t, f.ex.OpenBuyOrder(f.ctx, alice, ant, ether(1_000)), KindUnknownCollateral)
	requireKind(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, big.NewInt(0)), KindInvalidParameter)

	require.NoError(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(1_000)))
	require.NoError(t, f.ex.Suspend(f.ctx, admin, true))
	requireKind(t, f.ex.Suspend(f.ctx, admin, true), KindAlreadySet)
	requireKind(t, f.ex.Suspend(f.ctx, alice, false), KindUnauthorized)
	require.True(t, f.ex.IsSuspended())

	err := f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(1_000))
	requireKind(t, err, KindSuspended)
	require.Equal(t, CategoryValidation, KindOf(err).Category())

	f.at(110)
	require.NoError(t, f.ex.ClaimBuyOrder(f.ctx, alice, 100, dai))
	requireKind(t, f.ex.OpenSellOrder(f.ctx, alice, dai, ether(1)), KindSuspended)
	require.NoError(t, f.ex.Suspend(f.ctx, admin, false))

	require.NoError(t, f.roles.EnableKyc())
	requireKind(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(1_000)), KindUnauthorized)
	require.NoError(t, f.roles.AddKycUser(alice))
	require.NoError(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(1_000)))
}

func TestSlippageBound(t *testing.T) {
	f := newFixture(t, 10)
	f.at(100)
	params := scenarioParams()
	params.SlippagePct = pctOf(1, 1000)
	require.NoError(t, f.ex.AddCollateral(f.ctx, admin, dai, params, big.NewInt(1), big.NewInt(0)))
	f.open(dai)
	f.deposit(alice, dai, ether(100_000))

	err := f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(100_000))
	requireKind(t, err, KindSlippageExceeded)
	require.Equal(t, CategoryEconomic, KindOf(err).Category())
	requireAmount(t, ether(100_000), f.balance(alice, dai))
	requireAmount(t, big.NewInt(0), f.ex.TokensToBeMinted())

	require.NoError(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(100)))
}

func TestSellGuards(t *testing.T) {
	f := newFixture(t, 10)
	f.at(100)
	f.addCollateral(dai, big.NewInt(1), big.NewInt(0))
	f.open(dai)
	f.deposit(alice, dai, ether(10_000))
	require.NoError(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(10_000)))
	f.at(110)
	require.NoError(t, f.ex.ClaimBuyOrder(f.ctx, alice, 100, dai))
	requireAmount(t, ether(39_400), f.balance(alice, issuedToken))

	params := scenarioParams()
	params.SlippagePct = pctOf(1, 1000)
	require.NoError(t, f.ex.UpdateCollateral(f.ctx, admin, dai, params))

	// the reserve holds 9_850 DAI; 100_000 tokens return about 25_000
	err := f.ex.OpenSellOrder(f.ctx, bob, dai, ether(100_000))
	requireKind(t, err, KindInsufficientReserve)
	require.Equal(t, CategoryEconomic, KindOf(err).Category())
	requireAmount(t, big.NewInt(0), f.ex.CollateralsToBeClaimed(dai))

	err = f.ex.OpenSellOrder(f.ctx, alice, dai, ether(20_000))
	requireKind(t, err, KindSlippageExceeded)
	requireAmount(t, ether(39_400), f.balance(alice, issuedToken))
	requireAmount(t, big.NewInt(0), f.ex.CollateralsToBeClaimed(dai))

	events := len(f.sink.kinds())
	err = f.ex.OpenSellOrder(f.ctx, bob, dai, ether(1_000))
	requireKind(t, err, KindExternal)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	requireAmount(t, big.NewInt(0), f.ex.CollateralsToBeClaimed(dai))
	_, ok := f.ex.Batch(110, dai)
	require.False(t, ok)
	_, ok = f.ex.Receipt(bob, 110, dai, model.SideSell)
	require.False(t, ok)
	require.Empty(t, f.ex.UnclaimedOrders(bob))
	require.Len(t, f.sink.kinds(), events)

	require.NoError(t, f.roles.EnableKyc())
	requireKind(t, f.ex.OpenSellOrder(f.ctx, alice, dai, ether(100)), KindUnauthorized)
	requireAmount(t, ether(39_400), f.balance(alice, issuedToken))
	require.NoError(t, f.roles.AddKycUser(alice))

	require.NoError(t, f.ex.OpenSellOrder(f.ctx, alice, dai, ether(100)))
	requireAmount(t, ether(39_300), f.balance(alice, issuedToken))
	f.requirePendingTotals(dai)
	requireKind(t, f.ex.ClaimSellOrder(f.ctx, alice, 110, dai), KindBatchNotClosed)

	f.at(120)
	require.NoError(t, f.ex.ClaimSellOrder(f.ctx, alice, 110, dai))
	paid := f.balance(alice, dai)
	require.Equal(t, 1, paid.Sign())
	f.requirePendingTotals(dai)

	err = f.ex.ClaimSellOrder(f.ctx, alice, 110, dai)
	requireKind(t, err, KindAlreadyClaimed)
	require.True(t, errors.Is(err, ErrAlreadyClaimed))
	requireAmount(t, paid, f.balance(alice, dai))
}

func TestFailedTransferRollsBackOrder(t *testing.T) {
	f := newFixture(t, 10)
	f.at(100)
	f.addCollateral(dai, ether(1), big.NewInt(0))
	f.open(dai)
	f.deposit(alice, dai, ether(10_000))
	events := len(f.sink.kinds())

	f.ledger.Freeze(reserveAddr)
	err := f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(10_000))
	requireKind(t, err, KindExternal)
	require.ErrorIs(t, err, ledger.ErrTransferUnauthorized)

	requireAmount(t, ether(10_000), f.balance(alice, dai))
	requireAmount(t, big.NewInt(0), f.balance(treasury, dai))
	requireAmount(t, big.NewInt(0), f.ex.TokensToBeMinted())
	_, ok := f.ex.Batch(100, dai)
	require.False(t, ok)
	require.Empty(t, f.ex.UnclaimedOrders(alice))
	require.Len(t, f.sink.kinds(), events)

	f.ledger.Unfreeze(reserveAddr)
	err = f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(20_000))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	require.NotErrorIs(t, err, ledger.ErrTransferUnauthorized)
	requireAmount(t, ether(10_000), f.balance(alice, dai))

	require.NoError(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(10_000)))
	f.requirePendingTotals(dai)
}

func TestFailedClaimMintRollsBack(t *testing.T) {
	f := newFixture(t, 10)
	f.at(100)
	f.addCollateral(dai, ether(1), big.NewInt(0))
	f.open(dai)
	f.deposit(alice, dai, ether(1_000))
	require.NoError(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(1_000)))
	pending := f.ex.TokensToBeMinted()

	f.at(110)
	f.ledger.Freeze(alice)
	requireKind(t, f.ex.ClaimBuyOrder(f.ctx, alice, 100, dai), KindExternal)
	requireAmount(t, pending, f.ex.TokensToBeMinted())
	receipt, ok := f.ex.Receipt(alice, 100, dai, model.SideBuy)
	require.True(t, ok)
	require.False(t, receipt.Claimed)
	require.Len(t, f.ex.UnclaimedOrders(alice), 1)

	f.ledger.Unfreeze(alice)
	require.NoError(t, f.ex.ClaimBuyOrder(f.ctx, alice, 100, dai))
	requireAmount(t, pending, f.balance(alice, issuedToken))
}

func TestUpdateTapBounds(t *testing.T) {
	f := newFixture(t, 1)
	f.at(100)
	f.addCollateral(dai, ether(1_000), ether(10_000))
	f.open(dai)
	f.deposit(reserveAddr, dai, ether(50_000))

	f.at(110)
	requireKind(t, f.ex.UpdateTap(f.ctx, admin, dai, ether(1_500), ether(10_000)), KindRateChangeTooSoon)

	f.sleep(DefaultTapCooldown + time.Second)
	err := f.ex.UpdateTap(f.ctx, admin, dai, ether(2_001), ether(10_000))
	requireKind(t, err, KindRateChangeTooLarge)
	requireKind(t, f.ex.UpdateTap(f.ctx, admin, dai, ether(2_000), ether(4_999)), KindRateChangeTooLarge)
	requireKind(t, f.ex.UpdateTap(f.ctx, admin, dai, ether(1_000), ether(10_000)), KindAlreadySet)
	requireKind(t, f.ex.UpdateTap(f.ctx, admin, dai, big.NewInt(0), ether(10_000)), KindInvalidParameter)
	requireKind(t, f.ex.UpdateTap(f.ctx, alice, dai, ether(2_000), ether(5_000)), KindUnauthorized)
	require.NoError(t, f.ex.UpdateTap(f.ctx, admin, dai, ether(2_000), ether(5_000)))

	tap, ok := f.ex.Tap(dai)
	require.True(t, ok)
	requireAmount(t, ether(10_000), tap.Tapped)
	require.Equal(t, uint64(110), tap.LastTappedBatchID)

	f.at(115)
	max, err := f.ex.MaximumWithdrawal(f.ctx, dai)
	require.NoError(t, err)
	requireAmount(t, ether(20_000), max)

	requireKind(t, f.ex.UpdateTap(f.ctx, admin, dai, ether(2_500), ether(5_000)), KindRateChangeTooSoon)

	require.NoError(t, f.ex.ResetTap(f.ctx, admin, dai))
	max, err = f.ex.MaximumWithdrawal(f.ctx, dai)
	require.NoError(t, err)
	requireAmount(t, big.NewInt(0), max)
}

func TestTapPctSetters(t *testing.T) {
	f := newFixture(t, 1)

	requireKind(t, f.ex.UpdateMaximumTapFloorDecreasePct(f.ctx, admin, fixed.Add(fixed.PCT, big.NewInt(1))), KindInvalidParameter)
	requireKind(t, f.ex.UpdateMaximumTapFloorDecreasePct(f.ctx, admin, pctOf(50, 100)), KindAlreadySet)
	require.NoError(t, f.ex.UpdateMaximumTapFloorDecreasePct(f.ctx, admin, pctOf(25, 100)))
	requireKind(t, f.ex.UpdateMaximumTapRateIncreasePct(f.ctx, admin, pctOf(100, 100)), KindAlreadySet)
	require.NoError(t, f.ex.UpdateMaximumTapRateIncreasePct(f.ctx, admin, pctOf(200, 100)))
	requireKind(t, f.ex.UpdateMaximumTapRateIncreasePct(f.ctx, bob, pctOf(300, 100)), KindUnauthorized)

	requireKind(t, f.ex.UpdateBeneficiary(f.ctx, admin, beneficiary), KindAlreadySet)
	requireKind(t, f.ex.UpdateBeneficiary(f.ctx, admin, common.Address{}), KindInvalidParameter)
	require.NoError(t, f.ex.UpdateBeneficiary(f.ctx, admin, carol))
	require.Equal(t, carol, f.ex.Beneficiary())

	snap := f.ex.Snapshot()
	requireAmount(t, pctOf(25, 100), snap.MaximumTapFloorDecreasePct)
	requireAmount(t, pctOf(200, 100), snap.MaximumTapRateIncreasePct)
}

func TestGovernanceSettersReportAlreadySet(t *testing.T) {
	f := newFixture(t, 1)
	resolved := 0
	f.ex.formulaAt = func(common.Address) (curve.Formula, error) {
		resolved++
		return curve.Spot{}, nil
	}

	requireKind(t, f.ex.UpdateFees(f.ctx, admin, pctOf(15, 1000), pctOf(1, 100)), KindAlreadySet)
	requireKind(t, f.ex.UpdateFees(f.ctx, admin, fixed.PCT, pctOf(1, 100)), KindInvalidParameter)
	require.NoError(t, f.ex.UpdateFees(f.ctx, admin, pctOf(2, 100), pctOf(1, 100)))
	buyFee, sellFee := f.ex.Fees()
	requireAmount(t, pctOf(2, 100), buyFee)
	requireAmount(t, pctOf(1, 100), sellFee)

	requireKind(t, f.ex.UpdateTreasury(f.ctx, admin, treasury), KindAlreadySet)
	require.NoError(t, f.ex.UpdateTreasury(f.ctx, admin, carol))
	require.Equal(t, carol, f.ex.Treasury())

	requireKind(t, f.ex.UpdateBancorFormula(f.ctx, admin, formulaAddr), KindAlreadySet)
	requireKind(t, f.ex.UpdateBancorFormula(f.ctx, admin, common.Address{}), KindInvalidParameter)
	next := common.HexToAddress("0x000000000000000000000000000000000000f002")
	require.NoError(t, f.ex.UpdateBancorFormula(f.ctx, admin, next))
	require.Equal(t, next, f.ex.FormulaAddress())
	require.Equal(t, 1, resolved)

	failing := common.HexToAddress("0x000000000000000000000000000000000000f003")
	f.ex.formulaAt = func(common.Address) (curve.Formula, error) { return nil, errors.New("no code") }
	requireKind(t, f.ex.UpdateBancorFormula(f.ctx, admin, failing), KindExternal)
	require.Equal(t, next, f.ex.FormulaAddress())
}

type stubSequencer struct {
	mu    sync.Mutex
	value uint64
}

func (s *stubSequencer) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (s *stubSequencer) set(v uint64) {
	s.mu.Lock()
	s.value = v
	s.mu.Unlock()
}

func TestSequenceRegressionIsRejected(t *testing.T) {
	f := newFixture(t, 10)
	seq := &stubSequencer{value: 50}
	f.ex.seq = seq

	require.NoError(t, f.ex.Suspend(f.ctx, admin, true))
	seq.set(40)
	requireKind(t, f.ex.Suspend(f.ctx, admin, false), KindSequenceRegression)
	seq.set(60)
	require.NoError(t, f.ex.Suspend(f.ctx, admin, false))
}

func TestEventsFollowAppliedMutations(t *testing.T) {
	f := newFixture(t, 10)
	f.at(100)
	f.addCollateral(dai, ether(1), big.NewInt(0))
	f.open(dai)
	f.deposit(alice, dai, ether(1_000))
	require.NoError(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(1_000)))
	requireKind(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(1_000)), KindExternal)

	require.Equal(t, []string{
		model.EventAddCollateral,
		model.EventOpenPublicTrading,
		model.EventOpenBuyOrder,
	}, f.sink.kinds())

	ev := f.sink.last()
	require.NotEmpty(t, ev.ID)
	require.Equal(t, uint64(100), ev.BatchID)
	require.Equal(t, alice.Hex(), ev.Account)
	require.Equal(t, dai.Hex(), ev.Collateral)
	require.Equal(t, ether(15).String(), ev.Amounts["fee"])
}

func TestConcurrentPriceQueries(t *testing.T) {
	f := newFixture(t, 1_000)
	f.at(1_000)
	f.addCollateral(dai, big.NewInt(1), big.NewInt(0))
	f.open(dai)
	f.deposit(alice, dai, ether(100_000))

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := f.ex.DynamicPricePPM(f.ctx, dai); err != nil {
					errs <- err
					return
				}
				_ = f.ex.Snapshot()
			}
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, f.ex.OpenBuyOrder(f.ctx, alice, dai, ether(1_000)))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	f.requirePendingTotals(dai)
}
