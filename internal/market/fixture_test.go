package market

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"treasuryMarket/internal/auth"
	"treasuryMarket/internal/curve"
	"treasuryMarket/internal/fixed"
	"treasuryMarket/internal/ledger"
	"treasuryMarket/internal/model"
)

var (
	issuedToken = common.HexToAddress("0x0000000000000000000000000000000000001551")
	dai         = common.HexToAddress("0x00000000000000000000000000000000000000da")
	ant         = common.HexToAddress("0x00000000000000000000000000000000000000a7")
	reserveAddr = common.HexToAddress("0x000000000000000000000000000000000000e5e1")
	treasury    = common.HexToAddress("0x0000000000000000000000000000000000007e45")
	beneficiary = common.HexToAddress("0x000000000000000000000000000000000000bef1")
	formulaAddr = common.HexToAddress("0x000000000000000000000000000000000000f001")
	admin       = common.HexToAddress("0x000000000000000000000000000000000000ad31")
	alice       = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob         = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol       = common.HexToAddress("0x00000000000000000000000000000000000ca201")
)

var adminRoles = []common.Hash{
	auth.OpenRole,
	auth.SuspendRole,
	auth.UpdateFeesRole,
	auth.UpdateFormulaRole,
	auth.UpdateTreasuryRole,
	auth.UpdateBeneficiaryRole,
	auth.AddCollateralTokenRole,
	auth.UpdateCollateralTokenRole,
	auth.RemoveCollateralTokenRole,
	auth.UpdateTappedTokenRole,
	auth.RemoveTappedTokenRole,
	auth.ResetTappedTokenRole,
	auth.WithdrawRole,
	auth.UpdateMaximumTapRateIncreasePctRole,
	auth.UpdateMaximumTapFloorDecreasePctRole,
}

// pctOf returns num/den expressed on the PCT scale.
func pctOf(num, den int64) *big.Int {
	return fixed.MulDiv(fixed.PCT, big.NewInt(num), big.NewInt(den))
}

func ether(units int64) *big.Int {
	return fixed.Ether(units)
}

// scenarioParams prices the issued token at 0.25 collateral with no real liquidity.
func scenarioParams() CollateralParams {
	supply := ether(10_000_000)
	balance := new(big.Int).Mul(supply, big.NewInt(333333))
	balance.Quo(balance, big.NewInt(4_000_000))
	return CollateralParams{
		VirtualSupply:   supply,
		VirtualBalance:  balance,
		ReserveRatioPPM: 333333,
		SlippagePct:     pctOf(10, 100),
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *eventRecorder) PutEvents(events []model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *eventRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *eventRecorder) last() model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	ex     *Exchange
	ledger *ledger.Memory
	roles  *auth.RoleTable
	seq    *ManualSequencer
	sink   *eventRecorder

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T, batchSize uint64) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		ledger: ledger.NewMemory(issuedToken),
		roles:  auth.NewRoleTable(),
		seq:    NewManualSequencer(0),
		sink:   &eventRecorder{},
		now:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, role := range adminRoles {
		require.NoError(t, f.roles.Grant(admin, role))
	}

	ex, err := New(Config{
		BatchSize:                  batchSize,
		BuyFeePct:                  pctOf(15, 1000),
		SellFeePct:                 pctOf(1, 100),
		MaximumTapRateIncreasePct:  pctOf(100, 100),
		MaximumTapFloorDecreasePct: pctOf(50, 100),
		Reserve:                    reserveAddr,
		Treasury:                   treasury,
		Beneficiary:                beneficiary,
		Formula:                    formulaAddr,
	}, Deps{
		Ledger:     f.ledger,
		Token:      f.ledger,
		Formula:    curve.Spot{},
		Authorizer: f.roles,
		KYC:        f.roles,
		Sequencer:  f.seq,
		Clock:      f.clock,
		Events:     f.sink,
	}, nil)
	require.NoError(t, err)
	f.ex = ex
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) sleep(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) at(seq uint64) {
	f.t.Helper()
	require.NoError(f.t, f.seq.Set(seq))
}

func (f *fixture) addCollateral(token common.Address, rate, floor *big.Int) {
	f.t.Helper()
	require.NoError(f.t, f.ex.AddCollateral(f.ctx, admin, token, scenarioParams(), rate, floor))
}

func (f *fixture) open(tokens ...common.Address) {
	f.t.Helper()
	require.NoError(f.t, f.ex.OpenPublicTrading(f.ctx, admin, tokens))
}

func (f *fixture) deposit(account, asset common.Address, amount *big.Int) {
	f.t.Helper()
	require.NoError(f.t, f.ledger.Deposit(account, asset, amount))
}

func (f *fixture) balance(account, asset common.Address) *big.Int {
	f.t.Helper()
	out, err := f.ledger.BalanceOf(f.ctx, account, asset)
	require.NoError(f.t, err)
	return out
}

func (f *fixture) supply() *big.Int {
	f.t.Helper()
	out, err := f.ledger.TotalSupply(f.ctx)
	require.NoError(f.t, err)
	return out
}

// requirePendingTotals checks that the tracked pending totals equal the sum of
// what the batch aggregates still owe.
func (f *fixture) requirePendingTotals(collaterals ...common.Address) {
	f.t.Helper()
	snap := f.ex.Snapshot()
	owed := new(big.Int)
	for _, batch := range snap.Batches {
		owed.Add(owed, batch.UnclaimedBuyReturn)
	}
	requireAmount(f.t, snap.TokensToBeMinted, owed)

	for _, c := range collaterals {
		owed := new(big.Int)
		for _, batch := range snap.Batches {
			if batch.Collateral == c {
				owed.Add(owed, batch.UnclaimedSellReturn)
			}
		}
		requireAmount(f.t, f.ex.CollateralsToBeClaimed(c), owed)
	}
}

func requireAmount(t *testing.T, want, got *big.Int) {
	t.Helper()
	require.Equal(t, fixed.Clone(want).String(), fixed.Clone(got).String())
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind.String(), KindOf(err).String(), "error: %v", err)
}
