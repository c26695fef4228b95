package journal

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"treasuryMarket/internal/auth"
	"treasuryMarket/internal/curve"
	"treasuryMarket/internal/fixed"
	"treasuryMarket/internal/ledger"
	"treasuryMarket/internal/market"
	"treasuryMarket/internal/metrics"
	"treasuryMarket/internal/model"
	"treasuryMarket/internal/storage"
)

var (
	issuedToken = common.HexToAddress("0x0000000000000000000000000000000000001551")
	dai         = common.HexToAddress("0x00000000000000000000000000000000000000da")
	reserveAddr = common.HexToAddress("0x000000000000000000000000000000000000e5e1")
	treasury    = common.HexToAddress("0x0000000000000000000000000000000000007e45")
	beneficiary = common.HexToAddress("0x000000000000000000000000000000000000bef1")
	admin       = common.HexToAddress("0x000000000000000000000000000000000000ad31")
	alice       = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob         = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) PutEvents(events []model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

// flakyFormula fails the first failures calls, then prices at spot.
type flakyFormula struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyFormula) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("dial tcp: connection refused")
	}
	return nil
}

func (f *flakyFormula) PurchaseReturn(ctx context.Context, supply, balance *big.Int, ratio uint32, deposit *big.Int) (*big.Int, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return curve.Spot{}.PurchaseReturn(ctx, supply, balance, ratio, deposit)
}

func (f *flakyFormula) SaleReturn(ctx context.Context, supply, balance *big.Int, ratio uint32, amount *big.Int) (*big.Int, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return curve.Spot{}.SaleReturn(ctx, supply, balance, ratio, amount)
}

type testEnv struct {
	env    Env
	ledger *ledger.Memory
	sink   *recorder
}

func newTestEnv(t *testing.T, formula curve.Formula) testEnv {
	t.Helper()
	mem := ledger.NewMemory(issuedToken)
	roles := auth.NewRoleTable()
	seq := market.NewManualSequencer(0)
	clock := NewClock(time.Unix(1_700_000_000, 0).UTC())
	sink := &recorder{}
	muted := storage.NewMuted(sink)

	ex, err := market.New(market.Config{
		BatchSize:                  10,
		BuyFeePct:                  fixed.MulDiv(fixed.PCT, big.NewInt(15), big.NewInt(1000)),
		SellFeePct:                 fixed.MulDiv(fixed.PCT, big.NewInt(1), big.NewInt(100)),
		MaximumTapRateIncreasePct:  new(big.Int).Set(fixed.PCT),
		MaximumTapFloorDecreasePct: fixed.MulDiv(fixed.PCT, big.NewInt(1), big.NewInt(2)),
		Reserve:                    reserveAddr,
		Treasury:                   treasury,
		Beneficiary:                beneficiary,
	}, market.Deps{
		Ledger:     mem,
		Token:      mem,
		Formula:    formula,
		Authorizer: roles,
		KYC:        roles,
		Sequencer:  seq,
		Clock:      clock.Now,
		Events:     muted,
	}, nil)
	require.NoError(t, err)

	return testEnv{
		env: Env{
			Exchange:  ex,
			Ledger:    mem,
			Roles:     roles,
			Sequencer: seq,
			Clock:     clock,
			Mute:      muted,
		},
		ledger: mem,
		sink:   sink,
	}
}

// buyJournal prices the issued token at 0.25 DAI, buys with 10 000 DAI at
// batch 100 and claims at batch 110.
func buyJournal() []model.Operation {
	supply := fixed.Ether(10_000_000)
	balance := new(big.Int).Mul(supply, big.NewInt(333333))
	balance.Quo(balance, big.NewInt(4_000_000))

	return []model.Operation{
		{Sequence: 100, Op: OpGrant, Caller: admin.Hex(), Account: admin.Hex(), Role: "ADD_COLLATERAL_TOKEN_ROLE"},
		{Sequence: 100, Op: OpGrant, Caller: admin.Hex(), Account: admin.Hex(), Role: "OPEN_ROLE"},
		{
			Sequence:        100,
			Timestamp:       1_700_000_100,
			Op:              OpAddCollateral,
			Caller:          admin.Hex(),
			Collateral:      dai.Hex(),
			VirtualSupply:   supply.String(),
			VirtualBalance:  balance.String(),
			ReserveRatioPPM: 333333,
			SlippagePct:     fixed.MulDiv(fixed.PCT, big.NewInt(1), big.NewInt(10)).String(),
			Rate:            fixed.Ether(1).String(),
			Floor:           "0",
		},
		{Sequence: 100, Op: OpOpenPublicTrading, Caller: admin.Hex(), Collaterals: []string{dai.Hex()}},
		{Sequence: 100, Op: OpDeposit, Caller: admin.Hex(), Account: alice.Hex(), Collateral: dai.Hex(), Amount: fixed.Ether(10_000).String()},
		{Sequence: 101, Timestamp: 1_700_000_200, Op: OpOpenBuyOrder, Caller: alice.Hex(), Collateral: dai.Hex(), Amount: fixed.Ether(10_000).String()},
		{Sequence: 110, Timestamp: 1_700_000_300, Op: OpClaimBuyOrder, Caller: bob.Hex(), Account: alice.Hex(), Collateral: dai.Hex(), BatchID: 100},
	}
}

func balanceOf(t *testing.T, mem *ledger.Memory, account, asset common.Address) *big.Int {
	t.Helper()
	out, err := mem.BalanceOf(context.Background(), account, asset)
	require.NoError(t, err)
	return out
}

func TestRunAppliesJournal(t *testing.T) {
	te := newTestEnv(t, curve.Spot{})
	m := metrics.NewUnregistered()
	runner := NewRunner(RunConfig{}, te.env, nil, m, nil)

	summary, err := runner.Run(context.Background(), buyJournal())
	require.NoError(t, err)
	require.Equal(t, Summary{Total: 7, Applied: 7}, summary)

	require.Equal(t, fixed.Ether(39_400).String(), balanceOf(t, te.ledger, alice, issuedToken).String())
	require.Equal(t, fixed.Ether(150).String(), balanceOf(t, te.ledger, treasury, dai).String())
	require.Equal(t, []string{
		model.EventAddCollateral,
		model.EventOpenPublicTrading,
		model.EventOpenBuyOrder,
		model.EventClaimBuyOrder,
	}, te.sink.kinds())
	require.Equal(t, uint64(110), te.env.Exchange.Snapshot().Sequence)
}

func TestRunCountsRejectionsAndContinues(t *testing.T) {
	te := newTestEnv(t, curve.Spot{})
	ops := buyJournal()
	// bob holds no DAI and has no role.
	rejected := []model.Operation{
		{Sequence: 101, Op: OpOpenBuyOrder, Caller: bob.Hex(), Collateral: dai.Hex(), Amount: fixed.Ether(1).String()},
		{Sequence: 101, Op: OpSuspend, Caller: bob.Hex(), Value: true},
		{Sequence: 101, Op: "mystery", Caller: bob.Hex()},
	}
	ops = append(ops[:6:6], append(rejected, ops[6])...)

	summary, err := NewRunner(RunConfig{}, te.env, nil, nil, nil).Run(context.Background(), ops)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Rejected)
	require.Equal(t, 7, summary.Applied)
	require.False(t, te.env.Exchange.IsSuspended())
	require.Equal(t, fixed.Ether(39_400).String(), balanceOf(t, te.ledger, alice, issuedToken).String())
}

func TestRunStopOnReject(t *testing.T) {
	te := newTestEnv(t, curve.Spot{})
	ops := buyJournal()
	ops[5].Caller = bob.Hex()

	_, err := NewRunner(RunConfig{StopOnReject: true}, te.env, nil, nil, nil).Run(context.Background(), ops)
	require.Error(t, err)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	ops := buyJournal()

	first := newTestEnv(t, curve.Spot{})
	summary, err := NewRunner(RunConfig{}, first.env, NewCheckpointStore(path, true), nil, nil).Run(context.Background(), ops[:6])
	require.NoError(t, err)
	require.Equal(t, 6, summary.Applied)

	cp, ok, err := NewCheckpointStore(path, true).Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(6), cp.Applied)
	require.Equal(t, uint64(101), cp.LastSequence)

	second := newTestEnv(t, curve.Spot{})
	summary, err = NewRunner(RunConfig{}, second.env, NewCheckpointStore(path, true), nil, nil).Run(context.Background(), ops)
	require.NoError(t, err)
	require.Equal(t, Summary{Total: 7, Restored: 6, Applied: 1}, summary)
	require.Equal(t, []string{model.EventClaimBuyOrder}, second.sink.kinds())
	require.Equal(t, fixed.Ether(39_400).String(), balanceOf(t, second.ledger, alice, issuedToken).String())
}

func TestRunRejectsMismatchedCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store := NewCheckpointStore(path, true)
	require.NoError(t, store.Save(context.Background(), Checkpoint{Applied: 6, LastSequence: 99}))

	te := newTestEnv(t, curve.Spot{})
	_, err := NewRunner(RunConfig{}, te.env, store, nil, nil).Run(context.Background(), buyJournal())
	require.ErrorContains(t, err, "does not match checkpoint")

	require.NoError(t, store.Save(context.Background(), Checkpoint{Applied: 8, LastSequence: 110}))
	_, err = NewRunner(RunConfig{}, te.env, store, nil, nil).Run(context.Background(), buyJournal())
	require.ErrorContains(t, err, "beyond journal")
}

func TestRunRetriesTransportFailures(t *testing.T) {
	formula := &flakyFormula{failures: 2}
	te := newTestEnv(t, formula)

	summary, err := NewRunner(RunConfig{MaxRetries: 3, RetryBackoff: time.Millisecond}, te.env, nil, nil, nil).Run(context.Background(), buyJournal())
	require.NoError(t, err)
	require.Equal(t, 7, summary.Applied)
	require.Equal(t, fixed.Ether(39_400).String(), balanceOf(t, te.ledger, alice, issuedToken).String())
}

func TestRunStopsWhenRetriesExhausted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	formula := &flakyFormula{failures: 100}
	te := newTestEnv(t, formula)

	_, err := NewRunner(RunConfig{MaxRetries: 1, RetryBackoff: time.Millisecond}, te.env, NewCheckpointStore(path, true), nil, nil).Run(context.Background(), buyJournal())
	require.Error(t, err)
	require.Equal(t, market.KindExternal, market.KindOf(err))
	require.Equal(t, 2, formula.calls)

	cp, ok, err := NewCheckpointStore(path, true).Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5), cp.Applied)
	require.Zero(t, balanceOf(t, te.ledger, alice, issuedToken).Sign())
	require.Equal(t, fixed.Ether(10_000).String(), balanceOf(t, te.ledger, alice, dai).String())
}

func TestRetryable(t *testing.T) {
	require.False(t, Retryable(nil))
	require.False(t, Retryable(ErrInvalidOperation))
	require.False(t, Retryable(&market.Error{Kind: market.KindSlippageExceeded, Err: market.ErrSlippageExceeded}))
	require.False(t, Retryable(&market.Error{Kind: market.KindTapNotConfigured}))
	require.False(t, Retryable(errors.New("not a market error")))
	require.True(t, Retryable(fmt.Errorf("apply seq 7: %w", &market.Error{Kind: market.KindExternal, Err: errors.New("connection reset")})))
	require.False(t, Retryable(&market.Error{Kind: market.KindExternal, Err: ledger.ErrInsufficientBalance}))
	require.True(t, Retryable(&market.Error{Kind: market.KindExternal, Err: errors.New("i/o timeout")}))
}
