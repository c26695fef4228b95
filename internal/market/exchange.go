package market

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"treasuryMarket/internal/auth"
	"treasuryMarket/internal/curve"
	"treasuryMarket/internal/fixed"
	"treasuryMarket/internal/ledger"
	"treasuryMarket/internal/metrics"
	"treasuryMarket/internal/model"
)

// EventSink receives the events of applied mutations.
type EventSink interface {
	PutEvents(events []model.Event) error
}

// Config holds the static and initial parameters of an Exchange.
type Config struct {
	BatchSize                  uint64
	BuyFeePct                  *big.Int
	SellFeePct                 *big.Int
	MaximumTapRateIncreasePct  *big.Int
	MaximumTapFloorDecreasePct *big.Int
	TapCooldown                time.Duration
	Reserve                    common.Address
	Treasury                   common.Address
	Beneficiary                common.Address
	Formula                    common.Address
}

// Deps are the collaborators an Exchange calls into.
type Deps struct {
	Ledger     ledger.Ledger
	Token      ledger.IssuedToken
	Formula    curve.Formula
	Authorizer auth.Authorizer
	KYC        auth.KYC
	Sequencer  Sequencer

	// FormulaAt resolves the formula deployed at an address. When nil a
	// formula update only records the new address.
	FormulaAt func(common.Address) (curve.Formula, error)
	Clock     func() time.Time
	Events    EventSink
	Metrics   *metrics.MarketMetrics
}

// Exchange is the batched bonding-curve market. Mutations are applied one
// at a time; queries may run concurrently with them.
type Exchange struct {
	mu sync.RWMutex

	batchSize   uint64
	buyFeePct   *big.Int
	sellFeePct  *big.Int
	reserve     common.Address
	treasury    common.Address
	formulaAddr common.Address
	open        bool
	suspended   bool

	registry *Registry
	taps     *TapController
	batches  *BatchLedger

	tokensToBeMinted       *big.Int
	collateralsToBeClaimed map[common.Address]*big.Int
	lastSequence           uint64

	ledger     ledger.Ledger
	token      ledger.IssuedToken
	formula    curve.Formula
	formulaAt  func(common.Address) (curve.Formula, error)
	authorizer auth.Authorizer
	kyc        auth.KYC
	seq        Sequencer
	now        func() time.Time
	events     EventSink
	metrics    *metrics.MarketMetrics
	logger     *zap.Logger
}

// New validates cfg and builds a closed Exchange.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Exchange, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if err := validateFee(cfg.BuyFeePct); err != nil {
		return nil, fmt.Errorf("buy fee: %w", err)
	}
	if err := validateFee(cfg.SellFeePct); err != nil {
		return nil, fmt.Errorf("sell fee: %w", err)
	}
	if cfg.Reserve == (common.Address{}) || cfg.Treasury == (common.Address{}) {
		return nil, fmt.Errorf("reserve and treasury addresses are required")
	}
	switch {
	case deps.Ledger == nil:
		return nil, fmt.Errorf("ledger is nil")
	case deps.Token == nil:
		return nil, fmt.Errorf("issued token is nil")
	case deps.Formula == nil:
		return nil, fmt.Errorf("formula is nil")
	case deps.Authorizer == nil:
		return nil, fmt.Errorf("authorizer is nil")
	case deps.Sequencer == nil:
		return nil, fmt.Errorf("sequencer is nil")
	}
	cooldown := cfg.TapCooldown
	if cooldown == 0 {
		cooldown = DefaultTapCooldown
	}
	taps, err := NewTapController(cfg.Beneficiary, fixed.Clone(cfg.MaximumTapRateIncreasePct), fixed.Clone(cfg.MaximumTapFloorDecreasePct), cooldown)
	if err != nil {
		return nil, fmt.Errorf("tap controller: %w", err)
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	return &Exchange{
		batchSize:              cfg.BatchSize,
		buyFeePct:              fixed.Clone(cfg.BuyFeePct),
		sellFeePct:             fixed.Clone(cfg.SellFeePct),
		reserve:                cfg.Reserve,
		treasury:               cfg.Treasury,
		formulaAddr:            cfg.Formula,
		registry:               NewRegistry(),
		taps:                   taps,
		batches:                NewBatchLedger(),
		tokensToBeMinted:       new(big.Int),
		collateralsToBeClaimed: make(map[common.Address]*big.Int),
		ledger:                 deps.Ledger,
		token:                  deps.Token,
		formula:                deps.Formula,
		formulaAt:              deps.FormulaAt,
		authorizer:             deps.Authorizer,
		kyc:                    deps.KYC,
		seq:                    deps.Sequencer,
		now:                    now,
		events:                 deps.Events,
		metrics:                deps.Metrics,
		logger:                 logger,
	}, nil
}

func validateFee(pct *big.Int) error {
	if pct == nil || pct.Sign() < 0 || pct.Cmp(fixed.PCT) >= 0 {
		return errParam("fee pct must be in [0, PCT)")
	}
	return nil
}

// tick reads the sequencer and returns the current sequence and batch.
func (e *Exchange) tick(op string) (uint64, uint64, error) {
	seq := e.seq.Current()
	if seq < e.lastSequence {
		return 0, 0, e.fail(&Error{Kind: KindSequenceRegression, Op: op, Err: fmt.Errorf("sequence %d below %d", seq, e.lastSequence)})
	}
	e.lastSequence = seq
	id := BatchID(seq, e.batchSize)
	e.metrics.SetBatchID(id)
	return seq, id, nil
}

func (e *Exchange) authorize(op string, caller common.Address, action common.Hash) error {
	if e.authorizer.IsAuthorized(caller, action) {
		return nil
	}
	return e.fail(&Error{Kind: KindUnauthorized, Op: op, Account: caller, Err: fmt.Errorf("missing %s", auth.RoleName(action))})
}

func (e *Exchange) checkKyc(op string, account common.Address) error {
	if e.kyc == nil || !e.kyc.IsKycRequired() || e.kyc.IsKycApproved(account) {
		return nil
	}
	return e.fail(&Error{Kind: KindUnauthorized, Op: op, Account: account, Err: fmt.Errorf("kyc approval required")})
}

// reject converts a component error into a market error.
func (e *Exchange) reject(op string, collateral, account common.Address, batchID uint64, err error) error {
	return e.fail(&Error{Kind: classify(err), Op: op, Collateral: collateral, Account: account, BatchID: batchID, Err: err})
}

func (e *Exchange) fail(err *Error) error {
	e.metrics.ObserveRejection(err.Op, err.Kind.String())
	e.logger.Debug("operation rejected",
		zap.String("op", err.Op),
		zap.String("kind", err.Kind.String()),
		zap.String("collateral", err.Collateral.Hex()),
		zap.String("account", err.Account.Hex()),
		zap.Uint64("batch_id", err.BatchID),
		zap.Error(err.Err),
	)
	return err
}

// commit executes the ledger movements of an operation whose bookkeeping is
// already applied. A failing movement rolls the bookkeeping back.
func (e *Exchange) commit(ctx context.Context, op string, collateral, account common.Address, batchID uint64, undo *rollback, moves ...movement) error {
	if err := e.settle(ctx, moves); err != nil {
		undo.undo()
		return e.fail(&Error{Kind: KindExternal, Op: op, Collateral: collateral, Account: account, BatchID: batchID, Err: err})
	}
	return nil
}

func (e *Exchange) emit(kind string, seq, batchID uint64, collateral, account common.Address, amounts map[string]string) {
	ev := model.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Sequence:  seq,
		BatchID:   batchID,
		Amounts:   amounts,
		Timestamp: e.now().Unix(),
	}
	if collateral != (common.Address{}) {
		ev.Collateral = collateral.Hex()
	}
	if account != (common.Address{}) {
		ev.Account = account.Hex()
	}
	e.logger.Info(kind,
		zap.Uint64("seq", seq),
		zap.Uint64("batch_id", batchID),
		zap.String("collateral", ev.Collateral),
		zap.String("account", ev.Account),
		zap.Any("amounts", amounts),
	)
	if e.events == nil {
		return
	}
	if err := e.events.PutEvents([]model.Event{ev}); err != nil {
		e.logger.Warn("event sink failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (e *Exchange) toBeClaimed(collateral common.Address) *big.Int {
	return fixed.Clone(e.collateralsToBeClaimed[collateral])
}

func (e *Exchange) setToBeClaimed(collateral common.Address, amount *big.Int, undo *rollback) {
	prev, existed := e.collateralsToBeClaimed[collateral]
	if amount.Sign() == 0 {
		delete(e.collateralsToBeClaimed, collateral)
	} else {
		e.collateralsToBeClaimed[collateral] = amount
	}
	undo.add(func() {
		if existed {
			e.collateralsToBeClaimed[collateral] = prev
		} else {
			delete(e.collateralsToBeClaimed, collateral)
		}
	})
	e.metrics.SetCollateralsToBeClaimed(collateral.Hex(), amount)
}

func (e *Exchange) setTokensToBeMinted(amount *big.Int, undo *rollback) {
	prev := e.tokensToBeMinted
	e.tokensToBeMinted = amount
	undo.add(func() { e.tokensToBeMinted = prev })
	e.metrics.SetTokensToBeMinted(amount)
}

// freeReserve is the reserve balance of collateral not owed to sellers.
func (e *Exchange) freeReserve(ctx context.Context, collateral common.Address) (*big.Int, error) {
	balance, err := e.ledger.BalanceOf(ctx, e.reserve, collateral)
	if err != nil {
		return nil, fmt.Errorf("reserve balance: %w", err)
	}
	return fixed.SubFloor(balance, e.toBeClaimed(collateral)), nil
}

// curveInputs returns the supply and balance fed to the formula: pending
// mints count as supply, tappable and owed collateral is not balance.
func (e *Exchange) curveInputs(ctx context.Context, collateral common.Address, params CollateralParams, batchID uint64) (*big.Int, *big.Int, *big.Int, error) {
	totalSupply, err := e.token.TotalSupply(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("total supply: %w", err)
	}
	free, err := e.freeReserve(ctx, collateral)
	if err != nil {
		return nil, nil, nil, err
	}
	available := fixed.SubFloor(free, e.taps.MaximumWithdrawal(collateral, batchID, free))

	supply := fixed.Add(totalSupply, e.tokensToBeMinted)
	supply.Add(supply, params.VirtualSupply)
	balance := fixed.Add(available, params.VirtualBalance)
	return supply, balance, available, nil
}

// CurrentBatchID returns the batch the sequencer currently points at.
func (e *Exchange) CurrentBatchID() uint64 {
	return BatchID(e.seq.Current(), e.batchSize)
}

// StaticPricePPM prices the issued token for arbitrary curve inputs.
func (e *Exchange) StaticPricePPM(supply, balance *big.Int, reserveRatioPPM uint32) *big.Int {
	return fixed.StaticPricePPM(supply, balance, reserveRatioPPM)
}

// DynamicPricePPM prices the issued token against collateral using the
// same inputs an order opened now would see.
func (e *Exchange) DynamicPricePPM(ctx context.Context, collateral common.Address) (*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	params, ok := e.registry.Params(collateral)
	if !ok {
		return nil, &Error{Kind: KindUnknownCollateral, Op: "dynamic_price", Collateral: collateral}
	}
	supply, balance, _, err := e.curveInputs(ctx, collateral, params, e.CurrentBatchID())
	if err != nil {
		return nil, &Error{Kind: KindExternal, Op: "dynamic_price", Collateral: collateral, Err: err}
	}
	return fixed.StaticPricePPM(supply, balance, params.ReserveRatioPPM), nil
}

// MaximumWithdrawal returns what the beneficiary could withdraw now.
func (e *Exchange) MaximumWithdrawal(ctx context.Context, collateral common.Address) (*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.taps.Has(collateral) {
		return nil, &Error{Kind: KindTapNotConfigured, Op: "maximum_withdrawal", Collateral: collateral}
	}
	free, err := e.freeReserve(ctx, collateral)
	if err != nil {
		return nil, &Error{Kind: KindExternal, Op: "maximum_withdrawal", Collateral: collateral, Err: err}
	}
	return e.taps.MaximumWithdrawal(collateral, e.CurrentBatchID(), free), nil
}

// IsOpen reports whether public trading started.
func (e *Exchange) IsOpen() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.open
}

// IsSuspended reports whether trading is paused.
func (e *Exchange) IsSuspended() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.suspended
}

// Fees returns the buy and sell fee pcts.
func (e *Exchange) Fees() (*big.Int, *big.Int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fixed.Clone(e.buyFeePct), fixed.Clone(e.sellFeePct)
}

// Treasury returns the fee destination.
func (e *Exchange) Treasury() common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.treasury
}

// Beneficiary returns the tap destination.
func (e *Exchange) Beneficiary() common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.taps.Beneficiary()
}

// FormulaAddress returns the address of the active formula.
func (e *Exchange) FormulaAddress() common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.formulaAddr
}

// Collateral returns the listing and curve settings of token.
func (e *Exchange) Collateral(token common.Address) (model.Collateral, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.View(token)
}

// Tap returns the tap configured for token.
func (e *Exchange) Tap(token common.Address) (model.Tap, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.taps.View(token)
}

// Batch returns the aggregates of batch id for collateral.
func (e *Exchange) Batch(id uint64, collateral common.Address) (model.Batch, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.batches.Batch(id, collateral)
}

// Receipt returns one side of an account's order in a batch.
func (e *Exchange) Receipt(account common.Address, id uint64, collateral common.Address, side model.Side) (model.Receipt, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.batches.Receipt(account, id, collateral, side)
}

// UnclaimedOrders lists the receipts account has not claimed yet.
func (e *Exchange) UnclaimedOrders(account common.Address) []model.Receipt {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.batches.Unclaimed(account)
}

// TokensToBeMinted returns the issued tokens owed to buyers.
func (e *Exchange) TokensToBeMinted() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fixed.Clone(e.tokensToBeMinted)
}

// CollateralsToBeClaimed returns the collateral owed to sellers.
func (e *Exchange) CollateralsToBeClaimed(collateral common.Address) *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.toBeClaimed(collateral)
}

// Snapshot captures the operator-facing state.
func (e *Exchange) Snapshot() model.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := model.Snapshot{
		Sequence:                   e.lastSequence,
		BatchID:                    BatchID(e.lastSequence, e.batchSize),
		BatchSize:                  e.batchSize,
		Open:                       e.open,
		Suspended:                  e.suspended,
		BuyFeePct:                  fixed.Clone(e.buyFeePct),
		SellFeePct:                 fixed.Clone(e.sellFeePct),
		MaximumTapRateIncreasePct:  e.taps.MaximumRateIncreasePct(),
		MaximumTapFloorDecreasePct: e.taps.MaximumFloorDecreasePct(),
		Reserve:                    e.reserve,
		Treasury:                   e.treasury,
		Beneficiary:                e.taps.Beneficiary(),
		Formula:                    e.formulaAddr,
		TokensToBeMinted:           fixed.Clone(e.tokensToBeMinted),
		CollateralsToBeClaimed:     make(map[string]string, len(e.collateralsToBeClaimed)),
		Batches:                    e.batches.Batches(),
		Receipts:                   e.batches.Receipts(),
	}
	for token, amount := range e.collateralsToBeClaimed {
		snap.CollateralsToBeClaimed[token.Hex()] = amount.String()
	}
	for _, token := range sortedAddresses(e.registry.Tokens()) {
		view, _ := e.registry.View(token)
		snap.Collaterals = append(snap.Collaterals, view)
	}
	for _, token := range sortedAddresses(e.taps.Tokens()) {
		view, _ := e.taps.View(token)
		snap.Taps = append(snap.Taps, view)
	}
	return snap
}

func sortedAddresses(in []common.Address) []common.Address {
	sort.Slice(in, func(i, j int) bool { return in[i].Hex() < in[j].Hex() })
	return in
}
