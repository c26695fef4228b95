package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"treasuryMarket/internal/auth"
	"treasuryMarket/internal/ledger"
	"treasuryMarket/internal/market"
	"treasuryMarket/internal/metrics"
	"treasuryMarket/internal/model"
)

// Replay outcomes reported to metrics.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
	OutcomeRestored = "restored"
)

// RunConfig controls a replay.
type RunConfig struct {
	// CheckpointEvery saves progress after this many applied entries.
	CheckpointEvery int
	MaxRetries      int
	RetryBackoff    time.Duration
	// StopOnReject aborts the run on the first rejected operation.
	StopOnReject bool
}

// Env is the state a journal is applied to.
type Env struct {
	Exchange  *market.Exchange
	Ledger    *ledger.Memory
	Roles     *auth.RoleTable
	Sequencer *market.ManualSequencer
	Clock     *Clock
	// Mute silences the event sink while already-checkpointed entries are
	// re-applied. Optional.
	Mute interface{ SetMuted(bool) }
}

// Summary counts the outcome of a run.
type Summary struct {
	Total    int
	Restored int
	Applied  int
	Rejected int
}

// Runner applies a journal to an exchange in order.
type Runner struct {
	cfg        RunConfig
	env        Env
	checkpoint Checkpointer
	metrics    *metrics.MarketMetrics
	logger     *zap.Logger
}

func NewRunner(cfg RunConfig, env Env, checkpoint Checkpointer, m *metrics.MarketMetrics, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 100
	}
	return &Runner{cfg: cfg, env: env, checkpoint: checkpoint, metrics: m, logger: logger}
}

// Run applies ops. Entries covered by the saved checkpoint are re-applied
// with events muted to rebuild the in-memory state, then the rest is
// applied live.
func (r *Runner) Run(ctx context.Context, ops []model.Operation) (Summary, error) {
	if r.env.Exchange == nil || r.env.Sequencer == nil {
		return Summary{}, fmt.Errorf("exchange and sequencer are required")
	}
	summary := Summary{Total: len(ops)}

	var restoreUntil uint64
	if r.checkpoint != nil {
		cp, ok, err := r.checkpoint.Load(ctx)
		if err != nil {
			return summary, err
		}
		if ok {
			if cp.Applied > uint64(len(ops)) {
				return summary, fmt.Errorf("checkpoint at entry %d beyond journal of %d entries", cp.Applied, len(ops))
			}
			if cp.Applied > 0 && ops[cp.Applied-1].Sequence != cp.LastSequence {
				return summary, fmt.Errorf("journal does not match checkpoint: entry %d has sequence %d, want %d",
					cp.Applied, ops[cp.Applied-1].Sequence, cp.LastSequence)
			}
			restoreUntil = cp.Applied
			r.logger.Info("resume from checkpoint",
				zap.Uint64("applied", cp.Applied),
				zap.Uint64("last_sequence", cp.LastSequence),
			)
		}
	}

	r.mute(restoreUntil > 0)
	defer r.mute(false)

	sinceSave := 0
	for i, op := range ops {
		select {
		case <-ctx.Done():
			r.saveProgress(ctx, ops, i)
			return summary, ctx.Err()
		default:
		}

		restoring := uint64(i) < restoreUntil
		if !restoring && uint64(i) == restoreUntil && restoreUntil > 0 {
			r.mute(false)
		}

		if err := r.env.Sequencer.Set(op.Sequence); err != nil {
			return summary, fmt.Errorf("entry %d: %w", i+1, err)
		}
		if r.env.Clock != nil {
			r.env.Clock.Set(op.Timestamp)
		}

		err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, Retryable, func(ctx context.Context) error {
			return r.apply(ctx, op)
		})
		switch {
		case err == nil:
			if restoring {
				summary.Restored++
				r.metrics.ObserveReplay(OutcomeRestored)
			} else {
				summary.Applied++
				r.metrics.ObserveReplay(OutcomeApplied)
			}
		case Retryable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			r.saveProgress(ctx, ops, i)
			return summary, fmt.Errorf("entry %d (%s, seq %d): %w", i+1, op.Op, op.Sequence, err)
		default:
			summary.Rejected++
			r.metrics.ObserveReplay(OutcomeRejected)
			if !restoring {
				r.logger.Warn("operation rejected",
					zap.Int("entry", i+1),
					zap.Uint64("seq", op.Sequence),
					zap.String("op", op.Op),
					zap.String("caller", op.Caller),
					zap.String("kind", market.KindOf(err).String()),
					zap.Error(err),
				)
			}
			if r.cfg.StopOnReject && !restoring {
				r.saveProgress(ctx, ops, i+1)
				return summary, fmt.Errorf("entry %d (%s, seq %d): %w", i+1, op.Op, op.Sequence, err)
			}
		}

		if restoring {
			continue
		}
		sinceSave++
		if sinceSave >= r.cfg.CheckpointEvery {
			if err := r.save(ctx, ops, i+1); err != nil {
				return summary, err
			}
			sinceSave = 0
		}
	}

	if err := r.save(ctx, ops, len(ops)); err != nil {
		return summary, err
	}

	r.logger.Info("replay complete",
		zap.Int("total", summary.Total),
		zap.Int("restored", summary.Restored),
		zap.Int("applied", summary.Applied),
		zap.Int("rejected", summary.Rejected),
	)
	return summary, nil
}

// Retryable reports whether err is a transport failure worth retrying.
// Domain rejections and ledger refusals replay identically and are not.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrInvalidOperation) {
		return false
	}
	var merr *market.Error
	if !errors.As(err, &merr) || merr.Category() != market.CategoryExternal {
		return false
	}
	return !errors.Is(err, ledger.ErrInsufficientBalance) &&
		!errors.Is(err, ledger.ErrTransferUnauthorized) &&
		!errors.Is(err, ledger.ErrInvalidAmount)
}

func (r *Runner) mute(muted bool) {
	if r.env.Mute != nil {
		r.env.Mute.SetMuted(muted)
	}
}

func (r *Runner) save(ctx context.Context, ops []model.Operation, applied int) error {
	if r.checkpoint == nil || applied == 0 {
		return nil
	}
	cp := Checkpoint{Applied: uint64(applied), LastSequence: ops[applied-1].Sequence}
	if err := r.checkpoint.Save(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	r.logger.Debug("checkpoint saved", zap.Uint64("applied", cp.Applied), zap.Uint64("last_sequence", cp.LastSequence))
	return nil
}

// saveProgress records progress on an aborted run. Progress never moves
// backwards past an existing checkpoint.
func (r *Runner) saveProgress(ctx context.Context, ops []model.Operation, applied int) {
	if r.checkpoint == nil || applied == 0 {
		return
	}
	if cp, ok, err := r.checkpoint.Load(context.WithoutCancel(ctx)); err == nil && ok && cp.Applied >= uint64(applied) {
		return
	}
	if err := r.save(context.WithoutCancel(ctx), ops, applied); err != nil {
		r.logger.Warn("checkpoint save failed", zap.Error(err))
	}
}
