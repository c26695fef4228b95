package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"treasuryMarket/internal/fixed"
	"treasuryMarket/internal/model"
)

// Store persists exchange snapshots and replay progress in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// SaveSnapshot replaces the stored snapshot called name in one transaction.
func (s *Store) SaveSnapshot(ctx context.Context, name string, snap model.Snapshot) error {
	if name == "" {
		return fmt.Errorf("snapshot name required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, table := range []string{"collaterals", "taps", "batches", "receipts"} {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE name=$1", name); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO market_state (
			name, sequence, batch_id, batch_size, is_open, suspended,
			buy_fee_pct, sell_fee_pct, max_tap_rate_increase_pct, max_tap_floor_decrease_pct,
			reserve, treasury, beneficiary, formula, tokens_to_be_minted, collaterals_to_be_claimed, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,$8::numeric,$9::numeric,$10::numeric,$11,$12,$13,$14,$15::numeric,$16,now())
		ON CONFLICT (name)
		DO UPDATE SET
			sequence = EXCLUDED.sequence,
			batch_id = EXCLUDED.batch_id,
			batch_size = EXCLUDED.batch_size,
			is_open = EXCLUDED.is_open,
			suspended = EXCLUDED.suspended,
			buy_fee_pct = EXCLUDED.buy_fee_pct,
			sell_fee_pct = EXCLUDED.sell_fee_pct,
			max_tap_rate_increase_pct = EXCLUDED.max_tap_rate_increase_pct,
			max_tap_floor_decrease_pct = EXCLUDED.max_tap_floor_decrease_pct,
			reserve = EXCLUDED.reserve,
			treasury = EXCLUDED.treasury,
			beneficiary = EXCLUDED.beneficiary,
			formula = EXCLUDED.formula,
			tokens_to_be_minted = EXCLUDED.tokens_to_be_minted,
			collaterals_to_be_claimed = EXCLUDED.collaterals_to_be_claimed,
			updated_at = now()
	`,
		name,
		int64(snap.Sequence),
		int64(snap.BatchID),
		int64(snap.BatchSize),
		snap.Open,
		snap.Suspended,
		numeric(snap.BuyFeePct),
		numeric(snap.SellFeePct),
		numeric(snap.MaximumTapRateIncreasePct),
		numeric(snap.MaximumTapFloorDecreasePct),
		snap.Reserve.Hex(),
		snap.Treasury.Hex(),
		snap.Beneficiary.Hex(),
		snap.Formula.Hex(),
		numeric(snap.TokensToBeMinted),
		toBeClaimed(snap.CollateralsToBeClaimed),
	)
	queued := 1

	for _, c := range snap.Collaterals {
		batch.Queue(`
			INSERT INTO collaterals (name, token, whitelisted, virtual_supply, virtual_balance, reserve_ratio_ppm, slippage_pct)
			VALUES ($1,$2,$3,$4::numeric,$5::numeric,$6,$7::numeric)
		`, name, c.Token.Hex(), c.Whitelisted, numeric(c.VirtualSupply), numeric(c.VirtualBalance), int64(c.ReserveRatioPPM), numeric(c.SlippagePct))
		queued++
	}
	for _, t := range snap.Taps {
		batch.Queue(`
			INSERT INTO taps (name, token, rate, floor, tapped, last_tapped_batch_id, last_parameter_update)
			VALUES ($1,$2,$3::numeric,$4::numeric,$5::numeric,$6,$7)
		`, name, t.Token.Hex(), numeric(t.Rate), numeric(t.Floor), numeric(t.Tapped), int64(t.LastTappedBatchID), t.LastParameterUpdate)
		queued++
	}
	for _, b := range snap.Batches {
		batch.Queue(`
			INSERT INTO batches (
				name, batch_id, collateral,
				total_buy_value, total_buy_return, total_sell_amount, total_sell_return,
				unclaimed_buy_value, unclaimed_buy_return, unclaimed_sell_amount, unclaimed_sell_return
			) VALUES ($1,$2,$3,$4::numeric,$5::numeric,$6::numeric,$7::numeric,$8::numeric,$9::numeric,$10::numeric,$11::numeric)
		`,
			name, int64(b.ID), b.Collateral.Hex(),
			numeric(b.TotalBuyValue), numeric(b.TotalBuyReturn), numeric(b.TotalSellAmount), numeric(b.TotalSellReturn),
			numeric(b.UnclaimedBuyValue), numeric(b.UnclaimedBuyReturn), numeric(b.UnclaimedSellAmount), numeric(b.UnclaimedSellReturn),
		)
		queued++
	}
	for _, r := range snap.Receipts {
		batch.Queue(`
			INSERT INTO receipts (name, account, batch_id, collateral, side, amount, claimed, settled)
			VALUES ($1,$2,$3,$4,$5,$6::numeric,$7,$8::numeric)
		`, name, r.Account.Hex(), int64(r.BatchID), r.Collateral.Hex(), string(r.Side), numeric(r.Amount), r.Claimed, nullableNumeric(r.Settled))
		queued++
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < queued; i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("write snapshot: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadSnapshot reads the snapshot called name. The bool is false when none
// was saved.
func (s *Store) LoadSnapshot(ctx context.Context, name string) (model.Snapshot, bool, error) {
	var (
		snap                                       model.Snapshot
		seq, batchID, batchSize                    int64
		buyFee, sellFee, maxRate, maxFloor, toMint string
		reserve, treasury, beneficiary, formula    string
	)
	row := s.pool.QueryRow(ctx, `
		SELECT sequence, batch_id, batch_size, is_open, suspended,
			buy_fee_pct::text, sell_fee_pct::text, max_tap_rate_increase_pct::text, max_tap_floor_decrease_pct::text,
			reserve, treasury, beneficiary, formula, tokens_to_be_minted::text, collaterals_to_be_claimed
		FROM market_state WHERE name=$1
	`, name)
	err := row.Scan(&seq, &batchID, &batchSize, &snap.Open, &snap.Suspended,
		&buyFee, &sellFee, &maxRate, &maxFloor,
		&reserve, &treasury, &beneficiary, &formula, &toMint, &snap.CollateralsToBeClaimed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Snapshot{}, false, nil
		}
		return model.Snapshot{}, false, fmt.Errorf("load market state: %w", err)
	}
	snap.Sequence = uint64(seq)
	snap.BatchID = uint64(batchID)
	snap.BatchSize = uint64(batchSize)
	snap.Reserve = common.HexToAddress(reserve)
	snap.Treasury = common.HexToAddress(treasury)
	snap.Beneficiary = common.HexToAddress(beneficiary)
	snap.Formula = common.HexToAddress(formula)
	if err := parseAll(
		target{&snap.BuyFeePct, buyFee},
		target{&snap.SellFeePct, sellFee},
		target{&snap.MaximumTapRateIncreasePct, maxRate},
		target{&snap.MaximumTapFloorDecreasePct, maxFloor},
		target{&snap.TokensToBeMinted, toMint},
	); err != nil {
		return model.Snapshot{}, false, fmt.Errorf("parse market state: %w", err)
	}

	if snap.Collaterals, err = s.loadCollaterals(ctx, name); err != nil {
		return model.Snapshot{}, false, err
	}
	if snap.Taps, err = s.loadTaps(ctx, name); err != nil {
		return model.Snapshot{}, false, err
	}
	if snap.Batches, err = s.loadBatches(ctx, name); err != nil {
		return model.Snapshot{}, false, err
	}
	if snap.Receipts, err = s.loadReceipts(ctx, name); err != nil {
		return model.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *Store) loadCollaterals(ctx context.Context, name string) ([]model.Collateral, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token, whitelisted, virtual_supply::text, virtual_balance::text, reserve_ratio_ppm, slippage_pct::text
		FROM collaterals WHERE name=$1 ORDER BY token
	`, name)
	if err != nil {
		return nil, fmt.Errorf("query collaterals: %w", err)
	}
	defer rows.Close()

	var out []model.Collateral
	for rows.Next() {
		var (
			c                       model.Collateral
			token, vs, vb, slippage string
			ratio                   int64
		)
		if err := rows.Scan(&token, &c.Whitelisted, &vs, &vb, &ratio, &slippage); err != nil {
			return nil, fmt.Errorf("scan collateral: %w", err)
		}
		c.Token = common.HexToAddress(token)
		c.ReserveRatioPPM = uint32(ratio)
		if err := parseAll(target{&c.VirtualSupply, vs}, target{&c.VirtualBalance, vb}, target{&c.SlippagePct, slippage}); err != nil {
			return nil, fmt.Errorf("parse collateral %s: %w", token, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) loadTaps(ctx context.Context, name string) ([]model.Tap, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token, rate::text, floor::text, tapped::text, last_tapped_batch_id, last_parameter_update
		FROM taps WHERE name=$1 ORDER BY token
	`, name)
	if err != nil {
		return nil, fmt.Errorf("query taps: %w", err)
	}
	defer rows.Close()

	var out []model.Tap
	for rows.Next() {
		var (
			t                         model.Tap
			token, rate, floor, taken string
			lastBatch                 int64
		)
		if err := rows.Scan(&token, &rate, &floor, &taken, &lastBatch, &t.LastParameterUpdate); err != nil {
			return nil, fmt.Errorf("scan tap: %w", err)
		}
		t.Token = common.HexToAddress(token)
		t.LastTappedBatchID = uint64(lastBatch)
		if err := parseAll(target{&t.Rate, rate}, target{&t.Floor, floor}, target{&t.Tapped, taken}); err != nil {
			return nil, fmt.Errorf("parse tap %s: %w", token, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) loadBatches(ctx context.Context, name string) ([]model.Batch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT batch_id, collateral,
			total_buy_value::text, total_buy_return::text, total_sell_amount::text, total_sell_return::text,
			unclaimed_buy_value::text, unclaimed_buy_return::text, unclaimed_sell_amount::text, unclaimed_sell_return::text
		FROM batches WHERE name=$1 ORDER BY batch_id, collateral
	`, name)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var out []model.Batch
	for rows.Next() {
		var (
			b          model.Batch
			id         int64
			collateral string
			values     [8]string
		)
		if err := rows.Scan(&id, &collateral, &values[0], &values[1], &values[2], &values[3], &values[4], &values[5], &values[6], &values[7]); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.ID = uint64(id)
		b.Collateral = common.HexToAddress(collateral)
		if err := parseAll(
			target{&b.TotalBuyValue, values[0]},
			target{&b.TotalBuyReturn, values[1]},
			target{&b.TotalSellAmount, values[2]},
			target{&b.TotalSellReturn, values[3]},
			target{&b.UnclaimedBuyValue, values[4]},
			target{&b.UnclaimedBuyReturn, values[5]},
			target{&b.UnclaimedSellAmount, values[6]},
			target{&b.UnclaimedSellReturn, values[7]},
		); err != nil {
			return nil, fmt.Errorf("parse batch %d: %w", id, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) loadReceipts(ctx context.Context, name string) ([]model.Receipt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account, batch_id, collateral, side, amount::text, claimed, settled::text
		FROM receipts WHERE name=$1 ORDER BY batch_id, collateral, account, side
	`, name)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	var out []model.Receipt
	for rows.Next() {
		var (
			r                         model.Receipt
			account, collateral, side string
			amount                    string
			settled                   *string
			id                        int64
		)
		if err := rows.Scan(&account, &id, &collateral, &side, &amount, &r.Claimed, &settled); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		r.Account = common.HexToAddress(account)
		r.BatchID = uint64(id)
		r.Collateral = common.HexToAddress(collateral)
		r.Side = model.Side(side)
		if err := parseAll(target{&r.Amount, amount}); err != nil {
			return nil, fmt.Errorf("parse receipt: %w", err)
		}
		if settled != nil {
			if err := parseAll(target{&r.Settled, *settled}); err != nil {
				return nil, fmt.Errorf("parse receipt: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadState returns the replay progress saved under name: the number of
// journal entries processed and the sequence of the last one.
func (s *Store) LoadState(ctx context.Context, name string) (uint64, uint64, bool, error) {
	if name == "" {
		return 0, 0, false, fmt.Errorf("state name required")
	}
	var applied, seq int64
	row := s.pool.QueryRow(ctx, `SELECT applied, last_sequence FROM replay_state WHERE name=$1`, name)
	if err := row.Scan(&applied, &seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, false, nil
		}
		return 0, 0, false, err
	}
	return uint64(applied), uint64(seq), true, nil
}

// SaveState upserts the replay progress for name.
func (s *Store) SaveState(ctx context.Context, name string, applied, seq uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO replay_state (name, applied, last_sequence, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (name) DO UPDATE
		SET applied = EXCLUDED.applied, last_sequence = EXCLUDED.last_sequence, updated_at = now()
	`, name, int64(applied), int64(seq))
	return err
}

type target struct {
	dst   **big.Int
	value string
}

func parseAll(targets ...target) error {
	for _, t := range targets {
		v, err := fixed.ParseBigInt(t.value)
		if err != nil {
			return err
		}
		*t.dst = v
	}
	return nil
}

func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func nullableNumeric(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func toBeClaimed(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}
