package postgres

// schema creates the snapshot tables. Amounts are NUMERIC(78,0) so any
// uint256 fits.
const schema = `
CREATE TABLE IF NOT EXISTS market_state (
	name TEXT PRIMARY KEY,
	sequence BIGINT NOT NULL,
	batch_id BIGINT NOT NULL,
	batch_size BIGINT NOT NULL,
	is_open BOOLEAN NOT NULL,
	suspended BOOLEAN NOT NULL,
	buy_fee_pct NUMERIC(78,0) NOT NULL,
	sell_fee_pct NUMERIC(78,0) NOT NULL,
	max_tap_rate_increase_pct NUMERIC(78,0) NOT NULL,
	max_tap_floor_decrease_pct NUMERIC(78,0) NOT NULL,
	reserve TEXT NOT NULL,
	treasury TEXT NOT NULL,
	beneficiary TEXT NOT NULL,
	formula TEXT NOT NULL,
	tokens_to_be_minted NUMERIC(78,0) NOT NULL,
	collaterals_to_be_claimed JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS collaterals (
	name TEXT NOT NULL,
	token TEXT NOT NULL,
	whitelisted BOOLEAN NOT NULL,
	virtual_supply NUMERIC(78,0) NOT NULL,
	virtual_balance NUMERIC(78,0) NOT NULL,
	reserve_ratio_ppm BIGINT NOT NULL,
	slippage_pct NUMERIC(78,0) NOT NULL,
	PRIMARY KEY (name, token)
);

CREATE TABLE IF NOT EXISTS taps (
	name TEXT NOT NULL,
	token TEXT NOT NULL,
	rate NUMERIC(78,0) NOT NULL,
	floor NUMERIC(78,0) NOT NULL,
	tapped NUMERIC(78,0) NOT NULL,
	last_tapped_batch_id BIGINT NOT NULL,
	last_parameter_update BIGINT NOT NULL,
	PRIMARY KEY (name, token)
);

CREATE TABLE IF NOT EXISTS batches (
	name TEXT NOT NULL,
	batch_id BIGINT NOT NULL,
	collateral TEXT NOT NULL,
	total_buy_value NUMERIC(78,0) NOT NULL,
	total_buy_return NUMERIC(78,0) NOT NULL,
	total_sell_amount NUMERIC(78,0) NOT NULL,
	total_sell_return NUMERIC(78,0) NOT NULL,
	unclaimed_buy_value NUMERIC(78,0) NOT NULL,
	unclaimed_buy_return NUMERIC(78,0) NOT NULL,
	unclaimed_sell_amount NUMERIC(78,0) NOT NULL,
	unclaimed_sell_return NUMERIC(78,0) NOT NULL,
	PRIMARY KEY (name, batch_id, collateral)
);

CREATE TABLE IF NOT EXISTS receipts (
	name TEXT NOT NULL,
	account TEXT NOT NULL,
	batch_id BIGINT NOT NULL,
	collateral TEXT NOT NULL,
	side TEXT NOT NULL,
	amount NUMERIC(78,0) NOT NULL,
	claimed BOOLEAN NOT NULL,
	settled NUMERIC(78,0),
	PRIMARY KEY (name, account, batch_id, collateral, side)
);

CREATE TABLE IF NOT EXISTS replay_state (
	name TEXT PRIMARY KEY,
	applied BIGINT NOT NULL,
	last_sequence BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`
