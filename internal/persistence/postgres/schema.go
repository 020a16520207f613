package postgres

// schemaStatements are applied in order by Manager.Migrate. All statements
// are idempotent so a restart is safe.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS bars (
		symbol      TEXT NOT NULL,
		interval    TEXT NOT NULL,
		open_time   TIMESTAMPTZ NOT NULL,
		close_time  TIMESTAMPTZ NOT NULL,
		o           DOUBLE PRECISION NOT NULL,
		h           DOUBLE PRECISION NOT NULL,
		l           DOUBLE PRECISION NOT NULL,
		c           DOUBLE PRECISION NOT NULL,
		v           DOUBLE PRECISION NOT NULL,
		trade_count BIGINT NOT NULL DEFAULT 0,
		is_closed   BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (symbol, interval, open_time)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bars_lookup ON bars (symbol, interval, open_time)`,

	`CREATE TABLE IF NOT EXISTS gap_segments (
		id            BIGSERIAL PRIMARY KEY,
		symbol        TEXT NOT NULL,
		interval      TEXT NOT NULL,
		from_ts       TIMESTAMPTZ NOT NULL,
		to_ts         TIMESTAMPTZ NOT NULL,
		missing_count INTEGER NOT NULL,
		state         TEXT NOT NULL DEFAULT 'open',
		UNIQUE (symbol, interval, from_ts, to_ts)
	)`,

	`CREATE TABLE IF NOT EXISTS feature_snapshots (
		symbol         TEXT NOT NULL,
		interval       TEXT NOT NULL,
		close_time     TIMESTAMPTZ NOT NULL,
		features_json  JSONB NOT NULL,
		schema_version TEXT NOT NULL,
		UNIQUE (symbol, interval, close_time, schema_version)
	)`,

	`CREATE TABLE IF NOT EXISTS model_artifacts (
		id           BIGSERIAL PRIMARY KEY,
		family       TEXT NOT NULL,
		version      INTEGER NOT NULL,
		status       TEXT NOT NULL DEFAULT 'staging',
		metrics_json JSONB NOT NULL,
		blob         BYTEA,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (family, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_model_artifacts_status ON model_artifacts (family, status)`,

	`CREATE TABLE IF NOT EXISTS inference_logs (
		id                 BIGSERIAL PRIMARY KEY,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		symbol             TEXT NOT NULL,
		interval           TEXT NOT NULL,
		feature_close_time TIMESTAMPTZ NOT NULL,
		probability        DOUBLE PRECISION NOT NULL,
		threshold          DOUBLE PRECISION NOT NULL,
		decision           INTEGER NOT NULL,
		model_id           BIGINT NOT NULL,
		model_version      INTEGER NOT NULL,
		used_production    BOOLEAN NOT NULL,
		extra_json         JSONB NOT NULL DEFAULT '{}'::jsonb,
		target             TEXT NOT NULL DEFAULT 'bottom',
		realized           INTEGER,
		realized_at        TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inference_logs_created ON inference_logs (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_inference_logs_realized ON inference_logs (realized, created_at)`,

	`CREATE TABLE IF NOT EXISTS trading_signals (
		id          TEXT PRIMARY KEY,
		created_ts  TIMESTAMPTZ NOT NULL DEFAULT now(),
		executed_ts TIMESTAMPTZ,
		signal_type TEXT NOT NULL,
		status      TEXT NOT NULL,
		params_json JSONB NOT NULL DEFAULT '{}'::jsonb,
		price       DOUBLE PRECISION NOT NULL DEFAULT 0,
		extra_json  JSONB NOT NULL DEFAULT '{}'::jsonb,
		order_side  TEXT NOT NULL DEFAULT '',
		order_size  DOUBLE PRECISION NOT NULL DEFAULT 0,
		order_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trading_signals_created ON trading_signals (created_ts)`,

	`CREATE TABLE IF NOT EXISTS positions (
		symbol         TEXT PRIMARY KEY,
		size           DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_price      DOUBLE PRECISION NOT NULL DEFAULT 0,
		realized_pnl   DOUBLE PRECISION NOT NULL DEFAULT 0,
		unrealized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_ts     TIMESTAMPTZ NOT NULL DEFAULT now(),
		status         TEXT NOT NULL DEFAULT 'flat'
	)`,

	`CREATE TABLE IF NOT EXISTS promotion_events (
		id                           BIGSERIAL PRIMARY KEY,
		created_at                   TIMESTAMPTZ NOT NULL DEFAULT now(),
		model_id                     BIGINT NOT NULL,
		previous_production_model_id BIGINT,
		decision                     TEXT NOT NULL,
		reason                       TEXT NOT NULL,
		samples_old                  INTEGER NOT NULL DEFAULT 0,
		samples_new                  INTEGER NOT NULL DEFAULT 0,
		auc_improve                  DOUBLE PRECISION NOT NULL DEFAULT 0,
		ece_delta                    DOUBLE PRECISION NOT NULL DEFAULT 0,
		val_samples                  INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value_json JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}
