package db

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_queue (
    id UUID PRIMARY KEY,
    job_type TEXT NOT NULL,
    payload JSONB NOT NULL DEFAULT '{}',
    priority INT NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending','processing','retrying','completed','failed')),
    retries INT NOT NULL DEFAULT 0,
    max_retries INT NOT NULL DEFAULT 3,
    run_after TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    dedupe_key TEXT,
    claimed_by TEXT,
    last_error TEXT,
    result JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_job_queue_due
    ON job_queue (priority DESC, created_at ASC)
    WHERE status IN ('pending','retrying');
CREATE INDEX IF NOT EXISTS idx_job_queue_status ON job_queue (status);
CREATE INDEX IF NOT EXISTS idx_job_queue_dedupe
    ON job_queue (dedupe_key)
    WHERE status IN ('pending','retrying','processing');

CREATE TABLE IF NOT EXISTS trades (
    id UUID PRIMARY KEY,
    bot_instance_id UUID NOT NULL,
    user_id UUID NOT NULL,
    pair TEXT NOT NULL,
    side TEXT NOT NULL CHECK (side IN ('buy','sell')),
    amount NUMERIC(24,10) NOT NULL,
    entry_price NUMERIC(24,10) NOT NULL,
    exit_price NUMERIC(24,10),
    status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open','closed','failed')),
    exchange_order_id TEXT,
    idempotency_key TEXT NOT NULL,
    pyramid_levels JSONB,
    realized_pnl NUMERIC(24,10) NOT NULL DEFAULT 0,
    opened_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    closed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT trades_idempotency_key_unique UNIQUE (idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_trades_bot_open
    ON trades (bot_instance_id, pair, side, opened_at DESC);

CREATE TABLE IF NOT EXISTS bot_instances (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL,
    name TEXT NOT NULL,
    exchange TEXT NOT NULL,
    pair TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running'
        CHECK (status IN ('running','suspended','stopped','error')),
    mode TEXT NOT NULL DEFAULT 'paper' CHECK (mode IN ('paper','live')),
    connection_verified BOOLEAN NOT NULL DEFAULT FALSE,
    last_validated_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS bot_events (
    id UUID PRIMARY KEY,
    bot_instance_id UUID NOT NULL,
    action TEXT NOT NULL,
    reason TEXT,
    actor TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_bot_events_bot ON bot_events (bot_instance_id, created_at DESC);

CREATE TABLE IF NOT EXISTS exchange_credentials (
    user_id UUID NOT NULL,
    exchange TEXT NOT NULL,
    api_key_enc TEXT NOT NULL,
    api_secret_enc TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (user_id, exchange)
);

CREATE TABLE IF NOT EXISTS email_outbox (
    id UUID PRIMARY KEY,
    recipient TEXT NOT NULL,
    template TEXT NOT NULL,
    payload JSONB NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','sent','failed')),
    attempts INT NOT NULL DEFAULT 0,
    last_error TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    sent_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_email_outbox_pending
    ON email_outbox (created_at ASC) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS market_snapshots (
    pair TEXT NOT NULL,
    interval TEXT NOT NULL,
    open NUMERIC(24,10) NOT NULL,
    high NUMERIC(24,10) NOT NULL,
    low NUMERIC(24,10) NOT NULL,
    close NUMERIC(24,10) NOT NULL,
    volume NUMERIC(24,10) NOT NULL,
    close_time TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (pair, interval, close_time)
);

CREATE TABLE IF NOT EXISTS market_regimes (
    id UUID PRIMARY KEY,
    pair TEXT NOT NULL,
    regime TEXT NOT NULL
        CHECK (regime IN ('trending_up','trending_down','ranging','volatile')),
    confidence NUMERIC(5,4) NOT NULL DEFAULT 0,
    computed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_market_regimes_latest ON market_regimes (pair, computed_at DESC);
`

// ApplyMigrations creates or upgrades the schema in place. Every
// statement is idempotent, so it runs unconditionally at startup.
func (d *Database) ApplyMigrations(ctx context.Context) error {
	if d == nil || d.Pool == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Idempotent column additions for databases created by earlier builds.
	alters := []string{
		`ALTER TABLE job_queue ADD COLUMN IF NOT EXISTS dedupe_key TEXT`,
		`ALTER TABLE job_queue ADD COLUMN IF NOT EXISTS claimed_by TEXT`,
		`ALTER TABLE trades ADD COLUMN IF NOT EXISTS realized_pnl NUMERIC(24,10) NOT NULL DEFAULT 0`,
		`ALTER TABLE bot_instances ADD COLUMN IF NOT EXISTS connection_verified BOOLEAN NOT NULL DEFAULT FALSE`,
	}
	for _, stmt := range alters {
		if _, err := d.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %q: %w", stmt, err)
		}
	}
	return nil
}
