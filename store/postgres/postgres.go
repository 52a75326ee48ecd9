// Package postgres implements the durable job, endpoint, run and signing-key
// stores on PostgreSQL via pgx. Claims use row-level locks with SKIP LOCKED
// so concurrent workers partition the due set without double-dispatch.
//
// The DDL below documents the expected layout and the load-bearing indexes
// (next_run_at, locked_until); Client.Migrate applies it idempotently.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cronicorn/cronicorn/clock"
)

// Schema documents the tables these stores expect.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id           text PRIMARY KEY,
    user_id      text NOT NULL,
    tenant_id    text NOT NULL,
    name         text NOT NULL,
    description  text NOT NULL DEFAULT '',
    status       text NOT NULL DEFAULT 'active',
    archived_at  timestamptz,
    created_at   timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_user_idx ON jobs (user_id, status, archived_at);

CREATE TABLE IF NOT EXISTS endpoints (
    id                    text PRIMARY KEY,
    job_id                text NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    tenant_id             text NOT NULL,
    name                  text NOT NULL DEFAULT '',
    url                   text NOT NULL,
    method                text NOT NULL,
    headers               jsonb,
    body                  jsonb,
    timeout_ms            integer NOT NULL,
    max_execution_time_ms integer NOT NULL,
    max_response_size_kb  integer NOT NULL,
    baseline_cron         text NOT NULL DEFAULT '',
    baseline_interval_ms  bigint NOT NULL DEFAULT 0,
    min_interval_ms       bigint,
    max_interval_ms       bigint,
    ai_hint_interval_ms   bigint,
    ai_hint_next_run_at   timestamptz,
    ai_hint_expires_at    timestamptz,
    ai_hint_reason        text NOT NULL DEFAULT '',
    paused_until          timestamptz,
    archived_at           timestamptz,
    last_run_at           timestamptz,
    next_run_at           timestamptz NOT NULL,
    failure_count         integer NOT NULL DEFAULT 0,
    next_analysis_at      timestamptz,
    locked_until          timestamptz,
    nudged_at             timestamptz
);
CREATE INDEX IF NOT EXISTS endpoints_next_run_idx ON endpoints (next_run_at) WHERE archived_at IS NULL;
CREATE INDEX IF NOT EXISTS endpoints_locked_idx ON endpoints (locked_until);
CREATE INDEX IF NOT EXISTS endpoints_job_idx ON endpoints (job_id);

CREATE TABLE IF NOT EXISTS runs (
    id             text PRIMARY KEY,
    endpoint_id    text NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
    status         text NOT NULL,
    attempt        integer NOT NULL DEFAULT 1,
    source         text NOT NULL,
    started_at     timestamptz NOT NULL,
    finished_at    timestamptz,
    duration_ms    bigint NOT NULL DEFAULT 0,
    error_message  text NOT NULL DEFAULT '',
    status_code    integer NOT NULL DEFAULT 0,
    response_body  jsonb
);
CREATE INDEX IF NOT EXISTS runs_endpoint_idx ON runs (endpoint_id, started_at DESC);
CREATE INDEX IF NOT EXISTS runs_status_idx ON runs (status, started_at);

CREATE TABLE IF NOT EXISTS signing_keys (
    tenant_id  text PRIMARY KEY,
    key        bytea NOT NULL
);
`

// Options configures the postgres stores.
type Options struct {
	Pool  *pgxpool.Pool
	Clock clock.Clock
}

// Client bundles the store implementations sharing one pool.
type Client struct {
	pool *pgxpool.Pool
	clk  clock.Clock

	Endpoints *Endpoints
	Jobs      *Jobs
	Runs      *Runs
	Keys      *Keys
}

// New wires the stores. The pool is required; the clock defaults to the
// system clock.
func New(opts Options) (*Client, error) {
	if opts.Pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	c := &Client{pool: opts.Pool, clk: clk}
	c.Endpoints = &Endpoints{pool: opts.Pool, clk: clk}
	c.Jobs = &Jobs{pool: opts.Pool, clk: clk}
	c.Runs = &Runs{pool: opts.Pool, clk: clk}
	c.Keys = &Keys{pool: opts.Pool}
	return c, nil
}

// Migrate applies the schema. Idempotent; every statement is IF NOT EXISTS.
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Name implements clue health.Pinger.
func (c *Client) Name() string { return "postgres" }

// Ping implements clue health.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// inTx runs fn inside a transaction, rolling back on error.
func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
