package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cronicorn/cronicorn/clock"
	"github.com/cronicorn/cronicorn/endpoint"
	"github.com/cronicorn/cronicorn/schedule"
	"github.com/cronicorn/cronicorn/store"
)

// Endpoints implements store.Endpoints on PostgreSQL.
type Endpoints struct {
	pool *pgxpool.Pool
	clk  clock.Clock
}

const endpointColumns = `id, job_id, tenant_id, name, url, method, headers, body,
	timeout_ms, max_execution_time_ms, max_response_size_kb,
	baseline_cron, baseline_interval_ms, min_interval_ms, max_interval_ms,
	ai_hint_interval_ms, ai_hint_next_run_at, ai_hint_expires_at, ai_hint_reason,
	paused_until, archived_at, last_run_at, next_run_at, failure_count,
	next_analysis_at, locked_until, nudged_at`

func (s *Endpoints) AddEndpoint(ctx context.Context, e *endpoint.Endpoint) error {
	e.Normalize()
	if err := e.Validate(); err != nil {
		return err
	}
	if e.BaselineCron != "" {
		if _, err := schedule.ParseCron(e.BaselineCron); err != nil {
			return fmt.Errorf("%w: %v", endpoint.ErrInvalid, err)
		}
	}
	now := s.clk.Now()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TenantID == "" {
		var tenant string
		err := s.pool.QueryRow(ctx, `SELECT tenant_id FROM jobs WHERE id = $1 AND archived_at IS NULL`, e.JobID).Scan(&tenant)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("resolve tenant: %w", err)
		}
		e.TenantID = tenant
	}
	if e.NextRunAt.IsZero() {
		e.NextRunAt = schedule.Next(e, schedule.OutcomeNone, now).NextRunAt
	}
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	var body any
	if e.Body != nil {
		body = e.Body.Bytes()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO endpoints (`+endpointColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)`,
		e.ID, e.JobID, e.TenantID, e.Name, e.URL, e.Method, headers, body,
		e.TimeoutMs, e.MaxExecutionTimeMs, e.MaxResponseSizeKb,
		e.BaselineCron, e.BaselineIntervalMs, e.MinIntervalMs, e.MaxIntervalMs,
		e.AIHintIntervalMs, nullableTime(e.AIHintNextRunAt), nullableTime(e.AIHintExpiresAt), e.AIHintReason,
		nullableTime(e.PausedUntil), nullableTime(e.ArchivedAt), nullableTime(e.LastRunAt), e.NextRunAt.UTC(), e.FailureCount,
		nullableTime(e.NextAnalysisAt), nullableTime(e.LockedUntil), nullableTime(e.NudgedAt),
	)
	if err != nil {
		return fmt.Errorf("insert endpoint: %w", err)
	}
	return nil
}

func (s *Endpoints) GetEndpoint(ctx context.Context, id string) (*endpoint.Endpoint, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = $1`, id)
	return scanEndpoint(row)
}

func (s *Endpoints) UpdateEndpoint(ctx context.Context, id string, patch store.EndpointPatch) (*endpoint.Endpoint, error) {
	var updated *endpoint.Endpoint
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = $1 FOR UPDATE`, id)
		e, err := scanEndpoint(row)
		if err != nil {
			return err
		}
		applyPatch(e, patch)
		e.Normalize()
		if err := e.Validate(); err != nil {
			return err
		}
		if e.BaselineCron != "" {
			if _, err := schedule.ParseCron(e.BaselineCron); err != nil {
				return fmt.Errorf("%w: %v", endpoint.ErrInvalid, err)
			}
		}
		headers, err := json.Marshal(e.Headers)
		if err != nil {
			return fmt.Errorf("marshal headers: %w", err)
		}
		var body any
		if e.Body != nil {
			body = e.Body.Bytes()
		}
		_, err = tx.Exec(ctx, `
			UPDATE endpoints SET
				name=$2, url=$3, method=$4, headers=$5, body=$6,
				timeout_ms=$7, max_execution_time_ms=$8, max_response_size_kb=$9,
				baseline_cron=$10, baseline_interval_ms=$11, min_interval_ms=$12, max_interval_ms=$13
			WHERE id=$1`,
			id, e.Name, e.URL, e.Method, headers, body,
			e.TimeoutMs, e.MaxExecutionTimeMs, e.MaxResponseSizeKb,
			e.BaselineCron, e.BaselineIntervalMs, e.MinIntervalMs, e.MaxIntervalMs,
		)
		if err != nil {
			return fmt.Errorf("update endpoint: %w", err)
		}
		updated = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Endpoints) ArchiveEndpoint(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE endpoints SET archived_at = COALESCE(archived_at, $2) WHERE id = $1`,
		id, s.clk.Now())
	if err != nil {
		return fmt.Errorf("archive endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Endpoints) ListEndpoints(ctx context.Context, jobID string) ([]*endpoint.Endpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE job_id = $1 AND archived_at IS NULL ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()
	var out []*endpoint.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClaimDueEndpoints selects due, unlocked, unpaused, unarchived endpoints
// under live jobs and leases them in one transaction. FOR UPDATE SKIP LOCKED
// makes concurrent claimers partition the due set: a row selected here is
// invisible to any other claim until this transaction commits, and after
// commit its lease keeps it out of the claim predicate.
func (s *Endpoints) ClaimDueEndpoints(ctx context.Context, limit int, horizon time.Duration) ([]string, error) {
	now := s.clk.Now()
	type due struct {
		id        string
		maxExecMs int
	}
	var claimed []due
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT e.id, e.max_execution_time_ms
			FROM endpoints e
			JOIN jobs j ON j.id = e.job_id
			WHERE e.next_run_at <= $1
			  AND (e.paused_until IS NULL OR e.paused_until <= $2)
			  AND (e.locked_until IS NULL OR e.locked_until <= $2)
			  AND e.archived_at IS NULL
			  AND j.archived_at IS NULL AND j.status <> 'archived'
			ORDER BY e.next_run_at ASC, e.id ASC
			LIMIT $3
			FOR UPDATE OF e SKIP LOCKED`,
			now.Add(horizon), now, limit)
		if err != nil {
			return fmt.Errorf("claim select: %w", err)
		}
		for rows.Next() {
			var d due
			if err := rows.Scan(&d.id, &d.maxExecMs); err != nil {
				rows.Close()
				return fmt.Errorf("claim scan: %w", err)
			}
			claimed = append(claimed, d)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("claim rows: %w", err)
		}
		for _, d := range claimed {
			until := now.Add(schedule.LeaseFor(d.maxExecMs, horizon))
			if _, err := tx.Exec(ctx,
				`UPDATE endpoints SET locked_until = $2 WHERE id = $1`, d.id, until); err != nil {
				return fmt.Errorf("claim lease %s: %w", d.id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(claimed))
	for i, d := range claimed {
		ids[i] = d.id
	}
	return ids, nil
}

func (s *Endpoints) SetLock(ctx context.Context, id string, until time.Time) error {
	return s.exec(ctx, `UPDATE endpoints SET locked_until = $2 WHERE id = $1`, id, until.UTC())
}

func (s *Endpoints) ClearLock(ctx context.Context, id string) error {
	return s.exec(ctx, `UPDATE endpoints SET locked_until = NULL WHERE id = $1`, id)
}

func (s *Endpoints) SetNextRunAtIfEarlier(ctx context.Context, id string, t time.Time) error {
	now := s.clk.Now()
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = $1 FOR UPDATE`, id)
		e, err := scanEndpoint(row)
		if err != nil {
			return err
		}
		if e.Paused(now) {
			return nil
		}
		clamped := schedule.ClampGuardrails(e, t, now)
		if !clamped.Before(e.NextRunAt) {
			return nil
		}
		_, err = tx.Exec(ctx,
			`UPDATE endpoints SET next_run_at = $2, nudged_at = $3 WHERE id = $1`,
			id, clamped.UTC(), now)
		if err != nil {
			return fmt.Errorf("nudge endpoint: %w", err)
		}
		return nil
	})
}

func (s *Endpoints) WriteAIHint(ctx context.Context, id string, hint store.Hint) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE endpoints SET
			ai_hint_expires_at = $2,
			ai_hint_next_run_at = COALESCE($3, ai_hint_next_run_at),
			ai_hint_interval_ms = COALESCE($4, ai_hint_interval_ms),
			ai_hint_reason = CASE WHEN $5 <> '' THEN $5 ELSE ai_hint_reason END
		WHERE id = $1`,
		id, hint.ExpiresAt.UTC(), nullableTime(hint.NextRunAt), hint.IntervalMs, hint.Reason)
	if err != nil {
		return fmt.Errorf("write hint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Endpoints) SetPausedUntil(ctx context.Context, id string, t *time.Time) error {
	return s.exec(ctx, `UPDATE endpoints SET paused_until = $2 WHERE id = $1`, id, nullableTime(t))
}

// UpdateAfterRun commits the algebra's decision: runtime state, hint clears,
// the manual-nudge reset and the forward lease. Backoff alone never moves
// next_run_at backwards.
func (s *Endpoints) UpdateAfterRun(ctx context.Context, id string, patch store.AfterRunPatch) error {
	now := s.clk.Now()
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = $1 FOR UPDATE`, id)
		e, err := scanEndpoint(row)
		if err != nil {
			return err
		}
		next := patch.NextRunAt
		if patch.FromBackoff && next.Before(e.NextRunAt) {
			next = e.NextRunAt
		}
		var locked any
		if next.After(now) {
			locked = next.UTC()
		}
		_, err = tx.Exec(ctx, `
			UPDATE endpoints SET
				last_run_at = $2,
				next_run_at = $3,
				failure_count = $4,
				ai_hint_next_run_at = CASE WHEN $5 OR $6 THEN NULL ELSE ai_hint_next_run_at END,
				ai_hint_interval_ms = CASE WHEN $6 THEN NULL ELSE ai_hint_interval_ms END,
				ai_hint_expires_at  = CASE WHEN $6 THEN NULL ELSE ai_hint_expires_at END,
				ai_hint_reason      = CASE WHEN $6 THEN '' ELSE ai_hint_reason END,
				nudged_at = NULL,
				locked_until = $7
			WHERE id = $1`,
			id, patch.LastRunAt.UTC(), next.UTC(), patch.FailureCount,
			patch.ClearOneShot, patch.ClearAllHints, locked)
		if err != nil {
			return fmt.Errorf("update after run: %w", err)
		}
		return nil
	})
}

func (s *Endpoints) ClearAIHints(ctx context.Context, id string) error {
	return s.exec(ctx, `
		UPDATE endpoints SET
			ai_hint_next_run_at = NULL, ai_hint_interval_ms = NULL,
			ai_hint_expires_at = NULL, ai_hint_reason = ''
		WHERE id = $1`, id)
}

func (s *Endpoints) ResetFailureCount(ctx context.Context, id string) error {
	return s.exec(ctx, `UPDATE endpoints SET failure_count = 0 WHERE id = $1`, id)
}

func (s *Endpoints) ListDueForAnalysis(ctx context.Context, limit int) ([]*endpoint.Endpoint, error) {
	now := s.clk.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+qualify(endpointColumns, "e")+`
		FROM endpoints e
		JOIN jobs j ON j.id = e.job_id
		WHERE (e.next_analysis_at IS NULL OR e.next_analysis_at <= $1)
		  AND e.archived_at IS NULL
		  AND j.archived_at IS NULL AND j.status <> 'archived'
		ORDER BY e.next_analysis_at ASC NULLS FIRST, e.id ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due for analysis: %w", err)
	}
	defer rows.Close()
	var out []*endpoint.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Endpoints) SetNextAnalysisAt(ctx context.Context, id string, t time.Time) error {
	return s.exec(ctx, `UPDATE endpoints SET next_analysis_at = $2 WHERE id = $1`, id, t.UTC())
}

func (s *Endpoints) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("endpoints: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row rowScanner) (*endpoint.Endpoint, error) {
	var (
		e       endpoint.Endpoint
		headers []byte
		body    []byte
	)
	err := row.Scan(
		&e.ID, &e.JobID, &e.TenantID, &e.Name, &e.URL, &e.Method, &headers, &body,
		&e.TimeoutMs, &e.MaxExecutionTimeMs, &e.MaxResponseSizeKb,
		&e.BaselineCron, &e.BaselineIntervalMs, &e.MinIntervalMs, &e.MaxIntervalMs,
		&e.AIHintIntervalMs, &e.AIHintNextRunAt, &e.AIHintExpiresAt, &e.AIHintReason,
		&e.PausedUntil, &e.ArchivedAt, &e.LastRunAt, &e.NextRunAt, &e.FailureCount,
		&e.NextAnalysisAt, &e.LockedUntil, &e.NudgedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan endpoint: %w", err)
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &e.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	if len(body) > 0 {
		b, err := endpoint.ParseBody(body)
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		e.Body = b
	}
	return &e, nil
}

func applyPatch(e *endpoint.Endpoint, p store.EndpointPatch) {
	if p.Name != nil {
		e.Name = *p.Name
	}
	if p.URL != nil {
		e.URL = *p.URL
	}
	if p.Method != nil {
		e.Method = *p.Method
	}
	if p.Headers != nil {
		e.Headers = p.Headers
	}
	if p.Body != nil {
		e.Body = p.Body
	}
	if p.TimeoutMs != nil {
		e.TimeoutMs = *p.TimeoutMs
	}
	if p.MaxExecutionTimeMs != nil {
		e.MaxExecutionTimeMs = *p.MaxExecutionTimeMs
	}
	if p.MaxResponseSizeKb != nil {
		e.MaxResponseSizeKb = *p.MaxResponseSizeKb
	}
	if p.BaselineCron != nil {
		e.BaselineCron = *p.BaselineCron
		if *p.BaselineCron != "" {
			e.BaselineIntervalMs = 0
		}
	}
	if p.BaselineIntervalMs != nil {
		e.BaselineIntervalMs = *p.BaselineIntervalMs
		if *p.BaselineIntervalMs != 0 {
			e.BaselineCron = ""
		}
	}
	if p.MinIntervalMs != nil {
		e.MinIntervalMs = p.MinIntervalMs
	}
	if p.MaxIntervalMs != nil {
		e.MaxIntervalMs = p.MaxIntervalMs
	}
}

// qualify prefixes each column in a comma-separated list with a table alias.
func qualify(columns, alias string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
