package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cronicorn/cronicorn/clock"
	"github.com/cronicorn/cronicorn/endpoint"
	"github.com/cronicorn/cronicorn/store"
)

// Runs implements store.Runs on PostgreSQL. The runs table is the definitive
// audit trail; it is append-plus-finalise, never rewritten.
type Runs struct {
	pool *pgxpool.Pool
	clk  clock.Clock
}

const runColumns = `id, endpoint_id, status, attempt, source, started_at, finished_at,
	duration_ms, error_message, status_code, response_body`

func (s *Runs) InsertRun(ctx context.Context, r *endpoint.Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = s.clk.Now()
	}
	var body any
	if r.ResponseBody != nil {
		body = r.ResponseBody.Bytes()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.EndpointID, r.Status, r.Attempt, r.Source, r.StartedAt.UTC(),
		nullableTime(r.FinishedAt), r.DurationMs, r.ErrorMessage, r.StatusCode, body)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun finalises a run exactly once: the status guard keeps a sweep and
// a late worker from both writing the terminal state.
func (s *Runs) FinishRun(ctx context.Context, id string, status endpoint.RunStatus, durationMs int64, statusCode int, errMsg string, body *endpoint.Body) error {
	var b any
	if body != nil {
		b = body.Bytes()
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET
			status = $2, duration_ms = $3, status_code = $4,
			error_message = $5, response_body = $6, finished_at = $7
		WHERE id = $1 AND status = 'running'`,
		id, status, durationMs, statusCode, errMsg, b, s.clk.Now())
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Runs) LatestRun(ctx context.Context, endpointID string) (*endpoint.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE endpoint_id = $1 ORDER BY started_at DESC, id DESC LIMIT 1`, endpointID)
	return scanRun(row)
}

func (s *Runs) RecentRuns(ctx context.Context, endpointID string, limit int) ([]*endpoint.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE endpoint_id = $1 ORDER BY started_at DESC, id DESC LIMIT $2`,
		endpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()
	var out []*endpoint.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Runs) SiblingLatestRuns(ctx context.Context, jobID, excludeEndpointID string) (map[string]*endpoint.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (r.endpoint_id) `+qualify(runColumns, "r")+`
		FROM runs r
		JOIN endpoints e ON e.id = r.endpoint_id
		WHERE e.job_id = $1 AND r.endpoint_id <> $2 AND e.archived_at IS NULL
		ORDER BY r.endpoint_id, r.started_at DESC`,
		jobID, excludeEndpointID)
	if err != nil {
		return nil, fmt.Errorf("sibling latest runs: %w", err)
	}
	defer rows.Close()
	out := make(map[string]*endpoint.Run)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out[r.EndpointID] = r
	}
	return out, rows.Err()
}

func (s *Runs) HealthSummary(ctx context.Context, endpointID string, windows []time.Duration) ([]endpoint.HealthWindow, error) {
	now := s.clk.Now()
	out := make([]endpoint.HealthWindow, 0, len(windows))
	for _, w := range windows {
		var hw endpoint.HealthWindow
		hw.Window = w
		var avg *float64
		err := s.pool.QueryRow(ctx, `
			SELECT
				count(*) FILTER (WHERE status = 'success'),
				count(*) FILTER (WHERE status IN ('failed','canceled')),
				avg(duration_ms) FILTER (WHERE status <> 'running')
			FROM runs
			WHERE endpoint_id = $1 AND started_at >= $2`,
			endpointID, now.Add(-w)).Scan(&hw.Successes, &hw.Failures, &avg)
		if err != nil {
			return nil, fmt.Errorf("health summary: %w", err)
		}
		if avg != nil {
			hw.AvgDurationMs = int64(*avg)
		}
		out = append(out, hw)
	}
	return out, nil
}

func (s *Runs) SweepZombies(ctx context.Context, olderThan time.Duration, message string) (int64, error) {
	now := s.clk.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = 'failed', error_message = $1, finished_at = $2
		WHERE status = 'running' AND started_at < $3`,
		message, now, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("sweep zombies: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRun(row rowScanner) (*endpoint.Run, error) {
	var (
		r    endpoint.Run
		body []byte
	)
	err := row.Scan(&r.ID, &r.EndpointID, &r.Status, &r.Attempt, &r.Source,
		&r.StartedAt, &r.FinishedAt, &r.DurationMs, &r.ErrorMessage,
		&r.StatusCode, &body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if len(body) > 0 {
		b, err := endpoint.ParseBody(body)
		if err != nil {
			return nil, fmt.Errorf("decode response body: %w", err)
		}
		r.ResponseBody = b
	}
	return &r, nil
}
