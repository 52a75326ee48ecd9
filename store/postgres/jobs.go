package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cronicorn/cronicorn/clock"
	"github.com/cronicorn/cronicorn/endpoint"
	"github.com/cronicorn/cronicorn/store"
)

// Jobs implements store.Jobs on PostgreSQL.
type Jobs struct {
	pool *pgxpool.Pool
	clk  clock.Clock
}

const jobColumns = `id, user_id, tenant_id, name, description, status, archived_at, created_at`

func (s *Jobs) AddJob(ctx context.Context, j *endpoint.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.clk.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		j.ID, j.UserID, j.TenantID, j.Name, j.Description, j.Status,
		nullableTime(j.ArchivedAt), j.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Jobs) GetJob(ctx context.Context, id string) (*endpoint.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *Jobs) ListJobs(ctx context.Context, userID string) ([]*endpoint.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 AND archived_at IS NULL ORDER BY created_at DESC, id DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []*endpoint.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Jobs) SetJobStatus(ctx context.Context, id string, status endpoint.JobStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ArchiveJob soft-deletes the job. Idempotent; endpoints under it drop out of
// claims and listings via the archived-job predicate.
func (s *Jobs) ArchiveJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET archived_at = COALESCE(archived_at, $2), status = 'archived'
		WHERE id = $1`, id, s.clk.Now())
	if err != nil {
		return fmt.Errorf("archive job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanJob(row rowScanner) (*endpoint.Job, error) {
	var j endpoint.Job
	err := row.Scan(&j.ID, &j.UserID, &j.TenantID, &j.Name, &j.Description,
		&j.Status, &j.ArchivedAt, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}
