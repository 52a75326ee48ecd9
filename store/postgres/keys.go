package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Keys implements store.Keys on PostgreSQL. A missing row is not an error:
// the tenant simply has no signing key and requests go out unsigned (subject
// to the dispatcher's fail policy).
type Keys struct {
	pool *pgxpool.Pool
}

func (s *Keys) GetKey(ctx context.Context, tenantID string) ([]byte, error) {
	var key []byte
	err := s.pool.QueryRow(ctx,
		`SELECT key FROM signing_keys WHERE tenant_id = $1`, tenantID).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get signing key: %w", err)
	}
	return key, nil
}

func (s *Keys) SetKey(ctx context.Context, tenantID string, key []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO signing_keys (tenant_id, key) VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET key = EXCLUDED.key`,
		tenantID, key)
	if err != nil {
		return fmt.Errorf("set signing key: %w", err)
	}
	return nil
}
