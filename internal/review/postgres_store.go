package review

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists flags in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS review_flags (
    key TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    reference TEXT NOT NULL,
    reason TEXT NOT NULL,
    detail JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore ensures the table exists on the shared pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Raise(ctx context.Context, flag Flag) error {
	detail, err := json.Marshal(flag.Detail)
	if err != nil {
		return err
	}
	if flag.Detail == nil {
		detail = []byte("{}")
	}
	now := time.Now().UTC()
	if flag.CreatedAt.IsZero() {
		flag.CreatedAt = now
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO review_flags (key, kind, reference, reason, detail, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (key) DO UPDATE
SET reason = EXCLUDED.reason,
    detail = EXCLUDED.detail,
    updated_at = EXCLUDED.updated_at
`, flag.Key, flag.Kind, flag.Reference, flag.Reason, detail, flag.CreatedAt, now)
	return err
}

func (p *PostgresStore) List(ctx context.Context) ([]Flag, error) {
	rows, err := p.pool.Query(ctx, `
SELECT key, kind, reference, reason, detail, created_at, updated_at
FROM review_flags
ORDER BY created_at, key
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Flag
	for rows.Next() {
		var (
			f      Flag
			detail []byte
		)
		if err := rows.Scan(&f.Key, &f.Kind, &f.Reference, &f.Reason, &detail, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &f.Detail); err != nil {
				return nil, err
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Resolve(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM review_flags WHERE key = $1`, key)
	return err
}
