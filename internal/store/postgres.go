package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a primary key and ON CONFLICT for
// atomic first-write-wins. Only an expired row is overwritten.
//
// Schema (created by Migrate):
//
//	CREATE TABLE prediction_records (
//	  session_id VARCHAR(255) PRIMARY KEY,
//	  model_id   VARCHAR(255) NOT NULL,
//	  record     JSONB NOT NULL,
//	  expires_at TIMESTAMPTZ NOT NULL,
//	  created_at TIMESTAMPTZ DEFAULT NOW()
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

const migrateSQL = `
CREATE TABLE IF NOT EXISTS prediction_records (
	session_id VARCHAR(255) PRIMARY KEY,
	model_id   VARCHAR(255) NOT NULL,
	record     JSONB NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_prediction_records_expires ON prediction_records(expires_at);
`

// NewPostgresStore opens a pool on connStr and pings it.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the records table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, migrateSQL); err != nil {
		return fmt.Errorf("postgres migrate failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	query := `
		SELECT record
		FROM prediction_records
		WHERE session_id = $1 AND expires_at > NOW()
	`

	var data []byte
	err := p.pool.QueryRow(ctx, query, sessionID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	return decodeRecord(data)
}

func (p *PostgresStore) Set(ctx context.Context, rec *Record, ttl time.Duration) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO prediction_records (session_id, model_id, record, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE
		SET model_id = EXCLUDED.model_id,
		    record = EXCLUDED.record,
		    expires_at = EXCLUDED.expires_at,
		    created_at = NOW()
		WHERE prediction_records.expires_at <= NOW()
	`
	if _, err := p.pool.Exec(ctx, query, rec.SessionID, rec.ModelID, data, time.Now().Add(ttl)); err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	return nil
}

// CleanupExpired removes expired records and returns how many were deleted.
func (p *PostgresStore) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := p.pool.Exec(ctx, `DELETE FROM prediction_records WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
