package dataset

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/intentlab/intent/internal/eval"
	"github.com/intentlab/intent/internal/schema"
)

// PostgresSource reads labeled sessions with a query.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource opens a pool on connStr and pings it.
func NewPostgresSource(ctx context.Context, connStr string) (*PostgresSource, error) {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(pctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresSource{pool: pool}, nil
}

// Query runs sql and converts each result row.
func (p *PostgresSource) Query(ctx context.Context, sql string, opts Options, args ...any) ([]eval.LabeledRow, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("dataset query failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}

	var out []eval.LabeledRow
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("dataset scan failed: %w", err)
		}
		row, err := fromValues(names, values, opts)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", len(out)+1, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, pgx.ErrNoRows
	}
	return out, nil
}

// Close releases the pool.
func (p *PostgresSource) Close() {
	p.pool.Close()
}

func fromValues(names []string, values []any, opts Options) (eval.LabeledRow, error) {
	var row eval.LabeledRow
	row.Input = make(schema.RawInput, len(names))
	found := false
	for i, name := range names {
		if name == opts.label() {
			label, err := ParseLabel(values[i])
			if err != nil {
				return row, err
			}
			row.Label, found = label, true
			continue
		}
		if opts.keep(name) && values[i] != nil {
			row.Input[name] = values[i]
		}
	}
	if !found {
		return row, fmt.Errorf("dataset: label column %q not selected", opts.label())
	}
	return row, nil
}
