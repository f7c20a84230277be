package store

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/scribe/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store archives delivered OCR responses in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ocr_deliveries (
			id BIGSERIAL PRIMARY KEY,
			method TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			request_id INT NOT NULL,
			digest TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			success BOOLEAN NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			duration_ns BIGINT NOT NULL DEFAULT 0,
			delivered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS ocr_deliveries_delivered_at_idx ON ocr_deliveries (delivered_at DESC);
		CREATE INDEX IF NOT EXISTS ocr_deliveries_digest_idx ON ocr_deliveries (digest);
	`)
	return err
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// Observe records one delivery. It satisfies the rpc server's observer hook.
func (s *Store) Observe(ctx context.Context, d types.Delivery) error {
	deliveredAt := d.DeliveredAt
	if deliveredAt.IsZero() {
		deliveredAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ocr_deliveries (method, session_id, request_id, digest, text, success, error_message, duration_ns, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, d.Method, d.SessionID, d.RequestID, d.Digest, d.Text, d.Success, d.ErrorMessage, d.Duration.Nanoseconds(), deliveredAt)
	if err != nil {
		return fmt.Errorf("archive delivery %d: %w", d.RequestID, err)
	}
	return nil
}

// ListRecent returns up to limit deliveries, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]types.Delivery, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT method, session_id, request_id, digest, text, success, error_message, duration_ns, delivered_at
		FROM ocr_deliveries
		ORDER BY delivered_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Delivery, error) {
		var (
			d  types.Delivery
			ns int64
		)
		err := row.Scan(&d.Method, &d.SessionID, &d.RequestID, &d.Digest, &d.Text,
			&d.Success, &d.ErrorMessage, &ns, &d.DeliveredAt)
		d.Duration = time.Duration(ns)
		return d, err
	})
}

// Reset drops the archive table. The next New recreates it.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS ocr_deliveries CASCADE;`)
	return err
}
