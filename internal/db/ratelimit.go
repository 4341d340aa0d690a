package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RateLimitRow is one sliding-window counter.
type RateLimitRow struct {
	Identifier  string
	Bucket      string
	Count       int
	WindowStart int64 // unix ms
	LastAttempt int64 // unix ms
}

// BumpRateLimit reads, advances and persists the counter for
// (identifier, bucket) in a single transaction and returns the updated row.
// The window resets when window_start fell out of the given window.
//
// On SQLite the connection pool is capped at one writer, which gives the
// transaction IMMEDIATE semantics; PostgreSQL relies on row-level locking
// via the upsert.
func (s *Store) BumpRateLimit(ctx context.Context, identifier, bucket string, window time.Duration) (*RateLimitRow, error) {
	now := time.Now().UnixMilli()
	windowFloor := now - window.Milliseconds()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var row RateLimitRow
	row.Identifier = identifier
	row.Bucket = bucket

	err = tx.QueryRowContext(ctx,
		`SELECT count, window_start, last_attempt FROM rate_limits
		 WHERE identifier = `+s.ph(1)+` AND bucket = `+s.ph(2),
		identifier, bucket,
	).Scan(&row.Count, &row.WindowStart, &row.LastAttempt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		row.Count = 1
		row.WindowStart = now
	case err != nil:
		return nil, err
	case row.WindowStart > windowFloor:
		row.Count++
	default:
		row.Count = 1
		row.WindowStart = now
	}
	row.LastAttempt = now

	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO rate_limits (identifier, bucket, count, window_start, last_attempt)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(identifier, bucket) DO UPDATE SET
				count = excluded.count,
				window_start = excluded.window_start,
				last_attempt = excluded.last_attempt`
	} else {
		q = `INSERT INTO rate_limits (identifier, bucket, count, window_start, last_attempt)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT(identifier, bucket) DO UPDATE SET
				count = EXCLUDED.count,
				window_start = EXCLUDED.window_start,
				last_attempt = EXCLUDED.last_attempt`
	}
	if _, err := tx.ExecContext(ctx, q, identifier, bucket, row.Count, row.WindowStart, row.LastAttempt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &row, nil
}

// CleanupRateLimits deletes counters idle longer than maxIdle.
func (s *Store) CleanupRateLimits(ctx context.Context, maxIdle time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxIdle).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE last_attempt < `+s.ph(1), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
