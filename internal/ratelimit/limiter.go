// Package ratelimit implements a persistent sliding-window rate limiter
// shared across restarts, with an in-memory fallback when the store is
// unavailable.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glacierhq/frostd/internal/db"
)

// ErrUnavailable means the store stayed contended through all retries.
// HTTP callers should translate it to 503, never a generic 5xx.
var ErrUnavailable = errors.New("ratelimit: limiter unavailable")

const (
	retryBase    = 25 * time.Millisecond
	retryMax     = 3
	cleanupEvery = time.Hour
	maxIdle      = 24 * time.Hour
)

// Policy describes one protected surface.
type Policy struct {
	Bucket string
	Window time.Duration
	Max    int
}

// Result is the outcome of a Check call.
type Result struct {
	Allowed   bool
	Count     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is the persistent rate limiter. It degrades to an in-memory map on
// storage failure and transparently returns to the store once it recovers;
// fallback state is process-local and not shared.
type Limiter struct {
	store *db.Store

	mu       sync.Mutex
	fallback map[string]*db.RateLimitRow
	degraded bool
}

// New creates a Limiter over the store.
func New(store *db.Store) *Limiter {
	return &Limiter{store: store, fallback: map[string]*db.RateLimitRow{}}
}

// Check atomically advances the counter for (identifier, policy.Bucket) and
// reports whether the attempt is allowed.
func (l *Limiter) Check(ctx context.Context, identifier string, p Policy) (*Result, error) {
	row, err := l.bump(ctx, identifier, p)
	if err != nil {
		return nil, err
	}
	remaining := p.Max - row.Count
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:   row.Count <= p.Max,
		Count:     row.Count,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(row.WindowStart).Add(p.Window),
	}, nil
}

func (l *Limiter) bump(ctx context.Context, identifier string, p Policy) (*db.RateLimitRow, error) {
	var lastErr error
	for attempt := 0; attempt <= retryMax; attempt++ {
		row, err := l.store.BumpRateLimit(ctx, identifier, p.Bucket, p.Window)
		if err == nil {
			l.recover()
			return row, nil
		}
		lastErr = err
		if db.IsBusy(err) {
			delay := retryBase << attempt
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		// Non-contention storage failure: degrade rather than fail open
		// or closed.
		slog.Warn("rate limiter degrading to in-memory fallback", "error", err)
		return l.bumpFallback(identifier, p), nil
	}
	if db.IsBusy(lastErr) {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, lastErr)
	}
	return nil, lastErr
}

func (l *Limiter) bumpFallback(identifier string, p Policy) *db.RateLimitRow {
	now := time.Now().UnixMilli()
	key := identifier + "\x00" + p.Bucket

	l.mu.Lock()
	defer l.mu.Unlock()
	l.degraded = true

	row, ok := l.fallback[key]
	if !ok || row.WindowStart <= now-p.Window.Milliseconds() {
		row = &db.RateLimitRow{Identifier: identifier, Bucket: p.Bucket, Count: 1, WindowStart: now}
		l.fallback[key] = row
	} else {
		row.Count++
	}
	row.LastAttempt = now
	cp := *row
	return &cp
}

// recover clears fallback state after the store serves a request again.
func (l *Limiter) recover() {
	l.mu.Lock()
	if l.degraded {
		slog.Info("rate limiter store recovered, leaving fallback mode")
		l.degraded = false
		l.fallback = map[string]*db.RateLimitRow{}
	}
	l.mu.Unlock()
}

// Run deletes long-idle counters every hour until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.store.CleanupRateLimits(ctx, maxIdle)
			if err != nil {
				slog.Warn("rate limit cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("cleaned up stale rate limit entries", "count", n)
			}
		}
	}
}
