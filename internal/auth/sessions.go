package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glacierhq/frostd/internal/db"
)

const sessionSweepInterval = 5 * time.Minute

// Sessions manages admin-surface session tokens. Rows live in the store; a
// copy-on-write cache in front of them keeps the per-request lookup cheap.
type Sessions struct {
	store *db.Store
	ttl   func() time.Duration

	mu    sync.RWMutex
	cache map[string]*db.Session
}

// NewSessions creates a session manager. ttl is read per sweep so runtime
// config changes take effect without restart.
func NewSessions(store *db.Store, ttl func() time.Duration) *Sessions {
	return &Sessions{store: store, ttl: ttl, cache: map[string]*db.Session{}}
}

// Create issues a new session for userID from the given IP.
func (m *Sessions) Create(userID int64, ip string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	id := hex.EncodeToString(raw)
	if err := m.store.CreateSession(id, userID, ip); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return id, nil
}

// Get resolves a session id, refreshing last_access. Expired or unknown ids
// return ErrInvalidCredentials.
func (m *Sessions) Get(id string) (*db.Session, error) {
	m.mu.RLock()
	sess, ok := m.cache[id]
	m.mu.RUnlock()

	if !ok {
		var err error
		sess, err = m.store.GetSession(id)
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.cache[id] = sess
		m.mu.Unlock()
	}

	if time.Since(time.UnixMilli(sess.LastAccess)) > m.ttl() {
		m.invalidate(id)
		_ = m.store.DeleteSession(id)
		return nil, ErrInvalidCredentials
	}

	if err := m.store.TouchSession(id); err != nil {
		slog.Warn("failed to touch session", "error", err)
	} else {
		sess.LastAccess = time.Now().UnixMilli()
	}
	return sess, nil
}

// Delete removes a session (logout).
func (m *Sessions) Delete(id string) error {
	m.invalidate(id)
	return m.store.DeleteSession(id)
}

// Run sweeps expired sessions until ctx is cancelled.
func (m *Sessions) Run(ctx context.Context) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted, err := m.store.SweepSessions(m.ttl())
			if err != nil {
				slog.Warn("session sweep failed", "error", err)
				continue
			}
			for _, id := range evicted {
				m.invalidate(id)
			}
			if len(evicted) > 0 {
				slog.Debug("swept expired sessions", "count", len(evicted))
			}
		}
	}
}

func (m *Sessions) invalidate(id string) {
	m.mu.Lock()
	delete(m.cache, id)
	m.mu.Unlock()
}
