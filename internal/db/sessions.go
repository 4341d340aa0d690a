package db

import (
	"database/sql"
	"errors"
	"time"
)

// Session is an authenticated admin-surface session.
type Session struct {
	ID         string
	UserID     int64
	IPAddress  string
	CreatedAt  int64
	LastAccess int64
}

// CreateSession inserts a session row.
func (s *Store) CreateSession(id string, userID int64, ip string) error {
	now := time.Now().UnixMilli()
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO sessions (id, user_id, ip_address, created_at, last_access) VALUES (?, ?, ?, ?, ?)`
	} else {
		q = `INSERT INTO sessions (id, user_id, ip_address, created_at, last_access) VALUES ($1, $2, $3, $4, $5)`
	}
	_, err := s.db.Exec(q, id, userID, ip, now, now)
	return err
}

// GetSession fetches a session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRow(
		`SELECT id, user_id, ip_address, created_at, last_access FROM sessions WHERE id = `+s.ph(1), id,
	).Scan(&sess.ID, &sess.UserID, &sess.IPAddress, &sess.CreatedAt, &sess.LastAccess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// TouchSession updates last_access.
func (s *Store) TouchSession(id string) error {
	now := time.Now().UnixMilli()
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE sessions SET last_access = ? WHERE id = ?`
	} else {
		q = `UPDATE sessions SET last_access = $1 WHERE id = $2`
	}
	_, err := s.db.Exec(q, now, id)
	return err
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = `+s.ph(1), id)
	return err
}

// SweepSessions deletes sessions idle longer than ttl and returns the evicted
// ids so in-memory caches can be invalidated.
func (s *Store) SweepSessions(ttl time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-ttl).UnixMilli()

	rows, err := s.db.Query(`SELECT id FROM sessions WHERE last_access < `+s.ph(1), cutoff)
	if err != nil {
		return nil, err
	}
	evicted, err := scanStringRows(rows)
	if err != nil {
		return nil, err
	}
	if len(evicted) == 0 {
		return nil, nil
	}
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE last_access < `+s.ph(1), cutoff); err != nil {
		return nil, err
	}
	return evicted, nil
}

// scanStringRows scans a single-string-column result set into a slice.
// It closes rows before returning.
func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}
