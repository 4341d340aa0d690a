package db

import (
	"database/sql"
	"errors"
	"time"
)

// Nip46Session is a stored NIP-46 client session. Profile, relays and policy
// are JSON blobs owned by the nip46 package.
type Nip46Session struct {
	UserID       int64
	ClientPubkey string
	Status       string // pending | active | revoked
	Profile      sql.NullString
	Relays       sql.NullString
	Policy       sql.NullString
	CreatedAt    int64
	UpdatedAt    int64
	LastActiveAt sql.NullInt64
}

// Nip46Request is a stored signer request. Legacy records whether the client
// spoke NIP-04, so late replies use the same encryption.
type Nip46Request struct {
	ID            string
	UserID        int64
	SessionPubkey string
	Method        string
	Payload       sql.NullString
	Legacy        bool
	Status        string // pending | approved | denied | completed | failed
	Result        sql.NullString
	Error         sql.NullString
	CreatedAt     int64
	UpdatedAt     int64
}

const nip46SessionColumns = `user_id, client_pubkey, status, profile, relays, policy,
	created_at, updated_at, last_active_at`

func scanNip46Session(row interface{ Scan(...any) error }) (*Nip46Session, error) {
	var ns Nip46Session
	err := row.Scan(&ns.UserID, &ns.ClientPubkey, &ns.Status, &ns.Profile,
		&ns.Relays, &ns.Policy, &ns.CreatedAt, &ns.UpdatedAt, &ns.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

// UpsertNip46Session inserts or updates a session keyed by (user, client).
// Fields passed as empty strings keep their stored values on update.
func (s *Store) UpsertNip46Session(ns *Nip46Session) error {
	now := time.Now().UnixMilli()
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO nip46_sessions (user_id, client_pubkey, status, profile, relays, policy, created_at, updated_at, last_active_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, client_pubkey) DO UPDATE SET
				status = excluded.status,
				profile = COALESCE(NULLIF(excluded.profile, ''), nip46_sessions.profile),
				relays = COALESCE(NULLIF(excluded.relays, ''), nip46_sessions.relays),
				policy = COALESCE(NULLIF(excluded.policy, ''), nip46_sessions.policy),
				updated_at = excluded.updated_at,
				last_active_at = excluded.last_active_at`
	} else {
		q = `INSERT INTO nip46_sessions (user_id, client_pubkey, status, profile, relays, policy, created_at, updated_at, last_active_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT(user_id, client_pubkey) DO UPDATE SET
				status = EXCLUDED.status,
				profile = COALESCE(NULLIF(EXCLUDED.profile, ''), nip46_sessions.profile),
				relays = COALESCE(NULLIF(EXCLUDED.relays, ''), nip46_sessions.relays),
				policy = COALESCE(NULLIF(EXCLUDED.policy, ''), nip46_sessions.policy),
				updated_at = EXCLUDED.updated_at,
				last_active_at = EXCLUDED.last_active_at`
	}
	_, err := s.db.Exec(q, ns.UserID, ns.ClientPubkey, ns.Status,
		ns.Profile.String, ns.Relays.String, ns.Policy.String,
		now, now, sql.NullInt64{Int64: now, Valid: true})
	return err
}

// GetNip46Session fetches one session.
func (s *Store) GetNip46Session(userID int64, clientPubkey string) (*Nip46Session, error) {
	return scanNip46Session(s.db.QueryRow(
		`SELECT `+nip46SessionColumns+` FROM nip46_sessions WHERE user_id = `+s.ph(1)+` AND client_pubkey = `+s.ph(2),
		userID, clientPubkey))
}

// ListNip46Sessions returns all sessions for a user, most recently active first.
func (s *Store) ListNip46Sessions(userID int64) ([]*Nip46Session, error) {
	rows, err := s.db.Query(
		`SELECT `+nip46SessionColumns+` FROM nip46_sessions WHERE user_id = `+s.ph(1)+` ORDER BY updated_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Nip46Session
	for rows.Next() {
		ns, err := scanNip46Session(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// SetNip46SessionStatus updates a session's status.
func (s *Store) SetNip46SessionStatus(userID int64, clientPubkey, status string) error {
	now := time.Now().UnixMilli()
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE nip46_sessions SET status = ?, updated_at = ? WHERE user_id = ? AND client_pubkey = ?`
	} else {
		q = `UPDATE nip46_sessions SET status = $1, updated_at = $2 WHERE user_id = $3 AND client_pubkey = $4`
	}
	_, err := s.db.Exec(q, status, now, userID, clientPubkey)
	return err
}

// SetNip46SessionPolicy replaces a session's policy JSON.
func (s *Store) SetNip46SessionPolicy(userID int64, clientPubkey, policyJSON string) error {
	now := time.Now().UnixMilli()
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE nip46_sessions SET policy = ?, updated_at = ? WHERE user_id = ? AND client_pubkey = ?`
	} else {
		q = `UPDATE nip46_sessions SET policy = $1, updated_at = $2 WHERE user_id = $3 AND client_pubkey = $4`
	}
	_, err := s.db.Exec(q, policyJSON, now, userID, clientPubkey)
	return err
}

// AddNip46SessionEvent records a session lifecycle event for the audit trail.
func (s *Store) AddNip46SessionEvent(userID int64, clientPubkey, eventType, detail string) error {
	now := time.Now().UnixMilli()
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO nip46_session_events (user_id, client_pubkey, event_type, detail, created_at) VALUES (?, ?, ?, ?, ?)`
	} else {
		q = `INSERT INTO nip46_session_events (user_id, client_pubkey, event_type, detail, created_at) VALUES ($1, $2, $3, $4, $5)`
	}
	_, err := s.db.Exec(q, userID, clientPubkey, eventType, nullable(detail), now)
	return err
}

// ─── Requests ─────────────────────────────────────────────────────────────────

const nip46RequestColumns = `id, user_id, session_pubkey, method, payload, legacy, status,
	result, error, created_at, updated_at`

func scanNip46Request(row interface{ Scan(...any) error }) (*Nip46Request, error) {
	var r Nip46Request
	err := row.Scan(&r.ID, &r.UserID, &r.SessionPubkey, &r.Method, &r.Payload,
		&r.Legacy, &r.Status, &r.Result, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateNip46Request inserts a pending request. Returns false without error
// when a request with the same id already exists (duplicate delivery).
func (s *Store) CreateNip46Request(id string, userID int64, sessionPubkey, method, payload string, legacy bool) (bool, error) {
	now := time.Now().UnixMilli()
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO nip46_requests (id, user_id, session_pubkey, method, payload, legacy, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)`
	} else {
		q = `INSERT INTO nip46_requests (id, user_id, session_pubkey, method, payload, legacy, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8) ON CONFLICT DO NOTHING`
	}
	res, err := s.db.Exec(q, id, userID, sessionPubkey, method, nullable(payload), legacy, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetNip46Request fetches one request.
func (s *Store) GetNip46Request(id string) (*Nip46Request, error) {
	return scanNip46Request(s.db.QueryRow(
		`SELECT `+nip46RequestColumns+` FROM nip46_requests WHERE id = `+s.ph(1), id))
}

// ListNip46Requests returns requests for a user filtered by status
// ("" = all), newest first.
func (s *Store) ListNip46Requests(userID int64, status string) ([]*Nip46Request, error) {
	q := `SELECT ` + nip46RequestColumns + ` FROM nip46_requests WHERE user_id = ` + s.ph(1)
	args := []any{userID}
	if status != "" {
		q += ` AND status = ` + s.ph(2)
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Nip46Request
	for rows.Next() {
		r, err := scanNip46Request(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetNip46RequestStatus transitions a request, recording result or error.
func (s *Store) SetNip46RequestStatus(id, status, result, errMsg string) error {
	now := time.Now().UnixMilli()
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE nip46_requests SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`
	} else {
		q = `UPDATE nip46_requests SET status = $1, result = $2, error = $3, updated_at = $4 WHERE id = $5`
	}
	_, err := s.db.Exec(q, status, nullable(result), nullable(errMsg), now, id)
	return err
}
