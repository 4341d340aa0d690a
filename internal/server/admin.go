package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/glacierhq/frostd/internal/auth"
	"github.com/glacierhq/frostd/internal/db"
)

// ─── Login / logout ───────────────────────────────────────────────────────────

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.checkRateLimit(w, r, "auth") {
		return
	}

	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Username == "" || body.Password == "" {
		errorResponse(w, "username and password required", http.StatusBadRequest)
		return
	}

	user, err := auth.Authenticate(s.store, body.Username, body.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			errorResponse(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		slog.Error("login storage failure", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	sessionID, err := s.sessions.Create(user.ID, clientIP(r))
	if err != nil {
		slog.Error("session create failed", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(s.runtime.SessionTimeout() / time.Second),
	})

	// The remote-signer channel follows the logged-in user.
	if err := s.nip46.SetActiveUser(r.Context(), user.ID); err != nil {
		slog.Warn("nip46 activation failed", "user", user.Username, "error", err)
	}

	// With the password in hand this is the one chance to unlock stored
	// credentials and bring the signer up.
	s.unlockSigner(user, body.Password)

	jsonResponse(w, map[string]any{
		"session_id": sessionID,
		"username":   user.Username,
		"role":       user.Role,
	}, http.StatusOK)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sessionID := requestSessionID(r); sessionID != "" {
		if err := s.sessions.Delete(sessionID); err != nil {
			slog.Warn("session delete failed", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// unlockSigner decrypts stored credentials with the session password and
// starts the node if it is not already running. Best effort; failures log.
func (s *Server) unlockSigner(user *db.User, password string) {
	if s.supervisor.Running() || !user.ShareCredential.Valid {
		return
	}
	key, err := auth.DeriveKey(password, user.EncryptionSalt)
	if err != nil {
		slog.Warn("credential key derivation failed", "user", user.Username, "error", err)
		return
	}
	share, err := auth.Decrypt(user.ShareCredential.String, key)
	if err != nil {
		slog.Warn("stored credentials undecryptable", "user", user.Username)
		return
	}
	var group string
	if user.GroupCredential.Valid {
		if group, err = auth.Decrypt(user.GroupCredential.String, key); err != nil {
			slog.Warn("stored group credential undecryptable", "user", user.Username)
			return
		}
	}
	go s.startSigner(user, group, share)
}

// ─── API keys ─────────────────────────────────────────────────────────────────

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.ListAPIKeys()
	if err != nil {
		slog.Error("api key list failed", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		entry := map[string]any{
			"id":         k.ID,
			"label":      k.Label.String,
			"prefix":     k.Prefix,
			"user_id":    k.CreatedByUserID.Int64,
			"created_at": k.CreatedAt,
		}
		if k.LastUsedAt.Valid {
			entry["last_used_at"] = k.LastUsedAt.Int64
			entry["last_used_ip"] = k.LastUsedIP.String
		}
		if k.RevokedAt.Valid {
			entry["revoked_at"] = k.RevokedAt.Int64
			entry["revoked_reason"] = k.RevokedReason.String
		}
		out = append(out, entry)
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Label  string `json:"label"`
		UserID int64  `json:"userId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	userID := body.UserID
	if userID == 0 {
		userID = requestUser(r).ID
	}
	if userID == 0 {
		errorResponse(w, "userId required", http.StatusBadRequest)
		return
	}

	issued, err := auth.IssueAPIKey(s.store, body.Label, userID, true)
	if err != nil {
		slog.Error("api key issue failed", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	// The full token is shown exactly once.
	jsonResponse(w, map[string]any{
		"id":     issued.ID,
		"token":  issued.Token,
		"prefix": issued.Prefix,
	}, http.StatusCreated)
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APIKeyID string `json:"apiKeyId"`
		Reason   string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.APIKeyID == "" {
		errorResponse(w, "apiKeyId required", http.StatusBadRequest)
		return
	}

	if err := s.store.RevokeAPIKey(body.APIKeyID, body.Reason); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			errorResponse(w, "api key not found or already revoked", http.StatusNotFound)
			return
		}
		slog.Error("api key revoke failed", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "revoked"}, http.StatusOK)
}
