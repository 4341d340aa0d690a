package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/glacierhq/frostd/internal/auth"
	"github.com/glacierhq/frostd/internal/config"
	"github.com/glacierhq/frostd/internal/db"
)

// Credential endpoints: storing encrypted share/group credentials and, with
// the plaintext still in hand, bringing the signer node up.

func (s *Server) handleStoreCredentials(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var body struct {
		Share      string   `json:"share"`
		Group      string   `json:"group"`
		Relays     []string `json:"relays"`
		GroupName  string   `json:"group_name"`
		Password   string   `json:"password"`
		DerivedKey string   `json:"derived_key"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Share == "" {
		errorResponse(w, "share credential required", http.StatusBadRequest)
		return
	}
	if body.Group == "" {
		// Both encrypted fields are stored together or not at all.
		errorResponse(w, "group credential required", http.StatusBadRequest)
		return
	}

	key, err := s.credentialKey(user, body.Password, body.DerivedKey)
	if err != nil {
		errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	groupEnc, err := auth.Encrypt(body.Group, key)
	if err != nil {
		slog.Error("credential encryption failed", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	shareEnc, err := auth.Encrypt(body.Share, key)
	if err != nil {
		slog.Error("credential encryption failed", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	relays := validRelays(body.Relays)
	relaysJSON := ""
	if len(relays) > 0 {
		if b, err := json.Marshal(relays); err == nil {
			relaysJSON = string(b)
		}
	}

	if err := s.store.UpdateUserCredentials(user.ID, groupEnc, shareEnc, relaysJSON, body.GroupName); err != nil {
		slog.Error("credential store failed", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	go s.startSigner(user, body.Group, body.Share)

	jsonResponse(w, map[string]string{"status": "stored"}, http.StatusOK)
}

func (s *Server) handleClearCredentials(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	if err := s.store.ClearUserCredentials(user.ID); err != nil {
		slog.Error("credential clear failed", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Without credentials there is nothing for the node to sign with.
	s.supervisor.Stop()
	s.bus.Publish("signer:stopped", map[string]any{"reason": "credentials cleared"})

	jsonResponse(w, map[string]string{"status": "cleared"}, http.StatusOK)
}

// credentialKey resolves the AES key from either a pre-derived key or the
// user's password. The password path re-verifies against the stored hash so
// a hijacked session cannot re-encrypt under an attacker key.
func (s *Server) credentialKey(user *db.User, password, derivedKey string) ([]byte, error) {
	if derivedKey != "" {
		return auth.ParseKey([]byte(derivedKey))
	}
	if password == "" {
		return nil, errInvalid("password or derived_key required")
	}
	ok, err := auth.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return nil, errInvalid("password does not match")
	}
	return auth.DeriveKey(password, user.EncryptionSalt)
}

// startSigner brings the node up with plaintext credentials and binds the
// policy engine to the user's stored peer policies.
func (s *Server) startSigner(user *db.User, group, share string) {
	if err := s.policy.LoadUser(user.ID); err != nil {
		slog.Warn("peer policy load failed", "user", user.Username, "error", err)
	}

	relays := s.userOrRuntimeRelays(user.ID)
	if err := s.supervisor.Start(context.Background(), group, share, relays); err != nil {
		slog.Error("signer startup failed", "user", user.Username, "error", err)
		s.bus.Publish("signer:startup_failed", map[string]any{"error": err.Error()})
		return
	}
	s.bus.Publish("signer:started", map[string]any{"relays": relays})
}

func (s *Server) userOrRuntimeRelays(userID int64) []string {
	if user, err := s.store.GetUser(userID); err == nil && user.Relays.Valid {
		var relays []string
		if json.Unmarshal([]byte(user.Relays.String), &relays) == nil {
			if relays = validRelays(relays); len(relays) > 0 {
				return relays
			}
		}
	}
	return s.runtime.Relays()
}

func validRelays(in []string) []string {
	var out []string
	for _, r := range in {
		if config.ValidRelayURL(r) {
			out = append(out, r)
		}
	}
	return out
}

type errInvalid string

func (e errInvalid) Error() string { return string(e) }
