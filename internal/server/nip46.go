package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/glacierhq/frostd/internal/db"
	"github.com/glacierhq/frostd/internal/nip46"
	"github.com/glacierhq/frostd/internal/peers"
)

// Operator surface for the remote-signer sessions and their request queue.

func (s *Server) handleNip46Sessions(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	sessions, err := s.store.ListNip46Sessions(user.ID)
	if err != nil {
		slog.Error("nip46 session list failed", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(sessions))
	for _, ns := range sessions {
		entry := map[string]any{
			"client_pubkey": ns.ClientPubkey,
			"status":        ns.Status,
			"created_at":    ns.CreatedAt,
			"updated_at":    ns.UpdatedAt,
		}
		if ns.LastActiveAt.Valid {
			entry["last_active_at"] = ns.LastActiveAt.Int64
		}
		if ns.Profile.Valid {
			entry["profile"] = json.RawMessage(ns.Profile.String)
		}
		if ns.Policy.Valid {
			entry["policy"] = json.RawMessage(ns.Policy.String)
		}
		if ns.Relays.Valid {
			entry["relays"] = json.RawMessage(ns.Relays.String)
		}
		out = append(out, entry)
	}
	jsonResponse(w, map[string]any{
		"transport_pubkey": s.nip46.TransportPubkey(),
		"sessions":         out,
	}, http.StatusOK)
}

func (s *Server) handleNip46RevokeSession(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	pubkey, err := peers.Normalize(chi.URLParam(r, "pubkey"))
	if err != nil {
		errorResponse(w, "invalid client pubkey", http.StatusBadRequest)
		return
	}
	if err := s.nip46.RevokeSession(user.ID, pubkey); err != nil {
		slog.Error("nip46 session revoke failed", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "revoked"}, http.StatusOK)
}

func (s *Server) handleNip46SessionPolicy(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	pubkey, err := peers.Normalize(chi.URLParam(r, "pubkey"))
	if err != nil {
		errorResponse(w, "invalid client pubkey", http.StatusBadRequest)
		return
	}

	var policy nip46.Policy
	if !decodeBody(w, r, &policy) {
		return
	}
	if policy.Methods == nil {
		policy.Methods = map[string]bool{}
	}
	if policy.Kinds == nil {
		policy.Kinds = map[string]bool{}
	}

	if err := s.nip46.UpdateSessionPolicy(user.ID, pubkey, policy); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			errorResponse(w, "session not found", http.StatusNotFound)
			return
		}
		slog.Error("nip46 policy update failed", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, policy, http.StatusOK)
}

func (s *Server) handleNip46Requests(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	status := r.URL.Query().Get("status")

	requests, err := s.store.ListNip46Requests(user.ID, status)
	if err != nil {
		slog.Error("nip46 request list failed", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(requests))
	for _, req := range requests {
		entry := map[string]any{
			"id":             req.ID,
			"client_pubkey":  req.SessionPubkey,
			"method":         req.Method,
			"status":         req.Status,
			"created_at":     req.CreatedAt,
			"updated_at":     req.UpdatedAt,
		}
		if req.Payload.Valid {
			entry["payload"] = json.RawMessage(req.Payload.String)
		}
		if req.Error.Valid {
			entry["error"] = req.Error.String
		}
		out = append(out, entry)
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleNip46Approve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.nip46.Approve(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			errorResponse(w, "request not found", http.StatusNotFound)
			return
		}
		errorResponse(w, err.Error(), http.StatusConflict)
		return
	}
	jsonResponse(w, map[string]string{"status": "approved"}, http.StatusOK)
}

func (s *Server) handleNip46Deny(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Reason string `json:"reason"`
	}
	// Body is optional for deny.
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.nip46.Deny(r.Context(), id, body.Reason); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			errorResponse(w, "request not found", http.StatusNotFound)
			return
		}
		errorResponse(w, err.Error(), http.StatusConflict)
		return
	}
	jsonResponse(w, map[string]string{"status": "denied"}, http.StatusOK)
}

func (s *Server) handleNip46Connect(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	var body struct {
		URI string `json:"uri"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	cr, err := s.nip46.ConnectFromURI(r.Context(), user.ID, body.URI)
	if err != nil {
		if errors.Is(err, nip46.ErrInvalidConnectString) {
			errorResponse(w, "invalid connect string", http.StatusBadRequest)
			return
		}
		slog.Error("nip46 connect failed", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{
		"client_pubkey": cr.ClientPubkey,
		"relays":        cr.Relays,
		"profile":       cr.Profile,
		"status":        "pending",
	}, http.StatusOK)
}
