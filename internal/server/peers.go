package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/glacierhq/frostd/internal/db"
	"github.com/glacierhq/frostd/internal/peers"
)

func (s *Server) handlePeersList(w http.ResponseWriter, r *http.Request) {
	statuses := s.registry.Snapshot()
	out := make([]map[string]any, 0, len(statuses))
	for _, st := range statuses {
		view, err := s.policy.GetPolicy(st.Pubkey)
		if err != nil {
			continue
		}
		out = append(out, map[string]any{
			"pubkey":            st.Pubkey,
			"online":            st.Online,
			"last_seen":         st.LastSeen,
			"latency_ms":        st.LatencyMs,
			"last_ping_attempt": st.LastPingAttempt,
			"policy":            view,
		})
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handlePeersSelf(w http.ResponseWriter, r *http.Request) {
	pubkey := s.supervisor.GroupPubKey()
	if pubkey == "" {
		errorResponse(w, "signer is not running", http.StatusServiceUnavailable)
		return
	}
	jsonResponse(w, map[string]string{"pubkey": pubkey}, http.StatusOK)
}

func (s *Server) handlePeersPing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Target string `json:"target"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	var targets []string
	if body.Target == "" || body.Target == "all" {
		targets = s.registry.Known()
	} else {
		normalized, err := peers.Normalize(body.Target)
		if err != nil {
			errorResponse(w, "invalid peer pubkey", http.StatusBadRequest)
			return
		}
		targets = []string{normalized}
	}

	var wg sync.WaitGroup
	for _, peer := range targets {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			if err := s.supervisor.Ping(r.Context(), peer, s.supervisor.PingTimeout()); err != nil {
				slog.Debug("peer ping failed", "peer", peer, "error", err)
			}
		}(peer)
	}
	wg.Wait()

	s.handlePeersList(w, r)
}

func (s *Server) handleSetPeerPolicy(w http.ResponseWriter, r *http.Request) {
	pubkey := chi.URLParam(r, "pubkey")

	var body struct {
		AllowSend    *bool `json:"allowSend"`
		AllowReceive *bool `json:"allowReceive"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	view, err := s.policy.SetPolicy(pubkey, body.AllowSend, body.AllowReceive)
	if err != nil {
		errorResponse(w, "invalid peer pubkey", http.StatusBadRequest)
		return
	}
	s.bus.Publish("peer:policy", map[string]any{"pubkey": view.Pubkey, "policy": view})
	jsonResponse(w, view, http.StatusOK)
}

func (s *Server) handleResetPeerPolicy(w http.ResponseWriter, r *http.Request) {
	pubkey := chi.URLParam(r, "pubkey")

	if err := s.policy.ResetPolicy(pubkey); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			errorResponse(w, "no explicit policy for peer", http.StatusNotFound)
			return
		}
		errorResponse(w, "invalid peer pubkey", http.StatusBadRequest)
		return
	}
	view, err := s.policy.GetPolicy(pubkey)
	if err != nil {
		errorResponse(w, "invalid peer pubkey", http.StatusBadRequest)
		return
	}
	s.bus.Publish("peer:policy", map[string]any{"pubkey": view.Pubkey, "policy": view})
	jsonResponse(w, view, http.StatusOK)
}
