package server

import (
	"context"
	"log/slog"
	"net/http"
)

// Runtime configuration endpoints. Values persist in the kv table and layer
// over the process environment; only the allowlisted keys are writable.

func (s *Server) handleEnvGet(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.runtime.Snapshot(), http.StatusOK)
}

func (s *Server) handleEnvPatch(w http.ResponseWriter, r *http.Request) {
	var patch map[string]string
	if !decodeBody(w, r, &patch) {
		return
	}
	if len(patch) == 0 {
		errorResponse(w, "no keys supplied", http.StatusBadRequest)
		return
	}

	for key, value := range patch {
		if err := s.runtime.Set(key, value); err != nil {
			errorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	s.applyRuntimeChanges(patch)
	jsonResponse(w, s.runtime.Snapshot(), http.StatusOK)
}

func (s *Server) handleEnvDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keys []string `json:"keys"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Keys) == 0 {
		errorResponse(w, "no keys supplied", http.StatusBadRequest)
		return
	}

	for _, key := range body.Keys {
		if err := s.runtime.Delete(key); err != nil {
			errorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	deleted := map[string]string{}
	for _, k := range body.Keys {
		deleted[k] = ""
	}
	s.applyRuntimeChanges(deleted)
	jsonResponse(w, s.runtime.Snapshot(), http.StatusOK)
}

// applyRuntimeChanges propagates config writes into the live subsystems.
// A relay change restarts the node so its pool matches the new list.
func (s *Server) applyRuntimeChanges(patch map[string]string) {
	s.bus.Publish("env:updated", s.runtime.Snapshot())

	if _, ok := patch["RELAYS"]; !ok {
		return
	}
	if !s.supervisor.Running() {
		return
	}
	s.supervisor.UpdateRelays(s.runtime.Relays())
	go func() {
		if err := s.supervisor.Recreate(context.Background()); err != nil {
			slog.Error("node recreate after relay change failed", "error", err)
		}
	}()
}
