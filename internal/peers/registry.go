// Package peers tracks the liveness of the other shareholders in the keyset
// and enforces per-peer send/receive policy in front of the signer node.
package peers

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Normalize canonicalizes a peer pubkey to 64 lowercase hex characters.
// A 66-character compressed key has its 02/03 parity prefix stripped.
func Normalize(pubkey string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(pubkey))
	if len(p) == 66 && (strings.HasPrefix(p, "02") || strings.HasPrefix(p, "03")) {
		p = p[2:]
	}
	if len(p) != 64 {
		return "", fmt.Errorf("peers: pubkey must be 64 hex chars, got %d", len(p))
	}
	for _, c := range p {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("peers: pubkey contains non-hex character %q", c)
		}
	}
	return p, nil
}

// Status is the observed liveness of one peer.
type Status struct {
	Pubkey          string    `json:"pubkey"`
	Online          bool      `json:"online"`
	LastSeen        time.Time `json:"last_seen"`
	LatencyMs       int64     `json:"latency_ms"`
	LastPingAttempt time.Time `json:"last_ping_attempt"`
}

// Registry is an in-memory map of peer statuses. Writes come from the
// supervisor's event fan-out; reads are snapshots.
type Registry struct {
	mu     sync.RWMutex
	status map[string]*Status
}

// NewRegistry creates a registry seeded with the given peer pubkeys.
func NewRegistry(known []string) *Registry {
	r := &Registry{status: map[string]*Status{}}
	r.SetKnownPeers(known)
	return r
}

// SetKnownPeers replaces the peer set, keeping state for peers that remain.
func (r *Registry) SetKnownPeers(known []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := map[string]*Status{}
	for _, k := range known {
		n, err := Normalize(k)
		if err != nil {
			continue
		}
		if st, ok := r.status[n]; ok {
			next[n] = st
		} else {
			next[n] = &Status{Pubkey: n}
		}
	}
	r.status = next
}

// pingPayload is the subset of a ping message the registry cares about.
type pingPayload struct {
	Pubkey    string `json:"pubkey"`
	Latency   *int64 `json:"latency,omitempty"`
	Timestamp *int64 `json:"timestamp,omitempty"` // unix ms, signed by the peer
}

// ObservePing processes a /ping/ tagged message. Status updates are accepted
// only for known peers (matched on the exact or normalized key). Out-of-order
// updates keep the newest last_seen.
func (r *Registry) ObservePing(tag string, rawMsg []byte) {
	var msg pingPayload
	if err := json.Unmarshal(rawMsg, &msg); err != nil {
		return
	}
	key, err := Normalize(msg.Pubkey)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.status[key]
	if !ok {
		return
	}

	now := time.Now()
	st.Online = true
	if now.After(st.LastSeen) {
		st.LastSeen = now
	}
	// Latency only makes sense on a response tag.
	if strings.Contains(tag, "/res") || strings.Contains(tag, "ret") {
		switch {
		case msg.Latency != nil:
			st.LatencyMs = *msg.Latency
		case msg.Timestamp != nil:
			if d := now.UnixMilli() - *msg.Timestamp; d >= 0 {
				st.LatencyMs = d
			}
		}
	}
}

// MarkPingAttempt records an outbound ping. A single missed ping does not
// flip online to false.
func (r *Registry) MarkPingAttempt(pubkey string, ok bool, latency time.Duration) {
	key, err := Normalize(pubkey)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st, found := r.status[key]
	if !found {
		return
	}
	now := time.Now()
	st.LastPingAttempt = now
	if ok {
		st.Online = true
		if now.After(st.LastSeen) {
			st.LastSeen = now
		}
		st.LatencyMs = latency.Milliseconds()
	}
}

// Snapshot returns a copy of every peer's status.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.status))
	for _, st := range r.status {
		out = append(out, *st)
	}
	return out
}

// Get returns the status of one peer.
func (r *Registry) Get(pubkey string) (Status, bool) {
	key, err := Normalize(pubkey)
	if err != nil {
		return Status{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.status[key]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Known returns the normalized pubkeys of all known peers.
func (r *Registry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.status))
	for k := range r.status {
		out = append(out, k)
	}
	return out
}
