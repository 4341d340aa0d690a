package peers

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/glacierhq/frostd/internal/db"
)

// PolicyDeniedError reports that peer policy blocked a signer exchange
// before it reached the node.
type PolicyDeniedError struct {
	Direction string // "out" or "in"
	Peer      string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("peers: policy denied %sbound exchange with %s", e.Direction, e.Peer)
}

// Defaults are the per-user baseline applied when no explicit policy exists.
type Defaults struct {
	AllowSend    bool `json:"allow_send"`
	AllowReceive bool `json:"allow_receive"`
}

// record is one explicit peer policy. Nil fields inherit the default.
type record struct {
	AllowSend    *bool  `json:"allow_send"`
	AllowReceive *bool  `json:"allow_receive"`
	Source       string `json:"source"` // config | user
	LastUpdated  int64  `json:"last_updated"`
}

// PolicyView is the layered view returned by GetPolicy.
type PolicyView struct {
	Pubkey            string `json:"pubkey"`
	AllowSend         *bool  `json:"allow_send"`
	AllowReceive      *bool  `json:"allow_receive"`
	EffectiveSend     bool   `json:"effective_send"`
	EffectiveReceive  bool   `json:"effective_receive"`
	HasExplicitPolicy bool   `json:"has_explicit_policy"`
	Source            string `json:"source,omitempty"`
	LastUpdated       int64  `json:"last_updated,omitempty"`
}

// Engine layers explicit per-peer policy over per-user defaults and persists
// the explicit map on the user row.
type Engine struct {
	store *db.Store

	mu       sync.RWMutex
	userID   int64
	defaults Defaults
	policies map[string]*record
}

// NewEngine creates an engine with the given defaults. Call LoadUser before
// serving requests.
func NewEngine(store *db.Store, defaults Defaults) *Engine {
	return &Engine{store: store, defaults: defaults, policies: map[string]*record{}}
}

// LoadUser loads the stored policy map for a user, replacing current state.
func (e *Engine) LoadUser(userID int64) error {
	policies := map[string]*record{}
	if e.store != nil {
		u, err := e.store.GetUser(userID)
		if err != nil {
			return fmt.Errorf("load peer policies: %w", err)
		}
		if u.PeerPolicies.Valid && u.PeerPolicies.String != "" {
			if err := json.Unmarshal([]byte(u.PeerPolicies.String), &policies); err != nil {
				return fmt.Errorf("parse peer policies: %w", err)
			}
		}
	}
	e.mu.Lock()
	e.userID = userID
	e.policies = policies
	e.mu.Unlock()
	return nil
}

// SetDefaults replaces the baseline policy.
func (e *Engine) SetDefaults(d Defaults) {
	e.mu.Lock()
	e.defaults = d
	e.mu.Unlock()
}

// GetPolicy returns the layered policy view for one peer.
func (e *Engine) GetPolicy(pubkey string) (PolicyView, error) {
	key, err := Normalize(pubkey)
	if err != nil {
		return PolicyView{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	view := PolicyView{
		Pubkey:           key,
		EffectiveSend:    e.defaults.AllowSend,
		EffectiveReceive: e.defaults.AllowReceive,
	}
	if rec, ok := e.policies[key]; ok {
		view.HasExplicitPolicy = true
		view.AllowSend = rec.AllowSend
		view.AllowReceive = rec.AllowReceive
		view.Source = rec.Source
		view.LastUpdated = rec.LastUpdated
		if rec.AllowSend != nil {
			view.EffectiveSend = *rec.AllowSend
		}
		if rec.AllowReceive != nil {
			view.EffectiveReceive = *rec.AllowReceive
		}
	}
	return view, nil
}

// SetPolicy upserts an explicit policy. Fields passed as nil are preserved
// from any existing record rather than cleared.
func (e *Engine) SetPolicy(pubkey string, allowSend, allowReceive *bool) (PolicyView, error) {
	key, err := Normalize(pubkey)
	if err != nil {
		return PolicyView{}, err
	}

	e.mu.Lock()
	rec, ok := e.policies[key]
	if !ok {
		rec = &record{}
		e.policies[key] = rec
	}
	if allowSend != nil {
		rec.AllowSend = allowSend
	}
	if allowReceive != nil {
		rec.AllowReceive = allowReceive
	}
	rec.Source = "user"
	rec.LastUpdated = time.Now().UnixMilli()
	err = e.persistLocked()
	e.mu.Unlock()
	if err != nil {
		return PolicyView{}, err
	}
	return e.GetPolicy(key)
}

// ResetPolicy removes explicit overrides; effective values revert to defaults.
func (e *Engine) ResetPolicy(pubkey string) error {
	key, err := Normalize(pubkey)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.policies, key)
	return e.persistLocked()
}

// AuthorizeSend gates an outbound exchange initiated toward peer.
func (e *Engine) AuthorizeSend(pubkey string) error {
	view, err := e.GetPolicy(pubkey)
	if err != nil {
		return err
	}
	if !view.EffectiveSend {
		return &PolicyDeniedError{Direction: "out", Peer: view.Pubkey}
	}
	return nil
}

// AuthorizeReceive gates an inbound exchange initiated by peer.
func (e *Engine) AuthorizeReceive(pubkey string) error {
	view, err := e.GetPolicy(pubkey)
	if err != nil {
		return err
	}
	if !view.EffectiveReceive {
		return &PolicyDeniedError{Direction: "in", Peer: view.Pubkey}
	}
	return nil
}

func (e *Engine) persistLocked() error {
	if e.store == nil || e.userID == 0 {
		return nil
	}
	blob, err := json.Marshal(e.policies)
	if err != nil {
		return err
	}
	return e.store.UpdateUserPeerPolicies(e.userID, string(blob))
}
