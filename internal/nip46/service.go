package nip46

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glacierhq/frostd/internal/bus"
	"github.com/glacierhq/frostd/internal/config"
	"github.com/glacierhq/frostd/internal/db"
	"github.com/glacierhq/frostd/internal/signer"
)

const restartDelay = time.Second

// Signer is the slice of the node supervisor the session service uses.
type Signer interface {
	Sign(ctx context.Context, eventID, peer string, timeout time.Duration) (*signer.SignResult, error)
	ECDH(ctx context.Context, peer string, timeout time.Duration) (string, error)
	GroupPubKey() string
}

// Service owns one agent for the active user and the request queue in front
// of the signer.
type Service struct {
	store   *db.Store
	signer  Signer
	bus     *bus.Bus
	runtime *config.Runtime

	mu         sync.Mutex
	activeUser int64 // 0 when no user is active
	agent      *Agent
	agentStop  context.CancelFunc

	inflightMu sync.Mutex
	inflight   map[string]bool
}

// NewService wires the session service. Call SetActiveUser to start an agent.
func NewService(store *db.Store, signer Signer, b *bus.Bus, rt *config.Runtime) *Service {
	return &Service{
		store:    store,
		signer:   signer,
		bus:      b,
		runtime:  rt,
		inflight: map[string]bool{},
	}
}

// SetActiveUser switches the agent to userID, stopping any previous agent
// first. userID 0 stops the service.
func (s *Service) SetActiveUser(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeUser == userID && s.agent != nil {
		return nil
	}
	s.stopAgentLocked()
	s.activeUser = userID
	if userID == 0 {
		return nil
	}
	return s.startAgentLocked(ctx)
}

// Stop shuts the agent down.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopAgentLocked()
	s.activeUser = 0
}

func (s *Service) stopAgentLocked() {
	if s.agentStop != nil {
		s.agentStop()
		s.agentStop = nil
	}
	s.agent = nil
}

func (s *Service) startAgentLocked(ctx context.Context) error {
	user, err := s.store.GetUser(s.activeUser)
	if err != nil {
		return fmt.Errorf("nip46: load user: %w", err)
	}

	relays := userRelays(user)
	if len(relays) == 0 {
		relays = s.runtime.Relays()
	}

	secret := user.TransportSecret.String
	if secret == "" {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return err
		}
		// SetTransportSecret returns the winner if another writer got there
		// first, so every agent for this user shares one keypair.
		secret, err = s.store.SetTransportSecret(user.ID, hex.EncodeToString(raw))
		if err != nil {
			return fmt.Errorf("nip46: persist transport secret: %w", err)
		}
	}

	userID := user.ID
	agent, err := NewAgent(secret, relays, func(ctx context.Context, env *Envelope) {
		s.handle(ctx, userID, env)
	}, func() {
		s.restartLater()
	})
	if err != nil {
		return err
	}

	agentCtx, cancel := context.WithCancel(context.Background())
	s.agent = agent
	s.agentStop = cancel
	go agent.Run(agentCtx)
	return nil
}

// restartLater brings the agent back after a socket closure, as long as the
// user is still active.
func (s *Service) restartLater() {
	time.AfterFunc(restartDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.activeUser == 0 {
			return
		}
		s.stopAgentLocked()
		if err := s.startAgentLocked(context.Background()); err != nil {
			slog.Error("nip46 agent restart failed", "error", err)
			s.restartLater()
		}
	})
}

// TransportPubkey returns the active agent's pubkey, or "".
func (s *Service) TransportPubkey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent == nil {
		return ""
	}
	return s.agent.TransportPubkey()
}

// ConnectFromURI onboards a client from a nostrconnect:// string: the ack is
// sent immediately, the session lands as pending, and any new relays are
// merged into the user's relay set.
func (s *Service) ConnectFromURI(ctx context.Context, userID int64, uri string) (*ConnectRequest, error) {
	cr, err := ParseConnectURI(uri)
	if err != nil {
		return nil, err
	}

	ack := cr.Secret
	if ack == "" {
		ack = "ack"
	}
	if agent := s.currentAgent(); agent != nil {
		if err := agent.Reply(ctx, cr.ClientPubkey, false, Response{ID: ack, Result: ack}); err != nil {
			slog.Warn("nip46 connect ack failed", "client", cr.ClientPubkey[:8], "error", err)
		}
	}

	err = s.store.UpsertNip46Session(&db.Nip46Session{
		UserID:       userID,
		ClientPubkey: cr.ClientPubkey,
		Status:       "pending",
		Profile:      nullJSON(cr.Profile),
		Relays:       nullJSON(cr.Relays),
		Policy:       nullJSON(cr.Policy),
	})
	if err != nil {
		return nil, err
	}
	_ = s.store.AddNip46SessionEvent(userID, cr.ClientPubkey, "connect", cr.Profile.Name)

	if len(cr.Relays) > 0 {
		s.mergeRelays(ctx, userID, cr.Relays)
	}

	s.bus.Publish("nip46:session_pending", map[string]any{
		"client_pubkey": cr.ClientPubkey,
		"profile":       cr.Profile,
	})
	return cr, nil
}

func (s *Service) mergeRelays(ctx context.Context, userID int64, incoming []string) {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return
	}
	existing := userRelays(user)
	seen := map[string]bool{}
	for _, r := range existing {
		seen[r] = true
	}
	added := false
	for _, r := range incoming {
		if !seen[r] && config.ValidRelayURL(r) {
			existing = append(existing, r)
			seen[r] = true
			added = true
		}
	}
	if !added {
		return
	}
	if err := s.store.UpdateUserRelays(userID, marshalJSON(existing)); err != nil {
		slog.Warn("relay merge failed", "user", userID, "error", err)
		return
	}
	// The agent must resubscribe to pick the new relays up.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeUser == userID && s.agent != nil {
		s.stopAgentLocked()
		if err := s.startAgentLocked(ctx); err != nil {
			slog.Error("nip46 agent restart after relay merge failed", "error", err)
		}
	}
}

// handle is the request intake for every decoded envelope.
func (s *Service) handle(ctx context.Context, userID int64, env *Envelope) {
	// A revoked session stays revoked: nothing a client sends reactivates it,
	// and its requests are bounced until an operator reconnects it.
	if existing, err := s.store.GetNip46Session(userID, env.ClientPubkey); err == nil && existing.Status == "revoked" {
		s.replyInline(ctx, env, Response{ID: env.ID, Error: "session revoked"})
		return
	}

	// Every contact from a live client refreshes the session.
	err := s.store.UpsertNip46Session(&db.Nip46Session{
		UserID:       userID,
		ClientPubkey: env.ClientPubkey,
		Status:       "active",
	})
	if err != nil {
		slog.Warn("nip46 session upsert failed", "error", err)
	}

	switch env.Method {
	case "connect":
		ack := "ack"
		if len(env.Params) > 1 && env.Params[1] != "" {
			ack = env.Params[1]
		}
		s.replyInline(ctx, env, Response{ID: env.ID, Result: ack})
		return
	case "ping":
		s.replyInline(ctx, env, Response{ID: env.ID, Result: "pong"})
		return
	case "get_public_key":
		pk := s.signer.GroupPubKey()
		if pk == "" {
			s.replyInline(ctx, env, Response{ID: env.ID, Error: "signer is not running"})
			return
		}
		s.replyInline(ctx, env, Response{ID: env.ID, Result: pk})
		return
	}

	payload := marshalJSON(env.Params)
	inserted, err := s.store.CreateNip46Request(env.ID, userID, env.ClientPubkey, env.Method, payload, env.Legacy)
	if err != nil {
		slog.Error("nip46 request persist failed", "id", env.ID, "error", err)
		return
	}
	if !inserted {
		// Duplicate delivery of an id already queued or handled.
		return
	}

	if s.autoApproved(userID, env) {
		if err := s.store.SetNip46RequestStatus(env.ID, "approved", "", ""); err != nil {
			slog.Error("nip46 approve transition failed", "id", env.ID, "error", err)
			return
		}
		s.dispatch(ctx, env.ID, env)
		return
	}

	s.bus.Publish("nip46:request", map[string]any{
		"id":            env.ID,
		"method":        env.Method,
		"client_pubkey": env.ClientPubkey,
	})
}

// autoApproved checks the stored session policy against the request. Only an
// active session may auto-approve.
func (s *Service) autoApproved(userID int64, env *Envelope) bool {
	session, err := s.store.GetNip46Session(userID, env.ClientPubkey)
	if err != nil || session.Status != "active" || !session.Policy.Valid {
		return false
	}
	var policy Policy
	if err := json.Unmarshal([]byte(session.Policy.String), &policy); err != nil {
		return false
	}

	kind := -1
	if env.Method == "sign_event" && len(env.Params) > 0 {
		var tmpl struct {
			Kind int `json:"kind"`
		}
		if err := json.Unmarshal([]byte(env.Params[0]), &tmpl); err != nil {
			return false
		}
		kind = tmpl.Kind
	}
	return policy.Allows(env.Method, kind)
}

// Approve transitions a pending request and dispatches it.
func (s *Service) Approve(ctx context.Context, requestID string) error {
	req, err := s.store.GetNip46Request(requestID)
	if err != nil {
		return err
	}
	if req.Status != "pending" {
		return fmt.Errorf("nip46: request %s is %s, not pending", requestID, req.Status)
	}
	if err := s.store.SetNip46RequestStatus(requestID, "approved", "", ""); err != nil {
		return err
	}
	env := envelopeFromRequest(req)
	s.dispatch(ctx, requestID, env)
	return nil
}

// Deny rejects a pending request and notifies the client.
func (s *Service) Deny(ctx context.Context, requestID, reason string) error {
	req, err := s.store.GetNip46Request(requestID)
	if err != nil {
		return err
	}
	if req.Status != "pending" {
		return fmt.Errorf("nip46: request %s is %s, not pending", requestID, req.Status)
	}
	if reason == "" {
		reason = "request denied"
	}
	if err := s.store.SetNip46RequestStatus(requestID, "denied", "", reason); err != nil {
		return err
	}
	if agent := s.currentAgent(); agent != nil {
		_ = agent.Reply(ctx, req.SessionPubkey, req.Legacy, Response{ID: requestID, Error: reason})
	}
	s.publishStatus(requestID, "denied", reason)
	return nil
}

// RevokeSession marks a session revoked. Its pending requests stay queued
// for operator review, but new envelopes from the client are bounced and
// nothing auto-approves until an operator reconnects the session.
func (s *Service) RevokeSession(userID int64, clientPubkey string) error {
	if err := s.store.SetNip46SessionStatus(userID, clientPubkey, "revoked"); err != nil {
		return err
	}
	_ = s.store.AddNip46SessionEvent(userID, clientPubkey, "revoked", "")
	s.bus.Publish("nip46:session_revoked", map[string]any{"client_pubkey": clientPubkey})
	return nil
}

// UpdateSessionPolicy replaces a session's auto-approval policy.
func (s *Service) UpdateSessionPolicy(userID int64, clientPubkey string, policy Policy) error {
	if _, err := s.store.GetNip46Session(userID, clientPubkey); err != nil {
		return err
	}
	return s.store.SetNip46SessionPolicy(userID, clientPubkey, marshalJSON(policy))
}

func (s *Service) currentAgent() *Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

func (s *Service) reply(ctx context.Context, agent *Agent, env *Envelope, resp Response) {
	if err := agent.Reply(ctx, env.ClientPubkey, env.Legacy, resp); err != nil {
		slog.Warn("nip46 reply failed", "id", resp.ID, "error", err)
	}
}

func (s *Service) replyInline(ctx context.Context, env *Envelope, resp Response) {
	if agent := s.currentAgent(); agent != nil {
		s.reply(ctx, agent, env, resp)
	}
}

func (s *Service) publishStatus(requestID, status, detail string) {
	s.bus.Publish("nip46:request_status", map[string]any{
		"id":     requestID,
		"status": status,
		"detail": detail,
	})
}

func envelopeFromRequest(req *db.Nip46Request) *Envelope {
	env := &Envelope{
		ID:           req.ID,
		Method:       req.Method,
		ClientPubkey: req.SessionPubkey,
		Legacy:       req.Legacy,
	}
	if req.Payload.Valid {
		_ = json.Unmarshal([]byte(req.Payload.String), &env.Params)
	}
	return env
}

func userRelays(user *db.User) []string {
	if !user.Relays.Valid || strings.TrimSpace(user.Relays.String) == "" {
		return nil
	}
	var relays []string
	if err := json.Unmarshal([]byte(user.Relays.String), &relays); err != nil {
		return nil
	}
	return relays
}

func nullJSON(v any) sql.NullString {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// ErrSessionNotFound aliases the storage miss for callers outside the package.
var ErrSessionNotFound = errors.New("nip46: session not found")
