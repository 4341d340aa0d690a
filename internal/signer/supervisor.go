package signer

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glacierhq/frostd/internal/bus"
	"github.com/glacierhq/frostd/internal/peers"
)

const dedupeWindow = 5

// Options tunes startup retries and the health loop. Zero values fall back
// to the documented defaults.
type Options struct {
	RestartDelay      time.Duration // initial retry delay
	MaxRetries        int           // full-config attempts before fallback
	BackoffMultiplier float64
	MaxRetryDelay     time.Duration
	ConnectTimeout    time.Duration
	PingTimeout       time.Duration

	HealthInterval time.Duration // keepalive sweep period
	IdleThreshold  time.Duration // quiet period before a probe ping
	HardIdleLimit  time.Duration // silence after which the node is replaced
}

func (o *Options) fill() {
	if o.RestartDelay <= 0 {
		o.RestartDelay = time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = 2
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = 10 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 10 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 60 * time.Second
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = 45 * time.Second
	}
	if o.HardIdleLimit <= 0 {
		o.HardIdleLimit = 10 * time.Minute
	}
}

type dedupeEntry struct {
	id  string
	tag string
}

// Supervisor owns exactly one node. Every operation that swaps the node
// pointer is serialized through opMu; a failed operation leaves the queue
// healthy for the next caller.
type Supervisor struct {
	factory  NodeFactory
	registry *peers.Registry
	policy   *peers.Engine
	bus      *bus.Bus
	opts     Options

	opMu sync.Mutex // serializes start/stop/recreate/reload

	mu           sync.RWMutex // guards the fields below
	node         Node
	unsub        func()
	lastCfg      NodeConfig
	haveCfg      bool
	stopped      bool // explicit Stop; blocks health-loop recreates
	lastActivity time.Time
	failures     int
	recent       []dedupeEntry

	stopHealth context.CancelFunc
	healthDone chan struct{}
}

// New creates a supervisor. registry and bus are required; policy may be nil
// during early startup and attached later with SetPolicy.
func New(factory NodeFactory, registry *peers.Registry, policy *peers.Engine, b *bus.Bus, opts Options) *Supervisor {
	opts.fill()
	return &Supervisor{
		factory:  factory,
		registry: registry,
		policy:   policy,
		bus:      b,
		opts:     opts,
	}
}

// SetPolicy attaches the policy engine used by the authorization gate.
func (s *Supervisor) SetPolicy(p *peers.Engine) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

// Start builds a node from the credentials, retrying with exponential
// backoff, then falling back to a minimal constructor once. On success the
// health loop is running and events flow to the registry and bus.
func (s *Supervisor) Start(ctx context.Context, group, share string, relays []string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	cfg := NodeConfig{Group: group, Share: share, Relays: relays, ConnectTimeout: s.opts.ConnectTimeout}
	return s.startLocked(ctx, cfg)
}

func (s *Supervisor) startLocked(ctx context.Context, cfg NodeConfig) error {
	s.stopNode()

	var lastErr error
	delay := s.opts.RestartDelay
	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		node, err := s.factory(ctx, cfg)
		if err == nil {
			s.adopt(node, cfg)
			return nil
		}
		lastErr = err
		slog.Warn("node startup attempt failed", "attempt", attempt, "error", err)

		if attempt == s.opts.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return &NodeStartupError{Cause: ctx.Err()}
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * s.opts.BackoffMultiplier)
		if delay > s.opts.MaxRetryDelay {
			delay = s.opts.MaxRetryDelay
		}
	}

	// Last resort: the minimal constructor, once.
	minimal := cfg
	minimal.Minimal = true
	node, err := s.factory(ctx, minimal)
	if err != nil {
		return &NodeStartupError{Cause: lastErr}
	}
	slog.Warn("node started with minimal configuration after repeated failures")
	s.adopt(node, cfg)
	return nil
}

func (s *Supervisor) adopt(node Node, cfg NodeConfig) {
	unsub := node.Subscribe(s.handleEvent)
	s.registry.SetKnownPeers(node.Peers())

	s.mu.Lock()
	s.node = node
	s.unsub = unsub
	s.lastCfg = cfg
	s.haveCfg = true
	s.stopped = false
	s.lastActivity = time.Now()
	s.failures = 0
	s.recent = nil
	s.mu.Unlock()

	s.startHealthLoop()
	s.bus.Publish("node:started", map[string]any{"relays": cfg.Relays})
}

// Stop detaches listeners, closes the node and cancels the health loop.
// Idempotent and never returns an error.
func (s *Supervisor) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.stopNode()
}

func (s *Supervisor) stopNode() {
	s.stopHealthLoop()

	s.mu.Lock()
	node, unsub := s.node, s.unsub
	s.node, s.unsub = nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if node != nil {
		if err := node.Close(); err != nil {
			slog.Debug("node close reported error", "error", err)
		}
		s.bus.Publish("node:stopped", nil)
	}
}

// Recreate replaces the node using the last known credentials.
func (s *Supervisor) Recreate(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	cfg, ok, stopped := s.lastCfg, s.haveCfg, s.stopped
	s.mu.RUnlock()
	if !ok || stopped {
		return ErrNodeUnavailable
	}
	slog.Info("recreating signer node")
	return s.startLocked(ctx, cfg)
}

// UpdateRelays changes the relay list used by the next Recreate.
func (s *Supervisor) UpdateRelays(relays []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveCfg {
		s.lastCfg.Relays = append([]string(nil), relays...)
	}
}

// PingTimeout returns the configured per-ping deadline.
func (s *Supervisor) PingTimeout() time.Duration {
	return s.opts.PingTimeout
}

// Running reports whether a node is currently attached.
func (s *Supervisor) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.node != nil
}

// GroupPubKey returns the node's group public key normalized to 32-byte
// x-only hex, or "" when no node is running.
func (s *Supervisor) GroupPubKey() string {
	s.mu.RLock()
	node := s.node
	s.mu.RUnlock()
	if node == nil {
		return ""
	}
	pk := strings.ToLower(node.GroupPubKey())
	if len(pk) == 66 && (strings.HasPrefix(pk, "02") || strings.HasPrefix(pk, "03")) {
		pk = pk[2:]
	}
	return pk
}

// ─── Signer operations ────────────────────────────────────────────────────────

// Sign runs a signing round for eventID. When peer names the remote
// shareholder the exchange is initiated toward, the policy gate runs first
// and a denial never reaches the node.
func (s *Supervisor) Sign(ctx context.Context, eventID, peer string, timeout time.Duration) (*SignResult, error) {
	if err := s.gateSend(peer); err != nil {
		return nil, err
	}
	node, err := s.currentNode()
	if err != nil {
		return nil, err
	}
	return WithTimeout(ctx, "sign", timeout, func(ctx context.Context) (*SignResult, error) {
		return node.Sign(ctx, eventID)
	})
}

// ECDH derives a shared secret with peer, subject to the outbound policy gate.
func (s *Supervisor) ECDH(ctx context.Context, peer string, timeout time.Duration) (string, error) {
	if err := s.gateSend(peer); err != nil {
		return "", err
	}
	node, err := s.currentNode()
	if err != nil {
		return "", err
	}
	return WithTimeout(ctx, "ecdh", timeout, func(ctx context.Context) (string, error) {
		return node.ECDH(ctx, peer)
	})
}

// Ping probes one peer and records the outcome in the registry.
func (s *Supervisor) Ping(ctx context.Context, peer string, timeout time.Duration) error {
	node, err := s.currentNode()
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = WithTimeout(ctx, "ping", timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, node.Ping(ctx, peer)
	})
	s.registry.MarkPingAttempt(peer, err == nil, time.Since(start))
	return err
}

func (s *Supervisor) gateSend(peer string) error {
	if peer == "" {
		return nil
	}
	s.mu.RLock()
	policy := s.policy
	s.mu.RUnlock()
	if policy == nil {
		return nil
	}
	return policy.AuthorizeSend(peer)
}

func (s *Supervisor) currentNode() (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.node == nil {
		return nil, ErrNodeUnavailable
	}
	return s.node, nil
}

// ─── Event fan-out ────────────────────────────────────────────────────────────

// handleEvent is the node's single event sink. Real tagged events refresh
// the activity clock; keepalive traffic never does.
func (s *Supervisor) handleEvent(id, tag string, msg []byte) {
	if !isTagged(tag) {
		return
	}
	if s.seenRecently(id, tag) {
		return
	}

	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if strings.HasPrefix(tag, "/ping/") {
		s.registry.ObservePing(tag, msg)
	}

	// Inbound request gate: a peer-initiated exchange the policy forbids is
	// bounced before any processing.
	if sender := senderOf(msg); sender != "" && strings.HasSuffix(tag, "/req") {
		s.mu.RLock()
		policy := s.policy
		s.mu.RUnlock()
		if policy != nil {
			if err := policy.AuthorizeReceive(sender); err != nil {
				s.bus.Publish("policy:bounced", map[string]any{"tag": tag, "peer": sender})
				return
			}
		}
	}

	s.bus.Publish("node:event", map[string]any{"id": id, "tag": tag})
}

func isTagged(tag string) bool {
	return strings.HasPrefix(tag, "/sign/") ||
		strings.HasPrefix(tag, "/ecdh/") ||
		strings.HasPrefix(tag, "/ping/")
}

// seenRecently reports and records (id, tag) within a 5-entry sliding window.
func (s *Supervisor) seenRecently(id, tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.recent {
		if e.id == id && e.tag == tag {
			return true
		}
	}
	s.recent = append(s.recent, dedupeEntry{id: id, tag: tag})
	if len(s.recent) > dedupeWindow {
		s.recent = s.recent[len(s.recent)-dedupeWindow:]
	}
	return false
}

// senderOf extracts the originating pubkey from a raw message, tolerating
// either "pubkey" or "from" fields.
func senderOf(msg []byte) string {
	var envelope struct {
		Pubkey string `json:"pubkey"`
		From   string `json:"from"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return ""
	}
	if envelope.Pubkey != "" {
		return envelope.Pubkey
	}
	return envelope.From
}
