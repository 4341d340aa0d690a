package signer

import (
	"context"
	"log/slog"
	"time"
)

const (
	relayOpTimeout   = 10 * time.Second
	failuresToReboot = 3
)

func (s *Supervisor) startHealthLoop() {
	s.stopHealthLoop()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.stopHealth = cancel
	s.healthDone = done
	go s.healthLoop(ctx, done)
}

func (s *Supervisor) stopHealthLoop() {
	if s.stopHealth != nil {
		s.stopHealth()
		<-s.healthDone
		s.stopHealth = nil
		s.healthDone = nil
	}
}

// healthLoop keeps relay connections warm and detects a wedged node. Quiet
// periods trigger a peer ping; repeated failures or a long silence replace
// the node outright.
func (s *Supervisor) healthLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if recreate := s.healthTick(ctx); recreate {
			// Recreate outside the tick so the op queue is free; the loop
			// belonging to the old node exits here and the new node brings
			// its own.
			go func() {
				if err := s.Recreate(context.Background()); err != nil {
					slog.Error("node recreate after health failure", "error", err)
				}
			}()
			return
		}
	}
}

// healthTick runs one round of checks and reports whether the node should be
// replaced. A relay that stays down after the reconnect sweep counts as a
// failure even while the subscription is otherwise active.
func (s *Supervisor) healthTick(ctx context.Context) bool {
	node, err := s.currentNode()
	if err != nil {
		return false
	}

	relaysUp := s.refreshRelays(ctx, node)

	s.mu.RLock()
	idle := time.Since(s.lastActivity)
	s.mu.RUnlock()

	if idle >= s.opts.HardIdleLimit {
		slog.Warn("node silent past hard idle limit", "idle", idle)
		return true
	}

	if !relaysUp {
		n := s.bumpFailures()
		slog.Warn("relay still down after reconnect sweep", "consecutive", n)
		return n >= failuresToReboot
	}

	if idle < s.opts.IdleThreshold {
		s.resetFailures()
		return false
	}

	if s.probePeers(ctx) {
		s.resetFailures()
		return false
	}

	n := s.bumpFailures()
	slog.Warn("keepalive probe failed", "consecutive", n)
	return n >= failuresToReboot
}

// refreshRelays reconnects any relay the node reports as down and reports
// whether every relay is connected after the sweep.
func (s *Supervisor) refreshRelays(ctx context.Context, node Node) bool {
	for url, connected := range node.RelayStatus() {
		if connected {
			continue
		}
		if err := node.EnsureRelay(ctx, url, relayOpTimeout); err != nil {
			slog.Debug("relay reconnect failed", "relay", url, "error", err)
		}
	}
	for _, connected := range node.RelayStatus() {
		if !connected {
			return false
		}
	}
	return true
}

// probePeers pings known peers until one answers.
func (s *Supervisor) probePeers(ctx context.Context) bool {
	for _, peer := range s.registry.Known() {
		if err := s.Ping(ctx, peer, s.opts.PingTimeout); err == nil {
			return true
		}
	}
	return false
}

func (s *Supervisor) bumpFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	return s.failures
}

func (s *Supervisor) resetFailures() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}
