// Package signer supervises the single FROST/Bifrost node this daemon owns:
// lifecycle, keepalive, recovery, and fan-out of node events to the peer
// registry and the event bus.
package signer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNodeUnavailable means no node is running; callers may retry after the
// supervisor recovers.
var ErrNodeUnavailable = errors.New("signer: node unavailable")

// NodeStartupError wraps the final failure after all startup retries.
type NodeStartupError struct {
	Cause error
}

func (e *NodeStartupError) Error() string {
	return fmt.Sprintf("signer: node startup failed: %v", e.Cause)
}

func (e *NodeStartupError) Unwrap() error { return e.Cause }

// TimeoutError is returned when a node operation outlived its deadline.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("signer: %s timed out", e.Op)
}

// EventHandler receives tagged messages emitted by the node. id identifies
// the exchange; tag is a path like /sign/req or /ping/res; msg is the raw
// message payload.
type EventHandler func(id, tag string, msg []byte)

// SignResult is the node's answer to a sign request: one or more
// (share id, pubkey, signature) entries.
type SignResult struct {
	Entries [][3]string
}

// Signature returns the aggregated signature for an event id, which the
// node places in the first entry.
func (r *SignResult) Signature() (string, error) {
	if r == nil || len(r.Entries) == 0 {
		return "", errors.New("signer: empty sign result")
	}
	return r.Entries[0][2], nil
}

// Node is the contract the external Bifrost library must satisfy. The
// supervisor never looks inside it.
type Node interface {
	// Subscribe registers the single event handler and returns an
	// unsubscribe function. The node stops delivering after unsubscribe
	// returns.
	Subscribe(h EventHandler) (unsubscribe func())

	// Sign runs a threshold signing round for the 32-byte event hash.
	Sign(ctx context.Context, eventID string) (*SignResult, error)

	// ECDH derives the shared secret with a peer, hex encoded.
	ECDH(ctx context.Context, peerPubkey string) (string, error)

	// Ping probes a peer over the relay mesh.
	Ping(ctx context.Context, peerPubkey string) error

	// RelayStatus enumerates per-relay connection state, or nil when the
	// underlying pool does not expose it.
	RelayStatus() map[string]bool

	// EnsureRelay (re)establishes a relay connection within the timeout.
	EnsureRelay(ctx context.Context, url string, timeout time.Duration) error

	// GroupPubKey returns the keyset's group public key, either 33-byte
	// compressed or 32-byte x-only hex.
	GroupPubKey() string

	// Peers returns the pubkeys of the other shareholders in the keyset.
	Peers() []string

	// Close releases the node. Safe to call more than once.
	Close() error
}

// NodeConfig is everything needed to build a node.
type NodeConfig struct {
	Group  string
	Share  string
	Relays []string

	// Minimal requests the library's bare constructor, used as the last
	// fallback when the full configuration repeatedly fails.
	Minimal bool

	ConnectTimeout time.Duration
}

// NodeFactory builds a connected node or fails.
type NodeFactory func(ctx context.Context, cfg NodeConfig) (Node, error)
