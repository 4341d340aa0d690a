package nip46

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
)

const kindNostrConnect = 24133

// Envelope is one decoded NIP-46 request.
type Envelope struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`

	ClientPubkey string `json:"-"`
	Legacy       bool   `json:"-"` // arrived NIP-04 encrypted; answer in kind
}

// Response is the reply wire shape.
type Response struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// envelopeHandler consumes decoded requests.
type envelopeHandler func(ctx context.Context, env *Envelope)

// Agent is the relay transport for one user: it subscribes to the user's
// relays under the transport keypair, decrypts inbound kind 24133 events and
// encrypts replies back to the client.
type Agent struct {
	secretKey string // transport private key, hex
	pubkey    string
	relays    []string
	handler   envelopeHandler
	onClosed  func()

	mu   sync.Mutex
	pool *nostr.SimplePool
}

// NewAgent builds an agent from a transport private key.
func NewAgent(secretKey string, relays []string, handler envelopeHandler, onClosed func()) (*Agent, error) {
	pub, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("nip46: transport key: %w", err)
	}
	return &Agent{
		secretKey: secretKey,
		pubkey:    pub,
		relays:    relays,
		handler:   handler,
		onClosed:  onClosed,
	}, nil
}

// TransportPubkey returns the agent's signing pubkey (the remote-signer
// identity clients address).
func (a *Agent) TransportPubkey() string { return a.pubkey }

// Run subscribes to the relays and blocks until ctx is cancelled. On
// subscription loss it invokes onClosed and returns; the service restarts it.
func (a *Agent) Run(ctx context.Context) {
	if len(a.relays) == 0 {
		slog.Warn("nip46 agent has no relays configured")
		<-ctx.Done()
		return
	}

	pool := nostr.NewSimplePool(ctx)
	a.mu.Lock()
	a.pool = pool
	a.mu.Unlock()

	since := nostr.Now()
	filters := nostr.Filters{{
		Kinds: []int{kindNostrConnect},
		Tags:  nostr.TagMap{"p": []string{a.pubkey}},
		Since: &since,
	}}

	slog.Info("nip46 agent listening", "relays", a.relays, "transport", a.pubkey[:8])

	for ev := range pool.SubMany(ctx, a.relays, filters) {
		if ev.Event == nil {
			continue
		}
		event := ev.Event
		go func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic handling nip46 event", "panic", r)
				}
			}()
			a.receive(ctx, event)
		}()
	}

	if ctx.Err() == nil && a.onClosed != nil {
		a.onClosed()
	}
}

// receive decrypts one inbound event and hands the envelope to the service.
func (a *Agent) receive(ctx context.Context, event *nostr.Event) {
	plaintext, legacy, err := a.decrypt(event.PubKey, event.Content)
	if err != nil {
		slog.Debug("undecryptable nip46 event", "from", event.PubKey[:8], "error", err)
		return
	}

	var env Envelope
	if err := json.Unmarshal([]byte(plaintext), &env); err != nil || env.ID == "" {
		// Some clients double-wrap the payload. One more decryption pass
		// recovers those before giving up.
		inner, innerLegacy, ierr := a.decrypt(event.PubKey, plaintext)
		if ierr != nil || json.Unmarshal([]byte(inner), &env) != nil || env.ID == "" {
			slog.Debug("unparseable nip46 envelope", "from", event.PubKey[:8])
			return
		}
		legacy = legacy || innerLegacy
	}

	env.ClientPubkey = event.PubKey
	env.Legacy = legacy
	a.handler(ctx, &env)
}

// decrypt tries NIP-44 first and falls back to NIP-04, reporting which
// scheme succeeded.
func (a *Agent) decrypt(clientPubkey, content string) (string, bool, error) {
	ck, err := nip44.GenerateConversationKey(clientPubkey, a.secretKey)
	if err == nil {
		if pt, err := nip44.Decrypt(content, ck); err == nil {
			return pt, false, nil
		}
	}
	shared, err := nip04.ComputeSharedSecret(clientPubkey, a.secretKey)
	if err != nil {
		return "", false, err
	}
	pt, err := nip04.Decrypt(content, shared)
	if err != nil {
		return "", false, fmt.Errorf("nip46: undecryptable content: %w", err)
	}
	return pt, true, nil
}

// Reply encrypts and publishes a response to the client, mirroring the
// encryption scheme of the request. Fails cleanly until Run has built the
// relay pool.
func (a *Agent) Reply(ctx context.Context, clientPubkey string, legacy bool, resp Response) error {
	a.mu.Lock()
	pool := a.pool
	a.mu.Unlock()
	if pool == nil {
		return fmt.Errorf("nip46: agent transport not ready")
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	var content string
	if legacy {
		shared, err := nip04.ComputeSharedSecret(clientPubkey, a.secretKey)
		if err != nil {
			return err
		}
		content, err = nip04.Encrypt(string(body), shared)
		if err != nil {
			return err
		}
	} else {
		ck, err := nip44.GenerateConversationKey(clientPubkey, a.secretKey)
		if err != nil {
			return err
		}
		content, err = nip44.Encrypt(string(body), ck)
		if err != nil {
			return err
		}
	}

	event := nostr.Event{
		Kind:      kindNostrConnect,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags:      nostr.Tags{{"p", clientPubkey}},
	}
	if err := event.Sign(a.secretKey); err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var published, failed int
	for result := range pool.PublishMany(pubCtx, a.relays, event) {
		if result.Error != nil {
			slog.Debug("nip46 reply publish failed", "relay", result.RelayURL, "error", result.Error)
			failed++
		} else {
			published++
		}
	}
	if published == 0 && failed > 0 {
		return fmt.Errorf("nip46: reply reached none of %d relays", failed)
	}
	return nil
}
