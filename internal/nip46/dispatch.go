package nip46

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"
)

// dispatch runs one approved request to completion. Single-flight per id: a
// request already being processed is not re-entered.
func (s *Service) dispatch(ctx context.Context, requestID string, env *Envelope) {
	s.inflightMu.Lock()
	if s.inflight[requestID] {
		s.inflightMu.Unlock()
		return
	}
	s.inflight[requestID] = true
	s.inflightMu.Unlock()
	defer func() {
		s.inflightMu.Lock()
		delete(s.inflight, requestID)
		s.inflightMu.Unlock()
	}()

	result, err := s.run(ctx, env)
	agent := s.currentAgent()

	if err != nil {
		slog.Warn("nip46 request failed", "id", requestID, "method", env.Method, "error", err)
		if serr := s.store.SetNip46RequestStatus(requestID, "failed", "", err.Error()); serr != nil {
			slog.Error("nip46 fail transition", "id", requestID, "error", serr)
		}
		if agent != nil {
			s.reply(ctx, agent, env, Response{ID: requestID, Error: err.Error()})
		}
		s.publishStatus(requestID, "failed", err.Error())
		return
	}

	if serr := s.store.SetNip46RequestStatus(requestID, "completed", result, ""); serr != nil {
		slog.Error("nip46 complete transition", "id", requestID, "error", serr)
	}
	if agent != nil {
		s.reply(ctx, agent, env, Response{ID: requestID, Result: result})
	}
	s.publishStatus(requestID, "completed", "")
}

func (s *Service) run(ctx context.Context, env *Envelope) (string, error) {
	switch env.Method {
	case "sign_event":
		return s.runSignEvent(ctx, env)
	case "nip44_encrypt", "nip44_decrypt", "nip04_encrypt", "nip04_decrypt":
		return s.runCipher(ctx, env)
	default:
		return "", fmt.Errorf("unsupported method %q", env.Method)
	}
}

// runSignEvent normalizes the template, hashes it and drives a threshold
// signing round.
func (s *Service) runSignEvent(ctx context.Context, env *Envelope) (string, error) {
	if len(env.Params) == 0 {
		return "", fmt.Errorf("sign_event requires an event template")
	}

	var tmpl struct {
		Kind      int             `json:"kind"`
		CreatedAt nostr.Timestamp `json:"created_at"`
		Content   string          `json:"content"`
		Tags      nostr.Tags      `json:"tags"`
	}
	if err := json.Unmarshal([]byte(env.Params[0]), &tmpl); err != nil {
		return "", fmt.Errorf("malformed event template: %w", err)
	}

	identity := s.signer.GroupPubKey()
	if identity == "" {
		return "", fmt.Errorf("signer is not running")
	}

	event := nostr.Event{
		PubKey:    identity,
		Kind:      tmpl.Kind,
		CreatedAt: tmpl.CreatedAt,
		Content:   tmpl.Content,
		Tags:      tmpl.Tags,
	}
	if event.CreatedAt == 0 {
		event.CreatedAt = nostr.Now()
	}
	if event.Tags == nil {
		event.Tags = nostr.Tags{}
	}
	event.ID = event.GetID()

	res, err := s.signer.Sign(ctx, event.ID, "", s.runtime.SignTimeout())
	if err != nil {
		return "", err
	}
	sig, err := res.Signature()
	if err != nil {
		return "", err
	}
	event.Sig = sig

	signed, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	slog.Info("signed event", "id", env.ID, "kind", event.Kind, "event_id", event.ID)
	return string(signed), nil
}

// runCipher handles the four encryption methods. Params are
// [counterparty_pubkey, payload].
func (s *Service) runCipher(ctx context.Context, env *Envelope) (string, error) {
	if len(env.Params) < 2 {
		return "", fmt.Errorf("%s requires a counterparty and a payload", env.Method)
	}
	peer, payload := env.Params[0], env.Params[1]

	shared, err := s.signer.ECDH(ctx, peer, s.runtime.SignTimeout())
	if err != nil {
		return "", err
	}

	switch env.Method {
	case "nip44_encrypt":
		return EncryptNip44(shared, payload)
	case "nip44_decrypt":
		return DecryptNip44(shared, payload)
	case "nip04_encrypt":
		return EncryptNip04(shared, payload)
	default:
		return DecryptNip04(shared, payload)
	}
}
