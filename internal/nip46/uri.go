// Package nip46 implements the Nostr Connect remote-signer service: a relay
// agent bound to a per-user transport keypair, session onboarding, a
// persistent request queue with policy-driven auto-approval, and dispatch of
// approved requests to the threshold signer.
package nip46

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/glacierhq/frostd/internal/peers"
)

// ErrInvalidConnectString rejects malformed nostrconnect:// input.
var ErrInvalidConnectString = errors.New("nip46: invalid connect string")

// Profile is the client-supplied application metadata.
type Profile struct {
	Name  string `json:"name,omitempty"`
	URL   string `json:"url,omitempty"`
	Image string `json:"image,omitempty"`
}

// Policy describes what a session may do without operator review.
type Policy struct {
	Methods map[string]bool `json:"methods"`
	Kinds   map[string]bool `json:"kinds"`
}

// DefaultPolicy enables the standard remote-signer surface. NIP-04 stays off
// until an operator opts in.
func DefaultPolicy() Policy {
	return Policy{
		Methods: map[string]bool{
			"sign_event":     true,
			"get_public_key": true,
			"nip44_encrypt":  true,
			"nip44_decrypt":  true,
		},
		Kinds: map[string]bool{},
	}
}

// Allows reports whether a request may be auto-approved. sign_event demands
// a kind grant on top of the method grant.
func (p Policy) Allows(method string, kind int) bool {
	if !p.Methods[method] {
		return false
	}
	if method != "sign_event" {
		return true
	}
	return p.Kinds["*"] || p.Kinds[fmt.Sprint(kind)]
}

// ConnectRequest is the decoded form of a nostrconnect:// URI.
type ConnectRequest struct {
	ClientPubkey string
	Relays       []string
	Secret       string
	Profile      Profile
	Policy       Policy
}

// ParseConnectURI decodes a nostrconnect://<client-pubkey>?... onboarding URI.
func ParseConnectURI(raw string) (*ConnectRequest, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "nostrconnect" {
		return nil, ErrInvalidConnectString
	}

	pubkey, err := peers.Normalize(u.Host)
	if err != nil {
		return nil, ErrInvalidConnectString
	}

	q := u.Query()
	cr := &ConnectRequest{
		ClientPubkey: pubkey,
		Secret:       q.Get("secret"),
		Profile: Profile{
			Name:  q.Get("name"),
			URL:   q.Get("url"),
			Image: q.Get("image"),
		},
		Policy: DefaultPolicy(),
	}

	for _, r := range q["relay"] {
		r = strings.TrimSpace(r)
		if strings.HasPrefix(r, "ws://") || strings.HasPrefix(r, "wss://") {
			cr.Relays = append(cr.Relays, r)
		}
	}

	// perms is a comma-separated list of method grants; sign_event may carry
	// a kind qualifier as "sign_event:1".
	if perms := q.Get("perms"); perms != "" {
		for _, perm := range strings.Split(perms, ",") {
			perm = strings.TrimSpace(perm)
			if perm == "" {
				continue
			}
			if method, kind, found := strings.Cut(perm, ":"); found && method == "sign_event" {
				cr.Policy.Methods["sign_event"] = true
				cr.Policy.Kinds[kind] = true
			} else {
				cr.Policy.Methods[perm] = true
			}
		}
	}

	return cr, nil
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
