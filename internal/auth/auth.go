// Package auth resolves bearer tokens to scoped principals for the HTTP API.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"
)

// Scopes understood by the API. A "x:rw" grant implies "x:ro".
const (
	ScopeAll      = "*"
	ScopeStatusRO = "status:ro"
	ScopeEventsRO = "events:ro"
	ScopeJobsRO   = "jobs:ro"
	ScopeBusRW    = "bus:rw"
)

var (
	ErrMissingHeader = errors.New("missing Authorization header")
	ErrBadHeader     = errors.New("invalid Authorization header format")
	ErrMissingToken  = errors.New("missing API key")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller. ID is a short digest of the token,
// safe to log.
type Principal struct {
	ID     string
	scopes map[string]struct{}
}

// Allows reports whether p holds any of required. No requirement always
// passes.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.scopes[s]; ok {
			return true
		}
	}
	return false
}

// Scopes returns the granted scopes, implied ones included.
func (p Principal) Scopes() []string {
	out := make([]string, 0, len(p.scopes))
	for s := range p.scopes {
		out = append(out, s)
	}
	return out
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
// The scheme is matched case-insensitively.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingHeader
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrBadHeader
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

type key struct {
	digest [32]byte
	scopes map[string]struct{}
}

// Keyring holds the configured tokens as digests. Lookups compare
// fixed-length digests in constant time.
type Keyring struct {
	keys []key
}

// NewKeyring builds a keyring from the admin key, which gets scope "*", and
// the scoped tokens. Empty tokens are skipped.
func NewKeyring(adminKey string, tokens []TokenConfig) *Keyring {
	k := &Keyring{}
	if adminKey != "" {
		k.keys = append(k.keys, key{digest: blake3.Sum256([]byte(adminKey)), scopes: map[string]struct{}{ScopeAll: {}}})
	}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		k.keys = append(k.keys, key{digest: blake3.Sum256([]byte(t.Token)), scopes: expandScopes(t.Scopes)})
	}
	return k
}

// Lookup resolves a presented token. Every key is compared so timing does
// not reveal which one matched.
func (k *Keyring) Lookup(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	d := blake3.Sum256([]byte(presented))
	match := -1
	for i := range k.keys {
		if subtle.ConstantTimeCompare(d[:], k.keys[i].digest[:]) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return Principal{}, false
	}
	return Principal{ID: hex.EncodeToString(d[:4]), scopes: k.keys[match].scopes}, true
}

func (k *Keyring) Len() int { return len(k.keys) }

func expandScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
		if resource, ok := strings.CutSuffix(s, ":rw"); ok {
			out[resource+":ro"] = struct{}{}
		}
	}
	return out
}
