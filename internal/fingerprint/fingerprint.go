// Package fingerprint implements the Credential Hasher: a deterministic,
// one-way transform from a caller's API key to an opaque tenant identifier
// used everywhere downstream (ownership records, memory scoping, log
// fields) instead of the plaintext key.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Size is the length in bytes of a fingerprint.
const Size = sha256.Size

// Fingerprint is the opaque, constant-size hash of an API key.
type Fingerprint [Size]byte

// Hex returns the hex-encoded fingerprint, the form logged per the
// fingerprint-in-logs rule.
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

// Equal performs a constant-time comparison of two fingerprints.
func Equal(a, b Fingerprint) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// Hasher computes fingerprints. It holds no state of its own: spec §4.1
// requires the implementation to cache per-process to amortize cost
// across the several checks one request can trigger, but also forbids a
// plaintext key ever persisting beyond that request. A Hasher shared across
// the process's whole lifetime (as cmd/agentcore wires it) can satisfy one
// requirement or the other, never both, so it does not cache — callers that
// need the amortization open a RequestCache scoped to one request instead.
type Hasher struct{}

// New returns a stateless Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Fingerprint computes the fingerprint of an API key. Identical input
// always yields identical output.
func (h *Hasher) Fingerprint(apiKey string) Fingerprint {
	return Fingerprint(sha256.Sum256([]byte(apiKey)))
}

// RequestCache memoizes Fingerprint for the lifetime of a single request —
// the "multiple checks in one request" case spec §4.1 asks to amortize
// (auth middleware, then the orchestrator's own authenticate step). Discard
// it when the request ends; nothing here must outlive that scope.
type RequestCache struct {
	hasher *Hasher
	cache  *lru.Cache[string, Fingerprint]
}

// requestCacheSize only needs to cover the handful of distinct API keys a
// single request's own pipeline can present (in practice exactly one).
const requestCacheSize = 8

// NewRequestCache returns a RequestCache backed by hasher.
func NewRequestCache(hasher *Hasher) *RequestCache {
	c, _ := lru.New[string, Fingerprint](requestCacheSize)
	return &RequestCache{hasher: hasher, cache: c}
}

// Fingerprint returns the cached fingerprint for apiKey within this
// request, computing and caching it on first use.
func (c *RequestCache) Fingerprint(apiKey string) Fingerprint {
	if fp, ok := c.cache.Get(apiKey); ok {
		return fp
	}
	fp := c.hasher.Fingerprint(apiKey)
	c.cache.Add(apiKey, fp)
	return fp
}

type requestCacheCtxKey struct{}

// WithRequestCache attaches c to ctx so downstream pipeline steps reuse it
// instead of rehashing, without it ever outliving the request ctx belongs to.
func WithRequestCache(ctx context.Context, c *RequestCache) context.Context {
	return context.WithValue(ctx, requestCacheCtxKey{}, c)
}

// FingerprintFromContext looks up the RequestCache attached to ctx (if any)
// and uses it to compute apiKey's fingerprint, falling back to hasher
// directly when ctx carries none (e.g. a call outside the HTTP request path).
func FingerprintFromContext(ctx context.Context, hasher *Hasher, apiKey string) Fingerprint {
	if c, ok := ctx.Value(requestCacheCtxKey{}).(*RequestCache); ok {
		return c.Fingerprint(apiKey)
	}
	return hasher.Fingerprint(apiKey)
}

// Parse decodes a hex-encoded fingerprint, as stored in the durable store's
// owner_fingerprint column.
func Parse(hexStr string) (Fingerprint, bool) {
	var fp Fingerprint
	b, err := hex.DecodeString(hexStr)
	if err != nil || len(b) != Size {
		return fp, false
	}
	copy(fp[:], b)
	return fp, true
}
