package fingerprint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintIsDeterministic(t *testing.T) {
	h := New()
	a := h.Fingerprint("key-1")
	b := h.Fingerprint("key-1")
	assert.Equal(t, a, b)
}

func TestFingerprintDiffersByKey(t *testing.T) {
	h := New()
	a := h.Fingerprint("key-1")
	b := h.Fingerprint("key-2")
	assert.NotEqual(t, a, b)
}

func TestHexRoundTripsThroughParse(t *testing.T) {
	h := New()
	fp := h.Fingerprint("key-1")

	parsed, ok := Parse(fp.Hex())
	assert.True(t, ok)
	assert.True(t, Equal(fp, parsed))
}

func TestParseRejectsMalformedHex(t *testing.T) {
	_, ok := Parse("not-hex")
	assert.False(t, ok)

	_, ok = Parse("ab")
	assert.False(t, ok, "too short for Size bytes")
}

func TestEqualIsConstantTimeSemanticallyCorrect(t *testing.T) {
	h := New()
	a := h.Fingerprint("key-1")
	b := h.Fingerprint("key-1")
	c := h.Fingerprint("key-2")

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
}

func TestRequestCacheMemoizesWithinRequest(t *testing.T) {
	h := New()
	rc := NewRequestCache(h)

	a := rc.Fingerprint("key-1")
	b := rc.Fingerprint("key-1")
	assert.Equal(t, a, b)
	assert.Equal(t, h.Fingerprint("key-1"), a)
}

func TestFingerprintFromContextUsesAttachedCache(t *testing.T) {
	h := New()
	rc := NewRequestCache(h)
	ctx := WithRequestCache(context.Background(), rc)

	fp := FingerprintFromContext(ctx, h, "key-1")
	assert.Equal(t, h.Fingerprint("key-1"), fp)
	assert.Equal(t, rc.Fingerprint("key-1"), fp)
}

func TestFingerprintFromContextFallsBackWithoutCache(t *testing.T) {
	h := New()
	fp := FingerprintFromContext(context.Background(), h, "key-1")
	assert.Equal(t, h.Fingerprint("key-1"), fp)
}
