// Package lock implements the Session Manager's distributed per-session
// lock atop the cache store's set-if-absent-with-TTL primitive.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/kadirpekel/agentcore/internal/cache"
	"github.com/kadirpekel/agentcore/internal/errs"
)

// Config carries the exact backoff formula mandated by the spec: initial
// delay, growth factor, cap, and total wait budget.
type Config struct {
	TTL            time.Duration
	InitialBackoff time.Duration
	Factor         float64
	MaxBackoff     time.Duration
	MaxWait        time.Duration
}

// DefaultConfig returns the spec's literal numbers: 30s TTL, 10ms initial
// backoff, factor 2, 1s cap, 15s max total wait.
func DefaultConfig() Config {
	return Config{
		TTL:            30 * time.Second,
		InitialBackoff: 10 * time.Millisecond,
		Factor:         2,
		MaxBackoff:     time.Second,
		MaxWait:        15 * time.Second,
	}
}

// Token identifies one held lock, so Release never clobbers a lock
// acquired by a different holder after this one's TTL expired.
type Token struct {
	SessionID string
	HolderID  string
}

// Locker acquires and releases per-session locks.
type Locker struct {
	store  cache.Store
	cfg    Config
	policy Policy
}

// Policy controls what happens when the cache store itself is unreachable.
type Policy string

const (
	// SingleInstance proceeds without a lock (logged) when the cache is down.
	SingleInstance Policy = "single-instance"
	// Distributed treats a cache-unavailable lock attempt as fatal.
	Distributed Policy = "distributed"
)

func New(store cache.Store, cfg Config, policy Policy) *Locker {
	return &Locker{store: store, cfg: cfg, policy: policy}
}

func lockKey(sessionID string) string {
	return "lock:session:" + sessionID
}

func newHolderID() string {
	b := make([]byte, 16) // 128-bit, per the Lock Token data model
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Acquire attempts to take the lock for sessionID, retrying with
// exponential backoff and bounded additive jitter until it succeeds or
// the max-wait budget is exhausted (errs.Locked, 409).
//
// If the cache is unreachable: single-instance policy proceeds without a
// lock (the caller gets a nil Token and must treat the absence of an
// error as "unlocked, proceed"); distributed policy returns
// errs.Unavailable.
func (l *Locker) Acquire(ctx context.Context, sessionID string) (*Token, error) {
	holder := newHolderID()
	key := lockKey(sessionID)
	encoded, err := json.Marshal(holder)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "ERR_LOCK_ENCODE", err, "failed to encode lock holder")
	}

	delay := l.cfg.InitialBackoff
	deadline := time.Now().Add(l.cfg.MaxWait)

	for {
		ok, err := l.store.SetNX(ctx, key, holder, l.cfg.TTL)
		if err != nil {
			if l.policy == SingleInstance {
				return nil, nil
			}
			return nil, errs.Wrap(errs.Unavailable, "ERR_LOCK_CACHE_DOWN", err, "cache store unavailable")
		}
		if ok {
			return &Token{SessionID: sessionID, HolderID: string(encoded)}, nil
		}

		if time.Now().After(deadline) {
			return nil, errs.New(errs.Locked, "ERR_LOCK_TIMEOUT", "session is locked by another holder")
		}

		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.Unavailable, "ERR_LOCK_CANCELED", ctx.Err(), "lock wait canceled")
		case <-time.After(withJitter(delay)):
		}

		delay = time.Duration(math.Min(float64(delay)*l.cfg.Factor, float64(l.cfg.MaxBackoff)))
	}
}

// withJitter adds additive jitter in [0, 0.5*d) to the base delay.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	maxJitter := d / 2
	if maxJitter <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(maxJitter)))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64())
}

// Release compare-and-deletes the lock, only removing it if tok is still
// the current holder, so it never releases a lock someone else acquired
// after this one's TTL expired.
func (l *Locker) Release(ctx context.Context, tok *Token) error {
	if tok == nil {
		return nil // single-instance "no lock taken" path
	}
	// The store holds the holder id as SetNX wrote it: JSON-encoded.
	encoded, err := json.Marshal(tok.HolderID)
	if err != nil {
		return errs.Wrap(errs.Internal, "ERR_LOCK_ENCODE", err, "failed to encode lock holder")
	}
	_, err = l.store.DeleteIfEquals(ctx, lockKey(tok.SessionID), string(encoded))
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", tok.SessionID, err)
	}
	return nil
}
