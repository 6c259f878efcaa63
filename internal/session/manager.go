package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/agentcore/internal/cache"
	"github.com/kadirpekel/agentcore/internal/errs"
	"github.com/kadirpekel/agentcore/internal/fingerprint"
	"github.com/kadirpekel/agentcore/internal/lock"
	"github.com/kadirpekel/agentcore/internal/logging"
)

const cacheTTL = 5 * time.Minute

func cacheKey(id string) string { return "session:" + id }

// Manager is the Session Manager of spec §4.2: dual-store session state
// with distributed per-session locking and owner enforcement. Every
// externally reachable operation funnels through enforceOwner, the one
// ownership-check code path the design notes require.
type Manager struct {
	durable DurableStore
	cache   cache.Store
	locker  *lock.Locker
	log     *slog.Logger
}

func NewManager(durable DurableStore, c cache.Store, locker *lock.Locker) *Manager {
	return &Manager{durable: durable, cache: c, locker: locker, log: logging.Get()}
}

// CreateRequest is the payload for Create.
type CreateRequest struct {
	Mode     Mode
	Model    string
	ParentID string
	Metadata map[string]any
	Tags     []string
	Title    *string
}

// Create generates the session id, stamps owner_fingerprint = callerFP,
// writes durable first, and mirrors to cache best-effort.
func (m *Manager) Create(ctx context.Context, req CreateRequest, callerFP fingerprint.Fingerprint) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		Mode:             req.Mode,
		Status:           StatusActive,
		OwnerFingerprint: callerFP.Hex(),
		ParentID:         req.ParentID,
		Model:            req.Model,
		CreatedAt:        now,
		UpdatedAt:        now,
		Metadata:         req.Metadata,
		Tags:             req.Tags,
		Title:            req.Title,
	}
	if sess.Metadata == nil {
		sess.Metadata = map[string]any{}
	}

	if err := m.durable.Create(ctx, sess); err != nil {
		switch {
		case err == ErrAlreadyExists:
			return nil, errs.New(errs.AlreadyExists, "ERR_SESSION_EXISTS", "session already exists")
		default:
			if e, ok := errs.As(err); ok {
				return nil, e
			}
			return nil, errs.Wrap(errs.Internal, "ERR_SESSION_CREATE", err, "failed to create session")
		}
	}

	m.writeCacheBestEffort(ctx, sess)
	return sess, nil
}

// Get reads through the cache (self-healing a corrupted entry) and then
// enforces ownership on whatever it found.
func (m *Manager) Get(ctx context.Context, id string, callerFP fingerprint.Fingerprint) (*Session, error) {
	if id == "" {
		return nil, errs.New(errs.Validation, "ERR_SESSION_ID_INVALID", "session id is required")
	}

	sess, err := m.readThrough(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.enforceOwner(sess, callerFP)
}

// readThrough tries cache first; on miss or corruption it falls back to
// durable and best-effort repopulates the cache.
func (m *Manager) readThrough(ctx context.Context, id string) (*Session, error) {
	var cached Session
	err := m.cache.Get(ctx, cacheKey(id), &cached)
	switch {
	case err == nil:
		return &cached, nil
	case err == cache.ErrNotFound:
		// plain miss, fall through to durable
	default:
		// corrupted/undeserializable entry: fail-safe self-heal per spec §4.2.2
		sample := err.Error()
		if len(sample) > 200 {
			sample = sample[:200]
		}
		logging.WithError(m.log, "ERR_CACHE_PARSE_FAILED", id).Warn("cache entry corrupted, healing",
			"sample", sample)
		_ = m.cache.Delete(ctx, cacheKey(id))
	}

	sess, err := m.durable.Get(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return nil, errs.New(errs.NotFound, "ERR_SESSION_NOT_FOUND", "session not found")
		}
		if e, ok := errs.As(err); ok {
			return nil, e
		}
		return nil, errs.Wrap(errs.Internal, "ERR_SESSION_GET", err, "failed to read session")
	}

	m.writeCacheBestEffort(ctx, sess)
	return sess, nil
}

func (m *Manager) writeCacheBestEffort(ctx context.Context, sess *Session) {
	if err := m.cache.Set(ctx, cacheKey(sess.ID), sess, cacheTTL); err != nil {
		m.log.Debug("session cache write failed", "session_id", sess.ID, "error", err)
	}
}

// enforceOwner is the sole ownership-check code path (spec §4.2.4). It
// returns NOT_FOUND, never FORBIDDEN, on mismatch, to avoid a tenant
// existence oracle.
func (m *Manager) enforceOwner(sess *Session, callerFP fingerprint.Fingerprint) (*Session, error) {
	if sess.OwnerFingerprint == "" {
		// Public/anonymous path — reserved for internal callers only; see
		// DESIGN.md Open Question (a). No HTTP handler reaches this branch.
		return sess, nil
	}
	ownerFP, ok := fingerprint.Parse(sess.OwnerFingerprint)
	if !ok || !fingerprint.Equal(ownerFP, callerFP) {
		return nil, errs.New(errs.NotFound, "ERR_SESSION_NOT_FOUND", "session not found")
	}
	return sess, nil
}

// Mutator is a pure function of old session state producing new state, run
// under the session lock by Update.
type Mutator func(*Session) error

// Update acquires the session lock, re-reads authoritative state, checks
// it isn't terminal, applies mutator, writes durable then cache, and
// releases the lock on every exit path.
func (m *Manager) Update(ctx context.Context, id string, callerFP fingerprint.Fingerprint, mutate Mutator) (*Session, error) {
	tok, err := m.locker.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() {
		if relErr := m.locker.Release(context.WithoutCancel(ctx), tok); relErr != nil {
			m.log.Warn("session lock release failed", "session_id", id, "error", relErr)
		}
	}()

	sess, err := m.durable.Get(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return nil, errs.New(errs.NotFound, "ERR_SESSION_NOT_FOUND", "session not found")
		}
		return nil, errs.Wrap(errs.Internal, "ERR_SESSION_GET", err, "failed to read session")
	}
	if _, err := m.enforceOwner(sess, callerFP); err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, errs.New(errs.Terminal, "ERR_SESSION_TERMINAL", "session already completed or errored")
	}

	prevStatus := sess.Status
	if err := mutate(sess); err != nil {
		return nil, err
	}
	if !isAllowedTransition(prevStatus, sess.Status) {
		return nil, errs.New(errs.Validation, "ERR_SESSION_BAD_TRANSITION", "invalid status transition")
	}
	sess.UpdatedAt = time.Now().UTC()

	if err := m.durable.Update(ctx, sess); err != nil {
		if err == ErrNotFound {
			return nil, errs.New(errs.NotFound, "ERR_SESSION_NOT_FOUND", "session not found")
		}
		if e, ok := errs.As(err); ok {
			return nil, e
		}
		return nil, errs.Wrap(errs.Internal, "ERR_SESSION_UPDATE", err, "failed to update session")
	}
	m.writeCacheBestEffort(ctx, sess)
	return sess, nil
}

// isAllowedTransition enforces the spec's status-transition invariant:
// only active->active, active->completed, active->error.
func isAllowedTransition(from, to Status) bool {
	if from == to && from == StatusActive {
		return true
	}
	return from == StatusActive && (to == StatusCompleted || to == StatusError)
}

// Delete locks, checks ownership, removes the durable row (cascading the
// transcript) and the cache entry. Idempotent: a second call returns
// NOT_FOUND, never any other error.
func (m *Manager) Delete(ctx context.Context, id string, callerFP fingerprint.Fingerprint) error {
	tok, err := m.locker.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := m.locker.Release(context.WithoutCancel(ctx), tok); relErr != nil {
			m.log.Warn("session lock release failed", "session_id", id, "error", relErr)
		}
	}()

	sess, err := m.durable.Get(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return errs.New(errs.NotFound, "ERR_SESSION_NOT_FOUND", "session not found")
		}
		return errs.Wrap(errs.Internal, "ERR_SESSION_GET", err, "failed to read session")
	}
	if _, err := m.enforceOwner(sess, callerFP); err != nil {
		return err
	}

	if err := m.durable.Delete(ctx, id); err != nil {
		if err == ErrNotFound {
			return errs.New(errs.NotFound, "ERR_SESSION_NOT_FOUND", "session not found")
		}
		return errs.Wrap(errs.Internal, "ERR_SESSION_DELETE", err, "failed to delete session")
	}
	if err := m.cache.Delete(ctx, cacheKey(id)); err != nil {
		m.log.Debug("session cache delete failed", "session_id", id, "error", err)
	}
	return nil
}

// List delegates every filter to the durable store's query layer.
func (m *Manager) List(ctx context.Context, callerFP fingerprint.Fingerprint, filters ListFilters, page Page) ([]*Session, int, error) {
	sessions, total, err := m.durable.List(ctx, callerFP.Hex(), filters, page)
	if err != nil {
		if e, ok := errs.As(err); ok {
			return nil, 0, e
		}
		return nil, 0, errs.Wrap(errs.Internal, "ERR_SESSION_LIST", err, "failed to list sessions")
	}
	return sessions, total, nil
}

// Promote attaches the session to project_id, going through the same
// lock/ownership/mutator path as Update. A no-op when project_id already
// matches (DESIGN.md Open Question (c)).
func (m *Manager) Promote(ctx context.Context, id, projectID string, callerFP fingerprint.Fingerprint) (*Session, error) {
	return m.Update(ctx, id, callerFP, func(s *Session) error {
		if s.Metadata == nil {
			s.Metadata = map[string]any{}
		}
		if existing, _ := s.Metadata["project_id"].(string); existing == projectID {
			return nil // already promoted to this project: no-op
		}
		s.Metadata["project_id"] = projectID
		return nil
	})
}

// UpdateTags replaces a session's tags wholesale, preserving insertion order.
func (m *Manager) UpdateTags(ctx context.Context, id string, tags []string, callerFP fingerprint.Fingerprint) (*Session, error) {
	return m.Update(ctx, id, callerFP, func(s *Session) error {
		s.Tags = append([]string{}, tags...)
		return nil
	})
}

// AppendTranscript persists one transcript entry, assigning the next dense
// sequence number for the session.
func (m *Manager) AppendTranscript(ctx context.Context, sessionID string, role Role, content any) error {
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("session: marshal transcript content: %w", err)
	}
	seq, err := m.durable.NextSeq(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session: next transcript seq: %w", err)
	}
	return m.durable.AppendTranscript(ctx, TranscriptEntry{
		SessionID: sessionID,
		Seq:       seq,
		Role:      role,
		Content:   data,
		CreatedAt: time.Now().UTC(),
	})
}

// Transcript returns up to limit entries with seq > after.
func (m *Manager) Transcript(ctx context.Context, id string, callerFP fingerprint.Fingerprint, after, limit int) ([]TranscriptEntry, error) {
	if _, err := m.Get(ctx, id, callerFP); err != nil {
		return nil, err
	}
	entries, err := m.durable.ListTranscript(ctx, id, after, limit)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "ERR_TRANSCRIPT_LIST", err, "failed to list transcript")
	}
	return entries, nil
}
