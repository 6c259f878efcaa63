package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentcore/internal/cache"
	"github.com/kadirpekel/agentcore/internal/fingerprint"
	"github.com/kadirpekel/agentcore/internal/lock"
	"github.com/kadirpekel/agentcore/internal/memory"
	"github.com/kadirpekel/agentcore/internal/orchestrator"
	"github.com/kadirpekel/agentcore/internal/runtime"
	"github.com/kadirpekel/agentcore/internal/session"
)

// Minimal in-memory doubles for DurableStore/Store, mirroring the ones used
// by the orchestrator and session packages, so the HTTP surface can be
// exercised end to end without a live database or Redis.

type fakeDurableStore struct {
	mu          sync.Mutex
	sessions    map[string]*session.Session
	transcripts map[string][]session.TranscriptEntry
}

func newFakeDurableStore() *fakeDurableStore {
	return &fakeDurableStore{sessions: map[string]*session.Session{}, transcripts: map[string][]session.TranscriptEntry{}}
}

func (f *fakeDurableStore) Create(_ context.Context, s *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeDurableStore) Get(_ context.Context, id string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeDurableStore) Update(_ context.Context, s *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[s.ID]; !ok {
		return session.ErrNotFound
	}
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeDurableStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return session.ErrNotFound
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeDurableStore) AppendTranscript(_ context.Context, entry session.TranscriptEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts[entry.SessionID] = append(f.transcripts[entry.SessionID], entry)
	return nil
}

func (f *fakeDurableStore) ListTranscript(_ context.Context, sessionID string, after, limit int) ([]session.TranscriptEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcripts[sessionID], nil
}

func (f *fakeDurableStore) NextSeq(_ context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transcripts[sessionID]), nil
}

func (f *fakeDurableStore) List(_ context.Context, _ string, _ session.ListFilters, _ session.Page) ([]*session.Session, int, error) {
	return nil, 0, nil
}

func (f *fakeDurableStore) Ping(_ context.Context) error { return nil }
func (f *fakeDurableStore) Close() error                 { return nil }

type fakeCacheStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeCacheStore() *fakeCacheStore { return &fakeCacheStore{data: map[string]string{}} }

func (f *fakeCacheStore) Get(_ context.Context, key string, target any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return cache.ErrNotFound
	}
	return json.Unmarshal([]byte(v), target)
}

func (f *fakeCacheStore) Set(_ context.Context, key string, value any, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = string(data)
	return nil
}

func (f *fakeCacheStore) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeCacheStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.data[key]; exists {
		return false, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	f.data[key] = string(data)
	return true, nil
}

func (f *fakeCacheStore) DeleteIfEquals(_ context.Context, key, expected string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[key] != expected {
		return false, nil
	}
	delete(f.data, key)
	return true, nil
}

func (f *fakeCacheStore) Ping(_ context.Context) error { return nil }
func (f *fakeCacheStore) Close() error                 { return nil }

func newTestRouter(t *testing.T, rt runtime.AgentRuntime) (http.Handler, *fakeDurableStore) {
	t.Helper()
	durable := newFakeDurableStore()
	c := newFakeCacheStore()
	locker := lock.New(c, lock.DefaultConfig(), lock.Distributed)
	sessions := session.NewManager(durable, c, locker)
	hasher := fingerprint.New()
	orch := orchestrator.New(sessions, memory.NilAdapter(), rt, hasher, false, false)
	h := NewHandlers(orch, sessions, durable, c, hasher)
	return NewRouter(h, time.Second*5), durable
}

func TestQuerySingleMissingAPIKeyReturns401(t *testing.T) {
	router, _ := newTestRouter(t, runtime.NewMock())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query/single", bytes.NewBufferString(`{"prompt":"hi"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQuerySingleMissingPromptReturns422(t *testing.T) {
	router, _ := newTestRouter(t, runtime.NewMock())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query/single", bytes.NewBufferString(`{}`))
	req.Header.Set("X-API-Key", "caller-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "VALIDATION", body.Error.Code)
}

func TestQuerySingleHappyPath(t *testing.T) {
	rt := runtime.NewMock()
	rt.Script = []runtime.ScriptedEvent{
		{Event: &runtime.Event{Kind: runtime.KindInit, SessionID: "rt-1"}},
		{Event: &runtime.Event{Kind: runtime.KindMessage, Message: "hello there"}},
		{Event: &runtime.Event{Kind: runtime.KindDone}},
	}
	router, _ := newTestRouter(t, rt)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query/single", bytes.NewBufferString(`{"prompt":"hi"}`))
	req.Header.Set("X-API-Key", "caller-2")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "hello there", body["message"])
	assert.NotEmpty(t, body["session_id"])
}

func TestGetSessionUnownedReturns404(t *testing.T) {
	router, durable := newTestRouter(t, runtime.NewMock())

	hasher := fingerprint.New()
	owner := hasher.Fingerprint("owner-key")
	sess := &session.Session{Mode: session.ModeCode, Status: session.StatusActive, OwnerFingerprint: owner.Hex()}
	require.NoError(t, durable.Create(context.Background(), sess))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+sess.ID, nil)
	req.Header.Set("X-API-Key", "someone-else")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzOK(t *testing.T) {
	router, _ := newTestRouter(t, runtime.NewMock())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
