package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentcore/internal/cache"
	"github.com/kadirpekel/agentcore/internal/errs"
	"github.com/kadirpekel/agentcore/internal/fingerprint"
	"github.com/kadirpekel/agentcore/internal/lock"
	"github.com/kadirpekel/agentcore/internal/memory"
	"github.com/kadirpekel/agentcore/internal/runtime"
	"github.com/kadirpekel/agentcore/internal/session"
)

// fakeDurableStore and fakeCacheStore below are minimal in-memory doubles,
// independent of session's own test fakes, so orchestrator tests exercise
// the real session.Manager without a live database or Redis.

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

// fakeMemoryBackend is a minimal in-memory memory.Backend double.
type fakeMemoryBackend struct {
	mu      sync.Mutex
	added   [][]memory.Turn
	failAdd bool
}

func (f *fakeMemoryBackend) Add(_ context.Context, _ string, turns []memory.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd {
		return assert.AnError
	}
	f.added = append(f.added, turns)
	return nil
}

func (f *fakeMemoryBackend) Search(_ context.Context, _, _ string, _ int, _ bool) ([]memory.Hit, error) {
	return nil, nil
}

func (f *fakeMemoryBackend) Get(_ context.Context, _ string) (*memory.Record, error) {
	return nil, nil
}

func (f *fakeMemoryBackend) Delete(_ context.Context, _ string) error { return nil }

func newTestOrchestrator(rt runtime.AgentRuntime, mem *memory.Adapter, memoryEnabled, extractionOn bool) *Orchestrator {
	durable := newFakeDurableStore()
	c := newFakeCacheStore()
	locker := lock.New(c, lock.DefaultConfig(), lock.Distributed)
	sessions := session.NewManager(durable, c, locker)
	return New(sessions, mem, rt, fingerprint.New(), memoryEnabled, extractionOn)
}

func TestSingleCreatesSessionFromInitEvent(t *testing.T) {
	rt := runtime.NewMock()
	rt.Script = []runtime.ScriptedEvent{
		{Event: &runtime.Event{Kind: runtime.KindInit, SessionID: "rt-assigned-1"}},
		{Event: &runtime.Event{Kind: runtime.KindMessage, Message: "hello"}},
		{Event: &runtime.Event{Kind: runtime.KindResult, TurnCount: 1, CostUSD: 0.01}},
		{Event: &runtime.Event{Kind: runtime.KindDone}},
	}

	o := newTestOrchestrator(rt, memory.NilAdapter(), false, false)

	result, err := o.Single(context.Background(), Query{Prompt: "hi", CallerKey: "caller-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, "hello", result.Message)
	assert.Equal(t, 1, result.TotalTurns)
	assert.InDelta(t, 0.01, result.TotalCost, 0.0001)
	assert.Empty(t, result.ExtractionError)
}

func TestSingleRuntimeErrorSurfacesAsRuntimeUnavailable(t *testing.T) {
	rt := runtime.NewMock()
	rt.Script = []runtime.ScriptedEvent{
		{Event: &runtime.Event{Kind: runtime.KindInit, SessionID: "rt-assigned-2"}},
		{Err: assert.AnError},
	}
	o := newTestOrchestrator(rt, memory.NilAdapter(), false, false)

	_, err := o.Single(context.Background(), Query{Prompt: "hi", CallerKey: "caller-2"})
	require.Error(t, err)
	assert.Equal(t, errs.RuntimeUnavailable, errs.KindOf(err))
}

func TestSingleReportsExtractionFailureWithoutDroppingResult(t *testing.T) {
	rt := runtime.NewMock()
	rt.Script = []runtime.ScriptedEvent{
		{Event: &runtime.Event{Kind: runtime.KindInit, SessionID: "rt-assigned-3"}},
		{Event: &runtime.Event{Kind: runtime.KindMessage, Message: "hi there"}},
		{Event: &runtime.Event{Kind: runtime.KindDone}},
	}
	backend := &fakeMemoryBackend{failAdd: true}
	o := newTestOrchestrator(rt, memory.NewAdapter(backend), false, true)

	result, err := o.Single(context.Background(), Query{Prompt: "hi", CallerKey: "caller-3"})
	require.NoError(t, err)
	assert.Equal(t, "memory extraction failed", result.ExtractionError)
}

func TestStreamForwardsEventsToSink(t *testing.T) {
	rt := runtime.NewMock()
	rt.Script = []runtime.ScriptedEvent{
		{Event: &runtime.Event{Kind: runtime.KindInit, SessionID: "rt-assigned-4"}},
		{Event: &runtime.Event{Kind: runtime.KindMessage, Message: "chunk-1"}},
		{Event: &runtime.Event{Kind: runtime.KindMessage, Message: "chunk-2"}},
		{Event: &runtime.Event{Kind: runtime.KindDone}},
	}
	o := newTestOrchestrator(rt, memory.NilAdapter(), false, false)

	var received []runtime.Kind
	err := o.Stream(context.Background(), Query{Prompt: "hi", CallerKey: "caller-4"}, func(ev *runtime.Event) bool {
		received = append(received, ev.Kind)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []runtime.Kind{runtime.KindInit, runtime.KindMessage, runtime.KindMessage, runtime.KindDone}, received)
}

func TestStreamCancellationSuppressesExtraction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := runtime.NewMock()
	rt.Script = []runtime.ScriptedEvent{
		{Event: &runtime.Event{Kind: runtime.KindInit, SessionID: "rt-assigned-5"}},
		{Event: &runtime.Event{Kind: runtime.KindMessage, Message: "partial"}},
		{Event: &runtime.Event{Kind: runtime.KindMessage, Message: "more"}},
		{Event: &runtime.Event{Kind: runtime.KindDone}},
	}
	backend := &fakeMemoryBackend{}
	o := newTestOrchestrator(rt, memory.NewAdapter(backend), false, true)

	first := true
	err := o.Stream(ctx, Query{Prompt: "hi", CallerKey: "caller-5"}, func(ev *runtime.Event) bool {
		if first {
			first = false
			cancel()
		}
		return true
	})
	require.NoError(t, err, "a disconnected caller is not itself a pipeline failure")
	assert.Empty(t, backend.added, "extraction must be suppressed on cancellation")
}

func TestStreamSessionResolveFailureEmitsErrorAndDone(t *testing.T) {
	rt := runtime.NewMock()
	o := newTestOrchestrator(rt, memory.NilAdapter(), false, false)

	var received []runtime.Kind
	err := o.Stream(context.Background(), Query{Prompt: "hi", SessionID: "missing-session", CallerKey: "caller-6"}, func(ev *runtime.Event) bool {
		received = append(received, ev.Kind)
		return true
	})
	require.Error(t, err)
	assert.Equal(t, []runtime.Kind{runtime.KindError, runtime.KindDone}, received)
	assert.Empty(t, rt.Calls, "the runtime must never be invoked once session resolution fails")
}

func TestStreamRuntimeErrorEmitsErrorAndDone(t *testing.T) {
	rt := runtime.NewMock()
	rt.Script = []runtime.ScriptedEvent{
		{Event: &runtime.Event{Kind: runtime.KindInit, SessionID: "rt-assigned-7"}},
		{Err: assert.AnError},
	}
	o := newTestOrchestrator(rt, memory.NilAdapter(), false, false)

	var received []runtime.Kind
	err := o.Stream(context.Background(), Query{Prompt: "hi", CallerKey: "caller-7"}, func(ev *runtime.Event) bool {
		received = append(received, ev.Kind)
		return true
	})
	require.Error(t, err)
	assert.Equal(t, []runtime.Kind{runtime.KindInit, runtime.KindError, runtime.KindDone}, received)
}
