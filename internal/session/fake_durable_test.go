package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// fakeDurableStore is an in-memory DurableStore used by manager tests so
// they exercise locking/ownership/transition logic without a live database.
type fakeDurableStore struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	transcripts map[string][]TranscriptEntry
}

func newFakeDurableStore() *fakeDurableStore {
	return &fakeDurableStore{
		sessions:    map[string]*Session{},
		transcripts: map[string][]TranscriptEntry{},
	}
}

func (f *fakeDurableStore) Create(_ context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, exists := f.sessions[s.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeDurableStore) Get(_ context.Context, id string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeDurableStore) Update(_ context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeDurableStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(f.sessions, id)
	delete(f.transcripts, id)
	return nil
}

func (f *fakeDurableStore) AppendTranscript(_ context.Context, entry TranscriptEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts[entry.SessionID] = append(f.transcripts[entry.SessionID], entry)
	return nil
}

func (f *fakeDurableStore) ListTranscript(_ context.Context, sessionID string, after, limit int) ([]TranscriptEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []TranscriptEntry
	for _, e := range f.transcripts[sessionID] {
		if e.Seq > after {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeDurableStore) NextSeq(_ context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transcripts[sessionID]), nil
}

func (f *fakeDurableStore) List(_ context.Context, ownerFP string, filters ListFilters, page Page) ([]*Session, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []*Session
	for _, s := range f.sessions {
		if s.OwnerFingerprint != ownerFP {
			continue
		}
		if filters.Mode != "" && string(s.Mode) != filters.Mode {
			continue
		}
		if filters.Status != "" && string(s.Status) != filters.Status {
			continue
		}
		cp := *s
		matched = append(matched, &cp)
	}
	total := len(matched)
	page = page.Normalize()
	start := (page.Number - 1) * page.Size
	if start >= len(matched) {
		return []*Session{}, total, nil
	}
	end := start + page.Size
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (f *fakeDurableStore) Ping(_ context.Context) error { return nil }

func (f *fakeDurableStore) Close() error { return nil }
