package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/agentcore/internal/cache"
)

// fakeStore is an in-process cache.Store used to test the lock package
// without a live Redis instance.
type fakeStore struct {
	mu   sync.Mutex
	data map[string]string
	down bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]string{}}
}

func (f *fakeStore) Get(_ context.Context, key string, target any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return fmt.Errorf("fake store down")
	}
	v, ok := f.data[key]
	if !ok {
		return cache.ErrNotFound
	}
	return json.Unmarshal([]byte(v), target)
}

func (f *fakeStore) Set(_ context.Context, key string, value any, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return fmt.Errorf("fake store down")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = string(data)
	return nil
}

func (f *fakeStore) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false, fmt.Errorf("fake store down")
	}
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

// DeleteIfEquals mirrors the Redis Lua script: it compares the raw stored
// bytes to expected directly, the same bytes SetNX stored (both sides went
// through one json.Marshal of the holder string).
func (f *fakeStore) DeleteIfEquals(_ context.Context, key, expected string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[key] != expected {
		return false, nil
	}
	delete(f.data, key)
	return true, nil
}

func (f *fakeStore) Ping(_ context.Context) error {
	if f.down {
		return fmt.Errorf("fake store down")
	}
	return nil
}

func (f *fakeStore) Close() error { return nil }
