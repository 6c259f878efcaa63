package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kadirpekel/agentcore/internal/cache"
)

// fakeCacheStore is an in-memory cache.Store for exercising the Manager's
// read-through/self-heal/lock behavior without a live Redis instance.
type fakeCacheStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeCacheStore() *fakeCacheStore {
	return &fakeCacheStore{data: map[string]string{}}
}

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

// corrupt writes an undeserializable entry to key, to exercise the
// self-heal code path in readThrough.
func (f *fakeCacheStore) corrupt(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = "{not valid json"
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

func (f *fakeCacheStore) Close() error { return nil }
