// Package artifact stores derived document outputs (extracted text CSVs,
// analysis JSON) in object storage and hands out short-lived download URLs.
package artifact

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultPresignTTL is how long a download URL stays valid. Kept short so
// leaked result URLs expire quickly.
const DefaultPresignTTL = 5 * time.Minute

// Store is the object storage surface the rest of the system uses.
type Store interface {
	// Put writes body under key, overwriting any existing object. Writes
	// are idempotent for a fixed key and content.
	Put(ctx context.Context, key, contentType string, body []byte) error
	// Get reads an object back. Returns an error when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Presign returns a time-limited GET URL for key.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// MemStore is an in-memory Store for tests. FailPuts makes the next N Put
// calls fail, to exercise retry paths.
type MemStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	putCount map[string]int
	FailPuts int
}

func NewMemStore() *MemStore {
	return &MemStore{
		objects:  make(map[string][]byte),
		putCount: make(map[string]int),
	}
}

func (m *MemStore) Put(ctx context.Context, key, contentType string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts > 0 {
		m.FailPuts--
		return fmt.Errorf("injected put failure for %s", key)
	}
	m.objects[key] = append([]byte(nil), body...)
	m.putCount[key]++
	return nil
}

func (m *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return append([]byte(nil), b...), nil
}

func (m *MemStore) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", fmt.Errorf("object %s not found", key)
	}
	return fmt.Sprintf("mem://%s?ttl=%d", key, int(ttl.Seconds())), nil
}

// Object returns a stored object, for test assertions.
func (m *MemStore) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return b, ok
}

// Puts returns how many times key was written, for test assertions.
func (m *MemStore) Puts(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putCount[key]
}
