package storage

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ErrKeyNotFound is returned by Store.Get for an absent key.
var ErrKeyNotFound = errors.New("key not found")

// Store is the document store underneath the Repository: opaque values under
// string keys plus named id sequences. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns the value of key or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put sets key to value, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys with the given prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)

	// NextID advances the named sequence and returns its new value. The
	// first value is 1.
	NextID(ctx context.Context, sequence string) (int64, error)

	Stats(ctx context.Context) (StoreStats, error)

	Close() error
}

// StoreStats summarizes a store's content.
type StoreStats struct {
	Keys  int `json:"keys"`
	Bytes int `json:"bytes"` // sum of value sizes
}

// MemoryStore keeps everything in process memory. Values are copied on the
// way in and out so callers can reuse their buffers.
type MemoryStore struct {
	mu        sync.RWMutex
	docs      map[string][]byte
	sequences map[string]int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:      make(map[string][]byte),
		sequences: make(map[string]int64),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(doc), nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	doc := bytes.Clone(value)
	if doc == nil {
		doc = []byte{}
	}

	m.mu.Lock()
	m.docs[key] = doc
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.docs, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	keys := maps.Keys(m.docs)
	m.mu.RUnlock()

	keys = slices.DeleteFunc(keys, func(k string) bool { return !strings.HasPrefix(k, prefix) })
	slices.Sort(keys)
	return keys, nil
}

func (m *MemoryStore) NextID(_ context.Context, sequence string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.sequences[sequence] + 1
	m.sequences[sequence] = next
	return next, nil
}

func (m *MemoryStore) Stats(_ context.Context) (StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := StoreStats{Keys: len(m.docs)}
	for _, doc := range m.docs {
		st.Bytes += len(doc)
	}
	return st, nil
}

// Close does nothing; a MemoryStore holds no external resources.
func (m *MemoryStore) Close() error { return nil }
