package objstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store used by tests and single-process setups.
// It gives the same strict conditional-write guarantee as the file backend.
type MemStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (m *MemStore) Get(ctx context.Context, key string) ([]byte, Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, contentVersion(data), nil
}

func (m *MemStore) Put(ctx context.Context, key string, data []byte, expected Version) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.objects[key]
	if err := checkExpected(expected, contentVersion(current), exists); err != nil {
		return "", err
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[key] = stored
	return contentVersion(stored), nil
}

func (m *MemStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[key]; !ok {
		return ErrNotFound
	}
	delete(m.objects, key)
	return nil
}

func (m *MemStore) List(ctx context.Context, prefix, token string, max int) ([]string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) && k > token {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if max > 0 && len(keys) > max {
		return keys[:max], keys[max-1], nil
	}
	return keys, "", nil
}

func (m *MemStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Len returns the number of stored objects. Used by tests.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
