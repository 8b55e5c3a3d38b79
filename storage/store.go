// Package storage provides the host key/value storage that livesite reads
// durable client flags from.
package storage

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when a key is not found.
var ErrNotFound = errors.New("key not found")

// Store is a small durable key/value store provided by the host.
type Store interface {
	// Get retrieves a value from the store.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the store.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes a value from the store.
	Delete(ctx context.Context, key string) error

	// Close closes the store.
	Close() error
}

// MemoryStore keeps values for the life of the process.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Get retrieves a copy of the value for key.
func (ms *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	v, ok := ms.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores a copy of value.
func (ms *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.values[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key.
func (ms *MemoryStore) Delete(ctx context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.values, key)
	return nil
}

// Close is a no-op.
func (ms *MemoryStore) Close() error {
	return nil
}

// GetJSON reads key and decodes it into v with the JSON serializer.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return NewJSONSerializer().Unmarshal(data, v)
}

// SetJSON encodes v with the JSON serializer and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := NewJSONSerializer().Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, data)
}
