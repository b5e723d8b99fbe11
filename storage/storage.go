// Package storage defines the persisted tier of the session store: a keyed
// document backend holding opaque encoded bytes. Implementations live in the
// subpackages file and sqlite; Memory is the process-local one.
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
)

// ErrNotFound is returned by Load when no document exists for the key.
var ErrNotFound = errors.New("document not found")

// Backend stores whole documents under a key. Writes replace the previous
// document; there is no partial update.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateKey rejects keys that are unsafe as file names or table keys.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid document key %q", key)
	}
	return nil
}

// Memory is a Backend kept in process memory. Data is copied on save and on
// load.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemory returns an empty memory backend.
func NewMemory() *Memory {
	return &Memory{docs: map[string][]byte{}}
}

// Load implements Backend.
func (m *Memory) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}

	return append([]byte(nil), data...), nil
}

// Save implements Backend.
func (m *Memory) Save(_ context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = append([]byte(nil), data...)

	return nil
}

// Delete implements Backend. Deleting a missing key is not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, key)
	return nil
}
