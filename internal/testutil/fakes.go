package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hupe1980/insightmesh/storage"
)

// ErrInjected is returned by FailingBackend operations switched to fail.
var ErrInjected = errors.New("injected storage failure")

// FakeClock is a manually advanced clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a clock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// FailingBackend wraps a memory backend and fails operations on demand.
type FailingBackend struct {
	*storage.Memory

	mu       sync.Mutex
	failLoad bool
	failSave bool
	saves    int
}

// NewFailingBackend returns a backend that works until told to fail.
func NewFailingBackend() *FailingBackend {
	return &FailingBackend{Memory: storage.NewMemory()}
}

// FailLoad toggles Load failures.
func (b *FailingBackend) FailLoad(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failLoad = fail
}

// FailSave toggles Save failures.
func (b *FailingBackend) FailSave(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSave = fail
}

// Saves returns the number of successful saves.
func (b *FailingBackend) Saves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

// Load implements storage.Backend.
func (b *FailingBackend) Load(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	fail := b.failLoad
	b.mu.Unlock()

	if fail {
		return nil, ErrInjected
	}

	return b.Memory.Load(ctx, key)
}

// Save implements storage.Backend.
func (b *FailingBackend) Save(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failSave {
		return ErrInjected
	}

	b.saves++

	return b.Memory.Save(ctx, key, data)
}
