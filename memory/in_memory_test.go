package memory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/hupe1980/insightmesh/core"
)

// Interface compliance (compile-time assertions)
var _ core.WorkingMemory = (*InMemoryStore)(nil)

func TestInMemoryStore_PutGetDelete(t *testing.T) {
	m := NewInMemoryStore()

	if _, ok := m.Get("req-1"); ok {
		t.Fatalf("expected empty memory")
	}

	m.Put("req-1", "plan-a")
	m.Put("req-1", "plan-b")

	v, ok := m.Get("req-1")
	if !ok || v != "plan-b" {
		t.Fatalf("expected replaced value, got %#v", v)
	}

	if !m.Delete("req-1") {
		t.Fatalf("expected delete to report existing entry")
	}
	if m.Delete("req-1") {
		t.Fatalf("expected second delete to report missing entry")
	}
	if m.Len() != 0 {
		t.Fatalf("expected no entries, got %d", m.Len())
	}
}

func TestInMemoryStore_KeysSorted(t *testing.T) {
	m := NewInMemoryStore()
	m.Put("c", 3)
	m.Put("a", 1)
	m.Put("b", 2)

	keys := m.Keys()
	if fmt.Sprint(keys) != "[a b c]" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestInMemoryStore_Concurrency(t *testing.T) {
	m := NewInMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("req-%d", i)
			m.Put(key, i)
			if _, ok := m.Get(key); !ok {
				t.Errorf("missing %s", key)
			}
			if i%2 == 0 {
				m.Delete(key)
			}
		}(i)
	}
	wg.Wait()

	if m.Len() != 25 {
		t.Fatalf("expected 25 entries, got %d", m.Len())
	}
}
