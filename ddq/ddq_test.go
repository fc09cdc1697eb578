package ddq

import (
	"testing"

	"github.com/smsgio/smsg/store"
)

func TestMemoryDedupIdempotence(t *testing.T) {
	q, err := NewMemory(10)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := q.Add("u1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := q.Add("u1"); err != nil {
		t.Fatalf("add again: %v", err)
	}
	ok, err := q.Contains("u1")
	if err != nil || !ok {
		t.Fatalf("expected contains true, got %v %v", ok, err)
	}
}

func TestMemoryEvictionAfterCapacity(t *testing.T) {
	q, _ := NewMemory(3)
	for _, u := range []string{"a", "b", "c", "d"} {
		if err := q.Add(u); err != nil {
			t.Fatalf("add %s: %v", u, err)
		}
	}
	ok, _ := q.Contains("a")
	if ok {
		t.Fatalf("expected a evicted after N+1 adds")
	}
	ok, _ = q.Contains("d")
	if !ok {
		t.Fatalf("expected d present")
	}
}

// TestRingBufferEvictionReadmitsDroppedIDs checks a DDQ of size 3: with
// deliveries u1,u2,u3,u1,u4,u1, the second u1 is still in the window and
// gets deduped, but adding u4 evicts u1, so the third u1 delivery is
// invoked again.
func TestRingBufferEvictionReadmitsDroppedIDs(t *testing.T) {
	q, _ := NewMemory(3)
	deliveries := []string{"u1", "u2", "u3", "u1", "u4", "u1"}
	var invocations []string
	for _, u := range deliveries {
		seen, _ := q.Contains(u)
		if seen {
			continue
		}
		invocations = append(invocations, u)
		q.Add(u)
	}
	want := []string{"u1", "u2", "u3", "u4", "u1"}
	if len(invocations) != len(want) {
		t.Fatalf("expected %v, got %v", want, invocations)
	}
	for i := range want {
		if invocations[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, invocations)
		}
	}
}

func TestStatsUtilization(t *testing.T) {
	q, _ := NewMemory(4)
	q.Add("a")
	q.Add("b")
	stats, err := q.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Size != 2 || stats.Utilization != 0.5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestClear(t *testing.T) {
	q, _ := NewMemory(4)
	q.Add("a")
	q.Clear()
	ok, _ := q.Contains("a")
	if ok {
		t.Fatalf("expected cleared")
	}
}

func TestInvalidCapacity(t *testing.T) {
	if _, err := NewMemory(-1); err == nil {
		t.Fatalf("expected error for negative capacity")
	}
}

func TestDistributedDedup(t *testing.T) {
	backend, err := store.Open(&store.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	q, err := NewDistributed(backend, "Order:H1", 2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, u := range []string{"u1", "u2", "u3"} {
		q.Add(u)
	}
	ok, _ := q.Contains("u1")
	if ok {
		t.Fatalf("expected u1 evicted in distributed backend too")
	}
	ok, _ = q.Contains("u3")
	if !ok {
		t.Fatalf("expected u3 present")
	}
}

func TestRegistryLazyCreate(t *testing.T) {
	calls := 0
	reg := NewRegistry(func(key string) (DDQ, error) {
		calls++
		return NewMemory(5)
	})
	q1, _ := reg.Get("Order:H1")
	q2, _ := reg.Get("Order:H1")
	if q1 != q2 {
		t.Fatalf("expected same DDQ instance for repeated Get")
	}
	if calls != 1 {
		t.Fatalf("expected factory called once, got %d", calls)
	}
}
