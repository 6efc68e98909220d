package cache

import "testing"

func TestLRUAtCapacity(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)

	if _, _, evicted := c.Put("c", 3); !evicted {
		t.Fatal("expected eviction when inserting past capacity")
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("oldest entry 'a' should have been evicted")
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Fatalf("expected b=2 to remain, got %v %v", v, ok)
	}
}

func TestLRUGetRefreshesRecency(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a") // a is now MRU, b is LRU

	c.Put("c", 3) // should evict b, not a

	if _, ok := c.Get("b"); ok {
		t.Fatal("b should have been evicted as least-recently-used")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a should still be present")
	}
}

func TestLRUKeysOrderedMRUFirst(t *testing.T) {
	c := New[string, int](3)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)
	c.Get("a")

	keys := c.Keys()
	if keys[0] != "a" {
		t.Fatalf("expected a to be MRU after Get, got %v", keys)
	}
}

func TestLRUCapacityPlusOne(t *testing.T) {
	c := New[int, int](1)
	c.Put(1, 100)
	_, _, evicted := c.Put(2, 200)
	if !evicted {
		t.Fatal("expected eviction at capacity 1")
	}
	if c.Len() != 1 {
		t.Fatalf("expected exactly 1 entry, got %d", c.Len())
	}
}
