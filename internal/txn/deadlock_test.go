package txn

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDeadlockDetectorSelectsYoungestVictim(t *testing.T) {
	d := NewDeadlockDetector(20 * time.Millisecond)
	lm := NewLockManager(d, time.Second)

	var mu sync.Mutex
	var victim uint64
	var cycleFound []uint64
	victimCh := make(chan struct{})
	d.OnDeadlock(func(cycle []uint64, v uint64) {
		mu.Lock()
		defer mu.Unlock()
		victim = v
		cycleFound = cycle
		close(victimCh)
	})
	d.Start()
	defer d.Stop()

	// tx1 started first (older), tx2 started second (younger) -> tx2 is the
	// victim.
	d.RegisterTx(1, time.Now())
	time.Sleep(time.Millisecond)
	d.RegisterTx(2, time.Now())

	ctx := context.Background()
	if err := lm.AcquireWrite(ctx, 1, "a"); err != nil {
		t.Fatalf("tx1 lock a: %v", err)
	}
	if err := lm.AcquireWrite(ctx, 2, "b"); err != nil {
		t.Fatalf("tx2 lock b: %v", err)
	}

	go lm.AcquireWrite(ctx, 1, "b")
	go lm.AcquireWrite(ctx, 2, "a")

	select {
	case <-victimCh:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock never detected")
	}

	mu.Lock()
	defer mu.Unlock()
	if victim != 2 {
		t.Fatalf("expected younger tx 2 to be selected as victim, got %d (cycle=%v)", victim, cycleFound)
	}
}

func TestFindCyclesDedup(t *testing.T) {
	graph := map[uint64][]uint64{
		1: {2},
		2: {3},
		3: {1},
	}
	cycles := findCycles(graph)
	if len(cycles) != 1 {
		t.Fatalf("expected exactly one deduplicated cycle, got %d: %v", len(cycles), cycles)
	}
}

func TestNoCycleNoVictim(t *testing.T) {
	d := NewDeadlockDetector(time.Hour)
	called := false
	d.OnDeadlock(func(cycle []uint64, v uint64) { called = true })

	d.RegisterTx(1, time.Now())
	d.RegisterTx(2, time.Now())
	d.AddWait(1, []uint64{2})

	if called {
		t.Fatal("no cycle should exist yet")
	}
}
