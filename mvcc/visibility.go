package mvcc

import (
	"sync"
	"time"
)

// GarbageCollector is a background service that periodically cleans up
// old data versions that are no longer visible to any active snapshot.
//
// Optimized for:
// - Low overhead (background processing).
// - Batch processing (checking oldest active snapshot).
type GarbageCollector struct {
	snapshotMgr *SnapshotManager
	chains      *ChainSet
	gcInterval  time.Duration
	running     bool
	stopChan    chan struct{}
	mu          sync.Mutex
}

// NewGarbageCollector creates a new garbage collector. chains may be nil, in
// which case performGC only resolves the oldest active snapshot and does no
// sweeping.
func NewGarbageCollector(sm *SnapshotManager, chains *ChainSet, gcInterval time.Duration) *GarbageCollector {
	return &GarbageCollector{
		snapshotMgr: sm,
		chains:      chains,
		gcInterval:  gcInterval,
		running:     false,
		stopChan:    make(chan struct{}),
	}
}

// Start starts the garbage collection background process
func (gc *GarbageCollector) Start() {
	gc.mu.Lock()
	if gc.running {
		gc.mu.Unlock()
		return
	}
	gc.running = true
	gc.mu.Unlock()

	go gc.run()
}

// Stop stops the garbage collection background process
func (gc *GarbageCollector) Stop() {
	gc.mu.Lock()
	if !gc.running {
		gc.mu.Unlock()
		return
	}
	gc.running = false
	gc.mu.Unlock()

	close(gc.stopChan)
}

// run executes the garbage collection loop
func (gc *GarbageCollector) run() {
	ticker := time.NewTicker(gc.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			gc.performGC()
		case <-gc.stopChan:
			return
		}
	}
}

// performGC performs a garbage collection cycle: it resolves the oldest
// timestamp any active snapshot might still need and sweeps every
// registered chain down to that floor.
func (gc *GarbageCollector) performGC() {
	oldestSnapshot := gc.snapshotMgr.GetOldestActiveSnapshot()
	if gc.chains != nil {
		gc.chains.GarbageCollectAll(oldestSnapshot)
	}
}

// GetStats returns garbage collection statistics
func (gc *GarbageCollector) GetStats() GCStats {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	return GCStats{
		Running:  gc.running,
		Interval: gc.gcInterval,
	}
}

// GCStats contains garbage collection statistics
type GCStats struct {
	Running  bool
	Interval time.Duration
}
