package wal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartpcr/docengine/internal/codec"
)

// DefaultCheckpointInterval matches the configuration default.
const DefaultCheckpointInterval = 60 * time.Second

// DefaultCheckpointThresholdBytes triggers an out-of-band checkpoint once the
// WAL has grown past this size, independent of the interval timer.
const DefaultCheckpointThresholdBytes = 16 * 1024 * 1024

// CheckpointManager periodically marks a safe point in the WAL and truncates
// the prefix that is no longer needed for recovery. It mirrors the donor
// mvcc.GarbageCollector's ticker-driven background-task shape: an explicit
// Start/Stop pair with an idempotent running flag, owned by the database.
type CheckpointManager struct {
	wal              *WAL
	activeTxnLSNs    func() []LSN // earliest LSN of every still-active transaction
	interval         time.Duration
	thresholdBytes   int64
	lastCheckpointAt atomic.Int64 // unix nano of last completed checkpoint

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	onCheckpoint func(lsn LSN) // completion event hook, may be nil
	flushPages   func() error  // flushes dirty pages before the WAL prefix is dropped, may be nil
}

// NewCheckpointManager creates a checkpoint manager. activeTxnLSNs is called
// at checkpoint time to learn which LSNs must remain available for undo.
func NewCheckpointManager(w *WAL, activeTxnLSNs func() []LSN, interval time.Duration) *CheckpointManager {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	return &CheckpointManager{
		wal:            w,
		activeTxnLSNs:  activeTxnLSNs,
		interval:       interval,
		thresholdBytes: DefaultCheckpointThresholdBytes,
	}
}

// OnCheckpoint registers a callback invoked with the new checkpoint LSN every
// time CreateCheckpoint completes.
func (cm *CheckpointManager) OnCheckpoint(fn func(lsn LSN)) {
	cm.onCheckpoint = fn
}

// SetPageFlusher registers the callback that forces dirty pages to disk
// before any WAL prefix behind the checkpoint is truncated. Without it a
// redo record could be dropped while the page it rebuilt was still only in
// memory.
func (cm *CheckpointManager) SetPageFlusher(fn func() error) {
	cm.flushPages = fn
}

// IsNeeded returns true when the WAL has grown past the configured threshold
// since the last checkpoint, or the interval timer has elapsed.
func (cm *CheckpointManager) IsNeeded() bool {
	if cm.wal.currentSegment != nil && cm.wal.currentSegment.Size() >= cm.thresholdBytes {
		return true
	}
	last := cm.lastCheckpointAt.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) >= cm.interval
}

// CreateCheckpoint writes a Checkpoint record naming the earliest LSN any
// active transaction still depends on, then truncates every WAL segment
// that is entirely older than that floor. Idempotent: calling it again with
// no intervening writes truncates nothing further and simply re-records the
// same safe point.
func (cm *CheckpointManager) CreateCheckpoint() (LSN, error) {
	active := []uint64{}
	floor := cm.wal.GetCurrentLSN()
	if cm.activeTxnLSNs != nil {
		for _, lsn := range cm.activeTxnLSNs() {
			if lsn == 0 {
				continue
			}
			active = append(active, uint64(lsn))
			if lsn < floor {
				floor = lsn
			}
		}
	}

	payload, err := codec.Marshal(map[string]interface{}{
		"floor":  uint64(floor),
		"active": active,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode checkpoint payload: %w", err)
	}

	checkpointLSN, err := cm.wal.Append(&Record{
		Type:      RecordTypeCheckpoint,
		Value:     payload,
		Timestamp: time.Now().UnixNano(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write checkpoint record: %w", err)
	}
	if err := cm.wal.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync checkpoint record: %w", err)
	}

	if cm.flushPages != nil {
		if err := cm.flushPages(); err != nil {
			return 0, fmt.Errorf("failed to flush pages before truncation: %w", err)
		}
	}

	if err := cm.wal.Truncate(floor); err != nil {
		return 0, fmt.Errorf("failed to truncate WAL prefix: %w", err)
	}

	cm.lastCheckpointAt.Store(time.Now().UnixNano())
	if cm.onCheckpoint != nil {
		cm.onCheckpoint(checkpointLSN)
	}

	return checkpointLSN, nil
}

// CheckpointInfo is the decoded payload of a Checkpoint record.
type CheckpointInfo struct {
	Floor  LSN   // no record below this LSN is needed for recovery
	Active []LSN // earliest LSN of each transaction active at checkpoint time
}

// DecodeCheckpoint unpacks a Checkpoint record's payload. Records written
// before payloads existed decode to a zero floor, which recovery treats as
// "scan everything".
func DecodeCheckpoint(rec *Record) (*CheckpointInfo, error) {
	if rec.Type != RecordTypeCheckpoint {
		return nil, fmt.Errorf("record %d is not a checkpoint", rec.LSN)
	}
	if len(rec.Value) == 0 {
		return &CheckpointInfo{}, nil
	}

	v, err := codec.Unmarshal(rec.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint payload: %w", err)
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("checkpoint payload is %T, not a map", v)
	}

	info := &CheckpointInfo{}
	if floor, ok := m["floor"].(uint64); ok {
		info.Floor = LSN(floor)
	}
	if active, ok := m["active"].([]interface{}); ok {
		for _, e := range active {
			if lsn, ok := e.(uint64); ok {
				info.Active = append(info.Active, LSN(lsn))
			}
		}
	}
	return info, nil
}

// Start launches the interval-timer goroutine that triggers checkpoints
// automatically. Calling Start twice is a no-op.
func (cm *CheckpointManager) Start() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.running {
		return
	}
	cm.running = true
	cm.stopChan = make(chan struct{})
	cm.wg.Add(1)
	go cm.run()
}

// Stop halts the interval timer. Calling Stop when not running is a no-op.
func (cm *CheckpointManager) Stop() {
	cm.mu.Lock()
	if !cm.running {
		cm.mu.Unlock()
		return
	}
	cm.running = false
	close(cm.stopChan)
	cm.mu.Unlock()
	cm.wg.Wait()
}

func (cm *CheckpointManager) run() {
	defer cm.wg.Done()
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if cm.IsNeeded() {
				// Background checkpoints swallow errors to keep the engine
				// alive; a failed checkpoint is retried on the next tick.
				_, _ = cm.CreateCheckpoint()
			}
		case <-cm.stopChan:
			return
		}
	}
}
