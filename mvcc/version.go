// Package mvcc implements Multi-Version Concurrency Control (MVCC) for docengine.
//
// It provides:
// - Version Chains: per-key chains of document versions (see chain.go).
// - Snapshots: Consistent views of the database for transactions.
// - Visibility Rules: Logic to determine which version is visible to a transaction.
// - Garbage Collection: Cleanup of old versions that are no longer visible.
package mvcc

import (
	"sync/atomic"
	"time"
)

// Timestamp represents a unique, monotonically increasing point in time.
type Timestamp uint64

// Version is the minimal (timestamp, txn) identity of a chain entry, used
// only to evaluate visibility against a Snapshot. Chain.VisibleVersion
// builds one of these on the fly from an Entry; nothing else constructs
// a standalone Version or links them into a chain anymore.
type Version struct {
	Timestamp Timestamp
	TxnID     uint64
}

// VersionManager generates the monotonically increasing timestamps that
// stamp every snapshot and version chain entry.
type VersionManager struct {
	currentTimestamp atomic.Uint64
}

// NewVersionManager creates a new version manager
func NewVersionManager() *VersionManager {
	vm := &VersionManager{}
	// Initialize with current Unix nanosecond timestamp
	vm.currentTimestamp.Store(uint64(time.Now().UnixNano()))
	return vm
}

// NewTimestamp generates a new unique timestamp
func (vm *VersionManager) NewTimestamp() Timestamp {
	// Atomically increment and return
	ts := vm.currentTimestamp.Add(1)
	return Timestamp(ts)
}

// GetCurrentTimestamp returns the current timestamp without incrementing
func (vm *VersionManager) GetCurrentTimestamp() Timestamp {
	return Timestamp(vm.currentTimestamp.Load())
}
