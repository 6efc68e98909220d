// Package txn implements strict two-phase locking with deadlock detection and
// a two-phase commit coordinator, the concurrency-control half of the
// transaction manager described by the storage engine's design.
package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smartpcr/docengine/internal/util"
)

// Kind distinguishes the two lock modes a resource can be held in.
type Kind int

const (
	Read Kind = iota
	Write
)

func (k Kind) String() string {
	if k == Write {
		return "write"
	}
	return "read"
}

// DefaultLockTimeout matches the configuration default (lock_timeout=30s).
const DefaultLockTimeout = 30 * time.Second

// waiter is one entry in a resource's FIFO wait queue.
type waiter struct {
	txID     uint64
	kind     Kind
	upgrade  bool
	grant    chan bool // true = granted, false = cancelled/timed out
	granted  bool
	resource string
}

// resourceLock is the resource-lock entity: readers, an optional
// writer, and a FIFO queue of pending requests.
type resourceLock struct {
	mu      sync.Mutex
	readers map[uint64]bool
	writer  uint64
	hasW    bool
	queue   []*waiter
}

func newResourceLock() *resourceLock {
	return &resourceLock{readers: make(map[uint64]bool)}
}

// hasPendingWrite reports whether any write or upgrade request is already
// queued — a pending writer blocks new read requests to prevent writer
// starvation.
func (rl *resourceLock) hasPendingWrite() bool {
	for _, w := range rl.queue {
		if w.kind == Write {
			return true
		}
	}
	return false
}

// LockManager implements per-resource read/write locks with a FIFO
// wait queue, lock upgrade, range locks, timeouts, and deadlock-detector
// wiring.
type LockManager struct {
	mu        sync.Mutex
	resources map[string]*resourceLock
	holders   map[uint64]map[string]Kind // txID -> resource -> kind held
	detector  *DeadlockDetector
	timeout   time.Duration
}

// NewLockManager creates a lock manager. detector may be nil in tests that
// don't exercise deadlock handling.
func NewLockManager(detector *DeadlockDetector, timeout time.Duration) *LockManager {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &LockManager{
		resources: make(map[string]*resourceLock),
		holders:   make(map[uint64]map[string]Kind),
		detector:  detector,
		timeout:   timeout,
	}
}

func (lm *LockManager) resourceFor(name string) *resourceLock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	rl, ok := lm.resources[name]
	if !ok {
		rl = newResourceLock()
		lm.resources[name] = rl
	}
	return rl
}

func (lm *LockManager) recordHolder(txID uint64, resource string, kind Kind) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	set, ok := lm.holders[txID]
	if !ok {
		set = make(map[string]Kind)
		lm.holders[txID] = set
	}
	set[resource] = kind
}

func (lm *LockManager) forgetHolder(txID uint64, resource string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if set, ok := lm.holders[txID]; ok {
		delete(set, resource)
		if len(set) == 0 {
			delete(lm.holders, txID)
		}
	}
}

// currentHolders returns every tx currently holding readers+writer on rl,
// excluding self; used to seed deadlock-detector wait-for edges.
func currentHolders(rl *resourceLock, self uint64) []uint64 {
	holders := make([]uint64, 0, len(rl.readers)+1)
	for tx := range rl.readers {
		if tx != self {
			holders = append(holders, tx)
		}
	}
	if rl.hasW && rl.writer != self {
		holders = append(holders, rl.writer)
	}
	return holders
}

// AcquireRead acquires a shared (read) lock on the resource.
func (lm *LockManager) AcquireRead(ctx context.Context, txID uint64, resource string) error {
	rl := lm.resourceFor(resource)
	rl.mu.Lock()

	if rl.hasW && rl.writer == txID {
		rl.mu.Unlock()
		return nil
	}
	if rl.readers[txID] {
		rl.mu.Unlock()
		return nil
	}
	if !rl.hasW && !rl.hasPendingWrite() {
		rl.readers[txID] = true
		rl.mu.Unlock()
		lm.recordHolder(txID, resource, Read)
		return nil
	}

	w := &waiter{txID: txID, kind: Read, grant: make(chan bool, 1), resource: resource}
	rl.queue = append(rl.queue, w)
	holders := currentHolders(rl, txID)
	rl.mu.Unlock()

	return lm.wait(ctx, rl, w, resource, Read, holders)
}

// AcquireWrite acquires an exclusive (write) lock on the resource.
func (lm *LockManager) AcquireWrite(ctx context.Context, txID uint64, resource string) error {
	rl := lm.resourceFor(resource)
	rl.mu.Lock()

	if rl.hasW && rl.writer == txID {
		rl.mu.Unlock()
		return nil
	}
	soleReader := len(rl.readers) == 1 && rl.readers[txID]
	if !rl.hasW && (len(rl.readers) == 0 || soleReader) {
		delete(rl.readers, txID)
		rl.hasW = true
		rl.writer = txID
		rl.mu.Unlock()
		lm.forgetHolder(txID, resource)
		lm.recordHolder(txID, resource, Write)
		return nil
	}

	w := &waiter{txID: txID, kind: Write, grant: make(chan bool, 1), resource: resource}
	rl.queue = append(rl.queue, w)
	holders := currentHolders(rl, txID)
	rl.mu.Unlock()

	return lm.wait(ctx, rl, w, resource, Write, holders)
}

// Upgrade promotes a read lock to a write lock; permitted only if the tx already holds
// the read lock; grants immediately iff it is the sole reader, otherwise
// queues with write priority (blocks new readers while pending).
func (lm *LockManager) Upgrade(ctx context.Context, txID uint64, resource string) error {
	rl := lm.resourceFor(resource)
	rl.mu.Lock()

	if !rl.readers[txID] {
		rl.mu.Unlock()
		return fmt.Errorf("%w: upgrade requires holding read lock on %s", util.ErrInvalidState, resource)
	}
	if len(rl.readers) == 1 && !rl.hasW {
		delete(rl.readers, txID)
		rl.hasW = true
		rl.writer = txID
		rl.mu.Unlock()
		lm.forgetHolder(txID, resource)
		lm.recordHolder(txID, resource, Write)
		return nil
	}

	w := &waiter{txID: txID, kind: Write, upgrade: true, grant: make(chan bool, 1), resource: resource}
	rl.queue = append(rl.queue, w)
	holders := currentHolders(rl, txID)
	rl.mu.Unlock()

	return lm.wait(ctx, rl, w, resource, Write, holders)
}

// wait blocks until the waiter is granted, cancelled, or times out, wiring
// the deadlock detector's wait-for edges around the blocking section.
func (lm *LockManager) wait(ctx context.Context, rl *resourceLock, w *waiter, resource string, kind Kind, holders []uint64) error {
	if lm.detector != nil && len(holders) > 0 {
		lm.detector.AddWait(w.txID, holders)
	}

	timer := time.NewTimer(lm.timeout)
	defer timer.Stop()

	select {
	case granted := <-w.grant:
		if lm.detector != nil {
			lm.detector.RemoveAllWaits(w.txID)
		}
		if granted {
			if kind == Write {
				lm.forgetHolder(w.txID, resource)
			}
			lm.recordHolder(w.txID, resource, kind)
			return nil
		}
		if lm.detector != nil && lm.detector.IsVictim(w.txID) {
			return util.ErrTxnDeadlock
		}
		return util.ErrTxnAborted
	case <-ctx.Done():
		lm.removeWaiter(rl, w)
		if lm.detector != nil {
			lm.detector.RemoveAllWaits(w.txID)
		}
		if lm.detector != nil && lm.detector.IsVictim(w.txID) {
			return util.ErrTxnDeadlock
		}
		return ctx.Err()
	case <-timer.C:
		lm.removeWaiter(rl, w)
		if lm.detector != nil {
			lm.detector.RemoveAllWaits(w.txID)
		}
		return util.ErrLockTimeout
	}
}

func (lm *LockManager) removeWaiter(rl *resourceLock, target *waiter) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for i, w := range rl.queue {
		if w == target {
			rl.queue = append(rl.queue[:i], rl.queue[i+1:]...)
			return
		}
	}
}

// Release drops the holder, then drains the wait
// queue in FIFO order granting whatever prefix is now compatible.
func (lm *LockManager) Release(txID uint64, resource string) {
	rl := lm.resourceFor(resource)
	rl.mu.Lock()

	delete(rl.readers, txID)
	if rl.hasW && rl.writer == txID {
		rl.hasW = false
		rl.writer = 0
	}

	for len(rl.queue) > 0 {
		front := rl.queue[0]
		if front.kind == Read {
			if rl.hasW {
				break
			}
			rl.readers[front.txID] = true
		} else {
			if rl.hasW || len(rl.readers) > 0 {
				break
			}
			rl.hasW = true
			rl.writer = front.txID
		}
		front.granted = true
		rl.queue = rl.queue[1:]
		front.grant <- true
	}
	rl.mu.Unlock()

	lm.forgetHolder(txID, resource)
}

// ReleaseAll releases every lock held by the given transaction.
func (lm *LockManager) ReleaseAll(txID uint64) {
	lm.mu.Lock()
	set, ok := lm.holders[txID]
	var resources []string
	if ok {
		resources = make([]string, 0, len(set))
		for r := range set {
			resources = append(resources, r)
		}
	}
	lm.mu.Unlock()

	for _, r := range resources {
		lm.Release(txID, r)
	}

	if lm.detector != nil {
		lm.detector.RemoveTx(txID)
	}
}

// AcquireRange acquires a lock over the synthetic
// resource id "{collection}:range:{lo}:{hi}", used to prevent phantom reads
// under Serializable.
func (lm *LockManager) AcquireRange(ctx context.Context, txID uint64, collection, lo, hi string, kind Kind) error {
	resource := fmt.Sprintf("%s:range:%s:%s", collection, lo, hi)
	if kind == Read {
		return lm.AcquireRead(ctx, txID, resource)
	}
	return lm.AcquireWrite(ctx, txID, resource)
}

// HeldResources returns the resources currently held by txID, for tests and
// introspection.
func (lm *LockManager) HeldResources(txID uint64) map[string]Kind {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make(map[string]Kind, len(lm.holders[txID]))
	for r, k := range lm.holders[txID] {
		out[r] = k
	}
	return out
}

// CancelWaiter forcibly denies every pending wait request for txID across
// all resources, unblocking a transaction flipped to the deadlock-victim
// state without waiting for its context to be cancelled.
func (lm *LockManager) CancelWaiter(txID uint64) {
	lm.mu.Lock()
	names := make([]string, 0, len(lm.resources))
	for name := range lm.resources {
		names = append(names, name)
	}
	lm.mu.Unlock()

	for _, name := range names {
		rl := lm.resourceFor(name)
		rl.mu.Lock()
		for i := 0; i < len(rl.queue); {
			w := rl.queue[i]
			if w.txID == txID {
				rl.queue = append(rl.queue[:i], rl.queue[i+1:]...)
				w.grant <- false
				continue
			}
			i++
		}
		rl.mu.Unlock()
	}
}
