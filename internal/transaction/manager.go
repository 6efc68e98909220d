// Package transaction implements the per-transaction staged operation
// set, read cache, isolation level, timeout timer, and lifecycle state
// machine, wired to the lock manager, deadlock detector, the
// MVCC version chains and the write-ahead log.
package transaction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartpcr/docengine/internal/txn"
	"github.com/smartpcr/docengine/internal/util"
	"github.com/smartpcr/docengine/internal/wal"
	"github.com/smartpcr/docengine/mvcc"
)

// Status is a transaction's position in the lifecycle state machine.
type Status int

const (
	StatusActive Status = iota
	StatusPreparing
	StatusPrepared
	StatusCommitting
	StatusCommitted
	StatusAborting
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPreparing:
		return "preparing"
	case StatusPrepared:
		return "prepared"
	case StatusCommitting:
		return "committing"
	case StatusCommitted:
		return "committed"
	case StatusAborting:
		return "aborting"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// OpType classifies a staged write.
type OpType int

const (
	OpInsert OpType = iota
	OpUpdate
	OpDelete
)

// WriteOp is one staged operation inside a transaction's write set.
type WriteOp struct {
	Type      OpType
	Old       []byte
	New       []byte
	Timestamp time.Time
}

// DefaultTimeout is the per-transaction idle timeout default (5 min),
// restarted on every API call.
const DefaultTimeout = 5 * time.Minute

// Transaction is the transaction record plus the in-memory state the
// manager needs to stage and later apply its operations.
type Transaction struct {
	ID             uint64
	Name           string // "TXN_<counter:10>_<ticks>", unique within a database lifetime
	Status         Status
	IsolationLevel mvcc.IsolationLevel
	StartTime      time.Time
	Timeout        time.Duration

	WriteSet  map[string]*WriteOp
	ReadCache map[string][]byte

	snapshot *mvcc.Snapshot
	tm       *TransactionManager

	mu        sync.Mutex
	timer     *time.Timer
	firstLSN  wal.LSN // LSN of this transaction's Begin record
	cancel    context.CancelFunc
	ctx       context.Context
	victim    bool
	readLocks map[string]bool // resources held with a long-lived read lock (Serializable)
}

// Read returns the transaction's view of key; see TransactionManager.Read.
func (t *Transaction) Read(key string) ([]byte, error) { return t.tm.Read(t, key) }

// Write stages a write of value under key; see TransactionManager.Write.
func (t *Transaction) Write(key string, value []byte) error { return t.tm.Write(t, key, value) }

// Delete stages a tombstone for key; see TransactionManager.Delete.
func (t *Transaction) Delete(key string) (bool, error) { return t.tm.Delete(t, key) }

// Commit commits the transaction; see TransactionManager.Commit.
func (t *Transaction) Commit() error { return t.tm.Commit(t) }

// Rollback aborts the transaction; see TransactionManager.Rollback.
func (t *Transaction) Rollback() error { return t.tm.Rollback(t) }

// State returns the transaction's current lifecycle state.
func (t *Transaction) State() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status
}

// Isolation returns the isolation level the transaction was begun with.
func (t *Transaction) Isolation() mvcc.IsolationLevel {
	return t.IsolationLevel
}

// isActive reports whether the transaction may still accept operations.
// Caller must hold txn.mu.
func (t *Transaction) isActive() error {
	if t.victim {
		return util.ErrTxnDeadlock
	}
	switch t.Status {
	case StatusActive:
		return nil
	case StatusAborted, StatusAborting:
		return util.ErrTxnAborted
	default:
		return util.ErrTxnNotActive
	}
}

// TransactionManager implements the supporting plumbing: it begins,
// commits, and rolls back transactions, staging writes against per-key
// version chains guarded by the lock manager and deadlock detector.
type TransactionManager struct {
	mu     sync.RWMutex
	active map[uint64]*Transaction
	byName map[string]*Transaction
	nextID atomic.Uint64

	cfg Config

	snapshotMgr *mvcc.SnapshotManager
	versionMgr  *mvcc.VersionManager
	wal         *wal.WAL

	locks    *txn.LockManager
	detector *txn.DeadlockDetector

	chains *mvcc.ChainSet
	gc     *mvcc.GarbageCollector

	committer *wal.GroupCommitter

	// onUndo restores external state (the primary index) for one staged
	// key when its transaction rolls back. committed is the key's newest
	// committed value, nil when the key never committed.
	onUndo func(key string, staged *WriteOp, committed []byte)

	closed bool
}

// SetUndoHandler registers the callback invoked for every staged key when a
// transaction rolls back, while the transaction still holds its write
// locks. The database uses it to roll the collection indexes back to the
// last committed state, since collection writes reach the primary index
// before commit.
func (tm *TransactionManager) SetUndoHandler(fn func(key string, staged *WriteOp, committed []byte)) {
	tm.onUndo = fn
}

// DefaultGCInterval matches the cadence the donor's mvcc.GarbageCollector
// was built for; the exact period is left unspecified (this just calls
// only for "a periodic pass").
const DefaultGCInterval = 30 * time.Second

// Config tunes the manager's timers. Zero values take the defaults.
type Config struct {
	LockTimeout       time.Duration // per-operation lock wait bound
	TxnTimeout        time.Duration // per-transaction idle timeout
	DetectionInterval time.Duration // deadlock detector sweep period
	GCInterval        time.Duration // version-chain garbage collection period
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = txn.DefaultLockTimeout
	}
	if c.TxnTimeout <= 0 {
		c.TxnTimeout = DefaultTimeout
	}
	if c.DetectionInterval <= 0 {
		c.DetectionInterval = txn.DefaultDetectionInterval
	}
	if c.GCInterval <= 0 {
		c.GCInterval = DefaultGCInterval
	}
	return c
}

// NewTransactionManager creates a manager with default timers; see
// NewTransactionManagerWithConfig.
func NewTransactionManager(sm *mvcc.SnapshotManager, w *wal.WAL) *TransactionManager {
	return NewTransactionManagerWithConfig(sm, w, Config{})
}

// NewTransactionManagerWithConfig creates a manager bound to a snapshot
// manager and a write-ahead log. It owns its own lock manager, deadlock
// detector, per-key version chains, and background version-chain garbage
// collector, all started eagerly so commits and blocking reads are safe
// from the first call.
func NewTransactionManagerWithConfig(sm *mvcc.SnapshotManager, w *wal.WAL, cfg Config) *TransactionManager {
	cfg = cfg.withDefaults()
	detector := txn.NewDeadlockDetector(cfg.DetectionInterval)
	locks := txn.NewLockManager(detector, cfg.LockTimeout)
	chains := mvcc.NewChainSet()

	tm := &TransactionManager{
		active:      make(map[uint64]*Transaction),
		byName:      make(map[string]*Transaction),
		cfg:         cfg,
		snapshotMgr: sm,
		versionMgr:  mvcc.NewVersionManager(),
		wal:         w,
		locks:       locks,
		detector:    detector,
		chains:      chains,
		gc:          mvcc.NewGarbageCollector(sm, chains, cfg.GCInterval),
		committer:   wal.NewGroupCommitter(w),
	}
	tm.gc.Start()

	detector.OnDeadlock(func(cycle []uint64, victim uint64) {
		tm.mu.RLock()
		t, ok := tm.active[victim]
		tm.mu.RUnlock()
		if !ok {
			return
		}
		t.mu.Lock()
		t.victim = true
		if t.cancel != nil {
			t.cancel()
		}
		t.mu.Unlock()
	})
	detector.Start()

	return tm
}

// Begin allocates a tx-id, opens an MVCC
// snapshot at the requested isolation level, and logs a Begin record.
func (tm *TransactionManager) Begin(level mvcc.IsolationLevel) (*Transaction, error) {
	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		return nil, util.ErrDatabaseClosed
	}
	tm.mu.Unlock()

	id := tm.nextID.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()

	t := &Transaction{
		ID:             id,
		Name:           fmt.Sprintf("TXN_%010d_%d", id, start.UnixNano()),
		Status:         StatusActive,
		IsolationLevel: level,
		StartTime:      start,
		Timeout:        tm.cfg.TxnTimeout,
		WriteSet:       make(map[string]*WriteOp),
		ReadCache:      make(map[string][]byte),
		readLocks:      make(map[string]bool),
		tm:             tm,
		ctx:            ctx,
		cancel:         cancel,
	}
	t.snapshot = tm.snapshotMgr.BeginSnapshot(id, level)

	tm.detector.RegisterTx(id, t.StartTime)
	t.timer = time.AfterFunc(t.Timeout, func() { tm.onTimeout(t) })

	tm.mu.Lock()
	tm.active[id] = t
	tm.byName[t.Name] = t
	tm.mu.Unlock()

	beginLSN, err := tm.wal.Append(&wal.Record{
		TxnID:     id,
		Type:      wal.RecordTypeBegin,
		Timestamp: t.StartTime.UnixNano(),
	})
	if err != nil {
		tm.snapshotMgr.AbortTransaction(id)
		tm.forget(t)
		return nil, fmt.Errorf("failed to log begin: %w", err)
	}
	t.mu.Lock()
	t.firstLSN = beginLSN
	t.mu.Unlock()

	return t, nil
}

// LookupByName resolves a transaction by its TXN_-format name, as used by
// the two-phase-commit coordinator's participant surface.
func (tm *TransactionManager) LookupByName(name string) (*Transaction, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	t, ok := tm.byName[name]
	return t, ok
}

// ActiveTxnLSNs reports the Begin-record LSN of every active transaction.
// The checkpoint manager uses the minimum as the truncation floor: records
// at or above it may still be needed to undo one of these transactions.
func (tm *TransactionManager) ActiveTxnLSNs() []wal.LSN {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	lsns := make([]wal.LSN, 0, len(tm.active))
	for _, t := range tm.active {
		t.mu.Lock()
		lsns = append(lsns, t.firstLSN)
		t.mu.Unlock()
	}
	return lsns
}

// onTimeout fires when a transaction's idle timer elapses: it flips
// the transaction to Aborted, cancelling any pending lock waits, and rolls
// it back on a background goroutine.
func (tm *TransactionManager) onTimeout(t *Transaction) {
	t.mu.Lock()
	if t.Status != StatusActive {
		t.mu.Unlock()
		return
	}
	t.Status = StatusAborting
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	go tm.Rollback(t)
}

// resetTimer restarts the idle timeout; called at the top of every public
// per-transaction operation.
func (t *Transaction) resetTimer(tm *TransactionManager) {
	if t.timer != nil {
		t.timer.Reset(t.Timeout)
	}
}

// SetTimeout overrides the default idle timeout for t.
func (t *Transaction) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Timeout = d
	if t.timer != nil {
		t.timer.Reset(d)
	}
}

// Write implements the write path: acquire (or upgrade to) a write
// lock, stage the operation, and log a Write/Insert record.
func (tm *TransactionManager) Write(t *Transaction, key string, value []byte) error {
	t.mu.Lock()
	if err := t.isActive(); err != nil {
		t.mu.Unlock()
		return err
	}
	t.resetTimer(tm)
	ctx := t.ctx
	prior, hadPrior := t.WriteSet[key]
	t.mu.Unlock()

	if err := tm.acquireWrite(ctx, t, key); err != nil {
		return err
	}

	op := &WriteOp{Type: OpUpdate, New: value, Timestamp: time.Now()}
	if !hadPrior {
		op.Type = OpInsert
		op.Old = tm.lastCommitted(key)
	} else {
		op.Old = prior.New
		op.Type = prior.Type
		if op.Type == OpDelete {
			op.Type = OpUpdate
		}
	}

	t.mu.Lock()
	if err := t.isActive(); err != nil {
		t.mu.Unlock()
		return err
	}
	t.WriteSet[key] = op
	if t.IsolationLevel != mvcc.ReadCommitted {
		t.ReadCache[key] = value
	}
	t.mu.Unlock()

	rtype := wal.RecordTypeUpdate
	if op.Type == OpInsert {
		rtype = wal.RecordTypeInsert
	}
	_, err := tm.wal.Append(&wal.Record{
		TxnID:     t.ID,
		Type:      rtype,
		Key:       []byte(key),
		Before:    op.Old,
		Value:     value,
		Timestamp: time.Now().UnixNano(),
	})
	return err
}

// Delete implements the delete path: stage a tombstone operation.
func (tm *TransactionManager) Delete(t *Transaction, key string) (bool, error) {
	t.mu.Lock()
	if err := t.isActive(); err != nil {
		t.mu.Unlock()
		return false, err
	}
	t.resetTimer(tm)
	ctx := t.ctx
	_, hadPrior := t.WriteSet[key]
	t.mu.Unlock()

	if err := tm.acquireWrite(ctx, t, key); err != nil {
		return false, err
	}

	old := tm.lastCommitted(key)
	if !hadPrior && old == nil {
		return false, nil
	}

	t.mu.Lock()
	if err := t.isActive(); err != nil {
		t.mu.Unlock()
		return false, err
	}
	t.WriteSet[key] = &WriteOp{Type: OpDelete, Old: old, Timestamp: time.Now()}
	delete(t.ReadCache, key)
	t.mu.Unlock()

	_, err := tm.wal.Append(&wal.Record{
		TxnID:     t.ID,
		Type:      wal.RecordTypeDelete,
		Key:       []byte(key),
		Before:    old,
		Timestamp: time.Now().UnixNano(),
	})
	return true, err
}

// Read implements the read path. It returns util.ErrNotFound when the
// key has no staged operation and no visible committed version, so callers
// fall back to the primary index (as collection.go does).
func (tm *TransactionManager) Read(t *Transaction, key string) ([]byte, error) {
	t.mu.Lock()
	if err := t.isActive(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.resetTimer(tm)

	if op, ok := t.WriteSet[key]; ok {
		t.mu.Unlock()
		if op.Type == OpDelete {
			return nil, util.ErrNotFound
		}
		return op.New, nil
	}

	repeatable := t.IsolationLevel == mvcc.RepeatableRead || t.IsolationLevel == mvcc.Serializable
	if repeatable {
		if cached, ok := t.ReadCache[key]; ok {
			t.mu.Unlock()
			return cached, nil
		}
	}
	level := t.IsolationLevel
	snapshot := t.snapshot
	ctx := t.ctx
	t.mu.Unlock()

	// Lock discipline around the actual read.
	switch level {
	case mvcc.Serializable:
		if err := tm.locks.AcquireRead(ctx, t.ID, key); err != nil {
			return nil, tm.translateLockErr(t, err)
		}
		t.mu.Lock()
		t.readLocks[key] = true
		t.mu.Unlock()
	case mvcc.ReadCommitted:
		if err := tm.locks.AcquireRead(ctx, t.ID, key); err != nil {
			return nil, tm.translateLockErr(t, err)
		}
		defer tm.locks.Release(t.ID, key)
	}

	value, err := tm.visibleValue(key, snapshot, level)
	if err != nil {
		return nil, err
	}

	if repeatable {
		t.mu.Lock()
		t.ReadCache[key] = value
		t.mu.Unlock()
	}

	// Audit trail: reads are logged but carry no durability requirement,
	// so the record rides along with the next forced sync and a failed
	// append does not fail the read.
	if _, err := tm.wal.Append(&wal.Record{
		TxnID:     t.ID,
		Type:      wal.RecordTypeRead,
		Key:       []byte(key),
		Timestamp: time.Now().UnixNano(),
	}); err != nil {
		fmt.Printf("[WARN] failed to log read of %s: %v\n", key, err)
	}

	return value, nil
}

// visibleValue walks the per-key version chain (mvcc.Chain) applying
// visibility rules for the transaction's isolation level.
func (tm *TransactionManager) visibleValue(key string, snapshot *mvcc.Snapshot, level mvcc.IsolationLevel) ([]byte, error) {
	chain, ok := tm.chains.Lookup(key)
	if !ok {
		return nil, util.ErrNotFound
	}

	if level == mvcc.ReadUncommitted {
		e, ok := chain.Head()
		if !ok || e.Tombstone {
			return nil, util.ErrNotFound
		}
		return e.Data, nil
	}

	e, ok := chain.VisibleVersion(snapshot)
	if !ok || e.Tombstone {
		return nil, util.ErrNotFound
	}
	return e.Data, nil
}

// lastCommitted returns the newest value recorded for key regardless of
// visibility, or nil if the key has never been written or its newest entry
// is a tombstone.
func (tm *TransactionManager) lastCommitted(key string) []byte {
	chain, ok := tm.chains.Lookup(key)
	if !ok {
		return nil
	}
	e, ok := chain.Head()
	if !ok || e.Tombstone {
		return nil
	}
	return e.Data
}

func (tm *TransactionManager) acquireWrite(ctx context.Context, t *Transaction, key string) error {
	t.mu.Lock()
	held := t.readLocks[key]
	t.mu.Unlock()

	var err error
	if held {
		err = tm.locks.Upgrade(ctx, t.ID, key)
	} else {
		err = tm.locks.AcquireWrite(ctx, t.ID, key)
	}
	if err != nil {
		return tm.translateLockErr(t, err)
	}
	return nil
}

func (tm *TransactionManager) translateLockErr(t *Transaction, err error) error {
	t.mu.Lock()
	victim := t.victim
	t.mu.Unlock()
	if victim {
		return util.ErrTxnDeadlock
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return util.ErrTxnTimeout
	}
	return err
}

// Commit implements the commit path: Active→Preparing→Prepared,
// Committing, log and fsync the Commit record, then apply staged operations
// to the version chains, →Committed, and release all locks.
func (tm *TransactionManager) Commit(t *Transaction) error {
	if err := tm.prepare(t); err != nil {
		return err
	}
	return tm.commitPrepared(t)
}

// prepare is the first commit phase: Active→Preparing, log the Prepare
// record, →Prepared. After prepare the transaction is a guaranteed "yes"
// vote: commitPrepared cannot be refused, only crash and be re-driven.
func (tm *TransactionManager) prepare(t *Transaction) error {
	t.mu.Lock()
	if err := t.isActive(); err != nil {
		t.mu.Unlock()
		return err
	}
	t.resetTimer(tm)
	t.Status = StatusPreparing
	t.mu.Unlock()

	if _, err := tm.wal.Append(&wal.Record{TxnID: t.ID, Type: wal.RecordTypePrepare, Timestamp: time.Now().UnixNano()}); err != nil {
		tm.abort(t)
		return fmt.Errorf("failed to log prepare: %w", err)
	}

	t.mu.Lock()
	t.Status = StatusPrepared
	t.mu.Unlock()
	return nil
}

// commitPrepared is the second commit phase: log and fsync the Commit record,
// apply the staged operations to the version chains, release locks.
func (tm *TransactionManager) commitPrepared(t *Transaction) error {
	t.mu.Lock()
	if t.victim {
		t.mu.Unlock()
		return util.ErrTxnDeadlock
	}
	if t.Status != StatusPrepared {
		status := t.Status
		t.mu.Unlock()
		return fmt.Errorf("%w: commit requires Prepared state, transaction %s is %s", util.ErrInvalidState, t.Name, status)
	}
	t.Status = StatusCommitting
	ops := make(map[string]*WriteOp, len(t.WriteSet))
	for k, v := range t.WriteSet {
		ops[k] = v
	}
	t.mu.Unlock()

	commitLSN, err := tm.wal.Append(&wal.Record{TxnID: t.ID, Type: wal.RecordTypeCommit, Timestamp: time.Now().UnixNano()})
	if err != nil {
		tm.abort(t)
		return fmt.Errorf("failed to log commit: %w", err)
	}
	// Routed through the group committer rather than a direct tm.wal.Sync()
	// so that concurrently committing transactions share one fsync instead
	// of each paying for its own.
	if err := tm.committer.Commit(commitLSN); err != nil {
		tm.abort(t)
		return fmt.Errorf("failed to fsync commit: %w", err)
	}

	// The commit record is durable; only now do the staged operations
	// become committed versions. The write locks are still held, so no
	// reader can observe a partially applied set.
	commitTime := tm.versionMgr.NewTimestamp()
	for key, op := range ops {
		chain := tm.chains.Chain(key)
		if op.Type == OpDelete {
			chain.MarkDeleted(commitTime, t.ID)
		} else {
			chain.AddVersion(mvcc.Entry{Timestamp: commitTime, TxnID: t.ID, Data: op.New})
		}
	}

	t.mu.Lock()
	t.Status = StatusCommitted
	t.mu.Unlock()

	tm.snapshotMgr.CommitTransaction(t.ID)
	tm.locks.ReleaseAll(t.ID)
	tm.forget(t)
	return nil
}

// abort is Commit's failure-path helper: it rolls back without re-raising a
// second error: any failure inside commit triggers a
// rollback and re-raises".
func (tm *TransactionManager) abort(t *Transaction) {
	t.mu.Lock()
	t.Status = StatusAborting
	t.mu.Unlock()
	_ = tm.Rollback(t)
}

// Rollback implements the rollback path. Idempotent once the
// transaction has already reached a terminal state.
func (tm *TransactionManager) Rollback(t *Transaction) error {
	t.mu.Lock()
	switch t.Status {
	case StatusCommitted, StatusAborted:
		t.mu.Unlock()
		return nil
	}
	t.Status = StatusAborting
	staged := make(map[string]*WriteOp, len(t.WriteSet))
	for k, v := range t.WriteSet {
		staged[k] = v
	}
	t.mu.Unlock()

	_, err := tm.wal.Append(&wal.Record{TxnID: t.ID, Type: wal.RecordTypeAbort, Timestamp: time.Now().UnixNano()})

	// Undo runs while the write locks are still held, so no other
	// transaction can observe the half-rolled-back state.
	if tm.onUndo != nil {
		for key, op := range staged {
			tm.onUndo(key, op, tm.lastCommitted(key))
		}
	}

	t.mu.Lock()
	t.Status = StatusAborted
	t.mu.Unlock()

	tm.snapshotMgr.AbortTransaction(t.ID)
	tm.locks.ReleaseAll(t.ID)
	tm.forget(t)

	return err
}

// forget tears down a terminal transaction's timer and removes it from the
// active set and deadlock detector.
func (tm *TransactionManager) forget(t *Transaction) {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	tm.detector.RemoveTx(t.ID)

	tm.mu.Lock()
	delete(tm.active, t.ID)
	delete(tm.byName, t.Name)
	tm.mu.Unlock()
}

// GetActiveTransactionCount reports the number of transactions currently
// registered with the manager (neither committed nor aborted).
func (tm *TransactionManager) GetActiveTransactionCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.active)
}

// Close rolls back every still-active transaction and stops the deadlock
// detector's background sweep. It does not close the underlying WAL, which
// the caller owns.
func (tm *TransactionManager) Close() error {
	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		return nil
	}
	tm.closed = true
	pending := make([]*Transaction, 0, len(tm.active))
	for _, t := range tm.active {
		pending = append(pending, t)
	}
	tm.mu.Unlock()

	for _, t := range pending {
		_ = tm.Rollback(t)
	}

	tm.detector.Stop()
	tm.gc.Stop()
	tm.committer.Stop()
	return nil
}

// Participant adapts the manager to the two-phase-commit coordinator's
// participant contract, resolving transactions by their TXN_ name.
type Participant struct {
	tm *TransactionManager
}

// Participant returns the manager's 2PC participant surface.
func (tm *TransactionManager) Participant() *Participant {
	return &Participant{tm: tm}
}

// Prepare votes on txID: a successful local prepare is a yes vote, any
// failure (unknown transaction, aborted, deadlock victim) a no vote.
func (p *Participant) Prepare(txID string) (bool, error) {
	t, ok := p.tm.LookupByName(txID)
	if !ok {
		return false, util.ErrTxnNotFound
	}
	if err := p.tm.prepare(t); err != nil {
		return false, nil
	}
	return true, nil
}

// Commit finishes a prepared transaction.
func (p *Participant) Commit(txID string) error {
	t, ok := p.tm.LookupByName(txID)
	if !ok {
		return util.ErrTxnNotFound
	}
	return p.tm.commitPrepared(t)
}

// Abort rolls txID back. Aborting a transaction the manager no longer
// knows is a no-op: it was already resolved.
func (p *Participant) Abort(txID string) error {
	t, ok := p.tm.LookupByName(txID)
	if !ok {
		return nil
	}
	return p.tm.Rollback(t)
}

// Status reports the lifecycle state of txID.
func (p *Participant) Status(txID string) (string, error) {
	t, ok := p.tm.LookupByName(txID)
	if !ok {
		return "", util.ErrTxnNotFound
	}
	return t.State().String(), nil
}
