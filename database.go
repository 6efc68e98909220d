// Package docengine implements a high-performance, embedded document database in Go.
//
// Key Features:
//   - ACID Transactions via MVCC (Multi-Version Concurrency Control)
//   - Write-Ahead Logging (WAL) for durability and crash recovery
//   - B+Tree Indexing for fast lookups and range scans
//   - Connection Pooling for concurrent access management
//   - Persistent Metadata for schema recovery
//
// Architecture:
// The database is composed of several layers:
//  1. Database: The main entry point coordinating all components.
//  2. Collection: Manages documents and their associated indexes.
//  3. Transaction Manager: Handles ACID properties and isolation levels.
//  4. MVCC: Manages version chains and snapshot isolation for non-blocking reads.
//  5. WAL: Ensures durability by logging all changes before applying them.
//  6. Storage: Manages disk I/O (Pager), memory caching (BufferPool), and data structures (B+Tree).
package docengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smartpcr/docengine/internal/cache"
	"github.com/smartpcr/docengine/internal/index"
	"github.com/smartpcr/docengine/internal/query"
	"github.com/smartpcr/docengine/internal/transaction"
	"github.com/smartpcr/docengine/internal/txn"
	"github.com/smartpcr/docengine/internal/util"
	"github.com/smartpcr/docengine/internal/wal"
	"github.com/smartpcr/docengine/mvcc"
	"github.com/smartpcr/docengine/rules"
	"github.com/smartpcr/docengine/storage"
	"github.com/xeipuuv/gojsonschema"
)

// queryCacheSize bounds the number of parsed query ASTs kept around per
// database. Query shapes come from application code, not arbitrary user
// input, so this is generous headroom rather than a tight bound.
const queryCacheSize = 256

// Database represents a docengine database instance.
// It acts as the central coordinator for all database subsystems.
type Database struct {
	path         string
	bufferPool   *storage.BufferPool             // Manages in-memory page cache
	pager        *storage.Pager                  // Handles raw disk I/O
	walWriter    *wal.WAL                        // Write-Ahead Log for durability
	versionMgr   *mvcc.VersionManager            // Manages MVCC version chains
	snapshotMgr  *mvcc.SnapshotManager           // Manages transaction snapshots
	txnMgr       *transaction.TransactionManager // Coordinates transaction lifecycles
	metadataMgr  *MetadataManager                // Persists schema/index definitions
	checkpointer *wal.CheckpointManager          // Periodic WAL checkpoint + prefix truncation
	coordinator  *txn.Coordinator                // Two-phase commit over registered participants
	RulesEngine  *rules.RulesEngine              // CEL Rules Engine
	collections  map[string]*Collection          // Registry of loaded collections
	groupIndexes map[string]*storage.BPlusTree   // Registry of active Group Indexes (Key: pattern::field)
	queryCache   *cache.LRU[string, query.Node]  // Parsed-query AST cache, keyed by canonical query JSON
	btreeDegree  int                             // Fan-out for in-memory secondary indexes
	mu           sync.RWMutex                    // Protects map access and closure state
	closed       bool                            // Flag indicating if DB is closed
}

// parseQueryCached parses queryMap into a query AST, reusing a previously
// parsed AST for the same canonical query shape when available. The parsed
// AST only holds comparator operators and literal values extracted from the
// query document itself (see internal/query), so sharing it across callers
// is safe: it carries no per-transaction or per-document state.
func (db *Database) parseQueryCached(queryMap map[string]interface{}) (query.Node, error) {
	key, keyErr := json.Marshal(queryMap)
	if keyErr == nil {
		if node, ok := db.queryCache.Get(string(key)); ok {
			return node, nil
		}
	}

	node, err := query.Parse(queryMap)
	if err != nil {
		return nil, err
	}

	if keyErr == nil {
		db.queryCache.Put(string(key), node)
	}
	return node, nil
}

// Options configures a database instance
type Options struct {
	// Path to database directory
	Path string

	// BufferPoolSize in number of pages (default: 1000 = 4MB)
	BufferPoolSize int

	// WALPath for write-ahead log (default: Path/wal)
	WALPath string

	// MetadataPath for system catalog (default: Path/system_catalog.json)
	MetadataPath string

	// EncryptionKey for at-rest encryption (32 bytes for AES-256)
	// If nil, encryption is disabled.
	EncryptionKey []byte

	// PageSize of the data file. The on-disk layout is fixed at
	// storage.PageSize; any other value is rejected at Open.
	PageSize int

	// BTreeDegree for in-memory secondary indexes (default: 64)
	BTreeDegree int

	// LockTimeout bounds every lock acquisition (default: 30s)
	LockTimeout time.Duration

	// TransactionTimeout is the per-transaction idle timeout, restarted on
	// every call (default: 5min)
	TransactionTimeout time.Duration

	// DeadlockDetectionInterval is the wait-for-graph sweep period
	// (default: 100ms)
	DeadlockDetectionInterval time.Duration

	// CheckpointInterval between automatic WAL checkpoints (default: 60s)
	CheckpointInterval time.Duration

	// WALSegmentLimit is the size at which WAL segments rotate
	// (default: 64MiB)
	WALSegmentLimit int64
}

// DefaultOptions returns default database options
func DefaultOptions(path string) *Options {
	return &Options{
		Path:                      path,
		BufferPoolSize:            1000, // 4MB default
		WALPath:                   path + "/wal",
		MetadataPath:              path + "/system_catalog.json",
		PageSize:                  storage.PageSize,
		BTreeDegree:               64,
		LockTimeout:               30 * time.Second,
		TransactionTimeout:        5 * time.Minute,
		DeadlockDetectionInterval: 100 * time.Millisecond,
		CheckpointInterval:        60 * time.Second,
		WALSegmentLimit:           64 * 1024 * 1024,
	}
}

// Open opens a database at the given path with the provided options.
// It initializes all subsystems:
// 1. Pager for disk I/O
// 2. BufferPool for page caching
// 3. Write-Ahead Log (WAL) for durability
// 4. MetadataManager for schema recovery
// 5. MVCC components (VersionManager, SnapshotManager)
// 6. TransactionManager
//
// It then effectively performs "Recovery" by loading valid B-Tree roots from
// the system catalog (metadata), ensuring that the database state is consistent
// with the last successful commit.
func Open(opts *Options) (*Database, error) {
	if opts == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}
	if opts.PageSize != 0 && opts.PageSize != storage.PageSize {
		return nil, fmt.Errorf("%w: page size %d is not supported, the on-disk format is fixed at %d",
			util.ErrArgument, opts.PageSize, storage.PageSize)
	}

	// Create pager for disk I/O
	pager, err := storage.NewPager(opts.Path+"/data.db", opts.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create pager: %w", err)
	}

	// Create buffer pool
	bufferPool := storage.NewBufferPool(opts.BufferPoolSize, pager)

	// Create WAL
	walWriter, err := wal.NewWAL(opts.WALPath)
	if err != nil {
		pager.Close()
		return nil, fmt.Errorf("failed to create WAL: %w", err)
	}
	walWriter.SetSegmentLimit(opts.WALSegmentLimit)

	// Create Metadata Manager
	metaPath := opts.MetadataPath
	if metaPath == "" {
		metaPath = opts.Path + "/system_catalog.json"
	}
	metadataMgr, err := NewMetadataManager(metaPath)
	if err != nil {
		pager.Close()
		walWriter.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}

	// Create MVCC components
	versionMgr := mvcc.NewVersionManager()
	snapshotMgr := mvcc.NewSnapshotManager(versionMgr)

	// Create transaction manager
	txnMgr := transaction.NewTransactionManagerWithConfig(snapshotMgr, walWriter, transaction.Config{
		LockTimeout:       opts.LockTimeout,
		TxnTimeout:        opts.TransactionTimeout,
		DetectionInterval: opts.DeadlockDetectionInterval,
	})

	// Initialize Rules Engine
	re, err := rules.NewRulesEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rules engine: %w", err)
	}

	db := &Database{
		path:         opts.Path,
		bufferPool:   bufferPool,
		pager:        pager,
		walWriter:    walWriter,
		versionMgr:   versionMgr,
		snapshotMgr:  snapshotMgr,
		txnMgr:       txnMgr,
		metadataMgr:  metadataMgr,
		RulesEngine:  re,
		collections:  make(map[string]*Collection),
		groupIndexes: make(map[string]*storage.BPlusTree),
		queryCache:   cache.New[string, query.Node](queryCacheSize),
		btreeDegree:  opts.BTreeDegree,
		closed:       false,
	}

	// Collection writes reach the primary index before commit, so rollback
	// must put the last committed value back (or remove the entry entirely)
	// while the transaction still holds its write locks.
	txnMgr.SetUndoHandler(func(key string, staged *transaction.WriteOp, committed []byte) {
		collName, _, ok := splitDocKey(key)
		if !ok {
			return
		}
		db.mu.RLock()
		coll := db.collections[collName]
		db.mu.RUnlock()
		if coll == nil || coll.primaryIndex == nil {
			return
		}
		coll.undoIndexWrite(key, staged, committed)
	})

	// Restore Collections from Metadata
	for _, name := range metadataMgr.ListCollections() {
		meta, _ := metadataMgr.GetCollection(name)
		coll := &Collection{
			name:          name,
			db:            db,
			secondary:     make(map[string]index.Index[string, string]),
			secondaryKind: make(map[string]string),
			mu:            sync.RWMutex{},
		}

		// Restore the durable primary (_id) index from its root page.
		if rootID, ok := meta.Indexes["_id"]; ok {
			idx, err := storage.LoadBPlusTree(bufferPool, storage.PageID(rootID))
			if err != nil {
				return nil, fmt.Errorf("failed to load primary index for collection %s: %w", name, err)
			}

			// Attach listener to update metadata on split
			idx.SetOnRootChange(func(newRootID storage.PageID) {
				// Runs under the B+Tree's own lock; MetadataManager has an
				// independent lock so this does not nest/deadlock.
				currentMeta, _ := metadataMgr.GetCollection(name)
				if currentMeta.Indexes == nil {
					currentMeta.Indexes = make(map[string]uint64)
				}
				currentMeta.Indexes["_id"] = uint64(newRootID)

				saveIdx := make(map[string]storage.PageID)
				for k, v := range currentMeta.Indexes {
					saveIdx[k] = storage.PageID(v)
				}
				metadataMgr.UpdateCollection(name, saveIdx)
			})

			coll.primaryIndex = idx
		}

		// Secondary indexes are in-memory only; reconstruct the shape each
		// field used and backfill from the primary index, rather than
		// restoring from a (nonexistent) root page.
		for field, kind := range meta.SecondaryIndexKinds {
			idx, err := newSecondaryIndex(kind, opts.BTreeDegree)
			if err != nil {
				return nil, fmt.Errorf("failed to construct secondary index for collection %s field %s: %w", name, field, err)
			}
			coll.secondary[field] = idx
			coll.secondaryKind[field] = kind
		}

		if coll.primaryIndex != nil && len(coll.secondary) > 0 {
			startKey := []byte{0x00}
			endKey := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
			entries, err := coll.primaryIndex.RangeScan(startKey, endKey)
			if err != nil {
				return nil, fmt.Errorf("failed to backfill secondary indexes for collection %s: %w", name, err)
			}
			for _, entry := range entries {
				doc, err := storage.DeserializeDocument(entry.Value)
				if err != nil {
					continue
				}
				id, _ := doc.GetID()
				for field, idx := range coll.secondary {
					if val, ok := doc[field]; ok {
						valStr := fmt.Sprintf("%v", val)
						compKey := valStr + "\x00" + string(id)
						idx.Put(compKey, string(id))
					}
				}
			}
		}

		// Restore Schema
		if meta.Schema != "" {
			loader := gojsonschema.NewStringLoader(meta.Schema)
			schema, err := gojsonschema.NewSchema(loader)
			if err != nil {
				// Corrupt schema shouldn't block opening the database; warn
				// and leave this collection without schema enforcement.
				fmt.Printf("[WARN] Failed to load schema for collection %s: %v\n", name, err)
			} else {
				coll.schemaLoader = schema
			}
		}

		db.collections[name] = coll
	}

	// Restore Group Indexes
	for _, meta := range metadataMgr.ListGroupIndexes() {
		idx, err := storage.LoadBPlusTree(bufferPool, storage.PageID(meta.RootID))
		if err != nil {
			return nil, fmt.Errorf("failed to load group index %s::%s: %w", meta.Pattern, meta.Field, err)
		}

		p, f := meta.Pattern, meta.Field
		idx.SetOnRootChange(func(newRootID storage.PageID) {
			metadataMgr.UpdateGroupIndex(p, f, newRootID)
		})

		key := meta.Pattern + "::" + meta.Field
		db.groupIndexes[key] = idx
	}

	// Link Collections to Group Indexes
	// We do this after both are loaded
	for _, coll := range db.collections {
		for key, gIdx := range db.groupIndexes {
			parts := strings.Split(key, "::")
			if len(parts) != 2 {
				continue
			}
			pattern, field := parts[0], parts[1]

			matched, _ := filepath.Match(pattern, coll.Name())
			if matched {
				coll.linkedGroupIndexes = append(coll.linkedGroupIndexes, &GroupIndexLink{
					Index: gIdx,
					Field: field,
				})
			}
		}
	}

	// Background checkpointing: dirty pages are flushed before any WAL
	// prefix behind the checkpoint is dropped.
	db.checkpointer = wal.NewCheckpointManager(walWriter, txnMgr.ActiveTxnLSNs, opts.CheckpointInterval)
	db.checkpointer.SetPageFlusher(func() error {
		if err := bufferPool.FlushAllPages(); err != nil {
			return err
		}
		return pager.Sync()
	})

	// Crash recovery: a WAL that already held records before this open means
	// the previous process did not shut down cleanly behind a checkpoint.
	// A fresh checkpoint afterward makes the recovered state the new safe
	// point, so the work is not repeated on the next open.
	if walWriter.GetCurrentLSN() > 1 {
		if err := db.Recover(); err != nil {
			db.txnMgr.Close()
			walWriter.Close()
			pager.Close()
			return nil, fmt.Errorf("recovery failed: %w", err)
		}
		if _, err := db.checkpointer.CreateCheckpoint(); err != nil {
			fmt.Printf("[WARN] failed to checkpoint after recovery: %v\n", err)
		}
	}

	db.checkpointer.Start()

	// Two-phase commit coordinator with its own durable decision log; its
	// background driver re-runs recovery for forgotten decisions.
	coordinator, err := txn.NewCoordinator(opts.Path+"/2pc", 0)
	if err != nil {
		db.checkpointer.Stop()
		db.txnMgr.Close()
		walWriter.Close()
		pager.Close()
		return nil, fmt.Errorf("failed to open coordinator log: %w", err)
	}
	if err := coordinator.Recover(); err != nil {
		fmt.Printf("[WARN] coordinator recovery: %v\n", err)
	}
	coordinator.Start()
	db.coordinator = coordinator

	return db, nil
}

// Coordinator exposes the database's two-phase commit coordinator. Begin a
// transaction per participant, then drive Begin/Prepare/Commit across them
// with db.TxnMgr().Participant() as the local participant handle.
func (db *Database) Coordinator() *txn.Coordinator {
	return db.coordinator
}

// TxnMgr exposes the transaction manager, e.g. for registering it as a
// two-phase commit participant.
func (db *Database) TxnMgr() *transaction.TransactionManager {
	return db.txnMgr
}

// Checkpoint forces a WAL checkpoint: flushes dirty pages, writes a
// Checkpoint record carrying the active-transaction floor, and truncates
// every WAL segment entirely behind it. Idempotent when nothing was written
// since the last checkpoint.
func (db *Database) Checkpoint() (wal.LSN, error) {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return 0, util.ErrDatabaseClosed
	}
	cp := db.checkpointer
	db.mu.RUnlock()

	if cp == nil {
		return 0, util.ErrInvalidState
	}
	return cp.CreateCheckpoint()
}

// Recover replays the write-ahead log against the current state: a full
// ARIES pass (analysis, page-level redo gated on page LSNs, undo with
// compensation records) followed by a document-level replay that re-applies
// every committed transaction's writes to the primary indexes and rolls
// loser transactions' index entries back to their before-images. Running it
// twice in a row is a no-op.
func (db *Database) Recover() error {
	rec := wal.NewRecovery(db.walWriter)

	// Classify transactions before the ARIES pass: RecoverFull appends an
	// Abort marker for every loser it undoes, and that marker is what makes
	// a repeated Recover see the loser as already resolved and skip it.
	records, err := db.walWriter.ReadAllRecords()
	if err != nil {
		return err
	}

	winners := make(map[uint64]bool)
	losers := make(map[uint64]bool)
	for _, r := range records {
		switch r.Type {
		case wal.RecordTypeCommit:
			winners[r.TxnID] = true
			delete(losers, r.TxnID)
		case wal.RecordTypeAbort:
			delete(losers, r.TxnID)
		case wal.RecordTypeInsert, wal.RecordTypeUpdate, wal.RecordTypeDelete:
			if !winners[r.TxnID] {
				losers[r.TxnID] = true
			}
		}
	}

	if _, err := rec.RecoverFull(db.pager); err != nil {
		return err
	}

	touched := make(map[string]bool)

	// Redo committed document writes in WAL order.
	for _, r := range records {
		if !winners[r.TxnID] || len(r.Key) == 0 {
			continue
		}
		collName, _, ok := splitDocKey(string(r.Key))
		if !ok {
			continue
		}
		coll, err := db.recoveryCollection(collName)
		if err != nil {
			return err
		}
		switch r.Type {
		case wal.RecordTypeInsert, wal.RecordTypeUpdate:
			// An empty after-image is a tombstone: collection deletes are
			// staged as writes of the empty value.
			if len(r.Value) == 0 {
				if err := coll.primaryIndex.Delete(r.Key); err != nil && !errors.Is(err, util.ErrDocumentNotFound) {
					return fmt.Errorf("redo delete of %s failed: %w", r.Key, err)
				}
			} else if err := coll.primaryIndex.Insert(r.Key, r.Value); err != nil {
				return fmt.Errorf("redo of %s failed: %w", r.Key, err)
			}
			touched[collName] = true
		case wal.RecordTypeDelete:
			if err := coll.primaryIndex.Delete(r.Key); err != nil && !errors.Is(err, util.ErrDocumentNotFound) {
				return fmt.Errorf("redo delete of %s failed: %w", r.Key, err)
			}
			touched[collName] = true
		}
	}

	// Undo loser document writes in reverse WAL order, restoring each key's
	// before-image (or removing the entry the loser inserted).
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if !losers[r.TxnID] || len(r.Key) == 0 {
			continue
		}
		switch r.Type {
		case wal.RecordTypeInsert, wal.RecordTypeUpdate, wal.RecordTypeDelete:
		default:
			continue
		}
		collName, _, ok := splitDocKey(string(r.Key))
		if !ok {
			continue
		}
		coll, err := db.recoveryCollection(collName)
		if err != nil {
			return err
		}
		if len(r.Before) > 0 {
			if err := coll.primaryIndex.Insert(r.Key, r.Before); err != nil {
				return fmt.Errorf("undo of %s failed: %w", r.Key, err)
			}
		} else {
			if err := coll.primaryIndex.Delete(r.Key); err != nil && !errors.Is(err, util.ErrDocumentNotFound) {
				return fmt.Errorf("undo delete of %s failed: %w", r.Key, err)
			}
		}
		touched[collName] = true
	}

	// Secondary and group indexes are in-memory projections of the primary
	// index; rebuild them for every collection recovery touched.
	names := make([]string, 0, len(touched))
	for name := range touched {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		db.mu.RLock()
		coll := db.collections[name]
		db.mu.RUnlock()
		if coll == nil {
			continue
		}
		if err := coll.rebuildSecondaryIndexes(); err != nil {
			return fmt.Errorf("failed to rebuild indexes for collection %s: %w", name, err)
		}
	}

	if err := db.bufferPool.FlushAllPages(); err != nil {
		return err
	}
	return db.pager.Sync()
}

// splitDocKey parses a "<collection-name>/<document-id>" key. Collection
// names may themselves contain "/" (nested collections); document IDs never
// do, so the split is at the last separator.
func splitDocKey(key string) (collection, id string, ok bool) {
	i := strings.LastIndex(key, "/")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// recoveryCollection resolves a collection named in a WAL record, creating
// it if the crash happened before its metadata was persisted.
func (db *Database) recoveryCollection(name string) (*Collection, error) {
	db.mu.RLock()
	coll, ok := db.collections[name]
	db.mu.RUnlock()
	if ok {
		if coll.primaryIndex == nil {
			primaryIdx, err := storage.NewBPlusTree(db.bufferPool)
			if err != nil {
				return nil, fmt.Errorf("failed to create index for collection %s: %w", name, err)
			}
			coll.primaryIndex = primaryIdx
		}
		return coll, nil
	}
	return db.CreateCollection(name)
}

// CreateCollection creates a new collection
func (db *Database) CreateCollection(name string) (*Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, fmt.Errorf("database is closed")
	}

	// Check if collection already exists
	if _, exists := db.collections[name]; exists {
		return nil, fmt.Errorf("collection %s already exists", name)
	}

	// Create B+tree index for this collection
	primaryIdx, err := storage.NewBPlusTree(db.bufferPool)
	if err != nil {
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	// Create collection
	coll := &Collection{
		name:          name,
		db:            db,
		primaryIndex:  primaryIdx,
		secondary:     make(map[string]index.Index[string, string]),
		secondaryKind: make(map[string]string),
		mu:            sync.RWMutex{},
	}

	// Register listener
	primaryIdx.SetOnRootChange(func(newRootID storage.PageID) {
		currentMeta, _ := db.metadataMgr.GetCollection(name)
		if currentMeta.Indexes == nil {
			currentMeta.Indexes = make(map[string]uint64)
		}
		currentMeta.Indexes["_id"] = uint64(newRootID)

		saveIdx := make(map[string]storage.PageID)
		for k, v := range currentMeta.Indexes {
			saveIdx[k] = storage.PageID(v)
		}
		db.metadataMgr.UpdateCollection(name, saveIdx)
	})

	// Link Group Indexes: db.groupIndexes is keyed "pattern::field".
	for key, gIdx := range db.groupIndexes {
		parts := strings.Split(key, "::")
		if len(parts) != 2 {
			continue
		}
		pattern, field := parts[0], parts[1]

		// Match
		matched, _ := filepath.Match(pattern, name)
		if matched {
			coll.linkedGroupIndexes = append(coll.linkedGroupIndexes, &GroupIndexLink{
				Index: gIdx,
				Field: field,
			})
			fmt.Printf("[INFO] Linked collection %s to Group Index %s::%s\n", name, pattern, field)
		}
	}

	db.collections[name] = coll

	// Persist Initial Metadata
	initIndexes := map[string]storage.PageID{
		"_id": primaryIdx.GetRootID(),
	}
	if err := db.metadataMgr.UpdateCollection(name, initIndexes); err != nil {
		return nil, fmt.Errorf("failed to persist collection metadata: %w", err)
	}

	return coll, nil
}

// GetCollection returns an existing collection
func (db *Database) GetCollection(name string) (*Collection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, fmt.Errorf("database is closed")
	}

	coll, exists := db.collections[name]
	if !exists {
		return nil, fmt.Errorf("collection %s does not exist", name)
	}

	return coll, nil
}

// DropCollection drops a collection
func (db *Database) DropCollection(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return fmt.Errorf("database is closed")
	}

	if _, exists := db.collections[name]; !exists {
		return fmt.Errorf("collection %s does not exist", name)
	}

	// Remove from collections map
	delete(db.collections, name)

	return nil
}

// ListCollections returns names of all collections
func (db *Database) ListCollections() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	return names
}

// ListCollectionsWithPrefix returns names of collections filtering by prefix
func (db *Database) ListCollectionsWithPrefix(prefix string) []string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	names := make([]string, 0)
	for name := range db.collections {
		if prefix == "" {
			names = append(names, name)
			continue
		}
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			names = append(names, name)
		}
	}
	return names
}

// BeginTransaction starts a new transaction with the specified isolation level
func (db *Database) BeginTransaction(level mvcc.IsolationLevel) (*transaction.Transaction, error) {
	if db.closed {
		return nil, fmt.Errorf("database is closed")
	}

	return db.txnMgr.Begin(level)
}

// CommitTransaction commits a transaction
func (db *Database) CommitTransaction(txn *transaction.Transaction) error {
	if db.closed {
		return fmt.Errorf("database is closed")
	}

	return db.txnMgr.Commit(txn)
}

// RollbackTransaction rolls back a transaction
func (db *Database) RollbackTransaction(txn *transaction.Transaction) error {
	if db.closed {
		return fmt.Errorf("database is closed")
	}

	return db.txnMgr.Rollback(txn)
}

// Close closes the database and releases resources
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return fmt.Errorf("database already closed")
	}
	db.closed = true
	// Teardown happens outside db.mu: rolling back the remaining active
	// transactions re-enters the undo handler, which reads the collection
	// registry under the same mutex.
	db.mu.Unlock()

	// Stop the coordinator's background recovery driver and release its log.
	if db.coordinator != nil {
		if err := db.coordinator.Close(); err != nil {
			fmt.Printf("[WARN] failed to close coordinator: %v\n", err)
		}
	}

	// Close transaction manager (rolls back anything still active)
	if err := db.txnMgr.Close(); err != nil {
		return fmt.Errorf("failed to close transaction manager: %w", err)
	}

	// Final checkpoint: flushes dirty pages and truncates the WAL prefix so
	// the next open skips recovery work for everything already applied.
	if db.checkpointer != nil {
		db.checkpointer.Stop()
		if _, err := db.checkpointer.CreateCheckpoint(); err != nil {
			fmt.Printf("[WARN] failed to checkpoint on close: %v\n", err)
		}
	}

	// Flush buffer pool
	if err := db.bufferPool.FlushAllPages(); err != nil {
		return fmt.Errorf("failed to flush buffer pool: %w", err)
	}

	// Close WAL
	if err := db.walWriter.Close(); err != nil {
		return fmt.Errorf("failed to close WAL: %w", err)
	}

	// Close pager
	if err := db.pager.Close(); err != nil {
		return fmt.Errorf("failed to close pager: %w", err)
	}

	return nil
}

// EnsureGroupIndex creates a collection group index.
// Arguments:
// - pattern: Glob pattern or prefix (e.g. "users/*/posts" or just glob match)
// - field: Field to index
func (db *Database) EnsureGroupIndex(pattern, field string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return fmt.Errorf("database is closed")
	}

	key := pattern + "::" + field
	if _, exists := db.groupIndexes[key]; exists {
		return nil
	}

	fmt.Printf("[INFO] Creating Group Index: %s :: %s\n", pattern, field)

	// Create Index
	groupIdx, err := storage.NewBPlusTree(db.bufferPool)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	// Backfill every already-open collection whose name matches the glob
	// pattern (e.g. "users/*/posts"), using shell-style matching.
	for _, coll := range db.collections {
		matched, _ := filepath.Match(pattern, coll.Name())
		if !matched {
			continue
		}

		fmt.Printf("[INFO] Backfilling from collection: %s\n", coll.Name())

		// Scan Primary Index of matched collection
		startKey := []byte{0x00}
		endKey := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

		scanResults, err := coll.primaryIndex.RangeScan(startKey, endKey)
		if err != nil {
			fmt.Printf("[WARN] Failed to scan collection %s: %v\n", coll.Name(), err)
			continue
		}

		for _, entry := range scanResults {
			doc, err := storage.DeserializeDocument(entry.Value)
			if err != nil {
				continue
			}

			id, _ := doc.GetID()
			if val, ok := doc[field]; ok {
				valStr := fmt.Sprintf("%v", val)
				// Key is "<value>\0<collection>\0<id>" so the index sorts by
				// value across every linked collection; the value carries
				// collection+id together so a hit resolves straight back to
				// the document without re-parsing the key.
				compKey := []byte(valStr + "\x00" + coll.Name() + "\x00" + string(id))
				compVal := []byte(coll.Name() + "\x00" + string(id))

				if err := groupIdx.Insert(compKey, compVal); err != nil {
					return fmt.Errorf("failed to insert group index entry: %w", err)
				}
			}
		}
	}

	// Persist Metadata
	groupIdx.SetOnRootChange(func(newRootID storage.PageID) {
		db.metadataMgr.UpdateGroupIndex(pattern, field, newRootID)
	})

	db.groupIndexes[key] = groupIdx

	if err := db.metadataMgr.UpdateGroupIndex(pattern, field, groupIdx.GetRootID()); err != nil {
		return fmt.Errorf("failed to persist group index metadata: %w", err)
	}

	return nil
}

// IsClosed returns true if the database is closed
func (db *Database) IsClosed() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.closed
}

// BufferPoolStats reports the page cache's cumulative hit/miss/eviction
// counters, useful for telling a hot working set apart from one that is
// thrashing the pager.
func (db *Database) BufferPoolStats() storage.Stats {
	return db.bufferPool.Stats()
}

// FindInGroup executes a query against a collection group using an index.
// Currently only supports simple equality checks on indexed fields.
func (db *Database) FindInGroup(auth *rules.AuthContext, txn *transaction.Transaction, pattern string, queryMap map[string]interface{}) ([]storage.Document, error) {
	// 1. Analyze Query (Simplified: Find strict equality on indexed field)
	// We need to find ONE field in the query that matches an existing Group Index.
	var groupIdx *storage.BPlusTree
	var value interface{}

	db.mu.RLock()
	// Check all fields in query
	for k, v := range queryMap {
		key := pattern + "::" + k
		if idx, ok := db.groupIndexes[key]; ok {
			groupIdx = idx
			value = v
			break // Found an index!
		}
	}
	db.mu.RUnlock()

	if groupIdx == nil {
		// Fallback: Scatter-Gather (Iterate all collections)
		return db.scanGroup(auth, txn, pattern, queryMap)
	}

	// 2. Index Scan
	valStr := fmt.Sprintf("%v", value)
	startKey := []byte(valStr + "\x00")
	endKey := []byte(valStr + "\x00" + "\xFF")

	scanResults, err := groupIdx.RangeScan(startKey, endKey)
	if err != nil {
		return nil, fmt.Errorf("group index scan failed: %w", err)
	}

	var results []storage.Document
	for _, entry := range scanResults {
		// Value is CollectionName \0 DocID
		parts := strings.Split(string(entry.Value), "\x00")
		if len(parts) != 2 {
			continue
		}
		collName, docID := parts[0], parts[1]

		coll, err := db.GetCollection(collName)
		if err != nil {
			continue
		}

		doc, err := coll.FindByID(auth, txn, docID)
		if err != nil {
			continue
		}

		results = append(results, doc)
	}

	return results, nil
}

// scanGroup performs a scatter-gather scan of all matching collections
func (db *Database) scanGroup(auth *rules.AuthContext, txn *transaction.Transaction, pattern string, queryMap map[string]interface{}) ([]storage.Document, error) {
	var results []storage.Document

	colls := db.ListCollections() // helper

	for _, name := range colls {
		matched, _ := filepath.Match(pattern, name)
		if !matched {
			continue
		}

		coll, err := db.GetCollection(name)
		if err != nil {
			continue
		}

		// Execute Query on Collection
		docs, err := coll.FindQuery(auth, txn, queryMap)
		if err != nil {
			continue
		}
		results = append(results, docs...)
	}

	return results, nil
}
