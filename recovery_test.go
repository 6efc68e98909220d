package docengine

import (
	"os"
	"testing"
	"time"

	"github.com/smartpcr/docengine/mvcc"
	"github.com/smartpcr/docengine/storage"
)

// crashOpts returns options with background checkpointing effectively off,
// so the WAL the "crashed" process leaves behind is exactly what the test
// wrote into it.
func crashOpts(path string) *Options {
	opts := DefaultOptions(path)
	opts.CheckpointInterval = time.Hour
	return opts
}

func TestCrashRecovery_CommittedSurvivesUncommittedDoesNot(t *testing.T) {
	dbPath := "./test_crash_recovery_db"
	_ = os.RemoveAll(dbPath)
	defer os.RemoveAll(dbPath)

	// 1. Write one committed and one uncommitted document, then "crash" by
	// abandoning the handle without Close: nothing is flushed or
	// checkpointed beyond what commit itself fsynced into the WAL.
	{
		db, err := Open(crashOpts(dbPath))
		if err != nil {
			t.Fatalf("Failed to open DB: %v", err)
		}

		coll, err := db.CreateCollection("items")
		if err != nil {
			t.Fatalf("Failed to create collection: %v", err)
		}

		txn1, _ := db.BeginTransaction(mvcc.ReadCommitted)
		if err := coll.Insert(nil, txn1, storage.Document{"_id": "x", "q": 5}); err != nil {
			t.Fatalf("Insert x failed: %v", err)
		}
		if err := db.CommitTransaction(txn1); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}

		txn2, _ := db.BeginTransaction(mvcc.ReadCommitted)
		if err := coll.Insert(nil, txn2, storage.Document{"_id": "y", "q": 6}); err != nil {
			t.Fatalf("Insert y failed: %v", err)
		}
		// txn2 is never committed and db is never closed.
	}

	// 2. Reopen: recovery must replay the committed insert and leave no
	// trace of the uncommitted one.
	{
		db, err := Open(crashOpts(dbPath))
		if err != nil {
			t.Fatalf("Failed to reopen DB: %v", err)
		}
		defer db.Close()

		coll, err := db.GetCollection("items")
		if err != nil {
			t.Fatalf("Failed to get collection: %v", err)
		}

		txn, _ := db.BeginTransaction(mvcc.ReadCommitted)
		defer db.RollbackTransaction(txn)

		doc, err := coll.FindByID(nil, txn, "x")
		if err != nil {
			t.Fatalf("committed document lost after crash: %v", err)
		}
		if q, ok := doc["q"].(float64); !ok || q != 5 {
			t.Errorf("items/x q = %v, want 5", doc["q"])
		}

		if _, err := coll.FindByID(nil, txn, "y"); err == nil {
			t.Error("uncommitted document survived the crash")
		}
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	dbPath := "./test_recover_idempotent_db"
	_ = os.RemoveAll(dbPath)
	defer os.RemoveAll(dbPath)

	db, err := Open(crashOpts(dbPath))
	if err != nil {
		t.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	coll, err := db.CreateCollection("users")
	if err != nil {
		t.Fatalf("Failed to create collection: %v", err)
	}
	txn, _ := db.BeginTransaction(mvcc.ReadCommitted)
	if err := coll.Insert(nil, txn, storage.Document{"_id": "u1", "name": "Ada"}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := db.CommitTransaction(txn); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// Running recovery twice against a live database must change nothing.
	for i := 0; i < 2; i++ {
		if err := db.Recover(); err != nil {
			t.Fatalf("Recover pass %d failed: %v", i+1, err)
		}
	}

	check, _ := db.BeginTransaction(mvcc.ReadCommitted)
	defer db.RollbackTransaction(check)
	doc, err := coll.FindByID(nil, check, "u1")
	if err != nil {
		t.Fatalf("document lost after repeated recovery: %v", err)
	}
	if doc["name"] != "Ada" {
		t.Errorf("name = %v, want Ada", doc["name"])
	}
	if coll.Count() != 1 {
		t.Errorf("count = %d, want 1", coll.Count())
	}
}

func TestCheckpointIsIdempotentAndTruncates(t *testing.T) {
	dbPath := "./test_checkpoint_db"
	_ = os.RemoveAll(dbPath)
	defer os.RemoveAll(dbPath)

	db, err := Open(crashOpts(dbPath))
	if err != nil {
		t.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	coll, err := db.CreateCollection("events")
	if err != nil {
		t.Fatalf("Failed to create collection: %v", err)
	}
	txn, _ := db.BeginTransaction(mvcc.ReadCommitted)
	if err := coll.Insert(nil, txn, storage.Document{"_id": "e1", "kind": "boot"}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := db.CommitTransaction(txn); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	lsn1, err := db.Checkpoint()
	if err != nil {
		t.Fatalf("first checkpoint failed: %v", err)
	}
	lsn2, err := db.Checkpoint()
	if err != nil {
		t.Fatalf("second checkpoint failed: %v", err)
	}
	if lsn2 <= lsn1 {
		t.Errorf("checkpoint LSNs not increasing: %d then %d", lsn1, lsn2)
	}

	// Data is intact after checkpointing.
	check, _ := db.BeginTransaction(mvcc.ReadCommitted)
	defer db.RollbackTransaction(check)
	if _, err := coll.FindByID(nil, check, "e1"); err != nil {
		t.Errorf("document lost after checkpoint: %v", err)
	}
}
