package wal

import (
	"fmt"

	"github.com/smartpcr/docengine/internal/util"
)

// Recovery handles WAL recovery after a crash
type Recovery struct {
	wal *WAL
}

// NewRecovery creates a new recovery instance
func NewRecovery(wal *WAL) *Recovery {
	return &Recovery{wal: wal}
}

// PageStore is the narrow view of the page store that full ARIES recovery
// needs. It is satisfied by storage.Pager without wal importing storage,
// avoiding an import cycle (storage already imports wal for durability).
type PageStore interface {
	// PageLSN returns the LSN last written to pageID, and whether the page
	// exists at all (an unallocated page reports ok=false and redo always applies).
	PageLSN(pageID uint64) (lsn uint64, ok bool)
	// ApplyAfter writes the after-image to pageID, stamping it with lsn.
	ApplyAfter(pageID uint64, after []byte, lsn uint64) error
	// ApplyBefore writes the before-image to pageID during undo.
	ApplyBefore(pageID uint64, before []byte) error
}

// Result summarizes what a full ARIES recovery pass did.
type Result struct {
	Winners         []uint64 // transactions with a durable Commit record
	Losers          []uint64 // transactions with neither Commit nor Rollback/Abort
	RedoneRecords   int
	UndoneRecords   int
	CheckpointFloor LSN // floor of the newest checkpoint found, 0 if none
}

// txnState tracks what Analysis learns about one transaction while scanning.
type txnState struct {
	lastLSN    LSN // most recent record this txn wrote
	committed  bool
	rolledBack bool
}

// Recover reads all WAL records and returns the data records (Insert/Update/
// Delete) belonging to committed transactions, in WAL order — the minimal
// "winners only" view used when no page store is wired up for full redo/undo
// (e.g. tests exercising the WAL in isolation).
func (r *Recovery) Recover() ([]*Record, error) {
	records, err := r.wal.ReadAllRecords()
	if err != nil {
		return nil, fmt.Errorf("recovery failed: %w", err)
	}

	txns, _ := analyze(records)

	var valid []*Record
	for _, record := range records {
		if record.Type == RecordTypeCommit || record.Type == RecordTypeAbort ||
			record.Type == RecordTypeBegin || record.Type == RecordTypePrepare ||
			record.Type == RecordTypeCLR || record.Type == RecordTypeRead {
			continue
		}
		if st, ok := txns[record.TxnID]; ok && st.committed {
			valid = append(valid, record)
		}
	}

	return valid, nil
}

// RecoverFull performs the complete three-phase ARIES pass against a live
// page store: Analysis builds the winner/loser sets, Redo replays every
// after-image idempotently regardless of outcome, and Undo rolls back losers
// by walking their PrevLSN chain and emitting CLRs so undo itself survives a
// second crash. Running RecoverFull twice in a row is a no-op: by the second
// run every loser's undo work has already produced a Rollback marker, and
// every page's stored LSN already dominates the records redo would replay.
func (r *Recovery) RecoverFull(store PageStore) (*Result, error) {
	records, err := r.wal.ReadAllRecords()
	if err != nil {
		return nil, fmt.Errorf("recovery failed reading WAL: %w", err)
	}

	txns, alreadyUndone := analyze(records)

	// Analysis starts from the newest checkpoint: every page dirtied before
	// its floor was flushed when the checkpoint was taken, so redo can skip
	// records behind it instead of re-reading their pages.
	var floor LSN
	for _, rec := range records {
		if rec.Type != RecordTypeCheckpoint {
			continue
		}
		if info, err := DecodeCheckpoint(rec); err == nil && info.Floor > floor {
			floor = info.Floor
		}
	}

	result := &Result{CheckpointFloor: floor}
	for txnID, st := range txns {
		if st.committed {
			result.Winners = append(result.Winners, txnID)
		} else if !st.rolledBack {
			result.Losers = append(result.Losers, txnID)
		}
	}

	n, err := redo(records, floor, store)
	if err != nil {
		return nil, fmt.Errorf("redo phase failed: %w", err)
	}
	result.RedoneRecords = n

	n, err = r.undo(records, txns, alreadyUndone, store)
	if err != nil {
		return nil, fmt.Errorf("undo phase failed: %w", err)
	}
	result.UndoneRecords = n

	return result, nil
}

// analyze implements the Analysis phase: classify every transaction as
// committed, explicitly rolled back, or a loser (neither), and collect the
// set of LSNs already compensated by a prior CLR so undo skips them on
// re-entry.
func analyze(records []*Record) (map[uint64]*txnState, map[LSN]bool) {
	txns := make(map[uint64]*txnState)
	undone := make(map[LSN]bool)
	// byPrev maps each page-scoped record's (txn, PrevLSN) to its own LSN,
	// so a CLR can be matched to the record it compensated.
	type prevKey struct {
		txn  uint64
		prev LSN
	}
	byPrev := make(map[prevKey]LSN)

	ensure := func(txnID uint64) *txnState {
		st, ok := txns[txnID]
		if !ok {
			st = &txnState{}
			txns[txnID] = st
		}
		return st
	}

	for _, rec := range records {
		if rec.Type == RecordTypeCheckpoint {
			continue // not transaction-scoped, must not create a phantom loser
		}
		st := ensure(rec.TxnID)
		switch rec.Type {
		case RecordTypeCommit:
			st.committed = true
		case RecordTypeAbort:
			st.rolledBack = true
		case RecordTypeCLR:
			// The record this CLR compensated for is the one whose PrevLSN
			// equals the CLR's own PrevLSN (both point at the same undo
			// step); marking it prevents re-applying the before-image.
			if lsn, ok := byPrev[prevKey{rec.TxnID, rec.PrevLSN}]; ok {
				undone[lsn] = true
			}
		default:
			if rec.PageID != 0 {
				byPrev[prevKey{rec.TxnID, rec.PrevLSN}] = rec.LSN
			}
		}
		// Read records are audit-only: they anchor no undo work, so they
		// must not become a transaction's undo starting point.
		if rec.Type != RecordTypeCommit && rec.Type != RecordTypeAbort && rec.Type != RecordTypeRead {
			st.lastLSN = rec.LSN
		}
	}

	return txns, undone
}

// redo replays every data record's after-image unconditionally, gated only
// on the page's stored LSN being behind the record — this is what makes
// redo idempotent across repeated recovery runs.
func redo(records []*Record, floor LSN, store PageStore) (int, error) {
	applied := 0
	for _, rec := range records {
		if rec.PageID == 0 || len(rec.Value) == 0 {
			continue
		}
		if rec.LSN < floor {
			continue // behind the checkpoint, page already flushed
		}
		switch rec.Type {
		case RecordTypeInsert, RecordTypeUpdate, RecordTypeDelete, RecordTypeCLR:
		default:
			continue
		}

		pageLSN, ok := store.PageLSN(rec.PageID)
		if ok && pageLSN >= uint64(rec.LSN) {
			continue // page already reflects this change or a later one
		}
		if err := store.ApplyAfter(rec.PageID, rec.Value, uint64(rec.LSN)); err != nil {
			return applied, fmt.Errorf("%w: page %d lsn %d: %v", util.ErrDiskWriteFailed, rec.PageID, rec.LSN, err)
		}
		applied++
	}
	return applied, nil
}

// undo walks every loser transaction's record chain backward via PrevLSN,
// applying each before-image and emitting a CLR recording how far undo has
// progressed, so that a crash mid-undo resumes correctly instead of
// re-applying already-undone before-images.
func (r *Recovery) undo(records []*Record, txns map[uint64]*txnState, alreadyUndone map[LSN]bool, store PageStore) (int, error) {
	byLSN := make(map[LSN]*Record, len(records))
	for _, rec := range records {
		byLSN[rec.LSN] = rec
	}

	undone := 0
	for txnID, st := range txns {
		if st.committed || st.rolledBack {
			continue
		}

		cursor := st.lastLSN
		for cursor != 0 {
			rec, ok := byLSN[cursor]
			if !ok {
				break
			}

			if alreadyUndone[cursor] {
				cursor = rec.PrevLSN
				continue
			}

			if rec.PageID != 0 && len(rec.Before) > 0 {
				if err := store.ApplyBefore(rec.PageID, rec.Before); err != nil {
					return undone, fmt.Errorf("%w: undo page %d lsn %d: %v", util.ErrDiskWriteFailed, rec.PageID, rec.LSN, err)
				}
				undone++

				// One CLR per undone update; records that carried no
				// page work (Begin, doc-level staging) need none.
				clr := &Record{
					TxnID:       txnID,
					Type:        RecordTypeCLR,
					PageID:      rec.PageID,
					Key:         rec.Key,
					Value:       rec.Before,
					PrevLSN:     rec.PrevLSN,
					UndoNextLSN: rec.PrevLSN,
				}
				if _, err := r.wal.Append(clr); err != nil {
					return undone, fmt.Errorf("failed to append CLR: %w", err)
				}
			}

			cursor = rec.PrevLSN
		}

		// The loser is now fully undone; record its Rollback so a repeated
		// recovery run recognizes it as already resolved.
		if _, err := r.wal.Append(&Record{TxnID: txnID, Type: RecordTypeAbort}); err != nil {
			return undone, fmt.Errorf("failed to append rollback marker for txn %d: %w", txnID, err)
		}
	}

	return undone, nil
}

// RecoverToLSN recovers up to a specific LSN
func (r *Recovery) RecoverToLSN(targetLSN LSN) ([]*Record, error) {
	allRecords, err := r.Recover()
	if err != nil {
		return nil, err
	}

	// Filter records up to target LSN
	var records []*Record
	for _, record := range allRecords {
		if record.LSN <= targetLSN {
			records = append(records, record)
		}
	}

	return records, nil
}

// VerifyIntegrity checks WAL integrity
func (r *Recovery) VerifyIntegrity() error {
	records, err := r.wal.ReadAllRecords()
	if err != nil {
		return fmt.Errorf("%w: %v", util.ErrWALCorrupt, err)
	}

	// Check LSN monotonicity
	var prevLSN LSN
	for i, record := range records {
		if record.LSN <= prevLSN {
			return fmt.Errorf("%w: LSN not monotonic at record %d (prev=%d, current=%d)",
				util.ErrWALCorrupt, i, prevLSN, record.LSN)
		}
		prevLSN = record.LSN
	}

	return nil
}

// GetLastCommittedLSN returns the LSN of the last committed transaction
func (r *Recovery) GetLastCommittedLSN() (LSN, error) {
	records, err := r.wal.ReadAllRecords()
	if err != nil {
		return 0, err
	}

	var lastLSN LSN
	for _, record := range records {
		if record.Type == RecordTypeCommit && record.LSN > lastLSN {
			lastLSN = record.LSN
		}
	}

	return lastLSN, nil
}
