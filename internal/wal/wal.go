// Package wal implements Write-Ahead Logging for durability.
//
// The WAL ensures that all changes are recorded sequentially on disk before being applied
// to the main data files. This allows the database to recover from crashes by replaying
// the log.
//
// Key Components:
//   - WAL: The main coordinator managing segments and log appends.
//   - Segment: A single log file (rotated when full).
//   - Record: A single log entry (header + payload).
//   - GroupCommitter: Optimizes throughput by batching synchronous disk flushes.
package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// WAL represents the Write-Ahead Log Manager.
// It manages a sequence of log segments and handles atomic appends.
type WAL struct {
	dir            string
	currentSegment *Segment      // The active segment being written to
	currentLSN     atomic.Uint64 // Monotonically increasing Log Sequence Number
	nextSegmentID  SegmentID
	buffer         *bufio.Writer // Buffered writer for performance
	bufferSize     int
	segmentLimit   int64 // rotation threshold; 0 means DefaultSegmentSize
	mu             sync.RWMutex
}

// DefaultBufferSize is the default WAL buffer size (256KB)
const DefaultBufferSize = 256 * 1024

// NewWAL creates or reopens a Write-Ahead Log. Reopening scans the existing
// segments so the LSN stream resumes after the last record written before
// the previous shutdown or crash; LSNs must stay strictly increasing across
// process lifetimes for redo's page-LSN gate to hold.
func NewWAL(dir string) (*WAL, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "wal-*.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL files: %w", err)
	}

	var maxSegID SegmentID
	var maxLSN LSN
	found := false
	for _, file := range files {
		var segID uint64
		if _, err := fmt.Sscanf(filepath.Base(file), "wal-%016x.log", &segID); err != nil {
			continue
		}
		seg, err := OpenSegment(dir, SegmentID(segID))
		if err != nil {
			continue
		}
		end := seg.EndLSN()
		seg.Close()
		if !found || SegmentID(segID) > maxSegID {
			maxSegID = SegmentID(segID)
			found = true
		}
		if end > maxLSN {
			maxLSN = end
		}
	}

	var segment *Segment
	var nextSegmentID SegmentID
	if found {
		// Resume appending to the newest segment.
		segment, err = OpenSegment(dir, maxSegID)
		if err != nil {
			return nil, err
		}
		nextSegmentID = maxSegID + 1
	} else {
		segment, err = NewSegment(dir, 0, LSN(1))
		if err != nil {
			return nil, err
		}
		nextSegmentID = 1
	}

	wal := &WAL{
		dir:            dir,
		currentSegment: segment,
		nextSegmentID:  nextSegmentID,
		bufferSize:     DefaultBufferSize,
	}
	if maxLSN > 0 {
		wal.currentLSN.Store(uint64(maxLSN))
	} else {
		wal.currentLSN.Store(1)
	}

	return wal, nil
}

// SetSegmentLimit overrides the size at which segments rotate, for the
// current segment and every one created after it.
func (w *WAL) SetSegmentLimit(bytes int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if bytes > 0 {
		w.segmentLimit = bytes
		if w.currentSegment != nil {
			w.currentSegment.SetMaxSize(bytes)
		}
	}
}

// Append appends a record to the WAL and returns its LSN
func (w *WAL) Append(record *Record) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Assign LSN
	lsn := LSN(w.currentLSN.Add(1))
	record.LSN = lsn

	// Check if we need to rotate segment
	if w.currentSegment.IsFull() {
		if err := w.rotateSegment(); err != nil {
			return 0, err
		}
	}

	// Write to current segment
	if err := w.currentSegment.Write(record); err != nil {
		return 0, err
	}

	return lsn, nil
}

// AppendBatch appends multiple records to the WAL atomically
func (w *WAL) AppendBatch(records []*Record) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var lastLSN LSN
	for _, record := range records {
		// Assign LSN
		lastLSN = LSN(w.currentLSN.Add(1))
		record.LSN = lastLSN

		// Check if we need to rotate segment
		if w.currentSegment.IsFull() {
			if err := w.rotateSegment(); err != nil {
				return 0, err
			}
		}

		// Write to current segment
		if err := w.currentSegment.Write(record); err != nil {
			return 0, err
		}
	}

	return lastLSN, nil
}

// Sync forces a sync of the WAL to disk
func (w *WAL) Sync() error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.currentSegment.Sync()
}

// rotateSegment creates a new segment and closes the current one
func (w *WAL) rotateSegment() error {
	// Close current segment
	if err := w.currentSegment.Close(); err != nil {
		return err
	}

	// Create new segment
	nextLSN := LSN(w.currentLSN.Load() + 1)
	newSegment, err := NewSegment(w.dir, w.nextSegmentID, nextLSN)
	if err != nil {
		return err
	}
	if w.segmentLimit > 0 {
		newSegment.SetMaxSize(w.segmentLimit)
	}

	w.currentSegment = newSegment
	w.nextSegmentID++

	return nil
}

// GetCurrentLSN returns the current LSN
func (w *WAL) GetCurrentLSN() LSN {
	return LSN(w.currentLSN.Load())
}

// FirstLSN returns the oldest LSN still present on disk across all segments.
func (w *WAL) FirstLSN() LSN {
	w.mu.RLock()
	defer w.mu.RUnlock()

	files, err := filepath.Glob(filepath.Join(w.dir, "wal-*.log"))
	if err != nil || len(files) == 0 {
		return 0
	}

	var first LSN
	for _, file := range files {
		var segID uint64
		if _, err := fmt.Sscanf(filepath.Base(file), "wal-%016x.log", &segID); err != nil {
			continue
		}
		seg, err := OpenSegment(w.dir, SegmentID(segID))
		if err != nil {
			continue
		}
		start := seg.StartLSN()
		seg.Close()
		if start == 0 {
			continue
		}
		if first == 0 || start < first {
			first = start
		}
	}
	return first
}

// ReadAllRecords reads all records from all WAL segments
func (w *WAL) ReadAllRecords() ([]*Record, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	// List all WAL files
	files, err := filepath.Glob(filepath.Join(w.dir, "wal-*.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL files: %w", err)
	}

	var allRecords []*Record

	// Read each segment
	for _, file := range files {
		// Extract segment ID from filename
		var segID uint64
		if _, err := fmt.Sscanf(filepath.Base(file), "wal-%016x.log", &segID); err != nil {
			continue // Skip invalid files
		}

		segment, err := OpenSegment(w.dir, SegmentID(segID))
		if err != nil {
			return nil, err
		}

		records, err := segment.ReadRecords()
		segment.Close()

		if err != nil {
			return nil, err
		}

		allRecords = append(allRecords, records...)
	}

	return allRecords, nil
}

// ReadFrom returns every record with an LSN at or above lsn, in WAL order.
// This is the recovery scan entry point: a truncated or corrupt tail has
// already been discarded by the per-segment scan.
func (w *WAL) ReadFrom(lsn LSN) ([]*Record, error) {
	records, err := w.ReadAllRecords()
	if err != nil {
		return nil, err
	}

	out := records[:0]
	for _, rec := range records {
		if rec.LSN >= lsn {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Truncate removes WAL segments that are entirely older than upToLSN, i.e.
// every record they hold has LSN < upToLSN. A segment straddling upToLSN is
// kept whole; segment-interior compaction is not implemented (see DESIGN.md).
func (w *WAL) Truncate(upToLSN LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(w.dir, "wal-*.log"))
	if err != nil {
		return fmt.Errorf("failed to list WAL files: %w", err)
	}

	for _, file := range files {
		var segID uint64
		if _, err := fmt.Sscanf(filepath.Base(file), "wal-%016x.log", &segID); err != nil {
			continue
		}

		// Never remove the segment we're actively appending to.
		if SegmentID(segID) == w.currentSegment.ID {
			continue
		}

		segment, err := OpenSegment(w.dir, SegmentID(segID))
		if err != nil {
			continue
		}
		endLSN := segment.EndLSN()
		segment.Close()

		// An empty segment (no records) or one whose last record predates
		// the checkpoint is safe to delete outright.
		if endLSN != 0 && endLSN >= upToLSN {
			continue
		}

		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove obsolete WAL segment %s: %w", file, err)
		}
	}

	return nil
}

// Close closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSegment != nil {
		return w.currentSegment.Close()
	}
	return nil
}

// RecordExists checks if a record with the given LSN exists
func (w *WAL) RecordExists(lsn LSN) bool {
	return lsn <= w.GetCurrentLSN() && lsn > 0
}
