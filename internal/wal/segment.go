package wal

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/smartpcr/docengine/internal/disk"
)

// SegmentID uniquely identifies a WAL segment file
type SegmentID uint64

// DefaultSegmentSize is the default maximum size for a WAL segment (64MB)
const DefaultSegmentSize = 64 * 1024 * 1024

// Segment represents a single WAL segment file. All file access goes
// through the disk engine, which serializes appends and keeps size
// bookkeeping.
type Segment struct {
	ID       SegmentID
	engine   *disk.Engine
	maxSize  int64
	startLSN LSN
	endLSN   LSN
	mu       sync.RWMutex
}

func segmentPath(dir string, id SegmentID) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%016x.log", id))
}

// NewSegment creates a new WAL segment
func NewSegment(dir string, id SegmentID, startLSN LSN) (*Segment, error) {
	engine, err := disk.Open(segmentPath(dir, id))
	if err != nil {
		return nil, fmt.Errorf("failed to create WAL segment: %w", err)
	}

	return &Segment{
		ID:       id,
		engine:   engine,
		maxSize:  DefaultSegmentSize,
		startLSN: startLSN,
		endLSN:   startLSN,
	}, nil
}

// OpenSegment opens an existing WAL segment and recovers its start/end LSN
// bookkeeping by scanning it once.
func OpenSegment(dir string, id SegmentID) (*Segment, error) {
	engine, err := disk.Open(segmentPath(dir, id))
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL segment: %w", err)
	}

	seg := &Segment{
		ID:      id,
		engine:  engine,
		maxSize: DefaultSegmentSize,
	}

	records, err := seg.ReadRecords()
	if err != nil {
		engine.Close()
		return nil, err
	}
	if len(records) > 0 {
		seg.startLSN = records[0].LSN
		seg.endLSN = records[len(records)-1].LSN
	}

	return seg, nil
}

// Write frames and appends a record to the segment. The length prefix and
// record bytes go to disk in a single append so a crash can tear only the
// tail, never interleave two records.
func (s *Segment) Write(record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := record.Encode()
	if err != nil {
		return err
	}

	framed := make([]byte, 4+len(data))
	framed[0] = byte(len(data))
	framed[1] = byte(len(data) >> 8)
	framed[2] = byte(len(data) >> 16)
	framed[3] = byte(len(data) >> 24)
	copy(framed[4:], data)

	if _, err := s.engine.Append(framed); err != nil {
		return err
	}

	s.endLSN = record.LSN
	return nil
}

// Sync flushes the segment to disk
func (s *Segment) Sync() error {
	return s.engine.Sync()
}

// IsFull returns true if the segment has reached its maximum size
func (s *Segment) IsFull() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.Size() >= s.maxSize
}

// Size returns the current size of the segment
func (s *Segment) Size() int64 {
	return s.engine.Size()
}

// SetMaxSize overrides the rotation threshold for this segment.
func (s *Segment) SetMaxSize(bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes > 0 {
		s.maxSize = bytes
	}
}

// Close closes the segment file
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Close()
}

// ReadRecords scans every record in the segment. A truncated tail or a
// record whose checksum no longer matches is an incomplete write from a
// crash mid-append: the scan stops there and the tail is discarded, per the
// recovery contract.
func (s *Segment) ReadRecords() ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*Record
	var offset int64
	size := s.engine.Size()

	for offset < size {
		lenBuf, err := s.engine.ReadAt(offset, 4)
		if err != nil {
			return records, err
		}
		if len(lenBuf) < 4 {
			break // torn length header at the tail
		}

		recordLen := int64(lenBuf[0]) | int64(lenBuf[1])<<8 | int64(lenBuf[2])<<16 | int64(lenBuf[3])<<24
		if recordLen == 0 || recordLen > 10*1024*1024 {
			break // garbage length, treat as torn tail
		}

		data, err := s.engine.ReadAt(offset+4, recordLen)
		if err != nil {
			return records, err
		}
		if int64(len(data)) < recordLen {
			break // record body cut off mid-write
		}

		record, err := Decode(data)
		if err != nil {
			break // checksum mismatch, drop the tail
		}

		records = append(records, record)
		offset += 4 + recordLen
	}

	return records, nil
}

// StartLSN returns the first LSN known to be stored in this segment, or 0 if empty.
func (s *Segment) StartLSN() LSN {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startLSN
}

// EndLSN returns the last LSN known to be stored in this segment, or 0 if empty.
func (s *Segment) EndLSN() LSN {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endLSN
}

// GetPath returns the file path of the segment
func (s *Segment) GetPath() string {
	return s.engine.Path()
}
