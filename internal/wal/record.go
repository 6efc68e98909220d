package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordType represents the type of WAL record
type RecordType byte

const (
	RecordTypeInvalid    RecordType = iota
	RecordTypeInsert                // Document insert
	RecordTypeUpdate                // Document update
	RecordTypeDelete                // Document delete
	RecordTypeCommit                // Transaction commit
	RecordTypeAbort                 // Transaction abort (a.k.a Rollback)
	RecordTypeCheckpoint            // Checkpoint marker
	RecordTypeBegin                 // Transaction begin
	RecordTypePrepare               // 2PC prepare vote / phase marker
	RecordTypeCLR                   // Compensation log record, written during undo
	RecordTypeRead                  // Document read, audit trail only (never redone or undone)
)

// LSN (Log Sequence Number) uniquely identifies a WAL record
type LSN uint64

// Record represents a single WAL record. Key/Before/Value play the role the
// spec assigns to before_image/after_image: Before is the pre-write state
// (used by undo), Value is the post-write state (used by redo).
type Record struct {
	LSN         LSN        // Log Sequence Number
	TxnID       uint64     // Transaction ID
	Type        RecordType // Record type
	PageID      uint64     // Page this record mutates, if any (0 when not page-scoped)
	Key         []byte     // Document key ("<collection>/<id>")
	Before      []byte     // Before-image, used for undo
	Value       []byte     // After-image (document value or delta)
	PrevLSN     LSN        // Previous LSN written by this transaction (undo-next chain)
	UndoNextLSN LSN        // For CLRs: the LSN to resume undo from after this compensation
	Timestamp   int64      // Timestamp (Unix nanoseconds)
}

// RecordHeader layout:
// - CRC32 (4 bytes) - checksum of record
// - LSN (8 bytes)
// - TxnID (8 bytes)
// - Type (1 byte)
// - PageID (8 bytes)
// - PrevLSN (8 bytes)
// - UndoNextLSN (8 bytes)
// - Timestamp (8 bytes)
// - KeyLen (4 bytes)
// - BeforeLen (4 bytes)
// - ValueLen (4 bytes)
// Total: 65 bytes
const RecordHeaderSize = 65

// Encode serializes a WAL record to bytes
func (r *Record) Encode() ([]byte, error) {
	keyLen := len(r.Key)
	beforeLen := len(r.Before)
	valueLen := len(r.Value)
	totalSize := RecordHeaderSize + keyLen + beforeLen + valueLen

	buf := make([]byte, totalSize)
	offset := 4 // Skip CRC32, will write it last

	binary.LittleEndian.PutUint64(buf[offset:offset+8], uint64(r.LSN))
	offset += 8

	binary.LittleEndian.PutUint64(buf[offset:offset+8], r.TxnID)
	offset += 8

	buf[offset] = byte(r.Type)
	offset++

	binary.LittleEndian.PutUint64(buf[offset:offset+8], r.PageID)
	offset += 8

	binary.LittleEndian.PutUint64(buf[offset:offset+8], uint64(r.PrevLSN))
	offset += 8

	binary.LittleEndian.PutUint64(buf[offset:offset+8], uint64(r.UndoNextLSN))
	offset += 8

	binary.LittleEndian.PutUint64(buf[offset:offset+8], uint64(r.Timestamp))
	offset += 8

	binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(keyLen))
	offset += 4

	binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(beforeLen))
	offset += 4

	binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(valueLen))
	offset += 4

	copy(buf[offset:offset+keyLen], r.Key)
	offset += keyLen

	copy(buf[offset:offset+beforeLen], r.Before)
	offset += beforeLen

	copy(buf[offset:offset+valueLen], r.Value)

	// Calculate and write CRC32 (excluding the CRC field itself)
	crc := crc32.ChecksumIEEE(buf[4:])
	binary.LittleEndian.PutUint32(buf[0:4], crc)

	return buf, nil
}

// Decode deserializes a WAL record from bytes
func Decode(data []byte) (*Record, error) {
	if len(data) < RecordHeaderSize {
		return nil, fmt.Errorf("invalid record: too short (got %d bytes, need at least %d)", len(data), RecordHeaderSize)
	}

	// Verify CRC32
	expectedCRC := binary.LittleEndian.Uint32(data[0:4])
	actualCRC := crc32.ChecksumIEEE(data[4:])
	if expectedCRC != actualCRC {
		return nil, fmt.Errorf("invalid record: CRC mismatch (expected %d, got %d)", expectedCRC, actualCRC)
	}

	offset := 4

	lsn := LSN(binary.LittleEndian.Uint64(data[offset : offset+8]))
	offset += 8

	txnID := binary.LittleEndian.Uint64(data[offset : offset+8])
	offset += 8

	recordType := RecordType(data[offset])
	offset++

	pageID := binary.LittleEndian.Uint64(data[offset : offset+8])
	offset += 8

	prevLSN := LSN(binary.LittleEndian.Uint64(data[offset : offset+8]))
	offset += 8

	undoNextLSN := LSN(binary.LittleEndian.Uint64(data[offset : offset+8]))
	offset += 8

	timestamp := int64(binary.LittleEndian.Uint64(data[offset : offset+8]))
	offset += 8

	keyLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4

	beforeLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4

	valueLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4

	if offset+keyLen+beforeLen+valueLen != len(data) {
		return nil, fmt.Errorf("invalid record: length mismatch")
	}

	key := make([]byte, keyLen)
	copy(key, data[offset:offset+keyLen])
	offset += keyLen

	before := make([]byte, beforeLen)
	copy(before, data[offset:offset+beforeLen])
	offset += beforeLen

	value := make([]byte, valueLen)
	copy(value, data[offset:offset+valueLen])

	return &Record{
		LSN:         lsn,
		TxnID:       txnID,
		Type:        recordType,
		PageID:      pageID,
		Key:         key,
		Before:      before,
		Value:       value,
		PrevLSN:     prevLSN,
		UndoNextLSN: undoNextLSN,
		Timestamp:   timestamp,
	}, nil
}

// Size returns the size of the encoded record in bytes
func (r *Record) Size() int {
	return RecordHeaderSize + len(r.Key) + len(r.Before) + len(r.Value)
}

// String returns a human-readable representation of the record
func (r *Record) String() string {
	return fmt.Sprintf("Record{LSN:%d, TxnID:%d, Type:%d, PageID:%d, KeyLen:%d, ValueLen:%d}",
		r.LSN, r.TxnID, r.Type, r.PageID, len(r.Key), len(r.Value))
}
