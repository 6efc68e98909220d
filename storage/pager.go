// Package storage implements the low-level data storage layer of docengine.
//
// It is responsibly for:
// 1. Pager: Page-granular I/O over the disk engine, managing a single data file split into fixed-size pages.
// 2. BufferPool: In-memory LRU cache to minimize disk access.
// 3. BPlusTree: The core indexing data structure for fast data retrieval.
// 4. Page: The fundamental unit of storage, containing headers and raw data.
package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/smartpcr/docengine/internal/disk"
	"github.com/smartpcr/docengine/internal/util"
	"github.com/smartpcr/docengine/security"
)

// checksumSize is the width of the CRC32 guard word the pager prepends to
// every on-disk page, the same hash/crc32 scheme internal/wal/record.go
// uses to catch torn or bit-rotted writes.
const checksumSize = 4

// Header-page layout, written to page 0 of every data file immediately
// after the standard 30-byte page header:
// - Magic (4 bytes) "DENG"
// - FormatVersion (2 bytes)
// - PageSize (4 bytes)
// - RootCollectionPageID (8 bytes), reserved
const (
	headerMagic         = "DENG"
	headerFormatVersion = 1
)

// Pager manages page-granular I/O for fixed-size pages over the disk
// engine. Page 0 is reserved for the file header; data and index pages
// start at 1. Freed pages go on a free list and are handed back out by
// AllocatePage before the file is grown.
type Pager struct {
	engine       *disk.Engine
	mu           sync.RWMutex
	nextPageID   PageID
	freeList     []PageID
	encryptor    *security.Encryptor
	diskPageSize int64 // checksum + PageSize (+ Overhead if encrypted)
}

// NewPager creates a new Pager. If key is provided, enables encryption.
func NewPager(filename string, key []byte) (*Pager, error) {
	engine, err := disk.Open(filename)
	if err != nil {
		return nil, err
	}

	var encryptor *security.Encryptor
	diskPageSize := int64(checksumSize + PageSize)

	if len(key) > 0 {
		encryptor, err = security.NewEncryptor(key)
		if err != nil {
			engine.Close()
			return nil, fmt.Errorf("failed to init encryptor: %w", err)
		}
		diskPageSize += int64(security.Overhead)
	}

	p := &Pager{
		engine:       engine,
		nextPageID:   PageID(engine.Size() / diskPageSize),
		encryptor:    encryptor,
		diskPageSize: diskPageSize,
	}

	if engine.Size() == 0 {
		if err := p.writeHeaderPage(); err != nil {
			engine.Close()
			return nil, err
		}
	} else {
		if err := p.verifyHeaderPage(); err != nil {
			engine.Close()
			return nil, err
		}
	}

	return p, nil
}

// writeHeaderPage formats page 0 of a fresh data file.
func (p *Pager) writeHeaderPage() error {
	p.mu.Lock()
	p.nextPageID = 1
	p.mu.Unlock()
	if err := p.engine.Truncate(p.diskPageSize); err != nil {
		return err
	}

	header := NewPage(0, PageTypeMeta)
	off := PageHeaderSize
	copy(header.Data[off:off+4], headerMagic)
	off += 4
	binary.LittleEndian.PutUint16(header.Data[off:off+2], headerFormatVersion)
	off += 2
	binary.LittleEndian.PutUint32(header.Data[off:off+4], PageSize)
	off += 4
	binary.LittleEndian.PutUint64(header.Data[off:off+8], 0) // root collection page, reserved

	return p.WritePage(header)
}

// verifyHeaderPage checks the magic and declared page size of an existing
// data file before trusting any page arithmetic on it.
func (p *Pager) verifyHeaderPage() error {
	header, err := p.ReadPage(0)
	if err != nil {
		return fmt.Errorf("failed to read header page: %w", err)
	}

	off := PageHeaderSize
	if string(header.Data[off:off+4]) != headerMagic {
		return fmt.Errorf("%w: bad magic in header page", util.ErrDatabaseCorrupt)
	}
	off += 4
	version := binary.LittleEndian.Uint16(header.Data[off : off+2])
	if version != headerFormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", util.ErrDatabaseCorrupt, version)
	}
	off += 2
	declared := binary.LittleEndian.Uint32(header.Data[off : off+4])
	if declared != PageSize {
		return fmt.Errorf("%w: file page size %d does not match engine page size %d",
			util.ErrDatabaseCorrupt, declared, PageSize)
	}
	return nil
}

// AllocatePage reserves a PageID, reusing a freed page when one is
// available and extending the file otherwise.
func (p *Pager) AllocatePage() (PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.freeList); n > 0 {
		pageID := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return pageID, nil
	}

	pageID := p.nextPageID
	p.nextPageID++

	// Extend the file
	newSize := int64(p.nextPageID) * p.diskPageSize
	if err := p.engine.Truncate(newSize); err != nil {
		return 0, err
	}

	return pageID, nil
}

// FreePage returns a page to the free list for reuse by AllocatePage. The
// header page cannot be freed.
func (p *Pager) FreePage(pageID PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pageID == 0 || pageID >= p.nextPageID {
		return util.ErrInvalidPageID
	}
	for _, id := range p.freeList {
		if id == pageID {
			return nil // already freed
		}
	}
	p.freeList = append(p.freeList, pageID)
	return nil
}

// Exists reports whether pageID has been allocated.
func (p *Pager) Exists(pageID PageID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return pageID < p.nextPageID
}

// ReadPage reads the page data from disk into memory.
func (p *Pager) ReadPage(pageID PageID) (*Page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if pageID >= p.nextPageID {
		return nil, util.ErrInvalidPageID
	}

	page := &Page{ID: pageID} // Data is zeroed [PageSize]
	offset := int64(pageID) * p.diskPageSize

	// Read Disk Data
	diskData, err := p.engine.ReadAt(offset, p.diskPageSize)
	if err != nil {
		return nil, err
	}
	if int64(len(diskData)) < p.diskPageSize {
		return nil, fmt.Errorf("%w: short read for page %d", util.ErrDiskReadFailed, pageID)
	}

	wantCRC := binary.LittleEndian.Uint32(diskData[:checksumSize])
	encryptedOrPlain := diskData[checksumSize:]

	// Decrypt if needed
	var plaintext []byte
	if p.encryptor != nil {
		plaintext, err = p.encryptor.DecryptBlock(encryptedOrPlain)
		if err != nil {
			return nil, fmt.Errorf("decryption failed for page %d: %w", pageID, err)
		}
		if len(plaintext) != PageSize {
			return nil, fmt.Errorf("corrupt page size after decrypt: %d", len(plaintext))
		}
	} else {
		plaintext = encryptedOrPlain
	}

	if gotCRC := crc32.ChecksumIEEE(plaintext); gotCRC != wantCRC {
		return nil, fmt.Errorf("%w: page %d checksum mismatch (want %d, got %d)", util.ErrDatabaseCorrupt, pageID, wantCRC, gotCRC)
	}

	copy(page.Data[:], plaintext)
	return page, nil
}

// WritePage writes a page to disk
func (p *Pager) WritePage(page *Page) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if page.ID >= p.nextPageID {
		return util.ErrInvalidPageID
	}

	crc := crc32.ChecksumIEEE(page.Data[:])

	var payload []byte

	// Encrypt if needed
	if p.encryptor != nil {
		var err error
		payload, err = p.encryptor.EncryptBlock(page.Data[:])
		if err != nil {
			return fmt.Errorf("encryption failed: %w", err)
		}
	} else {
		payload = page.Data[:]
	}

	dataToWrite := make([]byte, checksumSize+len(payload))
	binary.LittleEndian.PutUint32(dataToWrite[:checksumSize], crc)
	copy(dataToWrite[checksumSize:], payload)

	offset := int64(page.ID) * p.diskPageSize
	if err := p.engine.WriteAt(offset, dataToWrite); err != nil {
		return err
	}

	// Mark as clean
	page.mu.Lock()
	page.IsDirty = false
	page.mu.Unlock()

	return nil
}

// Sync flushes all pending writes to disk
func (p *Pager) Sync() error {
	return p.engine.Sync()
}

// Close closes the pager
func (p *Pager) Close() error {
	return p.engine.Close()
}

// GetNextPageID returns the next available page ID
func (p *Pager) GetNextPageID() PageID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nextPageID
}

// PageLSN reports the LSN stamped on pageID, with ok=false when the page is
// unallocated or unreadable, in which case redo applies unconditionally.
// Part of the recovery manager's page-store contract.
func (p *Pager) PageLSN(pageID uint64) (uint64, bool) {
	page, err := p.ReadPage(PageID(pageID))
	if err != nil {
		return 0, false
	}
	return page.GetLSN(), true
}

// ApplyAfter writes a redo after-image to pageID, stamping it with the
// record's LSN. The page is allocated first if the file has never grown
// that far (a crash can lose an allocation that the WAL remembers).
func (p *Pager) ApplyAfter(pageID uint64, after []byte, lsn uint64) error {
	if err := p.ensureAllocated(PageID(pageID)); err != nil {
		return err
	}

	page := &Page{ID: PageID(pageID)}
	copy(page.Data[:], after)
	page.SetLSN(lsn)
	return p.WritePage(page)
}

// ApplyBefore writes an undo before-image to pageID. The before-image
// carries its own original LSN, so no stamp is applied on top.
func (p *Pager) ApplyBefore(pageID uint64, before []byte) error {
	if err := p.ensureAllocated(PageID(pageID)); err != nil {
		return err
	}

	page := &Page{ID: PageID(pageID)}
	copy(page.Data[:], before)
	return p.WritePage(page)
}

// ensureAllocated grows the file until pageID is addressable.
func (p *Pager) ensureAllocated(pageID PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pageID < p.nextPageID {
		return nil
	}
	p.nextPageID = pageID + 1
	return p.engine.Truncate(int64(p.nextPageID) * p.diskPageSize)
}
