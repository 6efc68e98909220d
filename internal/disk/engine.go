// Package disk implements the lowest layer of the storage stack: a
// durable byte sequence over a single file, accessed by position.
//
// Both the pager (random page-aligned reads and writes) and the WAL
// segments (append-only record streams) sit on top of this engine, so
// every byte the database persists flows through one place with one
// locking discipline: concurrent readers, a single appender.
package disk

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/smartpcr/docengine/internal/util"
)

// Engine is a positional byte store over one file.
type Engine struct {
	mu       sync.RWMutex
	appendMu sync.Mutex // serializes appenders; readers are not blocked
	file     *os.File
	size     int64
	open     bool
}

// Open creates or opens the file at path, creating parent directories as
// needed, and returns an engine positioned at its current size.
func Open(path string) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", util.ErrDiskReadFailed, err)
	}

	return &Engine{file: file, size: info.Size(), open: true}, nil
}

// ReadAt returns up to length bytes starting at pos. A pos at or past the
// end of the file returns an empty slice; a read straddling the end returns
// the bytes that exist. Negative pos or length is an argument error.
func (e *Engine) ReadAt(pos, length int64) ([]byte, error) {
	if pos < 0 || length < 0 {
		return nil, fmt.Errorf("%w: negative read position or length", util.ErrArgument)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.open {
		return nil, util.ErrDatabaseClosed
	}
	if pos >= e.size {
		return nil, nil
	}
	if pos+length > e.size {
		length = e.size - pos
	}

	buf := make([]byte, length)
	n, err := e.file.ReadAt(buf, pos)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", util.ErrDiskReadFailed, err)
	}
	return buf[:n], nil
}

// WriteAt writes b at pos, extending the file if the write reaches past the
// current end.
func (e *Engine) WriteAt(pos int64, b []byte) error {
	if pos < 0 {
		return fmt.Errorf("%w: negative write position", util.ErrArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return util.ErrDatabaseClosed
	}

	if _, err := e.file.WriteAt(b, pos); err != nil {
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	if end := pos + int64(len(b)); end > e.size {
		e.size = end
	}
	return nil
}

// Append atomically writes b at the end of the file and returns the offset
// it was written at (the pre-append size). Appenders are serialized; the
// returned position is durable only after Sync.
func (e *Engine) Append(b []byte) (int64, error) {
	e.appendMu.Lock()
	defer e.appendMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return 0, util.ErrDatabaseClosed
	}

	pos := e.size
	if _, err := e.file.WriteAt(b, pos); err != nil {
		return 0, fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	e.size += int64(len(b))
	return pos, nil
}

// Flush pushes buffered writes toward the kernel. Writes go straight to the
// file descriptor, so there is nothing userspace-buffered to drain; the
// call exists so callers can flush without forcing the fsync Sync implies.
func (e *Engine) Flush() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.open {
		return util.ErrDatabaseClosed
	}
	return nil
}

// Sync forces written data to stable storage.
func (e *Engine) Sync() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.open {
		return util.ErrDatabaseClosed
	}
	if err := e.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	return nil
}

// Truncate resizes the file to size bytes.
func (e *Engine) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: negative truncate size", util.ErrArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return util.ErrDatabaseClosed
	}
	if err := e.file.Truncate(size); err != nil {
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	e.size = size
	return nil
}

// Size returns the current length of the file in bytes.
func (e *Engine) Size() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.size
}

// IsOpen reports whether the engine still holds its file handle.
func (e *Engine) IsOpen() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.open
}

// Path returns the file path the engine was opened with.
func (e *Engine) Path() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.file != nil {
		return e.file.Name()
	}
	return ""
}

// Close syncs and releases the file handle. Closing twice is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return nil
	}
	e.open = false

	if err := e.file.Sync(); err != nil {
		e.file.Close()
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	return e.file.Close()
}
