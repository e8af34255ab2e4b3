package flushmanager

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	pagemanager "github.com/vajradb/vajradb/core/write_engine/page_manager"
)

// DiskManager transfers fixed-size pages between memory and the database file.
// It is deliberately dumb: page allocation policy lives in the buffer pool,
// durability ordering lives with the caller's Flush calls.
type DiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	numPages uint64 // highest allocated page id + 1, derived from file size on open
	mu       sync.Mutex
}

// NewDiskManager opens (or creates) the database file at filePath.
func NewDiskManager(filePath string, pageSize int) (*DiskManager, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("%w: creating data directory: %v", ErrIO, err)
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: getting file info: %v", ErrIO, err)
	}
	if fi.Size()%int64(pageSize) != 0 {
		file.Close()
		return nil, fmt.Errorf("%w: file size %d is not a multiple of page size %d", ErrInvalidPageData, fi.Size(), pageSize)
	}
	return &DiskManager{
		filePath: filePath,
		file:     file,
		pageSize: pageSize,
		numPages: uint64(fi.Size()) / uint64(pageSize),
	}, nil
}

// GetPageSize returns the configured page size in bytes.
func (dm *DiskManager) GetPageSize() int { return dm.pageSize }

// NumPages returns the number of pages the file currently covers. The buffer
// pool seeds its page-id counter from this so ids stay monotonic across
// restarts.
func (dm *DiskManager) NumPages() uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numPages
}

// ReadPage reads a page's data from disk into the provided buffer. Reads past
// the end of the file yield a zeroed buffer: a page may be allocated by the
// buffer pool long before its first writeback.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return fmt.Errorf("%w: file not open", ErrIO)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	offset := int64(pageID) * int64(dm.pageSize)
	n, err := dm.file.ReadAt(pageData, offset)
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	for i := n; i < dm.pageSize; i++ {
		pageData[i] = 0
	}
	return nil
}

// WritePage writes pageData to disk at the specified pageID's location,
// extending the file if needed.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return fmt.Errorf("%w: file not open", ErrIO)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	if uint64(pageID)+1 > dm.numPages {
		dm.numPages = uint64(pageID) + 1
	}
	// Note: we don't Sync() on every page write. Syncing is handled by
	// FlushAllPages / engine Close.
	return nil
}

// Sync flushes all buffered data to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file != nil {
		return dm.file.Sync()
	}
	return nil
}

// Close syncs and closes the underlying file handle.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.file.Close()
		dm.file = nil
		return fmt.Errorf("%w: syncing file on close: %v", ErrIO, err)
	}
	closeErr := dm.file.Close()
	dm.file = nil
	return closeErr
}
