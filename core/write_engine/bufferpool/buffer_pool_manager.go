package bufferpool

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/vajradb/vajradb/core/container/hashtable"
	flushmanager "github.com/vajradb/vajradb/core/write_engine/flush_manager"
	pagemanager "github.com/vajradb/vajradb/core/write_engine/page_manager"
	internaltelemetry "github.com/vajradb/vajradb/internal/telemetry"
)

// hashPageID hashes a page id for the extendible page table.
func hashPageID(id pagemanager.PageID) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	return xxhash.Sum64(buf[:])
}

// BufferPoolManager caches disk pages in a fixed set of frames. Callers get
// pinned page handles and must unpin them, passing isDirty when they modified
// the data. One pool-wide latch guards the page table, free list and replacer;
// per-page latches are the caller's business.
type BufferPoolManager struct {
	mu          sync.Mutex
	diskManager *flushmanager.DiskManager
	poolSize    int
	pageSize    int
	pages       []*pagemanager.Page
	pageTable   *hashtable.ExtendibleHashTable[pagemanager.PageID, FrameID]
	freeList    []FrameID
	replacer    *LRUKReplacer
	nextPageID  uint64
	logger      *zap.Logger
	metrics     *internaltelemetry.StorageMetrics
}

// Options tune the pool beyond its required collaborators.
type Options struct {
	ReplacerK           int
	HashTableBucketSize int
	Metrics             *internaltelemetry.StorageMetrics
}

// NewBufferPoolManager creates a pool of poolSize frames over diskManager.
func NewBufferPoolManager(poolSize int, diskManager *flushmanager.DiskManager, logger *zap.Logger, opts Options) *BufferPoolManager {
	if diskManager == nil {
		panic("NewBufferPoolManager: diskManager cannot be nil")
	}
	if opts.ReplacerK < 1 {
		opts.ReplacerK = 2
	}
	if opts.HashTableBucketSize < 1 {
		opts.HashTableBucketSize = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		diskManager: diskManager,
		poolSize:    poolSize,
		pageSize:    diskManager.GetPageSize(),
		pages:       make([]*pagemanager.Page, poolSize),
		pageTable:   hashtable.NewExtendibleHashTable[pagemanager.PageID, FrameID](opts.HashTableBucketSize, hashPageID),
		freeList:    make([]FrameID, 0, poolSize),
		replacer:    NewLRUKReplacer(poolSize, opts.ReplacerK),
		logger:      logger.Named("bufferpool"),
		metrics:     opts.Metrics,
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = pagemanager.NewPage(pagemanager.InvalidPageID, bpm.pageSize)
		bpm.freeList = append(bpm.freeList, FrameID(i))
	}
	// Page 0 is the header page; fresh files still hand out ids from 1.
	bpm.nextPageID = diskManager.NumPages()
	if bpm.nextPageID == 0 {
		bpm.nextPageID = 1
	}
	bpm.logger.Info("buffer pool initialized",
		zap.Int("pool_size", poolSize),
		zap.Int("page_size", bpm.pageSize),
		zap.Uint64("next_page_id", bpm.nextPageID))
	return bpm
}

// GetPoolSize returns the number of frames.
func (bpm *BufferPoolManager) GetPoolSize() int { return bpm.poolSize }

// GetPageSize returns the page size in bytes.
func (bpm *BufferPoolManager) GetPageSize() int { return bpm.pageSize }

// allocatePage hands out the next page id. Ids are never reused; deallocation
// is a no-op, consistent with the absence of a recovery log.
func (bpm *BufferPoolManager) allocatePage() pagemanager.PageID {
	id := pagemanager.PageID(bpm.nextPageID)
	bpm.nextPageID++
	return id
}

// getFrame produces a frame ready for reuse: from the free list if possible,
// otherwise by evicting a victim (writing it back first when dirty). The old
// mapping is removed from the page table. Returns false when every frame is
// pinned.
func (bpm *BufferPoolManager) getFrame() (FrameID, bool) {
	if len(bpm.freeList) > 0 {
		frameID := bpm.freeList[len(bpm.freeList)-1]
		bpm.freeList = bpm.freeList[:len(bpm.freeList)-1]
		return frameID, true
	}
	frameID, ok := bpm.replacer.Evict()
	if !ok {
		return InvalidFrameID, false
	}
	victim := bpm.pages[frameID]
	if bpm.metrics != nil {
		bpm.metrics.EvictionCounter.Add(context.Background(), 1)
	}
	if victim.IsDirty() {
		if err := bpm.diskManager.WritePage(victim.GetPageID(), victim.GetData()); err != nil {
			// The frame cannot be reused safely if the victim's bytes are lost.
			panic(fmt.Sprintf("bufferpool: failed to write back dirty victim page %d: %v", victim.GetPageID(), err))
		}
		if bpm.metrics != nil {
			bpm.metrics.DirtyWritebackCounter.Add(context.Background(), 1)
		}
	}
	bpm.pageTable.Remove(victim.GetPageID())
	victim.Reset()
	return frameID, true
}

// NewPage allocates a fresh page id and pins it in a frame with zeroed data.
// Returns ErrBufferPoolFull when every frame is pinned.
func (bpm *BufferPoolManager) NewPage() (*pagemanager.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.getFrame()
	if !ok {
		return nil, flushmanager.ErrBufferPoolFull
	}
	pageID := bpm.allocatePage()
	page := bpm.pages[frameID]
	page.Reset()
	page.SetPageID(pageID)
	page.SetPinCount(1)
	page.SetDirty(false)
	bpm.pageTable.Insert(pageID, frameID)
	bpm.replacer.RecordAccess(frameID)
	bpm.replacer.SetEvictable(frameID, false)
	if bpm.metrics != nil {
		bpm.metrics.PinnedUpDownCounter.Add(context.Background(), 1)
	}
	return page, nil
}

// FetchPage returns a pinned handle for pageID, reading it from disk when it
// is not resident. Returns ErrBufferPoolFull when it is not cached and no
// victim is available.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if frameID, ok := bpm.pageTable.Find(pageID); ok {
		page := bpm.pages[frameID]
		page.Pin()
		bpm.replacer.RecordAccess(frameID)
		bpm.replacer.SetEvictable(frameID, false)
		if bpm.metrics != nil {
			bpm.metrics.CacheHitCounter.Add(context.Background(), 1)
			bpm.metrics.PinnedUpDownCounter.Add(context.Background(), 1)
		}
		return page, nil
	}

	frameID, ok := bpm.getFrame()
	if !ok {
		return nil, flushmanager.ErrBufferPoolFull
	}
	page := bpm.pages[frameID]
	if err := bpm.diskManager.ReadPage(pageID, page.GetData()); err != nil {
		// The frame stays off the page table; push it back to the free list.
		bpm.freeList = append(bpm.freeList, frameID)
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}
	page.SetPageID(pageID)
	page.SetPinCount(1)
	page.SetDirty(false)
	bpm.pageTable.Insert(pageID, frameID)
	bpm.replacer.RecordAccess(frameID)
	bpm.replacer.SetEvictable(frameID, false)
	if bpm.metrics != nil {
		bpm.metrics.CacheMissCounter.Add(context.Background(), 1)
		bpm.metrics.PinnedUpDownCounter.Add(context.Background(), 1)
	}
	return page, nil
}

// UnpinPage drops one pin on pageID, ORing isDirty into the frame's dirty
// flag. The frame becomes evictable when the count reaches zero. Returns an
// error when the page is unknown or was not pinned.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable.Find(pageID)
	if !ok {
		return fmt.Errorf("%w: page %d not found to unpin", flushmanager.ErrPageNotFound, pageID)
	}
	page := bpm.pages[frameID]
	if page.GetPinCount() == 0 {
		return fmt.Errorf("cannot unpin page %d with pin count 0", pageID)
	}
	page.Unpin()
	if isDirty {
		page.SetDirty(true)
	}
	if page.GetPinCount() == 0 {
		bpm.replacer.SetEvictable(frameID, true)
	}
	if bpm.metrics != nil {
		bpm.metrics.PinnedUpDownCounter.Add(context.Background(), -1)
	}
	return nil
}

// FlushPage writes pageID to disk regardless of its dirty bit and clears the
// bit. Returns an error when the page is not resident.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.flushPageLocked(pageID)
}

func (bpm *BufferPoolManager) flushPageLocked(pageID pagemanager.PageID) error {
	frameID, ok := bpm.pageTable.Find(pageID)
	if !ok {
		return fmt.Errorf("%w: page %d not found to flush", flushmanager.ErrPageNotFound, pageID)
	}
	page := bpm.pages[frameID]
	if err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData()); err != nil {
		return err
	}
	page.SetDirty(false)
	return nil
}

// FlushAllPages writes every resident page to disk and syncs the file.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	var firstErr error
	for i, page := range bpm.pages {
		// A frame is occupied iff the page table maps its page id back to it;
		// this also keeps the header page (id 0) from being confused with
		// freed frames whose id was reset.
		frameID, ok := bpm.pageTable.Find(page.GetPageID())
		if !ok || frameID != FrameID(i) {
			continue
		}
		if err := bpm.flushPageLocked(page.GetPageID()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := bpm.diskManager.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	PoolSize        int
	PageSize        int
	FreeFrames      int
	EvictableFrames int
	PinnedPages     int
	DirtyPages      int
	NextPageID      pagemanager.PageID
}

// Stats snapshots the pool under its latch.
func (bpm *BufferPoolManager) Stats() Stats {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	s := Stats{
		PoolSize:        bpm.poolSize,
		PageSize:        bpm.pageSize,
		FreeFrames:      len(bpm.freeList),
		EvictableFrames: bpm.replacer.Size(),
		NextPageID:      pagemanager.PageID(bpm.nextPageID),
	}
	for i, page := range bpm.pages {
		frameID, ok := bpm.pageTable.Find(page.GetPageID())
		if !ok || frameID != FrameID(i) {
			continue
		}
		if page.GetPinCount() > 0 {
			s.PinnedPages++
		}
		if page.IsDirty() {
			s.DirtyPages++
		}
	}
	return s
}

// DeletePage removes pageID from the pool, freeing its frame. Deleting a page
// that is not resident succeeds; deleting a pinned page fails with
// ErrPagePinned. The disk page id is simply retired, never reused.
func (bpm *BufferPoolManager) DeletePage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable.Find(pageID)
	if !ok {
		return nil
	}
	page := bpm.pages[frameID]
	if page.GetPinCount() != 0 {
		return fmt.Errorf("%w: page %d has pin count %d", flushmanager.ErrPagePinned, pageID, page.GetPinCount())
	}
	bpm.pageTable.Remove(pageID)
	bpm.replacer.Remove(frameID)
	page.Reset()
	bpm.freeList = append(bpm.freeList, frameID)
	return nil
}
