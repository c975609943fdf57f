package buffermanager

import (
	"container/list" // For LRU
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	flushmanager "github.com/sushant-115/slotdb/core/storage_engine/flush_manager"
	pagemanager "github.com/sushant-115/slotdb/core/storage_engine/page_manager"
	internaltelemetry "github.com/sushant-115/slotdb/internal/telemetry"
	"go.uber.org/zap"
)

// Config holds the construction parameters for a buffer pool.
type Config struct {
	// PoolSize is the number of frames the pool manages.
	PoolSize int `yaml:"pool_size"`
	// FilePath is the single backing database file.
	FilePath string `yaml:"file_path"`
}

// frame is one slot of the pool's fixed backing storage. It either
// holds a resident page (pageID != InvalidPageID) or sits on the free
// list with pinCount 0 and isDirty false.
type frame struct {
	pageID   pagemanager.PageID
	page     *pagemanager.Page
	pinCount uint32
	isDirty  bool
}

// BufferPoolManager caches pages of the backing file in a fixed array
// of frames and implements an LRU eviction policy with pinning. All
// state is guarded by a single mutex; the algorithms themselves are
// sequential, so the exposed semantics are those of the single-threaded
// design.
type BufferPoolManager struct {
	diskManager *flushmanager.DiskManager
	poolSize    int
	frames      []frame
	pageTable   map[pagemanager.PageID]int // PageID to frame index; resident pages only
	freeFrames  []int                      // frame indices available for reuse, FIFO
	lruList     *list.List                 // resident frame indices, oldest at the front
	lruMap      map[int]*list.Element      // frame index to LRU list element
	nextPageID  pagemanager.PageID
	logger      *zap.Logger
	metrics     *internaltelemetry.PoolMetrics
	mu          sync.Mutex
}

// NewBufferPoolManager creates a pool of cfg.PoolSize empty frames over
// the backing file, creating the file when absent. The page id
// allocator resumes after the highest page the file already contains,
// so ids survive process restarts. metrics may be nil.
func NewBufferPoolManager(cfg Config, logger *zap.Logger, metrics *internaltelemetry.PoolMetrics) (*BufferPoolManager, error) {
	if cfg.PoolSize < 1 {
		return nil, fmt.Errorf("%w: got %d", flushmanager.ErrInvalidPoolSize, cfg.PoolSize)
	}

	diskManager, err := flushmanager.NewDiskManager(cfg.FilePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open backing file: %w", err)
	}

	size, err := diskManager.Size()
	if err != nil {
		_ = diskManager.Close()
		return nil, fmt.Errorf("failed to size backing file: %w", err)
	}

	bpm := &BufferPoolManager{
		diskManager: diskManager,
		poolSize:    cfg.PoolSize,
		frames:      make([]frame, cfg.PoolSize),
		pageTable:   make(map[pagemanager.PageID]int),
		freeFrames:  make([]int, 0, cfg.PoolSize),
		lruList:     list.New(),
		lruMap:      make(map[int]*list.Element),
		nextPageID:  pagemanager.PageID((size + pagemanager.PageSize - 1) / pagemanager.PageSize),
		logger:      logger.With(zap.String("pool_id", uuid.NewString())),
		metrics:     metrics,
	}
	for i := 0; i < cfg.PoolSize; i++ {
		bpm.frames[i] = frame{
			pageID: pagemanager.InvalidPageID,
			page:   pagemanager.NewPage(),
		}
		bpm.freeFrames = append(bpm.freeFrames, i)
	}

	bpm.logger.Info("buffer pool initialized",
		zap.Int("pool_size", cfg.PoolSize),
		zap.String("file", cfg.FilePath),
		zap.Uint64("next_page_id", uint64(bpm.nextPageID)))
	return bpm, nil
}

// NewPage allocates a fresh page id, materializes an empty page in a
// frame and returns it pinned. The page is born dirty so a never
// written page still reaches disk.
func (bpm *BufferPoolManager) NewPage() (*pagemanager.Page, pagemanager.PageID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameIdx, err := bpm.acquireFrame()
	if err != nil {
		return nil, pagemanager.InvalidPageID, err
	}

	pageID := bpm.nextPageID
	bpm.nextPageID++

	f := &bpm.frames[frameIdx]
	f.page.ResetMemory()
	f.page.SetPageID(pageID)
	f.pageID = pageID
	f.pinCount = 1
	f.isDirty = true

	bpm.pageTable[pageID] = frameIdx
	bpm.touchLRU(frameIdx)
	if bpm.metrics != nil {
		bpm.metrics.PinnedPagesUpDownCounter.Add(context.Background(), 1)
	}

	bpm.logger.Debug("allocated new page",
		zap.Uint64("page_id", uint64(pageID)), zap.Int("frame", frameIdx))
	return f.page, pageID, nil
}

// FetchPage returns the resident copy of pageID, loading it from disk
// when necessary. The page comes back pinned; callers release it with
// UnpinPage. A page past the end of the file arrives zeroed and dirty,
// so the fresh image reaches disk on its next flush.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	// 1. Hit: pin, refresh LRU position, return.
	if frameIdx, ok := bpm.pageTable[pageID]; ok {
		f := &bpm.frames[frameIdx]
		f.pinCount++
		bpm.touchLRU(frameIdx)
		if bpm.metrics != nil {
			bpm.metrics.FetchHitsCounter.Add(context.Background(), 1)
			bpm.metrics.PinnedPagesUpDownCounter.Add(context.Background(), 1)
		}
		bpm.logger.Debug("page found in buffer pool",
			zap.Uint64("page_id", uint64(pageID)),
			zap.Int("frame", frameIdx),
			zap.Uint32("pin_count", f.pinCount))
		return f.page, nil
	}

	if bpm.metrics != nil {
		bpm.metrics.FetchMissesCounter.Add(context.Background(), 1)
	}

	// 2. Miss: take a frame and read the page image from disk.
	frameIdx, err := bpm.acquireFrame()
	if err != nil {
		return nil, err
	}
	f := &bpm.frames[frameIdx]

	fresh, err := bpm.diskManager.ReadPage(pageID, f.page.GetData())
	if err != nil {
		// The frame was popped but never became resident; hand it back.
		bpm.freeFrames = append(bpm.freeFrames, frameIdx)
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}
	if fresh {
		f.page.ResetMemory()
	}

	f.page.SetPageID(pageID)
	f.pageID = pageID
	f.pinCount = 1
	f.isDirty = fresh

	bpm.pageTable[pageID] = frameIdx
	bpm.touchLRU(frameIdx)
	if bpm.metrics != nil {
		bpm.metrics.PinnedPagesUpDownCounter.Add(context.Background(), 1)
	}

	bpm.logger.Debug("page loaded into buffer pool",
		zap.Uint64("page_id", uint64(pageID)),
		zap.Int("frame", frameIdx),
		zap.Bool("fresh", fresh))
	return f.page, nil
}

// UnpinPage releases one pin on a resident page. The dirty hint is
// monotonic: true sets the dirty bit, false never clears it. The LRU
// position is not touched; it was set when the pin was acquired.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d to unpin", flushmanager.ErrPageNotFound, pageID)
	}
	f := &bpm.frames[frameIdx]
	if f.pinCount == 0 {
		bpm.logger.Warn("attempted to unpin page with pin count 0",
			zap.Uint64("page_id", uint64(pageID)))
		return fmt.Errorf("%w: page %d", flushmanager.ErrPageNotPinned, pageID)
	}

	f.pinCount--
	if isDirty {
		f.isDirty = true
	}
	if bpm.metrics != nil {
		bpm.metrics.PinnedPagesUpDownCounter.Add(context.Background(), -1)
	}

	bpm.logger.Debug("unpinned page",
		zap.Uint64("page_id", uint64(pageID)),
		zap.Uint32("pin_count", f.pinCount),
		zap.Bool("is_dirty", f.isDirty))
	return nil
}

// FlushPage writes a resident page to disk if it is dirty and clears
// the dirty bit. A resident but clean page is a successful no-op.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d to flush", flushmanager.ErrPageNotFound, pageID)
	}
	f := &bpm.frames[frameIdx]
	if !f.isDirty {
		return nil
	}
	if err := bpm.writeFrame(f); err != nil {
		return err
	}
	f.isDirty = false
	return nil
}

// FlushAllDirtyPages writes back every resident dirty frame, clearing
// dirty bits as writes succeed. The first error is returned after the
// remaining frames have been attempted.
func (bpm *BufferPoolManager) FlushAllDirtyPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.flushAllDirty()
}

func (bpm *BufferPoolManager) flushAllDirty() error {
	var firstErr error
	for i := range bpm.frames {
		f := &bpm.frames[i]
		if f.pageID == pagemanager.InvalidPageID || !f.isDirty {
			continue
		}
		if err := bpm.writeFrame(f); err != nil {
			bpm.logger.Error("failed to flush page",
				zap.Uint64("page_id", uint64(f.pageID)), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		f.isDirty = false
	}
	if err := bpm.diskManager.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// DeletePage drops a resident, unpinned page from the pool, writing it
// back first when dirty. The on-disk bytes are neither truncated nor
// zeroed; a later FetchPage reloads whatever the file holds.
func (bpm *BufferPoolManager) DeletePage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d to delete", flushmanager.ErrPageNotFound, pageID)
	}
	f := &bpm.frames[frameIdx]
	if f.pinCount > 0 {
		return fmt.Errorf("%w: page %d has pin count %d", flushmanager.ErrPagePinned, pageID, f.pinCount)
	}

	if f.isDirty {
		if err := bpm.writeFrame(f); err != nil {
			return err
		}
	}

	delete(bpm.pageTable, pageID)
	bpm.removeFromLRU(frameIdx)
	f.pageID = pagemanager.InvalidPageID
	f.pinCount = 0
	f.isDirty = false
	bpm.freeFrames = append(bpm.freeFrames, frameIdx)

	bpm.logger.Debug("deleted page from buffer pool",
		zap.Uint64("page_id", uint64(pageID)), zap.Int("frame", frameIdx))
	return nil
}

// Close flushes every dirty resident page and closes the backing file.
func (bpm *BufferPoolManager) Close() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	flushErr := bpm.flushAllDirty()
	closeErr := bpm.diskManager.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// acquireFrame pops a free frame, evicting the LRU victim first when
// the free list is empty. Must be called with bpm.mu held.
func (bpm *BufferPoolManager) acquireFrame() (int, error) {
	if len(bpm.freeFrames) == 0 {
		if err := bpm.evictPage(); err != nil {
			return -1, err
		}
	}
	frameIdx := bpm.freeFrames[0]
	bpm.freeFrames = bpm.freeFrames[1:]
	return frameIdx, nil
}

// evictPage scans the LRU list from oldest to newest and reclaims the
// first unpinned frame, writing it back when dirty. Must be called with
// bpm.mu held.
func (bpm *BufferPoolManager) evictPage() error {
	for e := bpm.lruList.Front(); e != nil; e = e.Next() {
		frameIdx := e.Value.(int)
		f := &bpm.frames[frameIdx]
		if f.pinCount != 0 {
			continue
		}

		if f.isDirty {
			if err := bpm.writeFrame(f); err != nil {
				// The frame cannot be reused safely if the write-back failed.
				return err
			}
		}

		victimID := f.pageID
		bpm.removeFromLRU(frameIdx)
		delete(bpm.pageTable, victimID)
		f.pageID = pagemanager.InvalidPageID
		f.isDirty = false
		bpm.freeFrames = append(bpm.freeFrames, frameIdx)

		if bpm.metrics != nil {
			bpm.metrics.EvictionsCounter.Add(context.Background(), 1)
		}
		bpm.logger.Debug("evicted page",
			zap.Uint64("page_id", uint64(victimID)), zap.Int("frame", frameIdx))
		return nil
	}
	return flushmanager.ErrBufferPoolFull
}

// writeFrame writes a frame's page image to disk. Must be called with
// bpm.mu held.
func (bpm *BufferPoolManager) writeFrame(f *frame) error {
	if err := bpm.diskManager.WritePage(f.pageID, f.page.GetData()); err != nil {
		return err
	}
	if bpm.metrics != nil {
		bpm.metrics.PageFlushesCounter.Add(context.Background(), 1)
	}
	return nil
}

// touchLRU moves a frame to the tail of the LRU list, making it the
// most recently used. Must be called with bpm.mu held.
func (bpm *BufferPoolManager) touchLRU(frameIdx int) {
	if elem, ok := bpm.lruMap[frameIdx]; ok {
		bpm.lruList.Remove(elem)
	}
	bpm.lruMap[frameIdx] = bpm.lruList.PushBack(frameIdx)
}

// removeFromLRU drops a frame from the LRU list. Must be called with
// bpm.mu held.
func (bpm *BufferPoolManager) removeFromLRU(frameIdx int) {
	if elem, ok := bpm.lruMap[frameIdx]; ok {
		bpm.lruList.Remove(elem)
		delete(bpm.lruMap, frameIdx)
	}
}
