package buffermanager

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/slotdb/core/storage_engine/flush_manager"
	pagemanager "github.com/sushant-115/slotdb/core/storage_engine/page_manager"
	internaltelemetry "github.com/sushant-115/slotdb/internal/telemetry"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

// --- Test Helpers ---

func setupPool(t *testing.T, poolSize int) (*BufferPoolManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	bpm, err := NewBufferPoolManager(Config{PoolSize: poolSize, FilePath: path}, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bpm.Close() })
	return bpm, path
}

// newPinnedPage allocates a page carrying a marker record and returns its id.
func newPinnedPage(t *testing.T, bpm *BufferPoolManager, marker string) pagemanager.PageID {
	t.Helper()
	page, pageID, err := bpm.NewPage()
	require.NoError(t, err)
	_, err = page.InsertRecord([]byte(marker))
	require.NoError(t, err)
	return pageID
}

func requireRecord(t *testing.T, bpm *BufferPoolManager, pageID pagemanager.PageID, marker string) {
	t.Helper()
	page, err := bpm.FetchPage(pageID)
	require.NoError(t, err)
	got, err := page.GetRecord(0)
	require.NoError(t, err)
	require.Equal(t, []byte(marker), got)
	require.NoError(t, bpm.UnpinPage(pageID, false))
}

// checkAccounting asserts the structural pool invariants: every frame is
// either resident (page table + LRU) or free, never both.
func checkAccounting(t *testing.T, bpm *BufferPoolManager) {
	t.Helper()
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	require.Equal(t, bpm.poolSize, len(bpm.pageTable)+len(bpm.freeFrames))
	require.Equal(t, len(bpm.pageTable), bpm.lruList.Len())
	require.Equal(t, len(bpm.pageTable), len(bpm.lruMap))
	for pageID, frameIdx := range bpm.pageTable {
		require.Equal(t, pageID, bpm.frames[frameIdx].pageID)
	}
}

// --- Test Cases ---

func TestNewPageRoundTrip(t *testing.T) {
	bpm, _ := setupPool(t, 3)

	page, pageID, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(0), pageID)
	require.Equal(t, pagemanager.PageID(0), page.GetPageID())

	slotNum, err := page.InsertRecord([]byte("id:42 name:Hello"))
	require.NoError(t, err)
	require.Equal(t, uint16(0), slotNum)
	require.NoError(t, bpm.UnpinPage(pageID, true))

	requireRecord(t, bpm, pageID, "id:42 name:Hello")
	checkAccounting(t, bpm)
}

func TestEvictionAndPersistence(t *testing.T) {
	bpm, _ := setupPool(t, 3)

	for i := 0; i < 3; i++ {
		pageID := newPinnedPage(t, bpm, fmt.Sprintf("record-%d", i))
		require.Equal(t, pagemanager.PageID(i), pageID)
		require.NoError(t, bpm.UnpinPage(pageID, true))
	}

	// The fourth page evicts id 0, the LRU head, writing it back first.
	_, pageID, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(3), pageID)
	require.NoError(t, bpm.UnpinPage(pageID, true))

	requireRecord(t, bpm, 0, "record-0")
	checkAccounting(t, bpm)
}

func TestAllPinnedBlocksAllocation(t *testing.T) {
	bpm, _ := setupPool(t, 3)

	for i := 0; i < 3; i++ {
		_, _, err := bpm.NewPage()
		require.NoError(t, err)
	}

	_, _, err := bpm.NewPage()
	require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)

	_, err = bpm.FetchPage(99)
	require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)

	// Releasing one pin makes allocation possible again.
	require.NoError(t, bpm.UnpinPage(0, true))
	_, _, err = bpm.NewPage()
	require.NoError(t, err)
}

func TestLRUTouchOnFetch(t *testing.T) {
	bpm, _ := setupPool(t, 3)

	for i := 0; i < 3; i++ {
		pageID := newPinnedPage(t, bpm, fmt.Sprintf("record-%d", i))
		require.NoError(t, bpm.UnpinPage(pageID, true))
	}

	// Touch page 0; the LRU order becomes 1, 2, 0.
	_, err := bpm.FetchPage(0)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(0, false))

	_, pageID, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(pageID, true))

	// Page 1 must have been the victim, not page 0.
	bpm.mu.Lock()
	_, resident0 := bpm.pageTable[0]
	_, resident1 := bpm.pageTable[1]
	bpm.mu.Unlock()
	require.True(t, resident0, "page 0 was touched and must stay resident")
	require.False(t, resident1, "page 1 was the LRU victim")
	checkAccounting(t, bpm)
}

func TestUnpinErrors(t *testing.T) {
	bpm, _ := setupPool(t, 3)

	require.ErrorIs(t, bpm.UnpinPage(7, false), flushmanager.ErrPageNotFound)

	_, pageID, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(pageID, false))
	require.ErrorIs(t, bpm.UnpinPage(pageID, false), flushmanager.ErrPageNotPinned)
}

func TestDirtyBitIsMonotonic(t *testing.T) {
	bpm, _ := setupPool(t, 3)

	_, pageID, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(pageID, true))

	// A clean unpin never clears the dirty bit.
	_, err = bpm.FetchPage(pageID)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(pageID, false))

	bpm.mu.Lock()
	frameIdx := bpm.pageTable[pageID]
	dirty := bpm.frames[frameIdx].isDirty
	bpm.mu.Unlock()
	require.True(t, dirty)

	// Only a flush clears it.
	require.NoError(t, bpm.FlushPage(pageID))
	bpm.mu.Lock()
	dirty = bpm.frames[frameIdx].isDirty
	bpm.mu.Unlock()
	require.False(t, dirty)
}

func TestFlushPage(t *testing.T) {
	bpm, _ := setupPool(t, 3)

	require.ErrorIs(t, bpm.FlushPage(3), flushmanager.ErrPageNotFound)

	_, pageID, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(pageID, true))

	require.NoError(t, bpm.FlushPage(pageID))
	// Flushing a clean resident page is a successful no-op.
	require.NoError(t, bpm.FlushPage(pageID))
}

func TestDeletePage(t *testing.T) {
	bpm, _ := setupPool(t, 3)

	pageID := newPinnedPage(t, bpm, "to be deleted")
	require.ErrorIs(t, bpm.DeletePage(pageID), flushmanager.ErrPagePinned)

	require.NoError(t, bpm.UnpinPage(pageID, true))
	require.NoError(t, bpm.DeletePage(pageID))
	require.ErrorIs(t, bpm.DeletePage(pageID), flushmanager.ErrPageNotFound)
	checkAccounting(t, bpm)

	// The dirty page was written back before the frame was invalidated;
	// the on-disk bytes survive and a fresh fetch reloads them.
	requireRecord(t, bpm, pageID, "to be deleted")
}

func TestFetchNeverWrittenPageIsFreshAndDirty(t *testing.T) {
	bpm, _ := setupPool(t, 3)

	page, err := bpm.FetchPage(5)
	require.NoError(t, err)
	require.Equal(t, uint16(0), page.NumberOfRecords())
	require.Equal(t, pagemanager.PageID(5), page.GetPageID())

	// A page materialized past EOF is born dirty so it reaches disk.
	bpm.mu.Lock()
	dirty := bpm.frames[bpm.pageTable[5]].isDirty
	bpm.mu.Unlock()
	require.True(t, dirty)

	_, err = page.InsertRecord([]byte("first bytes"))
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(5, true))
}

func TestCrossInstancePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	bpmA, err := NewBufferPoolManager(Config{PoolSize: 3, FilePath: path}, zap.NewNop(), nil)
	require.NoError(t, err)
	page, pageID, err := bpmA.NewPage()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(0), pageID)
	_, err = page.InsertRecord([]byte("survives restart"))
	require.NoError(t, err)
	require.NoError(t, bpmA.UnpinPage(pageID, true))
	require.NoError(t, bpmA.Close())

	bpmB, err := NewBufferPoolManager(Config{PoolSize: 3, FilePath: path}, zap.NewNop(), nil)
	require.NoError(t, err)
	defer bpmB.Close()

	requireRecord(t, bpmB, 0, "survives restart")

	// The id allocator resumes after the pages already in the file
	// instead of restarting at 0 and overwriting them.
	_, pageID, err = bpmB.NewPage()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(1), pageID)
	require.NoError(t, bpmB.UnpinPage(pageID, true))
}

func TestFlushAllDirtyPages(t *testing.T) {
	bpm, path := setupPool(t, 3)

	for i := 0; i < 3; i++ {
		pageID := newPinnedPage(t, bpm, fmt.Sprintf("record-%d", i))
		require.NoError(t, bpm.UnpinPage(pageID, true))
	}
	require.NoError(t, bpm.FlushAllDirtyPages())

	// Everything reached disk: a second pool over the same file sees it.
	bpm2, err := NewBufferPoolManager(Config{PoolSize: 3, FilePath: path}, zap.NewNop(), nil)
	require.NoError(t, err)
	defer bpm2.Close()
	for i := 0; i < 3; i++ {
		requireRecord(t, bpm2, pagemanager.PageID(i), fmt.Sprintf("record-%d", i))
	}
}

func TestInvalidPoolSize(t *testing.T) {
	_, err := NewBufferPoolManager(Config{PoolSize: 0, FilePath: "unused.db"}, zap.NewNop(), nil)
	require.ErrorIs(t, err, flushmanager.ErrInvalidPoolSize)
}

// --- Metrics ---

func sumCounter(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestPoolMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := internaltelemetry.NewPoolMetrics(provider.Meter("slotdb_test"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "test.db")
	bpm, err := NewBufferPoolManager(Config{PoolSize: 2, FilePath: path}, zap.NewNop(), metrics)
	require.NoError(t, err)
	defer bpm.Close()

	_, id0, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(id0, true))

	_, err = bpm.FetchPage(id0) // hit
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(id0, false))

	_, id1, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(id1, true))

	_, id2, err := bpm.NewPage() // forces an eviction, pool size is 2
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	require.Equal(t, int64(1), sumCounter(t, rm, "slotdb.buffer_pool.fetch_hits_total"))
	require.Equal(t, int64(0), sumCounter(t, rm, "slotdb.buffer_pool.fetch_misses_total"))
	require.Equal(t, int64(1), sumCounter(t, rm, "slotdb.buffer_pool.evictions_total"))
	require.GreaterOrEqual(t, sumCounter(t, rm, "slotdb.buffer_pool.page_flushes_total"), int64(1))
	// Only id2 is still pinned.
	require.Equal(t, int64(1), sumCounter(t, rm, "slotdb.buffer_pool.pinned_pages"))
	require.NoError(t, bpm.UnpinPage(id2, true))
}
