package flushmanager

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/slotdb/core/storage_engine/page_manager"
	"go.uber.org/zap"
)

// --- Test Helpers ---

func setupDiskManager(t *testing.T) (*DiskManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	dm, err := NewDiskManager(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })
	return dm, path
}

func pageImage(fill byte) []byte {
	data := make([]byte, pagemanager.PageSize)
	for i := range data {
		data[i] = fill
	}
	return data
}

// --- Test Cases ---

func TestReadPastEOFIsFresh(t *testing.T) {
	dm, _ := setupDiskManager(t)

	buf := pageImage(0xAA)
	fresh, err := dm.ReadPage(5, buf)
	require.NoError(t, err)
	require.True(t, fresh)
	require.True(t, bytes.Equal(buf, make([]byte, pagemanager.PageSize)), "fresh page must come back zeroed")
}

func TestWriteThenRead(t *testing.T) {
	dm, _ := setupDiskManager(t)

	want := pageImage(0x42)
	require.NoError(t, dm.WritePage(2, want))

	size, err := dm.Size()
	require.NoError(t, err)
	require.Equal(t, int64(3*pagemanager.PageSize), size)

	got := make([]byte, pagemanager.PageSize)
	fresh, err := dm.ReadPage(2, got)
	require.NoError(t, err)
	require.False(t, fresh)
	require.Equal(t, want, got)
}

// Writing page 2 extends the file across pages 0 and 1; those holes read
// back as zeroed pages without being flagged fresh.
func TestHoleReadsAsZeroes(t *testing.T) {
	dm, _ := setupDiskManager(t)
	require.NoError(t, dm.WritePage(2, pageImage(0x42)))

	got := pageImage(0xFF)
	fresh, err := dm.ReadPage(0, got)
	require.NoError(t, err)
	require.False(t, fresh)
	require.Equal(t, make([]byte, pagemanager.PageSize), got)
}

func TestBufferSizeValidated(t *testing.T) {
	dm, _ := setupDiskManager(t)

	_, err := dm.ReadPage(0, make([]byte, 100))
	require.Error(t, err)
	require.Error(t, dm.WritePage(0, make([]byte, 100)))
}

func TestReopenKeepsData(t *testing.T) {
	dm, path := setupDiskManager(t)
	want := pageImage(0x17)
	require.NoError(t, dm.WritePage(0, want))
	require.NoError(t, dm.Close())

	dm2, err := NewDiskManager(path, zap.NewNop())
	require.NoError(t, err)
	defer dm2.Close()

	got := make([]byte, pagemanager.PageSize)
	fresh, err := dm2.ReadPage(0, got)
	require.NoError(t, err)
	require.False(t, fresh)
	require.Equal(t, want, got)
}

func TestCloseIsIdempotent(t *testing.T) {
	dm, _ := setupDiskManager(t)
	require.NoError(t, dm.Close())
	require.NoError(t, dm.Close())

	_, err := dm.ReadPage(0, make([]byte, pagemanager.PageSize))
	require.ErrorIs(t, err, ErrIO)
}
