package disk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/latchdb/latchdb/core/storage/page"
)

func setupDisk(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestDiskManager_PageRoundTrip(t *testing.T) {
	m := setupDisk(t)

	id := m.AllocatePage()
	require.Equal(t, page.PageID(0), id)
	require.Equal(t, page.PageID(1), m.AllocatePage())

	out := make([]byte, page.Size)
	copy(out, []byte("page contents"))
	require.NoError(t, m.WritePage(id, out))

	in := make([]byte, page.Size)
	require.NoError(t, m.ReadPage(id, in))
	require.Equal(t, out, in)
}

func TestDiskManager_ReadPastEnd(t *testing.T) {
	m := setupDisk(t)
	buf := make([]byte, page.Size)
	err := m.ReadPage(3, buf)
	require.ErrorIs(t, err, ErrIO)
}

func TestDiskManager_ShortReadZeroFills(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.db")
	require.NoError(t, os.WriteFile(path, []byte("tiny"), 0644))

	m, err := NewManager(path, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	buf := make([]byte, page.Size)
	for i := range buf {
		buf[i] = 0xFF
	}
	require.NoError(t, m.ReadPage(0, buf))
	require.Equal(t, []byte("tiny"), buf[:4])
	for i := 4; i < page.Size; i++ {
		require.Zero(t, buf[i], "byte %d past EOF must read as zero", i)
	}
}

func TestDiskManager_NextPageIDFromFileSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sized.db")
	require.NoError(t, os.WriteFile(path, make([]byte, 3*page.Size), 0644))

	m, err := NewManager(path, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()
	require.Equal(t, page.PageID(3), m.AllocatePage())
}

func TestDiskManager_LogAppendAndRead(t *testing.T) {
	m := setupDisk(t)

	first := []byte("first batch ")
	second := []byte("second batch")
	require.NoError(t, m.WriteLog(first))
	require.NoError(t, m.WriteLog(second))
	require.Equal(t, 2, m.NumFlushes())

	buf := make([]byte, len(first)+len(second))
	ok, err := m.ReadLog(buf, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, append(append([]byte(nil), first...), second...), buf)

	// Past the end of the log.
	ok, err = m.ReadLog(buf, int64(len(buf)+100))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDiskManager_LogBufferMustRotate(t *testing.T) {
	m := setupDisk(t)

	buf := []byte("same backing array")
	require.NoError(t, m.WriteLog(buf))
	require.Panics(t, func() { _ = m.WriteLog(buf) },
		"submitting the same buffer twice must trip the rotation check")
}

func TestDiskManager_EmptyLogWriteIsNoop(t *testing.T) {
	m := setupDisk(t)
	require.NoError(t, m.WriteLog(nil))
	require.Zero(t, m.NumFlushes())
	require.False(t, m.FlushState())
}

func TestDiskManager_LogFileNameDerivation(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(filepath.Join(dir, "mydata.db"), zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	_, err = os.Stat(filepath.Join(dir, "mydata.log"))
	require.NoError(t, err, "log file should sit next to the database file")
}
