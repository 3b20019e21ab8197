package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/latchdb/latchdb/core/storage/disk"
	"github.com/latchdb/latchdb/core/storage/page"
)

func setupBPM(t *testing.T, poolSize int) *BufferPoolManager {
	t.Helper()
	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	return NewBufferPoolManager(poolSize, 50, dm, nil, zap.NewNop(), nil)
}

func TestBufferPool_NewPageAndRoundTrip(t *testing.T) {
	bpm := setupBPM(t, 10)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, page.PageID(0), p.ID())
	require.Equal(t, 1, p.PinCount())

	copy(p.Data(), []byte("hello, page"))
	require.NoError(t, bpm.UnpinPage(p.ID(), true))
	require.True(t, bpm.FlushPage(p.ID()))

	// Force the page out, then read it back from disk.
	for i := 0; i < 10; i++ {
		np, err := bpm.NewPage()
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(np.ID(), false))
	}

	p, err = bpm.FetchPage(0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello, page"), p.Data()[:11])
	require.NoError(t, bpm.UnpinPage(0, false))
}

func TestBufferPool_AllPinned(t *testing.T) {
	bpm := setupBPM(t, 3)

	for i := 0; i < 3; i++ {
		_, err := bpm.NewPage()
		require.NoError(t, err)
	}
	_, err := bpm.NewPage()
	require.ErrorIs(t, err, ErrNoFreeFrame)

	// Unpinning one page frees exactly one frame.
	require.NoError(t, bpm.UnpinPage(0, false))
	p, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(p.ID(), false))
}

func TestBufferPool_DirtyVictimWrittenBack(t *testing.T) {
	bpm := setupBPM(t, 1)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	id := p.ID()
	copy(p.Data(), []byte("dirty"))
	require.NoError(t, bpm.UnpinPage(id, true))

	// The single frame gets reused; the dirty page must survive on disk.
	q, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(q.ID(), false))

	p, err = bpm.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, []byte("dirty"), p.Data()[:5])
	require.NoError(t, bpm.UnpinPage(id, false))
}

func TestBufferPool_FetchPinsAndSkipsReplacer(t *testing.T) {
	bpm := setupBPM(t, 4)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	id := p.ID()
	require.NoError(t, bpm.UnpinPage(id, false))
	require.Equal(t, 1, bpm.ReplacerSize())

	// Fetching removes the page from the replacer while pinned.
	_, err = bpm.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, 0, bpm.ReplacerSize())
	require.NoError(t, bpm.UnpinPage(id, false))
}

func TestBufferPool_DeletePage(t *testing.T) {
	bpm := setupBPM(t, 4)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	id := p.ID()

	// Pinned pages cannot be deleted.
	require.False(t, bpm.DeletePage(id))

	require.NoError(t, bpm.UnpinPage(id, false))
	require.True(t, bpm.DeletePage(id))
	require.False(t, bpm.DeletePage(id))
}

func TestBufferPool_ConservationInvariant(t *testing.T) {
	const poolSize = 8
	bpm := setupBPM(t, poolSize)

	check := func() {
		require.Equal(t, poolSize, bpm.CachedPages()+bpm.FreeListSize(),
			"page_table.size + free_list.size must equal pool_size")
		require.Equal(t, bpm.CachedPages(), bpm.ReplacerSize()+bpm.PinnedPages(),
			"every cached page is either evictable or pinned")
	}

	check()
	var ids []page.PageID
	for i := 0; i < poolSize; i++ {
		p, err := bpm.NewPage()
		require.NoError(t, err)
		ids = append(ids, p.ID())
	}
	check()
	for _, id := range ids {
		require.NoError(t, bpm.UnpinPage(id, true))
	}
	check()
	for i := 0; i < 4; i++ {
		p, err := bpm.NewPage()
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(p.ID(), false))
	}
	check()
	require.NoError(t, bpm.FlushAllDirtyPages())
	check()
}

func TestBufferPool_UnpinUnknownPage(t *testing.T) {
	bpm := setupBPM(t, 2)
	require.Error(t, bpm.UnpinPage(42, false))
}
