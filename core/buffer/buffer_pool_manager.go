package buffer

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/latchdb/latchdb/core/storage/disk"
	"github.com/latchdb/latchdb/core/storage/page"
	"github.com/latchdb/latchdb/core/wal"
	"github.com/latchdb/latchdb/pkg/telemetry"
)

var (
	// ErrNoFreeFrame is returned when every frame is pinned and nothing can
	// be evicted. It aborts the enclosing operation.
	ErrNoFreeFrame = errors.New("buffer: all pages are pinned")
	// ErrPageNotFound is returned for operations on pages not resident in
	// the pool.
	ErrPageNotFound = errors.New("buffer: page not in buffer pool")
)

// BufferPoolManager owns a fixed array of page frames, the free list of
// never-used frames, the extendible-hash page table, and the LRU replacer.
// All metadata moves under a single mutex; page contents are guarded by the
// per-page latch, which callers take after pinning.
type BufferPoolManager struct {
	poolSize  int
	pages     []*page.Page
	freeList  *list.List
	pageTable *ExtendibleHash[page.PageID, *page.Page]
	replacer  *LRUReplacer[*page.Page]

	disk       *disk.Manager
	logManager *wal.LogManager // nil disables WAL coordination

	mu      sync.Mutex
	log     *zap.Logger
	metrics *telemetry.Metrics
}

// pageIDHash feeds the extendible hash; page ids are dense and monotonic so
// their own low bits spread well across the directory.
func pageIDHash(id page.PageID) uint64 { return uint64(uint32(id)) }

// NewBufferPoolManager builds a pool of poolSize frames over the disk
// manager. logManager may be nil when running without a WAL.
func NewBufferPoolManager(poolSize, bucketSize int, d *disk.Manager, lm *wal.LogManager, logger *zap.Logger, metrics *telemetry.Metrics) *BufferPoolManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		poolSize:   poolSize,
		pages:      make([]*page.Page, poolSize),
		freeList:   list.New(),
		pageTable:  NewExtendibleHash[page.PageID, *page.Page](bucketSize, pageIDHash),
		replacer:   NewLRUReplacer[*page.Page](),
		disk:       d,
		logManager: lm,
		log:        logger,
		metrics:    metrics,
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = page.NewPage()
		bpm.freeList.PushBack(bpm.pages[i])
	}
	return bpm
}

// FetchPage returns the page pinned. A cached page is served from the pool;
// otherwise a frame is claimed from the free list or the replacer, written
// back if dirty, and refilled from disk.
func (b *BufferPoolManager) FetchPage(id page.PageID) (*page.Page, error) {
	if id == page.InvalidPageID {
		return nil, fmt.Errorf("%w: invalid page id", ErrPageNotFound)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.pageTable.Find(id); ok {
		p.Pin()
		b.replacer.Erase(p)
		b.metrics.PageHit()
		return p, nil
	}

	p, err := b.takeFrame()
	if err != nil {
		return nil, err
	}
	if err := b.evict(p); err != nil {
		// The frame is clean again but unmapped; hand it to the free list
		// rather than losing it.
		b.freeList.PushBack(p)
		return nil, err
	}

	p.Reset()
	if err := b.disk.ReadPage(id, p.Data()); err != nil {
		b.freeList.PushBack(p)
		return nil, err
	}
	p.SetID(id)
	p.Pin()
	p.SetDirty(false)
	b.pageTable.Insert(id, p)
	b.metrics.PageMiss()
	return p, nil
}

// NewPage allocates a fresh page id from the disk manager, claims a frame,
// zeroes it and returns it pinned and dirty-to-be.
func (b *BufferPoolManager) NewPage() (*page.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.takeFrame()
	if err != nil {
		return nil, err
	}
	if err := b.evict(p); err != nil {
		b.freeList.PushBack(p)
		return nil, err
	}

	id := b.disk.AllocatePage()
	p.Reset()
	p.SetID(id)
	p.Pin()
	b.pageTable.Insert(id, p)
	b.log.Debug("new page allocated", zap.Int32("page_id", int32(id)))
	return p, nil
}

// takeFrame claims a frame from the free list, else from the replacer.
// Callers hold the manager lock.
func (b *BufferPoolManager) takeFrame() (*page.Page, error) {
	if front := b.freeList.Front(); front != nil {
		b.freeList.Remove(front)
		return front.Value.(*page.Page), nil
	}
	p, ok := b.replacer.Victim()
	if !ok {
		b.log.Warn("buffer pool exhausted: every frame is pinned")
		return nil, ErrNoFreeFrame
	}
	b.metrics.PageEvicted()
	return p, nil
}

// evict writes the frame's old contents back if dirty and removes its page
// table mapping. WAL: the log is forced up to the page's LSN before the page
// may hit the disk. Callers hold the manager lock.
func (b *BufferPoolManager) evict(p *page.Page) error {
	if p.ID() == page.InvalidPageID {
		return nil
	}
	if p.IsDirty() {
		if b.logManager != nil && p.LSN() != page.InvalidLSN && p.LSN() > b.logManager.PersistentLSN() {
			b.logManager.FlushUpTo(p.LSN())
		}
		if err := b.disk.WritePage(p.ID(), p.Data()); err != nil {
			return fmt.Errorf("flushing victim page %d: %w", p.ID(), err)
		}
		p.SetDirty(false)
	}
	b.pageTable.Remove(p.ID())
	return nil
}

// UnpinPage drops one pin. The page becomes evictable when the count reaches
// zero; isDirty latches the dirty flag on (it only clears on flush).
func (b *BufferPoolManager) UnpinPage(id page.PageID, isDirty bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pageTable.Find(id)
	if !ok {
		return fmt.Errorf("%w: unpin page %d", ErrPageNotFound, id)
	}
	if p.PinCount() <= 0 {
		return fmt.Errorf("buffer: page %d already unpinned", id)
	}
	p.Unpin()
	if isDirty {
		p.SetDirty(true)
	}
	if p.PinCount() == 0 {
		b.replacer.Insert(p)
	}
	return nil
}

// FlushPage writes the page's contents to disk if it is resident. It reports
// false for invalid ids and pages not in the pool.
func (b *BufferPoolManager) FlushPage(id page.PageID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id == page.InvalidPageID {
		return false
	}
	p, ok := b.pageTable.Find(id)
	if !ok {
		return false
	}
	if b.logManager != nil && p.LSN() != page.InvalidLSN {
		b.logManager.FlushUpTo(p.LSN())
	}
	if err := b.disk.WritePage(id, p.Data()); err != nil {
		b.log.Error("flush page failed", zap.Int32("page_id", int32(id)), zap.Error(err))
		return false
	}
	p.SetDirty(false)
	return true
}

// FlushAllDirtyPages writes every dirty frame back; used at engine shutdown.
func (b *BufferPoolManager) FlushAllDirtyPages() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var first error
	for _, p := range b.pages {
		if p.ID() == page.InvalidPageID || !p.IsDirty() {
			continue
		}
		if b.logManager != nil && p.LSN() != page.InvalidLSN {
			b.logManager.FlushUpTo(p.LSN())
		}
		if err := b.disk.WritePage(p.ID(), p.Data()); err != nil {
			if first == nil {
				first = err
			}
			b.log.Error("flush page failed", zap.Int32("page_id", int32(p.ID())), zap.Error(err))
			continue
		}
		p.SetDirty(false)
	}
	return first
}

// DeletePage drops an unpinned cached page: the mapping goes away, the frame
// is reset and returned to the free list, and the disk manager is told to
// deallocate. A pinned page makes this fail.
func (b *BufferPoolManager) DeletePage(id page.PageID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pageTable.Find(id)
	if !ok {
		return false
	}
	if p.PinCount() != 0 {
		return false
	}
	b.pageTable.Remove(id)
	b.replacer.Erase(p)
	p.Reset()
	b.freeList.PushBack(p)
	b.disk.DeallocatePage(id)
	return true
}

// PoolSize returns the number of frames.
func (b *BufferPoolManager) PoolSize() int { return b.poolSize }

// FreeListSize returns the number of never-used (or reclaimed) frames.
func (b *BufferPoolManager) FreeListSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freeList.Len()
}

// ReplacerSize returns the number of evictable frames.
func (b *BufferPoolManager) ReplacerSize() int { return b.replacer.Size() }

// CachedPages returns the number of pages in the page table.
func (b *BufferPoolManager) CachedPages() int { return b.pageTable.Size() }

// PinnedPages counts frames with a nonzero pin count.
func (b *BufferPoolManager) PinnedPages() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.pages {
		if p.ID() != page.InvalidPageID && p.PinCount() > 0 {
			n++
		}
	}
	return n
}
