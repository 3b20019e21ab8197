// Package disk implements the paged file layer: a database file addressed in
// page-size units and an append-only log file derived from it.
package disk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/latchdb/latchdb/core/storage/page"
)

var (
	// ErrIO marks read/write failures, including reads past the end of the
	// database file.
	ErrIO = errors.New("i/o error")
)

// flushFutureTimeout bounds how long WriteLog waits on an outstanding
// non-blocking flush before declaring the flusher stuck.
const flushFutureTimeout = 10 * time.Second

// Manager opens a database file and its companion log file and performs all
// physical I/O against them. Page ids are allocated by a monotonic counter;
// deallocation is deferred.
type Manager struct {
	mu sync.Mutex

	dbName  string
	logName string
	dbFile  *os.File
	logFile *os.File

	nextPageID page.PageID

	numFlushes int
	flushing   bool
	// lastLogBuffer remembers the buffer submitted to the previous WriteLog
	// call; the log manager must have swapped buffers in between.
	lastLogBuffer *byte
	// flushFuture, when set, is resolved by an in-flight non-blocking flush.
	flushFuture <-chan struct{}

	log *zap.Logger
}

// NewManager opens (or creates) the database file and the log file derived
// from its name.
func NewManager(dbFile string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logName := logFileName(dbFile)

	lf, err := os.OpenFile(logName, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening log file %s: %v", ErrIO, logName, err)
	}
	df, err := os.OpenFile(dbFile, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		lf.Close()
		return nil, fmt.Errorf("%w: opening db file %s: %v", ErrIO, dbFile, err)
	}

	info, err := df.Stat()
	if err != nil {
		lf.Close()
		df.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, dbFile, err)
	}

	m := &Manager{
		dbName:     dbFile,
		logName:    logName,
		dbFile:     df,
		logFile:    lf,
		nextPageID: page.PageID(info.Size() / page.Size),
		log:        logger,
	}
	m.log.Info("disk manager opened",
		zap.String("db", dbFile),
		zap.String("log", logName),
		zap.Int32("next_page_id", int32(m.nextPageID)))
	return m, nil
}

// logFileName derives the log file name from the database file name.
func logFileName(dbFile string) string {
	dir, base := filepath.Split(dbFile)
	if n := strings.Index(base, "."); n >= 0 {
		base = base[:n]
	}
	return dir + base + ".log"
}

// Close closes both files. Outstanding buffers are the caller's problem.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	if err := m.dbFile.Close(); err != nil {
		first = err
	}
	if err := m.logFile.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// ReadPage reads one page into buf, zero-filling a short read. Reading past
// the end of the file is an error.
func (m *Manager) ReadPage(id page.PageID, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	offset := int64(id) * page.Size
	info, err := m.dbFile.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrIO, m.dbName, err)
	}
	if offset >= info.Size() {
		return fmt.Errorf("%w: read page %d past end of file", ErrIO, id)
	}

	n, err := m.dbFile.ReadAt(buf[:page.Size], offset)
	if err != nil && n == 0 {
		return fmt.Errorf("%w: read page %d: %v", ErrIO, id, err)
	}
	if n < page.Size {
		// The file ends inside this page; the tail reads as zeroes.
		for i := n; i < page.Size; i++ {
			buf[i] = 0
		}
	}
	return nil
}

// WritePage writes one page at its offset. The write reaches the kernel but
// is not fsynced; durability of data pages rides on the log.
func (m *Manager) WritePage(id page.PageID, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	offset := int64(id) * page.Size
	if _, err := m.dbFile.WriteAt(buf[:page.Size], offset); err != nil {
		return fmt.Errorf("%w: write page %d: %v", ErrIO, id, err)
	}
	return nil
}

// WriteLog appends data to the log file and syncs it to stable storage.
// The caller must have rotated its buffer since the previous call: handing
// the same buffer twice means the double-buffering contract is broken.
func (m *Manager) WriteLog(data []byte) error {
	if len(data) == 0 {
		// No effect on the flush counter for an empty buffer.
		return nil
	}

	m.mu.Lock()
	if m.lastLogBuffer == &data[0] {
		m.mu.Unlock()
		panic("disk: log buffer was not swapped between flushes")
	}
	m.lastLogBuffer = &data[0]
	m.flushing = true
	future := m.flushFuture
	m.flushFuture = nil
	m.mu.Unlock()

	if future != nil {
		// A prior non-blocking flush is still outstanding; give it a
		// bounded window before declaring the flusher stuck.
		select {
		case <-future:
		case <-time.After(flushFutureTimeout):
			panic("disk: log flush future did not resolve within 10s")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.numFlushes++
	if _, err := m.logFile.Write(data); err != nil {
		m.flushing = false
		return fmt.Errorf("%w: write log: %v", ErrIO, err)
	}
	if err := m.logFile.Sync(); err != nil {
		m.flushing = false
		return fmt.Errorf("%w: sync log: %v", ErrIO, err)
	}
	m.flushing = false
	return nil
}

// ReadLog reads len(buf) bytes of log at offset, zero-filling a short read.
// It reports false at end of log.
func (m *Manager) ReadLog(buf []byte, offset int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := m.logFile.Stat()
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %v", ErrIO, m.logName, err)
	}
	if offset >= info.Size() {
		return false, nil
	}
	n, err := m.logFile.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return false, fmt.Errorf("%w: read log at %d: %v", ErrIO, offset, err)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return true, nil
}

// AllocatePage hands out the next page id. It does not touch the disk; the
// file grows when the page is first written.
func (m *Manager) AllocatePage() page.PageID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextPageID
	m.nextPageID++
	return id
}

// DeallocatePage is a placeholder; reclamation needs a free-page bitmap in
// the header page.
func (m *Manager) DeallocatePage(page.PageID) {}

// NumFlushes reports how many log flushes have completed.
func (m *Manager) NumFlushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numFlushes
}

// FlushState reports whether a log flush is in progress.
func (m *Manager) FlushState() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushing
}

// SetFlushFuture installs a future the next WriteLog call must wait on.
func (m *Manager) SetFlushFuture(f <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushFuture = f
}

// Size returns the current size of the database file in bytes.
func (m *Manager) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, err := m.dbFile.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", ErrIO, m.dbName, err)
	}
	return info.Size(), nil
}

// Path returns the database file path.
func (m *Manager) Path() string { return m.dbName }
