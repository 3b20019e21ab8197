package wal

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/latchdb/latchdb/core/storage/disk"
	"github.com/latchdb/latchdb/core/storage/page"
	"github.com/latchdb/latchdb/pkg/telemetry"
)

// ErrRecordTooLarge is returned when a record cannot fit an empty log buffer.
var ErrRecordTooLarge = errors.New("wal: log record too large for log buffer")

// LogManager owns the append-only log. Appenders serialize records into the
// active buffer; a background task swaps buffers and hands the inactive one
// to the disk manager, so appends keep flowing while a flush is on the wire.
//
// The flusher wakes on a timer, when an appender runs out of buffer space,
// and when a transaction requests a synchronous flush at commit or abort.
type LogManager struct {
	mu        sync.Mutex
	spaceCond *sync.Cond // signaled when the active buffer empties
	flushCond *sync.Cond // signaled when persistentLSN advances

	disk    *disk.Manager
	buf     []byte // active buffer, guarded by mu
	flushBu []byte // inactive buffer, owned by the flusher between swaps
	offset  int
	lastLSN page.LSN // highest LSN sitting in the active buffer

	nextLSN       page.LSN
	persistentLSN page.LSN

	enabled atomic.Bool
	running bool
	flushCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	flushMu sync.Mutex // serializes buffer swaps + disk writes

	timeout time.Duration
	log     *zap.Logger
	metrics *telemetry.Metrics
}

// NewLogManager builds a log manager over the disk manager's log file. Each
// of the two buffers is bufSize bytes; timeout drives the periodic flush.
func NewLogManager(d *disk.Manager, bufSize int, timeout time.Duration, logger *zap.Logger, metrics *telemetry.Metrics) *LogManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	lm := &LogManager{
		disk:          d,
		buf:           make([]byte, bufSize),
		flushBu:       make([]byte, bufSize),
		nextLSN:       0,
		persistentLSN: page.InvalidLSN,
		lastLSN:       page.InvalidLSN,
		flushCh:       make(chan struct{}, 1),
		timeout:       timeout,
		log:           logger,
		metrics:       metrics,
	}
	lm.spaceCond = sync.NewCond(&lm.mu)
	lm.flushCond = sync.NewCond(&lm.mu)
	return lm
}

// Enabled reports whether logging is on. When off, every entry point is a
// no-op and the engine runs without durability.
func (lm *LogManager) Enabled() bool { return lm.enabled.Load() }

// RunFlushThread turns logging on and starts the background flusher.
func (lm *LogManager) RunFlushThread() {
	lm.mu.Lock()
	if lm.running {
		lm.mu.Unlock()
		return
	}
	lm.running = true
	lm.stopCh = make(chan struct{})
	stop := lm.stopCh
	lm.mu.Unlock()

	lm.enabled.Store(true)
	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		timer := time.NewTimer(lm.timeout)
		defer timer.Stop()
		for {
			select {
			case <-stop:
				return
			case <-timer.C:
			case <-lm.flushCh:
			}
			if err := lm.flush(); err != nil {
				lm.log.Error("log flush failed", zap.Error(err))
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(lm.timeout)
		}
	}()
	lm.log.Info("log flush thread started", zap.Duration("timeout", lm.timeout))
}

// StopFlushThread drains the buffer, stops the flusher and turns logging off.
func (lm *LogManager) StopFlushThread() {
	lm.mu.Lock()
	if !lm.running {
		lm.mu.Unlock()
		return
	}
	lm.running = false
	close(lm.stopCh)
	lm.mu.Unlock()

	lm.wg.Wait()
	if err := lm.flush(); err != nil {
		lm.log.Error("final log flush failed", zap.Error(err))
	}
	lm.enabled.Store(false)
	// Release anyone still parked on a durability wait.
	lm.mu.Lock()
	lm.flushCond.Broadcast()
	lm.spaceCond.Broadcast()
	lm.mu.Unlock()
	lm.log.Info("log flush thread stopped")
}

// AppendLogRecord serializes the record into the active buffer, assigns it a
// monotonic LSN and returns that LSN. The record is not yet durable. When
// logging is disabled nothing is written and InvalidLSN is returned.
func (lm *LogManager) AppendLogRecord(r *LogRecord) (page.LSN, error) {
	if !lm.Enabled() {
		return page.InvalidLSN, nil
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()

	size := int(r.Size)
	if size > len(lm.buf) {
		return page.InvalidLSN, ErrRecordTooLarge
	}
	// Not enough room: kick the flusher and wait for the buffers to swap.
	for len(lm.buf)-lm.offset < size {
		lm.requestFlush()
		lm.spaceCond.Wait()
	}

	r.LSN = lm.nextLSN
	lm.nextLSN++
	r.serialize(lm.buf[lm.offset : lm.offset+size])
	lm.offset += size
	lm.lastLSN = r.LSN
	return r.LSN, nil
}

// requestFlush wakes the flusher without blocking. Callers hold lm.mu.
func (lm *LogManager) requestFlush() {
	select {
	case lm.flushCh <- struct{}{}:
	default:
	}
}

// flush swaps buffers and writes the swapped-out one to stable storage,
// then publishes the new persistent LSN.
func (lm *LogManager) flush() error {
	lm.flushMu.Lock()
	defer lm.flushMu.Unlock()

	lm.mu.Lock()
	if lm.offset == 0 {
		lm.mu.Unlock()
		return nil
	}
	lm.buf, lm.flushBu = lm.flushBu, lm.buf
	n := lm.offset
	lm.offset = 0
	flushedUpTo := lm.lastLSN
	lm.spaceCond.Broadcast()
	lm.mu.Unlock()

	if err := lm.disk.WriteLog(lm.flushBu[:n]); err != nil {
		return err
	}
	lm.metrics.LogFlushed(int64(n))

	lm.mu.Lock()
	if flushedUpTo > lm.persistentLSN {
		lm.persistentLSN = flushedUpTo
	}
	lm.flushCond.Broadcast()
	lm.mu.Unlock()

	lm.log.Debug("log flushed",
		zap.Int("bytes", n),
		zap.Int32("persistent_lsn", int32(flushedUpTo)))
	return nil
}

// FlushUpTo blocks until every record with LSN <= lsn is durable. This is the
// group-commit wait used by commit/abort and by the buffer pool before it
// evicts a dirty page whose LSN is past the persistent LSN.
func (lm *LogManager) FlushUpTo(lsn page.LSN) {
	if lsn == page.InvalidLSN || !lm.Enabled() {
		return
	}
	lm.mu.Lock()
	for lm.persistentLSN < lsn && lm.enabled.Load() {
		lm.requestFlush()
		lm.flushCond.Wait()
	}
	lm.mu.Unlock()
}

// PersistentLSN is the highest LSN known to have reached stable storage.
func (lm *LogManager) PersistentLSN() page.LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.persistentLSN
}

// NextLSN reports the next LSN to be assigned.
func (lm *LogManager) NextLSN() page.LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN
}
