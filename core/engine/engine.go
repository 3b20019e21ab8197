// Package engine wires the storage subsystems into a single handle: disk
// manager, write-ahead log, buffer pool, lock manager and transaction
// manager, opened and shut down together.
package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/latchdb/latchdb/config"
	"github.com/latchdb/latchdb/core/buffer"
	"github.com/latchdb/latchdb/core/concurrency"
	"github.com/latchdb/latchdb/core/storage/disk"
	"github.com/latchdb/latchdb/core/storage/page"
	"github.com/latchdb/latchdb/core/wal"
	"github.com/latchdb/latchdb/pkg/logger"
	"github.com/latchdb/latchdb/pkg/telemetry"
)

// Engine is the storage engine handle. There is no process-wide engine
// state: everything hangs off this struct, and per-call transaction
// contexts come from the transaction manager.
type Engine struct {
	id   string
	path string
	cfg  config.Config

	Disk        *disk.Manager
	LogManager  *wal.LogManager
	BufferPool  *buffer.BufferPoolManager
	LockManager *concurrency.LockManager
	TxnManager  *concurrency.TransactionManager

	log         *zap.Logger
	metrics     *telemetry.Metrics
	shutdownTel telemetry.ShutdownFunc
}

// Open builds the engine over the database file at path. Page 0 (the header
// page) is allocated on a fresh file; the WAL flusher starts when logging is
// enabled.
func Open(path string, cfg config.Config) (*Engine, error) {
	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("engine: building logger: %w", err)
	}

	tel, shutdownTel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("engine: building telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("engine: registering metrics: %w", err)
	}

	dm, err := disk.NewManager(path, zlog)
	if err != nil {
		return nil, err
	}

	logBufferSize := (cfg.BufferPoolSize + 1) * page.Size
	lm := wal.NewLogManager(dm, logBufferSize, cfg.LogTimeout, zlog, metrics)
	if cfg.EnableLogging {
		lm.RunFlushThread()
	}

	bpm := buffer.NewBufferPoolManager(cfg.BufferPoolSize, cfg.BucketSize, dm, lm, zlog, metrics)
	lockMgr := concurrency.NewLockManager(true, zlog, metrics)
	txnMgr := concurrency.NewTransactionManager(lockMgr, lm, zlog, metrics)

	e := &Engine{
		id:          uuid.NewString(),
		path:        path,
		cfg:         cfg,
		Disk:        dm,
		LogManager:  lm,
		BufferPool:  bpm,
		LockManager: lockMgr,
		TxnManager:  txnMgr,
		log:         zlog,
		metrics:     metrics,
		shutdownTel: shutdownTel,
	}

	if err := e.ensureHeaderPage(); err != nil {
		lm.StopFlushThread()
		dm.Close()
		return nil, err
	}

	zlog.Info("engine opened",
		zap.String("engine_id", e.id),
		zap.String("path", path),
		zap.Bool("logging", cfg.EnableLogging))
	return e, nil
}

// ensureHeaderPage allocates and zeroes page 0 on a brand-new database file.
func (e *Engine) ensureHeaderPage() error {
	size, err := e.Disk.Size()
	if err != nil {
		return err
	}
	if size > 0 {
		return nil
	}
	hp, err := e.BufferPool.NewPage()
	if err != nil {
		return err
	}
	if hp.ID() != page.HeaderPageID {
		return fmt.Errorf("engine: fresh file allocated page %d as header", hp.ID())
	}
	if err := e.BufferPool.UnpinPage(hp.ID(), true); err != nil {
		return err
	}
	if !e.BufferPool.FlushPage(hp.ID()) {
		return fmt.Errorf("engine: cannot flush header page")
	}
	return nil
}

// ID returns this engine instance's id.
func (e *Engine) ID() string { return e.id }

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() config.Config { return e.cfg }

// Close flushes everything and tears the engine down: stop the WAL flusher,
// write back every dirty page, close the files.
func (e *Engine) Close() error {
	e.LogManager.StopFlushThread()
	flushErr := e.BufferPool.FlushAllDirtyPages()
	closeErr := e.Disk.Close()
	if e.shutdownTel != nil {
		if err := e.shutdownTel(context.Background()); err != nil {
			e.log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
	e.log.Info("engine closed", zap.String("engine_id", e.id))
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Logger exposes the engine's logger for components built on top.
func (e *Engine) Logger() *zap.Logger { return e.log }
