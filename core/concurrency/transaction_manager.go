package concurrency

import (
	"sync"

	"go.uber.org/zap"

	"github.com/latchdb/latchdb/core/storage/page"
	"github.com/latchdb/latchdb/core/wal"
	"github.com/latchdb/latchdb/pkg/telemetry"
)

// TransactionManager orchestrates transaction lifecycles: id allocation,
// BEGIN/COMMIT/ABORT logging, undo via the write set, the group-commit wait
// for durability, and the strict-2PL lock release at termination.
type TransactionManager struct {
	mu        sync.Mutex
	nextTxnID page.TxnID

	lockManager *LockManager
	logManager  *wal.LogManager // nil when running without a WAL

	log     *zap.Logger
	metrics *telemetry.Metrics
}

// NewTransactionManager wires the lock manager and (optionally) the log
// manager.
func NewTransactionManager(lm *LockManager, logMgr *wal.LogManager, logger *zap.Logger, metrics *telemetry.Metrics) *TransactionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionManager{
		lockManager: lm,
		logManager:  logMgr,
		log:         logger,
		metrics:     metrics,
	}
}

// Begin starts a transaction with the next monotonic id and logs BEGIN.
func (tm *TransactionManager) Begin() *Transaction {
	tm.mu.Lock()
	id := tm.nextTxnID
	tm.nextTxnID++
	tm.mu.Unlock()

	txn := NewTransaction(id)
	if tm.loggingEnabled() {
		lsn, err := tm.logManager.AppendLogRecord(
			wal.NewTxnRecord(txn.ID(), txn.PrevLSN(), wal.RecordBegin))
		if err != nil {
			tm.log.Error("failed to log BEGIN", zap.Int32("txn", int32(id)), zap.Error(err))
		} else {
			txn.SetPrevLSN(lsn)
		}
	}
	tm.metrics.TxnBegan()
	return txn
}

// Commit finalizes the transaction: tombstoned deletes become physical
// deletes, COMMIT is logged and forced to stable storage, and every held
// lock is released.
func (tm *TransactionManager) Commit(txn *Transaction) {
	txn.SetState(TxnCommitted)

	// Walk the write set back to front, truly deleting what was only
	// mark-deleted so far.
	writes := txn.WriteSet()
	for i := len(writes) - 1; i >= 0; i-- {
		rec := writes[i]
		if rec.Type == WriteDelete {
			if err := rec.Table.ApplyDelete(rec.RID, txn); err != nil {
				tm.log.Error("apply delete at commit failed",
					zap.Int32("txn", int32(txn.ID())),
					zap.String("rid", rec.RID.String()),
					zap.Error(err))
			}
		}
	}
	txn.ClearWriteSet()

	if tm.loggingEnabled() {
		lsn, err := tm.logManager.AppendLogRecord(
			wal.NewTxnRecord(txn.ID(), txn.PrevLSN(), wal.RecordCommit))
		if err != nil {
			tm.log.Error("failed to log COMMIT", zap.Int32("txn", int32(txn.ID())), zap.Error(err))
		} else {
			txn.SetPrevLSN(lsn)
			// A transaction is not committed until all of its records are on
			// stable storage; hold the caller here until the flusher catches
			// up.
			tm.logManager.FlushUpTo(lsn)
		}
	}

	tm.releaseAllLocks(txn)
	tm.metrics.TxnCommitted()
	tm.log.Debug("transaction committed", zap.Int32("txn", int32(txn.ID())))
}

// Abort rolls the transaction back: the write set is undone back to front
// (insert -> physical delete, delete -> tombstone flip, update -> old image),
// ABORT is logged and forced, and every held lock is released.
func (tm *TransactionManager) Abort(txn *Transaction) {
	txn.SetState(TxnAborted)

	writes := txn.WriteSet()
	for i := len(writes) - 1; i >= 0; i-- {
		rec := writes[i]
		var err error
		switch rec.Type {
		case WriteInsert:
			err = rec.Table.ApplyDelete(rec.RID, txn)
		case WriteDelete:
			err = rec.Table.RollbackDelete(rec.RID, txn)
		case WriteUpdate:
			err = rec.Table.UpdateTuple(rec.Tuple, rec.RID, txn)
		}
		if err != nil {
			tm.log.Error("undo failed",
				zap.Int32("txn", int32(txn.ID())),
				zap.String("rid", rec.RID.String()),
				zap.Error(err))
		}
	}
	txn.ClearWriteSet()

	if tm.loggingEnabled() {
		lsn, err := tm.logManager.AppendLogRecord(
			wal.NewTxnRecord(txn.ID(), txn.PrevLSN(), wal.RecordAbort))
		if err != nil {
			tm.log.Error("failed to log ABORT", zap.Int32("txn", int32(txn.ID())), zap.Error(err))
		} else {
			txn.SetPrevLSN(lsn)
			tm.logManager.FlushUpTo(lsn)
		}
	}

	tm.releaseAllLocks(txn)
	tm.metrics.TxnAborted()
	tm.log.Debug("transaction aborted", zap.Int32("txn", int32(txn.ID())))
}

// releaseAllLocks unlocks the union of the shared and exclusive sets.
func (tm *TransactionManager) releaseAllLocks(txn *Transaction) {
	held := make([]page.RID, 0, len(txn.SharedSet())+len(txn.ExclusiveSet()))
	for rid := range txn.SharedSet() {
		held = append(held, rid)
	}
	for rid := range txn.ExclusiveSet() {
		held = append(held, rid)
	}
	for _, rid := range held {
		tm.lockManager.Unlock(txn, rid)
	}
}

func (tm *TransactionManager) loggingEnabled() bool {
	return tm.logManager != nil && tm.logManager.Enabled()
}
