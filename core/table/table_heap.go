// Package table implements the table heap: a linked list of slotted pages
// holding opaque tuples, driven by the lock and log managers.
package table

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/latchdb/latchdb/core/buffer"
	"github.com/latchdb/latchdb/core/concurrency"
	"github.com/latchdb/latchdb/core/storage/page"
	"github.com/latchdb/latchdb/core/wal"
)

var (
	// ErrTupleTooLarge is returned when a tuple cannot fit a fresh page.
	ErrTupleTooLarge = errors.New("table: tuple too large for a page")
	// ErrTupleNotFound is returned for RIDs that do not address a visible
	// tuple.
	ErrTupleNotFound = errors.New("table: tuple not found")
	// ErrTxnAborted is returned when the operation died with its
	// transaction, usually because a lock could not be granted.
	ErrTxnAborted = errors.New("table: transaction aborted")
)

// tupleMetaOverhead approximates one slot plus header growth when sizing an
// insert against a fresh page.
const tupleMetaOverhead = 32

// Tuple pairs a payload with the record id locating it.
type Tuple struct {
	RID  page.RID
	Data []byte
}

// TableHeap is one table: a doubly linked list of slotted pages headed by
// firstPageID. Structural edits happen under the page's writer latch; reads
// under the reader latch. Tuple-level isolation rides on the lock manager
// and every mutation is logged before the page LSN moves (WAL).
type TableHeap struct {
	bpm         *buffer.BufferPoolManager
	lockManager *concurrency.LockManager
	logManager  *wal.LogManager // nil when running without a WAL
	firstPageID page.PageID

	log *zap.Logger
}

// NewTableHeap creates a table, allocating and formatting its first page.
func NewTableHeap(bpm *buffer.BufferPoolManager, lm *concurrency.LockManager, logMgr *wal.LogManager, txn *concurrency.Transaction, logger *zap.Logger) (*TableHeap, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &TableHeap{
		bpm:         bpm,
		lockManager: lm,
		logManager:  logMgr,
		log:         logger,
	}

	p, err := bpm.NewPage()
	if err != nil {
		return nil, fmt.Errorf("creating table heap: %w", err)
	}
	h.firstPageID = p.ID()

	p.WLatch()
	tp := page.AsTablePage(p)
	tp.Init(p.ID(), page.InvalidPageID)
	h.logNewPage(tp, page.InvalidPageID, txn)
	p.WUnlatch()
	if err := bpm.UnpinPage(p.ID(), true); err != nil {
		return nil, err
	}
	return h, nil
}

// OpenTableHeap attaches to an existing table by its first page id.
func OpenTableHeap(bpm *buffer.BufferPoolManager, lm *concurrency.LockManager, logMgr *wal.LogManager, firstPageID page.PageID, logger *zap.Logger) *TableHeap {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TableHeap{
		bpm:         bpm,
		lockManager: lm,
		logManager:  logMgr,
		firstPageID: firstPageID,
		log:         logger,
	}
}

// FirstPageID returns the head of the page list.
func (h *TableHeap) FirstPageID() page.PageID { return h.firstPageID }

func (h *TableHeap) loggingEnabled() bool {
	return h.logManager != nil && h.logManager.Enabled()
}

// logNewPage appends a NEW_PAGE record and stamps the page. Caller holds the
// page's writer latch.
func (h *TableHeap) logNewPage(tp *page.TablePage, prev page.PageID, txn *concurrency.Transaction) {
	if !h.loggingEnabled() || txn == nil {
		return
	}
	lsn, err := h.logManager.AppendLogRecord(
		wal.NewPageRecord(txn.ID(), txn.PrevLSN(), prev))
	if err != nil {
		h.log.Error("failed to log NEW_PAGE", zap.Error(err))
		return
	}
	txn.SetPrevLSN(lsn)
	tp.SetLSN(lsn)
}

// abort marks the transaction dead and returns ErrTxnAborted.
func (h *TableHeap) abort(txn *concurrency.Transaction) error {
	txn.SetState(concurrency.TxnAborted)
	return ErrTxnAborted
}

// lockExclusive takes (or upgrades to) an exclusive lock on rid for txn.
func (h *TableHeap) lockExclusive(txn *concurrency.Transaction, rid page.RID) bool {
	if txn.HoldsExclusive(rid) {
		return true
	}
	if txn.HoldsShared(rid) {
		return h.lockManager.LockUpgrade(txn, rid)
	}
	return h.lockManager.LockExclusive(txn, rid)
}

// InsertTuple walks the page list for space, linking a fresh page at the
// tail when none fits. On success the write set records the insert for undo;
// with logging enabled the new RID is also exclusively locked and the INSERT
// is logged.
func (h *TableHeap) InsertTuple(data []byte, txn *concurrency.Transaction) (page.RID, error) {
	if len(data)+tupleMetaOverhead > page.Size {
		txn.SetState(concurrency.TxnAborted)
		return page.InvalidRID, ErrTupleTooLarge
	}

	p, err := h.bpm.FetchPage(h.firstPageID)
	if err != nil {
		h.abort(txn)
		return page.InvalidRID, err
	}
	cur := page.AsTablePage(p)
	cur.WLatch()

	var slot int32
	for {
		if s, ok := cur.InsertTuple(data); ok {
			slot = s
			break
		}
		next := cur.NextPageID()
		if next != page.InvalidPageID {
			cur.WUnlatch()
			h.bpm.UnpinPage(cur.ID(), false)
			p, err = h.bpm.FetchPage(next)
			if err != nil {
				h.abort(txn)
				return page.InvalidRID, err
			}
			cur = page.AsTablePage(p)
			cur.WLatch()
			continue
		}

		np, err := h.bpm.NewPage()
		if err != nil {
			cur.WUnlatch()
			h.bpm.UnpinPage(cur.ID(), false)
			h.abort(txn)
			return page.InvalidRID, err
		}
		newPage := page.AsTablePage(np)
		newPage.WLatch()
		cur.SetNextPageID(np.ID())
		newPage.Init(np.ID(), cur.ID())
		h.logNewPage(newPage, cur.ID(), txn)
		cur.WUnlatch()
		h.bpm.UnpinPage(cur.ID(), true)
		cur = newPage
	}

	rid := page.NewRID(cur.ID(), slot)
	if h.loggingEnabled() {
		if !h.lockManager.LockExclusive(txn, rid) {
			// Freshly inserted RIDs are invisible to other transactions, so
			// the lock must be grantable; failure means the txn was already
			// dead.
			cur.WUnlatch()
			h.bpm.UnpinPage(cur.ID(), true)
			return page.InvalidRID, ErrTxnAborted
		}
		lsn, err := h.logManager.AppendLogRecord(
			wal.NewInsertRecord(txn.ID(), txn.PrevLSN(), rid, data))
		if err != nil {
			h.log.Error("failed to log INSERT", zap.Error(err))
		} else {
			txn.SetPrevLSN(lsn)
			cur.SetLSN(lsn)
		}
	}
	cur.WUnlatch()
	h.bpm.UnpinPage(cur.ID(), true)

	txn.AppendWrite(concurrency.WriteRecord{RID: rid, Type: concurrency.WriteInsert, Table: h})
	return rid, nil
}

// MarkDelete tombstones the tuple at rid: its slot size flips negative so no
// other transaction can reuse the slot before commit decides its fate.
func (h *TableHeap) MarkDelete(rid page.RID, txn *concurrency.Transaction) error {
	p, err := h.bpm.FetchPage(rid.PageID)
	if err != nil {
		h.abort(txn)
		return err
	}
	// Take the tuple lock before the page latch: a blocked lock wait while
	// holding the latch would stall the very holder trying to release.
	if h.loggingEnabled() {
		if !h.lockExclusive(txn, rid) {
			h.bpm.UnpinPage(rid.PageID, false)
			return h.abort(txn)
		}
	}

	tp := page.AsTablePage(p)
	tp.WLatch()

	if rid.SlotNum >= tp.TupleCount() || tp.TupleSize(rid.SlotNum) <= 0 {
		tp.WUnlatch()
		h.bpm.UnpinPage(rid.PageID, false)
		return h.abort(txn)
	}

	if h.loggingEnabled() {
		old, _ := tp.GetTuple(rid.SlotNum)
		lsn, err := h.logManager.AppendLogRecord(
			wal.NewDeleteRecord(txn.ID(), txn.PrevLSN(), wal.RecordMarkDelete, rid, old))
		if err != nil {
			h.log.Error("failed to log MARK_DELETE", zap.Error(err))
		} else {
			txn.SetPrevLSN(lsn)
			tp.SetLSN(lsn)
		}
	}

	tp.MarkDelete(rid.SlotNum)
	tp.WUnlatch()
	h.bpm.UnpinPage(rid.PageID, true)

	txn.AppendWrite(concurrency.WriteRecord{RID: rid, Type: concurrency.WriteDelete, Table: h})
	return nil
}

// UpdateTuple replaces the tuple at rid in place. The before image travels
// both into the UPDATE log record and into the write set for undo.
func (h *TableHeap) UpdateTuple(data []byte, rid page.RID, txn *concurrency.Transaction) error {
	p, err := h.bpm.FetchPage(rid.PageID)
	if err != nil {
		h.abort(txn)
		return err
	}
	if h.loggingEnabled() {
		if !h.lockExclusive(txn, rid) {
			h.bpm.UnpinPage(rid.PageID, false)
			return h.abort(txn)
		}
	}

	tp := page.AsTablePage(p)
	tp.WLatch()

	if rid.SlotNum >= tp.TupleCount() || tp.TupleSize(rid.SlotNum) <= 0 {
		tp.WUnlatch()
		h.bpm.UnpinPage(rid.PageID, false)
		return h.abort(txn)
	}

	old, ok := tp.UpdateTuple(rid.SlotNum, data)
	if !ok {
		// Not enough room to grow in place; the caller must delete+insert.
		tp.WUnlatch()
		h.bpm.UnpinPage(rid.PageID, false)
		return fmt.Errorf("table: no space to update tuple %s in place", rid)
	}

	if h.loggingEnabled() {
		lsn, err := h.logManager.AppendLogRecord(
			wal.NewUpdateRecord(txn.ID(), txn.PrevLSN(), rid, old, data))
		if err != nil {
			h.log.Error("failed to log UPDATE", zap.Error(err))
		} else {
			txn.SetPrevLSN(lsn)
			tp.SetLSN(lsn)
		}
	}
	tp.WUnlatch()
	h.bpm.UnpinPage(rid.PageID, true)

	if txn.State() != concurrency.TxnAborted {
		txn.AppendWrite(concurrency.WriteRecord{
			RID: rid, Type: concurrency.WriteUpdate, Tuple: old, Table: h})
	}
	return nil
}

// ApplyDelete physically removes the tuple at rid and frees its slot. It
// runs at commit for tombstoned deletes and at abort to undo inserts; the
// caller's exclusive lock on rid is released here.
func (h *TableHeap) ApplyDelete(rid page.RID, txn *concurrency.Transaction) error {
	p, err := h.bpm.FetchPage(rid.PageID)
	if err != nil {
		return err
	}
	tp := page.AsTablePage(p)
	tp.WLatch()

	removed, ok := tp.ApplyDelete(rid.SlotNum)
	if !ok {
		tp.WUnlatch()
		h.bpm.UnpinPage(rid.PageID, false)
		return fmt.Errorf("%w: apply delete %s", ErrTupleNotFound, rid)
	}

	if h.loggingEnabled() {
		if !txn.HoldsExclusive(rid) {
			panic("table: apply delete without the exclusive lock")
		}
		lsn, err := h.logManager.AppendLogRecord(
			wal.NewDeleteRecord(txn.ID(), txn.PrevLSN(), wal.RecordApplyDelete, rid, removed))
		if err != nil {
			h.log.Error("failed to log APPLY_DELETE", zap.Error(err))
		} else {
			txn.SetPrevLSN(lsn)
			tp.SetLSN(lsn)
		}
	}

	h.lockManager.Unlock(txn, rid)
	tp.WUnlatch()
	h.bpm.UnpinPage(rid.PageID, true)
	return nil
}

// RollbackDelete flips a tombstone back to visible; the undo of MarkDelete.
func (h *TableHeap) RollbackDelete(rid page.RID, txn *concurrency.Transaction) error {
	p, err := h.bpm.FetchPage(rid.PageID)
	if err != nil {
		return err
	}
	tp := page.AsTablePage(p)
	tp.WLatch()

	if rid.SlotNum >= tp.TupleCount() {
		tp.WUnlatch()
		h.bpm.UnpinPage(rid.PageID, false)
		return fmt.Errorf("%w: rollback delete %s", ErrTupleNotFound, rid)
	}

	if h.loggingEnabled() {
		if !txn.HoldsExclusive(rid) {
			panic("table: rollback delete without the exclusive lock")
		}
		tuple := make([]byte, 0)
		if size := tp.TupleSize(rid.SlotNum); size != 0 {
			abs := size
			if abs < 0 {
				abs = -abs
			}
			off := tp.TupleOffset(rid.SlotNum)
			tuple = append(tuple, tp.Data()[off:off+abs]...)
		}
		lsn, err := h.logManager.AppendLogRecord(
			wal.NewDeleteRecord(txn.ID(), txn.PrevLSN(), wal.RecordRollbackDelete, rid, tuple))
		if err != nil {
			h.log.Error("failed to log ROLLBACK_DELETE", zap.Error(err))
		} else {
			txn.SetPrevLSN(lsn)
			tp.SetLSN(lsn)
		}
	}

	tp.RollbackDelete(rid.SlotNum)
	tp.WUnlatch()
	h.bpm.UnpinPage(rid.PageID, true)
	return nil
}

// GetTuple copies out the tuple at rid under a shared lock (skipped when the
// transaction already holds a lock on the RID).
func (h *TableHeap) GetTuple(rid page.RID, txn *concurrency.Transaction) ([]byte, error) {
	p, err := h.bpm.FetchPage(rid.PageID)
	if err != nil {
		h.abort(txn)
		return nil, err
	}
	if h.loggingEnabled() && !txn.HoldsExclusive(rid) && !txn.HoldsShared(rid) {
		if !h.lockManager.LockShared(txn, rid) {
			h.bpm.UnpinPage(rid.PageID, false)
			return nil, h.abort(txn)
		}
	}

	tp := page.AsTablePage(p)
	tp.RLatch()

	data, ok := tp.GetTuple(rid.SlotNum)
	tp.RUnlatch()
	h.bpm.UnpinPage(rid.PageID, false)
	if !ok {
		h.abort(txn)
		return nil, fmt.Errorf("%w: %s", ErrTupleNotFound, rid)
	}
	return data, nil
}
