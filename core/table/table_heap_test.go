package table

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/latchdb/latchdb/core/buffer"
	"github.com/latchdb/latchdb/core/concurrency"
	"github.com/latchdb/latchdb/core/storage/disk"
	"github.com/latchdb/latchdb/core/storage/page"
	"github.com/latchdb/latchdb/core/wal"
)

type heapFixture struct {
	bpm     *buffer.BufferPoolManager
	lockMgr *concurrency.LockManager
	logMgr  *wal.LogManager
	txnMgr  *concurrency.TransactionManager
	heap    *TableHeap
}

func setupHeap(t *testing.T, logging bool) *heapFixture {
	t.Helper()
	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	logMgr := wal.NewLogManager(dm, 16*page.Size, 20*time.Millisecond, zap.NewNop(), nil)
	if logging {
		logMgr.RunFlushThread()
		t.Cleanup(logMgr.StopFlushThread)
	}

	bpm := buffer.NewBufferPoolManager(32, 50, dm, logMgr, zap.NewNop(), nil)
	lockMgr := concurrency.NewLockManager(true, zap.NewNop(), nil)
	txnMgr := concurrency.NewTransactionManager(lockMgr, logMgr, zap.NewNop(), nil)

	creator := txnMgr.Begin()
	heap, err := NewTableHeap(bpm, lockMgr, logMgr, creator, zap.NewNop())
	require.NoError(t, err)
	txnMgr.Commit(creator)

	return &heapFixture{bpm: bpm, lockMgr: lockMgr, logMgr: logMgr, txnMgr: txnMgr, heap: heap}
}

func TestTableHeap_InsertAndGet(t *testing.T) {
	f := setupHeap(t, true)
	txn := f.txnMgr.Begin()

	rid, err := f.heap.InsertTuple([]byte("row-one"), txn)
	require.NoError(t, err)
	require.NotEqual(t, page.InvalidRID, rid)
	require.True(t, txn.HoldsExclusive(rid), "insert must leave the RID exclusively locked")

	data, err := f.heap.GetTuple(rid, txn)
	require.NoError(t, err)
	require.Equal(t, []byte("row-one"), data)

	f.txnMgr.Commit(txn)
	require.Empty(t, txn.ExclusiveSet(), "commit must release every lock")

	reader := f.txnMgr.Begin()
	data, err = f.heap.GetTuple(rid, reader)
	require.NoError(t, err)
	require.Equal(t, []byte("row-one"), data)
	f.txnMgr.Commit(reader)
}

func TestTableHeap_SpillsAcrossPages(t *testing.T) {
	f := setupHeap(t, false)
	txn := f.txnMgr.Begin()

	payload := bytes.Repeat([]byte("p"), 512)
	var rids []page.RID
	for i := 0; i < 40; i++ {
		rid, err := f.heap.InsertTuple(payload, txn)
		require.NoError(t, err)
		rids = append(rids, rid)
	}

	pages := make(map[page.PageID]bool)
	for _, rid := range rids {
		pages[rid.PageID] = true
		data, err := f.heap.GetTuple(rid, txn)
		require.NoError(t, err)
		require.Equal(t, payload, data)
	}
	require.Greater(t, len(pages), 1, "40 half-KB tuples cannot fit one page")
	f.txnMgr.Commit(txn)
}

func TestTableHeap_TupleTooLarge(t *testing.T) {
	f := setupHeap(t, false)
	txn := f.txnMgr.Begin()
	_, err := f.heap.InsertTuple(make([]byte, page.Size), txn)
	require.ErrorIs(t, err, ErrTupleTooLarge)
	require.Equal(t, concurrency.TxnAborted, txn.State())
}

func TestTableHeap_MarkDeleteHidesTuple(t *testing.T) {
	f := setupHeap(t, true)

	writer := f.txnMgr.Begin()
	rid, err := f.heap.InsertTuple([]byte("to-delete"), writer)
	require.NoError(t, err)
	f.txnMgr.Commit(writer)

	deleter := f.txnMgr.Begin()
	require.NoError(t, f.heap.MarkDelete(rid, deleter))

	// The tombstone hides the tuple even before the physical delete.
	probe := concurrency.NewTransaction(99)
	_, err = f.heap.GetTuple(rid, probe)
	require.Error(t, err)

	f.txnMgr.Commit(deleter)

	reader := f.txnMgr.Begin()
	_, err = f.heap.GetTuple(rid, reader)
	require.ErrorIs(t, err, ErrTupleNotFound)
}

func TestTableHeap_UpdateInPlace(t *testing.T) {
	f := setupHeap(t, true)

	writer := f.txnMgr.Begin()
	rid, err := f.heap.InsertTuple([]byte("before"), writer)
	require.NoError(t, err)
	f.txnMgr.Commit(writer)

	updater := f.txnMgr.Begin()
	require.NoError(t, f.heap.UpdateTuple([]byte("afterwards"), rid, updater))
	data, err := f.heap.GetTuple(rid, updater)
	require.NoError(t, err)
	require.Equal(t, []byte("afterwards"), data)
	f.txnMgr.Commit(updater)
}

func TestTableHeap_ReadThenWriteUpgrades(t *testing.T) {
	f := setupHeap(t, true)

	writer := f.txnMgr.Begin()
	rid, err := f.heap.InsertTuple([]byte("v1"), writer)
	require.NoError(t, err)
	f.txnMgr.Commit(writer)

	// Read acquires shared, update must upgrade rather than deadlock.
	txn := f.txnMgr.Begin()
	_, err = f.heap.GetTuple(rid, txn)
	require.NoError(t, err)
	require.True(t, txn.HoldsShared(rid))

	require.NoError(t, f.heap.UpdateTuple([]byte("v2"), rid, txn))
	require.True(t, txn.HoldsExclusive(rid))
	require.False(t, txn.HoldsShared(rid))
	f.txnMgr.Commit(txn)
}

func TestTableHeap_Iterator(t *testing.T) {
	f := setupHeap(t, false)
	txn := f.txnMgr.Begin()

	want := make(map[string]bool)
	for i := 0; i < 25; i++ {
		v := fmt.Sprintf("tuple-%02d", i)
		_, err := f.heap.InsertTuple([]byte(v), txn)
		require.NoError(t, err)
		want[v] = true
	}

	it, err := f.heap.Begin(txn)
	require.NoError(t, err)
	got := make(map[string]bool)
	for !it.End() {
		tup, err := it.Tuple()
		require.NoError(t, err)
		got[string(tup.Data)] = true
		require.NoError(t, it.Next())
	}
	require.Equal(t, want, got)
	f.txnMgr.Commit(txn)
}
