package engine

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latchdb/latchdb/config"
	"github.com/latchdb/latchdb/core/index/btree"
	"github.com/latchdb/latchdb/core/storage/page"
	"github.com/latchdb/latchdb/core/table"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.BufferPoolSize = 32
	cfg.LogTimeout = 20 * time.Millisecond
	cfg.Logger.Level = "error"
	return cfg
}

func TestEngine_OpenClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	e, err := Open(path, testConfig())
	require.NoError(t, err)
	require.NotEmpty(t, e.ID())
	require.NoError(t, e.Close())
}

func TestEngine_CommittedDataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	cfg := testConfig()

	e, err := Open(path, cfg)
	require.NoError(t, err)

	creator := e.TxnManager.Begin()
	heap, err := table.NewTableHeap(e.BufferPool, e.LockManager, e.LogManager, creator, e.Logger())
	require.NoError(t, err)
	firstPage := heap.FirstPageID()
	e.TxnManager.Commit(creator)

	txn := e.TxnManager.Begin()
	ridA, err := heap.InsertTuple([]byte("committed-a"), txn)
	require.NoError(t, err)
	ridB, err := heap.InsertTuple([]byte("committed-b"), txn)
	require.NoError(t, err)
	e.TxnManager.Commit(txn)

	// An in-flight transaction's tombstone is rolled back before shutdown.
	doomed := e.TxnManager.Begin()
	require.NoError(t, heap.MarkDelete(ridA, doomed))
	e.TxnManager.Abort(doomed)

	require.NoError(t, e.Close())

	e2, err := Open(path, cfg)
	require.NoError(t, err)
	defer e2.Close()

	heap2 := table.OpenTableHeap(e2.BufferPool, e2.LockManager, e2.LogManager, firstPage, e2.Logger())
	reader := e2.TxnManager.Begin()
	data, err := heap2.GetTuple(ridA, reader)
	require.NoError(t, err)
	require.Equal(t, []byte("committed-a"), data)
	data, err = heap2.GetTuple(ridB, reader)
	require.NoError(t, err)
	require.Equal(t, []byte("committed-b"), data)
	e2.TxnManager.Commit(reader)
}

func TestEngine_IndexAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	cfg := testConfig()

	e, err := Open(path, cfg)
	require.NoError(t, err)

	tree, err := btree.New("pk", e.BufferPool, bytes.Compare, 8, 16, e.Logger())
	require.NoError(t, err)
	for i := byte(1); i <= 50; i++ {
		k := bytes.Repeat([]byte{i}, 8)
		require.NoError(t, tree.Insert(k, page.NewRID(1, int32(i)), nil))
	}
	require.NoError(t, e.Close())

	e2, err := Open(path, cfg)
	require.NoError(t, err)
	defer e2.Close()

	tree2, err := btree.New("pk", e2.BufferPool, bytes.Compare, 8, 16, e2.Logger())
	require.NoError(t, err)
	for i := byte(1); i <= 50; i++ {
		k := bytes.Repeat([]byte{i}, 8)
		got, err := tree2.GetValue(k, nil)
		require.NoError(t, err)
		require.Equal(t, page.NewRID(1, int32(i)), got)
	}
	require.NoError(t, tree2.Verify())
}

func TestEngine_PersistentLSNAdvancesOnCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	e, err := Open(path, testConfig())
	require.NoError(t, err)
	defer e.Close()

	creator := e.TxnManager.Begin()
	heap, err := table.NewTableHeap(e.BufferPool, e.LockManager, e.LogManager, creator, e.Logger())
	require.NoError(t, err)
	e.TxnManager.Commit(creator)

	txn := e.TxnManager.Begin()
	_, err = heap.InsertTuple([]byte("durable"), txn)
	require.NoError(t, err)
	e.TxnManager.Commit(txn)

	// Commit must not return before its records are on stable storage.
	require.GreaterOrEqual(t, e.LogManager.PersistentLSN(), txn.PrevLSN())
	require.GreaterOrEqual(t, e.Disk.NumFlushes(), 1)
}

func TestEngine_Backup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.db")
	e, err := Open(path, testConfig())
	require.NoError(t, err)

	creator := e.TxnManager.Begin()
	heap, err := table.NewTableHeap(e.BufferPool, e.LockManager, e.LogManager, creator, e.Logger())
	require.NoError(t, err)
	firstPage := heap.FirstPageID()
	txn := e.TxnManager.Begin()
	rid, err := heap.InsertTuple([]byte("backed-up"), txn)
	require.NoError(t, err)
	e.TxnManager.Commit(creator)
	e.TxnManager.Commit(txn)

	backupPath := filepath.Join(dir, "backup.db")
	require.NoError(t, e.Backup(backupPath, 0))
	require.NoError(t, e.Close())

	// The backup opens as a standalone database with the data intact.
	e2, err := Open(backupPath, testConfig())
	require.NoError(t, err)
	defer e2.Close()
	heap2 := table.OpenTableHeap(e2.BufferPool, e2.LockManager, e2.LogManager, firstPage, e2.Logger())
	reader := e2.TxnManager.Begin()
	data, err := heap2.GetTuple(rid, reader)
	require.NoError(t, err)
	require.Equal(t, []byte("backed-up"), data)
	e2.TxnManager.Commit(reader)
}
