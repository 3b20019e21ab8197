package btree

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/latchdb/latchdb/core/buffer"
	"github.com/latchdb/latchdb/core/storage/disk"
	"github.com/latchdb/latchdb/core/storage/page"
)

const testKeySize = 8

// key encodes n big-endian so bytes.Compare orders keys numerically.
func key(n uint64) []byte {
	k := make([]byte, testKeySize)
	binary.BigEndian.PutUint64(k, n)
	return k
}

func rid(n uint64) page.RID {
	return page.NewRID(page.PageID(n), int32(n))
}

func setupTree(t *testing.T, order, poolSize int) *BPlusTree {
	t.Helper()
	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "index.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	bpm := buffer.NewBufferPoolManager(poolSize, 50, dm, nil, zap.NewNop(), nil)

	// Page 0 is the header page holding the tree's root registration.
	hp, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, page.HeaderPageID, hp.ID())
	require.NoError(t, bpm.UnpinPage(hp.ID(), true))

	tree, err := New("test_index", bpm, bytes.Compare, testKeySize, order, zap.NewNop())
	require.NoError(t, err)
	return tree
}

// scan walks the tree from lo and returns the decoded keys.
func scan(t *testing.T, tree *BPlusTree, lo uint64) []uint64 {
	t.Helper()
	it, err := tree.BeginAt(key(lo), nil)
	require.NoError(t, err)
	defer it.Close()

	var out []uint64
	for !it.End() {
		k, _ := it.Item()
		out = append(out, binary.BigEndian.Uint64(k))
		require.NoError(t, it.Next())
	}
	return out
}

func seq(lo, hi uint64) []uint64 {
	out := make([]uint64, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		out = append(out, i)
	}
	return out
}

func TestBPlusTree_InvalidOrder(t *testing.T) {
	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "index.db"), zap.NewNop())
	require.NoError(t, err)
	defer dm.Close()
	bpm := buffer.NewBufferPoolManager(8, 50, dm, nil, zap.NewNop(), nil)
	hp, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(hp.ID(), true))

	_, err = New("bad", bpm, bytes.Compare, testKeySize, 1, zap.NewNop())
	require.ErrorIs(t, err, ErrInvalidOrder)
	_, err = New("bad", bpm, bytes.Compare, testKeySize, 100000, zap.NewNop())
	require.ErrorIs(t, err, ErrInvalidOrder)
}

// TestBPlusTree_LeafSplitOrder3 is the ascending-insert script: at order 3
// the tree grows to height 2 on key 3 and height 3 on key 5.
func TestBPlusTree_LeafSplitOrder3(t *testing.T) {
	tree := setupTree(t, 3, 32)

	heights := map[uint64]int{1: 1, 2: 1, 3: 2, 4: 2, 5: 3}
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, tree.Insert(key(i), rid(i), nil))
		h, err := tree.Height()
		require.NoError(t, err)
		require.Equal(t, heights[i], h, "height after inserting %d", i)
		require.NoError(t, tree.Verify(), "invariants after inserting %d", i)
	}

	require.Equal(t, seq(1, 5), scan(t, tree, 1))
	for i := uint64(1); i <= 5; i++ {
		got, err := tree.GetValue(key(i), nil)
		require.NoError(t, err)
		require.Equal(t, rid(i), got)
	}
}

func TestBPlusTree_ReverseInsertOrder3(t *testing.T) {
	tree := setupTree(t, 3, 32)

	for i := uint64(5); i >= 1; i-- {
		require.NoError(t, tree.Insert(key(i), rid(i), nil))
		require.NoError(t, tree.Verify())
	}
	require.Equal(t, seq(1, 5), scan(t, tree, 1))
	require.Equal(t, []uint64{3, 4, 5}, scan(t, tree, 3))
}

func TestBPlusTree_DuplicateRejected(t *testing.T) {
	tree := setupTree(t, 4, 16)
	require.NoError(t, tree.Insert(key(42), rid(42), nil))
	err := tree.Insert(key(42), rid(1), nil)
	require.ErrorIs(t, err, ErrDuplicateKey)

	got, err := tree.GetValue(key(42), nil)
	require.NoError(t, err)
	require.Equal(t, rid(42), got, "failed insert must not clobber the stored value")
}

func TestBPlusTree_GetMissing(t *testing.T) {
	tree := setupTree(t, 4, 16)
	_, err := tree.GetValue(key(1), nil)
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, tree.Insert(key(1), rid(1), nil))
	_, err = tree.GetValue(key(2), nil)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

// TestBPlusTree_RandomScale drives a larger tree through random-order
// inserts and checks both point lookups and the full ordered scan.
func TestBPlusTree_RandomScale(t *testing.T) {
	tree := setupTree(t, 32, 64)

	const n = 10000
	keys := rand.New(rand.NewSource(1)).Perm(n)
	for _, k := range keys {
		require.NoError(t, tree.Insert(key(uint64(k+1)), rid(uint64(k+1)), nil))
	}
	require.NoError(t, tree.Verify())

	for i := uint64(1); i <= n; i++ {
		got, err := tree.GetValue(key(i), nil)
		require.NoError(t, err, "key %d", i)
		require.Equal(t, rid(i), got)
	}
	require.Equal(t, seq(1, n), scan(t, tree, 0))
}

// TestBPlusTree_DeleteAll empties an order-4 tree of 100 keys: every lookup
// turns into not-found, the root unregisters, and no frame stays pinned.
func TestBPlusTree_DeleteAll(t *testing.T) {
	tree := setupTree(t, 4, 64)

	for i := uint64(1); i <= 100; i++ {
		require.NoError(t, tree.Insert(key(i), rid(i), nil))
	}
	for i := uint64(1); i <= 100; i++ {
		require.NoError(t, tree.Remove(key(i), nil))
		require.NoError(t, tree.Verify(), "invariants after removing %d", i)
	}

	for i := uint64(1); i <= 100; i++ {
		_, err := tree.GetValue(key(i), nil)
		require.ErrorIs(t, err, ErrKeyNotFound)
	}
	require.Equal(t, page.InvalidPageID, tree.RootPageID())
	require.Zero(t, tree.bpm.PinnedPages(), "every frame must be unpinned after delete-all")
}

// TestBPlusTree_DeleteCausesMerge shrinks an order-3 tree of five keys down
// to a single leaf holding one key.
func TestBPlusTree_DeleteCausesMerge(t *testing.T) {
	tree := setupTree(t, 3, 32)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, tree.Insert(key(i), rid(i), nil))
	}
	for _, k := range []uint64{1, 5, 3, 4} {
		require.NoError(t, tree.Remove(key(k), nil))
		require.NoError(t, tree.Verify(), "invariants after removing %d", k)
	}

	require.Equal(t, []uint64{2}, scan(t, tree, 2))
	leaves, err := tree.LeafCount()
	require.NoError(t, err)
	require.Equal(t, 1, leaves)
}

func TestBPlusTree_RemoveMissingIsNoop(t *testing.T) {
	tree := setupTree(t, 4, 16)
	require.NoError(t, tree.Remove(key(5), nil))

	require.NoError(t, tree.Insert(key(1), rid(1), nil))
	require.NoError(t, tree.Remove(key(5), nil))
	got, err := tree.GetValue(key(1), nil)
	require.NoError(t, err)
	require.Equal(t, rid(1), got)
}

func TestBPlusTree_InsertDeleteInterleaved(t *testing.T) {
	tree := setupTree(t, 5, 64)
	r := rand.New(rand.NewSource(7))

	present := make(map[uint64]bool)
	for i := 0; i < 2000; i++ {
		k := uint64(r.Intn(300) + 1)
		if present[k] {
			require.NoError(t, tree.Remove(key(k), nil))
			delete(present, k)
		} else {
			require.NoError(t, tree.Insert(key(k), rid(k), nil))
			present[k] = true
		}
		if i%200 == 0 {
			require.NoError(t, tree.Verify())
		}
	}
	require.NoError(t, tree.Verify())

	var want []uint64
	for k := range present {
		want = append(want, k)
	}
	got := scan(t, tree, 0)
	require.ElementsMatch(t, want, got)
	require.IsIncreasing(t, got)
}

func TestBPlusTree_RootRegisteredInHeader(t *testing.T) {
	tree := setupTree(t, 4, 16)
	require.NoError(t, tree.Insert(key(1), rid(1), nil))

	hp, err := tree.bpm.FetchPage(page.HeaderPageID)
	require.NoError(t, err)
	rootID, ok := page.AsHeaderPage(hp).RootID("test_index")
	require.NoError(t, tree.bpm.UnpinPage(page.HeaderPageID, false))
	require.True(t, ok)
	require.Equal(t, tree.RootPageID(), rootID)
}

func TestBPlusTree_ReopenFindsRoot(t *testing.T) {
	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "reopen.db"), zap.NewNop())
	require.NoError(t, err)
	defer dm.Close()
	bpm := buffer.NewBufferPoolManager(32, 50, dm, nil, zap.NewNop(), nil)
	hp, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(hp.ID(), true))

	tree, err := New("reopen_idx", bpm, bytes.Compare, testKeySize, 4, zap.NewNop())
	require.NoError(t, err)
	for i := uint64(1); i <= 20; i++ {
		require.NoError(t, tree.Insert(key(i), rid(i), nil))
	}

	// A second handle over the same pool picks the root up from the header.
	again, err := New("reopen_idx", bpm, bytes.Compare, testKeySize, 4, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, tree.RootPageID(), again.RootPageID())
	got, err := again.GetValue(key(13), nil)
	require.NoError(t, err)
	require.Equal(t, rid(13), got)
}
