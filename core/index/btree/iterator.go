package btree

import (
	"github.com/latchdb/latchdb/core/concurrency"
	"github.com/latchdb/latchdb/core/storage/page"
)

// Iterator walks the leaf chain left to right. It holds the current leaf
// pinned and reader-latched, so each visited leaf is a stable snapshot;
// inserts racing past the cursor's position may be missed.
//
// Callers must Close the iterator to release the last leaf.
type Iterator struct {
	tree *BPlusTree
	leaf *page.Page
	idx  int
}

// Begin positions an iterator at the leftmost pair of the tree.
func (t *BPlusTree) Begin(txn *concurrency.Transaction) (*Iterator, error) {
	return t.begin(nil)
}

// BeginAt positions an iterator at the first pair whose key is >= key.
func (t *BPlusTree) BeginAt(key []byte, txn *concurrency.Transaction) (*Iterator, error) {
	return t.begin(key)
}

func (t *BPlusTree) begin(key []byte) (*Iterator, error) {
	t.mu.Lock()
	rootID := t.rootPageID
	t.mu.Unlock()
	if rootID == page.InvalidPageID {
		return &Iterator{tree: t}, nil
	}

	p, err := t.bpm.FetchPage(rootID)
	if err != nil {
		return nil, t.frameErr(err)
	}
	p.RLatch()

	for {
		n := node{p: p, keySize: t.keySize}
		if n.isLeaf() {
			break
		}
		in := asInternal(p, t.keySize)
		var childID page.PageID
		if key == nil {
			childID = in.childAt(0)
		} else {
			childID = in.lookup(key, t.cmp)
		}
		child, err := t.bpm.FetchPage(childID)
		if err != nil {
			p.RUnlatch()
			t.bpm.UnpinPage(p.ID(), false)
			return nil, t.frameErr(err)
		}
		child.RLatch()
		p.RUnlatch()
		t.bpm.UnpinPage(p.ID(), false)
		p = child
	}

	it := &Iterator{tree: t, leaf: p}
	if key != nil {
		it.idx = asLeaf(p, t.keySize).keyIndex(key, t.cmp)
	}
	if err := it.normalize(); err != nil {
		return nil, err
	}
	return it, nil
}

// normalize hops to the next leaf when the cursor sits past the last pair of
// the current one, taking the next leaf's latch before releasing the
// current one.
func (it *Iterator) normalize() error {
	for it.leaf != nil {
		leaf := asLeaf(it.leaf, it.tree.keySize)
		if it.idx < leaf.size() {
			return nil
		}
		next := leaf.nextPageID()
		if next == page.InvalidPageID {
			return nil
		}
		np, err := it.tree.bpm.FetchPage(next)
		if err != nil {
			return it.tree.frameErr(err)
		}
		np.RLatch()
		it.leaf.RUnlatch()
		it.tree.bpm.UnpinPage(it.leaf.ID(), false)
		it.leaf = np
		it.idx = 0
	}
	return nil
}

// End reports whether the iterator is exhausted.
func (it *Iterator) End() bool {
	if it.leaf == nil {
		return true
	}
	leaf := asLeaf(it.leaf, it.tree.keySize)
	return it.idx >= leaf.size() && leaf.nextPageID() == page.InvalidPageID
}

// Item returns the pair under the cursor. The key is a copy.
func (it *Iterator) Item() ([]byte, page.RID) {
	leaf := asLeaf(it.leaf, it.tree.keySize)
	key := append([]byte(nil), leaf.keyAt(it.idx)...)
	return key, leaf.ridAt(it.idx)
}

// Next advances the cursor, crossing to the next leaf at the end of the
// current one.
func (it *Iterator) Next() error {
	if it.leaf == nil {
		return nil
	}
	it.idx++
	return it.normalize()
}

// Close releases the current leaf. The iterator is unusable afterwards.
func (it *Iterator) Close() {
	if it.leaf == nil {
		return
	}
	it.leaf.RUnlatch()
	it.tree.bpm.UnpinPage(it.leaf.ID(), false)
	it.leaf = nil
}
