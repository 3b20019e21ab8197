package btree

import (
	"fmt"

	"github.com/latchdb/latchdb/core/storage/page"
)

// Verify walks the whole tree and checks its structural invariants: key
// ordering inside every node, occupancy bounds on non-root nodes, parent
// links, and a cycle-free, sorted leaf chain. It is meant for tests; the
// walk pins one root-to-leaf path at a time and takes no latches.
func (t *BPlusTree) Verify() error {
	t.mu.Lock()
	rootID := t.rootPageID
	t.mu.Unlock()
	if rootID == page.InvalidPageID {
		return nil
	}

	leftmost, err := t.verifyNode(rootID, page.InvalidPageID, nil, nil)
	if err != nil {
		return err
	}
	return t.verifyLeafChain(leftmost)
}

// verifyNode checks one subtree; lo and hi bound the keys it may contain
// (nil for unbounded). It returns the leftmost leaf of the subtree.
func (t *BPlusTree) verifyNode(id, wantParent page.PageID, lo, hi []byte) (page.PageID, error) {
	p, err := t.bpm.FetchPage(id)
	if err != nil {
		return page.InvalidPageID, err
	}
	defer t.bpm.UnpinPage(id, false)

	n := node{p: p, keySize: t.keySize}
	if n.parentID() != wantParent {
		return page.InvalidPageID, fmt.Errorf("page %d: parent %d, want %d", id, n.parentID(), wantParent)
	}
	isRoot := wantParent == page.InvalidPageID

	if n.isLeaf() {
		leaf := asLeaf(p, t.keySize)
		if !isRoot && (leaf.size() < t.minLeafKeys() || leaf.size() > t.order-1) {
			return page.InvalidPageID, fmt.Errorf("leaf %d: %d keys outside [%d, %d]",
				id, leaf.size(), t.minLeafKeys(), t.order-1)
		}
		for i := 0; i < leaf.size(); i++ {
			k := leaf.keyAt(i)
			if i > 0 && t.cmp(leaf.keyAt(i-1), k) >= 0 {
				return page.InvalidPageID, fmt.Errorf("leaf %d: keys not strictly increasing at %d", id, i)
			}
			if lo != nil && t.cmp(k, lo) < 0 {
				return page.InvalidPageID, fmt.Errorf("leaf %d: key below parent separator", id)
			}
			if hi != nil && t.cmp(k, hi) >= 0 {
				return page.InvalidPageID, fmt.Errorf("leaf %d: key at or above next separator", id)
			}
		}
		return id, nil
	}

	in := asInternal(p, t.keySize)
	if !isRoot && (in.size() < t.minInternalChildren() || in.size() > t.order) {
		return page.InvalidPageID, fmt.Errorf("internal %d: %d children outside [%d, %d]",
			id, in.size(), t.minInternalChildren(), t.order)
	}
	if isRoot && in.size() < 2 {
		return page.InvalidPageID, fmt.Errorf("internal root %d: %d children", id, in.size())
	}
	for i := 2; i < in.size(); i++ {
		if t.cmp(in.keyAt(i-1), in.keyAt(i)) >= 0 {
			return page.InvalidPageID, fmt.Errorf("internal %d: keys not strictly increasing at %d", id, i)
		}
	}

	var leftmost page.PageID
	for i := 0; i < in.size(); i++ {
		childLo := lo
		if i > 0 {
			childLo = append([]byte(nil), in.keyAt(i)...)
		}
		childHi := hi
		if i+1 < in.size() {
			childHi = append([]byte(nil), in.keyAt(i+1)...)
		}
		got, err := t.verifyNode(in.childAt(i), id, childLo, childHi)
		if err != nil {
			return page.InvalidPageID, err
		}
		if i == 0 {
			leftmost = got
		}
	}
	return leftmost, nil
}

// verifyLeafChain follows next pointers from the leftmost leaf, checking the
// chain stays sorted and never revisits a page.
func (t *BPlusTree) verifyLeafChain(start page.PageID) error {
	seen := make(map[page.PageID]bool)
	var prevLast []byte
	for id := start; id != page.InvalidPageID; {
		if seen[id] {
			return fmt.Errorf("leaf chain: cycle at page %d", id)
		}
		seen[id] = true

		p, err := t.bpm.FetchPage(id)
		if err != nil {
			return err
		}
		leaf := asLeaf(p, t.keySize)
		if leaf.size() > 0 {
			if prevLast != nil && t.cmp(prevLast, leaf.keyAt(0)) >= 0 {
				t.bpm.UnpinPage(id, false)
				return fmt.Errorf("leaf chain: page %d starts at or below its predecessor", id)
			}
			prevLast = append([]byte(nil), leaf.keyAt(leaf.size()-1)...)
		}
		next := leaf.nextPageID()
		t.bpm.UnpinPage(id, false)
		id = next
	}
	return nil
}

// LeafCount walks the leaf chain and returns the number of leaves; for
// tests.
func (t *BPlusTree) LeafCount() (int, error) {
	t.mu.Lock()
	rootID := t.rootPageID
	t.mu.Unlock()
	if rootID == page.InvalidPageID {
		return 0, nil
	}

	id := rootID
	for {
		p, err := t.bpm.FetchPage(id)
		if err != nil {
			return 0, err
		}
		n := node{p: p, keySize: t.keySize}
		if n.isLeaf() {
			t.bpm.UnpinPage(id, false)
			break
		}
		child := asInternal(p, t.keySize).childAt(0)
		t.bpm.UnpinPage(id, false)
		id = child
	}

	count := 0
	for id != page.InvalidPageID {
		p, err := t.bpm.FetchPage(id)
		if err != nil {
			return 0, err
		}
		count++
		next := asLeaf(p, t.keySize).nextPageID()
		t.bpm.UnpinPage(id, false)
		id = next
	}
	return count, nil
}

// Height returns the number of levels; for tests.
func (t *BPlusTree) Height() (int, error) {
	t.mu.Lock()
	rootID := t.rootPageID
	t.mu.Unlock()
	if rootID == page.InvalidPageID {
		return 0, nil
	}
	h := 0
	id := rootID
	for {
		p, err := t.bpm.FetchPage(id)
		if err != nil {
			return 0, err
		}
		h++
		n := node{p: p, keySize: t.keySize}
		if n.isLeaf() {
			t.bpm.UnpinPage(id, false)
			return h, nil
		}
		child := asInternal(p, t.keySize).childAt(0)
		t.bpm.UnpinPage(id, false)
		id = child
	}
}
