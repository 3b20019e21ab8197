// Package btree implements the persistent, concurrent, unique-key B+tree.
// Every node is a page: internal nodes map keys to child page ids, leaves map
// keys to RIDs and chain left to right for range scans.
package btree

import (
	"encoding/binary"

	"github.com/latchdb/latchdb/core/storage/page"
)

// nodeType discriminates tree pages.
type nodeType int32

const (
	nodeInvalid nodeType = iota
	nodeLeaf
	nodeInternal
)

// Common node header layout:
//
//	| page_type (4) | lsn (4) | current_size (4) | max_size (4) |
//	| parent_page_id (4) | page_id (4) |
//
// Leaf nodes continue with | next_page_id (4) | then packed (key, RID)
// pairs; internal nodes continue directly with packed (key, child_page_id)
// pairs whose slot-0 key is unused.
const (
	nodeTypeOffset   = 0
	nodeLSNOffset    = 4
	nodeSizeOffset   = 8
	nodeMaxOffset    = 12
	nodeParentOffset = 16
	nodeIDOffset     = 20
	nodeHeaderSize   = 24

	leafNextOffset  = 24
	leafPairsOffset = 28

	internalPairsOffset = 24

	ridSize     = 8
	childIDSize = 4
)

// node wraps a pinned page with the tree's key geometry. It is a view, not a
// copy: every accessor reads or writes the page image directly.
type node struct {
	p       *page.Page
	keySize int
}

func (n node) data() []byte { return n.p.Data() }

func (n node) nodeType() nodeType {
	return nodeType(binary.LittleEndian.Uint32(n.data()[nodeTypeOffset:]))
}

func (n node) isLeaf() bool { return n.nodeType() == nodeLeaf }

// size is the number of keys on a leaf and the number of children on an
// internal node.
func (n node) size() int {
	return int(int32(binary.LittleEndian.Uint32(n.data()[nodeSizeOffset:])))
}

func (n node) setSize(s int) {
	binary.LittleEndian.PutUint32(n.data()[nodeSizeOffset:], uint32(s))
}

func (n node) maxCapacity() int {
	return int(int32(binary.LittleEndian.Uint32(n.data()[nodeMaxOffset:])))
}

func (n node) setMaxCapacity(c int) {
	binary.LittleEndian.PutUint32(n.data()[nodeMaxOffset:], uint32(c))
}

func (n node) parentID() page.PageID {
	return page.PageID(binary.LittleEndian.Uint32(n.data()[nodeParentOffset:]))
}

func (n node) setParentID(id page.PageID) {
	binary.LittleEndian.PutUint32(n.data()[nodeParentOffset:], uint32(id))
}

func (n node) id() page.PageID {
	return page.PageID(binary.LittleEndian.Uint32(n.data()[nodeIDOffset:]))
}

func (n node) setID(id page.PageID) {
	binary.LittleEndian.PutUint32(n.data()[nodeIDOffset:], uint32(id))
}

// setLSN stamps the on-disk header and the in-memory frame together.
func (n node) setLSN(lsn page.LSN) {
	binary.LittleEndian.PutUint32(n.data()[nodeLSNOffset:], uint32(lsn))
	n.p.SetLSN(lsn)
}

func (n node) isRoot() bool { return n.parentID() == page.InvalidPageID }

// ---------------------------------------------------------------------------
// Leaf node
// ---------------------------------------------------------------------------

type leafNode struct{ node }

func asLeaf(p *page.Page, keySize int) leafNode {
	return leafNode{node{p: p, keySize: keySize}}
}

func (l leafNode) pairSize() int { return l.keySize + ridSize }

// init formats a freshly allocated page as an empty leaf.
func (l leafNode) init(id, parent page.PageID) {
	binary.LittleEndian.PutUint32(l.data()[nodeTypeOffset:], uint32(nodeLeaf))
	l.setSize(0)
	l.setMaxCapacity((page.Size - leafPairsOffset) / l.pairSize())
	l.setParentID(parent)
	l.setID(id)
	l.setNextPageID(page.InvalidPageID)
}

func (l leafNode) nextPageID() page.PageID {
	return page.PageID(binary.LittleEndian.Uint32(l.data()[leafNextOffset:]))
}

func (l leafNode) setNextPageID(id page.PageID) {
	binary.LittleEndian.PutUint32(l.data()[leafNextOffset:], uint32(id))
}

func (l leafNode) pairOffset(i int) int { return leafPairsOffset + i*l.pairSize() }

// keyAt returns a view into the page; copy it before mutating the node.
func (l leafNode) keyAt(i int) []byte {
	off := l.pairOffset(i)
	return l.data()[off : off+l.keySize]
}

func (l leafNode) ridAt(i int) page.RID {
	off := l.pairOffset(i) + l.keySize
	return page.RID{
		PageID:  page.PageID(binary.LittleEndian.Uint32(l.data()[off:])),
		SlotNum: int32(binary.LittleEndian.Uint32(l.data()[off+4:])),
	}
}

func (l leafNode) setPair(i int, key []byte, rid page.RID) {
	off := l.pairOffset(i)
	copy(l.data()[off:off+l.keySize], key)
	binary.LittleEndian.PutUint32(l.data()[off+l.keySize:], uint32(rid.PageID))
	binary.LittleEndian.PutUint32(l.data()[off+l.keySize+4:], uint32(rid.SlotNum))
}

// keyIndex returns the first index whose key is >= key; size() when none.
func (l leafNode) keyIndex(key []byte, cmp Comparator) int {
	lo, hi := 0, l.size()
	for lo < hi {
		mid := lo + (hi-lo)/2
		if cmp(l.keyAt(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// lookup finds the RID stored under key.
func (l leafNode) lookup(key []byte, cmp Comparator) (page.RID, bool) {
	i := l.keyIndex(key, cmp)
	if i < l.size() && cmp(l.keyAt(i), key) == 0 {
		return l.ridAt(i), true
	}
	return page.InvalidRID, false
}

// insert places (key, rid) in sorted position and returns the new key count.
// The caller has already rejected duplicates.
func (l leafNode) insert(key []byte, rid page.RID, cmp Comparator) int {
	i := l.keyIndex(key, cmp)
	size := l.size()
	copy(l.data()[l.pairOffset(i+1):l.pairOffset(size+1)],
		l.data()[l.pairOffset(i):l.pairOffset(size)])
	l.setPair(i, key, rid)
	l.setSize(size + 1)
	return size + 1
}

// remove deletes key if present, packing the remaining pairs.
func (l leafNode) remove(key []byte, cmp Comparator) bool {
	i := l.keyIndex(key, cmp)
	if i >= l.size() || cmp(l.keyAt(i), key) != 0 {
		return false
	}
	copy(l.data()[l.pairOffset(i):], l.data()[l.pairOffset(i+1):l.pairOffset(l.size())])
	l.setSize(l.size() - 1)
	return true
}

// moveHalfTo moves the upper half (ceiling) of the pairs into dst, which
// must be empty.
func (l leafNode) moveHalfTo(dst leafNode) {
	size := l.size()
	keep := size / 2
	moved := size - keep
	copy(dst.data()[dst.pairOffset(0):], l.data()[l.pairOffset(keep):l.pairOffset(size)])
	dst.setSize(moved)
	l.setSize(keep)
}

// moveAllTo appends every pair to dst and hands over the next pointer; the
// merge of this node into its left sibling.
func (l leafNode) moveAllTo(dst leafNode) {
	size, dstSize := l.size(), dst.size()
	copy(dst.data()[dst.pairOffset(dstSize):], l.data()[l.pairOffset(0):l.pairOffset(size)])
	dst.setSize(dstSize + size)
	dst.setNextPageID(l.nextPageID())
	l.setSize(0)
}

// moveLastToFrontOf shifts this node's last pair onto the front of dst and
// returns a copy of the moved key; the new separator for dst.
func (l leafNode) moveLastToFrontOf(dst leafNode) []byte {
	last := l.size() - 1
	key := append([]byte(nil), l.keyAt(last)...)
	rid := l.ridAt(last)
	l.setSize(last)

	size := dst.size()
	copy(dst.data()[dst.pairOffset(1):dst.pairOffset(size+1)],
		dst.data()[dst.pairOffset(0):dst.pairOffset(size)])
	dst.setPair(0, key, rid)
	dst.setSize(size + 1)
	return key
}

// moveFirstToEndOf appends this node's first pair to dst and returns a copy
// of this node's new first key; the new separator for this node.
func (l leafNode) moveFirstToEndOf(dst leafNode) []byte {
	key := append([]byte(nil), l.keyAt(0)...)
	rid := l.ridAt(0)
	copy(l.data()[l.pairOffset(0):], l.data()[l.pairOffset(1):l.pairOffset(l.size())])
	l.setSize(l.size() - 1)

	dst.setPair(dst.size(), key, rid)
	dst.setSize(dst.size() + 1)
	return append([]byte(nil), l.keyAt(0)...)
}

// ---------------------------------------------------------------------------
// Internal node
// ---------------------------------------------------------------------------

type internalNode struct{ node }

func asInternal(p *page.Page, keySize int) internalNode {
	return internalNode{node{p: p, keySize: keySize}}
}

func (n internalNode) pairSize() int { return n.keySize + childIDSize }

// init formats a freshly allocated page as an internal node holding one
// (invalid) slot: slot 0's key is never read.
func (n internalNode) init(id, parent page.PageID) {
	binary.LittleEndian.PutUint32(n.data()[nodeTypeOffset:], uint32(nodeInternal))
	n.setSize(1)
	n.setMaxCapacity((page.Size - internalPairsOffset) / n.pairSize())
	n.setParentID(parent)
	n.setID(id)
}

func (n internalNode) pairOffset(i int) int { return internalPairsOffset + i*n.pairSize() }

func (n internalNode) keyAt(i int) []byte {
	off := n.pairOffset(i)
	return n.data()[off : off+n.keySize]
}

func (n internalNode) setKeyAt(i int, key []byte) {
	off := n.pairOffset(i)
	copy(n.data()[off:off+n.keySize], key)
}

func (n internalNode) childAt(i int) page.PageID {
	off := n.pairOffset(i) + n.keySize
	return page.PageID(binary.LittleEndian.Uint32(n.data()[off:]))
}

func (n internalNode) setChildAt(i int, id page.PageID) {
	off := n.pairOffset(i) + n.keySize
	binary.LittleEndian.PutUint32(n.data()[off:], uint32(id))
}

// childIndex returns the slot whose child pointer equals id, or size() when
// absent.
func (n internalNode) childIndex(id page.PageID) int {
	for i := 0; i < n.size(); i++ {
		if n.childAt(i) == id {
			return i
		}
	}
	return n.size()
}

// lookup picks the child covering key: key K at slot i routes keys in
// [K_i, K_{i+1}) to child i. Slot 0 has no lower bound.
func (n internalNode) lookup(key []byte, cmp Comparator) page.PageID {
	lo, hi := 1, n.size()
	for lo < hi {
		mid := lo + (hi-lo)/2
		if cmp(n.keyAt(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return n.childAt(lo - 1)
}

// populateNewRoot seeds a fresh root with two children and their separator.
func (n internalNode) populateNewRoot(oldChild page.PageID, key []byte, newChild page.PageID) {
	n.setChildAt(0, oldChild)
	n.setKeyAt(1, key)
	n.setChildAt(1, newChild)
	n.setSize(2)
}

// insertNodeAfter places (key, newChild) immediately after the slot whose
// child is oldChild, shifting the tail right.
func (n internalNode) insertNodeAfter(oldChild page.PageID, key []byte, newChild page.PageID) int {
	idx := n.childIndex(oldChild)
	size := n.size()
	n.setSize(size + 1)
	copy(n.data()[n.pairOffset(idx+2):], n.data()[n.pairOffset(idx+1):n.pairOffset(size)])
	n.setKeyAt(idx+1, key)
	n.setChildAt(idx+1, newChild)
	return size + 1
}

// remove drops slot i, packing the rest left.
func (n internalNode) remove(i int) {
	copy(n.data()[n.pairOffset(i):], n.data()[n.pairOffset(i+1):n.pairOffset(n.size())])
	n.setSize(n.size() - 1)
}

// moveHalfTo moves the upper pairs into the empty dst and returns the ids of
// the children that changed parents; dst's slot-0 key keeps the separator to
// push up.
func (n internalNode) moveHalfTo(dst internalNode) []page.PageID {
	keys := n.size() - 1
	moved := (keys + 1) / 2
	keep := n.size() - moved

	copy(dst.data()[dst.pairOffset(0):], n.data()[n.pairOffset(keep):n.pairOffset(n.size())])
	dst.setSize(moved)
	n.setSize(keep)

	ids := make([]page.PageID, 0, moved)
	for i := 0; i < moved; i++ {
		ids = append(ids, dst.childAt(i))
	}
	return ids
}

// moveAllTo appends every pair to dst with separatorKey taking the place of
// this node's unused slot-0 key; the merge into the left sibling. Returns
// the ids of the children that changed parents.
func (n internalNode) moveAllTo(dst internalNode, separatorKey []byte) []page.PageID {
	n.setKeyAt(0, separatorKey)
	size, dstSize := n.size(), dst.size()
	copy(dst.data()[dst.pairOffset(dstSize):], n.data()[n.pairOffset(0):n.pairOffset(size)])
	dst.setSize(dstSize + size)
	n.setSize(0)

	ids := make([]page.PageID, 0, size)
	for i := dstSize; i < dstSize+size; i++ {
		ids = append(ids, dst.childAt(i))
	}
	return ids
}

// moveLastToFrontOf rotates this node's last pair through the parent
// separator onto the front of dst. separatorKey is the parent key between
// the two nodes; the returned key replaces it. The moved child id is also
// returned for reparenting.
func (n internalNode) moveLastToFrontOf(dst internalNode, separatorKey []byte) ([]byte, page.PageID) {
	last := n.size() - 1
	movedKey := append([]byte(nil), n.keyAt(last)...)
	movedChild := n.childAt(last)
	n.setSize(last)

	size := dst.size()
	dst.setSize(size + 1)
	copy(dst.data()[dst.pairOffset(1):], dst.data()[dst.pairOffset(0):dst.pairOffset(size)])
	// The old first child slides right and picks up the old separator as its
	// now-valid key; the moved child becomes child 0.
	dst.setKeyAt(1, separatorKey)
	dst.setChildAt(0, movedChild)
	return movedKey, movedChild
}

// moveFirstToEndOf rotates this node's first pair through the parent
// separator onto the end of dst. Returns the new separator (this node's
// removed key 1) and the moved child id.
func (n internalNode) moveFirstToEndOf(dst internalNode, separatorKey []byte) ([]byte, page.PageID) {
	movedChild := n.childAt(0)
	newSeparator := append([]byte(nil), n.keyAt(1)...)
	n.setChildAt(0, n.childAt(1))
	n.remove(1)

	dst.setKeyAt(dst.size(), separatorKey)
	dst.setChildAt(dst.size(), movedChild)
	dst.setSize(dst.size() + 1)
	return newSeparator, movedChild
}
