package btree

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/latchdb/latchdb/core/buffer"
	"github.com/latchdb/latchdb/core/concurrency"
	"github.com/latchdb/latchdb/core/storage/page"
)

var (
	// ErrDuplicateKey rejects insertion of an existing key; the index is
	// unique-key.
	ErrDuplicateKey = errors.New("btree: duplicate key")
	// ErrKeyNotFound is returned by point lookups on absent keys.
	ErrKeyNotFound = errors.New("btree: key not found")
	// ErrAllPagesPinned aborts an operation that could not get a frame from
	// the buffer pool. The tree structure stays intact: structural changes
	// become visible only when the final pin is released dirty.
	ErrAllPagesPinned = errors.New("btree: all pages are pinned")
	// ErrInvalidOrder rejects an order below 2 or beyond what a page holds.
	ErrInvalidOrder = errors.New("btree: order out of range")
)

// Comparator is the externally supplied total order over fixed-width keys.
type Comparator func(a, b []byte) int

// opMode tags a descent.
type opMode int

const (
	opRead opMode = iota
	opInsert
	opDelete
)

// BPlusTree is a persistent, concurrent, unique-key B+tree of order M keyed
// by fixed-width byte strings. Its root page id is registered in the header
// page under the tree's name.
//
// Descent follows latch crabbing: readers couple reader latches parent to
// child; writers keep writer latches on the whole path, treating every node
// as unsafe, so structural changes serialize at their ancestors. A per-tree
// mutex guards the root page id across root swaps.
type BPlusTree struct {
	name    string
	bpm     *buffer.BufferPoolManager
	cmp     Comparator
	keySize int
	order   int

	mu         sync.Mutex // guards rootPageID; held across write operations
	rootPageID page.PageID

	log *zap.Logger
}

// New opens (or registers) a tree named name. keySize fixes the key width in
// bytes; order is the tree's M. The root page id is loaded from the header
// page when the name is already registered.
func New(name string, bpm *buffer.BufferPoolManager, cmp Comparator, keySize, order int, logger *zap.Logger) (*BPlusTree, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &BPlusTree{
		name:       name,
		bpm:        bpm,
		cmp:        cmp,
		keySize:    keySize,
		order:      order,
		rootPageID: page.InvalidPageID,
		log:        logger,
	}
	leafCap := (page.Size - leafPairsOffset) / (keySize + ridSize)
	internalCap := (page.Size - internalPairsOffset) / (keySize + childIDSize)
	maxOrder := leafCap
	if internalCap < maxOrder {
		maxOrder = internalCap
	}
	if order < 2 || order > maxOrder-1 {
		return nil, fmt.Errorf("%w: order %d with %d-byte keys", ErrInvalidOrder, order, keySize)
	}

	hp, err := bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return nil, t.frameErr(err)
	}
	hp.RLatch()
	if rootID, ok := page.AsHeaderPage(hp).RootID(name); ok {
		t.rootPageID = rootID
	}
	hp.RUnlatch()
	bpm.UnpinPage(page.HeaderPageID, false)
	return t, nil
}

// minLeafKeys is the occupancy floor of a non-root leaf.
func (t *BPlusTree) minLeafKeys() int { return t.order / 2 }

// minInternalChildren is the occupancy floor of a non-root internal node.
func (t *BPlusTree) minInternalChildren() int { return (t.order + 1) / 2 }

// IsEmpty reports whether the tree has no root.
func (t *BPlusTree) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootPageID == page.InvalidPageID
}

// RootPageID returns the current root page id.
func (t *BPlusTree) RootPageID() page.PageID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootPageID
}

// frameErr maps buffer exhaustion onto the index error taxonomy.
func (t *BPlusTree) frameErr(err error) error {
	if errors.Is(err, buffer.ErrNoFreeFrame) {
		return fmt.Errorf("%w: %v", ErrAllPagesPinned, err)
	}
	return err
}

// opContext tracks the pages a descent latched and pinned, in root-to-leaf
// order, plus pages emptied by merges. It replaces the original's
// thread-local root flag: whether the tree mutex is held travels with the
// operation and is released deterministically.
type opContext struct {
	mode      opMode
	pages     []*page.Page
	deleted   []page.PageID
	treeMutex bool
}

func (t *BPlusTree) newWriteContext(mode opMode) *opContext {
	t.mu.Lock()
	return &opContext{mode: mode, treeMutex: true}
}

func (c *opContext) push(p *page.Page) { c.pages = append(c.pages, p) }

func (c *opContext) markDeleted(id page.PageID) { c.deleted = append(c.deleted, id) }

// release unlatches and unpins every tracked page, drops emptied pages, and
// lets go of the tree mutex.
func (t *BPlusTree) release(c *opContext) {
	dirty := c.mode != opRead
	for _, p := range c.pages {
		if c.mode == opRead {
			p.RUnlatch()
		} else {
			p.WUnlatch()
		}
		t.bpm.UnpinPage(p.ID(), dirty)
	}
	c.pages = c.pages[:0]
	for _, id := range c.deleted {
		t.bpm.DeletePage(id)
	}
	c.deleted = c.deleted[:0]
	if c.treeMutex {
		c.treeMutex = false
		t.mu.Unlock()
	}
}

// ---------------------------------------------------------------------------
// Search
// ---------------------------------------------------------------------------

// GetValue returns the RID stored under key, or ErrKeyNotFound.
func (t *BPlusTree) GetValue(key []byte, txn *concurrency.Transaction) (page.RID, error) {
	t.mu.Lock()
	rootID := t.rootPageID
	t.mu.Unlock()
	if rootID == page.InvalidPageID {
		return page.InvalidRID, ErrKeyNotFound
	}

	p, err := t.bpm.FetchPage(rootID)
	if err != nil {
		return page.InvalidRID, t.frameErr(err)
	}
	p.RLatch()

	// Reader crabbing: latch the child, then release the parent.
	for {
		n := node{p: p, keySize: t.keySize}
		if n.isLeaf() {
			break
		}
		childID := asInternal(p, t.keySize).lookup(key, t.cmp)
		child, err := t.bpm.FetchPage(childID)
		if err != nil {
			p.RUnlatch()
			t.bpm.UnpinPage(p.ID(), false)
			return page.InvalidRID, t.frameErr(err)
		}
		child.RLatch()
		p.RUnlatch()
		t.bpm.UnpinPage(p.ID(), false)
		p = child
	}

	leaf := asLeaf(p, t.keySize)
	rid, ok := leaf.lookup(key, t.cmp)
	p.RUnlatch()
	t.bpm.UnpinPage(p.ID(), false)
	if !ok {
		return page.InvalidRID, ErrKeyNotFound
	}
	return rid, nil
}

// ---------------------------------------------------------------------------
// Insertion
// ---------------------------------------------------------------------------

// Insert adds (key, rid) to the tree, splitting on the way back up as
// needed. Duplicate keys are rejected.
func (t *BPlusTree) Insert(key []byte, rid page.RID, txn *concurrency.Transaction) error {
	ctx := t.newWriteContext(opInsert)
	defer t.release(ctx)

	if t.rootPageID == page.InvalidPageID {
		return t.startNewTree(key, rid)
	}

	leafPg, err := t.findLeafWrite(key, ctx)
	if err != nil {
		return err
	}
	leaf := asLeaf(leafPg, t.keySize)

	if _, ok := leaf.lookup(key, t.cmp); ok {
		return ErrDuplicateKey
	}
	leaf.insert(key, rid, t.cmp)

	if leaf.size() >= t.order {
		if err := t.splitLeaf(leaf, ctx); err != nil {
			return err
		}
	}
	return nil
}

// startNewTree allocates a root leaf holding the first pair. Caller holds
// the tree mutex.
func (t *BPlusTree) startNewTree(key []byte, rid page.RID) error {
	p, err := t.bpm.NewPage()
	if err != nil {
		return t.frameErr(err)
	}
	root := asLeaf(p, t.keySize)
	root.init(p.ID(), page.InvalidPageID)
	root.insert(key, rid, t.cmp)
	t.rootPageID = p.ID()
	if err := t.updateRootPageID(true); err != nil {
		t.bpm.UnpinPage(p.ID(), true)
		return err
	}
	t.bpm.UnpinPage(p.ID(), true)
	return nil
}

// findLeafWrite descends to the leaf covering key, write-latching the whole
// path into ctx. Ancestors stay held: every node is treated as unsafe.
func (t *BPlusTree) findLeafWrite(key []byte, ctx *opContext) (*page.Page, error) {
	p, err := t.bpm.FetchPage(t.rootPageID)
	if err != nil {
		return nil, t.frameErr(err)
	}
	p.WLatch()
	ctx.push(p)

	for {
		n := node{p: p, keySize: t.keySize}
		if n.isLeaf() {
			return p, nil
		}
		parentID := n.id()
		childID := asInternal(p, t.keySize).lookup(key, t.cmp)
		child, err := t.bpm.FetchPage(childID)
		if err != nil {
			return nil, t.frameErr(err)
		}
		child.WLatch()
		ctx.push(child)
		if got := (node{p: child, keySize: t.keySize}).parentID(); got != parentID {
			panic(fmt.Sprintf("btree: parent pointer mismatch during descent: page %d records %d, reached from %d",
				childID, got, parentID))
		}
		p = child
	}
}

// splitLeaf moves the upper half of leaf into a fresh page, splices the leaf
// chain, and pushes the separator into the parent.
func (t *BPlusTree) splitLeaf(leaf leafNode, ctx *opContext) error {
	np, err := t.bpm.NewPage()
	if err != nil {
		return t.frameErr(err)
	}
	right := asLeaf(np, t.keySize)
	right.init(np.ID(), page.InvalidPageID)
	leaf.moveHalfTo(right)

	right.setNextPageID(leaf.nextPageID())
	leaf.setNextPageID(right.id())

	sep := append([]byte(nil), right.keyAt(0)...)
	return t.insertIntoParent(leaf.node, sep, right.node, ctx)
}

// insertIntoParent wires a freshly split-off right node into the tree,
// recursing when the parent overflows in turn. It owns the right node's pin.
func (t *BPlusTree) insertIntoParent(left node, key []byte, right node, ctx *opContext) error {
	if left.isRoot() {
		// The root split: grow the tree by one level.
		rp, err := t.bpm.NewPage()
		if err != nil {
			t.bpm.UnpinPage(right.id(), true)
			return t.frameErr(err)
		}
		root := asInternal(rp, t.keySize)
		root.init(rp.ID(), page.InvalidPageID)
		root.populateNewRoot(left.id(), key, right.id())
		left.setParentID(rp.ID())
		right.setParentID(rp.ID())

		t.rootPageID = rp.ID()
		if err := t.updateRootPageID(false); err != nil {
			t.bpm.UnpinPage(right.id(), true)
			t.bpm.UnpinPage(rp.ID(), true)
			return err
		}
		t.bpm.UnpinPage(right.id(), true)
		t.bpm.UnpinPage(rp.ID(), true)
		return nil
	}

	pp, err := t.bpm.FetchPage(left.parentID())
	if err != nil {
		t.bpm.UnpinPage(right.id(), true)
		return t.frameErr(err)
	}
	parent := asInternal(pp, t.keySize)
	parent.insertNodeAfter(left.id(), key, right.id())

	if parent.size() > t.order {
		// The parent overflowed too: split it and keep pushing up. The new
		// right node's parent is fixed inside the split's reparenting pass.
		np, err := t.bpm.NewPage()
		if err != nil {
			t.bpm.UnpinPage(right.id(), true)
			t.bpm.UnpinPage(pp.ID(), true)
			return t.frameErr(err)
		}
		parentRight := asInternal(np, t.keySize)
		parentRight.init(np.ID(), page.InvalidPageID)
		moved := parent.moveHalfTo(parentRight)
		if err := t.reparent(moved, np.ID()); err != nil {
			t.bpm.UnpinPage(right.id(), true)
			t.bpm.UnpinPage(pp.ID(), true)
			t.bpm.UnpinPage(np.ID(), true)
			return err
		}
		// The freshly split right node may have moved under the new parent;
		// if it stayed behind, attach it to the old one.
		if right.parentID() == page.InvalidPageID {
			right.setParentID(parent.id())
		}
		sep := append([]byte(nil), parentRight.keyAt(0)...)
		if err := t.insertIntoParent(parent.node, sep, parentRight.node, ctx); err != nil {
			t.bpm.UnpinPage(right.id(), true)
			t.bpm.UnpinPage(pp.ID(), true)
			return err
		}
	} else {
		right.setParentID(parent.id())
	}

	t.bpm.UnpinPage(right.id(), true)
	t.bpm.UnpinPage(pp.ID(), true)
	return nil
}

// reparent points each child id at its new parent page.
func (t *BPlusTree) reparent(children []page.PageID, parent page.PageID) error {
	for _, id := range children {
		cp, err := t.bpm.FetchPage(id)
		if err != nil {
			return t.frameErr(err)
		}
		(node{p: cp, keySize: t.keySize}).setParentID(parent)
		t.bpm.UnpinPage(id, true)
	}
	return nil
}

// updateRootPageID records the tree's root in the header page; insert
// registers the name the first time, update rewrites it afterwards. Caller
// holds the tree mutex.
func (t *BPlusTree) updateRootPageID(insert bool) error {
	hp, err := t.bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return t.frameErr(err)
	}
	hp.WLatch()
	header := page.AsHeaderPage(hp)
	if insert {
		if !header.InsertRecord(t.name, t.rootPageID) {
			header.UpdateRecord(t.name, t.rootPageID)
		}
	} else {
		header.UpdateRecord(t.name, t.rootPageID)
	}
	hp.WUnlatch()
	t.bpm.UnpinPage(page.HeaderPageID, true)
	return nil
}

// ---------------------------------------------------------------------------
// Deletion
// ---------------------------------------------------------------------------

// Remove deletes key from the tree, merging or redistributing underfull
// nodes on the way back up. Deleting an absent key is a no-op.
func (t *BPlusTree) Remove(key []byte, txn *concurrency.Transaction) error {
	ctx := t.newWriteContext(opDelete)
	defer t.release(ctx)

	if t.rootPageID == page.InvalidPageID {
		return nil
	}
	leafPg, err := t.findLeafWrite(key, ctx)
	if err != nil {
		return err
	}
	leaf := asLeaf(leafPg, t.keySize)
	if !leaf.remove(key, t.cmp) {
		return nil
	}
	return t.coalesceOrRedistribute(leafPg, ctx)
}

// coalesceOrRedistribute restores the occupancy invariant of an underfull
// node by borrowing from a sibling or merging with one, recursing on the
// parent after a merge. Left siblings are preferred.
func (t *BPlusTree) coalesceOrRedistribute(p *page.Page, ctx *opContext) error {
	n := node{p: p, keySize: t.keySize}
	if n.isRoot() {
		return t.adjustRoot(p, ctx)
	}
	if t.nodeSize(n) >= t.nodeMin(n) {
		return nil
	}

	pp, err := t.bpm.FetchPage(n.parentID())
	if err != nil {
		return t.frameErr(err)
	}
	parent := asInternal(pp, t.keySize)
	idx := parent.childIndex(n.id())
	if idx == parent.size() {
		panic(fmt.Sprintf("btree: page %d missing from its parent %d", n.id(), parent.id()))
	}

	leftID, rightID := page.InvalidPageID, page.InvalidPageID
	if idx > 0 {
		leftID = parent.childAt(idx - 1)
	}
	if idx < parent.size()-1 {
		rightID = parent.childAt(idx + 1)
	}

	// Borrow from the left sibling when it can spare a pair.
	if leftID != page.InvalidPageID {
		sp, err := t.bpm.FetchPage(leftID)
		if err != nil {
			t.bpm.UnpinPage(pp.ID(), false)
			return t.frameErr(err)
		}
		sib := node{p: sp, keySize: t.keySize}
		if t.nodeSize(sib)-1 >= t.nodeMin(sib) {
			t.redistributeFromLeft(sib, n, parent, idx)
			t.bpm.UnpinPage(sp.ID(), true)
			t.bpm.UnpinPage(pp.ID(), true)
			return nil
		}
		t.bpm.UnpinPage(sp.ID(), false)
	}

	// Then the right sibling.
	if rightID != page.InvalidPageID {
		sp, err := t.bpm.FetchPage(rightID)
		if err != nil {
			t.bpm.UnpinPage(pp.ID(), false)
			return t.frameErr(err)
		}
		sib := node{p: sp, keySize: t.keySize}
		if t.nodeSize(sib)-1 >= t.nodeMin(sib) {
			t.redistributeFromRight(sib, n, parent, idx)
			t.bpm.UnpinPage(sp.ID(), true)
			t.bpm.UnpinPage(pp.ID(), true)
			return nil
		}
		t.bpm.UnpinPage(sp.ID(), false)
	}

	// No sibling can spare: merge. Into the left sibling when one exists,
	// else pull the right sibling into this node.
	if leftID != page.InvalidPageID {
		sp, err := t.bpm.FetchPage(leftID)
		if err != nil {
			t.bpm.UnpinPage(pp.ID(), false)
			return t.frameErr(err)
		}
		left := node{p: sp, keySize: t.keySize}
		if err := t.merge(left, n, parent, idx); err != nil {
			t.bpm.UnpinPage(sp.ID(), true)
			t.bpm.UnpinPage(pp.ID(), true)
			return err
		}
		ctx.markDeleted(n.id())
		t.bpm.UnpinPage(sp.ID(), true)
	} else {
		sp, err := t.bpm.FetchPage(rightID)
		if err != nil {
			t.bpm.UnpinPage(pp.ID(), false)
			return t.frameErr(err)
		}
		right := node{p: sp, keySize: t.keySize}
		sibIdx := parent.childIndex(right.id())
		if err := t.merge(n, right, parent, sibIdx); err != nil {
			t.bpm.UnpinPage(sp.ID(), true)
			t.bpm.UnpinPage(pp.ID(), true)
			return err
		}
		t.bpm.UnpinPage(sp.ID(), false)
		t.bpm.DeletePage(right.id())
	}

	err = t.coalesceOrRedistribute(pp, ctx)
	t.bpm.UnpinPage(pp.ID(), true)
	return err
}

// nodeSize is the occupancy measure the invariants speak about: keys for
// leaves, children for internal nodes.
func (t *BPlusTree) nodeSize(n node) int { return n.size() }

func (t *BPlusTree) nodeMin(n node) int {
	if n.isLeaf() {
		return t.minLeafKeys()
	}
	return t.minInternalChildren()
}

// redistributeFromLeft moves the left sibling's last pair into node and
// refreshes the separator at idx (node's slot in parent).
func (t *BPlusTree) redistributeFromLeft(sib, n node, parent internalNode, idx int) {
	if n.isLeaf() {
		sep := asLeaf(sib.p, t.keySize).moveLastToFrontOf(asLeaf(n.p, t.keySize))
		parent.setKeyAt(idx, sep)
		return
	}
	oldSep := append([]byte(nil), parent.keyAt(idx)...)
	newSep, movedChild := asInternal(sib.p, t.keySize).moveLastToFrontOf(asInternal(n.p, t.keySize), oldSep)
	parent.setKeyAt(idx, newSep)
	t.mustReparent(movedChild, n.id())
}

// redistributeFromRight moves the right sibling's first pair into node and
// refreshes the separator at the sibling's slot.
func (t *BPlusTree) redistributeFromRight(sib, n node, parent internalNode, idx int) {
	if n.isLeaf() {
		sep := asLeaf(sib.p, t.keySize).moveFirstToEndOf(asLeaf(n.p, t.keySize))
		parent.setKeyAt(idx+1, sep)
		return
	}
	oldSep := append([]byte(nil), parent.keyAt(idx+1)...)
	newSep, movedChild := asInternal(sib.p, t.keySize).moveFirstToEndOf(asInternal(n.p, t.keySize), oldSep)
	parent.setKeyAt(idx+1, newSep)
	t.mustReparent(movedChild, n.id())
}

// merge empties src into dst (its left neighbor), inheriting the parent's
// separator for internal nodes and splicing the leaf chain for leaves, then
// drops src's slot from the parent.
func (t *BPlusTree) merge(dst, src node, parent internalNode, srcIdx int) error {
	if src.isLeaf() {
		asLeaf(src.p, t.keySize).moveAllTo(asLeaf(dst.p, t.keySize))
	} else {
		sep := append([]byte(nil), parent.keyAt(srcIdx)...)
		moved := asInternal(src.p, t.keySize).moveAllTo(asInternal(dst.p, t.keySize), sep)
		if err := t.reparent(moved, dst.id()); err != nil {
			return err
		}
	}
	parent.remove(srcIdx)
	return nil
}

// mustReparent is reparent for a single child on paths that cannot surface
// an error without corrupting the rebalance in flight.
func (t *BPlusTree) mustReparent(child, parent page.PageID) {
	cp, err := t.bpm.FetchPage(child)
	if err != nil {
		panic(fmt.Sprintf("btree: cannot reparent page %d: %v", child, err))
	}
	(node{p: cp, keySize: t.keySize}).setParentID(parent)
	t.bpm.UnpinPage(child, true)
}

// adjustRoot handles underflow at the root: an emptied leaf root clears the
// tree; an internal root left with one child hands the root role down.
func (t *BPlusTree) adjustRoot(p *page.Page, ctx *opContext) error {
	n := node{p: p, keySize: t.keySize}
	if n.isLeaf() {
		if n.size() == 0 {
			ctx.markDeleted(n.id())
			t.rootPageID = page.InvalidPageID
			return t.updateRootPageID(false)
		}
		return nil
	}

	if n.size() == 1 {
		child := asInternal(p, t.keySize).childAt(0)
		ctx.markDeleted(n.id())
		t.rootPageID = child

		cp, err := t.bpm.FetchPage(child)
		if err != nil {
			return t.frameErr(err)
		}
		(node{p: cp, keySize: t.keySize}).setParentID(page.InvalidPageID)
		t.bpm.UnpinPage(child, true)
		return t.updateRootPageID(false)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Debug / verification
// ---------------------------------------------------------------------------

// String renders the tree level by level; for debugging and tests.
func (t *BPlusTree) String() string {
	t.mu.Lock()
	rootID := t.rootPageID
	t.mu.Unlock()
	if rootID == page.InvalidPageID {
		return "empty tree"
	}

	var b strings.Builder
	level := []page.PageID{rootID}
	for len(level) > 0 {
		var next []page.PageID
		for _, id := range level {
			p, err := t.bpm.FetchPage(id)
			if err != nil {
				fmt.Fprintf(&b, "<unfetchable %d: %v>", id, err)
				continue
			}
			n := node{p: p, keySize: t.keySize}
			if n.isLeaf() {
				leaf := asLeaf(p, t.keySize)
				fmt.Fprintf(&b, "[%d:", id)
				for i := 0; i < leaf.size(); i++ {
					fmt.Fprintf(&b, " %x", leaf.keyAt(i))
				}
				b.WriteString(" ] ")
			} else {
				in := asInternal(p, t.keySize)
				fmt.Fprintf(&b, "(%d:", id)
				for i := 1; i < in.size(); i++ {
					fmt.Fprintf(&b, " %x", in.keyAt(i))
				}
				b.WriteString(" ) ")
				for i := 0; i < in.size(); i++ {
					next = append(next, in.childAt(i))
				}
			}
			t.bpm.UnpinPage(id, false)
		}
		b.WriteString("\n")
		level = next
	}
	return b.String()
}
