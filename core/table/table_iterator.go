package table

import (
	"github.com/latchdb/latchdb/core/concurrency"
	"github.com/latchdb/latchdb/core/storage/page"
)

// Iterator walks every visible tuple of a heap in page order, then slot
// order. It holds no latches between advances: each step re-fetches the page
// it needs, so the iterator sees tuples as GetTuple would.
type Iterator struct {
	heap *TableHeap
	txn  *concurrency.Transaction
	rid  page.RID
}

// Begin positions an iterator at the first visible tuple.
func (h *TableHeap) Begin(txn *concurrency.Transaction) (*Iterator, error) {
	it := &Iterator{heap: h, txn: txn, rid: page.InvalidRID}

	p, err := h.bpm.FetchPage(h.firstPageID)
	if err != nil {
		return nil, err
	}
	tp := page.AsTablePage(p)
	tp.RLatch()
	if slot, ok := tp.FirstTupleSlot(); ok {
		it.rid = page.NewRID(h.firstPageID, slot)
	}
	next := tp.NextPageID()
	tp.RUnlatch()
	h.bpm.UnpinPage(h.firstPageID, false)

	// The first page may be empty; walk forward until a tuple shows up.
	for it.rid == page.InvalidRID && next != page.InvalidPageID {
		p, err := h.bpm.FetchPage(next)
		if err != nil {
			return nil, err
		}
		tp := page.AsTablePage(p)
		tp.RLatch()
		if slot, ok := tp.FirstTupleSlot(); ok {
			it.rid = page.NewRID(next, slot)
		}
		cur := next
		next = tp.NextPageID()
		tp.RUnlatch()
		h.bpm.UnpinPage(cur, false)
	}
	return it, nil
}

// End reports whether the iterator is exhausted.
func (it *Iterator) End() bool { return it.rid == page.InvalidRID }

// RID returns the record id under the cursor.
func (it *Iterator) RID() page.RID { return it.rid }

// Tuple reads the tuple under the cursor through the heap, taking the usual
// shared lock.
func (it *Iterator) Tuple() (Tuple, error) {
	data, err := it.heap.GetTuple(it.rid, it.txn)
	if err != nil {
		return Tuple{}, err
	}
	return Tuple{RID: it.rid, Data: data}, nil
}

// Next advances to the following visible tuple, crossing page boundaries as
// needed.
func (it *Iterator) Next() error {
	if it.End() {
		return nil
	}

	cur := it.rid.PageID
	p, err := it.heap.bpm.FetchPage(cur)
	if err != nil {
		return err
	}
	tp := page.AsTablePage(p)
	tp.RLatch()
	if slot, ok := tp.NextTupleSlot(it.rid.SlotNum); ok {
		it.rid = page.NewRID(cur, slot)
		tp.RUnlatch()
		it.heap.bpm.UnpinPage(cur, false)
		return nil
	}
	next := tp.NextPageID()
	tp.RUnlatch()
	it.heap.bpm.UnpinPage(cur, false)

	for next != page.InvalidPageID {
		p, err := it.heap.bpm.FetchPage(next)
		if err != nil {
			return err
		}
		tp := page.AsTablePage(p)
		tp.RLatch()
		if slot, ok := tp.FirstTupleSlot(); ok {
			it.rid = page.NewRID(next, slot)
			tp.RUnlatch()
			it.heap.bpm.UnpinPage(next, false)
			return nil
		}
		cur := next
		next = tp.NextPageID()
		tp.RUnlatch()
		it.heap.bpm.UnpinPage(cur, false)
	}
	it.rid = page.InvalidRID
	return nil
}
