package page

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTablePage(t *testing.T) *TablePage {
	t.Helper()
	tp := AsTablePage(NewPage())
	tp.SetID(1)
	tp.Init(1, InvalidPageID)
	return tp
}

func TestTablePage_InsertAndGet(t *testing.T) {
	tp := newTablePage(t)

	slot, ok := tp.InsertTuple([]byte("alpha"))
	require.True(t, ok)
	require.Equal(t, int32(0), slot)

	slot, ok = tp.InsertTuple([]byte("beta"))
	require.True(t, ok)
	require.Equal(t, int32(1), slot)
	require.Equal(t, int32(2), tp.TupleCount())

	data, ok := tp.GetTuple(0)
	require.True(t, ok)
	require.Equal(t, []byte("alpha"), data)
	data, ok = tp.GetTuple(1)
	require.True(t, ok)
	require.Equal(t, []byte("beta"), data)
}

func TestTablePage_MarkDeleteAndRollback(t *testing.T) {
	tp := newTablePage(t)
	slot, _ := tp.InsertTuple([]byte("doomed"))

	require.True(t, tp.MarkDelete(slot))
	_, ok := tp.GetTuple(slot)
	require.False(t, ok, "tombstoned tuple must be invisible")
	require.False(t, tp.MarkDelete(slot), "double mark-delete must fail")

	tp.RollbackDelete(slot)
	data, ok := tp.GetTuple(slot)
	require.True(t, ok)
	require.Equal(t, []byte("doomed"), data)
}

func TestTablePage_ApplyDeleteReusesSlot(t *testing.T) {
	tp := newTablePage(t)
	s0, _ := tp.InsertTuple([]byte("first"))
	s1, _ := tp.InsertTuple([]byte("second"))

	require.True(t, tp.MarkDelete(s0))
	removed, ok := tp.ApplyDelete(s0)
	require.True(t, ok)
	require.Equal(t, []byte("first"), removed)

	// Remaining tuple still reads correctly after compaction.
	data, ok := tp.GetTuple(s1)
	require.True(t, ok)
	require.Equal(t, []byte("second"), data)

	// The freed slot is reused before the directory grows.
	s2, ok := tp.InsertTuple([]byte("third"))
	require.True(t, ok)
	require.Equal(t, s0, s2)
	require.Equal(t, int32(2), tp.TupleCount())
}

func TestTablePage_UpdateShiftsNeighbors(t *testing.T) {
	tp := newTablePage(t)
	s0, _ := tp.InsertTuple([]byte("aaaa"))
	s1, _ := tp.InsertTuple([]byte("bbbb"))

	old, ok := tp.UpdateTuple(s0, []byte("a-longer-value"))
	require.True(t, ok)
	require.Equal(t, []byte("aaaa"), old)

	data, ok := tp.GetTuple(s0)
	require.True(t, ok)
	require.Equal(t, []byte("a-longer-value"), data)
	data, ok = tp.GetTuple(s1)
	require.True(t, ok)
	require.Equal(t, []byte("bbbb"), data)

	old, ok = tp.UpdateTuple(s0, []byte("x"))
	require.True(t, ok)
	require.Equal(t, []byte("a-longer-value"), old)
	data, _ = tp.GetTuple(s0)
	require.Equal(t, []byte("x"), data)
}

func TestTablePage_FillsUp(t *testing.T) {
	tp := newTablePage(t)
	payload := bytes.Repeat([]byte("z"), 100)

	inserted := 0
	for {
		if _, ok := tp.InsertTuple(payload); !ok {
			break
		}
		inserted++
	}
	require.Greater(t, inserted, 30, "a 4K page should hold dozens of 100-byte tuples")
	require.LessOrEqual(t, int32(0), tp.FreeSpace())
}

func TestTablePage_SlotIteration(t *testing.T) {
	tp := newTablePage(t)
	for i := 0; i < 5; i++ {
		_, ok := tp.InsertTuple([]byte{byte('a' + i)})
		require.True(t, ok)
	}
	require.True(t, tp.MarkDelete(2))

	slot, ok := tp.FirstTupleSlot()
	require.True(t, ok)
	var visited []int32
	for {
		visited = append(visited, slot)
		slot, ok = tp.NextTupleSlot(slot)
		if !ok {
			break
		}
	}
	require.Equal(t, []int32{0, 1, 3, 4}, visited)
}

func TestHeaderPage_Records(t *testing.T) {
	h := AsHeaderPage(NewPage())

	require.True(t, h.InsertRecord("orders_idx", 3))
	require.True(t, h.InsertRecord("users_idx", 7))
	require.False(t, h.InsertRecord("orders_idx", 9), "duplicate names rejected")

	id, ok := h.RootID("orders_idx")
	require.True(t, ok)
	require.Equal(t, PageID(3), id)

	require.True(t, h.UpdateRecord("orders_idx", 12))
	id, _ = h.RootID("orders_idx")
	require.Equal(t, PageID(12), id)

	require.True(t, h.DeleteRecord("orders_idx"))
	_, ok = h.RootID("orders_idx")
	require.False(t, ok)
	id, ok = h.RootID("users_idx")
	require.True(t, ok)
	require.Equal(t, PageID(7), id)
}
