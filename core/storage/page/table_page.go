package page

import "encoding/binary"

// TablePage is the slotted-page layout of the table heap. The slot directory
// grows upward from the header while tuple payloads grow downward from the
// end of the page.
//
// Layout:
//
//	| page_id (4) | lsn (4) | prev_page_id (4) | next_page_id (4) |
//	| free_space_pointer (4) | tuple_count (4) |
//	| slot 0: offset (4), size (4) | slot 1 | ... free ... | tuples |
//
// A negative slot size is a tombstone (mark-deleted, still owned by the
// deleting transaction); a zero size is a reusable empty slot.
type TablePage struct {
	*Page
}

const (
	tpLSNOffset       = 4
	tpPrevOffset      = 8
	tpNextOffset      = 12
	tpFreePtrOffset   = 16
	tpCountOffset     = 20
	tpSlotArrayOffset = 24
	tpSlotSize        = 8
)

// AsTablePage reinterprets a fetched page as a table-heap page.
func AsTablePage(p *Page) *TablePage { return &TablePage{Page: p} }

// Init formats a freshly allocated page as an empty table page.
func (t *TablePage) Init(id, prevID PageID) {
	binary.LittleEndian.PutUint32(t.Data()[0:], uint32(id))
	t.SetPrevPageID(prevID)
	t.SetNextPageID(InvalidPageID)
	t.setFreeSpacePointer(Size)
	t.setTupleCount(0)
}

// SetLSN records the LSN of the most recent update both in the on-disk
// image and on the in-memory frame.
func (t *TablePage) SetLSN(lsn LSN) {
	binary.LittleEndian.PutUint32(t.Data()[tpLSNOffset:], uint32(lsn))
	t.Page.SetLSN(lsn)
}

func (t *TablePage) PageID() PageID {
	return PageID(binary.LittleEndian.Uint32(t.Data()[0:]))
}

func (t *TablePage) PrevPageID() PageID {
	return PageID(binary.LittleEndian.Uint32(t.Data()[tpPrevOffset:]))
}

func (t *TablePage) NextPageID() PageID {
	return PageID(binary.LittleEndian.Uint32(t.Data()[tpNextOffset:]))
}

func (t *TablePage) SetPrevPageID(id PageID) {
	binary.LittleEndian.PutUint32(t.Data()[tpPrevOffset:], uint32(id))
}

func (t *TablePage) SetNextPageID(id PageID) {
	binary.LittleEndian.PutUint32(t.Data()[tpNextOffset:], uint32(id))
}

func (t *TablePage) TupleCount() int32 {
	return int32(binary.LittleEndian.Uint32(t.Data()[tpCountOffset:]))
}

func (t *TablePage) setTupleCount(n int32) {
	binary.LittleEndian.PutUint32(t.Data()[tpCountOffset:], uint32(n))
}

func (t *TablePage) freeSpacePointer() int32 {
	return int32(binary.LittleEndian.Uint32(t.Data()[tpFreePtrOffset:]))
}

func (t *TablePage) setFreeSpacePointer(p int32) {
	binary.LittleEndian.PutUint32(t.Data()[tpFreePtrOffset:], uint32(p))
}

// FreeSpace is the gap between the slot directory and the tuple area.
func (t *TablePage) FreeSpace() int32 {
	return t.freeSpacePointer() - tpSlotArrayOffset - t.TupleCount()*tpSlotSize
}

// TupleOffset returns the payload offset recorded in a slot.
func (t *TablePage) TupleOffset(slot int32) int32 {
	return int32(binary.LittleEndian.Uint32(t.Data()[tpSlotArrayOffset+slot*tpSlotSize:]))
}

// TupleSize returns the size recorded in a slot; negative marks a tombstone,
// zero a reusable empty slot.
func (t *TablePage) TupleSize(slot int32) int32 {
	return int32(binary.LittleEndian.Uint32(t.Data()[tpSlotArrayOffset+slot*tpSlotSize+4:]))
}

func (t *TablePage) setTupleOffset(slot, off int32) {
	binary.LittleEndian.PutUint32(t.Data()[tpSlotArrayOffset+slot*tpSlotSize:], uint32(off))
}

func (t *TablePage) setTupleSize(slot, size int32) {
	binary.LittleEndian.PutUint32(t.Data()[tpSlotArrayOffset+slot*tpSlotSize+4:], uint32(size))
}

// InsertTuple places data into the first usable slot, reusing an empty one
// when available. It reports the chosen slot, or false when the page cannot
// hold the tuple.
func (t *TablePage) InsertTuple(data []byte) (int32, bool) {
	size := int32(len(data))
	if size <= 0 || t.FreeSpace() < size {
		return 0, false
	}

	// Reuse a free slot before growing the directory.
	var slot int32
	count := t.TupleCount()
	for slot = 0; slot < count; slot++ {
		if t.TupleSize(slot) == 0 {
			break
		}
	}
	if slot == count && t.FreeSpace() < size+tpSlotSize {
		return 0, false
	}

	fsp := t.freeSpacePointer() - size
	t.setFreeSpacePointer(fsp)
	copy(t.Data()[fsp:], data)
	t.setTupleOffset(slot, fsp)
	t.setTupleSize(slot, size)
	if slot == count {
		t.setTupleCount(count + 1)
	}
	return slot, true
}

// MarkDelete tombstones a slot by flipping its size negative. It fails on
// out-of-range slots and on tuples that are already deleted.
func (t *TablePage) MarkDelete(slot int32) bool {
	if slot >= t.TupleCount() {
		return false
	}
	size := t.TupleSize(slot)
	if size <= 0 {
		return false
	}
	t.setTupleSize(slot, -size)
	return true
}

// RollbackDelete flips a tombstoned slot back to visible.
func (t *TablePage) RollbackDelete(slot int32) {
	if size := t.TupleSize(slot); size < 0 {
		t.setTupleSize(slot, -size)
	}
}

// UpdateTuple replaces the payload of a slot in place, shifting the tuple
// area to absorb the size difference. It returns a copy of the old payload.
func (t *TablePage) UpdateTuple(slot int32, newData []byte) ([]byte, bool) {
	if slot >= t.TupleCount() {
		return nil, false
	}
	oldSize := t.TupleSize(slot)
	if oldSize <= 0 {
		return nil, false
	}
	newSize := int32(len(newData))
	if t.FreeSpace() < newSize-oldSize {
		return nil, false
	}

	off := t.TupleOffset(slot)
	old := make([]byte, oldSize)
	copy(old, t.Data()[off:off+oldSize])

	fsp := t.freeSpacePointer()
	data := t.Data()
	// Shift everything between the free-space pointer and this tuple by the
	// size delta, then lay the new payload down.
	copy(data[fsp+oldSize-newSize:], data[fsp:off])
	t.setFreeSpacePointer(fsp + oldSize - newSize)
	copy(data[off+oldSize-newSize:], newData)
	t.setTupleSize(slot, newSize)
	for i := int32(0); i < t.TupleCount(); i++ {
		if t.TupleSize(i) != 0 && t.TupleOffset(i) < off+oldSize {
			t.setTupleOffset(i, t.TupleOffset(i)+oldSize-newSize)
		}
	}
	return old, true
}

// ApplyDelete physically reclaims a slot: the payload is compacted away and
// the slot becomes reusable. It returns a copy of the removed payload.
func (t *TablePage) ApplyDelete(slot int32) ([]byte, bool) {
	if slot >= t.TupleCount() {
		return nil, false
	}
	size := t.TupleSize(slot)
	if size < 0 { // committing a mark-delete
		size = -size
	} else if size == 0 {
		return nil, false
	}

	off := t.TupleOffset(slot)
	removed := make([]byte, size)
	copy(removed, t.Data()[off:off+size])

	fsp := t.freeSpacePointer()
	data := t.Data()
	copy(data[fsp+size:], data[fsp:off])
	t.setFreeSpacePointer(fsp + size)
	t.setTupleSize(slot, 0)
	t.setTupleOffset(slot, 0)
	for i := int32(0); i < t.TupleCount(); i++ {
		if t.TupleSize(i) != 0 && t.TupleOffset(i) < off {
			t.setTupleOffset(i, t.TupleOffset(i)+size)
		}
	}
	return removed, true
}

// GetTuple copies out the payload of a visible tuple.
func (t *TablePage) GetTuple(slot int32) ([]byte, bool) {
	if slot >= t.TupleCount() {
		return nil, false
	}
	size := t.TupleSize(slot)
	if size <= 0 {
		return nil, false
	}
	off := t.TupleOffset(slot)
	out := make([]byte, size)
	copy(out, t.Data()[off:off+size])
	return out, true
}

// FirstTupleSlot returns the slot of the first visible tuple on the page.
func (t *TablePage) FirstTupleSlot() (int32, bool) {
	for i := int32(0); i < t.TupleCount(); i++ {
		if t.TupleSize(i) > 0 {
			return i, true
		}
	}
	return -1, false
}

// NextTupleSlot returns the first visible slot after cur.
func (t *TablePage) NextTupleSlot(cur int32) (int32, bool) {
	for i := cur + 1; i < t.TupleCount(); i++ {
		if t.TupleSize(i) > 0 {
			return i, true
		}
	}
	return -1, false
}
