package page

import (
	"bytes"
	"encoding/binary"
)

// HeaderPage is page 0 of the database file: a record count followed by
// fixed-width entries mapping object names to the root pages of tables and
// indices.
//
// Layout:
//
//	| record_count (4) | name (32, NUL padded) | root_page_id (4) | ... |
type HeaderPage struct {
	*Page
}

const (
	headerRecordSize  = 36
	headerMaxNameLen  = 31 // one byte reserved for the NUL terminator
	headerCountOffset = 0
	headerFirstRecord = 4
)

// AsHeaderPage reinterprets a fetched page as the header page.
func AsHeaderPage(p *Page) *HeaderPage { return &HeaderPage{Page: p} }

// RecordCount returns the number of registered objects.
func (h *HeaderPage) RecordCount() int32 {
	return int32(binary.LittleEndian.Uint32(h.Data()[headerCountOffset:]))
}

func (h *HeaderPage) setRecordCount(n int32) {
	binary.LittleEndian.PutUint32(h.Data()[headerCountOffset:], uint32(n))
}

// InsertRecord registers a new (name, root page id) pair. It fails on
// duplicate names and over-long names.
func (h *HeaderPage) InsertRecord(name string, rootID PageID) bool {
	if len(name) > headerMaxNameLen || rootID <= InvalidPageID {
		return false
	}
	if h.findRecord(name) != -1 {
		return false
	}
	n := h.RecordCount()
	off := headerFirstRecord + int(n)*headerRecordSize
	if off+headerRecordSize > Size {
		return false
	}
	data := h.Data()
	copy(data[off:off+32], make([]byte, 32))
	copy(data[off:], name)
	binary.LittleEndian.PutUint32(data[off+32:], uint32(rootID))
	h.setRecordCount(n + 1)
	return true
}

// DeleteRecord removes a registered object, compacting the record array.
func (h *HeaderPage) DeleteRecord(name string) bool {
	idx := h.findRecord(name)
	if idx == -1 {
		return false
	}
	n := h.RecordCount()
	off := headerFirstRecord + idx*headerRecordSize
	end := headerFirstRecord + int(n)*headerRecordSize
	data := h.Data()
	copy(data[off:], data[off+headerRecordSize:end])
	h.setRecordCount(n - 1)
	return true
}

// UpdateRecord overwrites the root page id of an existing object.
func (h *HeaderPage) UpdateRecord(name string, rootID PageID) bool {
	idx := h.findRecord(name)
	if idx == -1 {
		return false
	}
	off := headerFirstRecord + idx*headerRecordSize
	binary.LittleEndian.PutUint32(h.Data()[off+32:], uint32(rootID))
	return true
}

// RootID looks up the root page id registered under name.
func (h *HeaderPage) RootID(name string) (PageID, bool) {
	idx := h.findRecord(name)
	if idx == -1 {
		return InvalidPageID, false
	}
	off := headerFirstRecord + idx*headerRecordSize
	return PageID(binary.LittleEndian.Uint32(h.Data()[off+32:])), true
}

func (h *HeaderPage) findRecord(name string) int {
	n := int(h.RecordCount())
	data := h.Data()
	for i := 0; i < n; i++ {
		off := headerFirstRecord + i*headerRecordSize
		raw := data[off : off+32]
		if end := bytes.IndexByte(raw, 0); end >= 0 {
			raw = raw[:end]
		}
		if string(raw) == name {
			return i
		}
	}
	return -1
}
