// Package wal implements the write-ahead log: the wire format of log records
// and a double-buffered log manager with a background flusher.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/latchdb/latchdb/core/storage/page"
)

// RecordType discriminates log records.
type RecordType int32

const (
	RecordInvalid RecordType = iota
	RecordInsert
	RecordMarkDelete
	RecordApplyDelete
	RecordRollbackDelete
	RecordUpdate
	RecordBegin
	RecordCommit
	RecordAbort
	RecordNewPage
)

func (t RecordType) String() string {
	switch t {
	case RecordInsert:
		return "INSERT"
	case RecordMarkDelete:
		return "MARK_DELETE"
	case RecordApplyDelete:
		return "APPLY_DELETE"
	case RecordRollbackDelete:
		return "ROLLBACK_DELETE"
	case RecordUpdate:
		return "UPDATE"
	case RecordBegin:
		return "BEGIN"
	case RecordCommit:
		return "COMMIT"
	case RecordAbort:
		return "ABORT"
	case RecordNewPage:
		return "NEW_PAGE"
	}
	return "INVALID"
}

// recordHeaderSize covers size, LSN, txn id, prev LSN and type, 4 bytes each.
const recordHeaderSize = 20

var (
	// ErrBadRecord marks a log record that cannot be decoded.
	ErrBadRecord = errors.New("wal: malformed log record")
)

// LogRecord is one entry of the write-ahead log.
//
// On disk every record starts with the 20-byte header
//
//	| size | LSN | txn_id | prev_lsn | type |
//
// followed by a type-specific payload: RID plus length-prefixed tuple bytes
// for the data operations, old and new tuples for UPDATE, and the previous
// page id for NEW_PAGE.
type LogRecord struct {
	Size    int32
	LSN     page.LSN
	TxnID   page.TxnID
	PrevLSN page.LSN
	Type    RecordType

	// Data operations (INSERT and the three DELETE flavors).
	RID   page.RID
	Tuple []byte

	// UPDATE carries both images.
	OldTuple []byte
	NewTuple []byte

	// NEW_PAGE records the page the new one was linked after.
	PrevPageID page.PageID
}

// NewTxnRecord builds a BEGIN/COMMIT/ABORT record.
func NewTxnRecord(txnID page.TxnID, prevLSN page.LSN, t RecordType) *LogRecord {
	r := &LogRecord{TxnID: txnID, PrevLSN: prevLSN, Type: t, LSN: page.InvalidLSN}
	r.Size = recordHeaderSize
	return r
}

// NewInsertRecord builds an INSERT record carrying the inserted tuple.
func NewInsertRecord(txnID page.TxnID, prevLSN page.LSN, rid page.RID, tuple []byte) *LogRecord {
	r := &LogRecord{TxnID: txnID, PrevLSN: prevLSN, Type: RecordInsert, LSN: page.InvalidLSN,
		RID: rid, Tuple: tuple}
	r.Size = recordHeaderSize + 8 + 4 + int32(len(tuple))
	return r
}

// NewDeleteRecord builds one of the delete-family records; t must be
// MARK_DELETE, APPLY_DELETE or ROLLBACK_DELETE.
func NewDeleteRecord(txnID page.TxnID, prevLSN page.LSN, t RecordType, rid page.RID, tuple []byte) *LogRecord {
	switch t {
	case RecordMarkDelete, RecordApplyDelete, RecordRollbackDelete:
	default:
		panic(fmt.Sprintf("wal: %v is not a delete record type", t))
	}
	r := &LogRecord{TxnID: txnID, PrevLSN: prevLSN, Type: t, LSN: page.InvalidLSN,
		RID: rid, Tuple: tuple}
	r.Size = recordHeaderSize + 8 + 4 + int32(len(tuple))
	return r
}

// NewUpdateRecord builds an UPDATE record with before and after images.
func NewUpdateRecord(txnID page.TxnID, prevLSN page.LSN, rid page.RID, oldTuple, newTuple []byte) *LogRecord {
	r := &LogRecord{TxnID: txnID, PrevLSN: prevLSN, Type: RecordUpdate, LSN: page.InvalidLSN,
		RID: rid, OldTuple: oldTuple, NewTuple: newTuple}
	r.Size = recordHeaderSize + 8 + 4 + int32(len(oldTuple)) + 4 + int32(len(newTuple))
	return r
}

// NewPageRecord builds a NEW_PAGE record.
func NewPageRecord(txnID page.TxnID, prevLSN page.LSN, prevPageID page.PageID) *LogRecord {
	r := &LogRecord{TxnID: txnID, PrevLSN: prevLSN, Type: RecordNewPage, LSN: page.InvalidLSN,
		PrevPageID: prevPageID}
	r.Size = recordHeaderSize + 4
	return r
}

func putRID(buf []byte, rid page.RID) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(rid.PageID))
	binary.LittleEndian.PutUint32(buf[4:], uint32(rid.SlotNum))
}

func getRID(buf []byte) page.RID {
	return page.RID{
		PageID:  page.PageID(binary.LittleEndian.Uint32(buf[0:])),
		SlotNum: int32(binary.LittleEndian.Uint32(buf[4:])),
	}
}

// serialize writes the record into buf, which must hold Size bytes.
func (r *LogRecord) serialize(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(r.Size))
	binary.LittleEndian.PutUint32(buf[4:], uint32(r.LSN))
	binary.LittleEndian.PutUint32(buf[8:], uint32(r.TxnID))
	binary.LittleEndian.PutUint32(buf[12:], uint32(r.PrevLSN))
	binary.LittleEndian.PutUint32(buf[16:], uint32(r.Type))
	body := buf[recordHeaderSize:]
	switch r.Type {
	case RecordInsert, RecordMarkDelete, RecordApplyDelete, RecordRollbackDelete:
		putRID(body, r.RID)
		binary.LittleEndian.PutUint32(body[8:], uint32(len(r.Tuple)))
		copy(body[12:], r.Tuple)
	case RecordUpdate:
		putRID(body, r.RID)
		binary.LittleEndian.PutUint32(body[8:], uint32(len(r.OldTuple)))
		copy(body[12:], r.OldTuple)
		off := 12 + len(r.OldTuple)
		binary.LittleEndian.PutUint32(body[off:], uint32(len(r.NewTuple)))
		copy(body[off+4:], r.NewTuple)
	case RecordNewPage:
		binary.LittleEndian.PutUint32(body[0:], uint32(r.PrevPageID))
	}
}

// Decode parses one record from the front of buf. It returns the record and
// reports ErrBadRecord on truncated or inconsistent input.
func Decode(buf []byte) (*LogRecord, error) {
	if len(buf) < recordHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than a header", ErrBadRecord, len(buf))
	}
	r := &LogRecord{
		Size:    int32(binary.LittleEndian.Uint32(buf[0:])),
		LSN:     page.LSN(binary.LittleEndian.Uint32(buf[4:])),
		TxnID:   page.TxnID(binary.LittleEndian.Uint32(buf[8:])),
		PrevLSN: page.LSN(binary.LittleEndian.Uint32(buf[12:])),
		Type:    RecordType(binary.LittleEndian.Uint32(buf[16:])),
	}
	if r.Size < recordHeaderSize || int(r.Size) > len(buf) {
		return nil, fmt.Errorf("%w: size %d out of range", ErrBadRecord, r.Size)
	}
	body := buf[recordHeaderSize:r.Size]
	switch r.Type {
	case RecordInsert, RecordMarkDelete, RecordApplyDelete, RecordRollbackDelete:
		if len(body) < 12 {
			return nil, fmt.Errorf("%w: truncated %v payload", ErrBadRecord, r.Type)
		}
		r.RID = getRID(body)
		n := binary.LittleEndian.Uint32(body[8:])
		if int(12+n) > len(body) {
			return nil, fmt.Errorf("%w: tuple length %d overruns record", ErrBadRecord, n)
		}
		r.Tuple = append([]byte(nil), body[12:12+n]...)
	case RecordUpdate:
		if len(body) < 12 {
			return nil, fmt.Errorf("%w: truncated UPDATE payload", ErrBadRecord)
		}
		r.RID = getRID(body)
		oldN := binary.LittleEndian.Uint32(body[8:])
		if int(12+oldN+4) > len(body) {
			return nil, fmt.Errorf("%w: old tuple length %d overruns record", ErrBadRecord, oldN)
		}
		r.OldTuple = append([]byte(nil), body[12:12+oldN]...)
		off := 12 + oldN
		newN := binary.LittleEndian.Uint32(body[off:])
		if int(off+4+newN) > len(body) {
			return nil, fmt.Errorf("%w: new tuple length %d overruns record", ErrBadRecord, newN)
		}
		r.NewTuple = append([]byte(nil), body[off+4:off+4+newN]...)
	case RecordNewPage:
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: truncated NEW_PAGE payload", ErrBadRecord)
		}
		r.PrevPageID = page.PageID(binary.LittleEndian.Uint32(body[0:]))
	case RecordBegin, RecordCommit, RecordAbort:
	default:
		return nil, fmt.Errorf("%w: unknown record type %d", ErrBadRecord, r.Type)
	}
	return r, nil
}

func (r *LogRecord) String() string {
	return fmt.Sprintf("Log[size:%d, lsn:%d, txn:%d, prev:%d, type:%v]",
		r.Size, r.LSN, r.TxnID, r.PrevLSN, r.Type)
}
