// Package concurrency implements transactions, the tuple-level lock manager
// with wait-die deadlock prevention, and the transaction manager that drives
// commit, abort and undo.
package concurrency

import (
	"github.com/latchdb/latchdb/core/storage/page"
)

// TransactionState follows
//
//	    _________________________
//	   |                         v
//	GROWING -> SHRINKING -> COMMITTED   ABORTED
//	   |__________|________________________^
type TransactionState int

const (
	TxnGrowing TransactionState = iota
	TxnShrinking
	TxnCommitted
	TxnAborted
)

func (s TransactionState) String() string {
	switch s {
	case TxnGrowing:
		return "GROWING"
	case TxnShrinking:
		return "SHRINKING"
	case TxnCommitted:
		return "COMMITTED"
	case TxnAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

// WriteType tags entries of a transaction's write set.
type WriteType int

const (
	WriteInsert WriteType = iota
	WriteDelete
	WriteUpdate
)

// WriteTable is the undo surface a write record points back into; the table
// heap implements it.
type WriteTable interface {
	ApplyDelete(rid page.RID, txn *Transaction) error
	RollbackDelete(rid page.RID, txn *Transaction) error
	UpdateTuple(data []byte, rid page.RID, txn *Transaction) error
}

// WriteRecord is one undo entry: which tuple, what happened, and (for
// updates) the before image.
type WriteRecord struct {
	RID   page.RID
	Type  WriteType
	Tuple []byte // before image, update only
	Table WriteTable
}

// Transaction carries a single thread's transactional state: 2PL phase,
// write set for undo, the lock sets the lock manager maintains, and the LSN
// chain for the WAL.
type Transaction struct {
	id      page.TxnID
	state   TransactionState
	prevLSN page.LSN

	writeSet     []WriteRecord
	sharedSet    map[page.RID]struct{}
	exclusiveSet map[page.RID]struct{}
}

// NewTransaction begins a transaction in the GROWING phase.
func NewTransaction(id page.TxnID) *Transaction {
	return &Transaction{
		id:           id,
		state:        TxnGrowing,
		prevLSN:      page.InvalidLSN,
		sharedSet:    make(map[page.RID]struct{}),
		exclusiveSet: make(map[page.RID]struct{}),
	}
}

func (t *Transaction) ID() page.TxnID              { return t.id }
func (t *Transaction) State() TransactionState     { return t.state }
func (t *Transaction) SetState(s TransactionState) { t.state = s }
func (t *Transaction) PrevLSN() page.LSN           { return t.prevLSN }
func (t *Transaction) SetPrevLSN(lsn page.LSN)     { t.prevLSN = lsn }
func (t *Transaction) WriteSet() []WriteRecord     { return t.writeSet }
func (t *Transaction) AppendWrite(rec WriteRecord) { t.writeSet = append(t.writeSet, rec) }
func (t *Transaction) ClearWriteSet()              { t.writeSet = nil }

// SharedSet is the set of RIDs this transaction holds shared locks on.
func (t *Transaction) SharedSet() map[page.RID]struct{} { return t.sharedSet }

// ExclusiveSet is the set of RIDs this transaction holds exclusive locks on.
func (t *Transaction) ExclusiveSet() map[page.RID]struct{} { return t.exclusiveSet }

// HoldsShared reports whether the transaction holds a shared lock on rid.
func (t *Transaction) HoldsShared(rid page.RID) bool {
	_, ok := t.sharedSet[rid]
	return ok
}

// HoldsExclusive reports whether the transaction holds an exclusive lock on
// rid.
func (t *Transaction) HoldsExclusive(rid page.RID) bool {
	_, ok := t.exclusiveSet[rid]
	return ok
}
