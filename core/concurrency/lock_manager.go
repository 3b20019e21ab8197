package concurrency

import (
	"sync"

	"go.uber.org/zap"

	"github.com/latchdb/latchdb/core/storage/page"
	"github.com/latchdb/latchdb/pkg/telemetry"
)

// lockMode is the strength of a lock request.
type lockMode int

const (
	lockShared lockMode = iota
	lockExclusive
)

// lockRequest is one entry in a RID's wait list.
type lockRequest struct {
	txnID   page.TxnID
	mode    lockMode
	granted bool
}

// lockList is the per-RID wait list. oldest remembers the smallest txn id
// that ever queued here; wait-die compares against it so a younger
// transaction dies rather than wait behind an exclusive request.
type lockList struct {
	exclusiveCount int
	oldest         page.TxnID
	queue          []*lockRequest
}

func (l *lockList) indexOf(txnID page.TxnID) int {
	for i, r := range l.queue {
		if r.txnID == txnID {
			return i
		}
	}
	return -1
}

// LockManager hands out tuple-level shared/exclusive locks under strict
// two-phase locking. Deadlock is prevented, not detected: wait-die aborts a
// younger transaction rather than queue it behind an exclusive request.
type LockManager struct {
	mu    sync.Mutex
	cond  *sync.Cond
	table map[page.RID]*lockList

	// strict2PL rejects unlocks before commit/abort. It is the only mode the
	// transaction manager runs; the toggle exists for tests of the plain
	// GROWING -> SHRINKING transition.
	strict2PL bool

	log     *zap.Logger
	metrics *telemetry.Metrics
}

// NewLockManager builds a lock manager; strict2PL selects strict two-phase
// locking (locks release only at commit/abort).
func NewLockManager(strict2PL bool, logger *zap.Logger, metrics *telemetry.Metrics) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	lm := &LockManager{
		table:     make(map[page.RID]*lockList),
		strict2PL: strict2PL,
		log:       logger,
		metrics:   metrics,
	}
	lm.cond = sync.NewCond(&lm.mu)
	return lm
}

// LockShared acquires a shared lock on rid for txn. It blocks while any
// earlier queued request is exclusive or ungranted; wait-die kills the
// transaction instead of letting a younger one wait behind an exclusive.
func (lm *LockManager) LockShared(txn *Transaction, rid page.RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if txn.State() == TxnAborted {
		return false
	}
	if txn.State() != TxnGrowing {
		panic("lock manager: shared lock requested outside the growing phase")
	}

	req := &lockRequest{txnID: txn.ID(), mode: lockShared}
	list, ok := lm.table[rid]
	if !ok {
		list = &lockList{oldest: txn.ID()}
		lm.table[rid] = list
		list.queue = append(list.queue, req)
	} else {
		if list.exclusiveCount != 0 && txn.ID() > list.oldest {
			// Wait-die: a younger reader behind a writer dies.
			txn.SetState(TxnAborted)
			lm.metrics.WaitDieKill()
			lm.log.Debug("wait-die kill on shared lock",
				zap.Int32("txn", int32(txn.ID())), zap.String("rid", rid.String()))
			return false
		}
		if list.oldest > txn.ID() {
			list.oldest = txn.ID()
		}
		list.queue = append(list.queue, req)
	}

	// Proceed once every request ahead of ours is a granted shared lock.
	for !lm.sharedGrantable(list, txn.ID()) {
		lm.cond.Wait()
	}

	req.granted = true
	txn.SharedSet()[rid] = struct{}{}
	lm.cond.Broadcast()
	return true
}

// sharedGrantable reports whether every entry ahead of txnID is a granted
// shared request. Callers hold lm.mu.
func (lm *LockManager) sharedGrantable(list *lockList, txnID page.TxnID) bool {
	for _, r := range list.queue {
		if r.txnID == txnID {
			return true
		}
		if r.mode != lockShared || !r.granted {
			return false
		}
	}
	return false
}

// LockExclusive acquires an exclusive lock on rid for txn. The request waits
// until it reaches the head of the wait list; wait-die kills a younger
// transaction instead of queueing it behind an exclusive request.
func (lm *LockManager) LockExclusive(txn *Transaction, rid page.RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if txn.State() == TxnAborted {
		return false
	}
	if txn.State() != TxnGrowing {
		panic("lock manager: exclusive lock requested outside the growing phase")
	}

	req := &lockRequest{txnID: txn.ID(), mode: lockExclusive}
	list, ok := lm.table[rid]
	if !ok {
		list = &lockList{oldest: txn.ID()}
		lm.table[rid] = list
	} else {
		if list.exclusiveCount != 0 && txn.ID() > list.oldest {
			// Wait-die: a younger writer behind another writer dies.
			txn.SetState(TxnAborted)
			lm.metrics.WaitDieKill()
			lm.log.Debug("wait-die kill on exclusive lock",
				zap.Int32("txn", int32(txn.ID())), zap.String("rid", rid.String()))
			return false
		}
		if list.oldest > txn.ID() {
			list.oldest = txn.ID()
		}
	}
	list.queue = append(list.queue, req)
	list.exclusiveCount++

	for list.queue[0].txnID != txn.ID() {
		lm.cond.Wait()
	}

	list.queue[0].granted = true
	txn.ExclusiveSet()[rid] = struct{}{}
	return true
}

// LockUpgrade converts a held shared lock into an exclusive one without
// releasing it, so a transaction that read a tuple can write it without
// deadlocking against itself. The entry is relocated just before the first
// queued exclusive request; wait-die applies against everything ahead of it.
func (lm *LockManager) LockUpgrade(txn *Transaction, rid page.RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if txn.State() == TxnAborted {
		return false
	}
	if txn.State() != TxnGrowing {
		panic("lock manager: lock upgrade requested outside the growing phase")
	}

	list, ok := lm.table[rid]
	if !ok {
		return false
	}
	src := list.indexOf(txn.ID())
	if src == -1 {
		return false
	}

	// Insertion point: just before the first exclusive request at or after
	// our current position; the end of the queue otherwise.
	tgt := len(list.queue)
	for i := src; i < len(list.queue); i++ {
		if list.queue[i].mode == lockExclusive {
			tgt = i
			break
		}
	}

	// Wait-die against everything that will sit ahead of us.
	for i := 0; i < tgt; i++ {
		if i == src {
			continue
		}
		if list.queue[i].txnID < txn.ID() {
			txn.SetState(TxnAborted)
			lm.metrics.WaitDieKill()
			lm.log.Debug("wait-die kill on lock upgrade",
				zap.Int32("txn", int32(txn.ID())), zap.String("rid", rid.String()))
			return false
		}
	}

	upgraded := &lockRequest{txnID: txn.ID(), mode: lockExclusive}
	// Remove src, then insert before the (shifted) target slot.
	list.queue = append(list.queue[:src], list.queue[src+1:]...)
	if src < tgt {
		tgt--
	}
	list.queue = append(list.queue[:tgt], append([]*lockRequest{upgraded}, list.queue[tgt:]...)...)
	list.exclusiveCount++

	for list.queue[0].txnID != txn.ID() {
		lm.cond.Wait()
	}
	if list.queue[0].mode != lockExclusive {
		panic("lock manager: upgraded request lost its exclusive mode")
	}
	list.queue[0].granted = true

	delete(txn.SharedSet(), rid)
	txn.ExclusiveSet()[rid] = struct{}{}
	return true
}

// Unlock releases txn's lock on rid. Under strict 2PL the transaction must
// already be committed or aborted; otherwise the first unlock moves it from
// GROWING to SHRINKING. Waiters are woken when the head of the queue or an
// exclusive holder goes away.
func (lm *LockManager) Unlock(txn *Transaction, rid page.RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.strict2PL {
		if txn.State() != TxnCommitted && txn.State() != TxnAborted {
			txn.SetState(TxnAborted)
			return false
		}
	} else if txn.State() == TxnGrowing {
		txn.SetState(TxnShrinking)
	}

	list, ok := lm.table[rid]
	if !ok {
		return true
	}
	idx := list.indexOf(txn.ID())
	if idx == -1 {
		return true
	}

	first := idx == 0
	exclusive := list.queue[idx].mode == lockExclusive
	if exclusive {
		list.exclusiveCount--
	}
	list.queue = append(list.queue[:idx], list.queue[idx+1:]...)
	if len(list.queue) == 0 {
		delete(lm.table, rid)
	}
	delete(txn.SharedSet(), rid)
	delete(txn.ExclusiveSet(), rid)

	if first || exclusive {
		lm.cond.Broadcast()
	}
	return true
}
