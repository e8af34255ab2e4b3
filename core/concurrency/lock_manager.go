// Package concurrency implements hierarchical two-phase locking at table and
// row granularity, with background deadlock detection over a waits-for graph.
package concurrency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	transaction "github.com/vajradb/vajradb/core/transaction"
	pagemanager "github.com/vajradb/vajradb/core/write_engine/page_manager"
	internaltelemetry "github.com/vajradb/vajradb/internal/telemetry"
)

// TxnGetter resolves transaction ids for the deadlock detector.
type TxnGetter interface {
	Get(id transaction.TxnID) *transaction.Transaction
}

type lockRequest struct {
	txnID   transaction.TxnID
	mode    transaction.LockMode
	oid     pagemanager.TableOID
	rid     pagemanager.RID
	onTable bool
	granted bool
}

// lockRequestQueue serializes access to one resource. The condition variable
// couples with the queue mutex; waiters re-check their transaction state
// after every wake so an abort always unblocks them.
type lockRequestQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  []*lockRequest
	upgrading transaction.TxnID
}

func newLockRequestQueue() *lockRequestQueue {
	q := &lockRequestQueue{upgrading: transaction.InvalidTxnID}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// remove drops a request from the queue. Callers hold q.mu.
func (q *lockRequestQueue) remove(req *lockRequest) {
	for i, r := range q.requests {
		if r == req {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

// insertUpgrade places an upgrading request ahead of the first not-yet-granted
// request, or at the tail when everything is granted. Callers hold q.mu.
func (q *lockRequestQueue) insertUpgrade(req *lockRequest) {
	for i, r := range q.requests {
		if !r.granted {
			q.requests = append(q.requests, nil)
			copy(q.requests[i+1:], q.requests[i:])
			q.requests[i] = req
			return
		}
	}
	q.requests = append(q.requests, req)
}

// compatible implements the five-mode compatibility matrix from the holder's
// point of view: can want coexist with held?
func compatible(want, held transaction.LockMode) bool {
	switch want {
	case transaction.LockModeIntentionShared:
		return held != transaction.LockModeExclusive
	case transaction.LockModeIntentionExclusive:
		return held == transaction.LockModeIntentionShared || held == transaction.LockModeIntentionExclusive
	case transaction.LockModeShared:
		return held == transaction.LockModeIntentionShared || held == transaction.LockModeShared
	case transaction.LockModeSharedIntentionExclusive:
		return held == transaction.LockModeIntentionShared
	case transaction.LockModeExclusive:
		return false
	default:
		panic(fmt.Sprintf("lockmanager: unknown lock mode %v", want))
	}
}

// grantable reports whether req is compatible with every request ahead of it
// in the queue, granted or not: FIFO among waiters is part of the contract.
// Callers hold q.mu.
func (q *lockRequestQueue) grantable(req *lockRequest) bool {
	for _, r := range q.requests {
		if r == req {
			return true
		}
		if !compatible(req.mode, r.mode) {
			return false
		}
	}
	panic("lockmanager: request vanished from its queue")
}

// upgradeAllowed is the upgrade lattice: IS->{S,X,IX,SIX}, S->{X,SIX},
// IX->{X,SIX}, SIX->{X}. The caller has already ruled out held == want.
func upgradeAllowed(held, want transaction.LockMode) bool {
	switch held {
	case transaction.LockModeIntentionShared:
		return true
	case transaction.LockModeShared, transaction.LockModeIntentionExclusive:
		return want == transaction.LockModeExclusive || want == transaction.LockModeSharedIntentionExclusive
	case transaction.LockModeSharedIntentionExclusive:
		return want == transaction.LockModeExclusive
	default:
		return false
	}
}

// LockManager enforces strict two-phase locking. Map latches are always taken
// before queue latches; the deadlock detector freezes both maps, then each
// queue, while it builds the waits-for graph.
type LockManager struct {
	tableLockMapMu sync.Mutex
	tableLockMap   map[pagemanager.TableOID]*lockRequestQueue
	rowLockMapMu   sync.Mutex
	rowLockMap     map[pagemanager.RID]*lockRequestQueue

	txns    TxnGetter
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics

	// waits-for graph working state, owned by the detector between passes and
	// exposed to tests.
	graphMu  sync.Mutex
	waitsFor map[transaction.TxnID][]transaction.TxnID
	nodes    map[transaction.TxnID]struct{}

	detectInterval time.Duration
	stopCh         chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
}

// Options configure collaborators beyond the transaction registry.
type Options struct {
	DeadlockDetectInterval time.Duration
	Logger                 *zap.Logger
	Metrics                *internaltelemetry.StorageMetrics
}

// NewLockManager creates a lock manager. Deadlock detection does not start
// until StartDeadlockDetection is called.
func NewLockManager(txns TxnGetter, opts Options) *LockManager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := opts.DeadlockDetectInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &LockManager{
		tableLockMap:   make(map[pagemanager.TableOID]*lockRequestQueue),
		rowLockMap:     make(map[pagemanager.RID]*lockRequestQueue),
		txns:           txns,
		logger:         logger.Named("lockmanager"),
		metrics:        opts.Metrics,
		waitsFor:       make(map[transaction.TxnID][]transaction.TxnID),
		nodes:          make(map[transaction.TxnID]struct{}),
		detectInterval: interval,
		stopCh:         make(chan struct{}),
	}
}

// abort marks the transaction aborted and returns the signal to raise. All
// abort reasons flow through here so the state flip always precedes the error.
func (lm *LockManager) abort(txn *transaction.Transaction, reason transaction.AbortReason) error {
	txn.SetState(transaction.StateAborted)
	if lm.metrics != nil {
		lm.metrics.LockAbortCounter.Add(context.Background(), 1)
	}
	lm.logger.Debug("transaction aborted by lock manager",
		zap.Int64("txn_id", int64(txn.ID())),
		zap.String("reason", reason.String()))
	return &transaction.AbortError{TxnID: txn.ID(), Reason: reason}
}

// lockCheck applies the isolation-level pre-flight rules.
func (lm *LockManager) lockCheck(txn *transaction.Transaction, mode transaction.LockMode) error {
	switch txn.IsolationLevel() {
	case transaction.ReadUncommitted:
		if mode == transaction.LockModeShared || mode == transaction.LockModeIntentionShared ||
			mode == transaction.LockModeSharedIntentionExclusive {
			return lm.abort(txn, transaction.AbortLockSharedOnReadUncommitted)
		}
		if txn.State() == transaction.StateShrinking {
			return lm.abort(txn, transaction.AbortLockOnShrinking)
		}
	case transaction.ReadCommitted:
		if txn.State() == transaction.StateShrinking && mode != transaction.LockModeIntentionShared &&
			mode != transaction.LockModeShared {
			return lm.abort(txn, transaction.AbortLockOnShrinking)
		}
	case transaction.RepeatableRead:
		if txn.State() == transaction.StateShrinking {
			return lm.abort(txn, transaction.AbortLockOnShrinking)
		}
	}
	return nil
}

// shrinkDetect transitions a growing transaction to shrinking when the
// released mode demands it: X always, S only under repeatable read.
func shrinkDetect(txn *transaction.Transaction, mode transaction.LockMode) {
	shrink := mode == transaction.LockModeExclusive ||
		(mode == transaction.LockModeShared && txn.IsolationLevel() == transaction.RepeatableRead)
	if shrink {
		txn.SetShrinkingIfGrowing()
	}
}

// tableQueue returns (creating if needed) the queue for oid, with the queue
// latch held and the map latch already released.
func (lm *LockManager) tableQueue(oid pagemanager.TableOID) *lockRequestQueue {
	lm.tableLockMapMu.Lock()
	q, ok := lm.tableLockMap[oid]
	if !ok {
		q = newLockRequestQueue()
		lm.tableLockMap[oid] = q
	}
	q.mu.Lock()
	lm.tableLockMapMu.Unlock()
	return q
}

func (lm *LockManager) rowQueue(rid pagemanager.RID) *lockRequestQueue {
	lm.rowLockMapMu.Lock()
	q, ok := lm.rowLockMap[rid]
	if !ok {
		q = newLockRequestQueue()
		lm.rowLockMap[rid] = q
	}
	q.mu.Lock()
	lm.rowLockMapMu.Unlock()
	return q
}

// acquire runs the shared grant protocol once the queue latch is held: find
// an existing grant by this transaction, upgrade or no-op as appropriate,
// enqueue, then wait until the request is grantable or the transaction is
// aborted. Returns (granted, err); err is an AbortError from a pre-flight or
// upgrade failure.
func (lm *LockManager) acquire(txn *transaction.Transaction, q *lockRequestQueue, req *lockRequest,
	removeHeld func(mode transaction.LockMode), addHeld func(mode transaction.LockMode)) (bool, error) {

	upgrade := false
	for _, r := range q.requests {
		if r.txnID != txn.ID() {
			continue
		}
		if r.mode == req.mode {
			q.mu.Unlock()
			return true, nil
		}
		if q.upgrading != transaction.InvalidTxnID {
			q.mu.Unlock()
			return false, lm.abort(txn, transaction.AbortUpgradeConflict)
		}
		if !upgradeAllowed(r.mode, req.mode) {
			q.mu.Unlock()
			return false, lm.abort(txn, transaction.AbortIncompatibleUpgrade)
		}
		q.remove(r)
		removeHeld(r.mode)
		upgrade = true
		break
	}

	if upgrade {
		q.insertUpgrade(req)
		q.upgrading = txn.ID()
	} else {
		q.requests = append(q.requests, req)
	}

	waited := false
	for !q.grantable(req) {
		if !waited {
			waited = true
			if lm.metrics != nil {
				lm.metrics.LockWaitCounter.Add(context.Background(), 1)
			}
		}
		q.cond.Wait()
		if txn.State() == transaction.StateAborted {
			q.remove(req)
			if upgrade && q.upgrading == txn.ID() {
				q.upgrading = transaction.InvalidTxnID
			}
			q.cond.Broadcast()
			q.mu.Unlock()
			return false, nil
		}
	}

	req.granted = true
	addHeld(req.mode)
	if upgrade {
		q.upgrading = transaction.InvalidTxnID
	}
	if req.mode != transaction.LockModeExclusive {
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	if lm.metrics != nil {
		lm.metrics.LockGrantCounter.Add(context.Background(), 1)
	}
	return true, nil
}

// LockTable acquires a table lock in the given mode, blocking until granted
// or the transaction is aborted.
func (lm *LockManager) LockTable(txn *transaction.Transaction, mode transaction.LockMode, oid pagemanager.TableOID) (bool, error) {
	if err := lm.lockCheck(txn, mode); err != nil {
		return false, err
	}
	q := lm.tableQueue(oid)
	req := &lockRequest{txnID: txn.ID(), mode: mode, oid: oid, onTable: true}
	return lm.acquire(txn, q, req,
		func(m transaction.LockMode) { txn.RemoveTableLock(m, oid) },
		func(m transaction.LockMode) { txn.AddTableLock(m, oid) })
}

// UnlockTable releases the transaction's table lock on oid. All row locks on
// the table must have been released first.
func (lm *LockManager) UnlockTable(txn *transaction.Transaction, oid pagemanager.TableOID) (bool, error) {
	lm.tableLockMapMu.Lock()
	q, ok := lm.tableLockMap[oid]
	if !ok {
		lm.tableLockMapMu.Unlock()
		return false, lm.abort(txn, transaction.AbortAttemptedUnlockButNoLockHeld)
	}
	if txn.HoldsRowLocksOnTable(oid) {
		lm.tableLockMapMu.Unlock()
		return false, lm.abort(txn, transaction.AbortTableUnlockedBeforeUnlockingRows)
	}
	q.mu.Lock()
	lm.tableLockMapMu.Unlock()

	for _, r := range q.requests {
		if !r.granted || r.txnID != txn.ID() {
			continue
		}
		q.remove(r)
		shrinkDetect(txn, r.mode)
		txn.RemoveTableLock(r.mode, oid)
		q.cond.Broadcast()
		q.mu.Unlock()
		return true, nil
	}
	q.mu.Unlock()
	return false, lm.abort(txn, transaction.AbortAttemptedUnlockButNoLockHeld)
}

// LockRow acquires a row lock. Only S and X apply at row granularity, and a
// row X requires X, IX or SIX already held on the owning table.
func (lm *LockManager) LockRow(txn *transaction.Transaction, mode transaction.LockMode, oid pagemanager.TableOID, rid pagemanager.RID) (bool, error) {
	if mode != transaction.LockModeShared && mode != transaction.LockModeExclusive {
		panic(fmt.Sprintf("lockmanager: row locks support only S and X, got %v", mode))
	}
	if err := lm.lockCheck(txn, mode); err != nil {
		return false, err
	}
	if mode == transaction.LockModeExclusive &&
		!txn.IsTableLocked(transaction.LockModeExclusive, oid) &&
		!txn.IsTableLocked(transaction.LockModeIntentionExclusive, oid) &&
		!txn.IsTableLocked(transaction.LockModeSharedIntentionExclusive, oid) {
		return false, lm.abort(txn, transaction.AbortTableLockNotPresent)
	}
	q := lm.rowQueue(rid)
	req := &lockRequest{txnID: txn.ID(), mode: mode, oid: oid, rid: rid}
	return lm.acquire(txn, q, req,
		func(m transaction.LockMode) { txn.RemoveRowLock(m, oid, rid) },
		func(m transaction.LockMode) { txn.AddRowLock(m, oid, rid) })
}

// UnlockRow releases the transaction's lock on rid.
func (lm *LockManager) UnlockRow(txn *transaction.Transaction, oid pagemanager.TableOID, rid pagemanager.RID) (bool, error) {
	lm.rowLockMapMu.Lock()
	q, ok := lm.rowLockMap[rid]
	if !ok {
		lm.rowLockMapMu.Unlock()
		return false, lm.abort(txn, transaction.AbortAttemptedUnlockButNoLockHeld)
	}
	q.mu.Lock()
	lm.rowLockMapMu.Unlock()

	for _, r := range q.requests {
		if !r.granted || r.txnID != txn.ID() {
			continue
		}
		q.remove(r)
		shrinkDetect(txn, r.mode)
		txn.RemoveRowLock(r.mode, oid, rid)
		q.cond.Broadcast()
		q.mu.Unlock()
		return true, nil
	}
	q.mu.Unlock()
	return false, lm.abort(txn, transaction.AbortAttemptedUnlockButNoLockHeld)
}

// ReleaseAll drops every lock the transaction still holds. The transaction
// manager calls this at commit and abort; it never triggers the shrinking
// transition because the state is already terminal.
func (lm *LockManager) ReleaseAll(txn *transaction.Transaction) {
	for _, held := range txn.HeldTableLocks() {
		lm.releaseTableQuiet(txn, held.Mode, held.OID)
	}
	for _, held := range txn.HeldRowLocks() {
		lm.releaseRowQuiet(txn, held.Mode, held.OID, held.RID)
	}
}

func (lm *LockManager) releaseTableQuiet(txn *transaction.Transaction, mode transaction.LockMode, oid pagemanager.TableOID) {
	lm.tableLockMapMu.Lock()
	q, ok := lm.tableLockMap[oid]
	if !ok {
		lm.tableLockMapMu.Unlock()
		return
	}
	q.mu.Lock()
	lm.tableLockMapMu.Unlock()
	for _, r := range q.requests {
		if r.granted && r.txnID == txn.ID() && r.mode == mode {
			q.remove(r)
			txn.RemoveTableLock(mode, oid)
			q.cond.Broadcast()
			break
		}
	}
	q.mu.Unlock()
}

func (lm *LockManager) releaseRowQuiet(txn *transaction.Transaction, mode transaction.LockMode, oid pagemanager.TableOID, rid pagemanager.RID) {
	lm.rowLockMapMu.Lock()
	q, ok := lm.rowLockMap[rid]
	if !ok {
		lm.rowLockMapMu.Unlock()
		return
	}
	q.mu.Lock()
	lm.rowLockMapMu.Unlock()
	for _, r := range q.requests {
		if r.granted && r.txnID == txn.ID() && r.mode == mode {
			q.remove(r)
			txn.RemoveRowLock(mode, oid, rid)
			q.cond.Broadcast()
			break
		}
	}
	q.mu.Unlock()
}
