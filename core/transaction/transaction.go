// Package transaction defines transactions as the lock manager sees them:
// an id, an isolation level, a two-phase-locking state and the sets of locks
// currently held at table and row granularity.
package transaction

import (
	"fmt"
	"sync"

	pagemanager "github.com/vajradb/vajradb/core/write_engine/page_manager"
)

// TxnID identifies a transaction. Ids are handed out monotonically, so the
// largest id in a deadlock cycle is the youngest participant.
type TxnID int64

// InvalidTxnID marks "no transaction".
const InvalidTxnID TxnID = -1

// State is the two-phase-locking state of a transaction.
type State int

const (
	StateGrowing State = iota
	StateShrinking
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateGrowing:
		return "GROWING"
	case StateShrinking:
		return "SHRINKING"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsolationLevel selects which pre-flight lock checks apply.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	case ReadCommitted:
		return "READ_COMMITTED"
	case RepeatableRead:
		return "REPEATABLE_READ"
	default:
		return fmt.Sprintf("IsolationLevel(%d)", int(l))
	}
}

// AbortReason enumerates why the lock manager aborted a transaction.
type AbortReason int

const (
	AbortLockSharedOnReadUncommitted AbortReason = iota
	AbortLockOnShrinking
	AbortUpgradeConflict
	AbortIncompatibleUpgrade
	AbortAttemptedUnlockButNoLockHeld
	AbortTableLockNotPresent
	AbortTableUnlockedBeforeUnlockingRows
)

func (r AbortReason) String() string {
	switch r {
	case AbortLockSharedOnReadUncommitted:
		return "LOCK_SHARED_ON_READ_UNCOMMITTED"
	case AbortLockOnShrinking:
		return "LOCK_ON_SHRINKING"
	case AbortUpgradeConflict:
		return "UPGRADE_CONFLICT"
	case AbortIncompatibleUpgrade:
		return "INCOMPATIBLE_UPGRADE"
	case AbortAttemptedUnlockButNoLockHeld:
		return "ATTEMPTED_UNLOCK_BUT_NO_LOCK_HELD"
	case AbortTableLockNotPresent:
		return "TABLE_LOCK_NOT_PRESENT"
	case AbortTableUnlockedBeforeUnlockingRows:
		return "TABLE_UNLOCKED_BEFORE_UNLOCKING_ROWS"
	default:
		return fmt.Sprintf("AbortReason(%d)", int(r))
	}
}

// AbortError is raised by lock operations after they set the transaction
// state to ABORTED.
type AbortError struct {
	TxnID  TxnID
	Reason AbortReason
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("transaction %d aborted: %s", e.TxnID, e.Reason)
}

// Transaction is the unit of locking. The lock sets are maintained by the
// lock manager under the transaction's own mutex.
type Transaction struct {
	mu        sync.Mutex
	id        TxnID
	isolation IsolationLevel
	state     State

	sharedTableLocks                   map[pagemanager.TableOID]struct{}
	exclusiveTableLocks                map[pagemanager.TableOID]struct{}
	intentionSharedTableLocks          map[pagemanager.TableOID]struct{}
	intentionExclusiveTableLocks       map[pagemanager.TableOID]struct{}
	sharedIntentionExclusiveTableLocks map[pagemanager.TableOID]struct{}
	sharedRowLocks                     map[pagemanager.TableOID]map[pagemanager.RID]struct{}
	exclusiveRowLocks                  map[pagemanager.TableOID]map[pagemanager.RID]struct{}
}

// New creates a transaction in the growing state.
func New(id TxnID, isolation IsolationLevel) *Transaction {
	return &Transaction{
		id:                                 id,
		isolation:                          isolation,
		state:                              StateGrowing,
		sharedTableLocks:                   make(map[pagemanager.TableOID]struct{}),
		exclusiveTableLocks:                make(map[pagemanager.TableOID]struct{}),
		intentionSharedTableLocks:          make(map[pagemanager.TableOID]struct{}),
		intentionExclusiveTableLocks:       make(map[pagemanager.TableOID]struct{}),
		sharedIntentionExclusiveTableLocks: make(map[pagemanager.TableOID]struct{}),
		sharedRowLocks:                     make(map[pagemanager.TableOID]map[pagemanager.RID]struct{}),
		exclusiveRowLocks:                  make(map[pagemanager.TableOID]map[pagemanager.RID]struct{}),
	}
}

func (t *Transaction) ID() TxnID                      { return t.id }
func (t *Transaction) IsolationLevel() IsolationLevel { return t.isolation }

// State returns the current 2PL state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the 2PL state.
func (t *Transaction) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// SetShrinkingIfGrowing moves a growing transaction to shrinking, leaving
// terminal states alone.
func (t *Transaction) SetShrinkingIfGrowing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateGrowing {
		t.state = StateShrinking
	}
}

// AddTableLock records a granted table lock of the given mode.
func (t *Transaction) AddTableLock(mode LockMode, oid pagemanager.TableOID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tableLockSet(mode)[oid] = struct{}{}
}

// RemoveTableLock forgets a released table lock.
func (t *Transaction) RemoveTableLock(mode LockMode, oid pagemanager.TableOID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tableLockSet(mode), oid)
}

// AddRowLock records a granted row lock.
func (t *Transaction) AddRowLock(mode LockMode, oid pagemanager.TableOID, rid pagemanager.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.rowLockSet(mode)
	if set[oid] == nil {
		set[oid] = make(map[pagemanager.RID]struct{})
	}
	set[oid][rid] = struct{}{}
}

// RemoveRowLock forgets a released row lock.
func (t *Transaction) RemoveRowLock(mode LockMode, oid pagemanager.TableOID, rid pagemanager.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rows := t.rowLockSet(mode)[oid]; rows != nil {
		delete(rows, rid)
	}
}

// IsTableLocked reports whether the transaction holds a table lock of mode on oid.
func (t *Transaction) IsTableLocked(mode LockMode, oid pagemanager.TableOID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tableLockSet(mode)[oid]
	return ok
}

// HoldsRowLocksOnTable reports whether any row of oid is still locked.
func (t *Transaction) HoldsRowLocksOnTable(oid pagemanager.TableOID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sharedRowLocks[oid]) > 0 || len(t.exclusiveRowLocks[oid]) > 0
}

// HeldTableLock describes one granted table lock.
type HeldTableLock struct {
	Mode LockMode
	OID  pagemanager.TableOID
}

// HeldRowLock describes one granted row lock.
type HeldRowLock struct {
	Mode LockMode
	OID  pagemanager.TableOID
	RID  pagemanager.RID
}

// HeldTableLocks snapshots every granted table lock.
func (t *Transaction) HeldTableLocks() []HeldTableLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	var held []HeldTableLock
	for _, mode := range []LockMode{
		LockModeIntentionShared, LockModeIntentionExclusive, LockModeShared,
		LockModeSharedIntentionExclusive, LockModeExclusive,
	} {
		for oid := range t.tableLockSet(mode) {
			held = append(held, HeldTableLock{Mode: mode, OID: oid})
		}
	}
	return held
}

// HeldRowLocks snapshots every granted row lock.
func (t *Transaction) HeldRowLocks() []HeldRowLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	var held []HeldRowLock
	for _, mode := range []LockMode{LockModeShared, LockModeExclusive} {
		for oid, rows := range t.rowLockSet(mode) {
			for rid := range rows {
				held = append(held, HeldRowLock{Mode: mode, OID: oid, RID: rid})
			}
		}
	}
	return held
}

func (t *Transaction) tableLockSet(mode LockMode) map[pagemanager.TableOID]struct{} {
	switch mode {
	case LockModeShared:
		return t.sharedTableLocks
	case LockModeExclusive:
		return t.exclusiveTableLocks
	case LockModeIntentionShared:
		return t.intentionSharedTableLocks
	case LockModeIntentionExclusive:
		return t.intentionExclusiveTableLocks
	case LockModeSharedIntentionExclusive:
		return t.sharedIntentionExclusiveTableLocks
	default:
		panic(fmt.Sprintf("transaction: unknown table lock mode %v", mode))
	}
}

func (t *Transaction) rowLockSet(mode LockMode) map[pagemanager.TableOID]map[pagemanager.RID]struct{} {
	switch mode {
	case LockModeShared:
		return t.sharedRowLocks
	case LockModeExclusive:
		return t.exclusiveRowLocks
	default:
		panic(fmt.Sprintf("transaction: unknown row lock mode %v", mode))
	}
}
