package concurrency

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	transaction "github.com/vajradb/vajradb/core/transaction"
	pagemanager "github.com/vajradb/vajradb/core/write_engine/page_manager"
)

func setupLockManager(t *testing.T) (*LockManager, *transaction.Manager) {
	t.Helper()
	txns := transaction.NewManager(nil)
	lm := NewLockManager(txns, Options{DeadlockDetectInterval: 25 * time.Millisecond})
	return lm, txns
}

func requireAbortReason(t *testing.T, err error, reason transaction.AbortReason) {
	t.Helper()
	var abortErr *transaction.AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, reason, abortErr.Reason)
}

const tableA pagemanager.TableOID = 1

// TestLockManager_BasicSharedAndExclusive exercises grant and release of
// compatible and conflicting table locks.
func TestLockManager_BasicSharedAndExclusive(t *testing.T) {
	lm, txns := setupLockManager(t)
	t1 := txns.Begin(transaction.RepeatableRead)
	t2 := txns.Begin(transaction.RepeatableRead)

	ok, err := lm.LockTable(t1, transaction.LockModeShared, tableA)
	require.NoError(t, err)
	require.True(t, ok)

	// A second shared lock coexists.
	ok, err = lm.LockTable(t2, transaction.LockModeShared, tableA)
	require.NoError(t, err)
	require.True(t, ok)

	// Re-requesting the held mode is a no-op success.
	ok, err = lm.LockTable(t1, transaction.LockModeShared, tableA)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lm.UnlockTable(t2, tableA)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, transaction.StateShrinking, t2.State())

	ok, err = lm.UnlockTable(t1, tableA)
	require.NoError(t, err)
	require.True(t, ok)
}

// TestLockManager_CompatibilityMatrix checks every pair of the five modes
// against the matrix by probing grantability with two transactions.
func TestLockManager_CompatibilityMatrix(t *testing.T) {
	modes := []transaction.LockMode{
		transaction.LockModeIntentionShared,
		transaction.LockModeIntentionExclusive,
		transaction.LockModeShared,
		transaction.LockModeSharedIntentionExclusive,
		transaction.LockModeExclusive,
	}
	want := map[[2]transaction.LockMode]bool{
		{transaction.LockModeIntentionShared, transaction.LockModeIntentionShared}:                   true,
		{transaction.LockModeIntentionShared, transaction.LockModeIntentionExclusive}:                true,
		{transaction.LockModeIntentionShared, transaction.LockModeShared}:                            true,
		{transaction.LockModeIntentionShared, transaction.LockModeSharedIntentionExclusive}:          true,
		{transaction.LockModeIntentionShared, transaction.LockModeExclusive}:                         false,
		{transaction.LockModeIntentionExclusive, transaction.LockModeIntentionShared}:                true,
		{transaction.LockModeIntentionExclusive, transaction.LockModeIntentionExclusive}:             true,
		{transaction.LockModeIntentionExclusive, transaction.LockModeShared}:                         false,
		{transaction.LockModeIntentionExclusive, transaction.LockModeSharedIntentionExclusive}:       false,
		{transaction.LockModeIntentionExclusive, transaction.LockModeExclusive}:                      false,
		{transaction.LockModeShared, transaction.LockModeIntentionShared}:                            true,
		{transaction.LockModeShared, transaction.LockModeIntentionExclusive}:                         false,
		{transaction.LockModeShared, transaction.LockModeShared}:                                     true,
		{transaction.LockModeShared, transaction.LockModeSharedIntentionExclusive}:                   false,
		{transaction.LockModeShared, transaction.LockModeExclusive}:                                  false,
		{transaction.LockModeSharedIntentionExclusive, transaction.LockModeIntentionShared}:          true,
		{transaction.LockModeSharedIntentionExclusive, transaction.LockModeIntentionExclusive}:       false,
		{transaction.LockModeSharedIntentionExclusive, transaction.LockModeShared}:                   false,
		{transaction.LockModeSharedIntentionExclusive, transaction.LockModeSharedIntentionExclusive}: false,
		{transaction.LockModeSharedIntentionExclusive, transaction.LockModeExclusive}:                false,
		{transaction.LockModeExclusive, transaction.LockModeIntentionShared}:                         false,
		{transaction.LockModeExclusive, transaction.LockModeIntentionExclusive}:                      false,
		{transaction.LockModeExclusive, transaction.LockModeShared}:                                  false,
		{transaction.LockModeExclusive, transaction.LockModeSharedIntentionExclusive}:                false,
		{transaction.LockModeExclusive, transaction.LockModeExclusive}:                               false,
	}
	for _, held := range modes {
		for _, requested := range modes {
			assert.Equal(t, want[[2]transaction.LockMode{held, requested}],
				compatible(requested, held),
				"held=%v requested=%v", held, requested)
		}
	}
}

// TestLockManager_UpgradePaths walks allowed and forbidden upgrades.
func TestLockManager_UpgradePaths(t *testing.T) {
	lm, txns := setupLockManager(t)

	// IS -> X is a legal upgrade.
	t1 := txns.Begin(transaction.RepeatableRead)
	ok, err := lm.LockTable(t1, transaction.LockModeIntentionShared, tableA)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = lm.LockTable(t1, transaction.LockModeExclusive, tableA)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, t1.IsTableLocked(transaction.LockModeExclusive, tableA))
	require.False(t, t1.IsTableLocked(transaction.LockModeIntentionShared, tableA))
	ok, err = lm.UnlockTable(t1, tableA)
	require.NoError(t, err)
	require.True(t, ok)

	// S -> IX is incompatible and aborts.
	t2 := txns.Begin(transaction.RepeatableRead)
	ok, err = lm.LockTable(t2, transaction.LockModeShared, tableA)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = lm.LockTable(t2, transaction.LockModeIntentionExclusive, tableA)
	requireAbortReason(t, err, transaction.AbortIncompatibleUpgrade)
	require.Equal(t, transaction.StateAborted, t2.State())
}

// TestLockManager_UpgradeConflict verifies that only one upgrade may be
// pending per queue.
func TestLockManager_UpgradeConflict(t *testing.T) {
	lm, txns := setupLockManager(t)
	t1 := txns.Begin(transaction.RepeatableRead)
	t2 := txns.Begin(transaction.RepeatableRead)
	t3 := txns.Begin(transaction.RepeatableRead)

	for _, txn := range []*transaction.Transaction{t1, t2, t3} {
		ok, err := lm.LockTable(txn, transaction.LockModeShared, tableA)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// t2's upgrade to X must wait behind t1 and t3's shared grants.
	upgradeErr := make(chan error, 1)
	go func() {
		_, err := lm.LockTable(t2, transaction.LockModeExclusive, tableA)
		upgradeErr <- err
	}()
	time.Sleep(100 * time.Millisecond)

	// A second upgrade on the same queue aborts immediately.
	_, err := lm.LockTable(t3, transaction.LockModeExclusive, tableA)
	requireAbortReason(t, err, transaction.AbortUpgradeConflict)

	// Releasing the other shared holders lets t2's upgrade through. t3's
	// abort left its grant in place, so release it too.
	lm.ReleaseAll(t3)
	ok, err := lm.UnlockTable(t1, tableA)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, <-upgradeErr)
	require.True(t, t2.IsTableLocked(transaction.LockModeExclusive, tableA))
}

// TestLockManager_IsolationPreflight covers the isolation-level rules.
func TestLockManager_IsolationPreflight(t *testing.T) {
	lm, txns := setupLockManager(t)

	// READ_UNCOMMITTED forbids shared-family locks.
	ru := txns.Begin(transaction.ReadUncommitted)
	_, err := lm.LockTable(ru, transaction.LockModeShared, tableA)
	requireAbortReason(t, err, transaction.AbortLockSharedOnReadUncommitted)

	// REPEATABLE_READ: releasing S moves to shrinking, and shrinking
	// transactions may not lock.
	rr := txns.Begin(transaction.RepeatableRead)
	ok, err := lm.LockTable(rr, transaction.LockModeShared, tableA)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = lm.UnlockTable(rr, tableA)
	require.NoError(t, err)
	require.Equal(t, transaction.StateShrinking, rr.State())
	_, err = lm.LockTable(rr, transaction.LockModeShared, tableA)
	requireAbortReason(t, err, transaction.AbortLockOnShrinking)

	// READ_COMMITTED: releasing S does not shrink; releasing X does, but IS
	// and S stay permitted afterwards while IX does not.
	rc := txns.Begin(transaction.ReadCommitted)
	ok, err = lm.LockTable(rc, transaction.LockModeShared, tableA)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = lm.UnlockTable(rc, tableA)
	require.NoError(t, err)
	require.Equal(t, transaction.StateGrowing, rc.State())
	ok, err = lm.LockTable(rc, transaction.LockModeExclusive, tableA)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = lm.UnlockTable(rc, tableA)
	require.NoError(t, err)
	require.Equal(t, transaction.StateShrinking, rc.State())
	ok, err = lm.LockTable(rc, transaction.LockModeShared, tableA)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = lm.LockTable(rc, transaction.LockModeIntentionExclusive, tableA)
	requireAbortReason(t, err, transaction.AbortLockOnShrinking)
}

// TestLockManager_RowLockRules covers row-level pre-flight checks and the
// unlock-rows-before-table rule.
func TestLockManager_RowLockRules(t *testing.T) {
	lm, txns := setupLockManager(t)
	rid := pagemanager.NewRID(3, 7)

	// Row X without a write-intent table lock aborts.
	t1 := txns.Begin(transaction.RepeatableRead)
	_, err := lm.LockRow(t1, transaction.LockModeExclusive, tableA, rid)
	requireAbortReason(t, err, transaction.AbortTableLockNotPresent)

	// With IX on the table the row X is granted, and the table cannot be
	// unlocked while the row lock is held.
	t2 := txns.Begin(transaction.RepeatableRead)
	ok, err := lm.LockTable(t2, transaction.LockModeIntentionExclusive, tableA)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = lm.LockRow(t2, transaction.LockModeExclusive, tableA, rid)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = lm.UnlockTable(t2, tableA)
	requireAbortReason(t, err, transaction.AbortTableUnlockedBeforeUnlockingRows)

	// Intention modes at row granularity are a programming error.
	t3 := txns.Begin(transaction.RepeatableRead)
	require.Panics(t, func() {
		lm.LockRow(t3, transaction.LockModeIntentionShared, tableA, rid)
	})

	// Unlocking a lock that is not held aborts.
	t4 := txns.Begin(transaction.RepeatableRead)
	_, err = lm.UnlockRow(t4, tableA, pagemanager.NewRID(9, 9))
	requireAbortReason(t, err, transaction.AbortAttemptedUnlockButNoLockHeld)
}

// TestLockManager_FIFOGrantOrder is the queue-discipline seed: with an X held,
// a waiting X must be granted before a later S, even though the S would be
// compatible with the original holder's release.
func TestLockManager_FIFOGrantOrder(t *testing.T) {
	lm, txns := setupLockManager(t)
	a := txns.Begin(transaction.RepeatableRead)
	b := txns.Begin(transaction.RepeatableRead)
	c := txns.Begin(transaction.RepeatableRead)

	ok, err := lm.LockTable(a, transaction.LockModeExclusive, tableA)
	require.NoError(t, err)
	require.True(t, ok)

	var mu sync.Mutex
	var grants []transaction.TxnID
	record := func(id transaction.TxnID) {
		mu.Lock()
		grants = append(grants, id)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ok, err := lm.LockTable(b, transaction.LockModeExclusive, tableA)
		if err == nil && ok {
			record(b.ID())
			// Hold briefly so c observably waits behind b.
			time.Sleep(50 * time.Millisecond)
			lm.UnlockTable(b, tableA)
		}
	}()
	time.Sleep(100 * time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ok, err := lm.LockTable(c, transaction.LockModeShared, tableA)
		if err == nil && ok {
			record(c.ID())
			lm.UnlockTable(c, tableA)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	// a commits; b (first in queue) wins before c.
	txns.Commit(a, lm)
	wg.Wait()

	require.Equal(t, []transaction.TxnID{b.ID(), c.ID()}, grants)
}

// TestLockManager_SharedWaitersGrantTogether is the two-shared-waiters seed:
// both S requests queued behind an X are granted once it commits.
func TestLockManager_SharedWaitersGrantTogether(t *testing.T) {
	lm, txns := setupLockManager(t)
	a := txns.Begin(transaction.RepeatableRead)
	b := txns.Begin(transaction.RepeatableRead)
	c := txns.Begin(transaction.RepeatableRead)

	ok, err := lm.LockTable(a, transaction.LockModeExclusive, tableA)
	require.NoError(t, err)
	require.True(t, ok)

	granted := make(chan transaction.TxnID, 2)
	var wg sync.WaitGroup
	for _, txn := range []*transaction.Transaction{b, c} {
		wg.Add(1)
		go func(txn *transaction.Transaction) {
			defer wg.Done()
			ok, err := lm.LockTable(txn, transaction.LockModeShared, tableA)
			if err == nil && ok {
				granted <- txn.ID()
			}
		}(txn)
		time.Sleep(50 * time.Millisecond)
	}

	txns.Commit(a, lm)
	wg.Wait()
	close(granted)
	var ids []transaction.TxnID
	for id := range granted {
		ids = append(ids, id)
	}
	require.ElementsMatch(t, []transaction.TxnID{b.ID(), c.ID()}, ids)
}

// TestLockManager_WaitsForGraph unit-tests the graph primitives and the
// youngest-victim rule.
func TestLockManager_WaitsForGraph(t *testing.T) {
	lm, _ := setupLockManager(t)

	lm.AddEdge(0, 1)
	lm.AddEdge(1, 0)
	require.Len(t, lm.GetEdgeList(), 2)

	victim, found := lm.HasCycle()
	require.True(t, found)
	require.Equal(t, transaction.TxnID(1), victim)

	lm.RemoveEdge(1, 0)
	_, found = lm.HasCycle()
	require.False(t, found)

	// A longer cycle still surrenders its youngest member.
	lm.AddEdge(2, 3)
	lm.AddEdge(3, 4)
	lm.AddEdge(4, 2)
	victim, found = lm.HasCycle()
	require.True(t, found)
	require.Equal(t, transaction.TxnID(4), victim)

	// Duplicate edges collapse: (0,1), (2,3), (3,4), (4,2).
	lm.AddEdge(2, 3)
	require.Len(t, lm.GetEdgeList(), 4)
}

// TestLockManager_DeadlockDetection is the two-row deadlock seed: each
// transaction holds one row X and requests the other's. The detector must
// abort the youngest, letting the older finish.
func TestLockManager_DeadlockDetection(t *testing.T) {
	lm, txns := setupLockManager(t)
	lm.StartDeadlockDetection()
	defer lm.StopDeadlockDetection()

	r1 := pagemanager.NewRID(1, 1)
	r2 := pagemanager.NewRID(1, 2)

	a := txns.Begin(transaction.RepeatableRead)
	b := txns.Begin(transaction.RepeatableRead)
	for _, txn := range []*transaction.Transaction{a, b} {
		ok, err := lm.LockTable(txn, transaction.LockModeIntentionExclusive, tableA)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := lm.LockRow(a, transaction.LockModeExclusive, tableA, r1)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = lm.LockRow(b, transaction.LockModeExclusive, tableA, r2)
	require.NoError(t, err)
	require.True(t, ok)

	aDone := make(chan bool, 1)
	bDone := make(chan bool, 1)
	go func() {
		ok, _ := lm.LockRow(a, transaction.LockModeExclusive, tableA, r2)
		aDone <- ok
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		ok, _ := lm.LockRow(b, transaction.LockModeExclusive, tableA, r1)
		bDone <- ok
	}()

	// b is younger and must be the victim; its wait returns false.
	select {
	case got := <-bDone:
		require.False(t, got)
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock was not broken in time")
	}
	require.Equal(t, transaction.StateAborted, b.State())

	// Releasing the victim's locks unblocks a.
	txns.Abort(b, lm)
	select {
	case got := <-aDone:
		require.True(t, got)
	case <-time.After(5 * time.Second):
		t.Fatal("survivor did not acquire the contested row")
	}
	require.NotEqual(t, transaction.StateAborted, a.State())
	txns.Commit(a, lm)
}
