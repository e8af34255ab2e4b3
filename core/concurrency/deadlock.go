package concurrency

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	transaction "github.com/vajradb/vajradb/core/transaction"
)

// AddEdge records that t1 waits on a lock granted to t2. Edges are kept
// sorted so the depth-first search is deterministic.
func (lm *LockManager) AddEdge(t1, t2 transaction.TxnID) {
	lm.graphMu.Lock()
	defer lm.graphMu.Unlock()
	lm.addEdgeLocked(t1, t2)
}

func (lm *LockManager) addEdgeLocked(t1, t2 transaction.TxnID) {
	lm.nodes[t1] = struct{}{}
	lm.nodes[t2] = struct{}{}
	adj := lm.waitsFor[t1]
	i := sort.Search(len(adj), func(i int) bool { return adj[i] >= t2 })
	if i < len(adj) && adj[i] == t2 {
		return
	}
	adj = append(adj, 0)
	copy(adj[i+1:], adj[i:])
	adj[i] = t2
	lm.waitsFor[t1] = adj
}

// RemoveEdge deletes the t1 -> t2 edge if present.
func (lm *LockManager) RemoveEdge(t1, t2 transaction.TxnID) {
	lm.graphMu.Lock()
	defer lm.graphMu.Unlock()
	lm.removeEdgeLocked(t1, t2)
}

func (lm *LockManager) removeEdgeLocked(t1, t2 transaction.TxnID) {
	adj, ok := lm.waitsFor[t1]
	if !ok {
		return
	}
	i := sort.Search(len(adj), func(i int) bool { return adj[i] >= t2 })
	if i < len(adj) && adj[i] == t2 {
		lm.waitsFor[t1] = append(adj[:i], adj[i+1:]...)
	}
}

// GetEdgeList snapshots the waits-for graph as (from, to) pairs.
func (lm *LockManager) GetEdgeList() [][2]transaction.TxnID {
	lm.graphMu.Lock()
	defer lm.graphMu.Unlock()
	var edges [][2]transaction.TxnID
	for u, adj := range lm.waitsFor {
		for _, v := range adj {
			edges = append(edges, [2]transaction.TxnID{u, v})
		}
	}
	return edges
}

// HasCycle searches the waits-for graph depth-first in ascending txn-id
// order. When a back-edge closes a cycle it reports the youngest (largest id)
// transaction on that cycle as the victim.
func (lm *LockManager) HasCycle() (transaction.TxnID, bool) {
	lm.graphMu.Lock()
	defer lm.graphMu.Unlock()
	return lm.hasCycleLocked(make(map[transaction.TxnID]struct{}))
}

func (lm *LockManager) hasCycleLocked(acyclic map[transaction.TxnID]struct{}) (transaction.TxnID, bool) {
	nodes := make([]transaction.TxnID, 0, len(lm.nodes))
	for u := range lm.nodes {
		nodes = append(nodes, u)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	for _, u := range nodes {
		if _, ok := acyclic[u]; ok {
			continue
		}
		mark := make(map[transaction.TxnID]struct{})
		entry := transaction.InvalidTxnID
		victim := transaction.InvalidTxnID
		lm.dfs(u, mark, acyclic, &entry, &victim)
		if victim != transaction.InvalidTxnID {
			return victim, true
		}
	}
	return transaction.InvalidTxnID, false
}

// dfs explores from u. entry carries the node that closed the cycle; victim
// accumulates the maximum txn id seen while unwinding the cycle.
func (lm *LockManager) dfs(u transaction.TxnID, mark, acyclic map[transaction.TxnID]struct{},
	entry, victim *transaction.TxnID) {

	mark[u] = struct{}{}
	for _, v := range lm.waitsFor[u] {
		if _, ok := acyclic[v]; ok {
			continue
		}
		if _, ok := mark[v]; ok {
			*entry = v
			*victim = u
			return
		}
		lm.dfs(v, mark, acyclic, entry, victim)
		if *victim != transaction.InvalidTxnID {
			if *entry != transaction.InvalidTxnID {
				if u > *victim {
					*victim = u
				}
				if *entry == u {
					// Unwound back to where the cycle closed; nodes above
					// this point are outside the cycle.
					*entry = transaction.InvalidTxnID
				}
			}
			return
		}
	}
	delete(mark, u)
	acyclic[u] = struct{}{}
}

// StartDeadlockDetection launches the background detector at the configured
// interval.
func (lm *LockManager) StartDeadlockDetection() {
	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		ticker := time.NewTicker(lm.detectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-lm.stopCh:
				return
			case <-ticker.C:
				lm.runDetectionPass()
			}
		}
	}()
	lm.logger.Info("deadlock detector started", zap.Duration("interval", lm.detectInterval))
}

// StopDeadlockDetection stops the detector and waits for it to exit.
func (lm *LockManager) StopDeadlockDetection() {
	lm.stopOnce.Do(func() { close(lm.stopCh) })
	lm.wg.Wait()
}

// runDetectionPass freezes the lock maps, builds the waits-for graph (every
// ungranted request points at every granted request in its queue), then
// aborts the youngest member of each cycle until the graph is acyclic. Each
// victim's queues are notified so its waiters wake and observe the abort.
func (lm *LockManager) runDetectionPass() {
	waiterQueues := make(map[transaction.TxnID][]*lockRequestQueue)

	lm.graphMu.Lock()
	lm.tableLockMapMu.Lock()
	lm.rowLockMapMu.Lock()
	for _, q := range lm.tableLockMap {
		lm.collectEdges(q, waiterQueues)
	}
	for _, q := range lm.rowLockMap {
		lm.collectEdges(q, waiterQueues)
	}
	lm.rowLockMapMu.Unlock()
	lm.tableLockMapMu.Unlock()

	acyclic := make(map[transaction.TxnID]struct{})
	for {
		victim, found := lm.hasCycleLocked(acyclic)
		if !found {
			break
		}
		lm.logger.Info("deadlock victim selected", zap.Int64("txn_id", int64(victim)))
		if lm.metrics != nil {
			lm.metrics.DeadlockVictimCounter.Add(context.Background(), 1)
		}
		if txn := lm.txns.Get(victim); txn != nil {
			txn.SetState(transaction.StateAborted)
		}
		delete(lm.waitsFor, victim)
		delete(lm.nodes, victim)
		for u := range lm.nodes {
			lm.removeEdgeLocked(u, victim)
		}
		// The acyclic set may contain nodes whose cycles ran through the
		// victim; rebuild it from scratch for the next round.
		acyclic = make(map[transaction.TxnID]struct{})

		for _, q := range waiterQueues[victim] {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		}
	}

	lm.waitsFor = make(map[transaction.TxnID][]transaction.TxnID)
	lm.nodes = make(map[transaction.TxnID]struct{})
	lm.graphMu.Unlock()
}

// collectEdges adds one queue's waits-for edges. Callers hold the map
// latches; the queue latch is taken here.
func (lm *LockManager) collectEdges(q *lockRequestQueue, waiterQueues map[transaction.TxnID][]*lockRequestQueue) {
	q.mu.Lock()
	var granted []transaction.TxnID
	for _, r := range q.requests {
		if r.granted {
			granted = append(granted, r.txnID)
			continue
		}
		for _, holder := range granted {
			lm.addEdgeLocked(r.txnID, holder)
		}
		waiterQueues[r.txnID] = append(waiterQueues[r.txnID], q)
	}
	q.mu.Unlock()
}
