package transaction

import (
	"sync"

	"go.uber.org/zap"
)

// Releaser is the slice of the lock manager the transaction manager needs at
// commit/abort time: strict 2PL releases everything the transaction still
// holds.
type Releaser interface {
	ReleaseAll(txn *Transaction)
}

// Manager hands out transaction ids and tracks live transactions so the
// deadlock detector can resolve an id back to its transaction.
type Manager struct {
	mu     sync.Mutex
	nextID TxnID
	txns   map[TxnID]*Transaction
	logger *zap.Logger
}

// NewManager creates a transaction manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		txns:   make(map[TxnID]*Transaction),
		logger: logger.Named("txn"),
	}
}

// Begin starts a transaction at the given isolation level.
func (m *Manager) Begin(isolation IsolationLevel) *Transaction {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	txn := New(id, isolation)
	m.txns[id] = txn
	m.mu.Unlock()
	m.logger.Debug("transaction started",
		zap.Int64("txn_id", int64(id)),
		zap.String("isolation", isolation.String()))
	return txn
}

// Get resolves a transaction id. Returns nil for unknown ids.
func (m *Manager) Get(id TxnID) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txns[id]
}

// Commit releases all locks and finishes the transaction.
func (m *Manager) Commit(txn *Transaction, locks Releaser) {
	txn.SetState(StateCommitted)
	if locks != nil {
		locks.ReleaseAll(txn)
	}
	m.forget(txn)
	m.logger.Debug("transaction committed", zap.Int64("txn_id", int64(txn.ID())))
}

// Abort releases all locks and marks the transaction aborted.
func (m *Manager) Abort(txn *Transaction, locks Releaser) {
	txn.SetState(StateAborted)
	if locks != nil {
		locks.ReleaseAll(txn)
	}
	m.forget(txn)
	m.logger.Debug("transaction aborted", zap.Int64("txn_id", int64(txn.ID())))
}

func (m *Manager) forget(txn *Transaction) {
	m.mu.Lock()
	delete(m.txns, txn.ID())
	m.mu.Unlock()
}
