// Package storageengine wires the storage core together: configuration,
// logging, telemetry, disk manager, buffer pool, transactions and the lock
// manager.
package storageengine

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/vajradb/vajradb/config"
	"github.com/vajradb/vajradb/core/concurrency"
	"github.com/vajradb/vajradb/core/indexing/btree"
	transaction "github.com/vajradb/vajradb/core/transaction"
	"github.com/vajradb/vajradb/core/write_engine/bufferpool"
	flushmanager "github.com/vajradb/vajradb/core/write_engine/flush_manager"
	internaltelemetry "github.com/vajradb/vajradb/internal/telemetry"
	"github.com/vajradb/vajradb/pkg/logger"
	"github.com/vajradb/vajradb/pkg/telemetry"
)

// DatabaseFileName is the single data file inside the configured data dir.
const DatabaseFileName = "vajra.db"

// Engine owns the storage core's lifecycle.
type Engine struct {
	cfg               config.Config
	logger            *zap.Logger
	telemetryShutdown telemetry.ShutdownFunc
	metrics           *internaltelemetry.StorageMetrics
	diskManager       *flushmanager.DiskManager
	bufferPool        *bufferpool.BufferPoolManager
	txnManager        *transaction.Manager
	lockManager       *concurrency.LockManager
}

// Open builds an engine from the configuration and starts the deadlock
// detector.
func Open(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := internaltelemetry.NewStorageMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to register storage metrics: %w", err)
	}

	dbPath := filepath.Join(cfg.Storage.DataDir, DatabaseFileName)
	dm, err := flushmanager.NewDiskManager(dbPath, cfg.Storage.PageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open database file: %w", err)
	}

	bpm := bufferpool.NewBufferPoolManager(cfg.Storage.PoolSize, dm, zlog, bufferpool.Options{
		ReplacerK:           cfg.Storage.ReplacerK,
		HashTableBucketSize: cfg.Storage.HashTableBucketSize,
		Metrics:             metrics,
	})

	txnMgr := transaction.NewManager(zlog)
	lockMgr := concurrency.NewLockManager(txnMgr, concurrency.Options{
		DeadlockDetectInterval: cfg.Concurrency.DeadlockDetectInterval,
		Logger:                 zlog,
		Metrics:                metrics,
	})
	lockMgr.StartDeadlockDetection()

	e := &Engine{
		cfg:               cfg,
		logger:            zlog,
		telemetryShutdown: telShutdown,
		metrics:           metrics,
		diskManager:       dm,
		bufferPool:        bpm,
		txnManager:        txnMgr,
		lockManager:       lockMgr,
	}
	zlog.Info("engine opened", zap.String("db_path", dbPath))
	return e, nil
}

// Close stops background work, flushes every resident page and closes the
// database file.
func (e *Engine) Close() error {
	e.lockManager.StopDeadlockDetection()
	var firstErr error
	if err := e.bufferPool.FlushAllPages(); err != nil {
		firstErr = err
	}
	if err := e.diskManager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.telemetryShutdown(context.Background()); err != nil && firstErr == nil {
		firstErr = err
	}
	e.logger.Info("engine closed")
	_ = e.logger.Sync()
	return firstErr
}

// BufferPool exposes the buffer pool manager.
func (e *Engine) BufferPool() *bufferpool.BufferPoolManager { return e.bufferPool }

// LockManager exposes the lock manager.
func (e *Engine) LockManager() *concurrency.LockManager { return e.lockManager }

// TxnManager exposes the transaction manager.
func (e *Engine) TxnManager() *transaction.Manager { return e.txnManager }

// Logger exposes the root logger.
func (e *Engine) Logger() *zap.Logger { return e.logger }

// Stats snapshots buffer pool occupancy.
func (e *Engine) Stats() bufferpool.Stats {
	return e.bufferPool.Stats()
}

// Begin starts a transaction.
func (e *Engine) Begin(isolation transaction.IsolationLevel) *transaction.Transaction {
	return e.txnManager.Begin(isolation)
}

// Commit commits a transaction, releasing all of its locks.
func (e *Engine) Commit(txn *transaction.Transaction) {
	e.txnManager.Commit(txn, e.lockManager)
}

// Abort aborts a transaction, releasing all of its locks.
func (e *Engine) Abort(txn *transaction.Transaction) {
	e.txnManager.Abort(txn, e.lockManager)
}

// OpenIndex opens or creates the named B+tree index on the engine's buffer
// pool. The root page id is recovered from the header page when the index
// already exists.
func OpenIndex[K any, V any](
	e *Engine,
	name string,
	keyOrder btree.Order[K],
	kvSerializer btree.KeyValueSerializer[K, V],
) (*btree.BTree[K, V], error) {
	return btree.NewBTree(
		name,
		e.bufferPool,
		keyOrder,
		kvSerializer,
		e.cfg.Storage.LeafMaxSize,
		e.cfg.Storage.InternalMaxSize,
		e.logger,
	)
}
