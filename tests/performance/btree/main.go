// A rate-limited load generator for the B+tree index: concurrent writers fill
// a key range, then concurrent readers verify it, reporting throughput.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vajradb/vajradb/config"
	"github.com/vajradb/vajradb/core/indexing/btree"
	storageengine "github.com/vajradb/vajradb/core/storage_engine"
	pagemanager "github.com/vajradb/vajradb/core/write_engine/page_manager"
)

func main() {
	var (
		dataDir = flag.String("data", "/tmp/vajradb-perf", "data directory")
		keys    = flag.Int("keys", 100000, "number of keys to insert")
		workers = flag.Int("workers", 8, "concurrent workers")
		qps     = flag.Float64("qps", 0, "operations per second across all workers (0 = unlimited)")
	)
	flag.Parse()

	cfg := config.Default()
	cfg.Storage.DataDir = *dataDir
	cfg.Storage.PoolSize = 1024
	cfg.Logger.Level = "error"
	cfg.Logger.Format = "console"
	cfg.Logger.OutputFile = "stderr"

	engine, err := storageengine.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	index, err := storageengine.OpenIndex(engine, "perf", btree.DefaultKeyOrder[uint64], btree.Uint64RIDSerializer())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open index: %v\n", err)
		os.Exit(1)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if *qps > 0 {
		limiter = rate.NewLimiter(rate.Limit(*qps), *workers)
	}

	logger := engine.Logger().Named("perf")
	write(index, limiter, *keys, *workers, logger)
	read(index, limiter, *keys, *workers, logger)
}

func write(index *btree.BTree[uint64, pagemanager.RID], limiter *rate.Limiter, keys, workers int, logger *zap.Logger) {
	var inserted atomic.Int64
	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for k := w; k < keys; k += workers {
				if err := limiter.Wait(context.Background()); err != nil {
					return
				}
				key := uint64(k)
				rid := pagemanager.NewRID(pagemanager.PageID(k/64+1), uint32(k%64))
				ok, err := index.Insert(key, rid)
				if err != nil {
					logger.Error("insert failed", zap.Uint64("key", key), zap.Error(err))
					return
				}
				if ok {
					inserted.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)
	fmt.Printf("write: %d keys in %s (%.0f ops/s)\n",
		inserted.Load(), elapsed, float64(inserted.Load())/elapsed.Seconds())
}

func read(index *btree.BTree[uint64, pagemanager.RID], limiter *rate.Limiter, keys, workers int, logger *zap.Logger) {
	var found atomic.Int64
	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for k := w; k < keys; k += workers {
				if err := limiter.Wait(context.Background()); err != nil {
					return
				}
				_, ok, err := index.GetValue(uint64(k))
				if err != nil {
					logger.Error("get failed", zap.Uint64("key", uint64(k)), zap.Error(err))
					return
				}
				if ok {
					found.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)
	fmt.Printf("read: %d/%d keys in %s (%.0f ops/s)\n",
		found.Load(), keys, elapsed, float64(keys)/elapsed.Seconds())
}
