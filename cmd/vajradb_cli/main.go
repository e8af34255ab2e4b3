// Command vajradb_cli is an interactive shell over a local VajraDB engine:
// put/get/del against a named B+tree index, plus forward scans.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vajradb/vajradb/config"
	"github.com/vajradb/vajradb/core/indexing/btree"
	storageengine "github.com/vajradb/vajradb/core/storage_engine"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		dataDir    = flag.String("data", "", "data directory (overrides config)")
		indexName  = flag.String("index", "default", "index to operate on")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	cfg.Logger.Format = "console"
	cfg.Logger.OutputFile = "stderr"

	engine, err := storageengine.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	index, err := storageengine.OpenIndex(engine, *indexName,
		btree.DefaultKeyOrder[string],
		btree.KeyValueSerializer[string, string]{
			SerializeKey:     btree.SerializeString,
			DeserializeKey:   btree.DeserializeString,
			SerializeValue:   btree.SerializeString,
			DeserializeValue: btree.DeserializeString,
		})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open index %q: %v\n", *indexName, err)
		os.Exit(1)
	}

	sessionID := uuid.NewString()
	engine.Logger().Info("cli session started",
		zap.String("session_id", sessionID),
		zap.String("index", *indexName))

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "vajradb> ",
		HistoryFile:     os.TempDir() + "/vajradb_cli_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Println("VajraDB shell. Type 'help' for commands.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if done := dispatch(engine, index, strings.Fields(strings.TrimSpace(line))); done {
			break
		}
	}
}

func dispatch(engine *storageengine.Engine, index *btree.BTree[string, string], args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "put":
		if len(args) != 3 {
			fmt.Println("usage: put <key> <value>")
			return false
		}
		inserted, err := index.Insert(args[1], args[2])
		switch {
		case err != nil:
			fmt.Printf("error: %v\n", err)
		case !inserted:
			fmt.Println("duplicate key")
		default:
			fmt.Println("ok")
		}
	case "get":
		if len(args) != 2 {
			fmt.Println("usage: get <key>")
			return false
		}
		value, found, err := index.GetValue(args[1])
		switch {
		case err != nil:
			fmt.Printf("error: %v\n", err)
		case !found:
			fmt.Println("not found")
		default:
			fmt.Println(value)
		}
	case "del":
		if len(args) != 2 {
			fmt.Println("usage: del <key>")
			return false
		}
		if err := index.Remove(args[1]); err != nil {
			fmt.Printf("error: %v\n", err)
		} else {
			fmt.Println("ok")
		}
	case "scan":
		scan(index, args[1:])
	case "root":
		fmt.Printf("root page id: %d\n", index.GetRootPageID())
	case "stats":
		s := engine.Stats()
		fmt.Printf("pool size:        %d frames x %d bytes\n", s.PoolSize, s.PageSize)
		fmt.Printf("free frames:      %d\n", s.FreeFrames)
		fmt.Printf("evictable frames: %d\n", s.EvictableFrames)
		fmt.Printf("pinned pages:     %d\n", s.PinnedPages)
		fmt.Printf("dirty pages:      %d\n", s.DirtyPages)
		fmt.Printf("next page id:     %d\n", s.NextPageID)
		fmt.Printf("index root:       %d\n", index.GetRootPageID())
	case "help":
		fmt.Println("commands: put <k> <v> | get <k> | del <k> | scan [start] [limit] | root | stats | exit")
	case "exit", "quit":
		return true
	default:
		fmt.Printf("unknown command %q; try 'help'\n", args[0])
	}
	return false
}

func scan(index *btree.BTree[string, string], args []string) {
	limit := 100
	var it *btree.Iterator[string, string]
	var err error
	switch len(args) {
	case 0:
		it, err = index.Begin()
	case 1:
		it, err = index.BeginAt(args[0])
	case 2:
		it, err = index.BeginAt(args[0])
		if n, convErr := strconv.Atoi(args[1]); convErr == nil {
			limit = n
		}
	default:
		fmt.Println("usage: scan [start] [limit]")
		return
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	defer it.Close()
	count := 0
	for !it.IsEnd() && count < limit {
		fmt.Printf("%s = %s\n", it.Key(), it.Value())
		count++
		if err := it.Next(); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
	}
	fmt.Printf("(%d entries)\n", count)
}
