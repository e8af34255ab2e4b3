package hashtable

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// identity hashing keeps directory indexes predictable in tests.
func identity(k int) uint64 { return uint64(k) }

// TestExtendibleHashTable_SplitAndGrow drives the bucket_size=2 scenario:
// inserting keys whose low bits collide forces local splits and directory
// doubling, and every key stays retrievable throughout.
func TestExtendibleHashTable_SplitAndGrow(t *testing.T) {
	h := NewExtendibleHashTable[int, string](2, identity)
	require.Equal(t, 0, h.GetGlobalDepth())
	require.Equal(t, 1, h.GetNumBuckets())

	h.Insert(0, "a")
	require.Equal(t, 0, h.GetGlobalDepth())

	// The bucket has room for both keys; no split yet.
	h.Insert(1, "b")
	require.Equal(t, 0, h.GetGlobalDepth())
	v, ok := h.Find(0)
	require.True(t, ok)
	require.Equal(t, "a", v)
	v, ok = h.Find(1)
	require.True(t, ok)
	require.Equal(t, "b", v)

	// Key 2 lands in the full bucket and splits it on the low bit.
	h.Insert(2, "c")
	require.Equal(t, 1, h.GetGlobalDepth())
	require.Equal(t, 2, h.GetNumBuckets())

	h.Insert(3, "d")
	for k, want := range map[int]string{0: "a", 1: "b", 2: "c", 3: "d"} {
		v, ok := h.Find(k)
		require.True(t, ok, "key %d", k)
		require.Equal(t, want, v)
	}

	// Key 4 collides with {0, 2} and forces a second doubling.
	h.Insert(4, "e")
	require.Equal(t, 2, h.GetGlobalDepth())
	require.Equal(t, 3, h.GetNumBuckets())
	for k, want := range map[int]string{0: "a", 1: "b", 2: "c", 3: "d", 4: "e"} {
		v, ok := h.Find(k)
		require.True(t, ok, "key %d", k)
		require.Equal(t, want, v)
	}
	for i := 0; i < 1<<h.GetGlobalDepth(); i++ {
		require.LessOrEqual(t, h.GetLocalDepth(i), h.GetGlobalDepth())
	}
}

// TestExtendibleHashTable_InsertReplaces verifies duplicate keys take the
// last value.
func TestExtendibleHashTable_InsertReplaces(t *testing.T) {
	h := NewExtendibleHashTable[int, int](4, identity)
	h.Insert(7, 1)
	h.Insert(7, 2)
	v, ok := h.Find(7)
	require.True(t, ok)
	require.Equal(t, 2, v)
}

// TestExtendibleHashTable_Remove verifies removal and re-insertion.
func TestExtendibleHashTable_Remove(t *testing.T) {
	h := NewExtendibleHashTable[int, string](2, identity)
	require.False(t, h.Remove(5))
	h.Insert(5, "x")
	require.True(t, h.Remove(5))
	_, ok := h.Find(5)
	require.False(t, ok)
	h.Insert(5, "y")
	v, ok := h.Find(5)
	require.True(t, ok)
	require.Equal(t, "y", v)
}

// TestExtendibleHashTable_ManyKeys pushes enough keys through a tiny bucket
// size to force repeated doublings, then verifies every key.
func TestExtendibleHashTable_ManyKeys(t *testing.T) {
	h := NewExtendibleHashTable[int, int](2, identity)
	const n = 1000
	for i := 0; i < n; i++ {
		h.Insert(i, i*10)
	}
	for i := 0; i < n; i++ {
		v, ok := h.Find(i)
		require.True(t, ok, "key %d", i)
		require.Equal(t, i*10, v)
	}
	// Odd keys out.
	for i := 1; i < n; i += 2 {
		require.True(t, h.Remove(i))
	}
	for i := 0; i < n; i++ {
		_, ok := h.Find(i)
		require.Equal(t, i%2 == 0, ok, "key %d", i)
	}
}

// TestExtendibleHashTable_Concurrent hammers the table from several
// goroutines over disjoint key ranges.
func TestExtendibleHashTable_Concurrent(t *testing.T) {
	h := NewExtendibleHashTable[int, int](4, identity)
	const workers = 8
	const perWorker = 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			base := w * perWorker
			for i := 0; i < perWorker; i++ {
				h.Insert(base+i, base+i)
			}
			for i := 0; i < perWorker; i += 2 {
				h.Remove(base + i)
			}
		}(w)
	}
	wg.Wait()
	for w := 0; w < workers; w++ {
		base := w * perWorker
		for i := 0; i < perWorker; i++ {
			v, ok := h.Find(base + i)
			if i%2 == 0 {
				require.False(t, ok, "key %d should be removed", base+i)
			} else {
				require.True(t, ok, "key %d", base+i)
				require.Equal(t, base+i, v)
			}
		}
	}
}
