package bufferpool

import (
	"fmt"
	"sync"
)

// FrameID indexes a slot in the buffer pool's frame array.
type FrameID int

// InvalidFrameID marks "no frame".
const InvalidFrameID FrameID = -1

type frameRecord struct {
	// history holds up to k access timestamps, most recent last.
	history   []uint64
	evictable bool
}

// LRUKReplacer picks eviction victims by backward k-distance: the elapsed time
// since a frame's k-th most recent access. Frames with fewer than k recorded
// accesses have infinite distance and are always preferred; ties break on the
// oldest overall access.
type LRUKReplacer struct {
	mu        sync.Mutex
	numFrames int
	k         int
	// currentTimestamp is a logical clock bumped on every recorded access.
	// It is private to this replacer instance, not shared across pools.
	currentTimestamp uint64
	frames           map[FrameID]*frameRecord
	evictableCount   int
}

// NewLRUKReplacer tracks access history for up to numFrames frames.
func NewLRUKReplacer(numFrames, k int) *LRUKReplacer {
	return &LRUKReplacer{
		numFrames: numFrames,
		k:         k,
		frames:    make(map[FrameID]*frameRecord, numFrames),
	}
}

func (r *LRUKReplacer) checkFrame(frameID FrameID) {
	if frameID < 0 || int(frameID) >= r.numFrames {
		panic(fmt.Sprintf("lru-k replacer: frame id %d out of range [0, %d)", frameID, r.numFrames))
	}
}

// RecordAccess appends the current timestamp to the frame's history, keeping
// the k most recent entries.
func (r *LRUKReplacer) RecordAccess(frameID FrameID) {
	r.checkFrame(frameID)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.currentTimestamp++
	rec, ok := r.frames[frameID]
	if !ok {
		rec = &frameRecord{history: make([]uint64, 0, r.k)}
		r.frames[frameID] = rec
	}
	rec.history = append(rec.history, r.currentTimestamp)
	if len(rec.history) > r.k {
		rec.history = rec.history[1:]
	}
}

// SetEvictable flips a frame's evictable flag. Unknown frames are ignored.
func (r *LRUKReplacer) SetEvictable(frameID FrameID, evictable bool) {
	r.checkFrame(frameID)
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.frames[frameID]
	if !ok || rec.evictable == evictable {
		return
	}
	rec.evictable = evictable
	if evictable {
		r.evictableCount++
	} else {
		r.evictableCount--
	}
}

// Remove drops a frame's history outright. Removing a tracked frame that is
// not evictable is a caller bug.
func (r *LRUKReplacer) Remove(frameID FrameID) {
	r.checkFrame(frameID)
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.frames[frameID]
	if !ok {
		return
	}
	if !rec.evictable {
		panic(fmt.Sprintf("lru-k replacer: cannot remove non-evictable frame %d", frameID))
	}
	delete(r.frames, frameID)
	r.evictableCount--
}

// Evict selects the evictable frame with the greatest backward k-distance,
// clears its history, and returns it. Returns false when nothing is evictable.
func (r *LRUKReplacer) Evict() (FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.evictableCount == 0 {
		return InvalidFrameID, false
	}

	victim := InvalidFrameID
	victimInf := false
	var victimStamp uint64
	for frameID, rec := range r.frames {
		if !rec.evictable {
			continue
		}
		inf := len(rec.history) < r.k
		var stamp uint64
		if inf {
			// Infinite distance: order among these by the oldest access.
			stamp = rec.history[0]
		} else {
			// Finite distance: greatest distance == smallest k-th most
			// recent timestamp.
			stamp = rec.history[len(rec.history)-r.k]
		}
		switch {
		case victim == InvalidFrameID:
		case inf && !victimInf:
		case inf == victimInf && stamp < victimStamp:
		default:
			continue
		}
		victim = frameID
		victimInf = inf
		victimStamp = stamp
	}

	delete(r.frames, victim)
	r.evictableCount--
	return victim, true
}

// Size returns the number of evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictableCount
}
