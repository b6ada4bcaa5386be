package buffer

import (
	"sync"

	pair "github.com/notEpsilon/go-pair"

	"github.com/kujiradb/KujiraDB/common"
)

// FrameID is the type for frame id
type FrameID uint32

// LRUKReplacer picks the eviction victim among the frames of the buffer pool.
//
// Frames with fewer than k recorded accesses form the history cohort and are
// evicted first, ordered by their first access (their k-th backward distance
// is infinite). Frames with k or more accesses form the cached cohort and are
// evicted least recently used first: every access moves a cached frame to the
// back of the cohort. Access timestamps are not kept, so the k-th most recent
// access does not take part in the cached order. Re-accessing a history frame
// does not change its eviction priority.
type LRUKReplacer struct {
	replacerSize uint32
	k            uint32
	currSize     uint32
	// access count and evictable flag per tracked frame
	frames  map[FrameID]*pair.Pair[uint32, bool]
	history []FrameID
	cached  []FrameID
	mutex   *sync.Mutex
}

// NewLRUKReplacer returns a replacer tracking up to numFrames frames
func NewLRUKReplacer(numFrames uint32, k uint32) *LRUKReplacer {
	return &LRUKReplacer{
		replacerSize: numFrames,
		k:            k,
		currSize:     0,
		frames:       make(map[FrameID]*pair.Pair[uint32, bool]),
		history:      make([]FrameID, 0, numFrames),
		cached:       make([]FrameID, 0, numFrames),
		mutex:        new(sync.Mutex),
	}
}

func removeFrameID(list []FrameID, id FrameID) []FrameID {
	for i, f := range list {
		if f == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func containsFrameID(list []FrameID, id FrameID) bool {
	for _, f := range list {
		if f == id {
			return true
		}
	}
	return false
}

// RecordAccess notes one access of the frame at the current moment
func (r *LRUKReplacer) RecordAccess(frameID FrameID) {
	common.SH_Assert(uint32(frameID) <= r.replacerSize, "wrong frame id")
	r.mutex.Lock()
	defer r.mutex.Unlock()

	meta, tracked := r.frames[frameID]
	if !tracked {
		meta = &pair.Pair[uint32, bool]{First: 0, Second: false}
		r.frames[frameID] = meta
		r.history = append(r.history, frameID)
	}

	if meta.First < r.k {
		if meta.First == r.k-1 {
			// the k-th access graduates the frame into the cached cohort
			r.history = removeFrameID(r.history, frameID)
			r.cached = append(r.cached, frameID)
		}
		// below k accesses the frame keeps its first-access position
	} else {
		common.SH_Assert(containsFrameID(r.cached, frameID), "frame in wrong cohort, expected cached")
		r.cached = removeFrameID(r.cached, frameID)
		r.cached = append(r.cached, frameID)
	}
	meta.First++
}

// SetEvictable toggles whether the frame may be chosen as a victim
func (r *LRUKReplacer) SetEvictable(frameID FrameID, setEvictable bool) {
	common.SH_Assert(uint32(frameID) <= r.replacerSize, "wrong frame id")
	r.mutex.Lock()
	defer r.mutex.Unlock()

	meta, tracked := r.frames[frameID]
	common.SH_Assert(tracked, "SetEvictable on a frame which is not tracked")
	if setEvictable != meta.Second {
		meta.Second = setEvictable
		if setEvictable {
			r.currSize++
		} else {
			r.currSize--
		}
	}
}

// Victim removes and returns the evictable history frame with the earliest
// first access, or else the least recently used evictable cached frame.
// Returns nil when no evictable frame exists.
func (r *LRUKReplacer) Victim() *FrameID {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.currSize == 0 {
		return nil
	}
	for i, id := range r.history {
		if r.frames[id].Second {
			victim := id
			r.history = append(r.history[:i], r.history[i+1:]...)
			delete(r.frames, id)
			r.currSize--
			return &victim
		}
	}
	for i, id := range r.cached {
		if r.frames[id].Second {
			victim := id
			r.cached = append(r.cached[:i], r.cached[i+1:]...)
			delete(r.frames, id)
			r.currSize--
			return &victim
		}
	}
	return nil
}

// Remove erases the frame from the replacer. Only evictable frames may be removed.
func (r *LRUKReplacer) Remove(frameID FrameID) {
	common.SH_Assert(uint32(frameID) <= r.replacerSize, "wrong frame id")
	r.mutex.Lock()
	defer r.mutex.Unlock()

	meta, tracked := r.frames[frameID]
	if !tracked {
		return
	}
	common.SH_Assert(meta.Second, "frame can not be removed while it is not evictable")
	if meta.First < r.k {
		r.history = removeFrameID(r.history, frameID)
	} else {
		r.cached = removeFrameID(r.cached, frameID)
	}
	delete(r.frames, frameID)
	r.currSize--
}

// Size returns the number of evictable frames
func (r *LRUKReplacer) Size() uint32 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.currSize
}
