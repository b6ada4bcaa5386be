package buffer

import (
	"testing"

	testingpkg "github.com/kujiradb/KujiraDB/testing/testing_assert"
)

func TestLRUKReplacerVictimOrder(t *testing.T) {
	replacer := NewLRUKReplacer(7, 2)

	// two access waves move every frame into the cached cohort
	for _, f := range []FrameID{1, 2, 3, 4, 5, 6} {
		replacer.RecordAccess(f)
	}
	for _, f := range []FrameID{1, 2, 3, 4, 5, 6} {
		replacer.RecordAccess(f)
	}
	for _, f := range []FrameID{1, 2, 3, 4, 5, 6} {
		replacer.SetEvictable(f, true)
	}
	testingpkg.Equals(t, uint32(6), replacer.Size())

	replacer.SetEvictable(1, false)
	victim := replacer.Victim()
	testingpkg.Assert(t, victim != nil, "victim expected")
	testingpkg.Equals(t, FrameID(2), *victim)

	replacer.SetEvictable(1, true)
	expected := []FrameID{1, 3, 4, 5, 6}
	for _, exp := range expected {
		victim := replacer.Victim()
		testingpkg.Assert(t, victim != nil, "victim expected")
		testingpkg.Equals(t, exp, *victim)
	}
	testingpkg.Equals(t, uint32(0), replacer.Size())
	testingpkg.Assert(t, replacer.Victim() == nil, "empty replacer must not yield a victim")
}

func TestLRUKReplacerHistoryBeforeCached(t *testing.T) {
	replacer := NewLRUKReplacer(7, 2)

	// frame 1 reaches two accesses, frames 2..6 stay in the history cohort
	for _, f := range []FrameID{1, 2, 3, 4, 5, 6, 1} {
		replacer.RecordAccess(f)
	}
	for _, f := range []FrameID{1, 2, 3, 4, 5, 6} {
		replacer.SetEvictable(f, true)
	}

	// history frames go first, ordered by their first access
	for _, exp := range []FrameID{2, 3, 4, 5, 6} {
		victim := replacer.Victim()
		testingpkg.Assert(t, victim != nil, "victim expected")
		testingpkg.Equals(t, exp, *victim)
	}
	victim := replacer.Victim()
	testingpkg.Equals(t, FrameID(1), *victim)
}

// re-accessing a history frame must not reorder its eviction priority
func TestLRUKReplacerHistoryKeepsFirstAccessOrder(t *testing.T) {
	replacer := NewLRUKReplacer(7, 3)

	replacer.RecordAccess(1)
	replacer.RecordAccess(2)
	replacer.RecordAccess(1)
	replacer.SetEvictable(1, true)
	replacer.SetEvictable(2, true)

	victim := replacer.Victim()
	testingpkg.Equals(t, FrameID(1), *victim)
}

func TestLRUKReplacerRemove(t *testing.T) {
	replacer := NewLRUKReplacer(7, 2)

	replacer.RecordAccess(1)
	replacer.RecordAccess(2)
	replacer.SetEvictable(1, true)
	replacer.SetEvictable(2, true)
	testingpkg.Equals(t, uint32(2), replacer.Size())

	replacer.Remove(1)
	testingpkg.Equals(t, uint32(1), replacer.Size())
	victim := replacer.Victim()
	testingpkg.Equals(t, FrameID(2), *victim)

	// removing an untracked frame is a no-op
	replacer.Remove(5)
	testingpkg.Equals(t, uint32(0), replacer.Size())
}
