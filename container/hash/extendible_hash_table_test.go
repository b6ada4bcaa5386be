package hash

import (
	"testing"

	testingpkg "github.com/kujiradb/KujiraDB/testing/testing_assert"
)

func TestExtendibleHashTableInsertAndFind(t *testing.T) {
	ht := NewExtendibleHashTable(50)

	for i := uint32(0); i < 1000; i++ {
		ht.Insert(i, i*7)
	}
	for i := uint32(0); i < 1000; i++ {
		value, ok := ht.GetValue(i)
		testingpkg.Assert(t, ok, "key %d should be found", i)
		testingpkg.Equals(t, i*7, value)
	}
	_, ok := ht.GetValue(5000)
	testingpkg.AssertFalse(t, ok, "absent key should not be found")
}

func TestExtendibleHashTableReplaceAndRemove(t *testing.T) {
	ht := NewExtendibleHashTable(50)

	ht.Insert(42, 1)
	ht.Insert(42, 2)
	value, ok := ht.GetValue(42)
	testingpkg.Assert(t, ok, "key should be found")
	testingpkg.Equals(t, uint32(2), value)

	testingpkg.Assert(t, ht.Remove(42), "existing key should be removable")
	_, ok = ht.GetValue(42)
	testingpkg.AssertFalse(t, ok, "removed key should not be found")
	testingpkg.AssertFalse(t, ht.Remove(42), "removing an absent key should fail")
}

// directory growth with an identity hash makes the split pattern deterministic
func TestExtendibleHashTableSplits(t *testing.T) {
	ht := NewExtendibleHashTableWithHash(2, func(key uint32) uint32 { return key })

	for i := uint32(1); i <= 9; i++ {
		ht.Insert(i, i*10)
	}

	testingpkg.Equals(t, uint32(3), ht.GetGlobalDepth())
	testingpkg.Equals(t, uint32(2), ht.GetLocalDepth(0))
	testingpkg.Equals(t, uint32(3), ht.GetLocalDepth(1))
	testingpkg.Equals(t, uint32(2), ht.GetLocalDepth(2))
	testingpkg.Equals(t, uint32(2), ht.GetLocalDepth(3))

	value, ok := ht.GetValue(9)
	testingpkg.Assert(t, ok, "key 9 should be found")
	testingpkg.Equals(t, uint32(90), value)

	for i := uint32(1); i <= 9; i++ {
		value, ok := ht.GetValue(i)
		testingpkg.Assert(t, ok, "key %d should be found after the splits", i)
		testingpkg.Equals(t, i*10, value)
	}
}

func TestExtendibleHashTableConcurrentInsert(t *testing.T) {
	ht := NewExtendibleHashTable(10)

	done := make(chan bool)
	for w := uint32(0); w < 4; w++ {
		go func(base uint32) {
			for i := base * 1000; i < base*1000+1000; i++ {
				ht.Insert(i, i)
			}
			done <- true
		}(w)
	}
	for w := 0; w < 4; w++ {
		<-done
	}
	for i := uint32(0); i < 4000; i++ {
		value, ok := ht.GetValue(i)
		testingpkg.Assert(t, ok, "key %d should be found", i)
		testingpkg.Equals(t, i, value)
	}
}
