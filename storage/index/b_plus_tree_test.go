package index

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/kujiradb/KujiraDB/storage/access"
	"github.com/kujiradb/KujiraDB/storage/buffer"
	"github.com/kujiradb/KujiraDB/storage/disk"
	"github.com/kujiradb/KujiraDB/storage/page"
	testingpkg "github.com/kujiradb/KujiraDB/testing/testing_assert"
	"github.com/kujiradb/KujiraDB/types"
)

func ridOf(key uint32) page.RID {
	return page.RID{PageId: types.PageID(key), SlotNum: key}
}

func newTestTree(t *testing.T, poolSize uint32, leafMaxSize int32, internalMaxSize int32) (*BPlusTree, *buffer.BufferPoolManager) {
	t.Helper()
	dm := disk.NewVirtualDiskManagerImpl("bptree_test.db")
	bpm := buffer.NewBufferPoolManager(poolSize, dm)
	return NewBPlusTree(bpm, leafMaxSize, internalMaxSize), bpm
}

func TestBPlusTreeInsertAndGetValue(t *testing.T) {
	tree, _ := newTestTree(t, 50, 3, 3)
	txn := access.NewTransaction(types.TxnID(1), access.REPEATABLE_READ)

	for key := uint32(1); key <= 64; key++ {
		testingpkg.SimpleAssert(t, tree.Insert(key, ridOf(key), txn))
	}
	for key := uint32(1); key <= 64; key++ {
		rid, found := tree.GetValue(key, txn)
		testingpkg.Assert(t, found, "key %d should be found", key)
		testingpkg.Equals(t, ridOf(key), rid)
	}
	_, found := tree.GetValue(1000, txn)
	testingpkg.AssertFalse(t, found, "absent key should not be found")
}

func TestBPlusTreeDuplicateInsert(t *testing.T) {
	tree, _ := newTestTree(t, 50, 3, 3)
	txn := access.NewTransaction(types.TxnID(1), access.REPEATABLE_READ)

	testingpkg.SimpleAssert(t, tree.Insert(42, ridOf(42), txn))
	testingpkg.SimpleAssert(t, !tree.Insert(42, page.RID{PageId: 9, SlotNum: 9}, txn))

	rid, found := tree.GetValue(42, txn)
	testingpkg.SimpleAssert(t, found)
	testingpkg.Equals(t, ridOf(42), rid)
}

func TestBPlusTreeRemove(t *testing.T) {
	tree, _ := newTestTree(t, 50, 3, 3)
	txn := access.NewTransaction(types.TxnID(1), access.REPEATABLE_READ)

	for key := uint32(1); key <= 32; key++ {
		tree.Insert(key, ridOf(key), txn)
	}

	// removing a missing key is a no-op
	tree.Remove(1000, txn)

	for key := uint32(1); key <= 32; key += 2 {
		tree.Remove(key, txn)
	}
	for key := uint32(1); key <= 32; key++ {
		_, found := tree.GetValue(key, txn)
		if key%2 == 1 {
			testingpkg.AssertFalse(t, found, "removed key %d should be gone", key)
		} else {
			testingpkg.Assert(t, found, "key %d should still be found", key)
		}
	}
}

// the permutation mixes splits, merges, borrows and duplicate inserts; after
// removing the same sequence the tree must be empty with no leaked pages
func TestBPlusTreeInsertDeletePermutation(t *testing.T) {
	tree, bpm := newTestTree(t, 50, 3, 3)
	txn := access.NewTransaction(types.TxnID(1), access.REPEATABLE_READ)

	keys := []uint32{13, 22, 3, 14, 1, 45, 25, 56, 27, 18, 24, 25, 123, 231, 11, 6, 78, 13, 23, 141, 425, 241}

	seen := make(map[uint32]bool)
	for _, key := range keys {
		inserted := tree.Insert(key, ridOf(key), txn)
		testingpkg.Equals(t, !seen[key], inserted)
		seen[key] = true
	}
	for key := range seen {
		rid, found := tree.GetValue(key, txn)
		testingpkg.Assert(t, found, "key %d should be found", key)
		testingpkg.Equals(t, ridOf(key), rid)
	}

	// leaf scan yields the distinct keys in ascending order
	prev := uint32(0)
	count := 0
	for it := tree.Begin(); !it.IsEnd(); it.Next() {
		key, _ := it.Current()
		testingpkg.Assert(t, count == 0 || key > prev, "keys must ascend, got %d after %d", key, prev)
		prev = key
		count++
	}
	testingpkg.Equals(t, len(seen), count)

	for _, key := range keys {
		tree.Remove(key, txn)
	}

	testingpkg.SimpleAssert(t, tree.IsEmpty())
	for key := range seen {
		_, found := tree.GetValue(key, txn)
		testingpkg.AssertFalse(t, found, "key %d should be gone", key)
	}

	// every frame still holding a page must be unpinned
	for _, pg := range bpm.GetPages() {
		if pg != nil {
			testingpkg.Equals(t, int32(0), pg.PinCount())
		}
	}
}

func TestBPlusTreeRandomized(t *testing.T) {
	tree, bpm := newTestTree(t, 100, 4, 4)
	txn := access.NewTransaction(types.TxnID(1), access.REPEATABLE_READ)

	r := rand.New(rand.NewSource(42))
	keys := r.Perm(500)

	for _, k := range keys {
		key := uint32(k + 1)
		testingpkg.SimpleAssert(t, tree.Insert(key, ridOf(key), txn))
	}
	for _, k := range keys {
		key := uint32(k + 1)
		rid, found := tree.GetValue(key, txn)
		testingpkg.Assert(t, found, "key %d should be found", key)
		testingpkg.Equals(t, ridOf(key), rid)
	}

	removal := r.Perm(500)
	for _, k := range removal {
		key := uint32(k + 1)
		tree.Remove(key, txn)
	}
	testingpkg.SimpleAssert(t, tree.IsEmpty())

	for _, pg := range bpm.GetPages() {
		if pg != nil {
			testingpkg.Equals(t, int32(0), pg.PinCount())
		}
	}
}

func TestBPlusTreeIterator(t *testing.T) {
	tree, _ := newTestTree(t, 50, 3, 3)
	txn := access.NewTransaction(types.TxnID(1), access.REPEATABLE_READ)

	for key := uint32(1); key <= 20; key++ {
		tree.Insert(key, ridOf(key), txn)
	}

	expected := uint32(1)
	for it := tree.Begin(); !it.IsEnd(); it.Next() {
		key, rid := it.Current()
		testingpkg.Equals(t, expected, key)
		testingpkg.Equals(t, ridOf(key), rid)
		expected++
	}
	testingpkg.Equals(t, uint32(21), expected)

	// a ranged scan starts at the first key not less than the bound
	expected = 10
	for it := tree.BeginFrom(10); !it.IsEnd(); it.Next() {
		key, _ := it.Current()
		testingpkg.Equals(t, expected, key)
		expected++
	}
	testingpkg.Equals(t, uint32(21), expected)

	// a bound past the largest key lands on the end iterator
	it := tree.BeginFrom(1000)
	testingpkg.SimpleAssert(t, it.IsEnd())
	testingpkg.SimpleAssert(t, it.Equal(tree.End()))

	// abandoning a scan releases the held leaf
	partial := tree.Begin()
	partial.Next()
	partial.Close()
	testingpkg.SimpleAssert(t, partial.IsEnd())
}

func TestBPlusTreeIteratorEmptyTree(t *testing.T) {
	tree, _ := newTestTree(t, 10, 3, 3)

	testingpkg.SimpleAssert(t, tree.Begin().IsEnd())
	testingpkg.SimpleAssert(t, tree.BeginFrom(5).IsEnd())
}

func TestBPlusTreeConcurrentInsert(t *testing.T) {
	tree, _ := newTestTree(t, 200, 5, 5)

	workers := 4
	keysPerWorker := uint32(100)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			txn := access.NewTransaction(types.TxnID(worker+1), access.REPEATABLE_READ)
			base := uint32(worker) * keysPerWorker
			for key := base + 1; key <= base+keysPerWorker; key++ {
				testingpkg.SimpleAssert(t, tree.Insert(key, ridOf(key), txn))
			}
		}(w)
	}
	wg.Wait()

	txn := access.NewTransaction(types.TxnID(99), access.REPEATABLE_READ)
	total := uint32(workers) * keysPerWorker
	for key := uint32(1); key <= total; key++ {
		rid, found := tree.GetValue(key, txn)
		testingpkg.Assert(t, found, "key %d should be found", key)
		testingpkg.Equals(t, ridOf(key), rid)
	}

	prev := uint32(0)
	count := uint32(0)
	for it := tree.Begin(); !it.IsEnd(); it.Next() {
		key, _ := it.Current()
		testingpkg.Assert(t, key > prev, "keys must ascend")
		prev = key
		count++
	}
	testingpkg.Equals(t, total, count)
}

func TestBPlusTreeConcurrentInsertAndRemove(t *testing.T) {
	tree, _ := newTestTree(t, 200, 5, 5)

	setup := access.NewTransaction(types.TxnID(1), access.REPEATABLE_READ)
	for key := uint32(1); key <= 200; key++ {
		tree.Insert(key, ridOf(key), setup)
	}

	var wg sync.WaitGroup
	// two removers over disjoint halves, one inserter of fresh keys
	wg.Add(3)
	go func() {
		defer wg.Done()
		txn := access.NewTransaction(types.TxnID(2), access.REPEATABLE_READ)
		for key := uint32(1); key <= 100; key++ {
			tree.Remove(key, txn)
		}
	}()
	go func() {
		defer wg.Done()
		txn := access.NewTransaction(types.TxnID(3), access.REPEATABLE_READ)
		for key := uint32(101); key <= 200; key++ {
			tree.Remove(key, txn)
		}
	}()
	go func() {
		defer wg.Done()
		txn := access.NewTransaction(types.TxnID(4), access.REPEATABLE_READ)
		for key := uint32(201); key <= 300; key++ {
			testingpkg.SimpleAssert(t, tree.Insert(key, ridOf(key), txn))
		}
	}()
	wg.Wait()

	txn := access.NewTransaction(types.TxnID(5), access.REPEATABLE_READ)
	for key := uint32(1); key <= 200; key++ {
		_, found := tree.GetValue(key, txn)
		testingpkg.AssertFalse(t, found, "key %d should be gone", key)
	}
	for key := uint32(201); key <= 300; key++ {
		rid, found := tree.GetValue(key, txn)
		testingpkg.Assert(t, found, "key %d should be found", key)
		testingpkg.Equals(t, ridOf(key), rid)
	}
}
