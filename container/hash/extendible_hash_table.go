package hash

import (
	"sync"

	pair "github.com/notEpsilon/go-pair"

	"github.com/kujiradb/KujiraDB/common"
)

// ExtendibleHashTable is an in-memory hash table with a growable directory.
// It backs the buffer pool's page table (page id -> frame id).
//
// The directory holds 2^globalDepth pointers to buckets; a key is routed by
// the low globalDepth bits of its hash. Every directory slot whose low
// localDepth bits match points to the same bucket.
type ExtendibleHashTable struct {
	globalDepth uint32
	bucketSize  uint32
	numBuckets  uint32
	dir         []*bucket
	hashFn      func(uint32) uint32
	mutex       *sync.Mutex
}

type bucket struct {
	depth uint32
	items []pair.Pair[uint32, uint32]
}

func newBucket(depth uint32) *bucket {
	return &bucket{depth, make([]pair.Pair[uint32, uint32], 0)}
}

func (b *bucket) find(key uint32) (uint32, bool) {
	for _, item := range b.items {
		if item.First == key {
			return item.Second, true
		}
	}
	return 0, false
}

func (b *bucket) remove(key uint32) bool {
	for i, item := range b.items {
		if item.First == key {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return true
		}
	}
	return false
}

// insert stores the pair, replacing the value when key exists already.
// Returns false when the bucket is full.
func (b *bucket) insert(key uint32, value uint32, capacity uint32) bool {
	for i, item := range b.items {
		if item.First == key {
			b.items[i].Second = value
			return true
		}
	}
	if uint32(len(b.items)) >= capacity {
		return false
	}
	b.items = append(b.items, pair.Pair[uint32, uint32]{First: key, Second: value})
	return true
}

// NewExtendibleHashTable returns a table hashing keys with murmur3
func NewExtendibleHashTable(bucketSize uint32) *ExtendibleHashTable {
	return NewExtendibleHashTableWithHash(bucketSize, HashUint32)
}

// NewExtendibleHashTableWithHash returns a table with a caller supplied hash
func NewExtendibleHashTableWithHash(bucketSize uint32, hashFn func(uint32) uint32) *ExtendibleHashTable {
	ht := &ExtendibleHashTable{
		globalDepth: 0,
		bucketSize:  bucketSize,
		numBuckets:  1,
		dir:         make([]*bucket, 0, 1),
		hashFn:      hashFn,
		mutex:       new(sync.Mutex),
	}
	ht.dir = append(ht.dir, newBucket(0))
	return ht
}

func (ht *ExtendibleHashTable) indexOf(key uint32) uint32 {
	mask := uint32((1 << ht.globalDepth) - 1)
	return ht.hashFn(key) & mask
}

// GetGlobalDepth returns the directory depth
func (ht *ExtendibleHashTable) GetGlobalDepth() uint32 {
	ht.mutex.Lock()
	defer ht.mutex.Unlock()
	return ht.globalDepth
}

// GetLocalDepth returns the depth of the bucket the directory slot points to
func (ht *ExtendibleHashTable) GetLocalDepth(dirIndex uint32) uint32 {
	ht.mutex.Lock()
	defer ht.mutex.Unlock()
	return ht.dir[dirIndex].depth
}

// GetNumBuckets returns the number of allocated buckets
func (ht *ExtendibleHashTable) GetNumBuckets() uint32 {
	ht.mutex.Lock()
	defer ht.mutex.Unlock()
	return ht.numBuckets
}

// GetValue looks the key up
func (ht *ExtendibleHashTable) GetValue(key uint32) (uint32, bool) {
	ht.mutex.Lock()
	defer ht.mutex.Unlock()
	return ht.dir[ht.indexOf(key)].find(key)
}

// Remove deletes the key. Returns false when the key was absent.
func (ht *ExtendibleHashTable) Remove(key uint32) bool {
	ht.mutex.Lock()
	defer ht.mutex.Unlock()
	return ht.dir[ht.indexOf(key)].remove(key)
}

// Insert stores the pair, replacing an existing value for the same key.
// A full bucket is split; one split may not make room when all entries rehash
// to one side, so the insert retries after each split.
func (ht *ExtendibleHashTable) Insert(key uint32, value uint32) {
	ht.mutex.Lock()
	defer ht.mutex.Unlock()

	for {
		index := ht.indexOf(key)
		target := ht.dir[index]
		if target.insert(key, value, ht.bucketSize) {
			return
		}
		common.SH_Assert(ht.bucketSize > 0, "can not split bucket of size zero")
		ht.splitBucket(target, index)
	}
}

func (ht *ExtendibleHashTable) splitBucket(target *bucket, index uint32) {
	items := target.items
	target.items = nil

	if target.depth == ht.globalDepth {
		// double the directory. the new upper half aliases the lower one
		oldSize := uint32(len(ht.dir))
		mask := oldSize - 1
		for i := oldSize; i < oldSize*2; i++ {
			ht.dir = append(ht.dir, ht.dir[i&mask])
		}
		ht.globalDepth++
	}

	oldIndex := index & ((1 << target.depth) - 1)
	highBit := uint32(1) << target.depth
	newIndex := oldIndex | highBit

	target.depth++
	splitImage := newBucket(target.depth)
	newMask := uint32((1 << target.depth) - 1)
	for i := uint32(0); i < uint32(len(ht.dir)); i++ {
		if i&newMask == newIndex {
			ht.dir[i] = splitImage
		}
	}
	ht.numBuckets++

	// rehash the old entries over the two buckets
	for _, item := range items {
		ht.dir[ht.indexOf(item.First)].insert(item.First, item.Second, ht.bucketSize)
	}
}
