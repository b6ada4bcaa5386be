package index

import (
	"github.com/kujiradb/KujiraDB/common"
	"github.com/kujiradb/KujiraDB/storage/buffer"
	"github.com/kujiradb/KujiraDB/storage/page"
	"github.com/kujiradb/KujiraDB/types"
)

// IndexIterator walks the leaf chain forward. It holds at most one leaf read
// latch at a time, so it is not serializable against concurrent tree
// modifications: keys inserted or deleted during the scan may be missed or
// seen twice.
type IndexIterator struct {
	leaf  *page.BPlusTreeLeafPage
	index int32
	bpm   *buffer.BufferPoolManager
}

// Begin returns an iterator positioned at the smallest key
func (t *BPlusTree) Begin() *IndexIterator {
	if t.IsEmpty() {
		return t.End()
	}
	leaf := t.findLeafPage(0, readOp, nil)
	it := &IndexIterator{leaf, 0, t.bpm}
	it.normalize()
	return it
}

// BeginFrom returns an iterator positioned at the first key not less than key
func (t *BPlusTree) BeginFrom(key uint32) *IndexIterator {
	if t.IsEmpty() {
		return t.End()
	}
	leaf := t.findLeafPage(key, readOp, nil)
	it := &IndexIterator{leaf, leaf.KeyIndex(key), t.bpm}
	it.normalize()
	return it
}

// End returns the past-the-end iterator
func (t *BPlusTree) End() *IndexIterator {
	return &IndexIterator{nil, -1, t.bpm}
}

// IsEnd reports whether the iterator moved past the last leaf's last slot
func (it *IndexIterator) IsEnd() bool {
	return it.leaf == nil && it.index == -1
}

// Current yields the key/rid pair at the iterator position
func (it *IndexIterator) Current() (uint32, page.RID) {
	return it.leaf.PairAt(it.index)
}

// Next advances within the leaf; at a leaf boundary the current leaf is
// released and the next one of the chain is latched
func (it *IndexIterator) Next() {
	it.index++
	it.normalize()
}

// Close releases the current leaf of a scan abandoned before its end
func (it *IndexIterator) Close() {
	if it.leaf == nil {
		return
	}
	it.releaseLeaf()
	it.leaf = nil
	it.index = -1
}

func (it *IndexIterator) normalize() {
	for it.leaf != nil && it.index >= it.leaf.GetSize() {
		nextPageID := it.leaf.GetNextPageId()
		it.releaseLeaf()
		if nextPageID == types.InvalidPageID {
			it.leaf = nil
			it.index = -1
			return
		}
		nextPg := it.bpm.FetchPage(nextPageID)
		common.SH_Assert(nextPg != nil, "buffer pool exhausted during leaf scan")
		nextPg.RLatch()
		it.leaf = page.CastPageAsBPlusTreeLeafPage(nextPg)
		it.index = 0
	}
}

func (it *IndexIterator) releaseLeaf() {
	it.leaf.RUnlatch()
	it.bpm.UnpinPage(it.leaf.GetPageId(), false)
}

// Equal reports whether two iterators reference the same position
func (it *IndexIterator) Equal(other *IndexIterator) bool {
	if it.IsEnd() || other.IsEnd() {
		return it.IsEnd() && other.IsEnd()
	}
	return it.leaf.GetPageId() == other.leaf.GetPageId() && it.index == other.index
}
