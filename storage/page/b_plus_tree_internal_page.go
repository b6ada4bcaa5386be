package page

import (
	"encoding/binary"
	"unsafe"

	"github.com/kujiradb/KujiraDB/types"
)

// Internal page format (sizes in bytes):
//
//	| common header (20) | Key_0 (4) | Child_0 (4) | Key_1 (4) | Child_1 (4) | ... |
//
// Key_0 is unused. An internal page of size s references s children through
// s-1 real separator keys.
const (
	sizeInternalEntry     = 8
	offsetInternalChildID = 4
)

type BPlusTreeInternalPage struct {
	BPlusTreePage
}

// CastPageAsBPlusTreeInternalPage casts the abstract Page struct into BPlusTreeInternalPage
func CastPageAsBPlusTreeInternalPage(page *Page) *BPlusTreeInternalPage {
	if page == nil {
		return nil
	}
	return (*BPlusTreeInternalPage)(unsafe.Pointer(page))
}

// Init sets up the header of a newly allocated internal page.
// Size starts at 1 because slot 0 always holds the leftmost child.
func (p *BPlusTreeInternalPage) Init(pageId types.PageID, parentId types.PageID, maxSize int32) {
	p.SetPageId(pageId)
	p.SetParentPageId(parentId)
	p.SetPageType(InternalPageType)
	p.SetMaxSize(maxSize)
	p.SetSize(1)
}

func (p *BPlusTreeInternalPage) entryOffset(index int32) int32 {
	return sizeIndexPageHeader + index*sizeInternalEntry
}

func (p *BPlusTreeInternalPage) KeyAt(index int32) uint32 {
	offset := p.entryOffset(index)
	return binary.LittleEndian.Uint32(p.Data()[offset:])
}

func (p *BPlusTreeInternalPage) SetKeyAt(index int32, key uint32) {
	offset := p.entryOffset(index)
	binary.LittleEndian.PutUint32(p.Data()[offset:], key)
}

func (p *BPlusTreeInternalPage) ValueAt(index int32) types.PageID {
	offset := p.entryOffset(index) + offsetInternalChildID
	return types.PageID(binary.LittleEndian.Uint32(p.Data()[offset:]))
}

func (p *BPlusTreeInternalPage) SetValueAt(index int32, value types.PageID) {
	offset := p.entryOffset(index) + offsetInternalChildID
	binary.LittleEndian.PutUint32(p.Data()[offset:], uint32(value))
}

// ValueIndex returns the slot referencing the given child, -1 when absent
func (p *BPlusTreeInternalPage) ValueIndex(value types.PageID) int32 {
	for i := int32(0); i < p.GetSize(); i++ {
		if p.ValueAt(i) == value {
			return i
		}
	}
	return -1
}

func (p *BPlusTreeInternalPage) copyEntry(to int32, from int32) {
	toOffset := p.entryOffset(to)
	fromOffset := p.entryOffset(from)
	copy(p.Data()[toOffset:toOffset+sizeInternalEntry], p.Data()[fromOffset:fromOffset+sizeInternalEntry])
}

// Insert stores the separator/child pair keeping keys 1..size-1 sorted.
// Returns false when the key already exists.
func (p *BPlusTreeInternalPage) Insert(key uint32, value types.PageID) bool {
	index := p.GetSize()
	for i := int32(1); i < p.GetSize(); i++ {
		if key < p.KeyAt(i) {
			index = i
			break
		} else if key == p.KeyAt(i) {
			return false
		}
	}
	for i := p.GetSize(); i > index; i-- {
		p.copyEntry(i, i-1)
	}
	p.SetKeyAt(index, key)
	p.SetValueAt(index, value)
	p.IncreaseSize(1)
	return true
}

// InsertHead makes value the new leftmost child. The previous leftmost child
// moves to slot 1 keyed by the separator taken from the parent.
func (p *BPlusTreeInternalPage) InsertHead(separatorKey uint32, value types.PageID) {
	for i := p.GetSize(); i > 0; i-- {
		p.copyEntry(i, i-1)
	}
	p.SetKeyAt(0, 0)
	p.SetValueAt(0, value)
	p.SetKeyAt(1, separatorKey)
	p.IncreaseSize(1)
}

// RemoveHead drops the leftmost child. The child at slot 1 becomes the new
// leftmost one; its key moves to the unused slot 0 position.
func (p *BPlusTreeInternalPage) RemoveHead() {
	for i := int32(0); i < p.GetSize()-1; i++ {
		p.copyEntry(i, i+1)
	}
	p.IncreaseSize(-1)
}

// RemoveKey deletes the separator/child pair keyed by key.
// Returns false when the key is absent.
func (p *BPlusTreeInternalPage) RemoveKey(key uint32) bool {
	for i := int32(1); i < p.GetSize(); i++ {
		if p.KeyAt(i) == key {
			p.RemovePairAt(i)
			return true
		}
	}
	return false
}

// RemovePairAt deletes the pair at index shifting the successors left
func (p *BPlusTreeInternalPage) RemovePairAt(index int32) {
	for i := index; i < p.GetSize()-1; i++ {
		p.copyEntry(i, i+1)
	}
	p.IncreaseSize(-1)
}

// ClearAt zeroes the pair at index
func (p *BPlusTreeInternalPage) ClearAt(index int32) {
	p.SetKeyAt(index, 0)
	p.SetValueAt(index, types.InvalidPageID)
}
