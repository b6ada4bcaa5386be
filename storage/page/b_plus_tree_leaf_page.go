package page

import (
	"encoding/binary"
	"unsafe"

	"github.com/kujiradb/KujiraDB/types"
)

// Leaf page format (sizes in bytes):
//
//	| common header (20) | NextPageId (4) | Key_0 (4) | Rid_0 (8) | Key_1 (4) | ... |
//
// Keys within the page are strictly ascending. NextPageId links the leaf chain
// used by the forward iterator.
const (
	offsetNextPageID   = sizeIndexPageHeader
	sizeLeafPageHeader = sizeIndexPageHeader + 4
	sizeLeafEntry      = 12
	offsetLeafRid      = 4
)

type BPlusTreeLeafPage struct {
	BPlusTreePage
}

// CastPageAsBPlusTreeLeafPage casts the abstract Page struct into BPlusTreeLeafPage
func CastPageAsBPlusTreeLeafPage(page *Page) *BPlusTreeLeafPage {
	if page == nil {
		return nil
	}
	return (*BPlusTreeLeafPage)(unsafe.Pointer(page))
}

// Init sets up the header of a newly allocated leaf page
func (p *BPlusTreeLeafPage) Init(pageId types.PageID, parentId types.PageID, maxSize int32) {
	p.SetPageId(pageId)
	p.SetParentPageId(parentId)
	p.SetPageType(LeafPageType)
	p.SetMaxSize(maxSize)
	p.SetSize(0)
	p.SetNextPageId(types.InvalidPageID)
}

func (p *BPlusTreeLeafPage) GetNextPageId() types.PageID {
	return types.PageID(binary.LittleEndian.Uint32(p.Data()[offsetNextPageID:]))
}

func (p *BPlusTreeLeafPage) SetNextPageId(nextPageId types.PageID) {
	binary.LittleEndian.PutUint32(p.Data()[offsetNextPageID:], uint32(nextPageId))
}

func (p *BPlusTreeLeafPage) entryOffset(index int32) int32 {
	return sizeLeafPageHeader + index*sizeLeafEntry
}

func (p *BPlusTreeLeafPage) KeyAt(index int32) uint32 {
	offset := p.entryOffset(index)
	return binary.LittleEndian.Uint32(p.Data()[offset:])
}

func (p *BPlusTreeLeafPage) SetKeyAt(index int32, key uint32) {
	offset := p.entryOffset(index)
	binary.LittleEndian.PutUint32(p.Data()[offset:], key)
}

func (p *BPlusTreeLeafPage) ValueAt(index int32) RID {
	offset := p.entryOffset(index) + offsetLeafRid
	pageId := types.PageID(binary.LittleEndian.Uint32(p.Data()[offset:]))
	slot := binary.LittleEndian.Uint32(p.Data()[offset+4:])
	return RID{pageId, slot}
}

func (p *BPlusTreeLeafPage) SetValueAt(index int32, rid RID) {
	offset := p.entryOffset(index) + offsetLeafRid
	binary.LittleEndian.PutUint32(p.Data()[offset:], uint32(rid.PageId))
	binary.LittleEndian.PutUint32(p.Data()[offset+4:], rid.SlotNum)
}

// PairAt returns the key/rid pair stored at index
func (p *BPlusTreeLeafPage) PairAt(index int32) (uint32, RID) {
	return p.KeyAt(index), p.ValueAt(index)
}

func (p *BPlusTreeLeafPage) copyEntry(to int32, from int32) {
	toOffset := p.entryOffset(to)
	fromOffset := p.entryOffset(from)
	copy(p.Data()[toOffset:toOffset+sizeLeafEntry], p.Data()[fromOffset:fromOffset+sizeLeafEntry])
}

// Insert stores the pair keeping the keys sorted.
// Returns false when the key already exists; the page is left untouched then.
func (p *BPlusTreeLeafPage) Insert(key uint32, rid RID) bool {
	index := p.GetSize()
	for i := int32(0); i < p.GetSize(); i++ {
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
	p.SetValueAt(index, rid)
	p.IncreaseSize(1)
	return true
}

// Lookup finds the rid stored for key
func (p *BPlusTreeLeafPage) Lookup(key uint32) (RID, bool) {
	for i := int32(0); i < p.GetSize(); i++ {
		if p.KeyAt(i) == key {
			return p.ValueAt(i), true
		}
	}
	return RID{}, false
}

// KeyExist checks whether key is stored in this page
func (p *BPlusTreeLeafPage) KeyExist(key uint32) bool {
	_, found := p.Lookup(key)
	return found
}

// KeyIndex returns the first index whose key is not less than key
func (p *BPlusTreeLeafPage) KeyIndex(key uint32) int32 {
	for i := int32(0); i < p.GetSize(); i++ {
		if p.KeyAt(i) >= key {
			return i
		}
	}
	return p.GetSize()
}

// RemoveKey deletes the pair stored for key. Returns false when key is absent.
func (p *BPlusTreeLeafPage) RemoveKey(key uint32) bool {
	for i := int32(0); i < p.GetSize(); i++ {
		if p.KeyAt(i) == key {
			p.RemovePairAt(i)
			return true
		}
	}
	return false
}

// RemovePairAt deletes the pair at index shifting the successors left
func (p *BPlusTreeLeafPage) RemovePairAt(index int32) {
	for i := index; i < p.GetSize()-1; i++ {
		p.copyEntry(i, i+1)
	}
	p.IncreaseSize(-1)
}
