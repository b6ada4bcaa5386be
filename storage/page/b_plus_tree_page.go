package page

import (
	"encoding/binary"
	"unsafe"

	"github.com/kujiradb/KujiraDB/types"
)

// IndexPageType distinguishes the two B+-tree node layouts sharing one header
type IndexPageType uint32

const (
	InvalidIndexPage IndexPageType = iota
	LeafPageType
	InternalPageType
)

// Both B+-tree page variants start with this header:
//
//	-------------------------------------------------------------------------
//	| PageType (4) | CurrentSize (4) | MaxSize (4) | ParentPageId (4) | PageId (4) |
//	-------------------------------------------------------------------------
//
// Leaf pages additionally store NextPageId (4) right after the common header.
// All fields are little endian.
const (
	offsetPageType     = 0
	offsetCurrentSize  = 4
	offsetMaxSize      = 8
	offsetParentPageID = 12
	offsetPageID       = 16
	sizeIndexPageHeader = 20
)

// BPlusTreePage interprets the raw frame bytes as the common node header
type BPlusTreePage struct {
	Page
}

// CastPageAsBPlusTreePage casts the abstract Page struct into BPlusTreePage
func CastPageAsBPlusTreePage(page *Page) *BPlusTreePage {
	if page == nil {
		return nil
	}
	return (*BPlusTreePage)(unsafe.Pointer(page))
}

func (p *BPlusTreePage) GetPageType() IndexPageType {
	return IndexPageType(binary.LittleEndian.Uint32(p.Data()[offsetPageType:]))
}

func (p *BPlusTreePage) SetPageType(pageType IndexPageType) {
	binary.LittleEndian.PutUint32(p.Data()[offsetPageType:], uint32(pageType))
}

func (p *BPlusTreePage) IsLeafPage() bool {
	return p.GetPageType() == LeafPageType
}

func (p *BPlusTreePage) IsInternalPage() bool {
	return p.GetPageType() == InternalPageType
}

// IsRootPage checks the parent pointer. The root is the only node without a parent.
func (p *BPlusTreePage) IsRootPage() bool {
	return p.GetParentPageId() == types.InvalidPageID
}

func (p *BPlusTreePage) GetSize() int32 {
	return int32(binary.LittleEndian.Uint32(p.Data()[offsetCurrentSize:]))
}

func (p *BPlusTreePage) SetSize(size int32) {
	binary.LittleEndian.PutUint32(p.Data()[offsetCurrentSize:], uint32(size))
}

func (p *BPlusTreePage) IncreaseSize(amount int32) {
	p.SetSize(p.GetSize() + amount)
}

func (p *BPlusTreePage) GetMaxSize() int32 {
	return int32(binary.LittleEndian.Uint32(p.Data()[offsetMaxSize:]))
}

func (p *BPlusTreePage) SetMaxSize(maxSize int32) {
	binary.LittleEndian.PutUint32(p.Data()[offsetMaxSize:], uint32(maxSize))
}

// GetMinSize returns the underflow threshold. slot 0 of an internal page counts
// toward the size, so the same ceiling applies to both node kinds.
func (p *BPlusTreePage) GetMinSize() int32 {
	return (p.GetMaxSize() + 1) / 2
}

func (p *BPlusTreePage) GetParentPageId() types.PageID {
	return types.PageID(binary.LittleEndian.Uint32(p.Data()[offsetParentPageID:]))
}

func (p *BPlusTreePage) SetParentPageId(parentPageId types.PageID) {
	binary.LittleEndian.PutUint32(p.Data()[offsetParentPageID:], uint32(parentPageId))
}

// GetPageId returns the page id stored in the node header
func (p *BPlusTreePage) GetPageId() types.PageID {
	return types.PageID(binary.LittleEndian.Uint32(p.Data()[offsetPageID:]))
}

func (p *BPlusTreePage) SetPageId(pageId types.PageID) {
	binary.LittleEndian.PutUint32(p.Data()[offsetPageID:], uint32(pageId))
}
