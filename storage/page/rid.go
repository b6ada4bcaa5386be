package page

import (
	"fmt"

	"github.com/kujiradb/KujiraDB/types"
)

// RID is the record identifier for the given page identifier and slot number
type RID struct {
	PageId  types.PageID
	SlotNum uint32
}

// Set sets the record identifier
func (r *RID) Set(pageId types.PageID, slot uint32) {
	r.PageId = pageId
	r.SlotNum = slot
}

// GetPageId gets the page id
func (r *RID) GetPageId() types.PageID {
	return r.PageId
}

// GetSlot gets the slot number
func (r *RID) GetSlot() uint32 {
	return r.SlotNum
}

func (r *RID) ToString() string {
	return fmt.Sprintf("{%d %d}", r.PageId, r.SlotNum)
}
