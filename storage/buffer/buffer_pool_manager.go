package buffer

import (
	"sync"

	"github.com/ncw/directio"

	"github.com/kujiradb/KujiraDB/common"
	"github.com/kujiradb/KujiraDB/container/hash"
	"github.com/kujiradb/KujiraDB/storage/disk"
	"github.com/kujiradb/KujiraDB/storage/page"
	"github.com/kujiradb/KujiraDB/types"
)

// BufferPoolManager caches a fixed number of disk pages in memory frames.
// The page table routing page ids to frames is an extendible hash table and
// eviction candidates are picked by the LRU-K replacer.
type BufferPoolManager struct {
	diskManager disk.DiskManager
	poolSize    uint32
	pages       []*page.Page // index is FrameID
	replacer    *LRUKReplacer
	freeList    []FrameID
	pageTable   *hash.ExtendibleHashTable
	mutex       *sync.Mutex
}

// NewBufferPoolManager returns an empty buffer pool manager
func NewBufferPoolManager(poolSize uint32, diskManager disk.DiskManager) *BufferPoolManager {
	freeList := make([]FrameID, poolSize)
	pages := make([]*page.Page, poolSize)
	for i := uint32(0); i < poolSize; i++ {
		freeList[i] = FrameID(i)
		pages[i] = nil
	}

	replacer := NewLRUKReplacer(poolSize, common.LRUKReplacerK)
	pageTable := hash.NewExtendibleHashTable(common.BucketSizeOfPageTable)
	return &BufferPoolManager{diskManager, poolSize, pages, replacer, freeList, pageTable, new(sync.Mutex)}
}

// NewPage allocates a new page in the buffer pool with the disk manager help.
// Returns nil only when every frame is pinned.
func (b *BufferPoolManager) NewPage() *page.Page {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	frameID := b.getFrameID()
	if frameID == nil {
		return nil // the buffer is full, it can't find a frame
	}

	pageID := b.diskManager.AllocatePage()
	pg := page.NewEmpty(pageID)

	b.pageTable.Insert(uint32(pageID), uint32(*frameID))
	b.pages[*frameID] = pg
	b.replacer.RecordAccess(*frameID)

	return pg
}

// FetchPage fetches the requested page from the buffer pool,
// reading it from disk when it is not resident.
func (b *BufferPoolManager) FetchPage(pageID types.PageID) *page.Page {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if frameID, ok := b.pageTable.GetValue(uint32(pageID)); ok {
		pg := b.pages[frameID]
		b.replacer.RecordAccess(FrameID(frameID))
		if pg.PinCount() == 0 {
			b.replacer.SetEvictable(FrameID(frameID), false)
		}
		pg.IncPinCount()
		if common.EnableDebug {
			common.ShPrintf(common.DEBUG_INFO, "FetchPage: PageId=%d PinCount=%d\n", pg.GetPageId(), pg.PinCount())
		}
		return pg
	}

	frameID := b.getFrameID()
	if frameID == nil {
		return nil
	}

	data := directio.AlignedBlock(common.PageSize)
	err := b.diskManager.ReadPage(pageID, data)
	if err != nil {
		if err == types.DeallocatedPageErr {
			// target page was already deallocated
			b.freeList = append(b.freeList, *frameID)
			return nil
		}
		common.ShPrintf(common.ERROR, "FetchPage: ReadPage failed: %v\n", err)
		b.freeList = append(b.freeList, *frameID)
		return nil
	}
	var pageData [common.PageSize]byte
	copy(pageData[:], data)
	pg := page.New(pageID, false, &pageData)

	b.pageTable.Insert(uint32(pageID), uint32(*frameID))
	b.pages[*frameID] = pg
	b.replacer.RecordAccess(*frameID)

	return pg
}

// UnpinPage unpins the target page from the buffer pool.
// Returns false when the page is absent or its pin count is already zero.
func (b *BufferPoolManager) UnpinPage(pageID types.PageID, isDirty bool) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	frameID, ok := b.pageTable.GetValue(uint32(pageID))
	if !ok {
		return false
	}
	pg := b.pages[frameID]
	if pg.PinCount() == 0 {
		return false
	}

	if isDirty {
		pg.SetIsDirty(true)
	}
	pg.DecPinCount()
	if pg.PinCount() == 0 {
		b.replacer.SetEvictable(FrameID(frameID), true)
	}
	if common.EnableDebug {
		common.ShPrintf(common.DEBUG_INFO, "UnpinPage: PageId=%d PinCount=%d\n", pg.GetPageId(), pg.PinCount())
	}
	return true
}

// FlushPage flushes the target page to disk
func (b *BufferPoolManager) FlushPage(pageID types.PageID) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.flushPage(pageID)
}

func (b *BufferPoolManager) flushPage(pageID types.PageID) bool {
	if !pageID.IsValid() {
		return false
	}
	frameID, ok := b.pageTable.GetValue(uint32(pageID))
	if !ok {
		return false
	}
	pg := b.pages[frameID]

	data := pg.Data()
	err := b.diskManager.WritePage(pageID, data[:])
	if err != nil {
		return false
	}
	pg.SetIsDirty(false)
	return true
}

// FlushAllPages flushes all the pages in the buffer pool to disk
func (b *BufferPoolManager) FlushAllPages() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, pg := range b.pages {
		if pg != nil && pg.GetPageId().IsValid() {
			b.flushPage(pg.GetPageId())
		}
	}
}

// DeletePage deletes a page from the buffer pool and deallocates its id.
// An absent page counts as success. A pinned page can not be deleted.
func (b *BufferPoolManager) DeletePage(pageID types.PageID) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	frameID, ok := b.pageTable.GetValue(uint32(pageID))
	if !ok {
		return true
	}

	pg := b.pages[frameID]
	if pg.PinCount() > 0 {
		return false
	}

	b.pageTable.Remove(uint32(pageID))
	b.replacer.Remove(FrameID(frameID))
	b.pages[frameID] = nil
	b.freeList = append(b.freeList, FrameID(frameID))
	b.diskManager.DeallocatePage(pageID)

	return true
}

// getFrameID hands out a frame, preferring the free list over eviction.
// The caller must hold the buffer pool latch.
func (b *BufferPoolManager) getFrameID() *FrameID {
	if len(b.freeList) > 0 {
		frameID := b.freeList[0]
		b.freeList = b.freeList[1:]
		return &frameID
	}

	victim := b.replacer.Victim()
	if victim == nil {
		return nil
	}
	currentPage := b.pages[*victim]
	if currentPage != nil {
		common.SH_Assert(currentPage.PinCount() == 0, "pin count of the page to be cached out must be zero")
		if currentPage.IsDirty() {
			data := currentPage.Data()
			b.diskManager.WritePage(currentPage.GetPageId(), data[:])
		}
		b.pageTable.Remove(uint32(currentPage.GetPageId()))
		b.pages[*victim] = nil
	}
	return victim
}

// GetPoolSize returns the number of frames
func (b *BufferPoolManager) GetPoolSize() uint32 {
	return b.poolSize
}

// GetPages is for inspection on tests
func (b *BufferPoolManager) GetPages() []*page.Page {
	return b.pages
}
