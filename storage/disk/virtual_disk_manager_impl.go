package disk

import (
	"sync"

	"github.com/dsnet/golib/memfile"
	"github.com/kujiradb/KujiraDB/common"
	"github.com/kujiradb/KujiraDB/types"
)

// VirtualDiskManagerImpl is a DiskManager which uses on memory virtual storage.
// It exists for test cases which should not touch the real filesystem.
type VirtualDiskManagerImpl struct {
	db             *memfile.File
	fileName       string
	nextPageID     types.PageID
	numWrites      uint64
	size           int64
	dbFileMutex    *sync.Mutex
	deallocedIDMap map[types.PageID]bool
}

func NewVirtualDiskManagerImpl(dbFilename string) DiskManager {
	file := memfile.New(make([]byte, 0))

	return &VirtualDiskManagerImpl{file, dbFilename, types.PageID(0), 0, int64(0), new(sync.Mutex), make(map[types.PageID]bool)}
}

// ShutDown does nothing. virtual storage is simply garbage collected
func (d *VirtualDiskManagerImpl) ShutDown() {
}

// WritePage writes a page to the virtual db file
func (d *VirtualDiskManagerImpl) WritePage(pageId types.PageID, pageData []byte) error {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()

	offset := int64(pageId) * int64(common.PageSize)
	d.db.WriteAt(pageData, offset)

	if offset >= d.size {
		d.size = offset + int64(len(pageData))
	}

	d.numWrites++
	return nil
}

// ReadPage reads a page from the virtual db file
func (d *VirtualDiskManagerImpl) ReadPage(pageID types.PageID, pageData []byte) error {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()

	if deallocated, exist := d.deallocedIDMap[pageID]; exist && deallocated {
		return types.DeallocatedPageErr
	}

	offset := int64(pageID) * int64(common.PageSize)

	if offset >= d.size {
		// never flushed pages read back as zeroes
		for i := 0; i < common.PageSize; i++ {
			pageData[i] = 0
		}
		return nil
	}

	n, _ := d.db.ReadAt(pageData, offset)
	for i := n; i < common.PageSize; i++ {
		pageData[i] = 0
	}
	return nil
}

func (d *VirtualDiskManagerImpl) AllocatePage() types.PageID {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()

	ret := d.nextPageID
	d.nextPageID++
	delete(d.deallocedIDMap, ret)
	return ret
}

func (d *VirtualDiskManagerImpl) DeallocatePage(pageID types.PageID) {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()

	d.deallocedIDMap[pageID] = true
}

// GetNumWrites returns the number of (virtual) disk writes
func (d *VirtualDiskManagerImpl) GetNumWrites() uint64 {
	return d.numWrites
}

// Size returns the size of the virtual file
func (d *VirtualDiskManagerImpl) Size() int64 {
	return d.size
}
