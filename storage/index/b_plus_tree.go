package index

import (
	stack "github.com/golang-collections/collections/stack"

	"github.com/kujiradb/KujiraDB/common"
	"github.com/kujiradb/KujiraDB/storage/access"
	"github.com/kujiradb/KujiraDB/storage/buffer"
	"github.com/kujiradb/KujiraDB/storage/page"
	"github.com/kujiradb/KujiraDB/types"
)

type opType int32

const (
	readOp opType = iota
	insertOp
	removeOp
)

// BPlusTree is a disk-resident ordered index over unique uint32 keys.
// All page access goes through the buffer pool; concurrency uses latch
// crabbing with per-page latches plus a virtual root latch which guards
// changes of the root page id itself.
type BPlusTree struct {
	bpm             *buffer.BufferPoolManager
	rootPageID      types.PageID
	leafMaxSize     int32
	internalMaxSize int32
	// latch-only page serializing structural changes above the real root
	virtualRoot *page.Page
}

func NewBPlusTree(bpm *buffer.BufferPoolManager, leafMaxSize int32, internalMaxSize int32) *BPlusTree {
	return &BPlusTree{bpm, types.InvalidPageID, leafMaxSize, internalMaxSize, page.NewVirtual()}
}

// IsEmpty checks whether the tree has a root
func (t *BPlusTree) IsEmpty() bool { return t.rootPageID == types.InvalidPageID }

// GetRootPageId returns the page id of the current root
func (t *BPlusTree) GetRootPageId() types.PageID { return t.rootPageID }

/*****************************************************************************
 * SEARCH
 *****************************************************************************/

// GetValue returns the rid stored for key. The second return value reports
// whether the key exists.
func (t *BPlusTree) GetValue(key uint32, txn *access.Transaction) (page.RID, bool) {
	if t.IsEmpty() {
		return page.RID{}, false
	}
	leaf := t.findLeafPage(key, readOp, txn)
	rid, found := leaf.Lookup(key)
	if txn != nil {
		t.freePagesInTransaction(txn, readOp, nil)
	} else {
		leaf.RUnlatch()
		t.bpm.UnpinPage(leaf.GetPageId(), false)
	}
	return rid, found
}

/*****************************************************************************
 * INSERTION
 *****************************************************************************/

// Insert stores the key/rid pair. Keys are unique; inserting an existing key
// returns false and leaves the tree untouched.
func (t *BPlusTree) Insert(key uint32, value page.RID, txn *access.Transaction) bool {
	common.SH_Assert(txn != nil, "Insert needs a transaction for its crabbing state")
	if t.IsEmpty() {
		if t.startNewTree(key, value) {
			return true
		}
		// another goroutine grew the root first, fall through to the usual path
	}
	leaf := t.findLeafPage(key, insertOp, txn)
	inserted := leaf.Insert(key, value)
	if !inserted {
		t.freePagesInTransaction(txn, insertOp, nil)
		return false
	}

	if leaf.GetSize() >= leaf.GetMaxSize() {
		t.splitLeaf(leaf, txn)
	}
	t.freePagesInTransaction(txn, insertOp, nil)
	return true
}

// startNewTree creates a root leaf holding the first pair. Returns false when
// the tree is not empty anymore by the time the virtual root latch is held.
func (t *BPlusTree) startNewTree(key uint32, value page.RID) bool {
	t.virtualRoot.WLatch()
	if t.rootPageID != types.InvalidPageID {
		t.virtualRoot.WUnlatch()
		return false
	}
	pg := t.bpm.NewPage()
	common.SH_Assert(pg != nil, "buffer pool exhausted while growing the tree")
	leaf := page.CastPageAsBPlusTreeLeafPage(pg)
	leaf.Init(pg.GetPageId(), types.InvalidPageID, t.leafMaxSize)
	leaf.Insert(key, value)
	t.rootPageID = pg.GetPageId()
	t.bpm.UnpinPage(pg.GetPageId(), true)
	t.virtualRoot.WUnlatch()
	return true
}

// splitLeaf moves the upper half of the full leaf into a fresh right sibling
// and pushes the first key of the right half into the parent
func (t *BPlusTree) splitLeaf(leaf *page.BPlusTreeLeafPage, txn *access.Transaction) {
	newPg := t.bpm.NewPage()
	common.SH_Assert(newPg != nil, "buffer pool exhausted while growing the tree")
	newLeaf := page.CastPageAsBPlusTreeLeafPage(newPg)
	upKey := leaf.KeyAt(t.leafMaxSize / 2)
	parent := t.parentForSplit(&leaf.BPlusTreePage, txn)

	newLeaf.Init(newPg.GetPageId(), parent.GetPageId(), t.leafMaxSize)
	newLeaf.SetNextPageId(leaf.GetNextPageId())
	leaf.SetNextPageId(newPg.GetPageId())
	t.transferLeafData(leaf, newLeaf)
	t.bpm.UnpinPage(newPg.GetPageId(), true)
	t.insertInternal(upKey, parent, newPg.GetPageId(), txn)
}

// parentForSplit returns the parent the promoted key goes into, creating a
// new root when the split node is the current root. The caller still holds
// every unsafe ancestor latch, so the returned page stays valid unpinned.
func (t *BPlusTree) parentForSplit(node *page.BPlusTreePage, txn *access.Transaction) *page.BPlusTreeInternalPage {
	parentID := node.GetParentPageId()
	if parentID != types.InvalidPageID {
		parentPg := t.bpm.FetchPage(parentID)
		common.SH_Assert(parentPg != nil, "buffer pool exhausted while growing the tree")
		t.bpm.UnpinPage(parentID, false)
		return page.CastPageAsBPlusTreeInternalPage(parentPg)
	}

	parentPg := t.bpm.NewPage()
	common.SH_Assert(parentPg != nil, "buffer pool exhausted while growing the tree")
	parentPg.WLatch()
	parent := page.CastPageAsBPlusTreeInternalPage(parentPg)
	parent.Init(parentPg.GetPageId(), types.InvalidPageID, t.internalMaxSize)
	parent.SetKeyAt(0, 0)
	parent.SetValueAt(0, node.GetPageId())
	node.SetParentPageId(parentPg.GetPageId())
	t.rootPageID = parentPg.GetPageId()
	t.addPageInTransaction(parentPg.GetPageId(), txn)
	return parent
}

// transferLeafData moves the upper half of the full leaf into the empty one
func (t *BPlusTree) transferLeafData(oldPage *page.BPlusTreeLeafPage, emptyPage *page.BPlusTreeLeafPage) {
	for i := t.leafMaxSize / 2; i < t.leafMaxSize; i++ {
		emptyPage.SetKeyAt(i-t.leafMaxSize/2, oldPage.KeyAt(i))
		emptyPage.SetValueAt(i-t.leafMaxSize/2, oldPage.ValueAt(i))
	}
	oldPage.SetSize(t.leafMaxSize / 2)
	emptyPage.SetSize(t.leafMaxSize - t.leafMaxSize/2)
}

// insertInternal inserts the separator for the freshly split child and keeps
// splitting upward while internal pages overflow
func (t *BPlusTree) insertInternal(key uint32, node *page.BPlusTreeInternalPage, insertedPage types.PageID, txn *access.Transaction) {
	res := node.Insert(key, insertedPage)
	if !res {
		common.ShPrintf(common.ERROR, "internal page insert of child %d failed, duplicated key\n", insertedPage)
		return
	}
	if node.GetSize() <= t.internalMaxSize {
		return
	}

	newPg := t.bpm.NewPage()
	common.SH_Assert(newPg != nil, "buffer pool exhausted while growing the tree")
	newInternal := page.CastPageAsBPlusTreeInternalPage(newPg)
	upKey := node.KeyAt((t.internalMaxSize + 1) / 2)
	parent := t.parentForSplit(&node.BPlusTreePage, txn)

	newInternal.Init(newPg.GetPageId(), parent.GetPageId(), t.internalMaxSize)
	t.transferInternalData(node, newInternal, txn)
	t.bpm.UnpinPage(newPg.GetPageId(), true)
	t.insertInternal(upKey, parent, newPg.GetPageId(), txn)
}

// transferInternalData moves the upper half of the overflowed internal page
// into the empty one and reparents the migrated children
func (t *BPlusTree) transferInternalData(oldPage *page.BPlusTreeInternalPage, emptyPage *page.BPlusTreeInternalPage, txn *access.Transaction) {
	oldRemain := (t.internalMaxSize + 1) / 2
	moveSize := t.internalMaxSize + 1 - oldRemain
	for i := int32(0); i < moveSize; i++ {
		emptyPage.SetKeyAt(i, oldPage.KeyAt(i+oldRemain))
		emptyPage.SetValueAt(i, oldPage.ValueAt(i+oldRemain))
		t.reparent(oldPage.ValueAt(i+oldRemain), emptyPage.GetPageId(), txn)
		oldPage.ClearAt(i + oldRemain)
	}
	oldPage.SetSize(oldRemain)
	emptyPage.SetSize(moveSize)
}

// reparent rewrites the parent pointer of the child page. A child whose latch
// the current operation already holds (it is part of the crabbing page set)
// is written directly; latching it again would self-deadlock.
func (t *BPlusTree) reparent(childID types.PageID, parentID types.PageID, txn *access.Transaction) {
	childPg := t.bpm.FetchPage(childID)
	common.SH_Assert(childPg != nil, "buffer pool exhausted while relinking a child")
	if t.holdsLatchOf(childID, txn) {
		page.CastPageAsBPlusTreePage(childPg).SetParentPageId(parentID)
	} else {
		childPg.WLatch()
		page.CastPageAsBPlusTreePage(childPg).SetParentPageId(parentID)
		childPg.WUnlatch()
	}
	t.bpm.UnpinPage(childID, true)
}

func (t *BPlusTree) holdsLatchOf(pageID types.PageID, txn *access.Transaction) bool {
	if txn == nil {
		return false
	}
	for _, p := range txn.GetPageSet() {
		if p.GetPageId() == pageID {
			return true
		}
	}
	return false
}

/*****************************************************************************
 * REMOVE
 *****************************************************************************/

// Remove deletes the pair stored for key. Deleting a missing key is a no-op.
func (t *BPlusTree) Remove(key uint32, txn *access.Transaction) {
	common.SH_Assert(txn != nil, "Remove needs a transaction for its crabbing state")
	if t.IsEmpty() {
		return
	}
	leaf := t.findLeafPage(key, removeOp, txn)
	if !leaf.KeyExist(key) {
		t.freePagesInTransaction(txn, removeOp, nil)
		return
	}
	t.deleteEntry(key, txn, &leaf.BPlusTreePage)
	t.freePagesInTransaction(txn, removeOp, nil)
}

// deleteEntry removes key from the node and repairs an underflow by merging
// with or borrowing from an adjacent sibling. Merges recurse into the parent.
func (t *BPlusTree) deleteEntry(key uint32, txn *access.Transaction, node *page.BPlusTreePage) {
	t.doRemove(key, node)

	if node.IsRootPage() && node.GetSize() == 1 && node.IsInternalPage() {
		// the root shrank to a single child: promote it
		newRootID := page.CastPageAsBPlusTreeInternalPage(&node.Page).ValueAt(0)
		txn.AddIntoDeletedPageSet(t.rootPageID)
		t.rootPageID = newRootID
		t.reparent(newRootID, types.InvalidPageID, txn)
		return
	}
	if node.IsRootPage() && node.GetSize() == 0 && node.IsLeafPage() {
		txn.AddIntoDeletedPageSet(t.rootPageID)
		t.rootPageID = types.InvalidPageID
		return
	}
	if node.IsRootPage() {
		return
	}

	if node.GetSize() < node.GetMinSize() {
		parentPg := t.bpm.FetchPage(node.GetParentPageId())
		common.SH_Assert(parentPg != nil, "buffer pool exhausted while repairing the tree")
		parent := page.CastPageAsBPlusTreeInternalPage(parentPg)
		t.bpm.UnpinPage(parent.GetPageId(), false)

		siblingBefore, siblingID, separatorKey, keyIndex := t.getSiblingInfo(parent, node)

		siblingPg := t.bpm.FetchPage(siblingID)
		common.SH_Assert(siblingPg != nil, "buffer pool exhausted while repairing the tree")
		siblingPg.WLatch()
		sibling := page.CastPageAsBPlusTreePage(siblingPg)
		t.addPageInTransaction(siblingID, txn)

		// merge whenever both nodes fit in one page, otherwise borrow one pair
		if sibling.GetSize()+node.GetSize() <= node.GetMaxSize() {
			t.mergePages(separatorKey, node, sibling, parent, txn, siblingBefore)
		} else {
			if siblingBefore {
				t.borrowPairFromFront(node, sibling, parent, separatorKey, keyIndex, txn)
			} else {
				t.borrowPairFromAfter(node, sibling, parent, separatorKey, keyIndex, txn)
			}
		}
	}
}

func (t *BPlusTree) doRemove(key uint32, node *page.BPlusTreePage) {
	if node.IsLeafPage() {
		page.CastPageAsBPlusTreeLeafPage(&node.Page).RemoveKey(key)
	} else {
		page.CastPageAsBPlusTreeInternalPage(&node.Page).RemoveKey(key)
	}
}

// getSiblingInfo picks the adjacent sibling, preferring the one immediately
// after the node. It also reports the separator key between the two and its
// slot in the parent.
func (t *BPlusTree) getSiblingInfo(parent *page.BPlusTreeInternalPage, node *page.BPlusTreePage) (bool, types.PageID, uint32, int32) {
	index := parent.ValueIndex(node.GetPageId())
	common.SH_Assert(index >= 0, "node is not referenced by its parent")
	if index+1 < parent.GetSize() {
		return false, parent.ValueAt(index + 1), parent.KeyAt(index + 1), index + 1
	}
	return true, parent.ValueAt(index - 1), parent.KeyAt(index), index
}

// mergePages concatenates the two siblings into the front one, deletes the
// back page and removes the separator from the parent
func (t *BPlusTree) mergePages(separatorKey uint32, node *page.BPlusTreePage, sibling *page.BPlusTreePage, parent *page.BPlusTreeInternalPage, txn *access.Transaction, siblingBefore bool) {
	var frontPage, backPage *page.BPlusTreePage
	if siblingBefore {
		frontPage = sibling
		backPage = node
	} else {
		frontPage = node
		backPage = sibling
	}
	totalSize := node.GetSize() + sibling.GetSize()
	txn.AddIntoDeletedPageSet(backPage.GetPageId())
	t.mergePage(frontPage, backPage, node.IsLeafPage(), separatorKey, txn)
	common.SH_Assert(frontPage.GetSize() == totalSize, "merge lost entries")
	t.deleteEntry(separatorKey, txn, &parent.BPlusTreePage)
}

func (t *BPlusTree) mergePage(frontPage *page.BPlusTreePage, backPage *page.BPlusTreePage, isLeaf bool, separatorKey uint32, txn *access.Transaction) {
	if isLeaf {
		front := page.CastPageAsBPlusTreeLeafPage(&frontPage.Page)
		back := page.CastPageAsBPlusTreeLeafPage(&backPage.Page)
		front.SetNextPageId(back.GetNextPageId())
		for i := int32(0); i < back.GetSize(); i++ {
			front.SetKeyAt(front.GetSize(), back.KeyAt(i))
			front.SetValueAt(front.GetSize(), back.ValueAt(i))
			front.IncreaseSize(1)
		}
	} else {
		front := page.CastPageAsBPlusTreeInternalPage(&frontPage.Page)
		back := page.CastPageAsBPlusTreeInternalPage(&backPage.Page)
		// the parent separator becomes the key of the back segment's slot 0 child
		for i := int32(0); i < back.GetSize(); i++ {
			if i == 0 {
				front.SetKeyAt(front.GetSize(), separatorKey)
			} else {
				front.SetKeyAt(front.GetSize(), back.KeyAt(i))
			}
			front.SetValueAt(front.GetSize(), back.ValueAt(i))
			t.reparent(back.ValueAt(i), front.GetPageId(), txn)
			front.IncreaseSize(1)
		}
	}
}

// borrowPairFromFront takes the last pair of the preceding sibling and makes
// it the first pair of the node, rotating the separator through the parent
func (t *BPlusTree) borrowPairFromFront(node *page.BPlusTreePage, sibling *page.BPlusTreePage, parent *page.BPlusTreeInternalPage, separatorKey uint32, keyIndex int32, txn *access.Transaction) {
	if node.IsLeafPage() {
		leafSibling := page.CastPageAsBPlusTreeLeafPage(&sibling.Page)
		siblingSize := leafSibling.GetSize()
		movedKey := leafSibling.KeyAt(siblingSize - 1)
		movedValue := leafSibling.ValueAt(siblingSize - 1)
		leafSibling.RemovePairAt(siblingSize - 1)
		page.CastPageAsBPlusTreeLeafPage(&node.Page).Insert(movedKey, movedValue)
		parent.SetKeyAt(keyIndex, movedKey)
	} else {
		internalSibling := page.CastPageAsBPlusTreeInternalPage(&sibling.Page)
		siblingSize := internalSibling.GetSize()
		movedKey := internalSibling.KeyAt(siblingSize - 1)
		movedValue := internalSibling.ValueAt(siblingSize - 1)
		internalSibling.RemovePairAt(siblingSize - 1)
		page.CastPageAsBPlusTreeInternalPage(&node.Page).InsertHead(separatorKey, movedValue)
		parent.SetKeyAt(keyIndex, movedKey)
		t.reparent(movedValue, node.GetPageId(), txn)
	}
}

// borrowPairFromAfter takes the first pair of the following sibling
// symmetrically
func (t *BPlusTree) borrowPairFromAfter(node *page.BPlusTreePage, sibling *page.BPlusTreePage, parent *page.BPlusTreeInternalPage, separatorKey uint32, keyIndex int32, txn *access.Transaction) {
	if node.IsLeafPage() {
		leafSibling := page.CastPageAsBPlusTreeLeafPage(&sibling.Page)
		movedKey := leafSibling.KeyAt(0)
		movedValue := leafSibling.ValueAt(0)
		leafSibling.RemovePairAt(0)
		page.CastPageAsBPlusTreeLeafPage(&node.Page).Insert(movedKey, movedValue)
		parent.SetKeyAt(keyIndex, leafSibling.KeyAt(0))
	} else {
		internalSibling := page.CastPageAsBPlusTreeInternalPage(&sibling.Page)
		common.SH_Assert(internalSibling.GetSize() >= 1, "sibling can not be empty")
		movedKey := internalSibling.KeyAt(1)
		movedValue := internalSibling.ValueAt(0)
		internalSibling.RemoveHead()
		page.CastPageAsBPlusTreeInternalPage(&node.Page).Insert(separatorKey, movedValue)
		parent.SetKeyAt(keyIndex, movedKey)
		t.reparent(movedValue, node.GetPageId(), txn)
	}
}

/*****************************************************************************
 * LATCH CRABBING
 *****************************************************************************/

// findLeafPage descends from the root to the leaf covering key. Latches are
// taken crab-wise: ancestors are released as soon as the freshly latched
// child is safe against the pending operation. With a nil transaction (read
// only traversal of iterators) at most one page latch is held at a time.
func (t *BPlusTree) findLeafPage(key uint32, op opType, txn *access.Transaction) *page.BPlusTreeLeafPage {
	if txn != nil {
		if op == readOp {
			t.virtualRoot.RLatch()
		} else {
			t.virtualRoot.WLatch()
		}
		txn.AddIntoPageSet(t.virtualRoot)
	} else {
		t.virtualRoot.RLatch()
	}
	nextPageID := t.rootPageID
	var prev *page.Page
	for {
		node := t.crabbingFetchPage(nextPageID, op, txn, prev)
		if node.IsLeafPage() {
			return page.CastPageAsBPlusTreeLeafPage(&node.Page)
		}
		internal := page.CastPageAsBPlusTreeInternalPage(&node.Page)
		index := internal.GetSize() - 1
		for i := int32(1); i < internal.GetSize(); i++ {
			if key < internal.KeyAt(i) {
				index = i - 1
				break
			}
		}
		prev = &node.Page
		nextPageID = internal.ValueAt(index)
	}
}

// crabbingFetchPage latches the child and releases the held ancestors when
// the child turns out to be safe
func (t *BPlusTree) crabbingFetchPage(pageID types.PageID, op opType, txn *access.Transaction, prev *page.Page) *page.BPlusTreePage {
	pg := t.bpm.FetchPage(pageID)
	common.SH_Assert(pg != nil, "buffer pool exhausted during tree traversal")

	if op == readOp {
		pg.RLatch()
	} else {
		pg.WLatch()
	}
	node := page.CastPageAsBPlusTreePage(pg)
	if t.isSafe(node, op) {
		t.freePagesInTransaction(txn, op, prev)
	}
	if txn != nil {
		txn.AddIntoPageSet(pg)
	}
	return node
}

// isSafe reports whether the pending operation can not propagate past the
// node, so that the ancestors' latches may be dropped
func (t *BPlusTree) isSafe(node *page.BPlusTreePage, op opType) bool {
	switch op {
	case readOp:
		return true
	case insertOp:
		if node.IsLeafPage() {
			return node.GetSize()+1 < node.GetMaxSize()
		}
		return node.GetSize() < node.GetMaxSize()
	default:
		if node.IsRootPage() {
			if node.IsLeafPage() {
				return node.GetSize() > 1
			}
			return node.GetSize() > 2
		}
		return node.GetSize() > node.GetMinSize()
	}
}

// freePagesInTransaction releases the crabbing state: latches in LIFO order,
// one unpin per held page and deferred deallocation of pages deleted by the
// finished operation. Passing a nil transaction releases just prev (or the
// virtual root when prev is nil), which serves the read only traversals.
func (t *BPlusTree) freePagesInTransaction(txn *access.Transaction, op opType, prev *page.Page) {
	if txn == nil {
		if prev == nil {
			if op == readOp {
				t.virtualRoot.RUnlatch()
			} else {
				t.virtualRoot.WUnlatch()
			}
		} else {
			prev.RUnlatch()
			t.bpm.UnpinPage(prev.GetPageId(), false)
		}
		return
	}

	lifo := stack.New()
	for _, p := range txn.GetPageSet() {
		lifo.Push(p)
	}
	for lifo.Len() > 0 {
		p := lifo.Pop().(*page.Page)
		if op == readOp {
			p.RUnlatch()
		} else {
			p.WUnlatch()
		}
		// unpinning the virtual root is a no-op, it has no backing frame
		t.bpm.UnpinPage(p.GetPageId(), op != readOp)
		if txn.GetDeletedPageSet().Contains(p.GetPageId()) {
			t.bpm.DeletePage(p.GetPageId())
			txn.GetDeletedPageSet().Remove(p.GetPageId())
		}
	}
	common.SH_Assert(txn.GetDeletedPageSet().Cardinality() == 0, "deleted page was not part of the crabbing page set")
	txn.ClearPageSet()
}

// addPageInTransaction registers an extra page (new root, merge sibling) with
// the crabbing state so that it is unlatched and unpinned with the rest
func (t *BPlusTree) addPageInTransaction(pageID types.PageID, txn *access.Transaction) {
	pg := t.bpm.FetchPage(pageID)
	common.SH_Assert(pg != nil, "buffer pool exhausted during tree traversal")
	txn.AddIntoPageSet(pg)
	t.bpm.UnpinPage(pageID, false)
}
