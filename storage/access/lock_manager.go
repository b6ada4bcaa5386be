package access

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	pair "github.com/notEpsilon/go-pair"

	"github.com/kujiradb/KujiraDB/common"
	"github.com/kujiradb/KujiraDB/storage/page"
	"github.com/kujiradb/KujiraDB/types"
)

type LockMode int32

const (
	INTENTION_SHARED LockMode = iota
	INTENTION_EXCLUSIVE
	SHARED
	SHARED_INTENTION_EXCLUSIVE
	EXCLUSIVE
)

// LockRequest records one transaction waiting for or holding a lock on a resource
type LockRequest struct {
	txnID    types.TxnID
	lockMode LockMode
	oid      uint32
	rid      page.RID
	granted  bool
}

func NewLockRequest(txnID types.TxnID, lockMode LockMode, oid uint32) *LockRequest {
	return &LockRequest{txnID, lockMode, oid, page.RID{}, false}
}

func NewRowLockRequest(txnID types.TxnID, lockMode LockMode, oid uint32, rid page.RID) *LockRequest {
	return &LockRequest{txnID, lockMode, oid, rid, false}
}

// LockRequestQueue serializes the lock requests of one resource in FIFO order
type LockRequestQueue struct {
	requestQueue []*LockRequest
	mutex        *sync.Mutex
	cv           *sync.Cond
	// the transaction currently performing an upgrade on this queue
	upgrading types.TxnID
}

func NewLockRequestQueue() *LockRequestQueue {
	mutex := new(sync.Mutex)
	return &LockRequestQueue{make([]*LockRequest, 0), mutex, sync.NewCond(mutex), types.InvalidTxnID}
}

func (queue *LockRequestQueue) removeRequest(target *LockRequest) {
	for i, req := range queue.requestQueue {
		if req == target {
			queue.requestQueue = append(queue.requestQueue[:i], queue.requestQueue[i+1:]...)
			return
		}
	}
}

/**
 * LockManager handles transactions asking for table and row locks under
 * hierarchical two phase locking. Deadlocks are resolved by a background
 * cycle detection task which aborts the youngest transaction on a cycle.
 */
type LockManager struct {
	tableLockMap      map[uint32]*LockRequestQueue
	tableLockMapMutex *sync.Mutex
	rowLockMap        map[page.RID]*LockRequestQueue
	rowLockMapMutex   *sync.Mutex

	waitsFor      map[types.TxnID][]types.TxnID
	waitsForMutex *sync.Mutex
	// the outgoing edge of the last victim on its cycle; removed before the next pass
	toRemove pair.Pair[types.TxnID, types.TxnID]

	enableCycleDetection int32
	detectionDone        chan bool
}

func NewLockManager() *LockManager {
	return &LockManager{
		tableLockMap:      make(map[uint32]*LockRequestQueue),
		tableLockMapMutex: new(sync.Mutex),
		rowLockMap:        make(map[page.RID]*LockRequestQueue),
		rowLockMapMutex:   new(sync.Mutex),
		waitsFor:          make(map[types.TxnID][]types.TxnID),
		waitsForMutex:     new(sync.Mutex),
	}
}

/*
* [LOCK_NOTE]: For all locking functions, we:
* 1. return (false, nil) when the transaction was aborted while waiting; and
* 2. block on wait, return (true, nil) when the lock request is granted; and
* 3. return (false, *TransactionAbortError) when the request breaks a locking
*    rule. The transaction has been moved to the ABORTED state then.
 */

// LockTable acquires a lock on the table in the given mode, blocking until
// the queue grants it.
func (lm *LockManager) LockTable(txn *Transaction, lockMode LockMode, oid uint32) (bool, error) {
	ok, err := lm.tableLockValidate(txn, lockMode)
	if !ok {
		return false, err
	}

	lm.tableLockMapMutex.Lock()
	queue, exist := lm.tableLockMap[oid]
	if !exist {
		queue = NewLockRequestQueue()
		lm.tableLockMap[oid] = queue
	}
	lm.tableLockMapMutex.Unlock()

	return lm.tryLockTable(txn, lockMode, queue, oid)
}

// UnlockTable releases the table lock held by the transaction. All row locks
// on the table must have been released before.
func (lm *LockManager) UnlockTable(txn *Transaction, oid uint32) (bool, error) {
	if rows, ok := txn.GetSharedRowLockSet()[oid]; ok && rows.Cardinality() > 0 {
		txn.SetState(ABORTED)
		return false, NewTransactionAbortError(txn.GetTransactionId(), TABLE_UNLOCKED_BEFORE_UNLOCKING_ROWS)
	}
	if rows, ok := txn.GetExclusiveRowLockSet()[oid]; ok && rows.Cardinality() > 0 {
		txn.SetState(ABORTED)
		return false, NewTransactionAbortError(txn.GetTransactionId(), TABLE_UNLOCKED_BEFORE_UNLOCKING_ROWS)
	}

	lm.tableLockMapMutex.Lock()
	queue, exist := lm.tableLockMap[oid]
	if !exist {
		queue = NewLockRequestQueue()
		lm.tableLockMap[oid] = queue
	}
	lm.tableLockMapMutex.Unlock()

	queue.mutex.Lock()
	var unlockReq *LockRequest
	for _, req := range queue.requestQueue {
		if req.granted && req.txnID == txn.GetTransactionId() {
			unlockReq = req
			break
		}
	}
	if unlockReq == nil {
		queue.mutex.Unlock()
		txn.SetState(ABORTED)
		return false, NewTransactionAbortError(txn.GetTransactionId(), ATTEMPTED_UNLOCK_BUT_NO_LOCK_HELD)
	}
	queue.removeRequest(unlockReq)
	err := lm.twoPCPhaseChange(txn, unlockReq)
	if err != nil {
		queue.mutex.Unlock()
		return false, err
	}
	common.SH_Assert(lm.removeTxnTableSet(txn, oid), "unlocked table is missing from the bookkeeping sets")
	queue.mutex.Unlock()
	queue.cv.Broadcast()
	return true, nil
}

// LockRow acquires a row lock. Only SHARED and EXCLUSIVE are legal row modes
// and a matching table level lock must be held.
func (lm *LockManager) LockRow(txn *Transaction, lockMode LockMode, oid uint32, rid page.RID) (bool, error) {
	ok, err := lm.rowLockValidate(txn, lockMode)
	if !ok {
		return false, err
	}

	lm.rowLockMapMutex.Lock()
	queue, exist := lm.rowLockMap[rid]
	if !exist {
		queue = NewLockRequestQueue()
		lm.rowLockMap[rid] = queue
	}
	lm.rowLockMapMutex.Unlock()

	return lm.tryLockRow(txn, lockMode, oid, rid, queue)
}

// UnlockRow releases the row lock held by the transaction
func (lm *LockManager) UnlockRow(txn *Transaction, oid uint32, rid page.RID) (bool, error) {
	lm.rowLockMapMutex.Lock()
	queue, exist := lm.rowLockMap[rid]
	if !exist {
		queue = NewLockRequestQueue()
		lm.rowLockMap[rid] = queue
	}
	lm.rowLockMapMutex.Unlock()

	queue.mutex.Lock()
	var unlockReq *LockRequest
	for _, req := range queue.requestQueue {
		if req.granted && req.txnID == txn.GetTransactionId() {
			unlockReq = req
			break
		}
	}
	if unlockReq == nil {
		queue.mutex.Unlock()
		txn.SetState(ABORTED)
		return false, NewTransactionAbortError(txn.GetTransactionId(), ATTEMPTED_UNLOCK_BUT_NO_LOCK_HELD)
	}
	queue.removeRequest(unlockReq)
	err := lm.twoPCPhaseChange(txn, unlockReq)
	if err != nil {
		queue.mutex.Unlock()
		return false, err
	}
	common.SH_Assert(lm.removeTxnRowSet(txn, rid, oid), "unlocked row is missing from the bookkeeping sets")
	queue.mutex.Unlock()
	queue.cv.Broadcast()
	return true, nil
}

func (lm *LockManager) tryLockTable(txn *Transaction, lockMode LockMode, queue *LockRequestQueue, oid uint32) (bool, error) {
	queue.mutex.Lock()
	oldReq, err := lm.checkUpgrade(txn, lockMode, queue)
	if err != nil {
		queue.mutex.Unlock()
		return false, err
	}
	upgraded := false
	if oldReq != nil {
		if oldReq.lockMode == lockMode {
			// upgrade to the mode already held, just return
			queue.mutex.Unlock()
			return true, nil
		}
		queue.removeRequest(oldReq)
		upgraded = true
		common.SH_Assert(lm.removeTxnTableSet(txn, oid), "upgraded lock is missing from the bookkeeping sets")
		queue.upgrading = txn.GetTransactionId()
	}
	newReq := NewLockRequest(txn.GetTransactionId(), lockMode, oid)
	queue.requestQueue = append(queue.requestQueue, newReq)

	for txn.GetState() != ABORTED && !lm.applyLock(txn, queue, lockMode) {
		queue.cv.Wait()
	}
	if txn.GetState() == ABORTED {
		if upgraded {
			queue.upgrading = types.InvalidTxnID
		}
		queue.removeRequest(newReq)
		queue.mutex.Unlock()
		queue.cv.Broadcast()
		return false, nil
	}
	lm.tableBookKeeping(txn, lockMode, oid)
	newReq.granted = true
	if upgraded {
		queue.upgrading = types.InvalidTxnID
	}
	queue.mutex.Unlock()
	return true, nil
}

func (lm *LockManager) tryLockRow(txn *Transaction, lockMode LockMode, oid uint32, rid page.RID, queue *LockRequestQueue) (bool, error) {
	if !lm.checkTableLockForRow(txn, lockMode, oid) {
		txn.SetState(ABORTED)
		return false, NewTransactionAbortError(txn.GetTransactionId(), TABLE_LOCK_NOT_PRESENT)
	}
	queue.mutex.Lock()
	oldReq, err := lm.checkUpgrade(txn, lockMode, queue)
	if err != nil {
		queue.mutex.Unlock()
		return false, err
	}
	upgraded := false
	if oldReq != nil {
		if oldReq.lockMode == lockMode {
			queue.mutex.Unlock()
			return true, nil
		}
		queue.removeRequest(oldReq)
		upgraded = true
		common.SH_Assert(lm.removeTxnRowSet(txn, rid, oid), "upgraded lock is missing from the bookkeeping sets")
		queue.upgrading = txn.GetTransactionId()
	}
	newReq := NewRowLockRequest(txn.GetTransactionId(), lockMode, oid, rid)
	queue.requestQueue = append(queue.requestQueue, newReq)

	for txn.GetState() != ABORTED && !lm.applyLock(txn, queue, lockMode) {
		queue.cv.Wait()
	}
	if txn.GetState() == ABORTED {
		if upgraded {
			queue.upgrading = types.InvalidTxnID
		}
		queue.removeRequest(newReq)
		queue.mutex.Unlock()
		queue.cv.Broadcast()
		return false, nil
	}
	lm.rowBookKeeping(txn, lockMode, oid, rid)
	newReq.granted = true
	if upgraded {
		queue.upgrading = types.InvalidTxnID
	}
	queue.mutex.Unlock()
	return true, nil
}

// applyLock decides whether the request can be granted now. The caller holds
// the queue latch. A request is grantable when it is compatible with every
// grant of other transactions, an in-flight upgrade belongs to the requester
// and every strictly earlier waiter is compatible with it (FIFO fairness).
func (lm *LockManager) applyLock(txn *Transaction, queue *LockRequestQueue, lockMode LockMode) bool {
	for _, req := range queue.requestQueue {
		if req.txnID == txn.GetTransactionId() {
			continue
		}
		if req.granted {
			if !checkCompatible(req.lockMode, lockMode) {
				return false
			}
		}
	}
	if queue.upgrading != types.InvalidTxnID {
		return queue.upgrading == txn.GetTransactionId()
	}
	// FIFO
	for _, req := range queue.requestQueue {
		if req.txnID == txn.GetTransactionId() {
			break
		}
		if !req.granted {
			if !checkCompatible(req.lockMode, lockMode) {
				return false
			}
		}
	}
	return true
}

// checkCompatible implements the hierarchical compatibility matrix
func checkCompatible(oldMode LockMode, newMode LockMode) bool {
	if newMode == EXCLUSIVE {
		return false
	}
	if newMode == SHARED_INTENTION_EXCLUSIVE {
		return oldMode == INTENTION_SHARED
	}
	if newMode == SHARED {
		return oldMode == INTENTION_SHARED || oldMode == SHARED
	}
	if newMode == INTENTION_EXCLUSIVE {
		return oldMode == INTENTION_SHARED || oldMode == INTENTION_EXCLUSIVE
	}
	if newMode == INTENTION_SHARED {
		return oldMode != EXCLUSIVE
	}
	return true
}

// checkUpgrade looks for an already granted request of the transaction on the
// queue. When one exists the new request is an upgrade; only one upgrade may
// be in flight per queue and only the legal mode transitions pass.
func (lm *LockManager) checkUpgrade(txn *Transaction, lockMode LockMode, queue *LockRequestQueue) (*LockRequest, error) {
	var beforeUpgrade *LockRequest
	for _, req := range queue.requestQueue {
		if req.txnID == txn.GetTransactionId() {
			common.SH_Assert(req.granted, "request of the upgrading transaction must be granted")
			beforeUpgrade = req
			break
		}
	}
	if beforeUpgrade == nil {
		return nil, nil
	}
	if queue.upgrading != types.InvalidTxnID {
		txn.SetState(ABORTED)
		return nil, NewTransactionAbortError(txn.GetTransactionId(), UPGRADE_CONFLICT)
	}
	if beforeUpgrade.lockMode == lockMode {
		return beforeUpgrade, nil
	}
	switch beforeUpgrade.lockMode {
	case SHARED:
		if lockMode == INTENTION_SHARED || lockMode == INTENTION_EXCLUSIVE {
			txn.SetState(ABORTED)
			return nil, NewTransactionAbortError(txn.GetTransactionId(), INCOMPATIBLE_UPGRADE)
		}
	case EXCLUSIVE:
		txn.SetState(ABORTED)
		return nil, NewTransactionAbortError(txn.GetTransactionId(), INCOMPATIBLE_UPGRADE)
	case INTENTION_SHARED:
		// upgradable to every other mode
	case INTENTION_EXCLUSIVE:
		if lockMode == SHARED || lockMode == INTENTION_SHARED {
			txn.SetState(ABORTED)
			return nil, NewTransactionAbortError(txn.GetTransactionId(), INCOMPATIBLE_UPGRADE)
		}
	case SHARED_INTENTION_EXCLUSIVE:
		if lockMode != EXCLUSIVE {
			txn.SetState(ABORTED)
			return nil, NewTransactionAbortError(txn.GetTransactionId(), INCOMPATIBLE_UPGRADE)
		}
	}
	return beforeUpgrade, nil
}

// tableLockValidate enforces the isolation level / 2PL state rules for table locks
func (lm *LockManager) tableLockValidate(txn *Transaction, lockMode LockMode) (bool, error) {
	if txn.GetState() == ABORTED || txn.GetState() == COMMITTED {
		return false, nil
	}
	if txn.GetState() == SHRINKING {
		if txn.GetIsolationLevel() == READ_UNCOMMITTED {
			txn.SetState(ABORTED)
			return false, NewTransactionAbortError(txn.GetTransactionId(), LOCK_ON_SHRINKING)
		}
		if txn.GetIsolationLevel() == READ_COMMITTED &&
			(lockMode != INTENTION_SHARED && lockMode != SHARED) {
			txn.SetState(ABORTED)
			return false, NewTransactionAbortError(txn.GetTransactionId(), LOCK_ON_SHRINKING)
		}
		if txn.GetIsolationLevel() == REPEATABLE_READ {
			txn.SetState(ABORTED)
			return false, NewTransactionAbortError(txn.GetTransactionId(), LOCK_ON_SHRINKING)
		}
	}
	// growing
	if txn.GetIsolationLevel() == READ_UNCOMMITTED &&
		(lockMode == SHARED || lockMode == INTENTION_SHARED || lockMode == SHARED_INTENTION_EXCLUSIVE) {
		txn.SetState(ABORTED)
		return false, NewTransactionAbortError(txn.GetTransactionId(), LOCK_SHARED_ON_READ_UNCOMMITTED)
	}
	return true, nil
}

// rowLockValidate enforces the row mode restriction and the isolation level /
// 2PL state rules for row locks
func (lm *LockManager) rowLockValidate(txn *Transaction, lockMode LockMode) (bool, error) {
	if txn.GetState() == ABORTED || txn.GetState() == COMMITTED {
		return false, nil
	}
	if lockMode != SHARED && lockMode != EXCLUSIVE {
		txn.SetState(ABORTED)
		return false, NewTransactionAbortError(txn.GetTransactionId(), ATTEMPTED_INTENTION_LOCK_ON_ROW)
	}
	if txn.GetState() == SHRINKING {
		if txn.GetIsolationLevel() == READ_UNCOMMITTED {
			txn.SetState(ABORTED)
			return false, NewTransactionAbortError(txn.GetTransactionId(), LOCK_ON_SHRINKING)
		}
		if txn.GetIsolationLevel() == READ_COMMITTED {
			if lockMode == SHARED {
				return true, nil
			}
			txn.SetState(ABORTED)
			return false, NewTransactionAbortError(txn.GetTransactionId(), LOCK_ON_SHRINKING)
		}
		if txn.GetIsolationLevel() == REPEATABLE_READ {
			txn.SetState(ABORTED)
			return false, NewTransactionAbortError(txn.GetTransactionId(), LOCK_ON_SHRINKING)
		}
	}
	// growing
	if txn.GetIsolationLevel() == READ_UNCOMMITTED && lockMode == SHARED {
		txn.SetState(ABORTED)
		return false, NewTransactionAbortError(txn.GetTransactionId(), LOCK_SHARED_ON_READ_UNCOMMITTED)
	}
	return true, nil
}

// checkTableLockForRow checks the table level lock required before a row lock
func (lm *LockManager) checkTableLockForRow(txn *Transaction, lockMode LockMode, oid uint32) bool {
	if lockMode == SHARED {
		return txn.IsTableExclusiveLocked(oid) || txn.IsTableIntentionSharedLocked(oid) ||
			txn.IsTableSharedLocked(oid) || txn.IsTableSharedIntentionExclusiveLocked(oid) ||
			txn.IsTableIntentionExclusiveLocked(oid)
	}
	return txn.IsTableExclusiveLocked(oid) || txn.IsTableSharedIntentionExclusiveLocked(oid) ||
		txn.IsTableIntentionExclusiveLocked(oid)
}

// twoPCPhaseChange moves the transaction from GROWING to SHRINKING when the
// released mode requires it under the transaction's isolation level
func (lm *LockManager) twoPCPhaseChange(txn *Transaction, req *LockRequest) error {
	if txn.GetState() == COMMITTED || txn.GetState() == ABORTED {
		return nil
	}
	switch txn.GetIsolationLevel() {
	case REPEATABLE_READ:
		if req.lockMode == SHARED || req.lockMode == EXCLUSIVE {
			txn.SetState(SHRINKING)
		}
	case READ_COMMITTED:
		if req.lockMode == EXCLUSIVE {
			txn.SetState(SHRINKING)
		}
	case READ_UNCOMMITTED:
		if req.lockMode == SHARED {
			txn.SetState(ABORTED)
			return NewTransactionAbortError(txn.GetTransactionId(), ATTEMPTED_UNLOCK_BUT_NO_LOCK_HELD)
		}
		if req.lockMode == EXCLUSIVE {
			txn.SetState(SHRINKING)
		}
	}
	return nil
}

func (lm *LockManager) tableBookKeeping(txn *Transaction, lockMode LockMode, oid uint32) {
	switch lockMode {
	case SHARED:
		txn.GetSharedTableLockSet().Add(oid)
	case EXCLUSIVE:
		txn.GetExclusiveTableLockSet().Add(oid)
	case INTENTION_SHARED:
		txn.GetIntentionSharedTableLockSet().Add(oid)
	case INTENTION_EXCLUSIVE:
		txn.GetIntentionExclusiveTableLockSet().Add(oid)
	case SHARED_INTENTION_EXCLUSIVE:
		txn.GetSharedIntentionExclusiveTableLockSet().Add(oid)
	}
}

func (lm *LockManager) removeTxnTableSet(txn *Transaction, oid uint32) bool {
	tableSets := []mapset.Set[uint32]{
		txn.GetSharedTableLockSet(),
		txn.GetExclusiveTableLockSet(),
		txn.GetIntentionSharedTableLockSet(),
		txn.GetIntentionExclusiveTableLockSet(),
		txn.GetSharedIntentionExclusiveTableLockSet(),
	}
	for _, set := range tableSets {
		if set.Contains(oid) {
			set.Remove(oid)
			return true
		}
	}
	return false
}

func (lm *LockManager) rowBookKeeping(txn *Transaction, lockMode LockMode, oid uint32, rid page.RID) {
	switch lockMode {
	case SHARED:
		rows, ok := txn.GetSharedRowLockSet()[oid]
		if !ok {
			rows = mapset.NewSet[page.RID]()
			txn.GetSharedRowLockSet()[oid] = rows
		}
		rows.Add(rid)
	case EXCLUSIVE:
		rows, ok := txn.GetExclusiveRowLockSet()[oid]
		if !ok {
			rows = mapset.NewSet[page.RID]()
			txn.GetExclusiveRowLockSet()[oid] = rows
		}
		rows.Add(rid)
	default:
		common.SH_Assert(false, "row locks are only taken in SHARED or EXCLUSIVE mode")
	}
}

func (lm *LockManager) removeTxnRowSet(txn *Transaction, rid page.RID, oid uint32) bool {
	if rows, ok := txn.GetExclusiveRowLockSet()[oid]; ok && rows.Contains(rid) {
		rows.Remove(rid)
		return true
	}
	if rows, ok := txn.GetSharedRowLockSet()[oid]; ok && rows.Contains(rid) {
		rows.Remove(rid)
		return true
	}
	return false
}

/*** Graph API ***/

// AddEdge adds the edge t1 -> t2 to the waits-for graph
func (lm *LockManager) AddEdge(t1 types.TxnID, t2 types.TxnID) {
	for _, t := range lm.waitsFor[t1] {
		if t == t2 {
			return
		}
	}
	lm.waitsFor[t1] = append(lm.waitsFor[t1], t2)
}

// RemoveEdge removes the edge t1 -> t2 from the waits-for graph
func (lm *LockManager) RemoveEdge(t1 types.TxnID, t2 types.TxnID) {
	adj := lm.waitsFor[t1]
	for i, t := range adj {
		if t == t2 {
			lm.waitsFor[t1] = append(adj[:i], adj[i+1:]...)
			return
		}
	}
}

// GetEdgeList returns every edge in the graph, used for testing only
func (lm *LockManager) GetEdgeList() []pair.Pair[types.TxnID, types.TxnID] {
	edges := make([]pair.Pair[types.TxnID, types.TxnID], 0)
	for from, adj := range lm.waitsFor {
		for _, to := range adj {
			edges = append(edges, pair.Pair[types.TxnID, types.TxnID]{First: from, Second: to})
		}
	}
	return edges
}

// HasCycle runs a DFS over the waits-for graph from the sources in ascending
// txn id order. When a cycle exists it stores the youngest transaction of the
// cycle (the one with the highest id) to txnID and remembers the outgoing
// edge of the victim for removal.
func (lm *LockManager) HasCycle(txnID *types.TxnID) bool {
	keys := make([]types.TxnID, 0, len(lm.waitsFor))
	for key := range lm.waitsFor {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	visited := mapset.NewSet[types.TxnID]()
	path := make([]types.TxnID, 0)
	for _, key := range keys {
		var circled types.TxnID
		if lm.dfs(key, visited, &path, &circled) {
			start := 0
			for i, t := range path {
				if t == circled {
					start = i
					break
				}
			}
			cycle := path[start:]
			victimIdx := 0
			for i, t := range cycle {
				if t > cycle[victimIdx] {
					victimIdx = i
				}
			}
			victim := cycle[victimIdx]
			next := cycle[(victimIdx+1)%len(cycle)]
			lm.toRemove = pair.Pair[types.TxnID, types.TxnID]{First: victim, Second: next}
			*txnID = victim
			return true
		}
	}
	return false
}

func (lm *LockManager) dfs(txn types.TxnID, visited mapset.Set[types.TxnID], path *[]types.TxnID, circled *types.TxnID) bool {
	adj := lm.waitsFor[txn]
	if len(adj) == 0 {
		return false
	}
	visited.Add(txn)
	*path = append(*path, txn)
	for _, next := range adj {
		if !visited.Contains(next) {
			if lm.dfs(next, visited, path, circled) {
				return true
			}
		} else {
			*circled = next
			return true
		}
	}
	visited.Remove(txn)
	*path = (*path)[:len(*path)-1]
	return false
}

// buildGraph snapshots both lock maps into waits-for edges: a waiting request
// waits for every granted request it is incompatible with
func (lm *LockManager) buildGraph() {
	for _, queue := range lm.tableLockMap {
		queue.mutex.Lock()
		for _, req := range queue.requestQueue {
			if !req.granted {
				for _, granted := range queue.requestQueue {
					if granted.granted && !checkCompatible(granted.lockMode, req.lockMode) {
						lm.AddEdge(req.txnID, granted.txnID)
					}
				}
			}
		}
		queue.mutex.Unlock()
	}
	for _, queue := range lm.rowLockMap {
		queue.mutex.Lock()
		for _, req := range queue.requestQueue {
			if !req.granted {
				for _, granted := range queue.requestQueue {
					if granted.granted && !checkCompatible(granted.lockMode, req.lockMode) {
						lm.AddEdge(req.txnID, granted.txnID)
					}
				}
			}
		}
		queue.mutex.Unlock()
	}
}

// StartDeadlockDetection launches the background cycle detection task
func (lm *LockManager) StartDeadlockDetection() {
	if !atomic.CompareAndSwapInt32(&lm.enableCycleDetection, 0, 1) {
		return
	}
	lm.detectionDone = make(chan bool)
	go lm.RunCycleDetection()
}

// StopDeadlockDetection stops the background task and waits for it to finish
func (lm *LockManager) StopDeadlockDetection() {
	if !atomic.CompareAndSwapInt32(&lm.enableCycleDetection, 1, 0) {
		return
	}
	<-lm.detectionDone
}

// RunCycleDetection periodically rebuilds the waits-for graph and aborts the
// youngest transaction of every cycle until none remains
func (lm *LockManager) RunCycleDetection() {
	for atomic.LoadInt32(&lm.enableCycleDetection) == 1 {
		time.Sleep(common.CycleDetectionInterval)

		lm.waitsForMutex.Lock()
		lm.tableLockMapMutex.Lock()
		lm.rowLockMapMutex.Lock()

		lm.buildGraph()
		for txnID := range lm.waitsFor {
			adj := lm.waitsFor[txnID]
			sort.Slice(adj, func(i, j int) bool { return adj[i] < adj[j] })
		}

		var dead types.TxnID
		for lm.HasCycle(&dead) {
			common.ShPrintf(common.WARN, "deadlock: aborting txn %d, removing edge %d->%d\n",
				dead, lm.toRemove.First, lm.toRemove.Second)
			lm.RemoveEdge(lm.toRemove.First, lm.toRemove.Second)
			victim := GetTransaction(dead)
			if victim != nil {
				victim.SetState(ABORTED)
			}
			lm.wakeWaiter(dead)
		}
		lm.waitsFor = make(map[types.TxnID][]types.TxnID)
		lm.toRemove = pair.Pair[types.TxnID, types.TxnID]{}

		lm.rowLockMapMutex.Unlock()
		lm.tableLockMapMutex.Unlock()
		lm.waitsForMutex.Unlock()
	}
	lm.detectionDone <- true
}

// wakeWaiter notifies the queues where the aborted transaction still waits so
// that it can observe its state and withdraw the pending request
func (lm *LockManager) wakeWaiter(txnID types.TxnID) {
	for _, queue := range lm.tableLockMap {
		queue.mutex.Lock()
		for _, req := range queue.requestQueue {
			if !req.granted && req.txnID == txnID {
				queue.cv.Broadcast()
				break
			}
		}
		queue.mutex.Unlock()
	}
	for _, queue := range lm.rowLockMap {
		queue.mutex.Lock()
		for _, req := range queue.requestQueue {
			if !req.granted && req.txnID == txnID {
				queue.cv.Broadcast()
				break
			}
		}
		queue.mutex.Unlock()
	}
}
