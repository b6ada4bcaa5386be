package access

import (
	"sync"

	"github.com/kujiradb/KujiraDB/storage/page"
	"github.com/kujiradb/KujiraDB/types"
)

/**
 * TransactionManager keeps track of all the transactions running in the system.
 */
type TransactionManager struct {
	nextTxnID   types.TxnID
	lockManager *LockManager
	mutex       *sync.Mutex
}

var txnMap = make(map[types.TxnID]*Transaction)
var txnMapMutex = new(sync.Mutex)

// GetTransaction resolves a transaction by id. The deadlock detector uses it
// to reach the victim it decided to abort.
func GetTransaction(txnID types.TxnID) *Transaction {
	txnMapMutex.Lock()
	defer txnMapMutex.Unlock()
	return txnMap[txnID]
}

func NewTransactionManager(lockManager *LockManager) *TransactionManager {
	return &TransactionManager{0, lockManager, new(sync.Mutex)}
}

// Begin starts a new transaction at the given isolation level
func (tm *TransactionManager) Begin(isolationLevel IsolationLevel) *Transaction {
	tm.mutex.Lock()
	tm.nextTxnID += 1
	txn := NewTransaction(tm.nextTxnID, isolationLevel)
	tm.mutex.Unlock()

	txnMapMutex.Lock()
	txnMap[txn.GetTransactionId()] = txn
	txnMapMutex.Unlock()
	return txn
}

// Commit commits the transaction and releases every lock it still holds
func (tm *TransactionManager) Commit(txn *Transaction) {
	txn.SetState(COMMITTED)
	tm.releaseLocks(txn)
}

// Abort aborts the transaction and releases every lock it still holds
func (tm *TransactionManager) Abort(txn *Transaction) {
	txn.SetState(ABORTED)
	tm.releaseLocks(txn)
}

// releaseLocks drops row locks first so that the table unlocks do not trip
// over still-locked rows
func (tm *TransactionManager) releaseLocks(txn *Transaction) {
	type rowLock struct {
		oid uint32
		rid page.RID
	}
	rowLocks := make([]rowLock, 0)
	for oid, rows := range txn.GetSharedRowLockSet() {
		for _, rid := range rows.ToSlice() {
			rowLocks = append(rowLocks, rowLock{oid, rid})
		}
	}
	for oid, rows := range txn.GetExclusiveRowLockSet() {
		for _, rid := range rows.ToSlice() {
			rowLocks = append(rowLocks, rowLock{oid, rid})
		}
	}
	for _, rl := range rowLocks {
		tm.lockManager.UnlockRow(txn, rl.oid, rl.rid)
	}

	tableLocks := make([]uint32, 0)
	tableLocks = append(tableLocks, txn.GetSharedTableLockSet().ToSlice()...)
	tableLocks = append(tableLocks, txn.GetExclusiveTableLockSet().ToSlice()...)
	tableLocks = append(tableLocks, txn.GetIntentionSharedTableLockSet().ToSlice()...)
	tableLocks = append(tableLocks, txn.GetIntentionExclusiveTableLockSet().ToSlice()...)
	tableLocks = append(tableLocks, txn.GetSharedIntentionExclusiveTableLockSet().ToSlice()...)
	for _, oid := range tableLocks {
		tm.lockManager.UnlockTable(txn, oid)
	}
}
