package access

import (
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kujiradb/KujiraDB/storage/page"
	"github.com/kujiradb/KujiraDB/types"
)

/**
 * Transaction states:
 *
 *     _________________________
 *    |                         v
 * GROWING -> SHRINKING -> COMMITTED   ABORTED
 *    |__________|________________________^
 *
 **/

type TransactionState int32

const (
	GROWING TransactionState = iota
	SHRINKING
	COMMITTED
	ABORTED
)

type IsolationLevel int32

const (
	READ_UNCOMMITTED IsolationLevel = iota
	READ_COMMITTED
	REPEATABLE_READ
)

/**
 * Transaction tracks information related to a transaction.
 */
type Transaction struct {
	/** The current transaction state. */
	state int32

	/** The id of this transaction. */
	txnID types.TxnID

	/** The isolation level the transaction runs under. */
	isolationLevel IsolationLevel

	/** LockManager: the tables locked in each mode. */
	sharedTableLockSet                   mapset.Set[uint32]
	exclusiveTableLockSet                mapset.Set[uint32]
	intentionSharedTableLockSet          mapset.Set[uint32]
	intentionExclusiveTableLockSet       mapset.Set[uint32]
	sharedIntentionExclusiveTableLockSet mapset.Set[uint32]

	/** LockManager: row locks held per table. */
	sharedRowLockSet    map[uint32]mapset.Set[page.RID]
	exclusiveRowLockSet map[uint32]mapset.Set[page.RID]

	/** Concurrent index: the pages latched during the current index operation. */
	pageSet []*page.Page
	/** Concurrent index: the page ids deleted during the current index operation. */
	deletedPageSet mapset.Set[types.PageID]
}

func NewTransaction(txnID types.TxnID, isolationLevel IsolationLevel) *Transaction {
	return &Transaction{
		int32(GROWING),
		txnID,
		isolationLevel,
		mapset.NewSet[uint32](),
		mapset.NewSet[uint32](),
		mapset.NewSet[uint32](),
		mapset.NewSet[uint32](),
		mapset.NewSet[uint32](),
		make(map[uint32]mapset.Set[page.RID]),
		make(map[uint32]mapset.Set[page.RID]),
		make([]*page.Page, 0),
		mapset.NewSet[types.PageID](),
	}
}

/** @return the id of this transaction */
func (txn *Transaction) GetTransactionId() types.TxnID { return txn.txnID }

/** @return the isolation level of this transaction */
func (txn *Transaction) GetIsolationLevel() IsolationLevel { return txn.isolationLevel }

/** @return the current state of the transaction */
func (txn *Transaction) GetState() TransactionState {
	return TransactionState(atomic.LoadInt32(&txn.state))
}

// SetState moves the transaction to the given state. The deadlock detector
// aborts victims from another goroutine, hence the atomic.
func (txn *Transaction) SetState(state TransactionState) {
	atomic.StoreInt32(&txn.state, int32(state))
}

func (txn *Transaction) GetSharedTableLockSet() mapset.Set[uint32] { return txn.sharedTableLockSet }

func (txn *Transaction) GetExclusiveTableLockSet() mapset.Set[uint32] {
	return txn.exclusiveTableLockSet
}

func (txn *Transaction) GetIntentionSharedTableLockSet() mapset.Set[uint32] {
	return txn.intentionSharedTableLockSet
}

func (txn *Transaction) GetIntentionExclusiveTableLockSet() mapset.Set[uint32] {
	return txn.intentionExclusiveTableLockSet
}

func (txn *Transaction) GetSharedIntentionExclusiveTableLockSet() mapset.Set[uint32] {
	return txn.sharedIntentionExclusiveTableLockSet
}

func (txn *Transaction) IsTableSharedLocked(oid uint32) bool {
	return txn.sharedTableLockSet.Contains(oid)
}

func (txn *Transaction) IsTableExclusiveLocked(oid uint32) bool {
	return txn.exclusiveTableLockSet.Contains(oid)
}

func (txn *Transaction) IsTableIntentionSharedLocked(oid uint32) bool {
	return txn.intentionSharedTableLockSet.Contains(oid)
}

func (txn *Transaction) IsTableIntentionExclusiveLocked(oid uint32) bool {
	return txn.intentionExclusiveTableLockSet.Contains(oid)
}

func (txn *Transaction) IsTableSharedIntentionExclusiveLocked(oid uint32) bool {
	return txn.sharedIntentionExclusiveTableLockSet.Contains(oid)
}

/** @return the rows shared locked by this transaction keyed by table */
func (txn *Transaction) GetSharedRowLockSet() map[uint32]mapset.Set[page.RID] {
	return txn.sharedRowLockSet
}

/** @return the rows exclusively locked by this transaction keyed by table */
func (txn *Transaction) GetExclusiveRowLockSet() map[uint32]mapset.Set[page.RID] {
	return txn.exclusiveRowLockSet
}

func (txn *Transaction) IsRowSharedLocked(oid uint32, rid page.RID) bool {
	rows, ok := txn.sharedRowLockSet[oid]
	return ok && rows.Contains(rid)
}

func (txn *Transaction) IsRowExclusiveLocked(oid uint32, rid page.RID) bool {
	rows, ok := txn.exclusiveRowLockSet[oid]
	return ok && rows.Contains(rid)
}

// AddIntoPageSet appends a latched page to the crabbing page set
func (txn *Transaction) AddIntoPageSet(p *page.Page) {
	txn.pageSet = append(txn.pageSet, p)
}

// GetPageSet returns the latched pages in acquisition order
func (txn *Transaction) GetPageSet() []*page.Page { return txn.pageSet }

// ClearPageSet drops all entries of the crabbing page set
func (txn *Transaction) ClearPageSet() { txn.pageSet = txn.pageSet[:0] }

// AddIntoDeletedPageSet defers deallocation of the page until the latches are released
func (txn *Transaction) AddIntoDeletedPageSet(pageID types.PageID) {
	txn.deletedPageSet.Add(pageID)
}

// GetDeletedPageSet returns the page ids pending deallocation
func (txn *Transaction) GetDeletedPageSet() mapset.Set[types.PageID] { return txn.deletedPageSet }
