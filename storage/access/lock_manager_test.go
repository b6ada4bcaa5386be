package access

import (
	"testing"
	"time"

	"github.com/kujiradb/KujiraDB/common"
	"github.com/kujiradb/KujiraDB/storage/page"
	testingpkg "github.com/kujiradb/KujiraDB/testing/testing_assert"
	"github.com/kujiradb/KujiraDB/types"
)

const testOid = uint32(1)

// generous upper bound for a lock wait the test expects to finish
const lockWaitTimeout = 5 * time.Second

func abortReasonOf(t *testing.T, err error) AbortReason {
	t.Helper()
	abortErr, ok := err.(*TransactionAbortError)
	testingpkg.Assert(t, ok, "expected a TransactionAbortError, got %v", err)
	return abortErr.GetAbortReason()
}

// receiveWithin waits for the outcome of a lock request running in another
// goroutine. A request stuck past the timeout means a lost wakeup or a latch
// deadlock, so all goroutine stacks are dumped before failing the test.
func receiveWithin(t *testing.T, ch chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(lockWaitTimeout):
		common.RuntimeStack()
		t.Fatal("lock request did not finish in time")
		return false
	}
}

func TestLockTableCompatibleModes(t *testing.T) {
	lm := NewLockManager()
	txnA := NewTransaction(types.TxnID(1), REPEATABLE_READ)
	txnB := NewTransaction(types.TxnID(2), REPEATABLE_READ)

	granted, err := lm.LockTable(txnA, SHARED, testOid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)

	// a second shared lock is granted right away
	granted, err = lm.LockTable(txnB, SHARED, testOid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)

	testingpkg.SimpleAssert(t, txnA.IsTableSharedLocked(testOid))
	testingpkg.SimpleAssert(t, txnB.IsTableSharedLocked(testOid))
}

func TestExclusiveBlocksUntilUnlock(t *testing.T) {
	lm := NewLockManager()
	txnA := NewTransaction(types.TxnID(1), REPEATABLE_READ)
	txnB := NewTransaction(types.TxnID(2), REPEATABLE_READ)

	granted, err := lm.LockTable(txnA, SHARED, testOid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)

	acquired := make(chan bool)
	go func() {
		granted, err := lm.LockTable(txnB, EXCLUSIVE, testOid)
		if err != nil {
			acquired <- false
			return
		}
		acquired <- granted
	}()

	select {
	case <-acquired:
		t.Fatal("exclusive lock must block while a shared lock is held")
	case <-time.After(50 * time.Millisecond):
	}

	granted, err = lm.UnlockTable(txnA, testOid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)
	// releasing a SHARED lock under REPEATABLE_READ starts the shrinking phase
	testingpkg.Equals(t, SHRINKING, txnA.GetState())

	testingpkg.SimpleAssert(t, receiveWithin(t, acquired))
	testingpkg.SimpleAssert(t, txnB.IsTableExclusiveLocked(testOid))
}

func TestLockOnShrinkingAborts(t *testing.T) {
	lm := NewLockManager()
	txn := NewTransaction(types.TxnID(1), REPEATABLE_READ)

	granted, err := lm.LockTable(txn, SHARED, testOid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)
	_, err = lm.UnlockTable(txn, testOid)
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, SHRINKING, txn.GetState())

	granted, err = lm.LockTable(txn, SHARED, testOid)
	testingpkg.SimpleAssert(t, !granted)
	testingpkg.Equals(t, LOCK_ON_SHRINKING, abortReasonOf(t, err))
	testingpkg.Equals(t, ABORTED, txn.GetState())
}

func TestReadUncommittedRejectsSharedLock(t *testing.T) {
	lm := NewLockManager()
	txn := NewTransaction(types.TxnID(1), READ_UNCOMMITTED)

	granted, err := lm.LockTable(txn, SHARED, testOid)
	testingpkg.SimpleAssert(t, !granted)
	testingpkg.Equals(t, LOCK_SHARED_ON_READ_UNCOMMITTED, abortReasonOf(t, err))
	testingpkg.Equals(t, ABORTED, txn.GetState())
}

func TestReadCommittedKeepsSharedAfterShrinking(t *testing.T) {
	lm := NewLockManager()
	txn := NewTransaction(types.TxnID(1), READ_COMMITTED)

	granted, err := lm.LockTable(txn, EXCLUSIVE, testOid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)
	_, err = lm.UnlockTable(txn, testOid)
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, SHRINKING, txn.GetState())

	// IS and S table locks stay legal while shrinking under READ_COMMITTED
	granted, err = lm.LockTable(txn, SHARED, testOid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)
}

func TestRowLockRequiresTableLock(t *testing.T) {
	lm := NewLockManager()
	txn := NewTransaction(types.TxnID(1), REPEATABLE_READ)
	rid := page.RID{PageId: 1, SlotNum: 1}

	granted, err := lm.LockRow(txn, EXCLUSIVE, testOid, rid)
	testingpkg.SimpleAssert(t, !granted)
	testingpkg.Equals(t, TABLE_LOCK_NOT_PRESENT, abortReasonOf(t, err))
	testingpkg.Equals(t, ABORTED, txn.GetState())
}

func TestRowLockRejectsIntentionModes(t *testing.T) {
	lm := NewLockManager()
	txn := NewTransaction(types.TxnID(1), REPEATABLE_READ)
	rid := page.RID{PageId: 1, SlotNum: 1}

	granted, err := lm.LockRow(txn, INTENTION_EXCLUSIVE, testOid, rid)
	testingpkg.SimpleAssert(t, !granted)
	testingpkg.Equals(t, ATTEMPTED_INTENTION_LOCK_ON_ROW, abortReasonOf(t, err))
}

func TestUnlockTableWithLockedRowsAborts(t *testing.T) {
	lm := NewLockManager()
	txn := NewTransaction(types.TxnID(1), REPEATABLE_READ)
	rid := page.RID{PageId: 1, SlotNum: 1}

	granted, err := lm.LockTable(txn, INTENTION_EXCLUSIVE, testOid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)
	granted, err = lm.LockRow(txn, EXCLUSIVE, testOid, rid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)

	granted, err = lm.UnlockTable(txn, testOid)
	testingpkg.SimpleAssert(t, !granted)
	testingpkg.Equals(t, TABLE_UNLOCKED_BEFORE_UNLOCKING_ROWS, abortReasonOf(t, err))
}

func TestUnlockWithoutLockAborts(t *testing.T) {
	lm := NewLockManager()
	txn := NewTransaction(types.TxnID(1), REPEATABLE_READ)

	granted, err := lm.UnlockTable(txn, testOid)
	testingpkg.SimpleAssert(t, !granted)
	testingpkg.Equals(t, ATTEMPTED_UNLOCK_BUT_NO_LOCK_HELD, abortReasonOf(t, err))
}

func TestLockUpgrade(t *testing.T) {
	lm := NewLockManager()
	txn := NewTransaction(types.TxnID(1), REPEATABLE_READ)

	granted, err := lm.LockTable(txn, INTENTION_SHARED, testOid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)

	granted, err = lm.LockTable(txn, EXCLUSIVE, testOid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)
	testingpkg.SimpleAssert(t, txn.IsTableExclusiveLocked(testOid))
	testingpkg.SimpleAssert(t, !txn.IsTableIntentionSharedLocked(testOid))
}

func TestIncompatibleUpgradeAborts(t *testing.T) {
	lm := NewLockManager()
	txn := NewTransaction(types.TxnID(1), REPEATABLE_READ)

	granted, err := lm.LockTable(txn, EXCLUSIVE, testOid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)

	granted, err = lm.LockTable(txn, SHARED, testOid)
	testingpkg.SimpleAssert(t, !granted)
	testingpkg.Equals(t, INCOMPATIBLE_UPGRADE, abortReasonOf(t, err))
}

func TestConcurrentUpgradeConflictAborts(t *testing.T) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)
	txnA := tm.Begin(REPEATABLE_READ)
	txnB := tm.Begin(REPEATABLE_READ)

	granted, err := lm.LockTable(txnA, SHARED, testOid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)
	granted, err = lm.LockTable(txnB, SHARED, testOid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)

	upgradeDone := make(chan bool)
	go func() {
		// blocks while txnB still holds its shared lock
		granted, err := lm.LockTable(txnA, EXCLUSIVE, testOid)
		upgradeDone <- granted && err == nil
	}()
	time.Sleep(50 * time.Millisecond)

	// a second upgrade on the same queue aborts immediately
	granted, err = lm.LockTable(txnB, EXCLUSIVE, testOid)
	testingpkg.SimpleAssert(t, !granted)
	testingpkg.Equals(t, UPGRADE_CONFLICT, abortReasonOf(t, err))

	// aborting txnB releases its shared lock and lets the upgrade through
	tm.Abort(txnB)
	testingpkg.SimpleAssert(t, receiveWithin(t, upgradeDone))
	testingpkg.SimpleAssert(t, txnA.IsTableExclusiveLocked(testOid))
}

func TestDeadlockDetectionAbortsYoungest(t *testing.T) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)
	txn1 := tm.Begin(REPEATABLE_READ)
	txn2 := tm.Begin(REPEATABLE_READ)
	rid1 := page.RID{PageId: 1, SlotNum: 1}
	rid2 := page.RID{PageId: 1, SlotNum: 2}

	granted, err := lm.LockTable(txn1, INTENTION_EXCLUSIVE, testOid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)
	granted, err = lm.LockTable(txn2, INTENTION_EXCLUSIVE, testOid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)

	granted, err = lm.LockRow(txn1, EXCLUSIVE, testOid, rid1)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)
	granted, err = lm.LockRow(txn2, EXCLUSIVE, testOid, rid2)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)

	lm.StartDeadlockDetection()
	defer lm.StopDeadlockDetection()

	txn1Got := make(chan bool)
	txn2Got := make(chan bool)
	go func() {
		granted, err := lm.LockRow(txn1, EXCLUSIVE, testOid, rid2)
		txn1Got <- granted && err == nil
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		granted, err := lm.LockRow(txn2, EXCLUSIVE, testOid, rid1)
		txn2Got <- granted && err == nil
	}()

	// the detector aborts the youngest transaction of the 2-cycle
	testingpkg.SimpleAssert(t, !receiveWithin(t, txn2Got))
	testingpkg.Equals(t, ABORTED, txn2.GetState())

	// the survivor proceeds once the victim's locks are gone
	tm.Abort(txn2)
	testingpkg.SimpleAssert(t, receiveWithin(t, txn1Got))
	testingpkg.SimpleAssert(t, txn1.IsRowExclusiveLocked(testOid, rid2))
}

func TestWaitsForGraphAPI(t *testing.T) {
	lm := NewLockManager()

	lm.AddEdge(types.TxnID(1), types.TxnID(2))
	lm.AddEdge(types.TxnID(2), types.TxnID(3))
	lm.AddEdge(types.TxnID(1), types.TxnID(2)) // duplicate edges collapse
	testingpkg.Equals(t, 2, len(lm.GetEdgeList()))

	var victim types.TxnID
	testingpkg.SimpleAssert(t, !lm.HasCycle(&victim))

	lm.AddEdge(types.TxnID(3), types.TxnID(1))
	testingpkg.SimpleAssert(t, lm.HasCycle(&victim))
	testingpkg.Equals(t, types.TxnID(3), victim)

	lm.RemoveEdge(types.TxnID(3), types.TxnID(1))
	testingpkg.SimpleAssert(t, !lm.HasCycle(&victim))
}
