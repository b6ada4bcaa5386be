package access

import (
	"testing"

	"github.com/kujiradb/KujiraDB/storage/page"
	testingpkg "github.com/kujiradb/KujiraDB/testing/testing_assert"
)

func TestCommitReleasesAllLocks(t *testing.T) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)

	txn := tm.Begin(REPEATABLE_READ)
	rid := page.RID{PageId: 1, SlotNum: 1}

	granted, err := lm.LockTable(txn, INTENTION_EXCLUSIVE, testOid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)
	granted, err = lm.LockRow(txn, EXCLUSIVE, testOid, rid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)

	tm.Commit(txn)
	testingpkg.Equals(t, COMMITTED, txn.GetState())
	testingpkg.SimpleAssert(t, !txn.IsRowExclusiveLocked(testOid, rid))
	testingpkg.SimpleAssert(t, !txn.IsTableIntentionExclusiveLocked(testOid))

	// a committed transaction's locks are gone: another one takes them directly
	other := tm.Begin(REPEATABLE_READ)
	granted, err = lm.LockTable(other, EXCLUSIVE, testOid)
	testingpkg.Ok(t, err)
	testingpkg.SimpleAssert(t, granted)
}

func TestBeginAssignsIncreasingIds(t *testing.T) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)

	txn1 := tm.Begin(READ_COMMITTED)
	txn2 := tm.Begin(READ_UNCOMMITTED)
	testingpkg.SimpleAssert(t, txn2.GetTransactionId() > txn1.GetTransactionId())
	testingpkg.Equals(t, READ_COMMITTED, txn1.GetIsolationLevel())
	testingpkg.Equals(t, READ_UNCOMMITTED, txn2.GetIsolationLevel())
	testingpkg.Equals(t, txn1, GetTransaction(txn1.GetTransactionId()))
}
