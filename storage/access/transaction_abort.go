package access

import (
	"fmt"

	"github.com/kujiradb/KujiraDB/types"
)

type AbortReason int32

const (
	LOCK_ON_SHRINKING AbortReason = iota
	UPGRADE_CONFLICT
	LOCK_SHARED_ON_READ_UNCOMMITTED
	TABLE_LOCK_NOT_PRESENT
	ATTEMPTED_INTENTION_LOCK_ON_ROW
	TABLE_UNLOCKED_BEFORE_UNLOCKING_ROWS
	INCOMPATIBLE_UPGRADE
	ATTEMPTED_UNLOCK_BUT_NO_LOCK_HELD
)

func (r AbortReason) String() string {
	switch r {
	case LOCK_ON_SHRINKING:
		return "LOCK_ON_SHRINKING"
	case UPGRADE_CONFLICT:
		return "UPGRADE_CONFLICT"
	case LOCK_SHARED_ON_READ_UNCOMMITTED:
		return "LOCK_SHARED_ON_READ_UNCOMMITTED"
	case TABLE_LOCK_NOT_PRESENT:
		return "TABLE_LOCK_NOT_PRESENT"
	case ATTEMPTED_INTENTION_LOCK_ON_ROW:
		return "ATTEMPTED_INTENTION_LOCK_ON_ROW"
	case TABLE_UNLOCKED_BEFORE_UNLOCKING_ROWS:
		return "TABLE_UNLOCKED_BEFORE_UNLOCKING_ROWS"
	case INCOMPATIBLE_UPGRADE:
		return "INCOMPATIBLE_UPGRADE"
	case ATTEMPTED_UNLOCK_BUT_NO_LOCK_HELD:
		return "ATTEMPTED_UNLOCK_BUT_NO_LOCK_HELD"
	default:
		return "UNKNOWN"
	}
}

// TransactionAbortError is raised by the lock manager when a request breaks a
// locking rule. The offending transaction has been moved to ABORTED already.
type TransactionAbortError struct {
	txnID  types.TxnID
	reason AbortReason
}

func NewTransactionAbortError(txnID types.TxnID, reason AbortReason) *TransactionAbortError {
	return &TransactionAbortError{txnID, reason}
}

func (e *TransactionAbortError) GetTxnID() types.TxnID { return e.txnID }

func (e *TransactionAbortError) GetAbortReason() AbortReason { return e.reason }

func (e *TransactionAbortError) Error() string {
	return fmt.Sprintf("transaction %d aborted: %s", e.txnID, e.reason)
}
