package common

import (
	"time"
)

// interval of the lock manager's background deadlock detection cycle
var CycleDetectionInterval = 50 * time.Millisecond

const EnableDebug bool = false

// when this is true, reader-writer latches are backed by the go-deadlock
// implementation which reports latch ordering violations at runtime
const EnableDeadlockDetect bool = false

const (
	// invalid page id
	InvalidPageID = -1
	// invalid transaction id
	InvalidTxnID = -1
	// the header page id
	HeaderPageID = 0
	// size of a data page in byte
	PageSize = 4096
	// number of entries an extendible hash bucket can hold
	BucketSizeOfPageTable = 50
	// number of accesses after which the replacer moves a frame to its cached cohort
	LRUKReplacerK = 2
	// log level bitmask applied to ShPrintf
	LogLevelSetting = INFO | WARN | ERROR | FATAL
)

type SlotOffset uintptr // slot offset type
