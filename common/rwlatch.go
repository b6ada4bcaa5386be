package common

import (
	"sync"

	"github.com/sasha-s/go-deadlock"
)

type ReaderWriterLatch interface {
	WLock()
	WUnlock()
	RLock()
	RUnlock()
}

type readerWriterLatch struct {
	mutex *sync.RWMutex
}

func NewRWLatch() ReaderWriterLatch {
	if EnableDeadlockDetect {
		return &readerWriterLatchDeadlockAware{new(deadlock.RWMutex)}
	}

	latch := readerWriterLatch{}
	latch.mutex = new(sync.RWMutex)

	return &latch
}

func (l *readerWriterLatch) WLock() {
	l.mutex.Lock()
}

func (l *readerWriterLatch) WUnlock() {
	l.mutex.Unlock()
}

func (l *readerWriterLatch) RLock() {
	l.mutex.RLock()
}

func (l *readerWriterLatch) RUnlock() {
	l.mutex.RUnlock()
}

// latch implementation which detects deadlock caused by latch acquire ordering.
// note: deadlock.Opts.DeadlockTimeout tuning is left to the test which enables this
type readerWriterLatchDeadlockAware struct {
	mutex *deadlock.RWMutex
}

func (l *readerWriterLatchDeadlockAware) WLock() {
	l.mutex.Lock()
}

func (l *readerWriterLatchDeadlockAware) WUnlock() {
	l.mutex.Unlock()
}

func (l *readerWriterLatchDeadlockAware) RLock() {
	l.mutex.RLock()
}

func (l *readerWriterLatchDeadlockAware) RUnlock() {
	l.mutex.RUnlock()
}
