// Package sync provides the synchronization primitives used inside ring-0
// critical sections.
package sync

import "sync/atomic"

// spinsBeforeYield defines the number of failed acquisition attempts after
// which a spinning task volunteers the CPU to the scheduler.
const spinsBeforeYield = 1024

var (
	// yieldFn is installed by the scheduler once context switching becomes
	// available. Until then contended locks busy-wait.
	yieldFn func()
)

// SetYieldFn registers the function invoked by contended spinlocks to give
// up the CPU.
func SetYieldFn(fn func()) { yieldFn = fn }

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	var attempt uint32
	for atomic.SwapUint32(&l.state, 1) != 0 {
		attempt++
		if attempt%spinsBeforeYield == 0 && yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
