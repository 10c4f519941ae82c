package dispatch

import "sync"

// PriorityMutex is a mutex with two acquisition modes. High-priority
// acquirers overtake queued low-priority waiters, so block organization and
// template export are not starved by a flood of transaction admissions.
type PriorityMutex struct {
	mu   sync.Mutex
	high *sync.Cond
	low  *sync.Cond

	locked      bool
	highWaiters int
}

// NewPriorityMutex creates an unlocked priority mutex.
func NewPriorityMutex() *PriorityMutex {
	m := &PriorityMutex{}
	m.high = sync.NewCond(&m.mu)
	m.low = sync.NewCond(&m.mu)
	return m
}

// LockHigh acquires the mutex ahead of any queued low-priority waiters.
func (m *PriorityMutex) LockHigh() {
	m.mu.Lock()
	m.highWaiters++
	for m.locked {
		m.high.Wait()
	}
	m.highWaiters--
	m.locked = true
	m.mu.Unlock()
}

// LockLow acquires the mutex only when no high-priority acquirer is waiting.
func (m *PriorityMutex) LockLow() {
	m.mu.Lock()
	for m.locked || m.highWaiters > 0 {
		m.low.Wait()
	}
	m.locked = true
	m.mu.Unlock()
}

// Unlock releases the mutex, waking a high-priority waiter first if any.
func (m *PriorityMutex) Unlock() {
	m.mu.Lock()
	if !m.locked {
		m.mu.Unlock()
		panic("dispatch: unlock of unlocked PriorityMutex")
	}
	m.locked = false
	if m.highWaiters > 0 {
		m.high.Signal()
	} else {
		m.low.Broadcast()
	}
	m.mu.Unlock()
}
