package evictor

import "sync"

// monitor is mutex with condition variable. Notification made by lock
// holder takes effect only when the lock is released: on Unlock or Wait.
// Waiters must recheck their condition after wake up.
type monitor struct {
	mu        sync.Mutex
	cond      sync.Cond
	notifyAll bool
}

func (m *monitor) init() { m.cond.L = &m.mu }

func (m *monitor) Lock() { m.mu.Lock() }

func (m *monitor) Unlock() {
	all := m.takeNotification()
	m.mu.Unlock()
	if all {
		m.cond.Broadcast()
	}
}

// Wait releases lock, waits for notification and reacquires lock.
func (m *monitor) Wait() {
	// Waiters can't wake up until lock is released in cond.Wait,
	// so pending notification is still deferred.
	if m.takeNotification() {
		m.cond.Broadcast()
	}
	m.cond.Wait()
}

// NotifyAll wakes all waiters, after lock release.
func (m *monitor) NotifyAll() { m.notifyAll = true }

func (m *monitor) takeNotification() bool {
	all := m.notifyAll
	m.notifyAll = false
	return all
}
