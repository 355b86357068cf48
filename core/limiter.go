package core

import "sync"

// Limiter bounds the number of concurrently held slots (e.g. live runs).
type Limiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewLimiter creates a new limiter with max slots.
// If max == 0, unlimited slots are allowed.
func NewLimiter(max int) *Limiter {
	return &Limiter{max: max}
}

// TryAcquire takes a slot and reports whether one was available.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max > 0 && l.count >= l.max {
		return false
	}
	l.count++

	return true
}

// Release returns a slot. Releasing more than acquired is ignored.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count > 0 {
		l.count--
	}
}

// Count returns the number of held slots.
func (l *Limiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.count
}

// Remaining returns how many slots are left before hitting the limit.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max == 0 {
		return -1 // unlimited
	}

	return l.max - l.count
}
