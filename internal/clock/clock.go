// Package clock is the time source for transaction timeouts, reaper ticks and
// storage retry backoff. Tests swap in Manual to step time explicitly.
package clock

import (
	"slices"
	"sync"
	"time"
)

// Clock abstracts the time source.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real reads the wall clock in UTC.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) Sleep(d time.Duration) { time.Sleep(d) }

// Since reports the time elapsed on c since t. A nil clock reads Real.
func Since(c Clock, t time.Time) time.Duration {
	if c == nil {
		c = Real{}
	}
	return c.Now().Sub(t)
}

// Manual only moves when told to. Waiters fire in deadline order once the
// clock reaches them.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// NewManual returns a Manual clock reading start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that receives once the clock has advanced by d.
// A non-positive d fires immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	w := waiter{at: m.now.Add(d), ch: ch}
	i, _ := slices.BinarySearchFunc(m.waiters, w.at, func(e waiter, at time.Time) int {
		if e.at.After(at) {
			return 1
		}
		return -1
	})
	m.waiters = slices.Insert(m.waiters, i, w)
	return ch
}

func (m *Manual) Sleep(d time.Duration) { <-m.After(d) }

// Advance moves the clock forward by d and fires every waiter that is due.
// Negative durations are ignored.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	due := 0
	for due < len(m.waiters) && !m.waiters[due].at.After(m.now) {
		m.waiters[due].ch <- m.now
		due++
	}
	m.waiters = slices.Delete(m.waiters, 0, due)
	return m.now
}

// Set jumps the clock to t. Moving backwards is ignored.
func (m *Manual) Set(t time.Time) time.Time {
	return m.Advance(t.UTC().Sub(m.Now()))
}

// Pending reports how many waiters have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
