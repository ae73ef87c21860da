// Package testutil provides test utilities: a controllable clock, CBZ
// fixtures and ledger helpers.
package testutil

import (
	"sync"
	"time"

	"github.com/hdshock/mangafixer/internal/clock"
)

// =============================================================================
// MockClock - Testable time abstraction
// =============================================================================

// MockClock implements clock.Clock with time that only moves when Advance is called.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// Compile-time assertion that MockClock implements clock.Clock
var _ clock.Clock = (*MockClock)(nil)

// NewMockClock creates a new MockClock with the current time as initial value.
func NewMockClock() *MockClock {
	return &MockClock{now: time.Now()}
}

// NewMockClockAt creates a new MockClock with a specific initial time.
func NewMockClockAt(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mock's current time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// SetNow sets the mock's current time without releasing waiters.
func (m *MockClock) SetNow(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// After returns a channel that receives once the mock time has been advanced
// by at least d. Non-positive durations fire immediately.
func (m *MockClock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, waiter{at: m.now.Add(d), ch: ch})
	return ch
}

// Advance moves time forward and releases every waiter that is now due.
// Returns the number of waiters released.
func (m *MockClock) Advance(d time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.now = m.now.Add(d)
	fired := 0
	pending := m.waiters[:0]
	for _, w := range m.waiters {
		if !w.at.After(m.now) {
			w.ch <- m.now
			fired++
			continue
		}
		pending = append(pending, w)
	}
	m.waiters = pending
	return fired
}

// WaiterCount returns the number of After channels that have not fired yet.
func (m *MockClock) WaiterCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// WaitForWaiters polls until at least n After calls are pending or the
// real-time timeout expires. It reports whether the count was reached.
func (m *MockClock) WaitForWaiters(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.WaiterCount() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return m.WaiterCount() >= n
}
