// Package clock provides the time capability injected into every component
// that does scheduling arithmetic. Production code uses System; tests use Fake
// to drive deterministic schedules without sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock is the single source of wall-clock time. All next-run computation,
// lease arithmetic and TTL checks read time through it.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time
}

// System reads time from the OS clock.
type System struct{}

// Now implements Clock.
func (System) Now() time.Time { return time.Now().UTC() }

// Fake is a manually advanced clock for tests. The zero value starts at the
// Unix epoch; use NewFake to pick a starting instant.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock frozen at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

// Now implements Clock.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// Set moves the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}
