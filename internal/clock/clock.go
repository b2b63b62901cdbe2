// Package clock lets time-dependent components take their notion of "now"
// as a dependency so tests can move it deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real returns the wall clock
func Real() Clock { return realClock{} }

// Fake is a manually advanced clock, safe for concurrent use
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake set to start
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake's current time
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set jumps the clock to t
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
