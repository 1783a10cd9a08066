// Package clock supplies the time source injected into the chat room.
// Times are monotonic seconds as float64, matching the wire protocol's
// Time field.
package clock

import (
	"sync"
	"time"
)

// TimeKeeper reports the current time in seconds. Implementations must be
// safe for concurrent use.
type TimeKeeper interface {
	Now() float64
}

type systemKeeper struct {
	start time.Time
}

// System returns a keeper counting monotonic seconds since it was created.
func System() TimeKeeper {
	return &systemKeeper{start: time.Now()}
}

func (k *systemKeeper) Now() float64 {
	return time.Since(k.start).Seconds()
}

// Manual is a hand-driven keeper for tests. Time never moves on its own.
type Manual struct {
	mu  sync.Mutex
	now float64
}

// NewManual returns a manual keeper starting at t seconds.
func NewManual(t float64) *Manual {
	return &Manual{now: t}
}

func (m *Manual) Now() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t. Moving backwards is not supported.
func (m *Manual) Set(t float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t > m.now {
		m.now = t
	}
}

// Advance moves the clock forward by d seconds.
func (m *Manual) Advance(d float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now += d
	}
}
