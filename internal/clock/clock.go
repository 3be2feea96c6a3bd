// Package clock provides the wrapping millisecond counter the control
// loop runs on, plus a software ticker driven by that counter.
//
// All elapsed-time arithmetic is done as now-since in uint32 so it
// stays correct across the ~49.7 day wrap.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock reports milliseconds since an arbitrary origin, wrapping at 2^32.
type Clock interface {
	Millis() uint32
}

// Elapsed returns the milliseconds from since to now, wrap-safe.
func Elapsed(now, since uint32) uint32 { return now - since }

// ── System ───────────────────────────────────────────────────────────

// System is the monotonic process clock.
type System struct {
	origin time.Time
}

// NewSystem returns a clock whose origin is now.
func NewSystem() *System { return &System{origin: time.Now()} }

// Millis implements Clock.
func (s *System) Millis() uint32 {
	return uint32(time.Since(s.origin).Milliseconds())
}

// ── Fake ─────────────────────────────────────────────────────────────

// Fake is a manually advanced clock for tests.
type Fake struct {
	now atomic.Uint32
}

// NewFake returns a fake clock starting at start.
func NewFake(start uint32) *Fake {
	f := &Fake{}
	f.now.Store(start)
	return f
}

// Millis implements Clock.
func (f *Fake) Millis() uint32 { return f.now.Load() }

// Advance moves the clock forward by ms, wrapping like the real one.
func (f *Fake) Advance(ms uint32) uint32 { return f.now.Add(ms) }

// Set jumps the clock to ms.
func (f *Fake) Set(ms uint32) { f.now.Store(ms) }
