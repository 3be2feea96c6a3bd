package button

import "sync/atomic"

// Mailbox is a single-slot flag written by the edge handler and drained
// by the control loop.  Several signals before a Take collapse into one.
type Mailbox struct {
	flag atomic.Bool
}

// Signal raises the flag.  Safe from any goroutine.
func (m *Mailbox) Signal() { m.flag.Store(true) }

// Take reports whether the flag was raised and clears it.
func (m *Mailbox) Take() bool { return m.flag.Swap(false) }

// Debouncer drops edges inside a refractory window after the last
// accepted edge.  It is driven from the edge handler only.
type Debouncer struct {
	window uint32
	last   atomic.Uint32
	primed atomic.Bool
}

// NewDebouncer returns a debouncer with the given window in ms.
func NewDebouncer(windowMs uint32) *Debouncer {
	return &Debouncer{window: windowMs}
}

// Accept reports whether an edge at now is outside the window.  The
// very first edge is always accepted.
func (d *Debouncer) Accept(now uint32) bool {
	if d.primed.Load() && now-d.last.Load() < d.window {
		return false
	}
	d.last.Store(now)
	d.primed.Store(true)
	return true
}
