package clock

// Ticker is a software periodic timer polled from the control loop.
// Update invokes fn at most once per elapsed interval; Counter reports
// how many times it has fired since Start.  It never spawns a goroutine.
type Ticker struct {
	interval uint32
	fn       func()

	running bool
	last    uint32
	counter uint32
}

// NewTicker returns a stopped ticker that calls fn every interval ms.
func NewTicker(interval uint32, fn func()) *Ticker {
	if interval == 0 {
		interval = 1
	}
	return &Ticker{interval: interval, fn: fn}
}

// Start arms the ticker from now and zeroes the counter.
func (t *Ticker) Start(now uint32) {
	t.running = true
	t.last = now
	t.counter = 0
}

// Stop disarms the ticker.  fn is not called again until Start.
func (t *Ticker) Stop() { t.running = false }

// Running reports whether the ticker is armed.
func (t *Ticker) Running() bool { return t.running }

// Counter is the number of fires since the last Start.
func (t *Ticker) Counter() uint32 { return t.counter }

// Interval returns the period in milliseconds.
func (t *Ticker) Interval() uint32 { return t.interval }

// SetInterval changes the period without re-arming.
func (t *Ticker) SetInterval(ms uint32) {
	if ms == 0 {
		ms = 1
	}
	t.interval = ms
}

// Update fires fn once when an interval has elapsed and re-arms from
// now.  Intervals missed while the loop was stalled are skipped, so a
// late loop never fires back to back.
func (t *Ticker) Update(now uint32) {
	if !t.running || Elapsed(now, t.last) < t.interval {
		return
	}
	t.last = now
	t.counter++
	if t.fn != nil {
		t.fn()
	}
}
