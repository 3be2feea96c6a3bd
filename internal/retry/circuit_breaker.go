package retry

import (
	"fmt"
	"sync"
	"time"

	gwerrors "gwbridge/internal/errors"
)

// ── Breaker state ────────────────────────────────────────────────────

// State is the breaker's operational state.
type State int

const (
	// StateClosed passes calls through.
	StateClosed State = iota
	// StateOpen rejects calls until the cool-down elapses.
	StateOpen
	// StateHalfOpen lets probes through to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ── Configuration ────────────────────────────────────────────────────

// BreakerConfig configures a [Breaker].
type BreakerConfig struct {
	// MaxFailures opens the breaker after this many consecutive
	// failures (default 5).
	MaxFailures int
	// Cooldown is how long the breaker stays open (default 30s).
	Cooldown time.Duration
	// Probes is the number of consecutive half-open successes needed
	// to close again (default 1).
	Probes int
	// OnStateChange runs under the lock on every transition.
	OnStateChange func(from, to State)
	// Now overrides the clock; tests use it to skip the cool-down.
	Now func() time.Time
}

// ── Breaker ──────────────────────────────────────────────────────────

// Breaker stops a failing telemetry sink from costing a network round
// trip on every bridge event.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	maxFailures int
	cooldown    time.Duration
	probes      int
	openedAt    time.Time
	onChange    func(from, to State)
	now         func() time.Time
}

// NewBreaker creates a breaker.  A nil cfg uses the defaults.
func NewBreaker(cfg *BreakerConfig) *Breaker {
	if cfg == nil {
		cfg = &BreakerConfig{}
	}
	b := &Breaker{
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		probes:      cfg.Probes,
		onChange:    cfg.OnStateChange,
		now:         cfg.Now,
	}
	if b.maxFailures <= 0 {
		b.maxFailures = 5
	}
	if b.cooldown <= 0 {
		b.cooldown = 30 * time.Second
	}
	if b.probes <= 0 {
		b.probes = 1
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Execute runs fn unless the breaker is open, in which case it returns
// an error wrapping [gwerrors.ErrCircuitOpen] without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker closed, e.g. after a broker reconnect.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures, b.successes = 0, 0
	b.transition(StateClosed)
}

// ── internal ─────────────────────────────────────────────────────────

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed >= b.cooldown {
		b.successes = 0
		b.transition(StateHalfOpen)
		return nil
	}
	return fmt.Errorf("%w: %d consecutive failures, retry in %v",
		gwerrors.ErrCircuitOpen, b.failures, (b.cooldown - elapsed).Truncate(time.Millisecond))
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		if b.state == StateHalfOpen || b.failures >= b.maxFailures {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
		return
	}

	b.successes++
	switch b.state {
	case StateHalfOpen:
		if b.successes >= b.probes {
			b.failures = 0
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
