// Package orchestrator supervises the uplink for the configured mode
// and falls back to the access point when it cannot connect.
//
// Everything runs on the control loop.  The overseer is a software
// ticker advanced by Update; pushed link events arrive through
// OnUplinkEvent.  Each (state, trigger) pair maps to one handler in a
// transition table; pairs absent from the table are no-ops.
package orchestrator

import (
	"context"
	"errors"
	"net"

	"gwbridge/config"
	"gwbridge/internal/clock"
	gwerrors "gwbridge/internal/errors"
	"gwbridge/internal/metrics"
	"gwbridge/internal/uplink"
	"gwbridge/util"
)

// AccessPoint is the fallback AP as seen by the orchestrator.
type AccessPoint interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Started() bool
}

// Services starts whatever an uplink state warrants.  Implementations
// must be idempotent: the orchestrator calls this on every connect and
// every fallback.
type Services interface {
	StartServices(ctx context.Context, scope Scope)
}

// Drivers are the uplinks available on the board.  Either may be nil
// if the hardware is absent.
type Drivers struct {
	Wired    uplink.Driver
	Wireless uplink.Driver
}

// Options carries the supervision budget.
type Options struct {
	MaxRetries     int
	PollIntervalMs uint32
	// KeepAdmin supervises an uplink in LOCAL_DIRECT mode.
	KeepAdmin bool
	// OnStateChange observes every state change.
	OnStateChange func(from, to State)
}

// Orchestrator is the uplink supervisor.
type Orchestrator struct {
	ctx      context.Context
	drivers  Drivers
	ap       AccessPoint
	services Services
	clk      clock.Clock
	logger   *util.Logger
	metrics  *metrics.Collector
	opts     Options

	mode       config.Mode
	state      State
	retryCount int
	running    bool
	overseer   *clock.Ticker
	table      map[transition]func()
}

// New returns an orchestrator in StateInit.  ctx bounds driver and AP
// commands.
func New(ctx context.Context, drivers Drivers, ap AccessPoint, services Services,
	clk clock.Clock, logger *util.Logger, m *metrics.Collector, opts Options) *Orchestrator {
	if opts.PollIntervalMs == 0 {
		opts.PollIntervalMs = config.DefaultOverseerInterval
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	o := &Orchestrator{
		ctx:      ctx,
		drivers:  drivers,
		ap:       ap,
		services: services,
		clk:      clk,
		logger:   logger,
		metrics:  m,
		opts:     opts,
	}
	o.overseer = clock.NewTicker(opts.PollIntervalMs, o.Tick)
	o.table = map[transition]func(){
		{StateConnecting, TriggerConnected}:    o.onConnected,
		{StateFallbackAP, TriggerConnected}:    o.onConnected,
		{StateConnecting, TriggerDisconnected}: o.onRetry,
		{StateFallbackAP, TriggerDisconnected}: o.onRetry,
		{StateFallbackAP, TriggerLinkUp}:       o.restartSupervision,
		{StateConnected, TriggerLinkDown}:      o.restartSupervision,
	}
	return o
}

// ── Accessors ────────────────────────────────────────────────────────

func (o *Orchestrator) State() State         { return o.state }
func (o *Orchestrator) Mode() config.Mode    { return o.mode }
func (o *Orchestrator) RetryCount() int      { return o.retryCount }
func (o *Orchestrator) MaxRetries() int      { return o.opts.MaxRetries }
func (o *Orchestrator) Running() bool        { return o.running }
func (o *Orchestrator) Supervising() bool    { return o.overseer.Running() }
func (o *Orchestrator) PollInterval() uint32 { return o.overseer.Interval() }

// ── Lifecycle ────────────────────────────────────────────────────────

// Start begins supervising mode.  Counters from any earlier run are
// discarded.
func (o *Orchestrator) Start(mode config.Mode) {
	o.mode = mode
	o.retryCount = 0
	o.running = true
	o.logger.Info("uplink supervision: mode %s", mode)

	switch mode {
	case config.ModeWired:
		o.begin(o.drivers.Wired)
		o.arm()
	case config.ModeWireless:
		err := o.begin(o.drivers.Wireless)
		o.arm()
		if errors.Is(err, gwerrors.ErrNoCredentials) {
			o.logger.Warn("no wireless credentials, opening access point")
			o.fallback()
		}
	case config.ModeLocalDirect:
		if !o.opts.KeepAdmin {
			o.overseer.Stop()
			o.setState(StateIdle)
			return
		}
		o.begin(o.drivers.Wired)
		o.begin(o.drivers.Wireless)
		o.arm()
	}
}

// Stop ends supervision.  Idempotent.
func (o *Orchestrator) Stop() {
	o.overseer.Stop()
	if !o.running {
		return
	}
	o.running = false
	o.retryCount = 0
	o.setState(StateInit)
}

// Update advances the overseer to now.  Call it every loop iteration.
func (o *Orchestrator) Update(now uint32) { o.overseer.Update(now) }

// Tick is one overseer poll.
func (o *Orchestrator) Tick() {
	if o.connected() {
		o.fire(TriggerConnected)
	} else {
		o.fire(TriggerDisconnected)
	}
}

// OnUplinkEvent handles a pushed link transition.
func (o *Orchestrator) OnUplinkEvent(ev uplink.Event) {
	o.logger.Verbose("uplink event %s on %s in %s", ev.Kind, ev.Iface, o.state)
	if ev.Kind == uplink.LinkUp {
		o.fire(TriggerLinkUp)
	} else {
		o.fire(TriggerLinkDown)
	}
}

// ── Handlers ─────────────────────────────────────────────────────────

func (o *Orchestrator) fire(t Trigger) {
	if h, ok := o.table[transition{o.state, t}]; ok {
		h()
	}
}

func (o *Orchestrator) onConnected() {
	o.overseer.Stop()
	o.retryCount = 0
	o.setState(StateConnected)

	scope := ScopeFull
	if o.mode.IsLocal() {
		scope = ScopeLocal
	}
	if addr := o.localAddress(); addr != nil {
		o.logger.Info("uplink connected, address %s", addr)
	}
	o.services.StartServices(o.ctx, scope)

	if o.ap.Started() && !o.mode.IsLocal() {
		if err := o.ap.Stop(o.ctx); err != nil {
			o.logger.Warn("stopping access point: %v", err)
		}
	}
}

func (o *Orchestrator) onRetry() {
	o.retryCount++
	o.metrics.UplinkRetry()
	o.logger.Verbose("uplink not connected (%d/%d)", o.retryCount, o.opts.MaxRetries)
	if o.retryCount > o.opts.MaxRetries {
		o.fallback()
	}
}

// fallback opens the AP and starts a new supervision cycle.  It never
// closes the AP.
func (o *Orchestrator) fallback() {
	if !o.ap.Started() {
		if err := o.ap.Start(o.ctx); err != nil {
			o.logger.Error("access point: %v", err)
			o.metrics.RecordError(err.Error())
		}
	}
	o.services.StartServices(o.ctx, ScopeFallback)
	o.retryCount = 0
	o.setState(StateFallbackAP)

	if o.mode == config.ModeWireless {
		// Station retry alongside the AP; the overseer keeps polling.
		o.begin(o.drivers.Wireless)
		return
	}
	// Wired links announce themselves; wait for a link-up event.
	o.overseer.Stop()
}

func (o *Orchestrator) restartSupervision() {
	o.retryCount = 0
	o.setState(StateConnecting)
	o.arm()
}

// ── helpers ──────────────────────────────────────────────────────────

func (o *Orchestrator) arm() {
	if o.state != StateFallbackAP {
		o.setState(StateConnecting)
	}
	o.overseer.Start(o.clk.Millis())
}

func (o *Orchestrator) begin(d uplink.Driver) error {
	if d == nil {
		return nil
	}
	err := d.Begin(o.ctx)
	if err != nil && !errors.Is(err, gwerrors.ErrNoCredentials) {
		o.logger.Warn("%s: %v", d.Name(), err)
		o.metrics.RecordError(err.Error())
	}
	return err
}

func (o *Orchestrator) connected() bool {
	switch o.mode {
	case config.ModeWired:
		return isUp(o.drivers.Wired)
	case config.ModeWireless:
		return isUp(o.drivers.Wireless)
	case config.ModeLocalDirect:
		return isUp(o.drivers.Wired) || isUp(o.drivers.Wireless)
	}
	return false
}

// Address is the IPv4 address of the first connected uplink, or nil.
func (o *Orchestrator) Address() net.IP { return o.localAddress() }

func (o *Orchestrator) localAddress() net.IP {
	for _, d := range []uplink.Driver{o.drivers.Wired, o.drivers.Wireless} {
		if isUp(d) {
			return d.LocalAddress()
		}
	}
	return nil
}

func isUp(d uplink.Driver) bool { return d != nil && d.IsConnected() }

func (o *Orchestrator) setState(to State) {
	from := o.state
	if from == to {
		return
	}
	o.state = to
	o.logger.Verbose("orchestrator %s -> %s", from, to)
	if o.opts.OnStateChange != nil {
		o.opts.OnStateChange(from, to)
	}
}
