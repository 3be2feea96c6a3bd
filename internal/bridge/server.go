// Package bridge multiplexes up to MaxClients TCP clients onto the
// coprocessor's serial port.
//
// The Server never spawns goroutines: the control loop calls Tick,
// which reaps dead slots, accepts at most one pending connection and
// moves at most BufferSize bytes per slot and per serial drain.  Bytes
// beyond that stay in the kernel buffers until the next tick, so a
// burst is delayed rather than truncated.
package bridge

import (
	"fmt"
	"net"
	"time"

	"gwbridge/config"
	"gwbridge/internal/clock"
	"gwbridge/internal/diag"
	gwerrors "gwbridge/internal/errors"
	"gwbridge/internal/metrics"
	"gwbridge/internal/serialport"
	"gwbridge/util"
)

const (
	// MaxClients is the number of concurrent client slots.
	MaxClients = 10
	// BufferSize bounds every single read in a tick.
	BufferSize = 256
)

// ── Events ───────────────────────────────────────────────────────────

// Event marks a change in whether any client is attached.
type Event int

const (
	// EventBusy fires when the first client attaches.
	EventBusy Event = iota
	// EventIdle fires when the last client goes away.
	EventIdle
)

func (e Event) String() string {
	if e == EventBusy {
		return "busy"
	}
	return "idle"
}

// Listener receives busy/idle transitions on the control loop goroutine.
type Listener interface {
	OnBridgeEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnBridgeEvent(e Event) { f(e) }

// ── Config ───────────────────────────────────────────────────────────

// Config controls the listener and the per-tick deadlines.
type Config struct {
	// BindAddr is the listen host; empty binds every IPv4 address.
	BindAddr string
	// Port is the TCP port; zero picks an ephemeral port.
	Port int
	// PollTimeout bounds each accept and client read (default 250µs).
	PollTimeout time.Duration
	// WriteTimeout bounds each slot's broadcast write (default 20ms).
	// A client that cannot absorb a batch in time is disconnected.
	WriteTimeout time.Duration
}

// Options carries the optional collaborators.
type Options struct {
	Clock    clock.Clock
	Diag     *diag.Ring
	Metrics  *metrics.Collector
	Listener Listener
	Firewall config.FirewallPolicy
}

// ── Server ───────────────────────────────────────────────────────────

// Slot is one client position.  A slot is occupied while conn is set;
// connected drops the moment an I/O error is seen and the slot is
// reclaimed on the following tick.
type Slot struct {
	conn      net.Conn
	remote    string
	connected bool
}

// Occupied reports whether the slot holds a connection.
func (s Slot) Occupied() bool { return s.conn != nil }

// Connected reports whether the slot is still usable.
func (s Slot) Connected() bool { return s.connected }

// Remote is the peer address, empty for a free slot.
func (s Slot) Remote() string { return s.remote }

// Server is the serial-TCP bridge.
type Server struct {
	cfg    Config
	port   serialport.Port
	logger *util.Logger

	clk      clock.Clock
	diag     *diag.Ring
	metrics  *metrics.Collector
	listener Listener
	fw       config.FirewallPolicy

	ln     *net.TCPListener
	slots  [MaxClients]Slot
	active int
	busy   bool
	buf    [BufferSize]byte
}

// New creates a stopped bridge writing to port.
func New(cfg Config, port serialport.Port, logger *util.Logger, opts Options) *Server {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 250 * time.Microsecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 20 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	return &Server{
		cfg:      cfg,
		port:     port,
		logger:   logger,
		clk:      opts.Clock,
		diag:     opts.Diag,
		metrics:  opts.Metrics,
		listener: opts.Listener,
		fw:       opts.Firewall,
	}
}

// Start opens the TCP listener.  Calling it again is a no-op.
func (s *Server) Start() error {
	if s.ln != nil {
		return nil
	}
	addr := &net.TCPAddr{Port: s.cfg.Port}
	if s.cfg.BindAddr != "" {
		ip, err := util.ParseIPv4(s.cfg.BindAddr)
		if err != nil {
			return fmt.Errorf("bridge bind: %w", err)
		}
		addr.IP = ip
	}
	ln, err := net.ListenTCP("tcp4", addr)
	if err != nil {
		return gwerrors.Wrap("listen", addr.String(), err)
	}
	s.ln = ln
	s.logger.Info("bridge listening on %s", ln.Addr())
	return nil
}

// Listening reports whether Start has succeeded.
func (s *Server) Listening() bool { return s.ln != nil }

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// SetFirewall swaps the admission policy.  Attached clients stay.
func (s *Server) SetFirewall(p config.FirewallPolicy) {
	s.fw = p
	if p.Enabled {
		s.logger.Info("bridge firewall: only %s admitted", p.Allowed)
	} else {
		s.logger.Info("bridge firewall disabled")
	}
}

// Firewall returns the current admission policy.
func (s *Server) Firewall() config.FirewallPolicy { return s.fw }

// Active returns the number of occupied slots.
func (s *Server) Active() int { return s.active }

// Slots returns a copy of the slot table.
func (s *Server) Slots() [MaxClients]Slot { return s.slots }

// Tick runs one reap/accept/pump cycle.
func (s *Server) Tick() {
	if s.ln == nil {
		return
	}
	s.reap()
	s.accept()
	s.pump()
}

// Close drops every client and the listener.
func (s *Server) Close() error {
	for i := range s.slots {
		if s.slots[i].conn != nil {
			s.release(i)
		}
	}
	s.notify()
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	return err
}

// ── internal ─────────────────────────────────────────────────────────

func (s *Server) reap() {
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.conn != nil && !sl.connected {
			s.logger.Verbose("bridge: slot %d (%s) disconnected", i, sl.remote)
			s.release(i)
		}
	}
	s.notify()
}

func (s *Server) accept() {
	s.ln.SetDeadline(time.Now().Add(s.cfg.PollTimeout)) //nolint:errcheck
	conn, err := s.ln.AcceptTCP()
	if err != nil {
		if !gwerrors.IsTimeout(err) {
			s.logger.Warn("bridge accept: %v", err)
			s.metrics.RecordError(err.Error())
		}
		return
	}

	remote := conn.RemoteAddr().String()
	if !s.fw.Admits(util.RemoteIPv4(conn.RemoteAddr())) {
		conn.Close() //nolint:errcheck
		s.diag.Notef(s.clk.Millis(), "firewall rejected %s", remote)
		s.metrics.FirewallRejected()
		s.logger.Verbose("bridge: %s: %v", remote, gwerrors.ErrFirewallRejected)
		return
	}

	idx := s.freeSlot()
	if idx < 0 {
		conn.Close() //nolint:errcheck
		s.diag.Notef(s.clk.Millis(), "no free slot for %s", remote)
		s.metrics.SlotsFull()
		s.logger.Warn("bridge: %s: %v", remote, gwerrors.ErrSlotsFull)
		return
	}

	conn.SetNoDelay(true) //nolint:errcheck
	s.slots[idx] = Slot{conn: conn, remote: remote, connected: true}
	s.active++
	s.metrics.ClientAccepted()
	s.logger.Info("bridge: slot %d <- %s", idx, remote)
	s.notify()
}

func (s *Server) pump() {
	for i := range s.slots {
		sl := &s.slots[i]
		if !sl.connected {
			continue
		}
		sl.conn.SetReadDeadline(time.Now().Add(s.cfg.PollTimeout)) //nolint:errcheck
		n, err := sl.conn.Read(s.buf[:])
		if n > 0 {
			s.toSerial(s.buf[:n])
		}
		if err != nil && !gwerrors.IsTimeout(err) {
			s.logger.Debug("bridge: slot %d read: %v", i, err)
			sl.connected = false
		}
	}

	n, err := s.port.Read(s.buf[:])
	if err != nil {
		s.logger.Warn("bridge: serial read: %v", err)
		s.metrics.RecordError(err.Error())
	}
	if n > 0 {
		s.broadcast(s.buf[:n])
	}
}

func (s *Server) toSerial(data []byte) {
	s.diag.Traffic(s.clk.Millis(), diag.ToSerial, data)
	if _, err := s.port.Write(data); err != nil {
		s.logger.Warn("bridge: serial write: %v", err)
		s.metrics.RecordError(err.Error())
		return
	}
	s.metrics.ToSerial(len(data))
}

func (s *Server) broadcast(data []byte) {
	s.diag.Traffic(s.clk.Millis(), diag.FromSerial, data)
	s.metrics.FromSerial(len(data))
	for i := range s.slots {
		sl := &s.slots[i]
		if !sl.connected {
			continue
		}
		// Per slot: a stalled peer must not spend a later slot's budget.
		sl.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)) //nolint:errcheck
		if _, err := sl.conn.Write(data); err != nil {
			s.logger.Debug("bridge: slot %d write: %v", i, err)
			sl.connected = false
		}
	}
}

func (s *Server) freeSlot() int {
	for i := range s.slots {
		if s.slots[i].conn == nil {
			return i
		}
	}
	return -1
}

func (s *Server) release(i int) {
	s.slots[i].conn.Close() //nolint:errcheck
	s.slots[i] = Slot{}
	s.active--
	s.metrics.ClientReleased()
}

// notify emits exactly one event per 0->n and n->0 transition.
func (s *Server) notify() {
	busy := s.active > 0
	if busy == s.busy {
		return
	}
	s.busy = busy
	ev := EventIdle
	if busy {
		ev = EventBusy
	}
	s.logger.Verbose("bridge %s", ev)
	if s.listener != nil {
		s.listener.OnBridgeEvent(ev)
	}
}
