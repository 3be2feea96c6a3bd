// Package gateway assembles the bridge, the uplink supervisor, the
// fallback access point, the button and the ambient services into one
// device, and drives them from a single control loop.
package gateway

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"gwbridge/config"
	"gwbridge/internal/ap"
	"gwbridge/internal/bridge"
	"gwbridge/internal/button"
	"gwbridge/internal/clock"
	"gwbridge/internal/diag"
	"gwbridge/internal/discovery"
	"gwbridge/internal/dnsd"
	gwerrors "gwbridge/internal/errors"
	"gwbridge/internal/metrics"
	"gwbridge/internal/orchestrator"
	"gwbridge/internal/retry"
	"gwbridge/internal/serialport"
	"gwbridge/internal/status"
	"gwbridge/internal/system"
	"gwbridge/internal/telemetry"
	"gwbridge/internal/tunnel"
	"gwbridge/internal/uplink"
	"gwbridge/util"
)

// snapshotMs is how often the loop republishes the status snapshot.
const snapshotMs = 250

// eventQueue bounds the uplink events waiting for the loop.
const eventQueue = 16

// ── Hardware seams ───────────────────────────────────────────────────

// Board is the GPIO surface: button, LEDs and the coprocessor lines.
type Board interface {
	button.Level
	button.Indicator
	button.Coprocessor
	SetMode(on bool) error
	SetRoute(usb bool) error
	HeldAtBoot(hold time.Duration) bool
}

// Restarter re-executes the process.  RestartOnce refuses to loop.
type Restarter interface {
	Restart() error
	RestartOnce() error
}

// Advertiser publishes mDNS records.
type Advertiser interface {
	Advertise(svc discovery.Service) error
	Stop()
}

// Hardware carries everything that touches the host.  Nil fields get
// the real implementation where one exists.
type Hardware struct {
	// Serial is opened from Config.SerialDevice when nil.
	Serial     serialport.Port
	Board      Board
	Mailbox    *button.Mailbox
	Runner     system.Runner
	Probe      uplink.Probe
	Clock      clock.Clock
	Restarter  Restarter
	Advertiser Advertiser
}

// ── Gateway ──────────────────────────────────────────────────────────

// Gateway is one running device.
type Gateway struct {
	cfg     *config.Config
	hw      Hardware
	logger  *util.Logger
	version string

	store    *config.FileStore
	settings *config.Settings
	deviceID string

	metrics  *metrics.Collector
	registry *prom.Registry
	ring     *diag.Ring

	port      serialport.Port
	bridge    *bridge.Server
	ap        *ap.Controller
	events    chan uplink.Event
	orch      *orchestrator.Orchestrator
	toggle    *button.Toggle
	watcher   *config.Watcher
	status    *status.Server
	reporter  *telemetry.Reporter
	scheduler *telemetry.Scheduler
	tunnel    *tunnel.Reverse

	snapTicker *clock.Ticker

	telemetryUp bool
	closeOnce   sync.Once
	closeErr    error
}

// New loads the persisted settings and builds every component.  Nothing
// is started until Start.
func New(ctx context.Context, cfg *config.Config, hw Hardware, version string, logger *util.Logger) (*Gateway, error) {
	if hw.Board == nil || hw.Mailbox == nil || hw.Runner == nil || hw.Restarter == nil {
		return nil, fmt.Errorf("gateway: board, mailbox, runner and restarter are required")
	}
	if hw.Clock == nil {
		hw.Clock = clock.NewSystem()
	}
	if hw.Probe == nil {
		hw.Probe = uplink.SysProbe{}
	}
	if hw.Advertiser == nil {
		hw.Advertiser = discovery.New(nil, logger.With("mdns"))
	}

	store, err := config.NewFileStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		cfg:      cfg,
		hw:       hw,
		logger:   logger,
		version:  version,
		store:    store,
		metrics:  metrics.New(),
		registry: prom.NewRegistry(),
		ring:     diag.NewRing(config.DefaultDiagCapacity),
		events:   make(chan uplink.Event, eventQueue),
	}
	if err := g.metrics.Register(g.registry); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	if g.settings, err = g.loadSettings(); err != nil {
		return nil, err
	}
	g.deviceID = system.DeviceID(g.settings.General.Hostname, cfg.EtherIface, cfg.WiFiIface)

	if err := g.build(ctx); err != nil {
		g.Close() //nolint:errcheck
		return nil, err
	}
	return g, nil
}

// loadSettings applies a requested hard reset, loads every section and
// lays the process-level overrides on top.
func (g *Gateway) loadSettings() (*config.Settings, error) {
	if g.cfg.ResetSettings || g.hw.Board.HeldAtBoot(config.DefaultHardResetHold) {
		g.logger.Warn("resetting every setting to its default")
		if err := g.store.Reset(); err != nil {
			return nil, fmt.Errorf("reset settings: %w", err)
		}
	}

	s, err := g.store.Load()
	var healed *config.HealError
	switch {
	case err == nil:
	case gwerrors.As(err, &healed):
		g.logger.Warn("%v", healed)
		if healed.RestartRequired() {
			if rerr := g.hw.Restarter.RestartOnce(); rerr != nil {
				g.logger.Warn("continuing with healed settings: %v", rerr)
			}
		}
	default:
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if g.cfg.Baud > 0 {
		s.Serial.Baud = g.cfg.Baud
	}
	if g.cfg.Port > 0 {
		s.Serial.Port = g.cfg.Port
	}
	return s, nil
}

func (g *Gateway) build(ctx context.Context) error {
	s := g.settings

	g.port = g.hw.Serial
	if g.port == nil {
		p, err := serialport.Open(ctx, serialport.Config{
			Device: g.cfg.SerialDevice,
			Baud:   s.Serial.Baud,
		}, &retry.Backoff{InitialDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second, MaxAttempts: 8}, g.logger.With("serial"))
		if err != nil {
			return err
		}
		g.port = p
	}

	policy, err := s.Firewall()
	if err != nil {
		g.logger.Warn("firewall: %v; admitting nobody", err)
	}
	g.bridge = bridge.New(bridge.Config{Port: s.Serial.Port}, g.port, g.logger.With("bridge"), bridge.Options{
		Clock:    g.hw.Clock,
		Diag:     g.ring,
		Metrics:  g.metrics,
		Listener: bridge.ListenerFunc(g.onBridgeEvent),
		Firewall: policy,
	})

	apCfg := ap.Config{
		Iface:   g.cfg.APIface,
		Parent:  g.cfg.APParent,
		Gateway: g.cfg.APGateway,
		SSID:    g.deviceID,
		RunDir:  filepath.Join(g.cfg.StateDir, "run"),
	}
	gw, err := apCfg.GatewayIP()
	if err != nil {
		return err
	}
	dns, err := dnsd.New(net.JoinHostPort(gw.String(), strconv.Itoa(g.cfg.DNSPort)), gw, g.logger.With("dns"))
	if err != nil {
		return err
	}
	g.ap = ap.New(apCfg, g.hw.Runner, dns, g.logger.With("ap"), g.metrics)

	var drivers orchestrator.Drivers
	if g.cfg.EtherIface != "" {
		drivers.Wired = uplink.NewEthernet(g.cfg.EtherIface, s.Ether, g.hw.Runner, g.hw.Probe, g.events, g.logger.With("ether"))
	}
	if g.cfg.WiFiIface != "" {
		drivers.Wireless = uplink.NewWireless(g.cfg.WiFiIface, s.WiFi, g.hw.Runner, g.hw.Probe, g.events, g.logger.With("wifi"))
	}
	g.orch = orchestrator.New(ctx, drivers, g.ap, g, g.hw.Clock, g.logger.With("overseer"), g.metrics, orchestrator.Options{
		MaxRetries:     s.Overseer.MaxRetries,
		PollIntervalMs: uint32(s.Overseer.PollIntervalMs),
		KeepAdmin:      s.General.KeepAdmin,
		OnStateChange:  g.onStateChange,
	})

	g.toggle = button.New(button.Deps{
		Level:       g.hw.Board,
		Mailbox:     g.hw.Mailbox,
		Store:       g.store,
		Indicator:   g.hw.Board,
		Coprocessor: g.hw.Board,
		Restarter:   g.hw.Restarter,
		OnAction:    g.onButton,
	}, g.logger.With("button"))

	if w, err := config.NewWatcher(g.cfg.StateDir, 0, g.logger.With("settings")); err != nil {
		g.logger.Warn("live settings reload disabled: %v", err)
	} else {
		g.watcher = w
	}

	g.status = status.New(g.cfg.StatusAddr, g.ring, g.registry, g.logger.With("status"))

	var pubs []telemetry.Publisher
	if s.MQTT.Enabled {
		pubs = append(pubs, telemetry.NewMQTT(s.MQTT, g.deviceID, g.logger.With("mqtt")))
	}
	if s.NATS.Enabled {
		pubs = append(pubs, telemetry.NewNATS(s.NATS, g.deviceID, g.logger.With("nats")))
	}
	g.reporter = telemetry.NewReporter(g.logger.With("telemetry"), g.metrics, pubs...)
	if g.scheduler, err = telemetry.NewScheduler(g.logger.With("jobs")); err != nil {
		return err
	}
	if g.reporter.Len() > 0 {
		if err := g.scheduler.Every("heartbeat", time.Duration(s.MQTT.Interval)*time.Second, g.heartbeat); err != nil {
			return err
		}
	}
	if err := g.scheduler.Every("counters", 10*time.Minute, g.logCounters); err != nil {
		return err
	}

	if s.Tunnel.Enabled {
		g.tunnel = tunnel.New(tunnel.FromSettings(s.Tunnel, s.Serial.Port), g.logger.With("tunnel"), g.metrics)
	}

	g.snapTicker = clock.NewTicker(snapshotMs, g.publishSnapshot)
	return nil
}

// ── Accessors ────────────────────────────────────────────────────────

func (g *Gateway) DeviceID() string                         { return g.deviceID }
func (g *Gateway) Settings() *config.Settings               { return g.settings.Clone() }
func (g *Gateway) Metrics() *metrics.Collector              { return g.metrics }
func (g *Gateway) Diag() *diag.Ring                         { return g.ring }
func (g *Gateway) Bridge() *bridge.Server                   { return g.bridge }
func (g *Gateway) AccessPoint() *ap.Controller              { return g.ap }
func (g *Gateway) Orchestrator() *orchestrator.Orchestrator { return g.orch }
func (g *Gateway) Toggle() *button.Toggle                   { return g.toggle }
func (g *Gateway) Status() *status.Server                   { return g.status }

// ── Lifecycle ────────────────────────────────────────────────────────

// Start applies the boot-time hardware state and starts supervising
// the persisted mode.
func (g *Gateway) Start() {
	mode := g.settings.General.Mode
	g.logger.Info("%s %s starting in %s mode", g.deviceID, g.version, mode)

	if err := g.hw.Board.SetRoute(mode.IsLocal()); err != nil {
		g.logger.Warn("coprocessor route: %v", err)
	}
	if err := g.hw.Board.SetEnabled(!g.settings.LEDs.Disabled); err != nil {
		g.logger.Warn("leds: %v", err)
	}

	now := g.hw.Clock.Millis()
	g.ring.Notef(now, "boot %s mode %s", g.version, mode)
	g.orch.Start(mode)
	g.snapTicker.Start(now)
	g.publishSnapshot()
}

// Close stops every component.  Safe to call more than once, and from
// the restart hook.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		var errs []error
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if g.orch != nil {
			g.orch.Stop()
		}
		if g.bridge != nil {
			if err := g.bridge.Close(); err != nil {
				errs = append(errs, fmt.Errorf("bridge: %w", err))
			}
		}
		if g.ap != nil && g.ap.Started() {
			if err := g.ap.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("ap: %w", err))
			}
		}
		if g.tunnel != nil {
			if err := g.tunnel.Close(); err != nil {
				errs = append(errs, fmt.Errorf("tunnel: %w", err))
			}
		}
		g.hw.Advertiser.Stop()
		if g.scheduler != nil {
			if err := g.scheduler.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("scheduler: %w", err))
			}
		}
		if g.reporter != nil && g.telemetryUp {
			if err := g.reporter.Close(); err != nil {
				errs = append(errs, fmt.Errorf("telemetry: %w", err))
			}
		}
		if g.status != nil {
			if err := g.status.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("status: %w", err))
			}
		}
		if g.watcher != nil {
			if err := g.watcher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("watcher: %w", err))
			}
		}
		if g.port != nil {
			if err := g.port.Close(); err != nil {
				errs = append(errs, fmt.Errorf("serial: %w", err))
			}
		}
		g.closeErr = gwerrors.Join(errs...)
	})
	return g.closeErr
}
