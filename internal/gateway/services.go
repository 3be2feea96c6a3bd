package gateway

import (
	"context"
	"net"

	"gwbridge/internal/bridge"
	"gwbridge/internal/button"
	"gwbridge/internal/discovery"
	"gwbridge/internal/orchestrator"
	"gwbridge/internal/telemetry"
)

// StartServices brings up what scope warrants.  Every step is
// idempotent; the orchestrator calls this on each connect and each
// fallback.
//
//	full      status, bridge, telemetry, tunnel, both mDNS records
//	local     status and its mDNS record (the radio is on USB)
//	fallback  status and its mDNS record, reachable through the AP
func (g *Gateway) StartServices(ctx context.Context, scope orchestrator.Scope) {
	g.logger.Verbose("starting %s services", scope)
	g.startStatus()

	if scope == orchestrator.ScopeFull {
		if err := g.bridge.Start(); err != nil {
			g.logger.Error("bridge: %v", err)
			g.metrics.RecordError(err.Error())
		} else if err := g.hw.Advertiser.Advertise(discovery.BridgeService(g.deviceID, g.bridgePort(), g.settings.Serial.Baud)); err != nil {
			g.logger.Warn("%v", err)
		}
		g.startTelemetry()
		g.startTunnel(ctx)
	}
}

func (g *Gateway) startStatus() {
	if g.cfg.StatusAddr == "" {
		return
	}
	if err := g.status.Start(); err != nil {
		g.logger.Warn("%v", err)
		return
	}
	if err := g.hw.Advertiser.Advertise(discovery.HTTPService(g.deviceID, g.status.Port())); err != nil {
		g.logger.Warn("%v", err)
	}
}

func (g *Gateway) startTelemetry() {
	if g.telemetryUp {
		return
	}
	g.telemetryUp = true
	g.reporter.Start()
	g.scheduler.Start()
}

func (g *Gateway) startTunnel(ctx context.Context) {
	if g.tunnel == nil {
		return
	}
	if err := g.tunnel.Start(ctx); err != nil {
		g.logger.Warn("%v", err)
	}
}

func (g *Gateway) bridgePort() int {
	if a, ok := g.bridge.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return g.settings.Serial.Port
}

// ── Observers ────────────────────────────────────────────────────────

func (g *Gateway) onBridgeEvent(ev bridge.Event) {
	g.ring.Notef(g.hw.Clock.Millis(), "socket %s", ev)
	if g.reporter != nil {
		g.reporter.OnBridgeEvent(ev)
	}
}

func (g *Gateway) onStateChange(from, to orchestrator.State) {
	g.ring.Notef(g.hw.Clock.Millis(), "uplink %s -> %s", from, to)
	if err := g.hw.Board.SetMode(to == orchestrator.StateConnected); err != nil {
		g.logger.Debug("mode led: %v", err)
	}
}

func (g *Gateway) onButton(a button.Action) {
	g.ring.Notef(g.hw.Clock.Millis(), "button %s", a)
}

// heartbeat runs on a scheduler goroutine and only reads the published
// snapshot.
func (g *Gateway) heartbeat() {
	snap := g.status.Current()
	if snap == nil {
		return
	}
	hb := telemetry.HeartbeatFromSnapshot(g.deviceID, g.metrics.Uptime(), snap.Metrics)
	hb.Mode = snap.Mode
	hb.State = snap.State
	hb.Address = snap.Address
	g.reporter.Heartbeat(hb)
}

func (g *Gateway) logCounters() {
	g.logger.Verbose("counters %s", g.metrics.JSON())
}
