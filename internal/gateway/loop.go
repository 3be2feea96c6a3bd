package gateway

import (
	"context"
	"time"

	"gwbridge/config"
	gwerrors "gwbridge/internal/errors"
	"gwbridge/internal/status"
)

// Run starts the gateway and ticks the control loop every
// Config.LoopInterval until ctx is cancelled.  It closes every
// component on the way out.
func (g *Gateway) Run(ctx context.Context) error {
	if g.watcher != nil {
		go g.watcher.Run(ctx)
	}
	g.Start()

	t := time.NewTicker(g.cfg.LoopInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("shutting down")
			return g.Close()
		case <-t.C:
			g.Step(g.hw.Clock.Millis())
		}
	}
}

// Step is one loop iteration.  Each stage is bounded by its own short
// deadline, so a Step never blocks for more than a few milliseconds.
func (g *Gateway) Step(now uint32) {
	g.toggle.Poll(now)
	g.orch.Update(now)
	g.drainEvents()
	if g.watcher != nil && g.watcher.Take() {
		g.Reload()
	}
	if !g.orch.Mode().IsLocal() {
		g.bridge.Tick()
	}
	g.ap.Poll()
	g.snapTicker.Update(now)
}

func (g *Gateway) drainEvents() {
	for {
		select {
		case ev := <-g.events:
			g.orch.OnUplinkEvent(ev)
		default:
			return
		}
	}
}

// Reload re-reads the settings a running gateway can apply without a
// restart: the firewall and the LED preference.
func (g *Gateway) Reload() {
	s, err := g.store.Load()
	var healed *config.HealError
	if err != nil && !gwerrors.As(err, &healed) {
		g.logger.Warn("settings reload: %v", err)
		return
	}

	policy, err := s.Firewall()
	if err != nil {
		g.logger.Warn("firewall: %v; admitting nobody", err)
	}
	if policy.Enabled != g.bridge.Firewall().Enabled || !policy.Allowed.Equal(g.bridge.Firewall().Allowed) {
		g.bridge.SetFirewall(policy)
		g.ring.Notef(g.hw.Clock.Millis(), "firewall %s", firewallLabel(policy))
	}
	g.settings.Security = s.Security

	if s.LEDs != g.settings.LEDs {
		if err := g.hw.Board.SetEnabled(!s.LEDs.Disabled); err != nil {
			g.logger.Warn("leds: %v", err)
		}
		g.settings.LEDs = s.LEDs
	}
}

// ── Snapshot ─────────────────────────────────────────────────────────

func (g *Gateway) publishSnapshot() { g.status.Publish(g.snapshot()) }

func (g *Gateway) snapshot() *status.Snapshot {
	snap := &status.Snapshot{
		Device:      g.deviceID,
		Version:     g.version,
		Mode:        g.orch.Mode().String(),
		State:       g.orch.State().String(),
		Supervising: g.orch.Supervising(),
		RetryCount:  g.orch.RetryCount(),
		MaxRetries:  g.orch.MaxRetries(),
		APStarted:   g.ap.Started(),
		Listening:   g.bridge.Listening(),
		BridgePort:  g.bridgePort(),
		Clients:     []status.Client{},
		Firewall:    firewallLabel(g.bridge.Firewall()),
		Maintenance: g.toggle.InMaintenance(),
		Tunnel:      g.tunnel != nil && g.tunnel.Alive(),
		Metrics:     g.metrics.Snapshot(),
		Updated:     time.Now(),
	}
	if ip := g.orch.Address(); ip != nil {
		snap.Address = ip.String()
	}
	if snap.APStarted {
		snap.APSSID = g.ap.SSID()
	}
	slots := g.bridge.Slots()
	for i := range slots {
		if slots[i].Occupied() {
			snap.Clients = append(snap.Clients, status.Client{Slot: i, Remote: slots[i].Remote()})
		}
	}
	return snap
}

func firewallLabel(p config.FirewallPolicy) string {
	switch {
	case !p.Enabled:
		return "open"
	case p.Allowed == nil:
		return "closed"
	default:
		return "allow " + p.Allowed.String()
	}
}
