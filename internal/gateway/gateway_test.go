package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwbridge/config"
	"gwbridge/internal/button"
	"gwbridge/internal/clock"
	"gwbridge/internal/discovery"
	"gwbridge/internal/orchestrator"
	"gwbridge/internal/serialport"
	"gwbridge/internal/status"
	"gwbridge/internal/system"
	"gwbridge/util"
)

// ── fakes ────────────────────────────────────────────────────────────

type fakeBoard struct {
	mu         sync.Mutex
	pressed    bool
	heldAtBoot bool
	route      bool
	leds       bool
	mode       bool
	bootloader int
	resets     int
}

func (b *fakeBoard) Pressed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pressed
}

func (b *fakeBoard) press(on bool) {
	b.mu.Lock()
	b.pressed = on
	b.mu.Unlock()
}

func (b *fakeBoard) with(fn func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn()
	return nil
}

func (b *fakeBoard) SetEnabled(on bool) error { return b.with(func() { b.leds = on }) }
func (b *fakeBoard) SetMode(on bool) error    { return b.with(func() { b.mode = on }) }
func (b *fakeBoard) SetRoute(usb bool) error  { return b.with(func() { b.route = usb }) }
func (b *fakeBoard) EnterBootloader() error   { return b.with(func() { b.bootloader++ }) }
func (b *fakeBoard) Reset() error             { return b.with(func() { b.resets++ }) }

func (b *fakeBoard) HeldAtBoot(time.Duration) bool { return b.heldAtBoot }

func (b *fakeBoard) state() (route, leds, mode bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.route, b.leds, b.mode
}

type fakeRestarter struct {
	mu       sync.Mutex
	restarts int
	onces    int
}

func (r *fakeRestarter) Restart() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts++
	return nil
}

func (r *fakeRestarter) RestartOnce() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onces++
	return nil
}

func (r *fakeRestarter) counts() (restarts, onces int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts, r.onces
}

type fakeAdvertiser struct {
	mu       sync.Mutex
	services map[string]discovery.Service
	stopped  bool
}

func (a *fakeAdvertiser) Advertise(svc discovery.Service) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.services == nil {
		a.services = map[string]discovery.Service{}
	}
	a.services[svc.Type] = svc
	return nil
}

func (a *fakeAdvertiser) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
}

func (a *fakeAdvertiser) has(serviceType string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.services[serviceType]
	return ok
}

type fakeProbe struct {
	mu sync.Mutex
	up bool
}

func (p *fakeProbe) set(up bool) {
	p.mu.Lock()
	p.up = up
	p.mu.Unlock()
}

func (p *fakeProbe) OperUp(string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.up
}

func (p *fakeProbe) IPv4(string) net.IP {
	if !p.OperUp("") {
		return nil
	}
	return net.IPv4(10, 0, 0, 7)
}

// ── harness ──────────────────────────────────────────────────────────

type harness struct {
	t       *testing.T
	ctx     context.Context
	cfg     *config.Config
	gw      *Gateway
	clk     *clock.Fake
	serial  *serialport.Memory
	board   *fakeBoard
	run     *system.RecordingRunner
	probe   *fakeProbe
	restart *fakeRestarter
	mdns    *fakeAdvertiser
	mailbox *button.Mailbox
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.StateDir = t.TempDir()
	cfg.StatusAddr = "127.0.0.1:0"
	cfg.APGateway = "127.0.0.1/8"

	port, err := util.FindFreePort()
	require.NoError(t, err)
	cfg.Port = port
	dns, err := util.FindFreePort()
	require.NoError(t, err)
	cfg.DNSPort = dns
	return cfg
}

// seedSettings writes settings with a short retry budget, then applies
// edit.
func seedSettings(t *testing.T, dir string, edit func(*config.Settings)) *config.FileStore {
	t.Helper()
	store, err := config.NewFileStore(dir)
	require.NoError(t, err)
	s := config.DefaultSettings()
	s.Overseer.MaxRetries = 2
	if edit != nil {
		edit(s)
	}
	require.NoError(t, store.Save(s))
	return store
}

func newHarness(t *testing.T, cfg *config.Config, board *fakeBoard, linkUp bool) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if board == nil {
		board = &fakeBoard{}
	}
	h := &harness{
		t:       t,
		ctx:     ctx,
		cfg:     cfg,
		clk:     clock.NewFake(0),
		serial:  serialport.NewMemory(),
		board:   board,
		run:     system.NewRecordingRunner(),
		probe:   &fakeProbe{up: linkUp},
		restart: &fakeRestarter{},
		mdns:    &fakeAdvertiser{},
		mailbox: &button.Mailbox{},
	}
	logger := util.NewLogger(0)
	logger.SetOutput(io.Discard)

	gw, err := New(ctx, cfg, Hardware{
		Serial:     h.serial,
		Board:      h.board,
		Mailbox:    h.mailbox,
		Runner:     h.run,
		Probe:      h.probe,
		Clock:      h.clk,
		Restarter:  h.restart,
		Advertiser: h.mdns,
	}, "test", logger)
	require.NoError(t, err)
	h.gw = gw
	if gw.watcher != nil {
		go gw.watcher.Run(ctx)
	}
	t.Cleanup(func() {
		gw.Close() //nolint:errcheck
		cancel()
	})
	return h
}

func (h *harness) start() *harness {
	h.gw.Start()
	return h
}

// advance runs the loop over ms of fake time in 5ms steps.
func (h *harness) advance(ms int) {
	for i := 0; i < ms; i += 5 {
		h.gw.Step(h.clk.Advance(5))
	}
}

// until steps the loop, with real time passing, until cond holds.
func (h *harness) until(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.advance(5)
		return cond()
	}, 3*time.Second, time.Millisecond, msg)
}

func (h *harness) state() orchestrator.State { return h.gw.Orchestrator().State() }

// ── boot ─────────────────────────────────────────────────────────────

func TestGateway_WiredConnectStartsBridge(t *testing.T) {
	cfg := testConfig(t)
	seedSettings(t, cfg.StateDir, nil)
	h := newHarness(t, cfg, nil, true).start()

	route, leds, _ := h.board.state()
	assert.False(t, route, "network mode keeps the radio on the UART")
	assert.True(t, leds)
	assert.Equal(t, orchestrator.StateConnecting, h.state())

	h.advance(1000)
	require.Equal(t, orchestrator.StateConnected, h.state())
	assert.True(t, h.gw.Bridge().Listening())
	assert.True(t, h.mdns.has(discovery.BridgeType))
	assert.True(t, h.mdns.has(discovery.HTTPType))
	_, _, mode := h.board.state()
	assert.True(t, mode, "mode LED follows the connected state")
	assert.False(t, h.gw.AccessPoint().Started())
}

func TestGateway_BridgePassthrough(t *testing.T) {
	cfg := testConfig(t)
	seedSettings(t, cfg.StateDir, nil)
	h := newHarness(t, cfg, nil, true).start()
	h.advance(1000)
	require.True(t, h.gw.Bridge().Listening())

	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Port)))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	h.until(func() bool { return string(h.serial.Written()) == "ping" }, "bytes reach the serial port")

	h.serial.Feed([]byte("pong"))
	h.advance(5)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))

	h.advance(snapshotMs)
	snap := h.gw.Status().Current()
	require.NotNil(t, snap)
	require.Len(t, snap.Clients, 1)
	assert.Equal(t, "10.0.0.7", snap.Address)
	assert.Contains(t, h.gw.Diag().String(), "socket")
}

func TestGateway_FallbackOpensAccessPoint(t *testing.T) {
	cfg := testConfig(t)
	seedSettings(t, cfg.StateDir, nil)
	h := newHarness(t, cfg, nil, false).start()

	h.advance(2000)
	assert.False(t, h.gw.AccessPoint().Started(), "within the retry budget")

	h.advance(1000)
	require.Equal(t, orchestrator.StateFallbackAP, h.state())
	assert.True(t, h.gw.AccessPoint().Started())
	assert.Equal(t, 1, h.run.Count("start hostapd"))
	assert.False(t, h.gw.Bridge().Listening(), "bridge waits for an uplink")
	assert.True(t, h.mdns.has(discovery.HTTPType))

	h.advance(5000)
	assert.Equal(t, 1, h.run.Count("start hostapd"), "AP started exactly once")

	h.advance(snapshotMs)
	snap := h.gw.Status().Current()
	assert.True(t, snap.APStarted)
	assert.Equal(t, h.gw.DeviceID(), snap.APSSID)

	// Cable plugged back in: link-up restarts supervision, the next
	// poll connects and the AP goes away.
	h.probe.set(true)
	h.until(func() bool { return h.state() == orchestrator.StateConnected }, "reconnects after link-up")
	assert.False(t, h.gw.AccessPoint().Started())
	assert.True(t, h.gw.Bridge().Listening())
}

func TestGateway_LocalDirect(t *testing.T) {
	cfg := testConfig(t)
	seedSettings(t, cfg.StateDir, func(s *config.Settings) {
		s.General.Mode = config.ModeLocalDirect
	})
	h := newHarness(t, cfg, nil, true).start()

	route, _, _ := h.board.state()
	assert.True(t, route, "radio routed to USB")
	assert.Equal(t, orchestrator.StateIdle, h.state())

	h.advance(5000)
	assert.False(t, h.gw.Bridge().Listening())
	assert.False(t, h.gw.AccessPoint().Started())
	assert.Zero(t, h.run.Count("ip link set dev eth0"))
}

func TestGateway_HardReset(t *testing.T) {
	tests := []struct {
		name  string
		held  bool
		flag  bool
		reset bool
	}{
		{"held at boot", true, false, true},
		{"flag", false, true, true},
		{"neither", false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.ResetSettings = tt.flag
			seedSettings(t, cfg.StateDir, func(s *config.Settings) {
				s.General.Hostname = "kitchen"
			})
			h := newHarness(t, cfg, &fakeBoard{heldAtBoot: tt.held}, true)

			want := "kitchen"
			if tt.reset {
				want = config.DefaultHostname
			}
			assert.Equal(t, want, h.gw.Settings().General.Hostname)
		})
	}
}

func TestGateway_HealedSettings(t *testing.T) {
	tests := []struct {
		section  string
		restarts int
	}{
		{"serial", 1},
		{"mqtt", 0},
	}
	for _, tt := range tests {
		t.Run(tt.section, func(t *testing.T) {
			cfg := testConfig(t)
			store := seedSettings(t, cfg.StateDir, nil)
			require.NoError(t, os.WriteFile(store.Path(tt.section), []byte("{{{ not yaml"), 0o600))

			h := newHarness(t, cfg, nil, true)
			_, onces := h.restart.counts()
			assert.Equal(t, tt.restarts, onces)
			assert.Equal(t, config.DefaultBaud, h.gw.Settings().Serial.Baud)
		})
	}
}

func TestGateway_Overrides(t *testing.T) {
	cfg := testConfig(t)
	cfg.Baud = 57600
	seedSettings(t, cfg.StateDir, nil)
	h := newHarness(t, cfg, nil, true)

	s := h.gw.Settings()
	assert.Equal(t, 57600, s.Serial.Baud)
	assert.Equal(t, cfg.Port, s.Serial.Port)
}

// ── runtime ──────────────────────────────────────────────────────────

func TestGateway_ReloadAppliesFirewallAndLEDs(t *testing.T) {
	cfg := testConfig(t)
	store := seedSettings(t, cfg.StateDir, nil)
	h := newHarness(t, cfg, nil, true).start()
	h.advance(1000)
	require.False(t, h.gw.Bridge().Firewall().Enabled)

	s, err := store.Load()
	require.NoError(t, err)
	s.Security = config.Security{FwEnabled: true, FwIP: "10.9.9.9"}
	s.LEDs.Disabled = true
	require.NoError(t, store.Save(s))

	h.gw.Reload()
	fw := h.gw.Bridge().Firewall()
	assert.True(t, fw.Enabled)
	assert.Equal(t, "10.9.9.9", fw.Allowed.String())
	_, leds, _ := h.board.state()
	assert.False(t, leds)
	assert.Equal(t, "allow 10.9.9.9", firewallLabel(fw))
}

func TestGateway_WatcherTriggersReload(t *testing.T) {
	cfg := testConfig(t)
	store := seedSettings(t, cfg.StateDir, nil)
	h := newHarness(t, cfg, nil, true).start()
	h.advance(1000)

	s, err := store.Load()
	require.NoError(t, err)
	s.Security = config.Security{FwEnabled: true, FwIP: "10.1.1.1"}
	require.NoError(t, store.Save(s))

	h.until(func() bool { return h.gw.Bridge().Firewall().Enabled }, "watcher applies the firewall")
}

func TestGateway_ButtonTogglesMode(t *testing.T) {
	cfg := testConfig(t)
	store := seedSettings(t, cfg.StateDir, nil)
	h := newHarness(t, cfg, nil, true).start()

	h.board.press(true)
	h.mailbox.Signal()
	h.advance(3200)
	h.board.press(false)
	h.mailbox.Signal()
	h.advance(10)

	restarts, _ := h.restart.counts()
	assert.Equal(t, 1, restarts)
	s, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, config.ModeLocalDirect, s.General.Mode)
	assert.Equal(t, config.ModeWired, s.General.PreviousMode)
	assert.Contains(t, h.gw.Diag().String(), "button toggle-mode")
}

func TestGateway_ButtonMaintenance(t *testing.T) {
	cfg := testConfig(t)
	seedSettings(t, cfg.StateDir, nil)
	h := newHarness(t, cfg, nil, true).start()

	h.board.press(true)
	h.mailbox.Signal()
	h.advance(4200)
	assert.True(t, h.gw.Toggle().InMaintenance())

	h.advance(snapshotMs)
	assert.True(t, h.gw.Status().Current().Maintenance)
}

func TestGateway_StatusEndpoint(t *testing.T) {
	cfg := testConfig(t)
	seedSettings(t, cfg.StateDir, nil)
	h := newHarness(t, cfg, nil, true).start()
	h.advance(1000 + snapshotMs)

	addr := h.gw.Status().Addr()
	require.NotNil(t, addr)
	resp, err := http.Get("http://" + addr.String() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap status.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "connected", snap.State)
	assert.Equal(t, "WIRED", snap.Mode)
	assert.Equal(t, "open", snap.Firewall)
	assert.True(t, snap.Listening)
	assert.Equal(t, cfg.Port, snap.BridgePort)
}

func TestGateway_CloseIdempotent(t *testing.T) {
	cfg := testConfig(t)
	seedSettings(t, cfg.StateDir, nil)
	h := newHarness(t, cfg, nil, true).start()
	h.advance(1000)

	require.NoError(t, h.gw.Close())
	require.NoError(t, h.gw.Close())
	assert.False(t, h.gw.Bridge().Listening())
	assert.True(t, h.mdns.stopped)
}

func TestGateway_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.LoopInterval = time.Millisecond
	seedSettings(t, cfg.StateDir, nil)
	h := newHarness(t, cfg, nil, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.gw.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_RequiresHardware(t *testing.T) {
	_, err := New(context.Background(), testConfig(t), Hardware{}, "test", util.NewLogger(0))
	assert.Error(t, err)
}
