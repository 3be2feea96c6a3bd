package uplink

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"gwbridge/config"
	gwerrors "gwbridge/internal/errors"
	"gwbridge/internal/system"
	"gwbridge/util"
)

// Minimum credential lengths accepted before a connection is attempted.
const (
	MinSSIDLen     = 2
	MinPasswordLen = 8
)

// Wireless drives the station interface through wpa_supplicant.  State
// is polled by the overseer; link changes are also pushed so a drop
// after connecting restarts supervision.
type Wireless struct {
	iface  string
	cfg    config.WiFi
	run    system.Runner
	logger *util.Logger
	watch  *linkWatcher
}

// NewWireless returns a station driver.
func NewWireless(iface string, cfg config.WiFi, run system.Runner, probe Probe,
	events chan<- Event, logger *util.Logger) *Wireless {
	return &Wireless{
		iface:  iface,
		cfg:    cfg,
		run:    run,
		logger: logger,
		watch: &linkWatcher{
			iface:  iface,
			probe:  probe,
			every:  time.Second,
			events: events,
			logger: logger,
		},
	}
}

func (w *Wireless) Name() string { return "wireless" }

// HasCredentials reports whether the configured SSID and password are
// long enough to attempt a connection.
func (w *Wireless) HasCredentials() bool {
	return len(w.cfg.SSID) >= MinSSIDLen && len(w.cfg.Password) >= MinPasswordLen
}

// Begin (re)configures wpa_supplicant with the stored network and asks
// it to associate.  Missing credentials return ErrNoCredentials.
func (w *Wireless) Begin(ctx context.Context) error {
	w.watch.start(ctx)
	if !w.HasCredentials() {
		return gwerrors.ErrNoCredentials
	}

	wpa := func(args ...string) (string, error) {
		out, err := w.run.Run(ctx, "wpa_cli", append([]string{"-i", w.iface}, args...)...)
		res := strings.TrimSpace(string(out))
		if err == nil && res == "FAIL" {
			err = fmt.Errorf("wpa_cli %s: FAIL", args[0])
		}
		return res, err
	}

	if _, err := wpa("remove_network", "all"); err != nil {
		return fmt.Errorf("wireless %s: %w", w.iface, err)
	}
	idOut, err := wpa("add_network")
	if err != nil {
		return fmt.Errorf("wireless %s: %w", w.iface, err)
	}
	id, err := strconv.Atoi(lastLine(idOut))
	if err != nil {
		return fmt.Errorf("wireless %s: add_network returned %q", w.iface, idOut)
	}
	nid := strconv.Itoa(id)
	steps := [][]string{
		{"set_network", nid, "ssid", strconv.Quote(w.cfg.SSID)},
		{"set_network", nid, "psk", strconv.Quote(w.cfg.Password)},
		{"enable_network", nid},
		{"select_network", nid},
	}
	for _, s := range steps {
		if _, err := wpa(s...); err != nil {
			return fmt.Errorf("wireless %s: %w", w.iface, err)
		}
	}

	if !w.cfg.DHCP {
		if err := applyStatic(ctx, w.run, w.iface, w.cfg.Address, w.cfg.Gateway); err != nil {
			return fmt.Errorf("wireless %s: %w", w.iface, err)
		}
	}
	DisablePowerSave(ctx, w.run, w.iface, w.logger)
	w.logger.Info("wireless %s: joining %q", w.iface, w.cfg.SSID)
	return nil
}

// IsConnected samples the probe directly so the overseer sees the
// current state on every poll.
func (w *Wireless) IsConnected() bool { return w.watch.sample() }

func (w *Wireless) LocalAddress() net.IP { return w.watch.localAddress() }

// DisablePowerSave turns off station power saving, which otherwise
// adds hundreds of milliseconds to bridge round trips.
func DisablePowerSave(ctx context.Context, run system.Runner, iface string, logger *util.Logger) {
	if _, err := run.Run(ctx, "iw", "dev", iface, "set", "power_save", "off"); err != nil {
		logger.Verbose("power save off on %s: %v", iface, err)
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
