// Package ap runs the fallback access point: an open network named
// after the device, a static gateway address and a captive DNS
// responder, so the admin surface stays reachable when every uplink
// has failed.
package ap

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gwbridge/internal/metrics"
	"gwbridge/internal/system"
	"gwbridge/util"
)

// DNS is the captive responder the controller starts and polls.
type DNS interface {
	Start() error
	Stop() error
	Poll() bool
}

// Config describes the AP.
type Config struct {
	// Iface is the AP interface; created on Parent when Parent is set.
	Iface  string
	Parent string
	// Gateway is the AP's own address in CIDR form.
	Gateway string
	// SSID is the network name, normally the device identity.
	SSID string
	// Channel defaults to 6.
	Channel int
	// RunDir receives the generated hostapd configuration.
	RunDir string
}

// GatewayIP returns the address part of cfg.Gateway.
func (c Config) GatewayIP() (net.IP, error) {
	ip, _, err := net.ParseCIDR(c.Gateway)
	if err != nil {
		return nil, fmt.Errorf("ap gateway %q: %w", c.Gateway, err)
	}
	return ip.To4(), nil
}

// Controller owns the started flag; only Start and Stop change it.
type Controller struct {
	cfg     Config
	run     system.Runner
	dns     DNS
	logger  *util.Logger
	metrics *metrics.Collector

	started bool
	added   bool // Iface was created by Start
	hostapd system.Process
}

// New returns a stopped controller.
func New(cfg Config, run system.Runner, dns DNS, logger *util.Logger, m *metrics.Collector) *Controller {
	if cfg.Channel == 0 {
		cfg.Channel = 6
	}
	if cfg.RunDir == "" {
		cfg.RunDir = os.TempDir()
	}
	return &Controller{cfg: cfg, run: run, dns: dns, logger: logger, metrics: m}
}

// Started reports whether the AP is up.
func (c *Controller) Started() bool { return c.started }

// SSID returns the advertised network name.
func (c *Controller) SSID() string { return c.cfg.SSID }

// Start brings the AP up.  A second call while started does nothing.
// On failure every step already taken is undone and the flag stays
// false.
func (c *Controller) Start(ctx context.Context) error {
	if c.started {
		c.logger.Debug("ap already started")
		return nil
	}
	var undo []func()
	rollback := func(err error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return err
	}
	iface := c.cfg.Iface

	added := false
	if c.cfg.Parent != "" && c.cfg.Parent != iface {
		_, err := c.run.Run(ctx, "iw", "dev", c.cfg.Parent, "interface", "add", iface, "type", "__ap")
		switch {
		case err == nil:
			added = true
			undo = append(undo, c.deleteIface)
		case !strings.Contains(err.Error(), "exists"):
			c.logger.Verbose("ap: add %s on %s: %v", iface, c.cfg.Parent, err)
		}
	}
	if _, err := c.run.Run(ctx, "ip", "addr", "replace", c.cfg.Gateway, "dev", iface); err != nil {
		return rollback(fmt.Errorf("ap address: %w", err))
	}
	undo = append(undo, func() {
		c.run.Run(context.Background(), "ip", "addr", "del", c.cfg.Gateway, "dev", iface) //nolint:errcheck
	})
	if _, err := c.run.Run(ctx, "ip", "link", "set", "dev", iface, "up"); err != nil {
		return rollback(fmt.Errorf("ap link: %w", err))
	}

	conf, err := c.writeHostapdConf()
	if err != nil {
		return rollback(err)
	}
	proc, err := c.run.Start("hostapd", conf)
	if err != nil {
		return rollback(fmt.Errorf("ap hostapd: %w", err))
	}
	undo = append(undo, func() { proc.Stop() }) //nolint:errcheck

	if err := c.dns.Start(); err != nil {
		return rollback(fmt.Errorf("ap dns: %w", err))
	}

	if _, err := c.run.Run(ctx, "iw", "dev", iface, "set", "power_save", "off"); err != nil {
		c.logger.Verbose("ap: power save off on %s: %v", iface, err)
	}

	c.hostapd = proc
	c.added = added
	c.started = true
	c.metrics.APStarted()
	c.logger.Info("access point %q up on %s (%s)", c.cfg.SSID, iface, c.cfg.Gateway)
	return nil
}

// Stop takes the AP down.  A call while stopped does nothing.
func (c *Controller) Stop(ctx context.Context) error {
	if !c.started {
		return nil
	}
	var errs []string
	if err := c.dns.Stop(); err != nil {
		errs = append(errs, "dns: "+err.Error())
	}
	if c.hostapd != nil {
		if err := c.hostapd.Stop(); err != nil {
			errs = append(errs, "hostapd: "+err.Error())
		}
		c.hostapd = nil
	}
	if _, err := c.run.Run(ctx, "ip", "addr", "del", c.cfg.Gateway, "dev", c.cfg.Iface); err != nil {
		errs = append(errs, "address: "+err.Error())
	}
	if c.added {
		c.deleteIface()
		c.added = false
	}
	c.started = false
	c.logger.Info("access point stopped")
	if len(errs) > 0 {
		return fmt.Errorf("ap stop: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Controller) deleteIface() {
	if _, err := c.run.Run(context.Background(), "iw", "dev", c.cfg.Iface, "del"); err != nil {
		c.logger.Verbose("ap: delete %s: %v", c.cfg.Iface, err)
	}
}

// Poll services one captive DNS request when the AP is up.
func (c *Controller) Poll() {
	if c.started {
		c.dns.Poll()
	}
}

func (c *Controller) writeHostapdConf() (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "interface=%s\n", c.cfg.Iface)
	fmt.Fprintf(&sb, "ssid=%s\n", c.cfg.SSID)
	sb.WriteString("hw_mode=g\n")
	fmt.Fprintf(&sb, "channel=%d\n", c.cfg.Channel)
	sb.WriteString("auth_algs=1\n")
	sb.WriteString("wpa=0\n")
	sb.WriteString("ignore_broadcast_ssid=0\n")

	if err := os.MkdirAll(c.cfg.RunDir, 0o750); err != nil {
		return "", fmt.Errorf("ap run dir: %w", err)
	}
	path := filepath.Join(c.cfg.RunDir, "gwbridge-hostapd.conf")
	if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		return "", fmt.Errorf("ap hostapd conf: %w", err)
	}
	return path, nil
}
