package uplink

import (
	"context"
	"fmt"
	"net"
	"time"

	"gwbridge/config"
	"gwbridge/internal/system"
	"gwbridge/util"
)

// Ethernet drives the wired port.  Link state is pushed: the watcher
// emits LinkUp once carrier and an address are both present.
type Ethernet struct {
	iface  string
	cfg    config.Ether
	run    system.Runner
	logger *util.Logger
	watch  *linkWatcher
}

// NewEthernet returns a wired driver.  events receives link changes.
func NewEthernet(iface string, cfg config.Ether, run system.Runner, probe Probe,
	events chan<- Event, logger *util.Logger) *Ethernet {
	return &Ethernet{
		iface:  iface,
		cfg:    cfg,
		run:    run,
		logger: logger,
		watch: &linkWatcher{
			iface:  iface,
			probe:  probe,
			every:  500 * time.Millisecond,
			events: events,
			logger: logger,
		},
	}
}

func (e *Ethernet) Name() string { return "ethernet" }

// Begin brings the port up, applies static addressing when DHCP is off
// and starts the link watcher.  DHCP itself is left to the host's
// network manager.
func (e *Ethernet) Begin(ctx context.Context) error {
	if _, err := e.run.Run(ctx, "ip", "link", "set", "dev", e.iface, "up"); err != nil {
		return fmt.Errorf("ethernet %s up: %w", e.iface, err)
	}
	if !e.cfg.DHCP {
		if err := applyStatic(ctx, e.run, e.iface, e.cfg.Address, e.cfg.Gateway); err != nil {
			return fmt.Errorf("ethernet %s: %w", e.iface, err)
		}
	}
	e.watch.start(ctx)
	e.logger.Verbose("ethernet %s begun (dhcp=%v)", e.iface, e.cfg.DHCP)
	return nil
}

func (e *Ethernet) IsConnected() bool    { return e.watch.connected.Load() }
func (e *Ethernet) LocalAddress() net.IP { return e.watch.localAddress() }

// applyStatic assigns a CIDR address and an optional default route.
func applyStatic(ctx context.Context, run system.Runner, iface, cidr, gw string) error {
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		return fmt.Errorf("static address %q: %w", cidr, err)
	}
	if _, err := run.Run(ctx, "ip", "addr", "replace", cidr, "dev", iface); err != nil {
		return err
	}
	if gw == "" {
		return nil
	}
	if _, err := util.ParseIPv4(gw); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	_, err := run.Run(ctx, "ip", "route", "replace", "default", "via", gw, "dev", iface)
	return err
}
