// Package uplink brings up the gateway's network connection and reports
// its state.  Drivers are begun from the control loop, polled with
// IsConnected, and push link changes onto a buffered channel that the
// loop drains without blocking.
package uplink

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// EventKind is a pushed link transition.
type EventKind int

const (
	LinkUp EventKind = iota
	LinkDown
)

func (k EventKind) String() string {
	if k == LinkUp {
		return "link-up"
	}
	return "link-down"
}

// Event is a link transition on one interface.
type Event struct {
	Kind  EventKind
	Iface string
}

// Driver is one uplink technology.
type Driver interface {
	// Name is a short label for logs ("ethernet", "wireless").
	Name() string
	// Begin (re)issues the connection attempt.  It must return quickly;
	// progress is observed through IsConnected and events.
	Begin(ctx context.Context) error
	// IsConnected reports whether the link is up with an IPv4 address.
	IsConnected() bool
	// LocalAddress is the interface's IPv4 address, or nil.
	LocalAddress() net.IP
}

// ── Probe ────────────────────────────────────────────────────────────

// Probe reads interface state from the host.
type Probe interface {
	OperUp(iface string) bool
	IPv4(iface string) net.IP
}

// SysProbe reads /sys/class/net and the kernel's address table.
type SysProbe struct {
	// Root defaults to /sys/class/net.
	Root string
}

// OperUp reports operstate "up".  Some wireless drivers report
// "unknown" while associated, which is treated as up when the carrier
// file says so.
func (p SysProbe) OperUp(iface string) bool {
	root := p.Root
	if root == "" {
		root = "/sys/class/net"
	}
	state := readTrim(filepath.Join(root, iface, "operstate"))
	switch state {
	case "up":
		return true
	case "unknown":
		return readTrim(filepath.Join(root, iface, "carrier")) == "1"
	}
	return false
}

// IPv4 returns the first global IPv4 address on iface.
func (p SysProbe) IPv4(iface string) net.IP {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipn.IP.To4(); ip4 != nil && !ip4.IsLinkLocalUnicast() {
			return ip4
		}
	}
	return nil
}

func readTrim(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
