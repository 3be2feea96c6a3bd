package util

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseIPv4 parses a dotted-quad address.  Empty input yields nil with
// no error so optional settings can stay blank.
func ParseIPv4(s string) (net.IP, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("%q is not an IPv4 address", s)
	}
	return ip.To4(), nil
}

// MaskBits converts a dotted netmask ("255.255.255.0") to a prefix length.
func MaskBits(mask string) (int, error) {
	ip, err := ParseIPv4(mask)
	if err != nil {
		return 0, err
	}
	if ip == nil {
		return 0, fmt.Errorf("netmask is required")
	}
	ones, bits := net.IPMask(ip).Size()
	if bits == 0 {
		return 0, fmt.Errorf("%q is not a contiguous netmask", mask)
	}
	return ones, nil
}

// RemoteIPv4 extracts the IPv4 address of a peer, or nil for anything
// that is not an IPv4 TCP/UDP endpoint.
func RemoteIPv4(addr net.Addr) net.IP {
	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	default:
		return nil
	}
	return ip.To4()
}

// FormatAddr returns "host:port".
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// FindFreePort returns an available TCP port on 127.0.0.1.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
