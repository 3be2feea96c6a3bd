// Package discovery advertises the bridge and the status server over
// mDNS so coordinators can find the gateway without an address.
package discovery

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/grandcat/zeroconf"

	"gwbridge/util"
)

// Service types.
const (
	BridgeType = "_zigbee-gateway._tcp"
	HTTPType   = "_http._tcp"
	Domain     = "local."
)

// Service is one mDNS registration.
type Service struct {
	Instance string
	Type     string
	Port     int
	TXT      []string
}

// BridgeService describes the serial bridge.  The TXT keys are the
// ones Zigbee coordinators look for.
func BridgeService(instance string, port, baud int) Service {
	return Service{
		Instance: instance,
		Type:     BridgeType,
		Port:     port,
		TXT: []string{
			"version=1.0",
			"radio_type=znp",
			"baud_rate=" + strconv.Itoa(baud),
			"data_flow_control=software",
		},
	}
}

// HTTPService describes the status server.
func HTTPService(instance string, port int) Service {
	return Service{Instance: instance, Type: HTTPType, Port: port, TXT: []string{"path=/status"}}
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (shutdowner, error)

type shutdowner interface{ Shutdown() }

// Advertiser holds the live registrations.
type Advertiser struct {
	ifaces   []string
	logger   *util.Logger
	register registerFunc

	mu      sync.Mutex
	servers map[string]shutdowner // keyed by service type
}

// New returns an idle advertiser restricted to ifaces (all multicast
// interfaces when empty).
func New(ifaces []string, logger *util.Logger) *Advertiser {
	return &Advertiser{
		ifaces: ifaces,
		logger: logger,
		register: func(instance, service, domain string, port int, text []string, ifs []net.Interface) (shutdowner, error) {
			return zeroconf.Register(instance, service, domain, port, text, ifs)
		},
		servers: make(map[string]shutdowner),
	}
}

// Advertise registers svc.  A type already advertised is left alone.
func (a *Advertiser) Advertise(svc Service) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.servers[svc.Type]; ok {
		return nil
	}
	if svc.Port <= 0 {
		return fmt.Errorf("mdns %s: invalid port %d", svc.Type, svc.Port)
	}
	srv, err := a.register(svc.Instance, svc.Type, Domain, svc.Port, svc.TXT, a.interfaces())
	if err != nil {
		return fmt.Errorf("mdns %s: %w", svc.Type, err)
	}
	a.servers[svc.Type] = srv
	a.logger.Info("mdns: %s.%s%s on port %d", svc.Instance, svc.Type, Domain, svc.Port)
	return nil
}

// Advertising reports whether a service type is registered.
func (a *Advertiser) Advertising(serviceType string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.servers[serviceType]
	return ok
}

// Stop withdraws every registration.  Idempotent.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for t, srv := range a.servers {
		srv.Shutdown()
		delete(a.servers, t)
	}
}

func (a *Advertiser) interfaces() []net.Interface {
	if len(a.ifaces) == 0 {
		return nil
	}
	var out []net.Interface
	for _, name := range a.ifaces {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			a.logger.Debug("mdns: skipping %s: %v", name, err)
			continue
		}
		out = append(out, *ifi)
	}
	return out
}
