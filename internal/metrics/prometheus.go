package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gwbridge"

// Register exposes the collector's counters on reg.  The atomics stay
// the source of truth; Prometheus reads them at scrape time.
func (c *Collector) Register(reg prom.Registerer) error {
	if c == nil {
		return nil
	}
	counter := func(name, help string, fn func() int64) prom.Collector {
		return prom.NewCounterFunc(prom.CounterOpts{
			Namespace: namespace, Name: name, Help: help,
		}, func() float64 { return float64(fn()) })
	}
	gauge := func(name, help string, fn func() float64) prom.Collector {
		return prom.NewGaugeFunc(prom.GaugeOpts{
			Namespace: namespace, Name: name, Help: help,
		}, fn)
	}

	cs := []prom.Collector{
		gauge("clients_active", "Occupied bridge client slots",
			func() float64 { return float64(c.ActiveClients()) }),
		counter("clients_total", "Accepted bridge clients", c.TotalClients),
		counter("serial_tx_bytes_total", "Bytes written to the serial port", c.BytesToSerial),
		counter("serial_rx_bytes_total", "Bytes read from the serial port", c.BytesFromSerial),
		counter("firewall_rejects_total", "Connections refused by the firewall", c.FirewallRejects),
		counter("slots_full_rejects_total", "Connections closed with no free slot", c.SlotsFullRejects),
		counter("uplink_retries_total", "Failed uplink supervision polls", c.UplinkRetries),
		counter("ap_starts_total", "Fallback access point starts", c.APStarts),
		counter("tunnel_reconnects_total", "Reverse tunnel reconnections", c.TunnelReconnects),
		counter("telemetry_failures_total", "Failed telemetry publishes", c.TelemetryFailures),
		counter("errors_total", "Errors recorded by any component", c.ErrorCount),
		gauge("uptime_seconds", "Seconds since process start",
			func() float64 { return c.Uptime().Seconds() }),
	}
	for _, col := range cs {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
