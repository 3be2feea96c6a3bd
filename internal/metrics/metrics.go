// Package metrics provides lock-free counters for the gateway: bridge
// clients, serial throughput, firewall and slot rejections, uplink
// retries and AP activity.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime counters for one gateway process.
type Collector struct {
	clientsActive     atomic.Int64
	clientsTotal      atomic.Int64
	bytesToSerial     atomic.Int64
	bytesFromSerial   atomic.Int64
	firewallRejects   atomic.Int64
	slotsFullRejects  atomic.Int64
	uplinkRetries     atomic.Int64
	apStarts          atomic.Int64
	tunnelReconnects  atomic.Int64
	telemetryFailures atomic.Int64
	errorsTotal       atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Bridge clients ───────────────────────────────────────────────────

// ClientAccepted increments both the active and total client counters.
func (c *Collector) ClientAccepted() {
	if c == nil {
		return
	}
	c.clientsActive.Add(1)
	c.clientsTotal.Add(1)
}

// ClientReleased decrements the active client counter.
func (c *Collector) ClientReleased() {
	if c == nil {
		return
	}
	c.clientsActive.Add(-1)
}

// ActiveClients returns the number of occupied slots.
func (c *Collector) ActiveClients() int64 {
	if c == nil {
		return 0
	}
	return c.clientsActive.Load()
}

// TotalClients returns the lifetime accepted-client count.
func (c *Collector) TotalClients() int64 {
	if c == nil {
		return 0
	}
	return c.clientsTotal.Load()
}

// FirewallRejected records a connection refused by the firewall.
func (c *Collector) FirewallRejected() {
	if c == nil {
		return
	}
	c.firewallRejects.Add(1)
}

// FirewallRejects returns the firewall rejection count.
func (c *Collector) FirewallRejects() int64 {
	if c == nil {
		return 0
	}
	return c.firewallRejects.Load()
}

// SlotsFull records a connection closed because every slot was taken.
func (c *Collector) SlotsFull() {
	if c == nil {
		return
	}
	c.slotsFullRejects.Add(1)
}

// SlotsFullRejects returns the slots-full rejection count.
func (c *Collector) SlotsFullRejects() int64 {
	if c == nil {
		return 0
	}
	return c.slotsFullRejects.Load()
}

// ── Serial throughput ────────────────────────────────────────────────

// ToSerial records n bytes forwarded from a client to the serial port.
func (c *Collector) ToSerial(n int) {
	if c == nil {
		return
	}
	c.bytesToSerial.Add(int64(n))
}

// FromSerial records n bytes read from the serial port.
func (c *Collector) FromSerial(n int) {
	if c == nil {
		return
	}
	c.bytesFromSerial.Add(int64(n))
}

// BytesToSerial returns the total client->serial byte count.
func (c *Collector) BytesToSerial() int64 {
	if c == nil {
		return 0
	}
	return c.bytesToSerial.Load()
}

// BytesFromSerial returns the total serial->client byte count.
func (c *Collector) BytesFromSerial() int64 {
	if c == nil {
		return 0
	}
	return c.bytesFromSerial.Load()
}

// ── Uplink / AP ──────────────────────────────────────────────────────

// UplinkRetry records one failed overseer poll.
func (c *Collector) UplinkRetry() {
	if c == nil {
		return
	}
	c.uplinkRetries.Add(1)
}

// UplinkRetries returns the total failed overseer polls.
func (c *Collector) UplinkRetries() int64 {
	if c == nil {
		return 0
	}
	return c.uplinkRetries.Load()
}

// APStarted records a fallback access point start.
func (c *Collector) APStarted() {
	if c == nil {
		return
	}
	c.apStarts.Add(1)
}

// APStarts returns how many times the fallback AP came up.
func (c *Collector) APStarts() int64 {
	if c == nil {
		return 0
	}
	return c.apStarts.Load()
}

// ── Tunnel / telemetry ───────────────────────────────────────────────

// TunnelReconnect records a reverse tunnel reconnection.
func (c *Collector) TunnelReconnect() {
	if c == nil {
		return
	}
	c.tunnelReconnects.Add(1)
}

// TunnelReconnects returns the tunnel reconnection count.
func (c *Collector) TunnelReconnects() int64 {
	if c == nil {
		return 0
	}
	return c.tunnelReconnects.Load()
}

// TelemetryFailed records a failed or short-circuited publish.
func (c *Collector) TelemetryFailed() {
	if c == nil {
		return
	}
	c.telemetryFailures.Add(1)
}

// TelemetryFailures returns the failed publish count.
func (c *Collector) TelemetryFailures() int64 {
	if c == nil {
		return 0
	}
	return c.telemetryFailures.Load()
}

// ── Errors ───────────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// Uptime returns the time since New.
func (c *Collector) Uptime() time.Duration {
	if c == nil {
		return 0
	}
	return time.Since(c.startTime)
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all counters.
type Snapshot struct {
	Uptime            string `json:"uptime"`
	ClientsActive     int64  `json:"clients_active"`
	ClientsTotal      int64  `json:"clients_total"`
	BytesToSerial     int64  `json:"bytes_to_serial"`
	BytesFromSerial   int64  `json:"bytes_from_serial"`
	FirewallRejects   int64  `json:"firewall_rejects"`
	SlotsFullRejects  int64  `json:"slots_full_rejects"`
	UplinkRetries     int64  `json:"uplink_retries"`
	APStarts          int64  `json:"ap_starts"`
	TunnelReconnects  int64  `json:"tunnel_reconnects"`
	TelemetryFailures int64  `json:"telemetry_failures"`
	ErrorsTotal       int64  `json:"errors_total"`
	LastError         string `json:"last_error,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		ClientsActive:     c.clientsActive.Load(),
		ClientsTotal:      c.clientsTotal.Load(),
		BytesToSerial:     c.bytesToSerial.Load(),
		BytesFromSerial:   c.bytesFromSerial.Load(),
		FirewallRejects:   c.firewallRejects.Load(),
		SlotsFullRejects:  c.slotsFullRejects.Load(),
		UplinkRetries:     c.uplinkRetries.Load(),
		APStarts:          c.apStarts.Load(),
		TunnelReconnects:  c.tunnelReconnects.Load(),
		TelemetryFailures: c.telemetryFailures.Load(),
		ErrorsTotal:       c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	data, _ := json.MarshalIndent(c.Snapshot(), "", "  ")
	return string(data)
}
