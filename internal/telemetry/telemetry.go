// Package telemetry reports bridge activity and a periodic heartbeat to
// MQTT and NATS.
//
// Publishers never block the control loop: paho and nats.go both queue
// outgoing messages and deliver them from their own goroutines.  A
// circuit breaker per publisher stops a dead sink from costing a log
// line on every bridge event.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gwbridge/internal/bridge"
	gwerrors "gwbridge/internal/errors"
	"gwbridge/internal/metrics"
	"gwbridge/internal/retry"
	"gwbridge/util"
)

// Topics, relative to each publisher's prefix.
const (
	TopicAvailability = "avty"
	TopicSocket       = "socket"
	TopicHeartbeat    = "heartbeat"
)

// Publisher is one telemetry sink.
type Publisher interface {
	// Name labels the sink in logs.
	Name() string
	// Connect starts the connection; it must not wait for the broker.
	Connect() error
	// Publish queues payload on topic.
	Publish(topic string, payload []byte, retained bool) error
	Connected() bool
	Close() error
}

// Heartbeat is the periodic status message.
type Heartbeat struct {
	Device          string `json:"device"`
	Mode            string `json:"mode"`
	State           string `json:"state"`
	UptimeSeconds   int64  `json:"uptime_s"`
	Clients         int64  `json:"clients"`
	BytesToSerial   int64  `json:"bytes_to_serial"`
	BytesFromSerial int64  `json:"bytes_from_serial"`
	Address         string `json:"address,omitempty"`
}

// HeartbeatFromSnapshot fills the counter fields from a metrics
// snapshot.
func HeartbeatFromSnapshot(device string, uptime time.Duration, s metrics.Snapshot) Heartbeat {
	return Heartbeat{
		Device:          device,
		UptimeSeconds:   int64(uptime / time.Second),
		Clients:         s.ClientsActive,
		BytesToSerial:   s.BytesToSerial,
		BytesFromSerial: s.BytesFromSerial,
	}
}

type sink struct {
	pub     Publisher
	breaker *retry.Breaker
}

// Reporter fans messages out to every publisher.  It implements
// bridge.Listener.
type Reporter struct {
	sinks   []sink
	metrics *metrics.Collector
	logger  *util.Logger
}

// NewReporter returns a reporter over pubs.  m may be nil.
func NewReporter(logger *util.Logger, m *metrics.Collector, pubs ...Publisher) *Reporter {
	r := &Reporter{metrics: m, logger: logger}
	for _, p := range pubs {
		name := p.Name()
		r.sinks = append(r.sinks, sink{
			pub: p,
			breaker: retry.NewBreaker(&retry.BreakerConfig{
				MaxFailures: 3,
				Cooldown:    30 * time.Second,
				OnStateChange: func(from, to retry.State) {
					logger.Verbose("telemetry %s: breaker %s -> %s", name, from, to)
				},
			}),
		})
	}
	return r
}

// Len is the number of publishers.
func (r *Reporter) Len() int { return len(r.sinks) }

// Start connects every publisher.  A failed connect is logged; the
// publisher keeps retrying on its own.
func (r *Reporter) Start() {
	for _, s := range r.sinks {
		if err := s.pub.Connect(); err != nil {
			r.logger.Warn("telemetry %s: %v", s.pub.Name(), err)
			r.metrics.TelemetryFailed()
		}
	}
}

// Close announces offline and disconnects.
func (r *Reporter) Close() error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.pub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.pub.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// OnBridgeEvent publishes the socket state: ON when the first client
// attaches, OFF when the last one leaves.
func (r *Reporter) OnBridgeEvent(ev bridge.Event) {
	payload := "OFF"
	if ev == bridge.EventBusy {
		payload = "ON"
	}
	r.Publish(TopicSocket, []byte(payload), true)
}

// Heartbeat publishes hb as JSON.
func (r *Reporter) Heartbeat(hb Heartbeat) {
	data, err := json.Marshal(hb)
	if err != nil {
		r.logger.Error("heartbeat: %v", err)
		return
	}
	r.Publish(TopicHeartbeat, data, false)
}

// Publish sends to every sink whose breaker admits it.
func (r *Reporter) Publish(topic string, payload []byte, retained bool) {
	for _, s := range r.sinks {
		err := s.breaker.Execute(func() error {
			return s.pub.Publish(topic, payload, retained)
		})
		switch {
		case err == nil:
		case errors.Is(err, gwerrors.ErrCircuitOpen):
			r.logger.Debug("telemetry %s: %s dropped, breaker open", s.pub.Name(), topic)
		default:
			r.metrics.TelemetryFailed()
			r.logger.Verbose("telemetry %s: publish %s: %v", s.pub.Name(), topic, err)
		}
	}
}
