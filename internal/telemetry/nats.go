package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"gwbridge/config"
	gwerrors "gwbridge/internal/errors"
	"gwbridge/util"
)

// NATS publishes on "<subject>.<device>.<topic>".
type NATS struct {
	url    string
	prefix string
	name   string
	logger *util.Logger
	conn   *nats.Conn
}

// NewNATS returns a disconnected publisher.
func NewNATS(cfg config.NATS, device string, logger *util.Logger) *NATS {
	subject := strings.Trim(cfg.Subject, ".")
	if subject == "" {
		subject = "gwbridge"
	}
	return &NATS{
		url:    cfg.URL,
		prefix: subject + "." + device,
		name:   device,
		logger: logger,
	}
}

func (n *NATS) Name() string { return "nats" }

// Subject maps a telemetry topic to its NATS subject.
func (n *NATS) Subject(topic string) string { return n.prefix + "." + topic }

// Connect dials the server.  An unreachable server is retried in the
// background.
func (n *NATS) Connect() error {
	if n.url == "" {
		return fmt.Errorf("nats: url not configured")
	}
	if n.conn != nil {
		return nil
	}
	conn, err := nats.Connect(n.url,
		nats.Name(n.name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.logger.Warn("nats: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info("nats: connected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", n.url, err)
	}
	n.conn = conn
	return nil
}

func (n *NATS) Connected() bool { return n.conn != nil && n.conn.IsConnected() }

// Publish queues payload.  NATS has no retained messages; retained is
// ignored.
func (n *NATS) Publish(topic string, payload []byte, _ bool) error {
	if !n.Connected() {
		return gwerrors.ErrNotConnected
	}
	return n.conn.Publish(n.Subject(topic), payload)
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	if n.conn.IsConnected() {
		n.conn.Publish(n.Subject(TopicAvailability), []byte("offline")) //nolint:errcheck
		n.conn.FlushTimeout(time.Second)                                //nolint:errcheck
	}
	n.conn.Close()
	n.conn = nil
	return nil
}
