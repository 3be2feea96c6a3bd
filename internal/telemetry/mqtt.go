package telemetry

import (
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"gwbridge/config"
	gwerrors "gwbridge/internal/errors"
	"gwbridge/util"
)

// MQTT publishes under "<topic>/..." with a retained availability
// topic and an "offline" last will.
type MQTT struct {
	cfg      config.MQTT
	clientID string
	prefix   string
	logger   *util.Logger

	newClient func(*mqtt.ClientOptions) mqtt.Client
	client    mqtt.Client
}

// NewMQTT returns a disconnected publisher.  An empty topic defaults to
// the client ID.
func NewMQTT(cfg config.MQTT, clientID string, logger *util.Logger) *MQTT {
	prefix := strings.Trim(cfg.Topic, "/")
	if prefix == "" {
		prefix = clientID
	}
	if cfg.Port == 0 {
		cfg.Port = config.DefaultMQTTPort
	}
	return &MQTT{
		cfg:       cfg,
		clientID:  clientID,
		prefix:    prefix,
		logger:    logger,
		newClient: mqtt.NewClient,
	}
}

func (m *MQTT) Name() string { return "mqtt" }

// Prefix is the topic root.
func (m *MQTT) Prefix() string { return m.prefix }

func (m *MQTT) topic(t string) string { return m.prefix + "/" + t }

// Options builds the paho client options.
func (m *MQTT) Options() *mqtt.ClientOptions {
	avty := m.topic(TopicAvailability)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", m.cfg.Server, m.cfg.Port))
	opts.SetClientID(m.clientID)
	opts.SetUsername(m.cfg.User)
	opts.SetPassword(m.cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetWill(avty, "offline", 1, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		m.logger.Info("mqtt: connected to %s:%d", m.cfg.Server, m.cfg.Port)
		c.Publish(avty, 1, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn("mqtt: connection lost: %v", err)
	})
	return opts
}

// Connect starts the client.  With connect-retry enabled paho keeps
// trying in the background, so the token is not waited on.
func (m *MQTT) Connect() error {
	if m.cfg.Server == "" {
		return fmt.Errorf("mqtt: server not configured")
	}
	if m.client != nil {
		return nil
	}
	m.client = m.newClient(m.Options())
	m.client.Connect()
	return nil
}

func (m *MQTT) Connected() bool {
	return m.client != nil && m.client.IsConnectionOpen()
}

// Publish queues payload at QoS 0.
func (m *MQTT) Publish(topic string, payload []byte, retained bool) error {
	if !m.Connected() {
		return gwerrors.ErrNotConnected
	}
	m.client.Publish(m.topic(topic), 0, retained, payload)
	return nil
}

// Close publishes "offline" and disconnects.
func (m *MQTT) Close() error {
	if m.client == nil {
		return nil
	}
	if m.client.IsConnectionOpen() {
		tok := m.client.Publish(m.topic(TopicAvailability), 1, true, "offline")
		tok.WaitTimeout(time.Second)
	}
	m.client.Disconnect(250)
	m.client = nil
	return nil
}
