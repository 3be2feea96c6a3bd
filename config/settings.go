package config

import (
	"fmt"
	"net"
	"strings"

	"gopkg.in/yaml.v3"

	"gwbridge/util"
)

// ── Mode ─────────────────────────────────────────────────────────────

// Mode selects the uplink the gateway supervises.
type Mode int

const (
	ModeWired Mode = iota
	ModeWireless
	ModeLocalDirect
)

var modeNames = [...]string{"WIRED", "WIRELESS", "LOCAL_DIRECT"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool { return m >= ModeWired && m <= ModeLocalDirect }

// IsLocal reports whether m bypasses the network bridge.
func (m Mode) IsLocal() bool { return m == ModeLocalDirect }

// ParseMode accepts the canonical names case-insensitively.
func ParseMode(s string) (Mode, error) {
	for i, n := range modeNames {
		if strings.EqualFold(s, n) {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) MarshalYAML() (interface{}, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid mode %d", int(m))
	}
	return m.String(), nil
}

func (m *Mode) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseMode(value.Value)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ToggleMode returns the mode a long button press switches to.
// A network mode goes to LOCAL_DIRECT and remembers where it came
// from; LOCAL_DIRECT goes back.  A remembered mode that is itself
// local falls back to WIRED so the toggle never sticks.
func ToggleMode(current, previous Mode) (next, remembered Mode) {
	if current != ModeLocalDirect {
		return ModeLocalDirect, current
	}
	if !previous.Valid() || previous.IsLocal() {
		return ModeWired, current
	}
	return previous, current
}

// ── Sections ─────────────────────────────────────────────────────────

// General holds the connectivity mode and device-wide preferences.
type General struct {
	Mode         Mode   `yaml:"mode"`
	PreviousMode Mode   `yaml:"previous_mode"`
	Hostname     string `yaml:"hostname"`
	// KeepAdmin keeps the uplink (and the admin surface) alive in
	// LOCAL_DIRECT mode.
	KeepAdmin bool `yaml:"keep_admin"`
}

// Serial holds the coprocessor link parameters.
type Serial struct {
	Baud int `yaml:"baud"`
	Port int `yaml:"port"`
}

// WiFi holds station credentials and addressing.
type WiFi struct {
	SSID     string `yaml:"ssid"`
	Password string `yaml:"password"`
	DHCP     bool   `yaml:"dhcp"`
	Address  string `yaml:"address"` // CIDR, used when DHCP is off
	Gateway  string `yaml:"gateway"`
}

// Ether holds wired addressing.
type Ether struct {
	DHCP    bool   `yaml:"dhcp"`
	Address string `yaml:"address"`
	Gateway string `yaml:"gateway"`
}

// Security holds the single-address firewall.
type Security struct {
	FwEnabled bool   `yaml:"fw_enabled"`
	FwIP      string `yaml:"fw_ip"`
}

// Overseer holds the uplink supervision budget.
type Overseer struct {
	MaxRetries     int `yaml:"max_retries"`
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

// LEDs holds the indicator preference.
type LEDs struct {
	Disabled bool `yaml:"disabled"`
}

// MQTT configures the telemetry publisher.
type MQTT struct {
	Enabled  bool   `yaml:"enabled"`
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	Interval int    `yaml:"interval"` // heartbeat seconds
}

// NATS configures the secondary telemetry publisher.
type NATS struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Tunnel configures the reverse SSH tunnel exposing the bridge port.
type Tunnel struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	KeyPath        string `yaml:"key_path"`
	UseAgent       bool   `yaml:"use_agent"`
	KnownHostsPath string `yaml:"known_hosts"`
	StrictHostKey  bool   `yaml:"strict_host_key"`
	RemoteBind     string `yaml:"remote_bind"`
	RemotePort     int    `yaml:"remote_port"`
	KeepAlive      int    `yaml:"keep_alive"` // seconds
}

// Settings is the whole persisted state, one field per section.
type Settings struct {
	General  General
	Serial   Serial
	WiFi     WiFi
	Ether    Ether
	Security Security
	Overseer Overseer
	LEDs     LEDs
	MQTT     MQTT
	NATS     NATS
	Tunnel   Tunnel
}

// DefaultSettings returns factory settings.
func DefaultSettings() *Settings {
	return &Settings{
		General: General{
			Mode:         ModeWired,
			PreviousMode: ModeWired,
			Hostname:     DefaultHostname,
		},
		Serial:   Serial{Baud: DefaultBaud, Port: DefaultBridgePort},
		WiFi:     WiFi{DHCP: true},
		Ether:    Ether{DHCP: true},
		Overseer: Overseer{MaxRetries: DefaultOverseerMaxRetries, PollIntervalMs: DefaultOverseerInterval},
		MQTT:     MQTT{Port: DefaultMQTTPort, Interval: DefaultMQTTInterval},
		NATS:     NATS{Subject: "gwbridge"},
		Tunnel: Tunnel{
			Port:       DefaultSSHPort,
			RemoteBind: "127.0.0.1",
			KeepAlive:  DefaultKeepAliveInterval,
		},
	}
}

// Normalize repairs values that are syntactically valid but unusable.
func (s *Settings) Normalize() {
	if s.Serial.Port <= 0 || s.Serial.Port > 65535 {
		s.Serial.Port = DefaultBridgePort
	}
	if s.Serial.Baud <= 0 {
		s.Serial.Baud = DefaultBaud
	}
	if s.Overseer.PollIntervalMs <= 0 {
		s.Overseer.PollIntervalMs = DefaultOverseerInterval
	}
	if s.Overseer.MaxRetries < 0 {
		s.Overseer.MaxRetries = DefaultOverseerMaxRetries
	}
	if !s.General.Mode.Valid() {
		s.General.Mode = ModeWired
	}
	if s.General.Hostname == "" {
		s.General.Hostname = DefaultHostname
	}
	if s.MQTT.Port <= 0 {
		s.MQTT.Port = DefaultMQTTPort
	}
	if s.MQTT.Interval <= 0 {
		s.MQTT.Interval = DefaultMQTTInterval
	}
	if s.Tunnel.Port <= 0 {
		s.Tunnel.Port = DefaultSSHPort
	}
}

// Clone returns a deep copy.  Every section is a value type.
func (s *Settings) Clone() *Settings {
	c := *s
	return &c
}

// ── Firewall ─────────────────────────────────────────────────────────

// FirewallPolicy admits either every peer or exactly one IPv4 address.
type FirewallPolicy struct {
	Enabled bool
	Allowed net.IP
}

// Admits reports whether a peer may take a bridge slot.
func (p FirewallPolicy) Admits(peer net.IP) bool {
	if !p.Enabled {
		return true
	}
	return peer != nil && p.Allowed != nil && p.Allowed.Equal(peer)
}

// Firewall builds the policy from the security section.  An enabled
// firewall with an unparsable address admits nobody rather than
// everybody.
func (s *Settings) Firewall() (FirewallPolicy, error) {
	p := FirewallPolicy{Enabled: s.Security.FwEnabled}
	if !p.Enabled {
		return p, nil
	}
	ip, err := util.ParseIPv4(s.Security.FwIP)
	if err != nil {
		return p, fmt.Errorf("security.fw_ip: %w", err)
	}
	p.Allowed = ip
	return p, nil
}
