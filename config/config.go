// Package config holds gwbridge's two configuration layers: the runtime
// Config (device paths, interfaces, lines, addresses) assembled from
// defaults, a TOML file, the environment and flags; and the persisted
// Settings the device edits at runtime, stored by a Store.
package config

import (
	"fmt"
	"time"

	gwerrors "gwbridge/internal/errors"
)

// Config holds every process-level tuneable.
type Config struct {
	// ── Files ────────────────────────────────────────────────────────
	ConfigFile    string `toml:"-"`
	EnvFile       string `toml:"-"`
	StateDir      string `toml:"state_dir"`
	ResetSettings bool   `toml:"-"`

	// ── Serial ───────────────────────────────────────────────────────
	SerialDevice string `toml:"serial_device"`
	// Baud and Port override the persisted serial section when non-zero.
	Baud int `toml:"baud"`
	Port int `toml:"port"`

	// ── Network interfaces ───────────────────────────────────────────
	EtherIface string `toml:"ether_iface"`
	WiFiIface  string `toml:"wifi_iface"`
	APIface    string `toml:"ap_iface"`
	APParent   string `toml:"ap_parent"`  // radio the AP interface is created on
	APGateway  string `toml:"ap_gateway"` // CIDR
	DNSPort    int    `toml:"dns_port"`

	// ── GPIO ─────────────────────────────────────────────────────────
	// A negative offset means the line is not wired on this board.
	GPIOChip     string `toml:"gpio_chip"`
	ButtonLine   int    `toml:"button_line"`
	LEDPowerLine int    `toml:"led_power_line"`
	LEDModeLine  int    `toml:"led_mode_line"`
	FlashLine    int    `toml:"flash_line"`
	ResetLine    int    `toml:"reset_line"`
	RouteLine    int    `toml:"route_line"`

	// ── Timing ───────────────────────────────────────────────────────
	LoopInterval time.Duration `toml:"loop_interval"`
	Debounce     time.Duration `toml:"debounce"`

	// ── Output ───────────────────────────────────────────────────────
	StatusAddr string `toml:"status_addr"`
	LogFile    string `toml:"log_file"`
	Verbose    int    `toml:"verbose"`
}

// Defaults returns a Config with every field at its default.
func Defaults() *Config {
	return &Config{
		StateDir:     DefaultStateDir,
		SerialDevice: DefaultSerialDevice,
		EtherIface:   DefaultEtherIface,
		WiFiIface:    DefaultWiFiIface,
		APIface:      DefaultAPIface,
		APParent:     DefaultWiFiIface,
		APGateway:    DefaultAPGatewayCIDR,
		DNSPort:      DefaultDNSPort,
		GPIOChip:     DefaultGPIOChip,
		ButtonLine:   -1,
		LEDPowerLine: -1,
		LEDModeLine:  -1,
		FlashLine:    -1,
		ResetLine:    -1,
		RouteLine:    -1,
		LoopInterval: DefaultLoopInterval,
		Debounce:     DefaultDebounce,
		StatusAddr:   DefaultStatusAddr,
		Verbose:      1,
	}
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.SerialDevice == "" {
		return &gwerrors.ConfigError{
			Field:   "serial",
			Message: "device path required",
			Hint:    fmt.Sprintf("the coprocessor is usually on %s", DefaultSerialDevice),
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		return &gwerrors.ConfigError{
			Field:   "port",
			Value:   c.Port,
			Message: "out of range 0-65535",
			Hint:    "use 0 to keep the persisted bridge port",
		}
	}
	if c.Baud < 0 {
		return &gwerrors.ConfigError{
			Field:   "baud",
			Value:   c.Baud,
			Message: "must not be negative",
			Hint:    fmt.Sprintf("the coprocessor default is %d", DefaultBaud),
		}
	}
	if c.StateDir == "" {
		return &gwerrors.ConfigError{
			Field:   "state-dir",
			Message: "settings directory required",
			Hint:    fmt.Sprintf("e.g. --state-dir=%s", DefaultStateDir),
		}
	}
	if c.LoopInterval <= 0 || c.LoopInterval > 100*time.Millisecond {
		return &gwerrors.ConfigError{
			Field:   "loop-interval",
			Value:   c.LoopInterval,
			Message: "must be between 1ms and 100ms",
			Hint:    "longer periods make the bridge visibly laggy",
		}
	}
	if c.APIface == "" {
		return &gwerrors.ConfigError{
			Field:   "ap-iface",
			Message: "access point interface required",
			Hint:    "the fallback AP is the only way back in when every uplink fails",
		}
	}
	if c.Verbose < 0 || c.Verbose > 3 {
		return &gwerrors.ConfigError{
			Field:   "verbose",
			Value:   c.Verbose,
			Message: "must be between 0 and 3",
		}
	}
	return nil
}
