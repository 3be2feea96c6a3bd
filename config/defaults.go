package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// Every tuneable default lives here so the CLI flags, the TOML file,
// the environment overlay and the persisted settings agree.

const (
	// DefaultSerialDevice is the UART wired to the radio coprocessor.
	DefaultSerialDevice = "/dev/ttyS1"

	// DefaultBaud is the coprocessor link speed.
	DefaultBaud = 115200

	// DefaultBridgePort is the TCP port remote clients connect to.
	DefaultBridgePort = 6638

	// DefaultStateDir holds the persisted settings sections.
	DefaultStateDir = "/var/lib/gwbridge"

	// DefaultStatusAddr is where the status/metrics HTTP server binds.
	DefaultStatusAddr = ":8080"

	// DefaultLoopInterval is the control loop period.
	DefaultLoopInterval = 5 * time.Millisecond

	// DefaultOverseerInterval is the uplink supervision poll period.
	DefaultOverseerInterval = 1000

	// DefaultOverseerMaxRetries is the number of failed polls tolerated
	// before the fallback access point comes up.
	DefaultOverseerMaxRetries = 10

	// DefaultHostname is used for the device identity and mDNS name.
	DefaultHostname = "gwbridge"

	// DefaultMQTTPort is the standard unencrypted MQTT port.
	DefaultMQTTPort = 1883

	// DefaultMQTTInterval is the heartbeat period in seconds.
	DefaultMQTTInterval = 60

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultKeepAliveInterval is the SSH keepalive interval in seconds.
	DefaultKeepAliveInterval = 30

	// DefaultEtherIface, DefaultWiFiIface and DefaultAPIface name the
	// network interfaces on the reference board.
	DefaultEtherIface = "eth0"
	DefaultWiFiIface  = "wlan0"
	DefaultAPIface    = "uap0"

	// DefaultGPIOChip is the character device the lines live on.
	DefaultGPIOChip = "gpiochip0"

	// DefaultDebounce is the button refractory window.
	DefaultDebounce = 300 * time.Millisecond

	// DefaultHardResetHold is how long the button must be held at boot
	// to wipe the settings.
	DefaultHardResetHold = 2 * time.Second

	// DefaultLogMaxSizeMB and DefaultLogMaxBackups bound --log-file.
	DefaultLogMaxSizeMB   = 5
	DefaultLogMaxBackups  = 3
	DefaultDiagCapacity   = 512
	DefaultDNSPort        = 53
	DefaultAPGatewayCIDR  = "192.168.1.1/24"
	DefaultRestartEnvFlag = "GWBRIDGE_RESTARTED"
)

// Factory reset requests.  Both are one-shot: a restart must not
// carry them into the next boot.
const (
	ResetSettingsFlag = "reset-settings"
	ResetSettingsEnv  = "GWBRIDGE_RESET_SETTINGS"
)
