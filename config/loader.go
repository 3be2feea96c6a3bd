package config

// loader.go - runtime configuration from file and environment.
//
// Precedence order (highest wins):
//   1. CLI flags            (cmd/root.go)
//   2. Environment          (this file; optionally seeded by --env-file)
//   3. TOML file            (--config)
//   4. Defaults             (defaults.go)

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// LoadFile decodes a TOML file onto cfg.  Keys absent from the file
// keep their current value; unknown keys are an error so typos do not
// pass silently.
func LoadFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		keys := make([]string, len(undec))
		for i, k := range undec {
			keys[i] = k.String()
		}
		return fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.ConfigFile = path
	return nil
}

// LoadEnvFile copies KEY=value pairs from path into the process
// environment.  Variables already set are left alone.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the GWBRIDGE_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  Call it BEFORE flag parsing
// so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	envString("GWBRIDGE_STATE_DIR", &cfg.StateDir)
	envString("GWBRIDGE_SERIAL", &cfg.SerialDevice)
	if v := envInt("GWBRIDGE_BAUD"); v > 0 {
		cfg.Baud = v
	}
	if v := envInt("GWBRIDGE_PORT"); v > 0 {
		cfg.Port = v
	}

	envString("GWBRIDGE_ETHER_IFACE", &cfg.EtherIface)
	envString("GWBRIDGE_WIFI_IFACE", &cfg.WiFiIface)
	envString("GWBRIDGE_AP_IFACE", &cfg.APIface)
	envString("GWBRIDGE_AP_PARENT", &cfg.APParent)

	envString("GWBRIDGE_GPIO_CHIP", &cfg.GPIOChip)
	envLine("GWBRIDGE_BUTTON_LINE", &cfg.ButtonLine)
	envLine("GWBRIDGE_LED_POWER_LINE", &cfg.LEDPowerLine)
	envLine("GWBRIDGE_LED_MODE_LINE", &cfg.LEDModeLine)
	envLine("GWBRIDGE_FLASH_LINE", &cfg.FlashLine)
	envLine("GWBRIDGE_RESET_LINE", &cfg.ResetLine)
	envLine("GWBRIDGE_ROUTE_LINE", &cfg.RouteLine)

	if v := envInt("GWBRIDGE_LOOP_MS"); v > 0 {
		cfg.LoopInterval = time.Duration(v) * time.Millisecond
	}

	envString("GWBRIDGE_STATUS_ADDR", &cfg.StatusAddr)
	envString("GWBRIDGE_LOG_FILE", &cfg.LogFile)
	if v := envInt("GWBRIDGE_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	if envBool(ResetSettingsEnv) {
		cfg.ResetSettings = true
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// envLine accepts any integer including -1 (unwired).
func envLine(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}
