package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFromEnv_Serial(t *testing.T) {
	t.Setenv("GWBRIDGE_SERIAL", "/dev/ttyUSB0")
	t.Setenv("GWBRIDGE_BAUD", "230400")
	t.Setenv("GWBRIDGE_PORT", "7000")
	cfg := Defaults()
	LoadFromEnv(cfg)

	if cfg.SerialDevice != "/dev/ttyUSB0" || cfg.Baud != 230400 || cfg.Port != 7000 {
		t.Errorf("got device=%q baud=%d port=%d", cfg.SerialDevice, cfg.Baud, cfg.Port)
	}
}

func TestLoadFromEnv_Lines(t *testing.T) {
	t.Setenv("GWBRIDGE_BUTTON_LINE", "17")
	t.Setenv("GWBRIDGE_ROUTE_LINE", "-1")
	t.Setenv("GWBRIDGE_FLASH_LINE", "junk")
	cfg := Defaults()
	cfg.RouteLine = 4
	LoadFromEnv(cfg)

	if cfg.ButtonLine != 17 {
		t.Errorf("ButtonLine = %d, want 17", cfg.ButtonLine)
	}
	if cfg.RouteLine != -1 {
		t.Errorf("RouteLine = %d, want -1", cfg.RouteLine)
	}
	if cfg.FlashLine != -1 {
		t.Errorf("invalid value should be ignored, got %d", cfg.FlashLine)
	}
}

func TestLoadFromEnv_Booleans(t *testing.T) {
	for _, v := range []string{"1", "true", "yes", "TRUE", "Yes"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv("GWBRIDGE_RESET_SETTINGS", v)
			cfg := Defaults()
			LoadFromEnv(cfg)
			if !cfg.ResetSettings {
				t.Error("ResetSettings should be true")
			}
		})
	}
}

func TestLoadFromEnv_EmptyDoesNotOverride(t *testing.T) {
	t.Setenv("GWBRIDGE_STATUS_ADDR", "")
	cfg := Defaults()
	LoadFromEnv(cfg)
	if cfg.StatusAddr != DefaultStatusAddr {
		t.Errorf("StatusAddr = %q, want default", cfg.StatusAddr)
	}
}

func TestLoadFromEnv_LoopInterval(t *testing.T) {
	t.Setenv("GWBRIDGE_LOOP_MS", "10")
	cfg := Defaults()
	LoadFromEnv(cfg)
	if cfg.LoopInterval != 10*time.Millisecond {
		t.Errorf("LoopInterval = %v", cfg.LoopInterval)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gwbridge.toml")
	body := `
serial_device = "/dev/ttyAMA0"
ap_iface = "wlan1"
button_line = 5
loop_interval = "2ms"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := LoadFile(path, cfg); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.SerialDevice != "/dev/ttyAMA0" || cfg.APIface != "wlan1" || cfg.ButtonLine != 5 {
		t.Errorf("decoded %+v", cfg)
	}
	if cfg.LoopInterval != 2*time.Millisecond {
		t.Errorf("LoopInterval = %v", cfg.LoopInterval)
	}
	if cfg.StatusAddr != DefaultStatusAddr {
		t.Error("keys absent from the file should keep their value")
	}
	if cfg.ConfigFile != path {
		t.Errorf("ConfigFile = %q", cfg.ConfigFile)
	}
}

func TestLoadFile_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gwbridge.toml")
	os.WriteFile(path, []byte(`seriall_device = "x"`), 0o600) //nolint:errcheck

	err := LoadFile(path, Defaults())
	if err == nil || !strings.Contains(err.Error(), "seriall_device") {
		t.Fatalf("expected unknown-key error, got %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gwbridge.env")
	os.WriteFile(path, []byte("GWBRIDGE_AP_IFACE=uap0\n"), 0o600) //nolint:errcheck
	t.Setenv("GWBRIDGE_AP_IFACE", "")
	os.Unsetenv("GWBRIDGE_AP_IFACE")

	if err := LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	cfg := Defaults()
	LoadFromEnv(cfg)
	if cfg.APIface != "uap0" {
		t.Errorf("APIface = %q, want uap0", cfg.APIface)
	}
}

func TestLoadEnvFile_Missing(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "nope.env")); err == nil {
		t.Error("expected error for missing env file")
	}
}
