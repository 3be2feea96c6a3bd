package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"

	"gwbridge/config"
)

// capture redirects stdout for the duration of a test.
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = old })
	return &buf
}

// dryRun executes --dry-run with args and decodes the printed config.
func dryRun(t *testing.T, args ...string) *config.Config {
	t.Helper()
	out := capture(t)
	if err := Execute(context.Background(), append([]string{"--dry-run"}, args...)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := &config.Config{}
	if _, err := toml.Decode(out.String(), cfg); err != nil {
		t.Fatalf("decode dry-run output: %v\n%s", err, out.String())
	}
	return cfg
}

// TestExecute_Version verifies --version prints a version string.
func TestExecute_Version(t *testing.T) {
	out := capture(t)
	if err := Execute(context.Background(), []string{"--version"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "gwbridge ") {
		t.Errorf("version output = %q", out.String())
	}
}

// TestExecute_Help verifies --help returns without error.
func TestExecute_Help(t *testing.T) {
	for _, arg := range []string{"--help", "-h"} {
		t.Run(arg, func(t *testing.T) {
			if err := Execute(context.Background(), []string{arg}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestExecute_DryRunDefaults verifies the defaults survive layering.
func TestExecute_DryRunDefaults(t *testing.T) {
	cfg := dryRun(t)
	if cfg.SerialDevice != config.DefaultSerialDevice {
		t.Errorf("serial = %q, want %q", cfg.SerialDevice, config.DefaultSerialDevice)
	}
	if cfg.StateDir != config.DefaultStateDir {
		t.Errorf("state dir = %q", cfg.StateDir)
	}
	if cfg.Verbose != 1 {
		t.Errorf("verbose = %d, want 1", cfg.Verbose)
	}
}

// TestExecute_Precedence verifies flags > env > file > defaults.
func TestExecute_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "gwbridge.toml")
	body := `serial_device = "/dev/ttyFILE"
baud = 9600
port = 7000
ether_iface = "end0"
`
	if err := os.WriteFile(file, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GWBRIDGE_SERIAL", "/dev/ttyENV")
	t.Setenv("GWBRIDGE_PORT", "7100")

	cfg := dryRun(t, "--config", file, "--port", "7200", "-vv")

	tests := []struct {
		name      string
		got, want interface{}
	}{
		{"file only", cfg.EtherIface, "end0"},
		{"file baud", cfg.Baud, 9600},
		{"env beats file", cfg.SerialDevice, "/dev/ttyENV"},
		{"flag beats env", cfg.Port, 7200},
		{"verbosity", cfg.Verbose, 3},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

// TestExecute_EnvFile verifies --env-file seeds the environment without
// overriding variables already set.
func TestExecute_EnvFile(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, "gwbridge.env")
	body := "GWBRIDGE_STATE_DIR=" + filepath.Join(dir, "state") + "\nGWBRIDGE_BAUD=57600\n"
	if err := os.WriteFile(env, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GWBRIDGE_BAUD", "38400")
	t.Cleanup(func() { os.Unsetenv("GWBRIDGE_STATE_DIR") })

	cfg := dryRun(t, "--env-file", env)
	if cfg.StateDir != filepath.Join(dir, "state") {
		t.Errorf("state dir = %q", cfg.StateDir)
	}
	if cfg.Baud != 38400 {
		t.Errorf("baud = %d, want the pre-set 38400", cfg.Baud)
	}
}

// TestExecute_DryRunInvalid verifies --dry-run still catches bad configs.
func TestExecute_DryRunInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"port range", []string{"--port", "70000"}},
		{"empty serial", []string{"--serial", ""}},
		{"negative baud", []string{"--baud", "-1"}},
		{"unknown file key", nil},
	}
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte("serial_devise = \"/dev/x\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	tests[3].args = []string{"--config", bad}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capture(t)
			err := Execute(context.Background(), append([]string{"--dry-run"}, tt.args...))
			if err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

// TestExecute_InvalidFlags verifies unknown flags produce an error.
func TestExecute_InvalidFlags(t *testing.T) {
	err := Execute(context.Background(), []string{"--nonexistent-flag"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

// TestExecute_UnexpectedArgument verifies positional arguments are
// rejected.
func TestExecute_UnexpectedArgument(t *testing.T) {
	err := Execute(context.Background(), []string{"--dry-run", "extra"})
	if err == nil || !strings.Contains(err.Error(), "extra") {
		t.Fatalf("err = %v, want unexpected argument", err)
	}
}
