// Package cmd wires up the CLI flags and boots the gateway.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	flag "github.com/spf13/pflag"

	"gwbridge/config"
	"gwbridge/internal/board"
	"gwbridge/internal/button"
	"gwbridge/internal/clock"
	"gwbridge/internal/gateway"
	"gwbridge/internal/serialport"
	"gwbridge/internal/system"
	"gwbridge/internal/uplink"
	"gwbridge/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X gwbridge/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// stdout is swapped in tests.
var stdout io.Writer = os.Stdout //nolint:gochecknoglobals

// Execute parses args and runs the gateway until ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	fl := config.Defaults()
	fs := flag.NewFlagSet("gwbridge", flag.ContinueOnError)

	// ── files ────────────────────────────────────────────────────
	var configFile, envFile string
	fs.StringVarP(&configFile, "config", "c", "", "TOML configuration file")
	fs.StringVar(&envFile, "env-file", "", "Load GWBRIDGE_* variables from a .env file")
	fs.StringVar(&fl.StateDir, "state-dir", fl.StateDir, "Directory holding the persisted settings")
	fs.BoolVar(&fl.ResetSettings, config.ResetSettingsFlag, false, "Reset every persisted setting to its default")

	// ── serial / bridge ──────────────────────────────────────────
	fs.StringVarP(&fl.SerialDevice, "serial", "s", fl.SerialDevice, "Coprocessor serial device")
	fs.IntVarP(&fl.Baud, "baud", "b", 0, "Serial baud rate (0 keeps the persisted value)")
	fs.IntVarP(&fl.Port, "port", "p", 0, "Bridge TCP port (0 keeps the persisted value)")

	// ── output ───────────────────────────────────────────────────
	fs.StringVar(&fl.StatusAddr, "status-addr", fl.StatusAddr, "Status/metrics HTTP address (empty disables)")
	fs.StringVar(&fl.LogFile, "log-file", "", "Also write logs to a rotating file")
	fs.CountVarP(&fl.Verbose, "verbose", "v", "Increase verbosity (-v verbose, -vv debug)")

	var showVersion, showHelp, dryRun, listSerial bool
	fs.BoolVar(&dryRun, "dry-run", false, "Validate and print the effective configuration, then exit")
	fs.BoolVar(&listSerial, "list-serial", false, "List serial devices and exit")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "gwbridge %s\n", version)
		return nil
	}
	if listSerial {
		return printSerialPorts()
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument %q (use --help for usage)", fs.Arg(0))
	}

	// ── layer: defaults < file < env < flags ─────────────────────
	cfg, err := resolve(fs, fl, configFile, envFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if dryRun {
		return toml.NewEncoder(stdout).Encode(cfg)
	}

	return run(ctx, cfg)
}

// resolve layers the configuration sources.  fl holds the parsed flag
// values; only flags the user actually set override the lower layers.
func resolve(fs *flag.FlagSet, fl *config.Config, configFile, envFile string) (*config.Config, error) {
	cfg := config.Defaults()
	if configFile != "" {
		if err := config.LoadFile(configFile, cfg); err != nil {
			return nil, err
		}
	}
	if envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil {
			return nil, err
		}
		cfg.EnvFile = envFile
	}
	config.LoadFromEnv(cfg)

	overrides := map[string]func(){
		"state-dir":      func() { cfg.StateDir = fl.StateDir },
		"reset-settings": func() { cfg.ResetSettings = fl.ResetSettings },
		"serial":         func() { cfg.SerialDevice = fl.SerialDevice },
		"baud":           func() { cfg.Baud = fl.Baud },
		"port":           func() { cfg.Port = fl.Port },
		"status-addr":    func() { cfg.StatusAddr = fl.StatusAddr },
		"log-file":       func() { cfg.LogFile = fl.LogFile },
		"verbose":        func() { cfg.Verbose = min(1+fl.Verbose, 3) },
	}
	for name, apply := range overrides {
		if fs.Changed(name) {
			apply()
		}
	}
	return cfg, nil
}

// run builds the hardware and blocks in the control loop.
func run(ctx context.Context, cfg *config.Config) error {
	logger := util.NewLogger(cfg.Verbose)
	if cfg.LogFile != "" {
		logger.AddRotatingFile(cfg.LogFile, config.DefaultLogMaxSizeMB, config.DefaultLogMaxBackups)
	}

	clk := clock.NewSystem()
	mb := &button.Mailbox{}
	brd, err := board.Open(board.Config{
		Chip:     cfg.GPIOChip,
		Button:   cfg.ButtonLine,
		LEDPower: cfg.LEDPowerLine,
		LEDMode:  cfg.LEDModeLine,
		Flash:    cfg.FlashLine,
		Reset:    cfg.ResetLine,
		Route:    cfg.RouteLine,
		Debounce: cfg.Debounce,
	}, clk, mb, logger.With("gpio"))
	if err != nil {
		logger.Warn("gpio unavailable, running without button and LEDs: %v", err)
		brd = board.FromLines(board.Lines{}, clk, mb, cfg.Debounce, logger.With("gpio"))
	}
	defer brd.Close() //nolint:errcheck

	var gw *gateway.Gateway
	restarter := system.NewReexec(logger.With("restart"), func() {
		if gw != nil {
			gw.Close() //nolint:errcheck
		}
		brd.Close() //nolint:errcheck
	})

	gw, err = gateway.New(ctx, cfg, gateway.Hardware{
		Board:     brd,
		Mailbox:   mb,
		Runner:    &system.ExecRunner{Logger: logger.With("exec")},
		Probe:     uplink.SysProbe{},
		Clock:     clk,
		Restarter: restarter,
	}, version, logger)
	if err != nil {
		return err
	}
	return gw.Run(ctx)
}

func printSerialPorts() error {
	ports, err := serialport.List()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(stdout, "no serial devices found")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintln(stdout, p)
	}
	return nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `gwbridge – serial-to-TCP radio gateway v%s

Bridges the radio coprocessor's UART to TCP clients, supervises the
wired or wireless uplink and opens a fallback access point when the
uplink cannot be reached.

Usage:
  gwbridge [options]

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  gwbridge -c /etc/gwbridge.toml              Run with a config file
  gwbridge -s /dev/ttyUSB0 -b 115200 -vv      Override the serial link
  gwbridge --reset-settings                   Factory reset, then run
  gwbridge --dry-run                          Print the effective config
`)
}
