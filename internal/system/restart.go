package system

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"gwbridge/config"
	gwerrors "gwbridge/internal/errors"
	"gwbridge/util"
)

// Restarter re-enters the boot path with freshly loaded settings.
type Restarter interface {
	Restart() error
}

// Reexec replaces the running process with a fresh copy of itself.
type Reexec struct {
	Logger *util.Logger
	// Before runs just ahead of exec so open devices and sockets are
	// released; exec keeps file descriptors without O_CLOEXEC alive.
	Before func()

	exec func(argv0 string, argv, envv []string) error
}

// NewReexec returns a Restarter using execve(2).
func NewReexec(logger *util.Logger, before func()) *Reexec {
	return &Reexec{Logger: logger, Before: before, exec: unix.Exec}
}

// Restart re-execs with the one-shot guard cleared.
func (r *Reexec) Restart() error {
	return r.reexec(false)
}

// RestartOnce re-execs with the guard set.  If the guard is already
// set this process is itself the product of a guarded restart, so it
// returns ErrRestartRequired instead of looping.
func (r *Reexec) RestartOnce() error {
	if os.Getenv(config.DefaultRestartEnvFlag) != "" {
		return fmt.Errorf("already restarted once: %w", gwerrors.ErrRestartRequired)
	}
	return r.reexec(true)
}

func (r *Reexec) reexec(guard bool) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	env := environ(os.Environ(), guard)
	argv := arguments(os.Args)

	r.Logger.Info("restarting %s", self)
	if r.Before != nil {
		r.Before()
	}
	if err := r.exec(self, argv, env); err != nil {
		return fmt.Errorf("restart: exec %s: %w", self, err)
	}
	return nil
}

// environ strips any existing guard and adds it back when asked.  A
// factory reset request is pinned off so an --env-file read on the next
// boot cannot turn it back on.
func environ(base []string, guard bool) []string {
	prefix := config.DefaultRestartEnvFlag + "="
	reset := config.ResetSettingsEnv + "="
	out := make([]string, 0, len(base)+2)
	for _, kv := range base {
		if !strings.HasPrefix(kv, prefix) && !strings.HasPrefix(kv, reset) {
			out = append(out, kv)
		}
	}
	out = append(out, reset+"0")
	if guard {
		out = append(out, prefix+"1")
	}
	return out
}

// arguments drops --reset-settings so a restart keeps the settings it
// was asked to apply.
func arguments(argv []string) []string {
	flag := "--" + config.ResetSettingsFlag
	out := make([]string, 0, len(argv))
	for i, a := range argv {
		if i > 0 && (a == flag || strings.HasPrefix(a, flag+"=")) {
			continue
		}
		out = append(out, a)
	}
	return out
}
