// Package system wraps the host facilities the gateway shells out to or
// replaces itself with: external commands, re-exec and device identity.
package system

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"gwbridge/util"
)

// Runner executes host networking tools (ip, iw, wpa_cli, hostapd).
type Runner interface {
	// Run executes a command to completion and returns its stdout.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// Start launches a long-running daemon.
	Start(name string, args ...string) (Process, error)
}

// Process is a daemon started by a Runner.
type Process interface {
	// Stop terminates the process and waits for it to exit.
	Stop() error
	// Alive reports whether the process is still running.
	Alive() bool
}

// ── ExecRunner ───────────────────────────────────────────────────────

// ExecRunner runs real commands.
type ExecRunner struct {
	Logger *util.Logger
}

// Run implements Runner.  Stderr is folded into the error.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.Logger.Debug("exec: %s %s", name, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return stdout.Bytes(), fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// Start implements Runner.
func (r *ExecRunner) Start(name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	r.Logger.Debug("spawn: %s %s", name, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	once sync.Once
	done chan struct{}
	err  error
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Stop() error {
	p.once.Do(func() {
		if p.Alive() {
			p.cmd.Process.Signal(syscall.SIGTERM) //nolint:errcheck
		}
	})
	select {
	case <-p.done:
	case <-time.After(3 * time.Second):
		p.cmd.Process.Kill() //nolint:errcheck
		<-p.done
	}
	return nil
}
