// Package serialport opens the UART wired to the radio coprocessor.
//
// The bridge polls the port from the control loop, so every Port must
// honour a short read timeout and return (0, nil) when nothing arrived.
package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	gwerrors "gwbridge/internal/errors"
	"gwbridge/internal/retry"
	"gwbridge/util"
)

// Port is the subset of a serial port the gateway uses.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Config describes the coprocessor link.
type Config struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
}

// DefaultReadTimeout keeps one serial poll well inside a loop tick.
const DefaultReadTimeout = 2 * time.Millisecond

// Open opens the device 8N1 at cfg.Baud, retrying with b while the
// device node is busy or not yet present.  A nil b tries once.
func Open(ctx context.Context, cfg Config, b *retry.Backoff, logger *util.Logger) (Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	var port serial.Port
	openOnce := func(attempt int) error {
		p, err := serial.Open(cfg.Device, mode)
		if err != nil {
			logger.Verbose("serial open %s (attempt %d): %v", cfg.Device, attempt, err)
			var pe *serial.PortError
			if errors.As(err, &pe) && pe.Code() == serial.PermissionDenied {
				return retry.Permanent(err)
			}
			return err
		}
		port = p
		return nil
	}

	var err error
	if b == nil {
		err = openOnce(1)
	} else {
		err = b.Do(ctx, openOnce)
	}
	if err != nil {
		return nil, gwerrors.Wrap("open", cfg.Device, err)
	}

	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close() //nolint:errcheck
		return nil, gwerrors.Wrap("open", cfg.Device, fmt.Errorf("set read timeout: %w", err))
	}
	// Stale bytes from before a restart would reach the first client.
	port.ResetInputBuffer() //nolint:errcheck

	logger.Info("serial %s open at %d baud", cfg.Device, cfg.Baud)
	return port, nil
}

// List returns the serial devices present on the system.
func List() ([]string, error) {
	return serial.GetPortsList()
}
