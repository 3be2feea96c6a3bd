// Package board drives the gateway's GPIO lines through the Linux
// character device: the button, the two status LEDs and the
// coprocessor's reset, bootloader and UART route lines.
package board

import (
	"errors"
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"gwbridge/internal/button"
	"gwbridge/internal/clock"
	gwerrors "gwbridge/internal/errors"
	"gwbridge/util"
)

// Line is the part of *gpiocdev.Line the board uses.  Values are
// logical: 1 means asserted whatever the electrical polarity.
type Line interface {
	Value() (int, error)
	SetValue(value int) error
	Close() error
}

// Config names the line offsets on Chip.  A negative offset is a line
// this board does not have.
type Config struct {
	Chip     string
	Button   int
	LEDPower int
	LEDMode  int
	Flash    int
	Reset    int
	Route    int
	Debounce time.Duration
}

// Lines are opened line handles; nil is absent.
type Lines struct {
	Button   Line
	LEDPower Line
	LEDMode  Line
	Flash    Line
	Reset    Line
	Route    Line
}

// Board owns every requested line.
type Board struct {
	lines    Lines
	chip     *gpiocdev.Chip
	clk      clock.Clock
	debounce *button.Debouncer
	mailbox  *button.Mailbox
	logger   *util.Logger

	// Coprocessor timing; sleep is swapped in tests.
	ResetPulse time.Duration
	BootHold   time.Duration
	sleep      func(time.Duration)

	ledsOn bool
	modeOn bool
}

// ── Construction ─────────────────────────────────────────────────────

// Open requests the configured lines.  The button is an active-low
// input with pull-up and both-edge events; outputs start deasserted.
func Open(cfg Config, clk clock.Clock, mb *button.Mailbox, logger *util.Logger) (*Board, error) {
	chip, err := gpiocdev.NewChip(cfg.Chip, gpiocdev.WithConsumer("gwbridge"))
	if err != nil {
		return nil, fmt.Errorf("open chip %s: %w", cfg.Chip, err)
	}
	b := newBoard(Lines{}, clk, mb, cfg.Debounce, logger)
	b.chip = chip

	if cfg.Button >= 0 {
		l, err := chip.RequestLine(cfg.Button,
			gpiocdev.AsInput,
			gpiocdev.AsActiveLow,
			gpiocdev.WithPullUp,
			gpiocdev.WithBothEdges,
			gpiocdev.WithEventHandler(b.onEdge),
		)
		if err != nil {
			b.Close() //nolint:errcheck
			return nil, fmt.Errorf("request button line %d: %w", cfg.Button, err)
		}
		b.lines.Button = l
	}

	outputs := []struct {
		name   string
		offset int
		dst    *Line
		opts   []gpiocdev.LineReqOption
	}{
		{"power led", cfg.LEDPower, &b.lines.LEDPower, nil},
		{"mode led", cfg.LEDMode, &b.lines.LEDMode, nil},
		{"flash", cfg.Flash, &b.lines.Flash, []gpiocdev.LineReqOption{gpiocdev.AsActiveLow}},
		{"reset", cfg.Reset, &b.lines.Reset, []gpiocdev.LineReqOption{gpiocdev.AsActiveLow}},
		{"route", cfg.Route, &b.lines.Route, nil},
	}
	for _, o := range outputs {
		if o.offset < 0 {
			continue
		}
		opts := append([]gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}, o.opts...)
		l, err := chip.RequestLine(o.offset, opts...)
		if err != nil {
			b.Close() //nolint:errcheck
			return nil, fmt.Errorf("request %s line %d: %w", o.name, o.offset, err)
		}
		*o.dst = l
	}
	logger.Verbose("gpio %s: button=%d leds=%d/%d flash=%d reset=%d route=%d",
		cfg.Chip, cfg.Button, cfg.LEDPower, cfg.LEDMode, cfg.Flash, cfg.Reset, cfg.Route)
	return b, nil
}

// FromLines builds a Board over already-opened lines.
func FromLines(lines Lines, clk clock.Clock, mb *button.Mailbox, debounce time.Duration, logger *util.Logger) *Board {
	return newBoard(lines, clk, mb, debounce, logger)
}

func newBoard(lines Lines, clk clock.Clock, mb *button.Mailbox, debounce time.Duration, logger *util.Logger) *Board {
	return &Board{
		lines:      lines,
		clk:        clk,
		debounce:   button.NewDebouncer(uint32(debounce.Milliseconds())),
		mailbox:    mb,
		logger:     logger,
		ResetPulse: 10 * time.Millisecond,
		BootHold:   40 * time.Millisecond,
		sleep:      time.Sleep,
		ledsOn:     true,
	}
}

// Close releases every line and the chip.
func (b *Board) Close() error {
	var errs []error
	for _, l := range []Line{b.lines.Button, b.lines.LEDPower, b.lines.LEDMode, b.lines.Flash, b.lines.Reset, b.lines.Route} {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.lines = Lines{}
	if b.chip != nil {
		if err := b.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		b.chip = nil
	}
	return errors.Join(errs...)
}

// ── Button ───────────────────────────────────────────────────────────

// onEdge runs on the gpiocdev event goroutine.  It only debounces and
// signals.
func (b *Board) onEdge(gpiocdev.LineEvent) {
	if b.debounce.Accept(b.clk.Millis()) {
		b.mailbox.Signal()
	}
}

// Pressed samples the button level.
func (b *Board) Pressed() bool {
	if b.lines.Button == nil {
		return false
	}
	v, err := b.lines.Button.Value()
	return err == nil && v == 1
}

// HeldAtBoot reports whether the button stays pressed for hold.  It
// blocks and is meant for the boot path only.
func (b *Board) HeldAtBoot(hold time.Duration) bool {
	const step = 50 * time.Millisecond
	for waited := time.Duration(0); waited < hold; waited += step {
		if !b.Pressed() {
			return false
		}
		b.sleep(step)
	}
	return b.Pressed()
}

// ── Indicator ────────────────────────────────────────────────────────

// SetEnabled switches the LEDs on or off as a whole.
func (b *Board) SetEnabled(on bool) error {
	b.ledsOn = on
	if err := set(b.lines.LEDPower, on); err != nil {
		return fmt.Errorf("power led: %w", err)
	}
	return b.applyMode()
}

// SetMode lights the mode LED when on and LEDs are enabled.
func (b *Board) SetMode(on bool) error {
	b.modeOn = on
	return b.applyMode()
}

func (b *Board) applyMode() error {
	if err := set(b.lines.LEDMode, b.ledsOn && b.modeOn); err != nil {
		return fmt.Errorf("mode led: %w", err)
	}
	return nil
}

// ── Coprocessor ──────────────────────────────────────────────────────

// EnterBootloader holds the flash line while pulsing reset, so the chip
// boots into its serial bootloader.
func (b *Board) EnterBootloader() error {
	if b.lines.Flash == nil || b.lines.Reset == nil {
		return fmt.Errorf("bootloader: %w", gwerrors.ErrLineUnavailable)
	}
	if err := b.lines.Flash.SetValue(1); err != nil {
		return fmt.Errorf("assert flash: %w", err)
	}
	if err := b.pulseReset(); err != nil {
		return err
	}
	b.sleep(b.BootHold)
	if err := b.lines.Flash.SetValue(0); err != nil {
		return fmt.Errorf("release flash: %w", err)
	}
	b.logger.Info("coprocessor in bootloader")
	return nil
}

// Reset restarts the coprocessor into its application.
func (b *Board) Reset() error {
	if b.lines.Reset == nil {
		return fmt.Errorf("reset: %w", gwerrors.ErrLineUnavailable)
	}
	return b.pulseReset()
}

func (b *Board) pulseReset() error {
	if err := b.lines.Reset.SetValue(1); err != nil {
		return fmt.Errorf("assert reset: %w", err)
	}
	b.sleep(b.ResetPulse)
	if err := b.lines.Reset.SetValue(0); err != nil {
		return fmt.Errorf("release reset: %w", err)
	}
	return nil
}

// SetRoute points the coprocessor UART at the USB bridge when usb is
// true and at the host otherwise.
func (b *Board) SetRoute(usb bool) error {
	if err := set(b.lines.Route, usb); err != nil {
		return fmt.Errorf("route: %w", err)
	}
	return nil
}

func set(l Line, on bool) error {
	if l == nil {
		return nil
	}
	v := 0
	if on {
		v = 1
	}
	return l.SetValue(v)
}
