// Package button classifies presses of the board's single button.
//
// The edge handler only debounces and raises a Mailbox; everything else
// happens in Poll on the control loop.  A press is timed with a 1 s
// software ticker and classified into exclusive bands on release:
//
//	< IndicatorAfter                      nothing
//	>= IndicatorAfter                     flip the LED preference
//	>= ToggleAfter (not in maintenance)   connectivity-mode toggle + restart
//	held to MaintenanceAfter              coprocessor maintenance (bootloader)
package button

import (
	"fmt"

	"gwbridge/config"
	"gwbridge/internal/clock"
	"gwbridge/util"
)

// Press thresholds in whole seconds.
const (
	IndicatorAfter   = 2
	ToggleAfter      = 3
	MaintenanceAfter = 4
)

const secondMs = 1000

// Level samples the button.
type Level interface {
	Pressed() bool
}

// Indicator drives the status LEDs.
type Indicator interface {
	SetEnabled(on bool) error
}

// Coprocessor is the radio chip's control lines.
type Coprocessor interface {
	// EnterBootloader leaves the chip waiting for a firmware image on
	// its UART.
	EnterBootloader() error
	// Reset restarts the chip into its application.
	Reset() error
}

// Restarter re-enters boot.
type Restarter interface {
	Restart() error
}

// Action is the outcome of a press.
type Action int

const (
	ActionNone Action = iota
	ActionIndicator
	ActionToggleMode
	ActionMaintenance
	ActionLeaveMaintenance
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionIndicator:
		return "indicator"
	case ActionToggleMode:
		return "toggle-mode"
	case ActionMaintenance:
		return "maintenance"
	case ActionLeaveMaintenance:
		return "leave-maintenance"
	default:
		return "unknown"
	}
}

// Classify maps a released press of held whole seconds to an action.
func Classify(held int, inMaintenance bool) Action {
	switch {
	case held >= ToggleAfter && !inMaintenance:
		return ActionToggleMode
	case held >= IndicatorAfter:
		return ActionIndicator
	default:
		return ActionNone
	}
}

// Deps are the collaborators a Toggle acts on.
type Deps struct {
	Level       Level
	Mailbox     *Mailbox
	Store       config.Store
	Indicator   Indicator
	Coprocessor Coprocessor
	Restarter   Restarter
	// OnAction observes every classified press.
	OnAction func(Action)
}

// Toggle is the press state machine.
type Toggle struct {
	deps   Deps
	logger *util.Logger

	ticker      *clock.Ticker
	held        int
	maintenance bool
}

// New returns an idle Toggle.
func New(deps Deps, logger *util.Logger) *Toggle {
	t := &Toggle{deps: deps, logger: logger}
	t.ticker = clock.NewTicker(secondMs, t.second)
	return t
}

// Pressing reports whether a press is being timed.
func (t *Toggle) Pressing() bool { return t.ticker.Running() }

// Held is the whole seconds of the press being timed.
func (t *Toggle) Held() int { return t.held }

// InMaintenance reports whether the coprocessor was put in its
// bootloader.
func (t *Toggle) InMaintenance() bool { return t.maintenance }

// Poll consumes a pending edge and advances the press timer.
func (t *Toggle) Poll(now uint32) {
	if t.deps.Mailbox.Take() {
		pressed := t.deps.Level.Pressed()
		switch {
		case pressed && !t.ticker.Running():
			t.held = 0
			t.ticker.Start(now)
			t.logger.Debug("button pressed")
		case !pressed && t.ticker.Running():
			t.ticker.Update(now)
			if t.ticker.Running() {
				t.release()
			}
			return
		}
	}
	t.ticker.Update(now)
}

// second runs once per held second.  A release missed by the debouncer
// is caught here.
func (t *Toggle) second() {
	if !t.deps.Level.Pressed() {
		t.release()
		return
	}
	t.held++
	if t.held >= MaintenanceAfter {
		t.ticker.Stop()
		if t.maintenance {
			t.dispatch(ActionLeaveMaintenance)
		} else {
			t.dispatch(ActionMaintenance)
		}
	}
}

func (t *Toggle) release() {
	t.ticker.Stop()
	t.logger.Debug("button released after %ds", t.held)
	t.dispatch(Classify(t.held, t.maintenance))
}

func (t *Toggle) dispatch(a Action) {
	if a != ActionNone {
		t.logger.Info("button: %s", a)
	}
	if t.deps.OnAction != nil {
		t.deps.OnAction(a)
	}
	var err error
	switch a {
	case ActionIndicator:
		err = t.flipIndicator()
	case ActionToggleMode:
		err = t.toggleMode()
	case ActionMaintenance:
		if err = t.deps.Coprocessor.EnterBootloader(); err == nil {
			t.maintenance = true
		}
	case ActionLeaveMaintenance:
		if err = t.deps.Coprocessor.Reset(); err == nil {
			t.maintenance = false
		}
	}
	if err != nil {
		t.logger.Error("button %s: %v", a, err)
	}
}

func (t *Toggle) load() (*config.Settings, error) {
	s, err := t.deps.Store.Load()
	if s == nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if err != nil {
		t.logger.Warn("settings: %v", err)
	}
	return s, nil
}

func (t *Toggle) flipIndicator() error {
	s, err := t.load()
	if err != nil {
		return err
	}
	s.LEDs.Disabled = !s.LEDs.Disabled
	if err := t.deps.Store.Save(s); err != nil {
		return fmt.Errorf("save leds: %w", err)
	}
	return t.deps.Indicator.SetEnabled(!s.LEDs.Disabled)
}

// toggleMode persists the next mode and restarts.  Live orchestrator
// state is never touched.
func (t *Toggle) toggleMode() error {
	s, err := t.load()
	if err != nil {
		return err
	}
	from := s.General.Mode
	s.General.Mode, s.General.PreviousMode = config.ToggleMode(s.General.Mode, s.General.PreviousMode)
	if err := t.deps.Store.Save(s); err != nil {
		return fmt.Errorf("save mode: %w", err)
	}
	t.logger.Info("mode %s -> %s, restarting", from, s.General.Mode)
	return t.deps.Restarter.Restart()
}
