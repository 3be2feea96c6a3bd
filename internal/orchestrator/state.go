package orchestrator

// State is the supervision phase.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateFallbackAP
	// StateIdle is LOCAL_DIRECT without an admin uplink: nothing is
	// supervised.
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFallbackAP:
		return "fallback-ap"
	case StateIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// Trigger is an input to the transition table.
type Trigger int

const (
	// TriggerConnected and TriggerDisconnected come from the overseer's
	// poll of the uplink.
	TriggerConnected Trigger = iota
	TriggerDisconnected
	// TriggerLinkUp and TriggerLinkDown come from pushed driver events.
	TriggerLinkUp
	TriggerLinkDown
)

func (t Trigger) String() string {
	switch t {
	case TriggerConnected:
		return "connected"
	case TriggerDisconnected:
		return "disconnected"
	case TriggerLinkUp:
		return "link-up"
	case TriggerLinkDown:
		return "link-down"
	default:
		return "unknown"
	}
}

// Scope tells Services which set of services an uplink state warrants.
type Scope int

const (
	// ScopeFull is a real network uplink: bridge and every dependent
	// service.
	ScopeFull Scope = iota
	// ScopeLocal is LOCAL_DIRECT with an admin uplink: administration
	// only, the coprocessor is routed to USB.
	ScopeLocal
	// ScopeFallback is the access point: administration only.
	ScopeFallback
)

func (s Scope) String() string {
	switch s {
	case ScopeFull:
		return "full"
	case ScopeLocal:
		return "local"
	case ScopeFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

type transition struct {
	from State
	on   Trigger
}
