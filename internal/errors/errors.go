// Package errors provides domain-specific error types for gwbridge.
//
// These types carry structured context (operation, address, section,
// retryability) so the control loop can decide between retrying,
// self-healing and restarting without string matching.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotConnected     = errors.New("not connected")
	ErrNoCredentials    = errors.New("wireless credentials not configured")
	ErrSlotsFull        = errors.New("all client slots are occupied")
	ErrFirewallRejected = errors.New("peer rejected by firewall policy")
	ErrRestartRequired  = errors.New("restart required")
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrHostKeyMismatch  = errors.New("host key mismatch")
	ErrLineUnavailable  = errors.New("hardware line not available")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network or serial operation.
type NetworkError struct {
	Op        string // "listen", "accept", "read", "write", "open", "dial"
	Addr      string // address or device path involved
	Err       error
	Retryable bool
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents a tunnel failure with gateway context.
type SSHError struct {
	Op   string // "handshake", "auth", "forward"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid runtime configuration value.
type ConfigError struct {
	Field   string      // flag / key name
	Value   interface{} // the invalid value (nil if missing)
	Message string
	Hint    string // optional suggestion
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, detecting retryability from err.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsTimeout reports whether err is a deadline expiry.  The bridge uses
// short deadlines to poll sockets, so a timeout there means "no data
// this cycle" rather than a failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsTimeout(err) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // still the best hint available
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
