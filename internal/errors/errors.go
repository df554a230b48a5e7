// Package errors provides the error taxonomy of the relay.
//
// Transport failures (ConnectionError, TransportError) are local to the
// hop that detected them and travel upward as failed answers.  Service
// failures (ExecutorInstantiationError, InvalidStateError, ...) are
// carried inside response envelopes and rebuilt on the far side as a
// RemoteError that keeps the original kind name.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotConnected       = errors.New("not connected")
	ErrTimeout            = errors.New("operation timed out")
	ErrAuthFailed         = errors.New("authentication failed")
	ErrHostKeyMismatch    = errors.New("host key mismatch")
	ErrNoAnswerAvailable  = errors.New("no answer available")
	ErrProxyClosed        = errors.New("service proxy route is closed")
	ErrRepeaterClosed     = errors.New("repeater is closed")
	ErrNoService          = errors.New("no service at this hop")
	ErrHeartbeatTimeout   = errors.New("heartbeat not answered")
	ErrChildClosed        = errors.New("child repeater closed")
	ErrUnknownExecutor    = errors.New("unknown executor kind")
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
	ErrUnknownCorrelation = errors.New("unknown correlation id")
)

// ── Wire kinds ───────────────────────────────────────────────────────

// Kind names used in the response envelope's "kind" field.
const (
	KindConnection            = "ConnectionError"
	KindUnknownRoute          = "UnknownRouteError"
	KindDuplicateChild        = "DuplicateChildError"
	KindTransport             = "TransportError"
	KindExecutorInstantiation = "ExecutorInstantiationError"
	KindInvalidState          = "InvalidStateError"
	KindUnknownAction         = "UnknownActionError"
	KindGeneric               = "Error"
)

// ── Relay errors ─────────────────────────────────────────────────────

// ConnectionError means a transport could not be established or was
// lost.  It is reported to the caller and never retried by the relay.
type ConnectionError struct {
	Target string // communicator name or child slot
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// UnknownRouteError means an address path references a child that is
// not registered at the hop.
type UnknownRouteError struct {
	Address []int
	Index   int
}

func (e *UnknownRouteError) Error() string {
	return fmt.Sprintf("unknown route %v: no child %d", e.Address, e.Index)
}

// DuplicateChildError is a topology misconfiguration.
type DuplicateChildError struct {
	Index int
}

func (e *DuplicateChildError) Error() string {
	return fmt.Sprintf("child %d is already registered", e.Index)
}

// TransportError is a read or write failure on an established channel.
type TransportError struct {
	Op     string // "send", "read", "spawn"
	Target string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ── Service errors ───────────────────────────────────────────────────

// ExecutorInstantiationError means an executor configuration could not
// be resolved into a runnable executor.
type ExecutorInstantiationError struct {
	Kind string
	Err  error
}

func (e *ExecutorInstantiationError) Error() string {
	return fmt.Sprintf("executor %q: %v", e.Kind, e.Err)
}

func (e *ExecutorInstantiationError) Unwrap() error { return e.Err }

// InvalidStateError is returned when a lifecycle operation is not valid
// in the service's current state.
type InvalidStateError struct {
	Op    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

// UnknownActionError is returned for a request whose action no handler
// at the hop understands.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Action)
}

// RemoteError is an error reported by a far hop and rebuilt from a
// response envelope.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// ── Carried-over structured types ────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "listen", "accept", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "session", "exec"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
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

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
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

// Connection wraps err as a ConnectionError for target unless it
// already is one.
func Connection(target string, err error) *ConnectionError {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce
	}
	return &ConnectionError{Target: target, Err: err}
}

// ── Wire mapping ─────────────────────────────────────────────────────

// KindOf returns the wire kind name for err.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var (
		re  *RemoteError
		ce  *ConnectionError
		ur  *UnknownRouteError
		dc  *DuplicateChildError
		te  *TransportError
		ei  *ExecutorInstantiationError
		ise *InvalidStateError
		ua  *UnknownActionError
	)
	switch {
	case errors.As(err, &re):
		return re.Kind
	case errors.As(err, &ce):
		return KindConnection
	case errors.As(err, &ur):
		return KindUnknownRoute
	case errors.As(err, &dc):
		return KindDuplicateChild
	case errors.As(err, &te):
		return KindTransport
	case errors.As(err, &ei):
		return KindExecutorInstantiation
	case errors.As(err, &ise):
		return KindInvalidState
	case errors.As(err, &ua):
		return KindUnknownAction
	default:
		return KindGeneric
	}
}

// FromWire rebuilds an error from a response envelope.  It returns nil
// when msg is empty.
func FromWire(kind, msg string) error {
	if msg == "" {
		return nil
	}
	if kind == "" {
		kind = KindGeneric
	}
	return &RemoteError{Kind: kind, Message: msg}
}

// IsKind reports whether err maps to the given wire kind.
func IsKind(err error, kind string) bool {
	return err != nil && KindOf(err) == kind
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether bringing a hop up again could cure err.
// Bad configuration and rejected credentials or host keys never go
// away by themselves.  Network errors carry their own verdict from
// [Wrap]; SSH errors past the dial (a reset handshake, a refused
// session) are worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConfigError
	if errors.As(err, &ce) || errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrHostKeyMismatch) {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	var se *SSHError
	if errors.As(err, &se) {
		return true
	}
	return classifyRetryable(err)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
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

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
