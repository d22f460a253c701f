package session

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Registry operations.
var (
	// ErrAlreadyActive is returned when a profile already has a live session.
	ErrAlreadyActive = errors.New("session already active")

	// ErrNotActive is returned when an operation needs a live session and
	// the profile has none.
	ErrNotActive = errors.New("no active session")

	// ErrUnknownProfile is returned when the profile name is not configured.
	ErrUnknownProfile = errors.New("unknown profile")

	// ErrShuttingDown is returned for new work arriving during shutdown.
	ErrShuttingDown = errors.New("daemon is shutting down")
)

// Class buckets a session failure by its origin so callers can tell a
// retryable drop from a configuration mistake or a plain warning.
type Class int

const (
	ConfigError Class = iota
	SpawnError
	HandshakeTimeout
	PortConflict
	ProcessCrash
	RouteApplyError
)

// String returns the journal/wire name of the class.
func (c Class) String() string {
	switch c {
	case ConfigError:
		return "config_error"
	case SpawnError:
		return "spawn_error"
	case HandshakeTimeout:
		return "handshake_timeout"
	case PortConflict:
		return "port_conflict"
	case ProcessCrash:
		return "process_crash"
	case RouteApplyError:
		return "route_apply_error"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Recoverable reports whether failures of this class feed the reconnect
// ladder. Port conflicts and route failures are surfaced as warnings and
// never abort a session on their own; config errors are never retried.
func (c Class) Recoverable() bool {
	switch c {
	case SpawnError, HandshakeTimeout, ProcessCrash:
		return true
	default:
		return false
	}
}

// ClassedError attaches a failure class to an underlying error.
type ClassedError struct {
	Class Class
	Err   error
}

func (e *ClassedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassedError) Unwrap() error {
	return e.Err
}

// classify wraps err with a class, preserving an existing class if err
// already carries one.
func classify(class Class, err error) *ClassedError {
	var ce *ClassedError
	if errors.As(err, &ce) {
		return ce
	}
	return &ClassedError{Class: class, Err: err}
}

// classifyf is classify with fmt.Errorf semantics.
func classifyf(class Class, format string, args ...any) *ClassedError {
	return &ClassedError{Class: class, Err: fmt.Errorf(format, args...)}
}

// ClassOf extracts the failure class from err. The second return is false
// when err carries no class.
func ClassOf(err error) (Class, bool) {
	var ce *ClassedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}
