package session

import (
	"fmt"
	"time"
)

// EventKind discriminates entries on the session event stream.
type EventKind string

const (
	// EventTransition marks a state change.
	EventTransition EventKind = "transition"
	// EventLogLine carries one line of tunnel client output.
	EventLogLine EventKind = "log"
	// EventWarning carries a non-fatal problem (port conflict, route failure).
	EventWarning EventKind = "warning"
	// EventRetryTick is emitted once per second during a reconnect countdown.
	EventRetryTick EventKind = "retry_tick"
)

// Event is one entry on the session event stream. Seq is per session and
// strictly increasing, so subscribers can order and de-duplicate.
type Event struct {
	Profile   string    `json:"profile"`
	SessionID string    `json:"session_id,omitempty"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`
	From      State     `json:"from,omitempty"`
	To        State     `json:"to,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Class     string    `json:"class,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Remaining int       `json:"remaining,omitempty"` // seconds until the next retry
}

// String renders the event for log streams and the attach view.
func (e Event) String() string {
	ts := e.Timestamp.Format("15:04:05")
	switch e.Kind {
	case EventTransition:
		if e.Detail != "" {
			return fmt.Sprintf("%s %s: %s -> %s (%s)", ts, e.Profile, e.From, e.To, e.Detail)
		}
		return fmt.Sprintf("%s %s: %s -> %s", ts, e.Profile, e.From, e.To)
	case EventRetryTick:
		return fmt.Sprintf("%s %s: reconnect attempt %d in %ds", ts, e.Profile, e.Attempt, e.Remaining)
	case EventWarning:
		if e.Class != "" {
			return fmt.Sprintf("%s %s: warning [%s] %s", ts, e.Profile, e.Class, e.Detail)
		}
		return fmt.Sprintf("%s %s: warning %s", ts, e.Profile, e.Detail)
	default:
		return fmt.Sprintf("%s %s: %s", ts, e.Profile, e.Detail)
	}
}
