package session

import "time"

// Snapshot is a point-in-time copy of one session, safe to hand to IPC
// clients while the actor keeps running.
type Snapshot struct {
	Profile        string    `json:"profile"`
	SessionID      string    `json:"session_id,omitempty"`
	State          State     `json:"state"`
	Gateway        string    `json:"gateway,omitempty"`
	Auth           string    `json:"auth,omitempty"`
	PID            int       `json:"pid,omitempty"`
	Interface      string    `json:"interface,omitempty"`
	VirtualIP      string    `json:"virtual_ip,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	Attempt        int       `json:"attempt,omitempty"`
	MaxRetries     int       `json:"max_retries,omitempty"`
	NextRetryIn    int       `json:"next_retry_in,omitempty"` // seconds
	LastError      string    `json:"last_error,omitempty"`
	ErrorClass     string    `json:"error_class,omitempty"`
	PartialRouting bool      `json:"partial_routing,omitempty"`
	LogPath        string    `json:"log_path,omitempty"`
}

// Uptime is how long the session has been connected; zero when it is not.
func (s Snapshot) Uptime(now time.Time) time.Duration {
	if s.State != StateConnected || s.ConnectedAt.IsZero() {
		return 0
	}
	return now.Sub(s.ConnectedAt)
}
