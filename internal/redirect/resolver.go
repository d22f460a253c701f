// Package redirect runs the loopback HTTP listeners that catch the
// browser's SAML callback and deliver the session cookie to the owning
// session.
package redirect

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// FallbackPort is the fixed port some FortiGate appliances redirect to no
// matter which port the SAML request asked for.
const FallbackPort = 8020

// Event is one token-bearing browser callback. It is consumed exactly
// once by the owning session and never persisted.
type Event struct {
	Token    string
	Port     int
	Path     string
	Fallback bool
	Received time.Time
}

// Warning is a non-fatal resolver condition surfaced on the session
// event stream.
type Warning struct {
	Conflict bool // the fallback port was already taken
	Message  string
}

// fallbackGuard serializes ownership of the fixed fallback port across
// all sessions in the process.
var fallbackGuard struct {
	mu    sync.Mutex
	owner string
}

func acquireFallback(profile string) bool {
	fallbackGuard.mu.Lock()
	defer fallbackGuard.mu.Unlock()
	if fallbackGuard.owner != "" && fallbackGuard.owner != profile {
		return false
	}
	fallbackGuard.owner = profile
	return true
}

func releaseFallback(profile string) {
	fallbackGuard.mu.Lock()
	if fallbackGuard.owner == profile {
		fallbackGuard.owner = ""
	}
	fallbackGuard.mu.Unlock()
}

// Resolver owns the callback listeners for one authenticating episode.
// The configured port is bound before the tunnel client spawns; the
// fallback only joins after a quiet window, and only when it is free.
// Close tears everything down unconditionally and is safe to call twice.
type Resolver struct {
	profile       string
	port          int
	fallbackPort  int // FallbackPort, swappable in tests
	fallbackDelay time.Duration

	events   chan Event
	warnings chan Warning

	mu           sync.Mutex
	primary      *http.Server
	fallback     *http.Server
	armTimer     *time.Timer
	delivered    bool
	closed       bool
	ownsFallback bool
}

// New creates a resolver for profile listening on port.
func New(profile string, port int, fallbackDelay time.Duration) *Resolver {
	return &Resolver{
		profile:       profile,
		port:          port,
		fallbackPort:  FallbackPort,
		fallbackDelay: fallbackDelay,
		events:        make(chan Event, 1),
		warnings:      make(chan Warning, 4),
	}
}

// Events delivers the first token-bearing callback. First arrival wins;
// later callbacks still get the success page but are dropped.
func (r *Resolver) Events() <-chan Event {
	return r.events
}

// Warnings delivers non-fatal conditions for the session event stream.
func (r *Resolver) Warnings() <-chan Warning {
	return r.warnings
}

// Start binds the configured port. It must run before the tunnel client
// spawns so the redirect target exists by the time the browser opens.
func (r *Resolver) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(r.port)))
	if err != nil {
		return fmt.Errorf("failed to bind redirect listener on 127.0.0.1:%d: %w", r.port, err)
	}

	srv := &http.Server{Handler: r.handler(r.port, r.port == r.fallbackPort)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		ln.Close()
		return fmt.Errorf("resolver already closed")
	}
	r.primary = srv
	r.mu.Unlock()

	slog.Debug("SAML redirect listener started", "profile", r.profile, "port", r.port)
	go srv.Serve(ln)
	return nil
}

// Arm starts the fallback observation window. Call it right after the
// browser is launched; if no callback lands on the configured port before
// the window elapses, the resolver tries to pick up the fixed fallback
// port as well.
func (r *Resolver) Arm() {
	if r.port == r.fallbackPort {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.armTimer != nil {
		return
	}
	r.armTimer = time.AfterFunc(r.fallbackDelay, r.bindFallback)
}

// bindFallback opportunistically binds the fixed fallback port once the
// quiet window has elapsed without a callback.
func (r *Resolver) bindFallback() {
	r.mu.Lock()
	if r.closed || r.delivered || r.fallback != nil {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if !acquireFallback(r.profile) {
		r.warn(Warning{
			Conflict: true,
			Message:  fmt.Sprintf("fallback port %d is held by another session", r.fallbackPort),
		})
		return
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(r.fallbackPort)))
	if err != nil {
		releaseFallback(r.profile)
		msg := fmt.Sprintf("fallback port %d is unavailable", r.fallbackPort)
		if holder := portHolder(r.fallbackPort); holder != "" {
			msg = fmt.Sprintf("%s (held by %s)", msg, holder)
		}
		msg += "; finish authentication by pointing the browser callback at the configured port"
		r.warn(Warning{Conflict: true, Message: msg})
		return
	}

	srv := &http.Server{Handler: r.handler(r.fallbackPort, true)}

	r.mu.Lock()
	if r.closed || r.delivered {
		r.mu.Unlock()
		ln.Close()
		releaseFallback(r.profile)
		return
	}
	r.fallback = srv
	r.ownsFallback = true
	r.mu.Unlock()

	slog.Warn("No callback on configured port, watching the fixed fallback port too",
		"profile", r.profile, "configured", r.port, "fallback", r.fallbackPort)
	go srv.Serve(ln)
}

// Close tears down both listeners. Idempotent; runs whenever the session
// leaves the authenticating phase, success or not, so ports never leak
// across reconnect attempts.
func (r *Resolver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.armTimer != nil {
		r.armTimer.Stop()
	}
	primary, fallback := r.primary, r.fallback
	owns := r.ownsFallback
	r.primary, r.fallback = nil, nil
	r.mu.Unlock()

	if primary != nil {
		primary.Close()
	}
	if fallback != nil {
		fallback.Close()
	}
	if owns {
		releaseFallback(r.profile)
	}
	slog.Debug("SAML redirect listener closed", "profile", r.profile)
}

// Ports returns the ports currently listening, sorted.
func (r *Resolver) Ports() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ports []int
	if r.primary != nil {
		ports = append(ports, r.port)
	}
	if r.fallback != nil {
		ports = append(ports, r.fallbackPort)
	}
	sort.Ints(ports)
	return ports
}

// handler serves both GET and POST callbacks. Query and form parameters
// are merged, appliance-style.
func (r *Resolver) handler(port int, fallback bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			http.Error(w, "malformed callback", http.StatusBadRequest)
			return
		}

		token := extractToken(req.Form)
		if token == "" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, callbackPage("Received a callback without a token. Retry the sign-in from your VPN portal."))
			return
		}

		if fallback && port != r.port {
			slog.Warn("SAML callback arrived on the fallback port; the appliance ignored the configured redirect port",
				"profile", r.profile, "configured", r.port, "fallback", port)
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, callbackPage("Authentication complete. You can close this tab and return to your terminal."))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		r.deliver(Event{
			Token:    token,
			Port:     port,
			Path:     req.URL.Path,
			Fallback: fallback && port != r.port,
			Received: time.Now(),
		})
	})
}

// deliver hands the event to the session. Only the first callback counts.
func (r *Resolver) deliver(ev Event) {
	r.mu.Lock()
	if r.delivered || r.closed {
		r.mu.Unlock()
		slog.Debug("Dropping duplicate SAML callback", "profile", r.profile, "port", ev.Port)
		return
	}
	r.delivered = true
	r.mu.Unlock()

	r.events <- ev
}

func (r *Resolver) warn(w Warning) {
	select {
	case r.warnings <- w:
	default:
	}
	slog.Warn(w.Message, "profile", r.profile)
}

// extractToken pulls the session cookie out of the callback parameters.
// Appliances send it as `id`; anything else falls back to the first
// non-empty parameter in key order.
func extractToken(form map[string][]string) string {
	if vals, ok := form["id"]; ok {
		for _, v := range vals {
			if v != "" {
				return v
			}
		}
	}

	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range form[k] {
			if v != "" {
				return v
			}
		}
	}
	return ""
}

// portHolder names the process listening on port, when discoverable.
func portHolder(port int) string {
	conns, err := psnet.Connections("tcp")
	if err != nil {
		return ""
	}
	for _, conn := range conns {
		if conn.Laddr.Port != uint32(port) || conn.Status != "LISTEN" || conn.Pid == 0 {
			continue
		}
		proc, err := process.NewProcess(conn.Pid)
		if err != nil {
			return fmt.Sprintf("pid %d", conn.Pid)
		}
		name, err := proc.Name()
		if err != nil {
			return fmt.Sprintf("pid %d", conn.Pid)
		}
		return fmt.Sprintf("%s (pid %d)", name, conn.Pid)
	}
	return ""
}

func callbackPage(message string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>fortid</title></head>
<body style="font-family: sans-serif; margin: 4em auto; max-width: 36em;">
<h2>fortid</h2>
<p>%s</p>
</body>
</html>
`, message)
}
