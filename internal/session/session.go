package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.fortid.dev/fortid/internal/core"
	"go.fortid.dev/fortid/internal/forti"
	"go.fortid.dev/fortid/internal/logsink"
	"go.fortid.dev/fortid/internal/redirect"
	"go.fortid.dev/fortid/internal/routes"
)

// Termination ladder bounds for the tunnel client.
const (
	terminateGrace = 10 * time.Second
	killWait       = 5 * time.Second
)

// Interface discovery bounds, used when the client never names its
// interface in the output.
const (
	ifacePollAttempts = 30
	ifacePollInterval = time.Second
)

const hookTimeout = 30 * time.Second

type intentKind int

const (
	intentDisconnect intentKind = iota
	intentReset
)

type intent struct {
	kind intentKind
}

// session is one live connection and its reconnect afterlife. Everything
// below the snapshot block is owned by the run goroutine; the rest of
// the process sees the session only through published snapshots.
type session struct {
	id      string
	profile *core.Profile // frozen at connect; reload builds new Profile values
	reg     *Registry
	secret  string // vault password for password auth
	certs   *forti.CertFiles

	intents chan intent
	done    chan struct{}

	snapMu sync.RWMutex
	snap   Snapshot

	state          State
	seq            uint64
	attempt        int
	retryIn        int
	sup            *supervisor
	resolver       *redirect.Resolver
	sink           *logsink.Sink
	authTimer      *time.Timer
	authC          <-chan time.Time
	dwellTimer     *time.Timer
	dwellC         <-chan time.Time
	iface          string
	virtualIP      string
	connectedAt    time.Time
	lastErr        error
	partialRouting bool
	routeBindings  []routes.RouteBinding
	dnsBinding     *routes.DNSBinding
	tunnelsBefore  map[string]bool
	policy         retryPolicy
	userStop       bool
}

// run is the session actor: one spawn episode at a time, with reconnect
// countdowns between failed ones. It never runs concurrently with itself
// and owns every mutable session field.
func (s *session) run() {
	defer close(s.done)
	defer func() {
		if s.certs != nil {
			s.certs.Cleanup()
		}
		if s.sink != nil {
			s.sink.Close()
		}
	}()

	for {
		s.episode()

		if s.userStop || !s.policy.enabled {
			return
		}

		s.attempt++
		if s.policy.exhausted(s.attempt) {
			s.transition(StateFailed, fmt.Sprintf("giving up after %d retries", s.policy.maxRetries))
			return
		}
		if !s.countdown(s.policy.delay(s.attempt)) {
			return
		}
	}
}

// episode runs one spawn from Connecting all the way to Disconnected.
func (s *session) episode() {
	s.iface, s.virtualIP = "", ""
	s.partialRouting = false
	s.lastErr = nil
	s.routeBindings = nil
	s.dnsBinding = nil
	s.transition(StateConnecting, "")

	saml := s.profile.Auth == core.AuthSAML

	// The redirect target must exist before the browser can be sent there.
	if saml {
		s.resolver = redirect.New(s.profile.Name, s.profile.SAMLPort, s.reg.fallbackDelay())
		if err := s.resolver.Start(); err != nil {
			s.fail(classify(SpawnError, err))
			s.teardown("redirect listener failed")
			return
		}
	}

	s.tunnelsBefore = routes.SnapshotTunnels()

	s.sup = newSupervisor(forti.BuildArgv(s.reg.clientPath(), s.profile, s.certs))
	if err := s.sup.start(); err != nil {
		s.sup = nil
		s.fail(classify(SpawnError, err))
		s.teardown("client failed to start")
		return
	}
	s.publish()

	var resolverEvents <-chan redirect.Event
	var resolverWarnings <-chan redirect.Warning

	if saml {
		url := s.profile.SAMLStartURL()
		if err := s.reg.browse(s.profile, url); err != nil {
			s.warnEvent("", fmt.Sprintf("browser launch failed: %v; open %s yourself", err, url))
		}
		s.resolver.Arm()
		s.transition(StateAuthenticating, "waiting for browser sign-in")

		s.authTimer = time.NewTimer(s.reg.authTimeout())
		s.authC = s.authTimer.C
		resolverEvents = s.resolver.Events()
		resolverWarnings = s.resolver.Warnings()
	}

	var exit *ExitReport

loop:
	for {
		select {
		case ev, ok := <-s.sup.events:
			if !ok {
				exit = &ExitReport{Outcome: ExitCrashed, Code: -1}
				break loop
			}
			if ev.exit != nil {
				exit = ev.exit
				break loop
			}
			s.handleOutput(ev)

		case rev := <-resolverEvents:
			s.deliverToken(rev)
			resolverEvents = nil

		case w := <-resolverWarnings:
			class := ""
			if w.Conflict {
				class = PortConflict.String()
			}
			s.warnEvent(class, w.Message)

		case <-s.authC:
			s.authC = nil
			s.fail(classifyf(HandshakeTimeout, "no SAML callback within %s", s.reg.authTimeout()))
			s.teardown("authentication timed out")
			return

		case <-s.dwellC:
			s.dwellC = nil
			if s.attempt != 0 {
				s.attempt = 0
				s.publish()
			}

		case it := <-s.intents:
			switch it.kind {
			case intentDisconnect:
				s.userStop = true
				s.teardown("disconnect requested")
				return
			case intentReset:
				s.attempt = 0
				s.publish()
			}
		}
	}

	s.recordExit(exit)
	s.teardown(exitDetail(exit))
}

// handleOutput logs one client line and reacts to its marker.
func (s *session) handleOutput(ev supEvent) {
	if ev.line != "" {
		if s.sink != nil {
			s.sink.WriteLine(ev.line)
		}
		s.event(Event{Kind: EventLogLine, Detail: ev.line})
	}

	switch ev.marker {
	case forti.MarkerInterface:
		s.iface = ev.value
		s.publish()

	case forti.MarkerVirtualIP:
		s.virtualIP = ev.value
		s.publish()

	case forti.MarkerTunnelUp:
		s.onTunnelUp()

	case forti.MarkerPasswordPrompt:
		if s.profile.Auth != core.AuthPassword {
			return
		}
		if !s.sup.writeSecretOnce(s.secret) {
			s.warnEvent("", "client asked for the password twice; not answering again")
		}

	case forti.MarkerElevatePrompt:
		s.warnEvent("", fmt.Sprintf("%s wants its own password; configure passwordless elevation for %s",
			s.profile.Elevate, s.reg.clientPath()))

	case forti.MarkerAuthFailure, forti.MarkerError:
		s.lastErr = classifyf(ProcessCrash, "%s", ev.value)
		s.publish()
	}
}

// deliverToken forwards the SAML cookie to the client's stdin and shuts
// both listeners down. First arrival wins; this runs at most once per
// episode.
func (s *session) deliverToken(rev redirect.Event) {
	if rev.Fallback {
		s.warnEvent("", fmt.Sprintf(
			"appliance redirected to fallback port %d instead of configured port %d",
			rev.Port, s.profile.SAMLPort))
	}

	if err := s.sup.writeLine(rev.Token); err != nil {
		slog.Warn("Failed to forward SAML token to client", "profile", s.profile.Name, "error", err)
	} else {
		slog.Info("SAML token forwarded", "profile", s.profile.Name, "port", rev.Port)
	}

	s.closeResolver()
}

// onTunnelUp moves the session to Connected: find the interface, apply
// routes and DNS, arm the stability dwell, fire the hook.
func (s *session) onTunnelUp() {
	if s.state == StateConnected {
		return
	}

	s.closeResolver()
	s.stopAuth()

	iface := s.iface
	needsIface := len(s.profile.Routes) > 0 || len(s.profile.DNS) > 0 || len(s.profile.DNSDomains) > 0
	if iface == "" && needsIface {
		found, err := routes.WaitForNewTunnel(s.tunnelsBefore, ifacePollAttempts, ifacePollInterval)
		if err != nil {
			s.warnEvent(RouteApplyError.String(), fmt.Sprintf("cannot find tunnel interface: %v", err))
			s.partialRouting = true
		} else {
			iface = found
			s.iface = found
		}
	}

	if iface != "" {
		if len(s.profile.Routes) > 0 {
			bindings, warns := s.reg.router.Apply(s.profile.Name, iface, s.profile.Routes)
			s.routeBindings = bindings
			s.routeWarnings(warns)
		}
		if len(s.profile.DNS) > 0 || len(s.profile.DNSDomains) > 0 {
			binding, warns := s.reg.dns.Apply(s.profile.Name, iface, s.profile.DNS, s.profile.DNSDomains)
			s.dnsBinding = binding
			s.routeWarnings(warns)
		}
	}

	s.connectedAt = time.Now()
	s.lastErr = nil

	detail := "tunnel up"
	if iface != "" {
		detail = "tunnel up on " + iface
		if s.virtualIP != "" {
			detail += " (" + s.virtualIP + ")"
		}
	}
	s.transition(StateConnected, detail)

	// The ladder only resets after the connection proves itself.
	if s.attempt > 0 && s.policy.stableAfter > 0 {
		s.dwellTimer = time.NewTimer(s.policy.stableAfter)
		s.dwellC = s.dwellTimer.C
	}

	s.runHook(s.profile.OnConnect, "on_connect")
}

func (s *session) routeWarnings(warns []string) {
	for _, w := range warns {
		s.warnEvent(RouteApplyError.String(), w)
	}
	if len(warns) > 0 {
		s.partialRouting = true
		s.publish()
	}
}

// teardown drives any live state to Disconnected: close listeners, stop
// the client, drain its output, revert routing, run the hook.
func (s *session) teardown(detail string) {
	if s.state != StateDisconnecting {
		s.transition(StateDisconnecting, detail)
	}

	s.closeResolver()
	s.stopAuth()
	s.stopDwell()

	if s.sup != nil {
		s.sup.terminate(terminateGrace, killWait)
		s.drainSupervisor()
		s.sup = nil
	}

	s.revertBindings()
	s.runHook(s.profile.OnDisconnect, "on_disconnect")

	s.transition(StateDisconnected, detail)
}

// drainSupervisor consumes buffered client output after termination so
// logout lines still reach the log, then waits for the channel to close.
func (s *session) drainSupervisor() {
	for {
		select {
		case ev, ok := <-s.sup.events:
			if !ok {
				return
			}
			if ev.exit != nil {
				s.recordExit(ev.exit)
				continue
			}
			if ev.line != "" {
				if s.sink != nil {
					s.sink.WriteLine(ev.line)
				}
				s.event(Event{Kind: EventLogLine, Detail: ev.line})
			}
		case <-time.After(killWait):
			s.warnEvent("", "tunnel client is not dying; abandoning it")
			return
		}
	}
}

// countdown sits out the backoff delay in Reconnecting, ticking once a
// second for UIs. Returns false when the user cancelled the retry.
func (s *session) countdown(delay time.Duration) bool {
	s.transition(StateReconnecting, fmt.Sprintf("retry %d in %s", s.attempt, delay))

	deadline := time.NewTimer(delay)
	defer deadline.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	remaining := int(delay.Round(time.Second) / time.Second)
	s.setRetryIn(remaining)

	for {
		select {
		case <-deadline.C:
			s.setRetryIn(0)
			return true

		case <-tick.C:
			if remaining > 0 {
				remaining--
			}
			s.setRetryIn(remaining)
			s.event(Event{Kind: EventRetryTick, Attempt: s.attempt, Remaining: remaining})

		case it := <-s.intents:
			switch it.kind {
			case intentDisconnect:
				s.userStop = true
				s.setRetryIn(0)
				s.transition(StateDisconnected, "reconnect cancelled")
				return false
			case intentReset:
				s.attempt = 0
				s.setRetryIn(0)
				return true
			}
		}
	}
}

func (s *session) recordExit(exit *ExitReport) {
	switch exit.Outcome {
	case ExitCrashed:
		if s.lastErr == nil {
			s.lastErr = classifyf(ProcessCrash, "client exited with status %d", exit.Code)
		}
	case ExitClean, ExitKilled:
		if !s.userStop && s.lastErr == nil {
			s.lastErr = classifyf(ProcessCrash, "client exited unexpectedly (%s)", exit.Outcome)
		}
	}
	s.publish()
}

func exitDetail(exit *ExitReport) string {
	switch exit.Outcome {
	case ExitClean:
		return "client exited"
	case ExitKilled:
		return "client killed"
	default:
		return fmt.Sprintf("client exited with status %d", exit.Code)
	}
}

func (s *session) revertBindings() {
	if len(s.routeBindings) > 0 {
		s.routeWarnings(s.reg.router.Revert(s.profile.Name, s.routeBindings))
		s.routeBindings = nil
	}
	if s.dnsBinding != nil {
		s.routeWarnings(s.reg.dns.Revert(s.profile.Name, s.dnsBinding))
		s.dnsBinding = nil
	}
}

// runHook fires a profile hook command, fire-and-forget with a timeout.
// Hooks get their own process group so a stuck one can be killed without
// touching the daemon.
func (s *session) runHook(command, name string) {
	if command == "" {
		return
	}

	profile, iface, vip := s.profile.Name, s.iface, s.virtualIP
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Env = append(os.Environ(),
			"FORTID_PROFILE="+profile,
			"FORTID_INTERFACE="+iface,
			"FORTID_VIP="+vip,
		)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		out, err := cmd.CombinedOutput()
		if err != nil {
			slog.Warn("Session hook failed", "profile", profile, "hook", name,
				"error", err, "output", strings.TrimSpace(string(out)))
			return
		}
		slog.Debug("Session hook finished", "profile", profile, "hook", name)
	}()
}

func (s *session) closeResolver() {
	if s.resolver != nil {
		s.resolver.Close()
		s.resolver = nil
	}
}

func (s *session) stopAuth() {
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
	s.authC = nil
}

func (s *session) stopDwell() {
	if s.dwellTimer != nil {
		s.dwellTimer.Stop()
		s.dwellTimer = nil
	}
	s.dwellC = nil
}

func (s *session) setRetryIn(seconds int) {
	s.retryIn = seconds
	s.publish()
}

func (s *session) fail(err error) {
	s.lastErr = err
	s.publish()
	slog.Warn("Session attempt failed", "profile", s.profile.Name, "error", err)
}

// transition moves the state machine, publishing the snapshot and the
// transition event. Invalid moves are forced through with an error log;
// wedging a live session would be worse than a noisy one.
func (s *session) transition(to State, detail string) {
	from := s.state
	if from == to {
		return
	}
	if !canTransition(from, to) {
		slog.Error("Forcing invalid session transition",
			"profile", s.profile.Name, "from", from, "to", to)
	}
	s.state = to
	s.publish()

	ev := Event{Kind: EventTransition, From: from, To: to, Detail: detail, Attempt: s.attempt}
	if s.lastErr != nil {
		if class, ok := ClassOf(s.lastErr); ok {
			ev.Class = class.String()
		}
		if detail == "" {
			ev.Detail = s.lastErr.Error()
		}
	}
	s.event(ev)

	slog.Info("Session state changed",
		"profile", s.profile.Name, "from", from, "to", to, "detail", detail)
}

// event stamps and emits one entry on the session's ordered stream.
func (s *session) event(ev Event) {
	s.seq++
	ev.Profile = s.profile.Name
	ev.SessionID = s.id
	ev.Seq = s.seq
	ev.Timestamp = time.Now()
	s.reg.streamer.Emit(ev)
}

func (s *session) warnEvent(class, detail string) {
	s.event(Event{Kind: EventWarning, Class: class, Detail: detail})
	slog.Warn("Session warning", "profile", s.profile.Name, "detail", detail)
}

// publish refreshes the shared snapshot copy. The actor is the only
// writer; IPC readers take the copy under the read lock.
func (s *session) publish() {
	snap := Snapshot{
		Profile:        s.profile.Name,
		SessionID:      s.id,
		State:          s.state,
		Gateway:        s.profile.Address(),
		Auth:           s.profile.Auth,
		Interface:      s.iface,
		VirtualIP:      s.virtualIP,
		ConnectedAt:    s.connectedAt,
		Attempt:        s.attempt,
		MaxRetries:     s.policy.maxRetries,
		NextRetryIn:    s.retryIn,
		PartialRouting: s.partialRouting,
	}
	if s.sup != nil {
		snap.PID = s.sup.pid()
	}
	if s.sink != nil {
		snap.LogPath = s.sink.Path()
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
		if class, ok := ClassOf(s.lastErr); ok {
			snap.ErrorClass = class.String()
		}
	}

	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}

func (s *session) snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// send delivers an intent unless the actor has already exited.
func (s *session) send(it intent) error {
	select {
	case s.intents <- it:
		return nil
	case <-s.done:
		return fmt.Errorf("%w: %q", ErrNotActive, s.profile.Name)
	}
}
