// Package session is the orchestration core: a registry of per-profile
// tunnel sessions, each driven by its own actor goroutine through the
// connect/authenticate/route/reconnect lifecycle.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.fortid.dev/fortid/internal/browser"
	"go.fortid.dev/fortid/internal/core"
	"go.fortid.dev/fortid/internal/forti"
	"go.fortid.dev/fortid/internal/logsink"
	"go.fortid.dev/fortid/internal/routes"
	"go.fortid.dev/fortid/internal/vault"
)

// routeApplier and dnsApplier let tests observe routing side effects
// without touching the system tables.
type routeApplier interface {
	Apply(profile, iface string, rules []string) ([]routes.RouteBinding, []string)
	Revert(profile string, bindings []routes.RouteBinding) []string
}

type dnsApplier interface {
	Apply(profile, iface string, servers, domains []string) (*routes.DNSBinding, []string)
	Revert(profile string, b *routes.DNSBinding) []string
}

type resolvedDNS struct{}

func (resolvedDNS) Apply(profile, iface string, servers, domains []string) (*routes.DNSBinding, []string) {
	return routes.ApplyDNS(profile, iface, servers, domains)
}

func (resolvedDNS) Revert(profile string, b *routes.DNSBinding) []string {
	return routes.RevertDNS(profile, b)
}

type secretSource interface {
	Password(profile string) (string, error)
}

// Registry owns every session, keyed by profile name. The map is the
// only cross-session shared structure; each session mutates itself on
// its own goroutine. Terminal sessions stay in the map so status can
// report how they ended, until a new connect replaces them.
type Registry struct {
	cfg func() *core.Configuration

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	streamer *Streamer

	router  routeApplier
	dns     dnsApplier
	secrets secretSource
	browse  func(p *core.Profile, url string) error
}

// NewRegistry creates a registry reading configuration through cfg, so a
// daemon reload is picked up by the next connect.
func NewRegistry(cfg func() *core.Configuration) *Registry {
	r := &Registry{
		cfg:      cfg,
		sessions: make(map[string]*session),
		streamer: NewStreamer(1024),
		router:   routes.NewApplier(),
		dns:      resolvedDNS{},
		secrets:  vault.Source{},
	}
	r.browse = func(p *core.Profile, url string) error {
		return browser.New(cfg().SAML.Browser).Open(url, p.Browser, p.BrowserArgs)
	}
	return r
}

// Connect validates the profile and starts a session actor for it. The
// returned snapshot is the starting point; progress flows on the event
// stream and through Status.
func (r *Registry) Connect(name string) (Snapshot, error) {
	cfg := r.cfg()
	profile, ok := cfg.Profiles[name]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}

	secret := ""
	if profile.Auth == core.AuthPassword {
		var err error
		secret, err = r.secrets.Password(name)
		if err != nil {
			return Snapshot{}, classifyf(ConfigError, "vault lookup for %q failed: %v", name, err)
		}
		if secret == "" {
			return Snapshot{}, classifyf(ConfigError,
				"no stored password for %q; run `fortid password %s` first", name, name)
		}
	}

	var certs *forti.CertFiles
	if profile.Cert != nil {
		passphrase := ""
		if profile.Cert.PKCS12 != "" {
			passphrase, _ = r.secrets.Password(vault.P12Key(name))
		}
		var err error
		certs, err = forti.PrepareCerts(profile, passphrase)
		if err != nil {
			return Snapshot{}, classify(ConfigError, err)
		}
	}

	sink, err := logsink.Open(filepath.Join(cfg.StatePath, "logs"), name, cfg.Logs.MaxSize, cfg.Logs.Keep)
	if err != nil {
		if certs != nil {
			certs.Cleanup()
		}
		return Snapshot{}, classify(ConfigError, err)
	}

	s := &session{
		id:      uuid.NewString(),
		profile: profile,
		reg:     r,
		secret:  secret,
		certs:   certs,
		sink:    sink,
		intents: make(chan intent, 4),
		done:    make(chan struct{}),
		state:   StateIdle,
		policy:  policyFor(profile, cfg.ReconnectFor(name)),
	}
	s.publish()

	abort := func() {
		sink.Close()
		if certs != nil {
			certs.Cleanup()
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		abort()
		return Snapshot{}, ErrShuttingDown
	}
	if existing, ok := r.sessions[name]; ok {
		if state := existing.snapshot().State; !state.Terminal() {
			r.mu.Unlock()
			abort()
			return Snapshot{}, fmt.Errorf("%w: %q is %s", ErrAlreadyActive, name, state)
		}
	}
	r.sessions[name] = s
	r.mu.Unlock()

	slog.Info("Session starting", "profile", name, "gateway", profile.Address(), "auth", profile.Auth)
	go s.run()

	return s.snapshot(), nil
}

// Disconnect asks the session for name to tear down. It returns as soon
// as the intent is delivered; completion is visible on the event stream
// and in Status. A second call during teardown is a harmless no-op; a
// call after completion reports ErrNotActive.
func (r *Registry) Disconnect(name string) error {
	s := r.lookup(name)
	if s == nil || s.snapshot().State.Terminal() {
		return fmt.Errorf("%w: %q", ErrNotActive, name)
	}
	return s.send(intent{kind: intentDisconnect})
}

// Status returns the snapshot for name; configured but idle profiles get
// a bare idle snapshot.
func (r *Registry) Status(name string) (Snapshot, error) {
	if s := r.lookup(name); s != nil {
		return s.snapshot(), nil
	}
	if p, ok := r.cfg().Profiles[name]; ok {
		return Snapshot{Profile: name, State: StateIdle, Gateway: p.Address(), Auth: p.Auth}, nil
	}
	return Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
}

// List returns one snapshot per known session, sorted by profile name.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Profile < snaps[j].Profile })
	return snaps
}

// ActiveCount is the number of sessions in a non-terminal state.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, snap := range r.List() {
		if snap.State.Active() {
			n++
		}
	}
	return n
}

// Subscribe attaches a live event stream, optionally replaying buffered
// history first. Empty profile receives every session.
func (r *Registry) Subscribe(profile string, replay bool) (uint64, <-chan Event) {
	return r.streamer.Subscribe(profile, replay)
}

// SubscribeWithHistory replays up to lines buffered events, then streams.
func (r *Registry) SubscribeWithHistory(profile string, lines int) (uint64, <-chan Event) {
	return r.streamer.SubscribeWithHistory(profile, lines)
}

// Unsubscribe detaches a stream client and closes its channel.
func (r *Registry) Unsubscribe(id uint64) {
	r.streamer.Unsubscribe(id)
}

// Reset zeroes the retry ladder for name; a pending countdown retries
// immediately.
func (r *Registry) Reset(name string) error {
	s := r.lookup(name)
	if s == nil || s.snapshot().State.Terminal() {
		return fmt.Errorf("%w: %q", ErrNotActive, name)
	}
	return s.send(intent{kind: intentReset})
}

// ResetAll nudges every live session, returning how many were reset.
// The sleep monitor calls this on resume so stale countdowns retry now.
func (r *Registry) ResetAll() int {
	count := 0
	for _, snap := range r.List() {
		if !snap.State.Active() {
			continue
		}
		if r.Reset(snap.Profile) == nil {
			count++
		}
	}
	return count
}

// Shutdown stops every session and waits for the actors to drain,
// bounded by ctx. New connects are rejected from the first call on.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		select {
		case s.intents <- intent{kind: intentDisconnect}:
		case <-s.done:
		}
	}

	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			slog.Warn("Session did not stop before the shutdown deadline", "profile", s.profile.Name)
		}
	}
}

func (r *Registry) lookup(name string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[name]
}

func (r *Registry) clientPath() string {
	if path := r.cfg().ClientPath; path != "" {
		return path
	}
	return "openfortivpn"
}

func (r *Registry) fallbackDelay() time.Duration {
	return core.DurationOr(r.cfg().SAML.FallbackDelay, 2*time.Second)
}

func (r *Registry) authTimeout() time.Duration {
	return core.DurationOr(r.cfg().SAML.AuthTimeout, 5*time.Minute)
}
