package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.fortid.dev/fortid/internal/core"
	"go.fortid.dev/fortid/internal/routes"
	"go.fortid.dev/fortid/internal/testutil/fakevpn"
)

// quietLogger silences slog output for the duration of the test
func quietLogger(t *testing.T) {
	t.Helper()
	oldLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(99),
	})))
	t.Cleanup(func() {
		slog.SetDefault(oldLogger)
	})
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// testConfig builds a single-profile configuration around a fake client.
func testConfig(t *testing.T, client string, mutate func(*core.Configuration, *core.Profile)) func() *core.Configuration {
	t.Helper()
	p := &core.Profile{
		Name:     "acme",
		Host:     "vpn.acme.test",
		Port:     443,
		Auth:     core.AuthPassword,
		SAMLPort: 8021,
	}
	cfg := &core.Configuration{
		StatePath:  t.TempDir(),
		LogLevel:   "error",
		ClientPath: client,
		Reconnect: core.ReconnectConfig{
			Enabled:        false,
			InitialBackoff: "20ms",
			MaxBackoff:     "80ms",
			BackoffFactor:  2,
			MaxRetries:     3,
			StableAfter:    "1h",
		},
		Logs:     core.LogsConfig{MaxSize: 1 << 20, Keep: 2},
		SAML:     core.SAMLConfig{FallbackDelay: "5s", AuthTimeout: "5m"},
		Profiles: map[string]*core.Profile{"acme": p},
	}
	if mutate != nil {
		mutate(cfg, p)
	}
	return func() *core.Configuration { return cfg }
}

type fakeSecrets map[string]string

func (f fakeSecrets) Password(profile string) (string, error) {
	return f[profile], nil
}

type recordingRouter struct {
	mu       sync.Mutex
	applied  []routes.RouteBinding
	reverted []routes.RouteBinding
}

func (r *recordingRouter) Apply(profile, iface string, rules []string) ([]routes.RouteBinding, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []routes.RouteBinding
	for _, rule := range rules {
		b := routes.RouteBinding{CIDR: rule, Iface: iface}
		out = append(out, b)
		r.applied = append(r.applied, b)
	}
	return out, nil
}

func (r *recordingRouter) Revert(profile string, bindings []routes.RouteBinding) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reverted = append(r.reverted, bindings...)
	return nil
}

func (r *recordingRouter) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied), len(r.reverted)
}

func waitForState(t *testing.T, r *Registry, profile string, want State, timeout time.Duration) Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var snap Snapshot
	for time.Now().Before(deadline) {
		snap, _ = r.Status(profile)
		if snap.State == want {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("profile %s never reached %s (now %s, last error %q)",
		profile, want, snap.State, snap.LastError)
	return snap
}

// countTransitions counts buffered transitions into the given state.
func countTransitions(r *Registry, profile string, to State) int {
	n := 0
	for _, ev := range r.streamer.History(profile, 0) {
		if ev.Kind == EventTransition && ev.To == to {
			n++
		}
	}
	return n
}

func TestPasswordConnectAndDisconnect(t *testing.T) {
	quietLogger(t)

	dir := t.TempDir()
	client := fakevpn.PasswordFlow(t, dir, "hunter2")
	reg := NewRegistry(testConfig(t, client, nil))
	reg.secrets = fakeSecrets{"acme": "hunter2"}

	snap, err := reg.Connect("acme")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if snap.Profile != "acme" {
		t.Errorf("snapshot profile = %q", snap.Profile)
	}

	snap = waitForState(t, reg, "acme", StateConnected, 10*time.Second)
	if snap.Interface != "ppp7" {
		t.Errorf("interface = %q, want ppp7", snap.Interface)
	}
	if snap.VirtualIP != "10.212.134.200" {
		t.Errorf("virtual ip = %q", snap.VirtualIP)
	}
	if snap.PID == 0 {
		t.Error("snapshot has no pid while connected")
	}

	if err := reg.Disconnect("acme"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	snap = waitForState(t, reg, "acme", StateDisconnected, 10*time.Second)
	if snap.LastError != "" {
		t.Errorf("user disconnect left an error: %q", snap.LastError)
	}
}

func TestConnectRejectsSecondWhileActive(t *testing.T) {
	quietLogger(t)

	dir := t.TempDir()
	reg := NewRegistry(testConfig(t, fakevpn.Up(t, dir), nil))
	reg.secrets = fakeSecrets{"acme": "x"}

	if _, err := reg.Connect("acme"); err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}
	waitForState(t, reg, "acme", StateConnected, 10*time.Second)

	if _, err := reg.Connect("acme"); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second Connect error = %v, want ErrAlreadyActive", err)
	}

	reg.Disconnect("acme")
	waitForState(t, reg, "acme", StateDisconnected, 10*time.Second)

	// terminal session is replaced by a fresh connect
	if _, err := reg.Connect("acme"); err != nil {
		t.Errorf("Connect after disconnect failed: %v", err)
	}
	reg.Disconnect("acme")
	waitForState(t, reg, "acme", StateDisconnected, 10*time.Second)
}

func TestConnectUnknownProfile(t *testing.T) {
	quietLogger(t)

	reg := NewRegistry(testConfig(t, "openfortivpn", nil))
	if _, err := reg.Connect("nope"); !errors.Is(err, ErrUnknownProfile) {
		t.Errorf("error = %v, want ErrUnknownProfile", err)
	}
}

func TestConnectWithoutStoredPassword(t *testing.T) {
	quietLogger(t)

	reg := NewRegistry(testConfig(t, "openfortivpn", nil))
	reg.secrets = fakeSecrets{}

	_, err := reg.Connect("acme")
	if err == nil {
		t.Fatal("Connect succeeded without a stored password")
	}
	if class, ok := ClassOf(err); !ok || class != ConfigError {
		t.Errorf("error class = %v, want ConfigError", err)
	}
}

func TestDisconnectIsIdempotentAndRevertsBindings(t *testing.T) {
	quietLogger(t)

	dir := t.TempDir()
	router := &recordingRouter{}
	reg := NewRegistry(testConfig(t, fakevpn.Up(t, dir), func(cfg *core.Configuration, p *core.Profile) {
		p.Routes = []string{"10.8.0.0/16", "10.9.0.0/16"}
	}))
	reg.secrets = fakeSecrets{"acme": "x"}
	reg.router = router

	if _, err := reg.Connect("acme"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForState(t, reg, "acme", StateConnected, 10*time.Second)

	applied, _ := router.counts()
	if applied != 2 {
		t.Fatalf("applied %d routes, want 2", applied)
	}

	if err := reg.Disconnect("acme"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	waitForState(t, reg, "acme", StateDisconnected, 10*time.Second)

	applied, reverted := router.counts()
	if reverted != applied {
		t.Errorf("reverted %d of %d bindings", reverted, applied)
	}

	if err := reg.Disconnect("acme"); !errors.Is(err, ErrNotActive) {
		t.Errorf("second Disconnect = %v, want ErrNotActive", err)
	}
}

func TestBackoffLadder(t *testing.T) {
	pol := retryPolicy{
		initial: 5 * time.Second,
		max:     80 * time.Second,
		factor:  2,
	}

	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		80 * time.Second,
		80 * time.Second,
	}
	for i, w := range want {
		if got := pol.delay(i + 1); got != w {
			t.Errorf("delay(attempt=%d) = %s, want %s", i+1, got, w)
		}
	}

	pol.maxRetries = 10
	if pol.exhausted(10) {
		t.Error("attempt 10 of 10 should not be exhausted")
	}
	if !pol.exhausted(11) {
		t.Error("attempt 11 of 10 should be exhausted")
	}

	pol.maxRetries = 0
	if pol.exhausted(1000) {
		t.Error("unlimited retries should never exhaust")
	}
}

func TestCrashLoopExhaustsRetriesIntoFailed(t *testing.T) {
	quietLogger(t)

	dir := t.TempDir()
	reg := NewRegistry(testConfig(t, fakevpn.Crash(t, dir), func(cfg *core.Configuration, p *core.Profile) {
		p.AutoReconnect = true
		cfg.Reconnect.Enabled = true
		cfg.Reconnect.MaxRetries = 2
	}))
	reg.secrets = fakeSecrets{"acme": "x"}

	if _, err := reg.Connect("acme"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	snap := waitForState(t, reg, "acme", StateFailed, 15*time.Second)
	if snap.ErrorClass != ProcessCrash.String() {
		t.Errorf("error class = %q, want %q", snap.ErrorClass, ProcessCrash)
	}
	if snap.LastError == "" {
		t.Error("failed session has no last error")
	}

	// initial attempt plus two retries
	if got := countTransitions(reg, "acme", StateConnecting); got != 3 {
		t.Errorf("counted %d connect attempts, want 3", got)
	}
	if got := countTransitions(reg, "acme", StateReconnecting); got != 2 {
		t.Errorf("counted %d countdowns, want 2", got)
	}
}

func TestDisconnectDuringCountdownCancelsPromptly(t *testing.T) {
	quietLogger(t)

	dir := t.TempDir()
	reg := NewRegistry(testConfig(t, fakevpn.Crash(t, dir), func(cfg *core.Configuration, p *core.Profile) {
		p.AutoReconnect = true
		cfg.Reconnect.Enabled = true
		cfg.Reconnect.InitialBackoff = "40s"
		cfg.Reconnect.MaxRetries = 5
	}))
	reg.secrets = fakeSecrets{"acme": "x"}

	if _, err := reg.Connect("acme"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForState(t, reg, "acme", StateReconnecting, 10*time.Second)

	start := time.Now()
	if err := reg.Disconnect("acme"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	waitForState(t, reg, "acme", StateDisconnected, 5*time.Second)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancel took %s, want well under the 40s countdown", elapsed)
	}

	// give a would-be respawn a moment, then confirm there was none
	time.Sleep(100 * time.Millisecond)
	if got := countTransitions(reg, "acme", StateConnecting); got != 1 {
		t.Errorf("counted %d connect attempts after cancel, want 1", got)
	}
}

func TestResetDuringCountdownRetriesImmediately(t *testing.T) {
	quietLogger(t)

	dir := t.TempDir()
	reg := NewRegistry(testConfig(t, fakevpn.Crash(t, dir), func(cfg *core.Configuration, p *core.Profile) {
		p.AutoReconnect = true
		cfg.Reconnect.Enabled = true
		cfg.Reconnect.InitialBackoff = "40s"
		cfg.Reconnect.MaxRetries = 0
	}))
	reg.secrets = fakeSecrets{"acme": "x"}

	if _, err := reg.Connect("acme"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForState(t, reg, "acme", StateReconnecting, 10*time.Second)

	if err := reg.Reset("acme"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if countTransitions(reg, "acme", StateConnecting) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := countTransitions(reg, "acme", StateConnecting); got < 2 {
		t.Errorf("reset did not trigger an immediate retry (%d attempts)", got)
	}

	reg.Disconnect("acme")
}

func TestStableConnectionResetsLadder(t *testing.T) {
	quietLogger(t)

	dir := t.TempDir()
	reg := NewRegistry(testConfig(t, fakevpn.UpThenCrash(t, dir, 400), func(cfg *core.Configuration, p *core.Profile) {
		p.AutoReconnect = true
		cfg.Reconnect.Enabled = true
		cfg.Reconnect.InitialBackoff = "30ms"
		cfg.Reconnect.MaxBackoff = "240ms"
		cfg.Reconnect.MaxRetries = 0
		cfg.Reconnect.StableAfter = "100ms"
	}))
	reg.secrets = fakeSecrets{"acme": "x"}

	id, events := reg.Subscribe("acme", false)
	defer reg.Unsubscribe(id)

	if _, err := reg.Connect("acme"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Each episode stays up past the 100ms dwell, so every crash should
	// count as attempt 1 and the countdown never grows.
	seen := 0
	deadline := time.After(20 * time.Second)
	for seen < 3 {
		select {
		case ev := <-events:
			if ev.Kind == EventTransition && ev.To == StateReconnecting {
				seen++
				if ev.Attempt != 1 {
					t.Errorf("countdown %d entered with attempt %d, want 1", seen, ev.Attempt)
				}
			}
		case <-deadline:
			t.Fatalf("saw only %d countdowns before the deadline", seen)
		}
	}

	reg.Disconnect("acme")
	waitForState(t, reg, "acme", StateDisconnected, 10*time.Second)
}

func TestSAMLCallbackFlow(t *testing.T) {
	quietLogger(t)

	dir := t.TempDir()
	port := freePort(t)
	reg := NewRegistry(testConfig(t, fakevpn.CookieFlow(t, dir), func(cfg *core.Configuration, p *core.Profile) {
		p.Auth = core.AuthSAML
		p.SAMLPort = port
	}))

	launched := make(chan string, 1)
	reg.browse = func(p *core.Profile, url string) error {
		launched <- url
		return nil
	}

	if _, err := reg.Connect("acme"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForState(t, reg, "acme", StateAuthenticating, 10*time.Second)

	select {
	case url := <-launched:
		want := "https://vpn.acme.test:443/remote/saml/start?redirect=1"
		if url != want {
			t.Errorf("browser url = %q, want %q", url, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("browser was never launched")
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/?id=SVPNCOOKIE-VALUE", port))
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	snap := waitForState(t, reg, "acme", StateConnected, 10*time.Second)
	if snap.Interface != "ppp7" {
		t.Errorf("interface = %q", snap.Interface)
	}

	reg.Disconnect("acme")
	waitForState(t, reg, "acme", StateDisconnected, 10*time.Second)
}

func TestSAMLAuthTimeout(t *testing.T) {
	quietLogger(t)

	dir := t.TempDir()
	port := freePort(t)
	reg := NewRegistry(testConfig(t, fakevpn.CookieFlow(t, dir), func(cfg *core.Configuration, p *core.Profile) {
		p.Auth = core.AuthSAML
		p.SAMLPort = port
		cfg.SAML.AuthTimeout = "150ms"
	}))
	reg.browse = func(p *core.Profile, url string) error { return nil }

	if _, err := reg.Connect("acme"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	snap := waitForState(t, reg, "acme", StateDisconnected, 15*time.Second)
	if snap.ErrorClass != HandshakeTimeout.String() {
		t.Errorf("error class = %q, want %q", snap.ErrorClass, HandshakeTimeout)
	}
}

func TestShutdownStopsEverySession(t *testing.T) {
	quietLogger(t)

	dir := t.TempDir()
	client := fakevpn.Up(t, dir)
	reg := NewRegistry(testConfig(t, client, func(cfg *core.Configuration, p *core.Profile) {
		cfg.Profiles["beta"] = &core.Profile{
			Name: "beta", Host: "vpn.beta.test", Port: 443,
			Auth: core.AuthPassword, SAMLPort: 8021,
		}
	}))
	reg.secrets = fakeSecrets{"acme": "x", "beta": "y"}

	for _, name := range []string{"acme", "beta"} {
		if _, err := reg.Connect(name); err != nil {
			t.Fatalf("Connect(%s) failed: %v", name, err)
		}
		waitForState(t, reg, name, StateConnected, 10*time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	reg.Shutdown(ctx)

	for _, snap := range reg.List() {
		if !snap.State.Terminal() {
			t.Errorf("profile %s still %s after shutdown", snap.Profile, snap.State)
		}
	}

	if _, err := reg.Connect("acme"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Connect after shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestListSortedByProfile(t *testing.T) {
	quietLogger(t)

	dir := t.TempDir()
	reg := NewRegistry(testConfig(t, fakevpn.Up(t, dir), func(cfg *core.Configuration, p *core.Profile) {
		cfg.Profiles["zulu"] = &core.Profile{Name: "zulu", Host: "z.test", Port: 443, Auth: core.AuthPassword, SAMLPort: 8021}
		cfg.Profiles["bravo"] = &core.Profile{Name: "bravo", Host: "b.test", Port: 443, Auth: core.AuthPassword, SAMLPort: 8021}
	}))
	reg.secrets = fakeSecrets{"acme": "x", "zulu": "x", "bravo": "x"}

	for _, name := range []string{"zulu", "acme", "bravo"} {
		if _, err := reg.Connect(name); err != nil {
			t.Fatalf("Connect(%s) failed: %v", name, err)
		}
	}

	snaps := reg.List()
	if len(snaps) != 3 {
		t.Fatalf("List returned %d snapshots", len(snaps))
	}
	for i, want := range []string{"acme", "bravo", "zulu"} {
		if snaps[i].Profile != want {
			t.Errorf("List[%d] = %s, want %s", i, snaps[i].Profile, want)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	reg.Shutdown(ctx)
}

func TestEventSequenceIsMonotonePerSession(t *testing.T) {
	quietLogger(t)

	dir := t.TempDir()
	reg := NewRegistry(testConfig(t, fakevpn.Up(t, dir), nil))
	reg.secrets = fakeSecrets{"acme": "x"}

	if _, err := reg.Connect("acme"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForState(t, reg, "acme", StateConnected, 10*time.Second)
	reg.Disconnect("acme")
	waitForState(t, reg, "acme", StateDisconnected, 10*time.Second)

	var last uint64
	for _, ev := range reg.streamer.History("acme", 0) {
		if ev.Seq <= last {
			t.Fatalf("event seq went %d -> %d (%s)", last, ev.Seq, ev.Kind)
		}
		last = ev.Seq
	}
	if last == 0 {
		t.Fatal("no events recorded")
	}
}
