// Package daemon hosts the session registry behind a unix socket and
// serves the line-oriented IPC protocol the fortid CLI speaks.
package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shirou/gopsutil/v3/process"

	"go.fortid.dev/fortid/internal/core"
	"go.fortid.dev/fortid/internal/db"
	"go.fortid.dev/fortid/internal/session"
)

// Daemon owns the registry, the IPC socket, the event journal, and the
// background watchers. One instance per process.
type Daemon struct {
	registry     *session.Registry
	listener     net.Listener
	logBroadcast *LogBroadcaster
	database     *db.DB
	sleepMon     *SleepMonitor

	cfgMu sync.RWMutex
	cfg   *core.Configuration

	startedAt time.Time

	ctx          context.Context
	cancelFunc   context.CancelFunc
	shutdownOnce sync.Once
}

// StatusReport is the payload behind the STATUS command.
type StatusReport struct {
	Version   string             `json:"version"`
	PID       int                `json:"pid"`
	StartedAt time.Time          `json:"started_at"`
	Sessions  []session.Snapshot `json:"sessions"`
}

// New creates a daemon around the current global configuration.
func New() *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		logBroadcast: NewLogBroadcaster(1000),
		cfg:          core.Config,
		startedAt:    time.Now(),
		ctx:          ctx,
		cancelFunc:   cancel,
	}
	d.registry = session.NewRegistry(d.config)
	return d
}

// config returns the live configuration. Handed to the registry as a
// getter so a reload is picked up by the next connect.
func (d *Daemon) config() *core.Configuration {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// Run starts the daemon and serves IPC connections until STOP or a
// shutdown signal arrives.
func (d *Daemon) Run() {
	// Setup custom logger that broadcasts to connected clients
	d.setupLogging()

	if err := core.EnsureDirectories(); err != nil {
		slog.Error(fmt.Sprintf("Fatal: Could not create state directories: %v", err))
		os.Exit(1)
	}

	// Initialize the event journal
	dbPath := core.GetDatabasePath()
	database, err := db.Open(dbPath)
	if err != nil {
		slog.Error("Failed to open event journal", "error", err, "path", dbPath)
	} else {
		d.database = database
		// Closed explicitly in shutdown() after the final events are written
		slog.Info("Event journal opened", "path", dbPath)

		version := core.FormatVersion(core.Version)
		if err := d.database.LogDaemonEvent("start", fmt.Sprintf("daemon started - version: %s, PID: %d", version, os.Getpid())); err != nil {
			slog.Error("Failed to log daemon start", "error", err)
		}
	}

	// Setup PID and socket files and ensure they are cleaned up on exit.
	socketPath := core.GetSocketPath()
	pidFilePath := core.GetPIDFilePath()

	// Try to create the socket listener
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		// Socket creation failed - this could be due to a stale socket file
		if _, statErr := os.Stat(socketPath); statErr == nil {
			// Socket file exists, try to connect to it to see if daemon is actually running
			conn, dialErr := net.Dial("unix", socketPath)
			if dialErr == nil {
				// Successfully connected, daemon is running
				conn.Close()
				slog.Error("Fatal: Daemon is already running")
				os.Exit(1)
			}
			// Connection failed, socket file is stale - remove it
			slog.Info(fmt.Sprintf("Removing stale socket file: %s", socketPath))
			if removeErr := os.Remove(socketPath); removeErr != nil {
				slog.Error(fmt.Sprintf("Fatal: Could not remove stale socket: %v", removeErr))
				os.Exit(1)
			}
			// Try to create listener again
			listener, err = net.Listen("unix", socketPath)
		}
		if err != nil {
			slog.Error(fmt.Sprintf("Fatal: Could not create socket listener: %v", err))
			os.Exit(1)
		}
	}

	os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
	defer os.Remove(pidFilePath)
	defer os.Remove(socketPath)

	d.listener = listener
	slog.Info(fmt.Sprintf("Daemon listening on %s", socketPath))

	// Kill tunnel clients left over from a previous daemon. Sessions are
	// never adopted across a restart: the resolver state, route bindings,
	// and pty that belong with a client died with the old process.
	if killed := d.sweepStaleSessions(); killed > 0 {
		slog.Info("Stale session sweep complete", "killed", killed)
	}
	if killed := d.sweepOrphanClients(); killed > 0 {
		slog.Info("Orphan client sweep complete", "killed", killed)
	}
	if err := RemoveSessionStateFile(); err != nil {
		slog.Debug("Failed to remove session state file", "error", err)
	}

	// Log where each profile left off in the previous run
	if d.database != nil {
		if last, err := d.database.GetLastSessionEventPerProfile(); err == nil {
			for _, ev := range last {
				slog.Debug("Last journaled event before this run",
					"profile", ev.Profile, "event", ev.EventType, "at", ev.Timestamp.Format(time.RFC3339))
			}
		}
	}

	// Mirror registry events into the journal and the state file
	d.journalEvents()

	// Watch config file for changes
	d.watchConfig()

	// Reset retry ladders when the system comes back from suspend, so
	// sessions dropped during sleep retry right away.
	d.sleepMon = NewSleepMonitor(slog.Default(), nil, func() {
		if n := d.registry.ResetAll(); n > 0 {
			slog.Info("Nudged reconnecting sessions after wake", "count", n)
		}
	})
	d.sleepMon.Start(d.ctx)

	// Handle signals
	shutdownChan := make(chan os.Signal, 1)
	hupChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGTERM, syscall.SIGINT)
	signal.Notify(hupChan, syscall.SIGHUP)

	// Graceful shutdown on SIGTERM/SIGINT
	go func() {
		<-shutdownChan
		slog.Info("Shutdown signal received. Closing all sessions.")
		d.shutdown()
		if d.listener != nil {
			d.listener.Close()
		}
		os.Exit(0)
	}()

	// SIGHUP reloads the configuration, same as the RELOAD command
	go func() {
		for range hupChan {
			slog.Info("SIGHUP received, reloading configuration")
			if err := d.reloadConfig(); err != nil {
				slog.Debug("Config reload failed", "error", err)
			}
		}
	}()

	// Accept loop
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			// Listener was closed during shutdown
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			slog.Error("Failed to accept connection", "error", err)
			continue
		}
		go d.handleConnection(conn)
	}
}

// handleConnection reads one command line and dispatches it. Streaming
// commands (CONNECT, RECONNECT, LOGS, ATTACH) write their own replies;
// everything else gets a single JSON response.
func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) == 0 {
		return
	}
	command, args := fields[0], fields[1:]
	slog.Debug("IPC command received", "command", command, "args", args)

	response := Response{}

	switch command {
	case "CONNECT":
		stream := NewStreamingResponse(conn)
		if len(args) < 1 {
			response.AddMessage("CONNECT requires a profile name", StatusError)
			stream.WriteFinal(response)
			return
		}
		stream.WriteFinal(d.connectStreaming(args[0], stream))
		return
	case "RECONNECT":
		stream := NewStreamingResponse(conn)
		if len(args) < 1 {
			response.AddMessage("RECONNECT requires a profile name", StatusError)
			stream.WriteFinal(response)
			return
		}
		stream.WriteFinal(d.reconnectStreaming(args[0], stream))
		return
	case "DISCONNECT":
		if len(args) > 0 {
			response = d.disconnectOne(args[0])
		} else {
			response = d.disconnectAll()
		}
	case "RESET":
		response = d.reset(args)
	case "STATUS":
		response = d.getStatus()
	case "EVENTS":
		response = d.getEvents(args)
	case "LOGS":
		lines, showHistory := parseStreamArgs(args, 0)
		d.handleLogsWithHistory(conn, showHistory, lines)
		return
	case "ATTACH":
		if len(args) < 1 {
			response.AddMessage("ATTACH requires a profile name", StatusError)
			break
		}
		lines, showHistory := parseStreamArgs(args[1:], 0)
		d.handleAttachWithHistory(conn, args[0], showHistory, lines)
		return
	case "RELOAD":
		if err := d.reloadConfig(); err != nil {
			response.AddMessage(fmt.Sprintf("Configuration not reloaded: %v", err), StatusError)
		} else {
			response.AddMessage("Configuration reloaded. Active sessions keep their current settings until reconnected.", StatusInfo)
		}
	case "STOP":
		response.AddMessage("Daemon shutting down.", StatusInfo)
		conn.Write([]byte(response.ToJSON()))
		slog.Info("Stop command received. Shutting down daemon.")
		d.shutdown()
		if d.listener != nil {
			d.listener.Close()
		}
		os.Exit(0)
	case "VERSION":
		response.AddData(map[string]interface{}{
			"version": core.Version,
			"pid":     os.Getpid(),
		})
	default:
		response.AddMessage(fmt.Sprintf("Unknown command: %s", command), StatusError)
	}

	conn.Write([]byte(response.ToJSON()))
}

// parseStreamArgs decodes the trailing "<lines> [no_history]" arguments
// of the LOGS and ATTACH commands.
func parseStreamArgs(args []string, defaultLines int) (lines int, showHistory bool) {
	lines = defaultLines
	showHistory = true
	for _, arg := range args {
		if arg == "no_history" {
			showHistory = false
			continue
		}
		if n, err := strconv.Atoi(arg); err == nil {
			lines = n
		}
	}
	return lines, showHistory
}

// connectStreaming starts a session and relays its progress to the
// client until it settles: connected, failed, or handed to the
// reconnect supervisor.
func (d *Daemon) connectStreaming(name string, stream *StreamingResponse) Response {
	response := Response{}

	// Subscribe before connecting so the first transitions are not missed
	id, events := d.registry.Subscribe(name, false)
	defer d.registry.Unsubscribe(id)

	snap, err := d.registry.Connect(name)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyActive):
			response.AddMessage(fmt.Sprintf("Session %q is already active.", name), StatusError)
		case errors.Is(err, session.ErrUnknownProfile):
			response.AddMessage(fmt.Sprintf("Unknown profile %q. Check %s.", name, core.GetConfigFilePath()), StatusError)
		case errors.Is(err, session.ErrShuttingDown):
			response.AddMessage("Daemon is shutting down.", StatusError)
		default:
			response.AddError(err)
		}
		return response
	}

	stream.WriteMessage(fmt.Sprintf("Connecting to %q (%s)...", name, snap.Gateway), StatusInfo)

	// Cap the wait a bit above the SAML callback timeout; the session
	// keeps going in the background if we give up watching.
	timeout := core.DurationOr(d.config().SAML.AuthTimeout, 5*time.Minute) + 30*time.Second
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// A lone disconnected transition means the attempt is over, but the
	// retry decision (reconnecting/failed) follows within the same beat.
	var lastDetail string
	var settle *time.Timer
	var settleC <-chan time.Time

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				response.AddMessage("Event stream closed during connect", StatusError)
				return response
			}
			switch ev.Kind {
			case session.EventWarning:
				stream.WriteMessage(ev.Detail, StatusWarn)
			case session.EventTransition:
				switch ev.To {
				case session.StateAuthenticating:
					stream.WriteMessage(fmt.Sprintf("Authenticating: %s", ev.Detail), StatusInfo)
				case session.StateConnected:
					response.AddMessage(fmt.Sprintf("Connected to %q on %s.", name, ev.Detail), StatusInfo)
					if current, err := d.registry.Status(name); err == nil {
						response.AddData(current)
					}
					return response
				case session.StateReconnecting:
					response.AddMessage(fmt.Sprintf("Session %q dropped during setup (%s); reconnecting in background.", name, lastDetail), StatusWarn)
					return response
				case session.StateFailed:
					response.AddMessage(fmt.Sprintf("Session %q failed: %s", name, firstNonEmpty(ev.Detail, lastDetail)), StatusError)
					return response
				case session.StateDisconnected:
					// Wait a beat for the retry decision before calling it over
					lastDetail = firstNonEmpty(ev.Detail, lastDetail)
					if settle == nil {
						settle = time.NewTimer(500 * time.Millisecond)
						defer settle.Stop()
						settleC = settle.C
					}
				default:
					if ev.Detail != "" {
						lastDetail = ev.Detail
						stream.WriteMessage(ev.Detail, StatusInfo)
					}
				}
			}
		case <-settleC:
			response.AddMessage(fmt.Sprintf("Session %q ended: %s", name, lastDetail), StatusError)
			return response
		case <-deadline.C:
			response.AddMessage(fmt.Sprintf("Still working on %q; follow it with `fortid attach %s`.", name, name), StatusWarn)
			return response
		case <-d.ctx.Done():
			response.AddMessage("Daemon is shutting down.", StatusError)
			return response
		}
	}
}

// reconnectStreaming tears a session down and dials it again.
func (d *Daemon) reconnectStreaming(name string, stream *StreamingResponse) Response {
	if snap, err := d.registry.Status(name); err == nil && snap.State.Active() {
		stop := d.disconnectOne(name)
		for _, m := range stop.Messages {
			stream.WriteMessage(m.Message, m.Status)
		}
		if stop.HasErrors() {
			return stop
		}
	}
	return d.connectStreaming(name, stream)
}

// disconnectOne asks a session to stop and waits for its teardown, so
// routes and DNS are already reverted when the reply goes out.
func (d *Daemon) disconnectOne(name string) Response {
	response := Response{}

	id, events := d.registry.Subscribe(name, false)
	defer d.registry.Unsubscribe(id)

	if err := d.registry.Disconnect(name); err != nil {
		switch {
		case errors.Is(err, session.ErrNotActive):
			response.AddMessage(fmt.Sprintf("No active session for %q.", name), StatusError)
		case errors.Is(err, session.ErrUnknownProfile):
			response.AddMessage(fmt.Sprintf("Unknown profile %q.", name), StatusError)
		default:
			response.AddError(err)
		}
		return response
	}

	// Teardown is bounded by the terminate ladder; 30s is comfortably
	// above SIGTERM grace plus the SIGKILL wait.
	deadline := time.After(30 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				response.AddMessage(fmt.Sprintf("Disconnected %q.", name), StatusInfo)
				return response
			}
			if ev.Kind == session.EventTransition && ev.To.Terminal() {
				response.AddMessage(fmt.Sprintf("Disconnected %q.", name), StatusInfo)
				return response
			}
		case <-deadline:
			response.AddMessage(fmt.Sprintf("Disconnect of %q is still in progress.", name), StatusWarn)
			return response
		}
	}
}

// disconnectAll stops every active session.
func (d *Daemon) disconnectAll() Response {
	response := Response{}
	stopped := 0
	for _, snap := range d.registry.List() {
		if !snap.State.Active() {
			continue
		}
		one := d.disconnectOne(snap.Profile)
		response.Messages = append(response.Messages, one.Messages...)
		if !one.HasErrors() {
			stopped++
		}
	}
	if stopped == 0 && len(response.Messages) == 0 {
		response.AddMessage("No active sessions.", StatusInfo)
	}
	return response
}

// reset zeroes retry counters for one profile or all of them.
func (d *Daemon) reset(args []string) Response {
	response := Response{}
	if len(args) > 0 {
		name := args[0]
		if err := d.registry.Reset(name); err != nil {
			response.AddMessage(fmt.Sprintf("No live session for %q to reset.", name), StatusError)
			return response
		}
		response.AddMessage(fmt.Sprintf("Reset retry counter for %q.", name), StatusInfo)
		return response
	}
	count := d.registry.ResetAll()
	response.AddMessage(fmt.Sprintf("Reset retry counters for %d session(s).", count), StatusInfo)
	return response
}

// getStatus reports the daemon and every known session.
func (d *Daemon) getStatus() Response {
	response := Response{}
	response.AddData(StatusReport{
		Version:   core.Version,
		PID:       os.Getpid(),
		StartedAt: d.startedAt,
		Sessions:  d.registry.List(),
	})
	return response
}

// getEvents reads recent journal entries. Wire format:
// EVENTS <profile|-|@daemon> <limit>
func (d *Daemon) getEvents(args []string) Response {
	response := Response{}
	if d.database == nil {
		response.AddMessage("Event journal is not available.", StatusError)
		return response
	}

	profile := ""
	limit := 50
	if len(args) > 0 && args[0] != "-" {
		profile = args[0]
	}
	if len(args) > 1 {
		if n, err := strconv.Atoi(args[1]); err == nil && n > 0 {
			limit = n
		}
	}

	// The daemon's own lifecycle (starts, stops, reloads) lives in a
	// separate table and is queried with the @daemon scope.
	if profile == "@daemon" {
		events, err := d.database.GetRecentDaemonEvents(limit)
		if err != nil {
			response.AddMessage(fmt.Sprintf("Failed to read event journal: %v", err), StatusError)
			return response
		}
		response.AddData(events)
		return response
	}

	events, err := d.database.GetRecentSessionEvents(profile, limit)
	if err != nil {
		response.AddMessage(fmt.Sprintf("Failed to read event journal: %v", err), StatusError)
		return response
	}
	response.AddData(events)
	return response
}

// journalEvents mirrors registry transitions and warnings into SQLite and
// keeps the session state file current for the next startup sweep.
func (d *Daemon) journalEvents() {
	id, events := d.registry.Subscribe("", false)
	go func() {
		defer d.registry.Unsubscribe(id)
		for {
			select {
			case <-d.ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev.Kind {
				case session.EventTransition:
					if d.database != nil {
						if err := d.database.LogSessionEvent(ev.Profile, ev.SessionID, string(ev.To), ev.Class, ev.Detail); err != nil {
							slog.Error("Failed to journal session event", "error", err)
						}
					}
					if err := d.SaveSessionState(); err != nil {
						slog.Debug("Failed to save session state", "error", err)
					}
				case session.EventWarning:
					if d.database != nil {
						if err := d.database.LogSessionEvent(ev.Profile, ev.SessionID, "warning", ev.Class, ev.Detail); err != nil {
							slog.Error("Failed to journal session warning", "error", err)
						}
					}
				}
			}
		}
	}()
}

// sweepStaleSessions kills clients recorded in the session state file.
// Each PID is validated against its remembered command line first, so a
// recycled PID is never signalled.
func (d *Daemon) sweepStaleSessions() int {
	state, err := LoadSessionState()
	if err != nil {
		slog.Warn("Session state file unreadable, skipping sweep", "error", err)
		return 0
	}
	if state == nil || len(state.Sessions) == 0 {
		return 0
	}

	clientPath := d.config().ClientPath
	killed := 0
	for _, info := range state.Sessions {
		if !ValidateClientProcess(info, clientPath) {
			continue
		}
		slog.Warn("Killing tunnel client left over from previous daemon",
			"profile", info.Profile, "pid", info.PID)
		proc, err := os.FindProcess(info.PID)
		if err != nil {
			continue
		}
		if err := gracefulTerminate(proc, 2*time.Second, fmt.Sprintf("stale-%s", info.Profile)); err != nil {
			slog.Error("Failed to kill stale client", "pid", info.PID, "error", err)
			continue
		}
		killed++
		if d.database != nil {
			d.database.LogSessionEvent(info.Profile, "", "orphan_killed", "",
				fmt.Sprintf("killed stale client PID %d from previous daemon", info.PID))
		}
	}
	return killed
}

// sweepOrphanClients scans the process table for tunnel clients pointed
// at one of our gateways that no state file remembers. Covers daemons
// that died before writing state.
func (d *Daemon) sweepOrphanClients() int {
	cfg := d.config()
	client := filepath.Base(cfg.ClientPath)
	signatures := make(map[string]string, len(cfg.Profiles))
	for name, p := range cfg.Profiles {
		signatures[p.Address()] = name
	}
	if len(signatures) == 0 {
		return 0
	}

	procs, err := process.Processes()
	if err != nil {
		slog.Warn("Failed to enumerate processes for orphan sweep", "error", err)
		return 0
	}

	tracked := make(map[int]bool)
	for _, snap := range d.registry.List() {
		if snap.PID > 0 {
			tracked[snap.PID] = true
		}
	}

	killed := 0
	for _, p := range procs {
		pid := int(p.Pid)
		if pid == os.Getpid() || tracked[pid] {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		if !strings.Contains(cmdline, client) {
			continue
		}
		profile := ""
		for sig, name := range signatures {
			if strings.Contains(cmdline, sig) {
				profile = name
				break
			}
		}
		if profile == "" {
			// Some other invocation of the client, not ours to manage
			continue
		}

		slog.Warn("Found orphan tunnel client, killing", "pid", pid, "profile", profile)
		proc, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		if err := gracefulTerminate(proc, 2*time.Second, fmt.Sprintf("orphan-pid-%d", pid)); err != nil {
			slog.Error("Failed to kill orphan client", "pid", pid, "error", err)
			continue
		}
		killed++
		if d.database != nil {
			d.database.LogSessionEvent(profile, "", "orphan_killed", "",
				fmt.Sprintf("killed orphan client PID %d", pid))
		}
	}
	return killed
}

// gracefulTerminate walks a disowned process through SIGTERM, a polled
// wait, and SIGKILL. Only used for processes we did not spawn; owned
// sessions go through the supervisor's own ladder.
func gracefulTerminate(proc *os.Process, timeout time.Duration, label string) error {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Process may have already exited
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		slog.Warn(fmt.Sprintf("Failed to send SIGTERM to %s, forcing kill", label), "error", err)
		return proc.Kill()
	}

	// Poll with Signal(0) instead of Wait(): these processes are not our
	// children, so Wait() would never return.
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	slog.Warn(fmt.Sprintf("Process %s did not exit within %v, forcing kill", label, timeout))
	if err := proc.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}

	// Verify the kill landed
	time.Sleep(100 * time.Millisecond)
	if err := proc.Signal(syscall.Signal(0)); err == nil {
		return fmt.Errorf("process %s survived SIGKILL", label)
	}
	return nil
}

// watchConfig reloads the configuration when the file changes on disk.
func (d *Daemon) watchConfig() {
	configPath := core.GetConfigFilePath()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create config file watcher", "error", err)
		return
	}

	if err := watcher.Add(configPath); err != nil {
		slog.Error("Failed to watch config file", "error", err, "path", configPath)
		watcher.Close()
		return
	}

	// Debounced reload handler
	var reloadTimer *time.Timer
	var reloadMutex sync.Mutex

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-d.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				slog.Debug("Filesystem event on config file", "event", event.Op.String(), "file", event.Name)

				// Editors that write atomically replace the file, which
				// drops it from the watch list. Re-add with retries while
				// the rename settles.
				if event.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0 {
					go func() {
						for attempt := 0; attempt < 5; attempt++ {
							if attempt > 0 {
								delay := time.Duration(10<<uint(attempt-1)) * time.Millisecond
								time.Sleep(delay)
							}
							watcher.Remove(configPath)
							if err := watcher.Add(configPath); err == nil {
								return
							} else if attempt == 4 {
								slog.Error("Failed to re-add config watch", "error", err, "path", configPath)
							}
						}
					}()
				}

				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				reloadMutex.Lock()
				// Debounce: wait 500ms after the last change before reloading
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(500*time.Millisecond, func() {
					slog.Info("Configuration file changed, reloading...", "file", event.Name)
					if err := d.reloadConfig(); err != nil {
						slog.Debug("Config reload failed", "error", err)
					}
				})
				reloadMutex.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config file watcher error", "error", err)
			}
		}
	}()

	slog.Info("Watching configuration file for changes")
}

// reloadConfig re-reads the config file. A parse failure keeps the old
// configuration. Active sessions carry their captured profile until they
// reconnect; only new connects see the new settings.
func (d *Daemon) reloadConfig() error {
	old := d.config()
	filename := core.GetConfigFilePath()

	newConfig, err := core.LoadConfig(filename)
	if err != nil {
		slog.Error("Configuration file has errors, keeping previous configuration",
			"file", filename, "error", err)
		return fmt.Errorf("config parse error: %w", err)
	}

	// Directory paths are fixed for the life of the process
	newConfig.ConfigPath = old.ConfigPath
	newConfig.StatePath = old.StatePath

	d.cfgMu.Lock()
	d.cfg = newConfig
	d.cfgMu.Unlock()
	core.Config = newConfig

	slog.Info("Configuration reloaded successfully", "profiles", len(newConfig.Profiles))
	return nil
}

// shutdown tears down every session, journals the stop, and closes the
// database. Safe to call more than once.
func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		slog.Info("Executing shutdown sequence...")

		active := d.registry.ActiveCount()

		// Actors revert routes and terminate their clients inside this window
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		d.registry.Shutdown(ctx)

		if d.cancelFunc != nil {
			d.cancelFunc()
		}

		// Every client is down; nothing for the next startup to sweep
		if err := RemoveSessionStateFile(); err != nil {
			slog.Debug("Failed to remove session state file", "error", err)
		}

		if d.database != nil {
			version := core.FormatVersion(core.Version)
			details := fmt.Sprintf("daemon stopped - version: %s, PID: %d, active sessions: %d", version, os.Getpid(), active)
			if err := d.database.LogDaemonEvent("stop", details); err != nil {
				slog.Error("Failed to log daemon stop event", "error", err)
			}
			if err := d.database.Flush(); err != nil {
				slog.Error("Failed to flush event journal during shutdown", "error", err)
			}
			if err := d.database.Close(); err != nil {
				slog.Error("Failed to close event journal during shutdown", "error", err)
			}
		}
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
