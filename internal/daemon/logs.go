package daemon

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"

	"go.fortid.dev/fortid/internal/session"
)

// LogBroadcaster manages streaming daemon logs to multiple clients
type LogBroadcaster struct {
	clients map[chan string]bool
	history []string // Ring buffer for recent messages
	maxHist int      // Maximum history size
	mu      sync.RWMutex
}

// NewLogBroadcaster creates a new log broadcaster with the specified history size
func NewLogBroadcaster(historySize int) *LogBroadcaster {
	if historySize <= 0 {
		historySize = 1000 // default
	}
	return &LogBroadcaster{
		clients: make(map[chan string]bool),
		history: make([]string, 0, historySize),
		maxHist: historySize,
	}
}

// Subscribe adds a new client to receive log broadcasts
func (lb *LogBroadcaster) Subscribe() chan string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ch := make(chan string, 100) // Buffer to prevent blocking
	lb.clients[ch] = true
	return ch
}

// SubscribeWithHistory adds a new client and returns recent history
// The history slice is returned separately to avoid blocking the channel
func (lb *LogBroadcaster) SubscribeWithHistory(historyLines int) (chan string, []string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ch := make(chan string, 100) // Buffer to prevent blocking
	lb.clients[ch] = true

	// Return the last N lines from history
	var history []string
	if historyLines > 0 && len(lb.history) > 0 {
		start := len(lb.history) - historyLines
		if start < 0 {
			start = 0
		}
		history = make([]string, len(lb.history)-start)
		copy(history, lb.history[start:])
	}

	return ch, history
}

// Unsubscribe removes a client from receiving broadcasts
func (lb *LogBroadcaster) Unsubscribe(ch chan string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	delete(lb.clients, ch)
	close(ch)
}

// Broadcast sends a log message to all subscribed clients
func (lb *LogBroadcaster) Broadcast(message string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	// Add to history buffer
	if len(lb.history) >= lb.maxHist {
		// Remove oldest entry
		lb.history = lb.history[1:]
	}
	lb.history = append(lb.history, message)

	// Broadcast to all clients
	for ch := range lb.clients {
		select {
		case ch <- message:
		default:
			// Channel buffer full, skip this client to prevent blocking
		}
	}
}

// LogWriter is an io.Writer that broadcasts log messages
type LogWriter struct {
	broadcaster *LogBroadcaster
}

func (lw *LogWriter) Write(p []byte) (n int, err error) {
	message := string(p)
	lw.broadcaster.Broadcast(message)
	return len(p), nil
}

// parseLogLevel maps a config log level string to a slog level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogging configures the daemon's logger to write to stderr and to
// broadcast to connected log clients.
func (d *Daemon) setupLogging() {
	logWriter := &LogWriter{broadcaster: d.logBroadcast}
	multiWriter := io.MultiWriter(os.Stderr, logWriter)

	handler := tint.NewHandler(multiWriter, &tint.Options{
		Level:      parseLogLevel(d.config().LogLevel),
		TimeFormat: time.DateTime,
	})

	slog.SetDefault(slog.New(handler))
}

// handleLogsWithHistory streams daemon logs to the client until they
// disconnect.
func (d *Daemon) handleLogsWithHistory(conn net.Conn, showHistory bool, historyLines int) {
	defer conn.Close()

	var logChan chan string
	var history []string
	if showHistory {
		logChan, history = d.logBroadcast.SubscribeWithHistory(historyLines)
	} else {
		logChan = d.logBroadcast.Subscribe()
	}
	defer d.logBroadcast.Unsubscribe(logChan)

	initialMsg := "Connected to fortid daemon logs. Press Ctrl+C to exit.\n"
	if _, err := conn.Write([]byte(initialMsg)); err != nil {
		slog.Warn(fmt.Sprintf("Failed to send initial message to logs client: %v", err))
		return
	}

	// Send history first
	for _, msg := range history {
		if _, err := conn.Write([]byte(msg)); err != nil {
			return
		}
	}

	done := make(chan bool)
	go func() {
		reader := bufio.NewReader(conn)
		io.Copy(io.Discard, reader)
		done <- true
	}()

	for {
		select {
		case logMsg, ok := <-logChan:
			if !ok {
				return
			}
			if _, err := conn.Write([]byte(logMsg)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// handleAttachWithHistory streams one session's event feed (transitions,
// client output, retry countdowns) to the client until they disconnect.
func (d *Daemon) handleAttachWithHistory(conn net.Conn, profile string, showHistory bool, historyLines int) {
	defer conn.Close()

	if !showHistory {
		historyLines = 0
	}
	id, events := d.registry.SubscribeWithHistory(profile, historyLines)
	defer d.registry.Unsubscribe(id)

	initialMsg := fmt.Sprintf("Attached to session %q. Press Ctrl+C to detach.\n\n", profile)
	if _, err := conn.Write([]byte(initialMsg)); err != nil {
		return
	}

	// Detect when client disconnects
	done := make(chan bool)
	go func() {
		reader := bufio.NewReader(conn)
		io.Copy(io.Discard, reader)
		done <- true
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := conn.Write([]byte(renderAttachEvent(ev))); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// renderAttachEvent formats one session event as a line for the attach
// stream. Raw client output keeps its own text; everything else goes
// through the event's string form.
func renderAttachEvent(ev session.Event) string {
	if ev.Kind == session.EventLogLine {
		return fmt.Sprintf("%s | %s\n", ev.Timestamp.Format("15:04:05"), ev.Detail)
	}
	return ev.String() + "\n"
}
