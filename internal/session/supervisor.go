package session

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"go.fortid.dev/fortid/internal/forti"
)

// ExitOutcome says how the tunnel client left.
type ExitOutcome int

const (
	ExitClean ExitOutcome = iota
	ExitCrashed
	ExitKilled
)

func (o ExitOutcome) String() string {
	switch o {
	case ExitClean:
		return "clean"
	case ExitCrashed:
		return "crashed"
	case ExitKilled:
		return "killed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ExitReport is the supervisor's final word on one spawn.
type ExitReport struct {
	Outcome ExitOutcome
	Code    int
}

// supEvent is one message from the supervisor to the session actor:
// a line of client output with its parsed marker, or the exit report.
type supEvent struct {
	marker forti.Marker
	value  string
	line   string
	exit   *ExitReport
}

// interruptDelay is how long the Ctrl+C write gets before escalating to
// process-group signals.
const interruptDelay = 2 * time.Second

// supervisor runs one tunnel client spawn on a pty and reports output
// lines and the exit outcome to the owning session actor. The pty merges
// stdout and stderr, makes interactive prompts visible, and lets a
// Ctrl+C byte reach root-owned children through the terminal driver.
type supervisor struct {
	argv []string
	cmd  *exec.Cmd

	mu         sync.Mutex
	ptmx       *os.File
	ptyClosed  bool
	secretSent bool
	killed     bool

	events chan supEvent
	done   chan struct{} // closed once the child is reaped
}

func newSupervisor(argv []string) *supervisor {
	return &supervisor{
		argv:   argv,
		events: make(chan supEvent, 256),
		done:   make(chan struct{}),
	}
}

// start spawns the client on a pty and begins pumping its output. The
// events channel carries every line and ends with the exit report.
func (s *supervisor) start() error {
	if len(s.argv) == 0 {
		return fmt.Errorf("empty client command")
	}

	cmd := exec.Command(s.argv[0], s.argv[1:]...)
	cmd.Env = os.Environ()

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", s.argv[0], err)
	}

	// Keep prompt answers (passwords, SAML cookies) from echoing back
	// into the output stream. Best effort; echoed noise is tolerable.
	disableEcho(ptmx)

	s.cmd = cmd
	s.mu.Lock()
	s.ptmx = ptmx
	s.mu.Unlock()

	pumpDone := make(chan struct{})
	go func() {
		s.pump(ptmx)
		close(pumpDone)
	}()

	go func() {
		werr := cmd.Wait()

		// Signal reapers first: terminate() waiters must not depend on
		// the pump, which may still be flushing buffered output.
		close(s.done)

		s.closePty()
		<-pumpDone

		s.events <- supEvent{exit: s.exitReport(werr)}
		close(s.events)
	}()

	return nil
}

// pump reads the pty master and emits one event per line. Interactive
// prompts never send a newline, so a trailing fragment ending in ':' is
// flushed through for the parser to answer.
func (s *supervisor) pump(ptmx *os.File) {
	var pending []byte
	buf := make([]byte, 4096)

	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimRight(string(pending[:i]), "\r")
				pending = pending[i+1:]
				s.emitLine(line)
			}
			if frag := strings.TrimSpace(string(pending)); strings.HasSuffix(frag, ":") {
				s.emitLine(strings.TrimRight(string(pending), " "))
				pending = pending[:0]
			}
		}
		if err != nil {
			// EIO here is the normal Linux way of saying the child side
			// of the pty is gone.
			if rest := strings.Trim(string(pending), "\r\n"); rest != "" {
				s.emitLine(rest)
			}
			return
		}
	}
}

func (s *supervisor) emitLine(line string) {
	if line == "" {
		return
	}
	marker, value := forti.ParseLine(line)
	s.events <- supEvent{marker: marker, value: value, line: line}
}

func (s *supervisor) exitReport(werr error) *ExitReport {
	s.mu.Lock()
	killed := s.killed
	s.mu.Unlock()

	if werr == nil {
		return &ExitReport{Outcome: ExitClean}
	}

	code := 1
	var exitErr *exec.ExitError
	if errors.As(werr, &exitErr) {
		code = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return &ExitReport{Outcome: ExitKilled, Code: code}
		}
	}
	if killed {
		return &ExitReport{Outcome: ExitKilled, Code: code}
	}
	return &ExitReport{Outcome: ExitCrashed, Code: code}
}

// writeLine answers an interactive read on the client's tty, newline
// terminated. Used for SAML cookie delivery.
func (s *supervisor) writeLine(text string) error {
	return s.write([]byte(text + "\n"))
}

// writeSecretOnce answers the password prompt at most once per spawn so
// a re-prompt loop cannot burn login attempts against the gateway.
func (s *supervisor) writeSecretOnce(secret string) bool {
	s.mu.Lock()
	if s.secretSent {
		s.mu.Unlock()
		return false
	}
	s.secretSent = true
	s.mu.Unlock()

	return s.write([]byte(secret+"\n")) == nil
}

func (s *supervisor) write(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ptyClosed || s.ptmx == nil {
		return fmt.Errorf("pty closed")
	}
	_, err := s.ptmx.Write(b)
	return err
}

func (s *supervisor) closePty() {
	s.mu.Lock()
	if !s.ptyClosed && s.ptmx != nil {
		s.ptmx.Close()
		s.ptyClosed = true
	}
	s.mu.Unlock()
}

func (s *supervisor) pid() int {
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

func (s *supervisor) running() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// terminate walks the shutdown ladder: Ctrl+C through the terminal
// driver (reaches root-owned children under sudo), then SIGTERM on the
// process group, then SIGKILL. Returns once the child is reaped, or
// after killWait with an unkillable child.
func (s *supervisor) terminate(grace, killWait time.Duration) {
	if !s.running() {
		return
	}

	if err := s.write([]byte{0x03}); err == nil {
		select {
		case <-s.done:
			return
		case <-time.After(interruptDelay):
		}
	}

	s.signalGroup(unix.SIGTERM)
	select {
	case <-s.done:
		return
	case <-time.After(grace):
	}

	s.mu.Lock()
	s.killed = true
	s.mu.Unlock()

	s.signalGroup(unix.SIGKILL)
	select {
	case <-s.done:
	case <-time.After(killWait):
	}
}

// signalGroup targets the whole process group. pty.Start puts the child
// in its own session, so the group id equals the child pid.
func (s *supervisor) signalGroup(sig unix.Signal) {
	if pid := s.pid(); pid > 0 {
		unix.Kill(-pid, sig)
	}
}
