package daemon

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"time"

	"go.fortid.dev/fortid/internal/core"
)

// SendCommand connects to the daemon, sends a command, and returns the response.
func SendCommand(command string) (Response, error) {
	response := Response{}

	conn, err := net.Dial("unix", core.GetSocketPath())
	if err != nil {
		return response, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return response, fmt.Errorf("failed to send command to daemon: %w", err)
	}
	bytes, err := io.ReadAll(conn)
	if err != nil {
		return response, fmt.Errorf("failed to read response from daemon: %w", err)
	}

	if err := json.Unmarshal(bytes, &response); err != nil {
		return response, fmt.Errorf("failed to parse response from daemon: %w", err)
	}

	return response, nil
}

// SendStreamingCommand sends a command whose reply is a stream of
// progress frames followed by a final response. onProgress is called for
// each progress message as it arrives.
func SendStreamingCommand(command string, onProgress func(message, status string)) (Response, error) {
	response := Response{}

	conn, err := net.Dial("unix", core.GetSocketPath())
	if err != nil {
		return response, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return response, fmt.Errorf("failed to send command to daemon: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var frame streamFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			return response, fmt.Errorf("failed to parse response from daemon: %w", err)
		}
		if frame.Progress != nil && onProgress != nil {
			onProgress(frame.Progress.Message, frame.Progress.Status)
		}
		if frame.Final != nil {
			return *frame.Final, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return response, fmt.Errorf("failed to read response from daemon: %w", err)
	}
	return response, fmt.Errorf("daemon closed the stream without a final response")
}

// StartDaemon forks the daemon as a detached child of the current binary.
// The returned Cmd lets callers notice an immediate crash while waiting
// for the socket.
func StartDaemon() (*exec.Cmd, error) {
	cmd := exec.Command(os.Args[0], "internal-daemon-start")
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not fork daemon process: %w", err)
	}
	// Reap the child when it eventually exits so it never lingers as a zombie
	go cmd.Wait()
	return cmd, nil
}

// WaitForDaemon polls until the daemon answers a STATUS command. cmd may
// be nil when the caller did not fork the daemon itself.
func WaitForDaemon(cmd *exec.Cmd) error {
	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		if _, err := SendCommand("STATUS"); err == nil {
			return nil
		}
		if cmd != nil && cmd.ProcessState != nil {
			return fmt.Errorf("daemon exited during startup: %s", cmd.ProcessState)
		}
	}
	return fmt.Errorf("daemon did not answer on %s within 2s", core.GetSocketPath())
}

// WaitForDaemonStop polls until the daemon socket stops answering.
func WaitForDaemonStop() error {
	for i := 0; i < 50; i++ {
		conn, err := net.Dial("unix", core.GetSocketPath())
		if err != nil {
			return nil
		}
		conn.Close()
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon still answering after 5s")
}

// EnsureDaemonIsRunning handles the auto-start logic.
func EnsureDaemonIsRunning() {
	if _, err := SendCommand("STATUS"); err == nil {
		return // Daemon is running
	}

	slog.Info("Daemon not running. Starting it now...")
	cmd, err := StartDaemon()
	if err != nil {
		slog.Error(fmt.Sprintf("Fatal: %v", err))
		os.Exit(1)
	}
	slog.Debug(fmt.Sprintf("Daemon process launched with PID: %d", cmd.Process.Pid))

	if err := WaitForDaemon(cmd); err != nil {
		slog.Error(fmt.Sprintf("Fatal: %v", err))
		os.Exit(1)
	}
}

// CheckVersionMismatch warns when the client binary and the running daemon
// were built from different versions. Best effort; a daemon that is not
// running is not a mismatch.
func CheckVersionMismatch() {
	response, err := SendCommand("VERSION")
	if err != nil || response.Data == nil {
		return
	}
	dataMap, ok := response.Data.(map[string]interface{})
	if !ok {
		return
	}
	daemonVersion, ok := dataMap["version"].(string)
	if !ok || daemonVersion == core.Version {
		return
	}
	slog.Warn(fmt.Sprintf("Version mismatch! Client %s and daemon %s versions differ. Consider `fortid restart`.",
		core.FormatVersion(core.Version), core.FormatVersion(daemonVersion)))
}
