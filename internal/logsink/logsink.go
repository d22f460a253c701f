// Package logsink writes per-session tunnel client output to append-only,
// size-rotated log files under the state directory.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxSize rotates a session log once it reaches 1 MiB.
	DefaultMaxSize = 1 << 20
	// DefaultKeep is the number of rotated files kept per session.
	DefaultKeep = 3
)

// Sink is one session's log file. Writes are timestamped lines; when the
// file reaches maxSize it is rotated to <name>.log.1, shifting older
// rotations up and discarding the oldest beyond keep.
type Sink struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	size    int64
	maxSize int64
	keep    int
}

// Open opens (or creates) the log file for profile under dir.
func Open(dir, profile string, maxSize int64, keep int) (*Sink, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	name := strings.ReplaceAll(profile, string(os.PathSeparator), "_")
	path := filepath.Join(dir, name+".log")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Sink{
		path:    path,
		f:       f,
		size:    info.Size(),
		maxSize: maxSize,
		keep:    keep,
	}, nil
}

// WriteLine appends one timestamped line of client output.
func (s *Sink) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return fmt.Errorf("log sink is closed")
	}

	entry := fmt.Sprintf("%s %s\n", time.Now().Format(time.DateTime), line)
	n, err := s.f.WriteString(entry)
	s.size += int64(n)
	if err != nil {
		return err
	}

	if s.size >= s.maxSize {
		return s.rotate()
	}
	return nil
}

// Path returns the live log file path.
func (s *Sink) Path() string {
	return s.path
}

// Close closes the underlying file. Further writes fail.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// rotate shifts <path>.N up to <path>.N+1 and reopens a fresh file.
// Callers hold s.mu.
func (s *Sink) rotate() error {
	if err := s.f.Close(); err != nil {
		return err
	}
	s.f = nil

	// Drop the oldest, shift the rest up by one
	os.Remove(fmt.Sprintf("%s.%d", s.path, s.keep))
	for i := s.keep - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		to := fmt.Sprintf("%s.%d", s.path, i+1)
		if _, err := os.Stat(from); err == nil {
			os.Rename(from, to)
		}
	}
	if err := os.Rename(s.path, s.path+".1"); err != nil {
		return fmt.Errorf("failed to rotate session log: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen session log: %w", err)
	}
	s.f = f
	s.size = 0
	return nil
}
