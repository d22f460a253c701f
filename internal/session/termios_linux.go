//go:build linux

package session

import (
	"os"

	"golang.org/x/sys/unix"
)

// disableEcho clears ECHO on the pty so prompt answers written to the
// master do not bounce back into the output stream. ISIG stays set; the
// Ctrl+C escalation path depends on it.
func disableEcho(f *os.File) error {
	t, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	if err != nil {
		return err
	}
	t.Lflag &^= unix.ECHO
	return unix.IoctlSetTermios(int(f.Fd()), unix.TCSETS, t)
}
