//go:build !windows

package logger

import "golang.org/x/sys/unix"

// isTerminal reports whether fd refers to a terminal, used to decide
// whether the text handler should emit ANSI color codes.
func isTerminal(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), termiosGetAttr)
	return err == nil
}
