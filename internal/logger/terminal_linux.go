//go:build linux

package logger

import "golang.org/x/sys/unix"

// termiosGetAttr is the ioctl request number for reading terminal
// attributes; it differs between Linux (TCGETS) and BSD/Darwin (TIOCGETA).
const termiosGetAttr = unix.TCGETS
