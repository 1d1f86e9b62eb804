//go:build darwin || freebsd || netbsd || openbsd

package logger

import "golang.org/x/sys/unix"

// termiosGetAttr is the ioctl request number for reading terminal
// attributes on BSD-derived systems (Linux uses TCGETS instead).
const termiosGetAttr = unix.TIOCGETA
