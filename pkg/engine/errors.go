package engine

import (
	"fmt"

	"github.com/dedupcore/engine/pkg/fp"
)

// ErrorKind is a bit-flag error category, mirroring the teacher's
// StoreError/ErrorCode pairing (pkg/metadata/errors.go) but composed as
// flags rather than a single enum, per spec.md §7's "collects bit-flags
// (e.g., full, io) so the front-end can map to appropriate SCSI
// statuses". Multiple flags can be set on one ErrorContext — e.g. an
// IO failure discovered while already Aborted on a contested lock.
type ErrorKind uint16

const (
	// Full means no capacity for a new block id, chunk fingerprint, or
	// free container slot.
	Full ErrorKind = 1 << iota
	// IO means a file read/write or fsync failed.
	IO
	// Integrity means a container CRC mismatch, deserialization
	// failure, or an invariant-violating id/version was observed.
	Integrity
	// Aborted means a try-lock lost a contest; the caller should retry.
	Aborted
	// NotFound means a lookup found no entry. Not inherently an error.
	NotFound
	// CommitFailed means a container could not be written to disk.
	CommitFailed
	// LogFull means the OpLog is out of space.
	LogFull
	// ReplayInconsistency means dirty-start replay found a mapping
	// whose container will never commit.
	ReplayInconsistency
)

func (k ErrorKind) String() string {
	var names []string
	for flag, name := range map[ErrorKind]string{
		Full: "Full", IO: "IO", Integrity: "Integrity", Aborted: "Aborted",
		NotFound: "NotFound", CommitFailed: "CommitFailed", LogFull: "LogFull",
		ReplayInconsistency: "ReplayInconsistency",
	} {
		if k.Has(flag) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "None"
	}
	out := names[0]
	for _, n := range names[1:] {
		out += "|" + n
	}
	return out
}

// Has reports whether flag is set in k.
func (k ErrorKind) Has(flag ErrorKind) bool { return k&flag != 0 }

// ErrorContext is the typed error surfaced across the core's runtime
// path (spec.md §7): a bit-flag Kind, a human-readable Message, and
// optional key context identifying what the error was about.
type ErrorContext struct {
	Kind        ErrorKind
	Message     string
	ContainerID *uint64
	BlockID     *uint64
	Fingerprint fp.Fingerprint
}

// Error implements the error interface.
func (e *ErrorContext) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.ContainerID != nil {
		msg += fmt.Sprintf(" (container_id=%d)", *e.ContainerID)
	}
	if e.BlockID != nil {
		msg += fmt.Sprintf(" (block_id=%d)", *e.BlockID)
	}
	if len(e.Fingerprint) > 0 {
		msg += fmt.Sprintf(" (fingerprint=%s)", e.Fingerprint.String())
	}
	return msg
}

// NewBlockError builds an ErrorContext scoped to blockID.
func NewBlockError(kind ErrorKind, blockID uint64, message string) *ErrorContext {
	return &ErrorContext{Kind: kind, Message: message, BlockID: &blockID}
}

// NewContainerError builds an ErrorContext scoped to containerID.
func NewContainerError(kind ErrorKind, containerID uint64, message string) *ErrorContext {
	return &ErrorContext{Kind: kind, Message: message, ContainerID: &containerID}
}

// ErrEngineNotRunning is returned by front-end operations called before
// Start or after Stop.
var ErrEngineNotRunning = fmt.Errorf("engine: not running")
