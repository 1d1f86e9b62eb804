package logger

import "context"

// contextKey is a private type for context keys to avoid collisions.
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds request-scoped logging fields threaded through the
// container storage, chunk index, and block index so every log line from a
// single replay or client request can be correlated.
type LogContext struct {
	LogID       uint64 // OpLog event id driving the current call, if any
	ReplayMode  string // "direct", "dirty-start", "background", or "" outside replay
	ContainerID uint64
	BlockID     uint64
}

// WithContext returns a new context carrying lc.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from ctx, or nil if absent.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// Clone returns a copy of lc.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithReplay returns a copy of lc with the replay mode and log id set.
func (lc *LogContext) WithReplay(mode string, logID uint64) *LogContext {
	clone := lc.Clone()
	if clone == nil {
		clone = &LogContext{}
	}
	clone.ReplayMode = mode
	clone.LogID = logID
	return clone
}
