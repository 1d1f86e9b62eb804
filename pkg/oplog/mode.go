package oplog

// Mode identifies which of the three replay modes is driving a consumer
// call (spec.md §4.1).
type Mode uint8

const (
	// Direct replay happens synchronously inside CommitEvent, once the
	// record is durable. Consumers may only update in-memory state.
	Direct Mode = iota
	// DirtyStart replay happens once at startup when the previous session
	// did not stop cleanly; it rebuilds in-memory state from the log.
	DirtyStart
	// Background replay is the continuous low-priority worker that drains
	// already-durable events to perform persistence work.
	Background
)

func (m Mode) String() string {
	switch m {
	case Direct:
		return "direct"
	case DirtyStart:
		return "dirty-start"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// ReplayContext accompanies every event delivered to a Consumer.
type ReplayContext struct {
	LogID uint64
	Mode  Mode
}

// Event is a single OpLog record together with its replay context.
type Event struct {
	LogID   uint64
	Type    EventType
	Payload any
	Ctx     ReplayContext
}
