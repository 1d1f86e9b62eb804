// Package chunkindex implements the Chunk Index component of spec.md
// §4.3: a write-back cache over a persistent fingerprint -> container
// mapping, with pinning discipline tying a fingerprint's visibility to
// its container's commit state, a container tracker for lazy unpinning,
// and a pluggable sampling strategy.
package chunkindex

import "github.com/dedupcore/engine/pkg/fp"

// Mapping is the Chunk Mapping entity from spec.md §3: a fingerprint,
// the container id holding its payload, and a saturating usage count
// used by GC to find dead chunks.
type Mapping struct {
	Fingerprint fp.Fingerprint
	ContainerID uint64
	UsageCount  int32

	// UsageCountChangeLogID is the OpLog id of the last event that
	// changed UsageCount (spec.md §3, "usage_count_change_log_id"). It
	// guards ApplyUsageDelta against double-application when the same
	// BlockMappingWritten/Deleted event is replayed more than once.
	UsageCountChangeLogID uint64
}

// MaxUsageCount is the saturation ceiling for Mapping.UsageCount (Open
// Question decision in SPEC_FULL.md §D: overflow saturates rather than
// wraps).
const MaxUsageCount = int32(1<<31 - 1)

// IncrementUsage bumps the usage count, saturating at MaxUsageCount.
func (m *Mapping) IncrementUsage() {
	if m.UsageCount < MaxUsageCount {
		m.UsageCount++
	}
}

// DecrementUsage lowers the usage count, floored at zero.
func (m *Mapping) DecrementUsage() {
	if m.UsageCount > 0 {
		m.UsageCount--
	}
}

// ApplyUsageDelta applies a +1/-1 usage change attributed to logID,
// skipping it (and returning false) if logID has already been applied
// (logID == 0 bypasses the guard, for callers with no event context).
func (m *Mapping) ApplyUsageDelta(delta int32, logID uint64) bool {
	if logID != 0 && logID <= m.UsageCountChangeLogID {
		return false
	}
	switch {
	case delta > 0:
		m.IncrementUsage()
	case delta < 0:
		m.DecrementUsage()
	}
	if logID != 0 {
		m.UsageCountChangeLogID = logID
	}
	return true
}
