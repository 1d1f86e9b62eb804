package chunkindex

import "github.com/dedupcore/engine/pkg/fp"

// SamplingStrategy decides whether a given fingerprint should be kept in
// the persistent index at all, the pluggable trade-off spec.md §4.3
// describes between deduplication ratio and index size.
type SamplingStrategy interface {
	Name() string
	ShouldIndex(f fp.Fingerprint) bool
}

// FullSampling indexes every fingerprint; it is the SPEC_FULL.md §D
// default.
type FullSampling struct{}

func (FullSampling) Name() string                    { return "full" }
func (FullSampling) ShouldIndex(fp.Fingerprint) bool { return true }

// ModSampling keeps roughly a 1/N fraction of fingerprints, selected by
// the fingerprint's 8-byte key prefix (fp.Prefix8) so the decision is
// stable across restarts without extra state.
type ModSampling struct {
	N uint8
}

func (m ModSampling) Name() string { return "mod" }

func (m ModSampling) ShouldIndex(f fp.Fingerprint) bool {
	if m.N == 0 || len(f) == 0 {
		return true
	}
	return f.Prefix8()%uint64(m.N) == 0
}
