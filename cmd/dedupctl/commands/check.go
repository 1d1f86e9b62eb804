package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dedupcore/engine/pkg/blockindex"
	"github.com/dedupcore/engine/pkg/chunkindex"
	"github.com/dedupcore/engine/pkg/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the chunk-usage-count identity between the block index and chunk index",
	Long: `check walks the persistent block index, tallying how many times each
fingerprint is referenced across every stored block mapping, then compares
each tally against the UsageCount recorded for that fingerprint in the
persistent chunk index (spec.md §8, property 4: usage-count identity).

Mismatches are reported; check does not modify any state.`,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, dataDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	comp, err := openComponents(cfg)
	if err != nil {
		return err
	}
	defer comp.Close()

	expected := make(map[string]int32)
	blockCount := 0
	if err := comp.blocks.ForEach(func(m blockindex.Mapping) error {
		blockCount++
		for _, item := range m.Items {
			if item.DataAddress == blockindex.SentinelContainerID {
				continue
			}
			expected[item.Fingerprint.String()]++
		}
		return nil
	}); err != nil {
		return fmt.Errorf("walk block index: %w", err)
	}

	seen := make(map[string]bool, len(expected))
	mismatches := 0
	chunkCount := 0
	if err := comp.chunks.ForEach(func(m chunkindex.Mapping) error {
		chunkCount++
		key := m.Fingerprint.String()
		seen[key] = true
		want := expected[key]
		if m.UsageCount != want {
			mismatches++
			cmd.Printf("usage-count mismatch: fingerprint=%s recorded=%d expected=%d\n", key, m.UsageCount, want)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("walk chunk index: %w", err)
	}

	for key, want := range expected {
		if !seen[key] {
			mismatches++
			cmd.Printf("block index references fingerprint %s with no chunk-index entry (expected usage %d)\n", key, want)
		}
	}

	cmd.Printf("checked %d block mappings, %d chunk-index entries, %d mismatch(es)\n", blockCount, chunkCount, mismatches)
	if mismatches > 0 {
		return fmt.Errorf("check: %d usage-count mismatch(es) found", mismatches)
	}
	return nil
}
