package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dedupcore/engine/pkg/blockindex"
	"github.com/dedupcore/engine/pkg/chunkindex"
	"github.com/dedupcore/engine/pkg/config"
)

var restoreChunkIndexCmd = &cobra.Command{
	Use:   "restore-chunk-index",
	Short: "Rebuild the chunk index from committed containers and the block index",
	Long: `restore-chunk-index rebuilds a cleared or damaged persistent chunk index
(spec.md §8 S6): it walks every committed container, installing a fingerprint
-> container_id mapping for each non-deleted item, then walks the block index
to recompute each fingerprint's usage count from its live block-mapping
references.

Run this only against a chunk index you have already cleared — existing
entries are overwritten, not merged.`,
	RunE: runRestoreChunkIndex,
}

func runRestoreChunkIndex(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(configFile, dataDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	comp, err := openComponents(cfg)
	if err != nil {
		return err
	}
	defer comp.Close()

	restored := 0
	if err := comp.storage.ForEachContainerID(func(id uint64) error {
		c, err := comp.storage.ReadContainerWithCache(ctx, id)
		if err != nil {
			cmd.Printf("skipping container %d: %v\n", id, err)
			return nil
		}
		for _, item := range c.Items() {
			if item.IsDeleted {
				continue
			}
			if err := comp.chunks.PutOverwrite(chunkindex.Mapping{
				Fingerprint: item.Key,
				ContainerID: id,
			}); err != nil {
				return fmt.Errorf("restore container %d fingerprint %s: %w", id, item.Key.String(), err)
			}
			restored++
		}
		return nil
	}); err != nil {
		return fmt.Errorf("walk containers: %w", err)
	}

	if err := comp.chunks.FlushDirty(ctx); err != nil {
		return fmt.Errorf("flush restored fingerprint mappings: %w", err)
	}

	usage := make(map[string]int32)
	if err := comp.blocks.ForEach(func(m blockindex.Mapping) error {
		for _, item := range m.Items {
			if item.DataAddress == blockindex.SentinelContainerID {
				continue
			}
			usage[item.Fingerprint.String()]++
		}
		return nil
	}); err != nil {
		return fmt.Errorf("walk block index: %w", err)
	}

	reusagedCount := 0
	if err := comp.chunks.ForEach(func(m chunkindex.Mapping) error {
		count := usage[m.Fingerprint.String()]
		if count == m.UsageCount {
			return nil
		}
		m.UsageCount = count
		reusagedCount++
		return comp.chunks.PutOverwrite(m)
	}); err != nil {
		return fmt.Errorf("recompute usage counts: %w", err)
	}

	if err := comp.chunks.FlushDirty(ctx); err != nil {
		return fmt.Errorf("flush restored chunk index: %w", err)
	}

	cmd.Printf("restored %d fingerprint mapping(s), recomputed usage for %d entries\n", restored, reusagedCount)
	return nil
}
