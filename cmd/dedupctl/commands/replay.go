package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dedupcore/engine/pkg/config"
	"github.com/dedupcore/engine/pkg/replay"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Drive a DirtyStart replay pass without starting the server",
	Long: `replay runs the same startup recovery pass pkg/engine performs on an
unclean shutdown (spec.md §4.5), replaying every operation-log record into
the container storage, chunk index, and block index, then marks container
ids the pass left open as will-never-commit and prints "replay complete". Use it to diagnose a store that failed to start
cleanly, or to confirm a backup is internally consistent.`,
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
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

	coordinator := replay.New(comp.ol, cfg.BackgroundReplayInterval)
	if err := coordinator.RunDirtyStart(ctx); err != nil {
		return fmt.Errorf("dirty-start replay: %w", err)
	}

	comp.storage.MarkUnresolvedAsWillNeverCommit(comp.storage.OpenContainerIDs())

	cmd.Println("replay complete")
	return nil
}
