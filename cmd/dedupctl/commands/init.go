package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dedupcore/engine/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	Long: `init writes a configuration file populated with engine defaults for the
given --data-dir, so it can be edited in place rather than built up from
scratch. By default the file is written to $XDG_CONFIG_HOME/dedupcore/config.yaml;
use --config to choose a different path.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configFile
	if path == "" {
		path = config.DefaultConfigPath()
	}

	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	cfg, err := config.Load("", dataDir)
	if err != nil {
		return fmt.Errorf("build default config: %w", err)
	}

	if err := config.Save(cfg, path); err != nil {
		return err
	}

	cmd.Printf("configuration written to %s\n", path)
	return nil
}
