package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"

	configFile string
	dataDir    string
)

var rootCmd = &cobra.Command{
	Use:   "dedupctl",
	Short: "Offline maintenance tools for a dedupcore storage engine",
	Long: `dedupctl operates directly on a dedupcore engine's on-disk state —
container files, chunk index, block index, and operation log — without
starting the server. Use it to verify consistency, rebuild a damaged
chunk index, or replay the operation log for diagnostics.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default: $XDG_CONFIG_HOME/dedupcore/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", ".", "data directory used to fill in defaults absent from the config file")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(restoreChunkIndexCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("dedupctl %s (commit %s)\n", Version, Commit)
		return nil
	},
}
