// Package cli implements the gamify command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memoryapp/gamify/internal/daemon"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gamify",
	Short: "Streaks, spins and quests for engagement",
	Long: `gamify runs the engagement engine: daily streaks with freeze tokens,
reward spins with pity guarantees, and daily, weekly and flash quests.

Configuration is read from $GAMIFY_HOME/config.toml (default ~/.gamify),
a .env file in the working directory, and GAMIFY_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.toml (default $GAMIFY_HOME/config.toml)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openDaemon wires a daemon for one-shot commands. Background jobs are
// never started outside serve.
func openDaemon() (*daemon.Daemon, error) {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Jobs.Enabled = false
	return daemon.NewWithConfig(cfg)
}
