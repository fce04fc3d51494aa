package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/memoryapp/gamify/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoJobs, "no-jobs", false, "Do not run background jobs (expiry, flash, alerts, archive)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost   string
	servePort   int
	serveNoJobs bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gamify API server",
	Long:  `Start the HTTP API and the background jobs that expire quests, spawn flash quests and dispatch alerts.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// Override config from flags
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if serveNoJobs {
		cfg.Jobs.Enabled = false
	}

	d, err := daemon.NewWithConfig(cfg)
	if err != nil {
		return err
	}
	return d.Serve(context.Background())
}
