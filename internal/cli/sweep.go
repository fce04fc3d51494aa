package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	sweepCmd.Flags().StringVar(&sweepAt, "at", "", "Evaluate deadlines at this RFC 3339 time instead of now")
	rootCmd.AddCommand(sweepCmd)
}

var sweepAt string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue quests and archive old ones once",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	now := time.Now()
	if sweepAt != "" {
		t, err := time.Parse(time.RFC3339, sweepAt)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		now = t
	}

	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	res, err := d.Sweep(cmd.Context(), now)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "expired %d quests, archived %d\n", res.Expired, res.Archived)
	return nil
}
