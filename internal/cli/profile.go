package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/memoryapp/gamify/internal/app/engagement"
	"github.com/memoryapp/gamify/internal/domain"
)

func init() {
	rootCmd.AddCommand(profileCmd)
}

var profileCmd = &cobra.Command{
	Use:   "profile <user-id>",
	Short: "Show a user's balances, streak and pity counters",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfile,
}

func runProfile(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	p, err := d.Engine.Profiles.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	lp := engagement.ProgressForXP(p.XP)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "User\t%s (version %d)\n", p.UserID, p.Version)
	fmt.Fprintf(w, "Level\t%d (%d XP, %d to next)\n", lp.Level, p.XP, lp.XPToNext)
	fmt.Fprintf(w, "Points\t%d\n", p.Points)
	fmt.Fprintf(w, "Coins\t%d\n", p.Coins)
	fmt.Fprintf(w, "Streak\t%d (longest %d)\n", p.Streak.CurrentStreak, p.Streak.LongestStreak)
	fmt.Fprintf(w, "Freeze tokens\t%d\n", p.Streak.FreezeTokens)
	fmt.Fprintf(w, "Milestones\t%v\n", p.MilestonesReached)
	for _, r := range domain.PityRarities {
		fmt.Fprintf(w, "Pity %s\t%d\n", r, p.Pity[r])
	}
	return w.Flush()
}
