package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/memoryapp/gamify/internal/daemon"
	"github.com/memoryapp/gamify/internal/domain"
	"github.com/memoryapp/gamify/internal/rules"
)

func init() {
	rulesCmd.Flags().BoolVar(&rulesYAML, "yaml", false, "Print the full catalog as YAML")
	rulesCmd.AddCommand(rulesCheckCmd)
	rootCmd.AddCommand(rulesCmd)
}

var rulesYAML bool

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Show the active rules catalog",
	Long:  `Show the rules catalog the engine runs with: engine.rules_file from config, or the embedded default.`,
	Args:  cobra.NoArgs,
	RunE:  runRules,
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a rules file without starting anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := rules.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (version %s, %d templates)\n", args[0], r.Version, len(r.Quests.Templates))
		return nil
	},
}

func runRules(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}
	r, err := rules.Default()
	if cfg.Engine.RulesFile != "" {
		r, err = rules.Load(cfg.Engine.RulesFile)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if rulesYAML {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(r)
	}
	return printRules(out, r)
}

func printRules(out io.Writer, r *rules.Rules) error {
	fmt.Fprintf(out, "Rules version %s, daily cutover %d min after 00:00 UTC, %d starting freeze tokens\n\n",
		r.Version, r.CutoverMinutes, r.StartingFreezeTokens)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RARITY\tPROBABILITY\tPITY THRESHOLD")
	for _, rarity := range domain.Rarities {
		threshold := "-"
		if n, ok := r.Spin.PityThresholds[rarity]; ok {
			threshold = fmt.Sprint(n)
		}
		fmt.Fprintf(w, "%s\t%.2f%%\t%s\n", rarity, r.Spin.Probabilities[rarity]*100, threshold)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MILESTONE\tREWARDS")
	ms := append([]rules.Milestone(nil), r.Milestones...)
	sort.Slice(ms, func(i, j int) bool { return ms[i].Days < ms[j].Days })
	for _, m := range ms {
		fmt.Fprintf(w, "%d days\t%s\n", m.Days, formatGrants(m.Rewards))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%d quest templates, %d daily and %d weekly per period, flash chance %.0f%%\n",
		len(r.Quests.Templates), r.Quests.DailyCount, r.Quests.WeeklyCount, r.Quests.Flash.Chance*100)
	return nil
}

func formatGrants(grants []domain.Grant) string {
	s := ""
	for i, g := range grants {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%d %s", g.Value, g.Type)
	}
	return s
}
