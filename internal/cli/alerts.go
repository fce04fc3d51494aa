package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/memoryapp/gamify/internal/daemon"
	"github.com/memoryapp/gamify/internal/domain"
	"github.com/memoryapp/gamify/internal/infra/alertbus"
)

func init() {
	alertsCmd.AddCommand(alertsWatchCmd)
	rootCmd.AddCommand(alertsCmd)
}

var alertsCmd = &cobra.Command{
	Use:   "alerts <user-id>",
	Short: "List a user's active alerts",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlerts,
}

var alertsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print alerts as the daemon publishes them (needs alerts.redis_addr)",
	Args:  cobra.NoArgs,
	RunE:  runAlertsWatch,
}

func runAlerts(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	list, err := d.Engine.Alerts.ActiveAlerts(cmd.Context(), args[0], time.Now())
	if err != nil {
		return err
	}
	alerts := list.Alerts
	if len(alerts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No active alerts.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PRIORITY\tTYPE\tDEADLINE\tTITLE")
	for _, a := range alerts {
		deadline := "-"
		if !a.Deadline.IsZero() {
			deadline = a.Deadline.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", a.Priority, a.Type, deadline, a.Title)
	}
	return w.Flush()
}

func runAlertsWatch(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Alerts.RedisAddr == "" {
		return errors.New("alerts.redis_addr is not configured; alerts are only logged by the daemon")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	bus := alertbus.NewRedisPublisher(cfg.Alerts.RedisAddr, cfg.Alerts.Channel, 0)
	defer bus.Close()
	if err := bus.Ping(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Alerts.RedisAddr, err)
	}

	sub := bus.Subscribe(ctx)
	defer sub.Close()
	fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s on %s (Ctrl+C to stop)\n", cfg.Alerts.Channel, cfg.Alerts.RedisAddr)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var a domain.Alert
			if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipping malformed alert: %v\n", err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-16s %-10s %s\n",
				time.Now().Format("15:04:05"), a.Type, a.UserID, a.Title)
		}
	}
}
