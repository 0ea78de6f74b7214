package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/backofhouse/opsloop/internal/monitoring"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Loop-health monitoring",
}

var monitorCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Collect a loop-health snapshot and fire threshold alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("cli"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		org, _ := cmd.Flags().GetString("org")

		collector := monitoring.NewCollector(st)
		snap, err := collector.Collect(ctx, org, cfg.Monitoring.LookbackHours)
		if err != nil {
			return eris.Wrap(err, "monitor check")
		}

		alerter := monitoring.NewAlerter(cfg.Monitoring)
		alerts := alerter.Evaluate(snap)
		sent := alerter.SendAlerts(ctx, alerts)

		zap.L().Info("monitor check complete",
			zap.Int("alerts_triggered", len(alerts)),
			zap.Int("alerts_sent", sent),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func init() {
	monitorCheckCmd.Flags().String("org", "", "restrict the snapshot to one org (default: all)")
	monitorCmd.AddCommand(monitorCheckCmd)
	rootCmd.AddCommand(monitorCmd)
}
