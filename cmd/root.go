package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/backofhouse/opsloop/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "opsloop",
	Short: "Operational feedback loop for restaurant groups",
	Long:  "Collects operational anomaly signals, turns them into owned feedback objects, verifies that resolutions actually held, and escalates the ones that did not.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
