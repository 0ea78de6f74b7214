package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Post-resolution verification",
	Long:  "Commands for checking whether resolved feedback objects actually fixed the numbers they claimed to.",
}

var verifyRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one verification sweep",
	Long:  "Evaluates every resolved object whose observation window has closed, records pass/fail outcomes, and escalates failures.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("sweep"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ev := buildEvaluator(st)
		summary, err := ev.RunVerifications(ctx, time.Now().UTC())
		if err != nil {
			return eris.Wrap(err, "verify run")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

func init() {
	verifyCmd.AddCommand(verifyRunCmd)
	rootCmd.AddCommand(verifyCmd)
}
