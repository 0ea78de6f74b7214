package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/backofhouse/opsloop/internal/model"
	"github.com/backofhouse/opsloop/internal/store"
)

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Write and inspect the signal ledger",
	Long:  "Commands for appending detector signals and querying the immutable signal ledger.",
}

// -- signal write --

var signalWriteCmd = &cobra.Command{
	Use:   "write",
	Short: "Append signals to the ledger",
	Long:  "Writes a single signal from flags, or a batch from a JSON file containing an array of signals. Duplicate detections of the same fact are swallowed.",
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

		jsonPath, _ := cmd.Flags().GetString("json")
		if jsonPath != "" {
			return writeSignalBatch(cmd, st, jsonPath)
		}

		in, err := signalInputFromFlags(cmd)
		if err != nil {
			return err
		}

		sig, err := st.WriteSignal(ctx, in)
		if err != nil {
			return eris.Wrap(err, "signal write")
		}
		if sig == nil {
			fmt.Fprintln(os.Stderr, "Duplicate signal; ledger unchanged.")
			return nil
		}

		zap.L().Info("signal written",
			zap.String("id", sig.ID),
			zap.String("signal_type", sig.SignalType),
			zap.String("dedupe_key", sig.DedupeKey),
		)
		fmt.Println(sig.ID)
		return nil
	},
}

func writeSignalBatch(cmd *cobra.Command, st store.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "read signal batch %s", path)
	}

	var inputs []model.SignalInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return eris.Wrap(err, "parse signal batch")
	}

	created, err := st.WriteSignals(cmd.Context(), inputs)
	if err != nil {
		return eris.Wrap(err, "signal write batch")
	}

	zap.L().Info("signal batch written",
		zap.Int("submitted", len(inputs)),
		zap.Int("created", len(created)),
		zap.Int("duplicates", len(inputs)-len(created)),
	)
	return nil
}

func signalInputFromFlags(cmd *cobra.Command) (model.SignalInput, error) {
	flags := cmd.Flags()

	org, _ := flags.GetString("org")
	venue, _ := flags.GetString("venue")
	date, _ := flags.GetString("date")
	domain, _ := flags.GetString("domain")
	sigType, _ := flags.GetString("type")
	source, _ := flags.GetString("source")
	severity, _ := flags.GetString("severity")
	impact, _ := flags.GetFloat64("impact")
	unit, _ := flags.GetString("unit")
	entityType, _ := flags.GetString("entity-type")
	entityID, _ := flags.GetString("entity-id")
	payloadJSON, _ := flags.GetString("payload")

	in := model.SignalInput{
		OrgID:        org,
		VenueID:      venue,
		BusinessDate: date,
		Domain:       model.Domain(domain),
		SignalType:   sigType,
		Source:       model.Source(source),
		Severity:     model.Severity(severity),
		ImpactValue:  impact,
		ImpactUnit:   unit,
		EntityType:   entityType,
		EntityID:     entityID,
	}
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &in.Payload); err != nil {
			return in, eris.Wrap(err, "parse --payload")
		}
	}
	return in, nil
}

// -- signal list --

var signalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List signals in the ledger",
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

		flags := cmd.Flags()
		org, _ := flags.GetString("org")
		venue, _ := flags.GetString("venue")
		date, _ := flags.GetString("date")
		from, _ := flags.GetString("from")
		to, _ := flags.GetString("to")
		domain, _ := flags.GetString("domain")
		sigType, _ := flags.GetString("type")
		severity, _ := flags.GetString("severity")
		limit, _ := flags.GetInt("limit")

		signals, err := st.ListSignals(ctx, store.SignalFilter{
			OrgID:        org,
			VenueID:      venue,
			BusinessDate: date,
			DateFrom:     from,
			DateTo:       to,
			Domain:       model.Domain(domain),
			SignalType:   sigType,
			Severity:     model.Severity(severity),
			Limit:        limit,
		})
		if err != nil {
			return eris.Wrap(err, "signal list")
		}

		if len(signals) == 0 {
			fmt.Fprintln(os.Stderr, "No signals found.")
			return nil
		}

		formatSignalList(os.Stdout, signals)
		return nil
	},
}

func formatSignalList(out io.Writer, signals []model.Signal) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tVENUE\tDATE\tDOMAIN\tTYPE\tSEVERITY\tIMPACT")
	_, _ = fmt.Fprintln(w, "--\t-----\t----\t------\t----\t--------\t------")

	for _, s := range signals {
		impact := ""
		if s.ImpactValue != 0 {
			impact = fmt.Sprintf("%.2f %s", s.ImpactValue, s.ImpactUnit)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(s.ID),
			s.VenueID,
			s.BusinessDate,
			s.Domain,
			s.SignalType,
			s.Severity,
			impact,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	signalWriteCmd.Flags().String("json", "", "path to a JSON file with an array of signals (batch mode)")
	signalWriteCmd.Flags().String("org", "", "org ID")
	signalWriteCmd.Flags().String("venue", "", "venue ID")
	signalWriteCmd.Flags().String("date", "", "business date (YYYY-MM-DD)")
	signalWriteCmd.Flags().String("domain", "", "domain (revenue, labor, procurement, service, compliance)")
	signalWriteCmd.Flags().String("type", "", "signal type (e.g. comp_unapproved_reason)")
	signalWriteCmd.Flags().String("source", "rule", "detector source (rule, model, ai)")
	signalWriteCmd.Flags().String("severity", "warning", "severity (info, warning, critical)")
	signalWriteCmd.Flags().Float64("impact", 0, "impact value")
	signalWriteCmd.Flags().String("unit", "", "impact unit (e.g. usd, pct)")
	signalWriteCmd.Flags().String("entity-type", "", "entity type (e.g. check, vendor, item)")
	signalWriteCmd.Flags().String("entity-id", "", "entity ID")
	signalWriteCmd.Flags().String("payload", "", "payload as a JSON object")

	signalListCmd.Flags().String("org", "", "filter by org ID")
	signalListCmd.Flags().String("venue", "", "filter by venue ID")
	signalListCmd.Flags().String("date", "", "filter by business date")
	signalListCmd.Flags().String("from", "", "filter by business date range start")
	signalListCmd.Flags().String("to", "", "filter by business date range end")
	signalListCmd.Flags().String("domain", "", "filter by domain")
	signalListCmd.Flags().String("type", "", "filter by signal type")
	signalListCmd.Flags().String("severity", "", "filter by severity")
	signalListCmd.Flags().Int("limit", 50, "max number of signals to display")

	signalCmd.AddCommand(signalWriteCmd)
	signalCmd.AddCommand(signalListCmd)
	rootCmd.AddCommand(signalCmd)
}
