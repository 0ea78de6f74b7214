package main

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/backofhouse/opsloop/internal/db"
	"github.com/backofhouse/opsloop/internal/store"
)

type colKind int

const (
	colText colKind = iota
	colFloat
	colInt
	colBool
)

// factTable describes one importable fact table: its CSV column order,
// per-column types, and the key the upsert dedupes on. A nil conflict
// key means the table is append-only and rows go in via COPY.
type factTable struct {
	columns      []string
	kinds        []colKind
	conflictKeys []string
}

var factTables = map[string]factTable{
	"venue_day_facts": {
		columns:      []string{"org_id", "venue_id", "business_date", "net_sales", "comp_total", "comp_pct", "covers"},
		kinds:        []colKind{colText, colText, colText, colFloat, colFloat, colFloat, colInt},
		conflictKeys: []string{"org_id", "venue_id", "business_date"},
	},
	"labor_day_facts": {
		columns:      []string{"org_id", "venue_id", "business_date", "labor_hours", "labor_cost", "labor_pct", "cplh", "splh"},
		kinds:        []colKind{colText, colText, colText, colFloat, colFloat, colFloat, colFloat, colFloat},
		conflictKeys: []string{"org_id", "venue_id", "business_date"},
	},
	"invoice_variances": {
		columns: []string{"org_id", "venue_id", "business_date", "vendor", "item", "variance_pct", "is_spike"},
		kinds:   []colKind{colText, colText, colText, colText, colText, colFloat, colBool},
	},
	"inventory_balances": {
		columns:      []string{"org_id", "venue_id", "business_date", "item", "shrink_cost"},
		kinds:        []colKind{colText, colText, colText, colText, colFloat},
		conflictKeys: []string{"org_id", "venue_id", "business_date", "item"},
	},
	"items_below_reorder": {
		columns:      []string{"org_id", "venue_id", "item", "on_hand", "reorder_point"},
		kinds:        []colKind{colText, colText, colText, colFloat, colFloat},
		conflictKeys: []string{"org_id", "venue_id", "item"},
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import fact table rows from CSV",
	Long:  "Bulk-loads daily fact rows (sales, labor, invoices, inventory) that the verification metrics measure against. Keyed tables upsert so re-importing a date range refreshes rows.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("cli"); err != nil {
			return err
		}

		csvPath, _ := cmd.Flags().GetString("csv")
		tableName, _ := cmd.Flags().GetString("table")

		spec, ok := factTables[tableName]
		if !ok {
			return eris.Errorf("unknown fact table %q", tableName)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		pg, ok := st.(*store.PostgresStore)
		if !ok {
			return eris.New("import requires the postgres store driver")
		}

		f, err := os.Open(csvPath)
		if err != nil {
			return eris.Wrapf(err, "open %s", csvPath)
		}
		defer f.Close() //nolint:errcheck

		rows, err := parseFactsCSV(spec, f)
		if err != nil {
			return err
		}

		var n int64
		if spec.conflictKeys == nil {
			n, err = db.CopyFrom(ctx, pg.Pool(), tableName, spec.columns, rows)
		} else {
			n, err = db.BulkUpsert(ctx, pg.Pool(), db.UpsertConfig{
				Table:        tableName,
				Columns:      spec.columns,
				ConflictKeys: spec.conflictKeys,
			}, rows)
		}
		if err != nil {
			return eris.Wrap(err, "import facts")
		}

		zap.L().Info("import complete",
			zap.String("table", tableName),
			zap.Int64("rows", n),
			zap.String("csv", csvPath),
		)
		return nil
	},
}

// parseFactsCSV reads a headed CSV and converts each row to the typed
// values the bulk loader sends. The header must match the table's
// column list exactly; a column mismatch is a caller mistake worth
// failing loudly on, not reordering around.
func parseFactsCSV(spec factTable, r io.Reader) ([][]any, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrap(err, "read csv header")
	}
	if len(header) != len(spec.columns) {
		return nil, eris.Errorf("csv has %d columns, want %d (%s)",
			len(header), len(spec.columns), strings.Join(spec.columns, ","))
	}
	for i, col := range spec.columns {
		if strings.TrimSpace(header[i]) != col {
			return nil, eris.Errorf("csv column %d is %q, want %q", i+1, header[i], col)
		}
	}

	var rows [][]any
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "read csv line %d", line)
		}

		row := make([]any, len(record))
		for i, field := range record {
			field = strings.TrimSpace(field)
			switch spec.kinds[i] {
			case colFloat:
				v, err := strconv.ParseFloat(field, 64)
				if err != nil {
					return nil, eris.Wrapf(err, "csv line %d column %s", line, spec.columns[i])
				}
				row[i] = v
			case colInt:
				v, err := strconv.Atoi(field)
				if err != nil {
					return nil, eris.Wrapf(err, "csv line %d column %s", line, spec.columns[i])
				}
				row[i] = v
			case colBool:
				v, err := strconv.ParseBool(field)
				if err != nil {
					return nil, eris.Wrapf(err, "csv line %d column %s", line, spec.columns[i])
				}
				row[i] = v
			default:
				row[i] = field
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func init() {
	importCmd.Flags().String("csv", "", "path to CSV file (required)")
	importCmd.Flags().String("table", "venue_day_facts", "target fact table")
	_ = importCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(importCmd)
}
