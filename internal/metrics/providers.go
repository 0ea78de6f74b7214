package metrics

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/backofhouse/opsloop/internal/db"
	"github.com/backofhouse/opsloop/internal/model"
)

// Standard metric names referenced by verification specs.
const (
	MetricDailyCompPct      = "daily_comp_pct"
	MetricUnapprovedComps   = "unapproved_comp_count"
	MetricLaborPct          = "labor_pct"
	MetricCPLH              = "cplh"
	MetricSPLH              = "splh"
	MetricCostSpikeCount    = "cost_spike_count"
	MetricShrinkCostTotal   = "shrink_cost_total"
	MetricParViolationCount = "par_violation_count"
)

// NewStandardRegistry registers every built-in provider against the
// given pool.
func NewStandardRegistry(pool db.Pool) *Registry {
	r := NewRegistry()
	r.Register(&factAverageProvider{pool: pool, name: MetricDailyCompPct, table: "venue_day_facts", column: "comp_pct"})
	r.Register(&factAverageProvider{pool: pool, name: MetricLaborPct, table: "labor_day_facts", column: "labor_pct"})
	r.Register(&factAverageProvider{pool: pool, name: MetricCPLH, table: "labor_day_facts", column: "cplh"})
	r.Register(&factAverageProvider{pool: pool, name: MetricSPLH, table: "labor_day_facts", column: "splh"})
	r.Register(&signalCountProvider{pool: pool, name: MetricUnapprovedComps, signalType: "comp_unapproved_reason"})
	r.Register(&costSpikeProvider{pool: pool})
	r.Register(&shrinkCostProvider{pool: pool})
	r.Register(&parViolationProvider{pool: pool})
	return r
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "metrics: parse date %q", s)
	}
	return t, nil
}

// factAverageProvider averages one column of a per-day fact table over
// the window. Days without a fact row contribute nothing; the evaluator
// judges coverage from DaysWithData.
type factAverageProvider struct {
	pool   db.Pool
	name   string
	table  string
	column string
}

func (p *factAverageProvider) Name() string { return p.name }

func (p *factAverageProvider) Measure(ctx context.Context, scope Scope, window Window) (*Measurement, error) {
	query := `SELECT business_date, ` + p.column + ` FROM ` + p.table + `
		 WHERE org_id = $1 AND business_date >= $2 AND business_date <= $3`
	args := []any{scope.OrgID, window.Start, window.End}
	if scope.VenueID != "" {
		query += ` AND venue_id = $4`
		args = append(args, scope.VenueID)
	}
	query += ` ORDER BY business_date`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "metrics: query %s", p.name)
	}
	defer rows.Close()

	var (
		daily []model.DailyValue
		sum   float64
	)
	for rows.Next() {
		var date time.Time
		var value float64
		if err := rows.Scan(&date, &value); err != nil {
			return nil, eris.Wrapf(err, "metrics: scan %s", p.name)
		}
		daily = append(daily, model.DailyValue{Date: date.Format("2006-01-02"), Value: value})
		sum += value
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "metrics: iterate %s", p.name)
	}

	m := &Measurement{DaysWithData: len(daily), Daily: daily}
	if len(daily) > 0 {
		m.Value = sum / float64(len(daily))
	}
	return m, nil
}

// signalCountProvider counts ledger signals of one type over the window.
// Absence of signals is itself the data: a silent window means the
// behavior stopped, so every window day counts as observed.
type signalCountProvider struct {
	pool       db.Pool
	name       string
	signalType string
}

func (p *signalCountProvider) Name() string { return p.name }

func (p *signalCountProvider) Measure(ctx context.Context, scope Scope, window Window) (*Measurement, error) {
	query := `SELECT business_date, COUNT(*) FROM signals
		 WHERE org_id = $1 AND signal_type = $2 AND business_date >= $3 AND business_date <= $4`
	args := []any{scope.OrgID, p.signalType, window.Start, window.End}
	if scope.VenueID != "" {
		query += ` AND venue_id = $5`
		args = append(args, scope.VenueID)
	}
	query += ` GROUP BY business_date ORDER BY business_date`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "metrics: query %s", p.name)
	}
	defer rows.Close()

	var (
		daily []model.DailyValue
		total float64
	)
	for rows.Next() {
		var date time.Time
		var count int64
		if err := rows.Scan(&date, &count); err != nil {
			return nil, eris.Wrapf(err, "metrics: scan %s", p.name)
		}
		daily = append(daily, model.DailyValue{Date: date.Format("2006-01-02"), Value: float64(count)})
		total += float64(count)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "metrics: iterate %s", p.name)
	}

	return &Measurement{
		Value:        total,
		DaysWithData: window.Days(),
		Daily:        daily,
	}, nil
}

// costSpikeProvider counts flagged invoice variances over the window.
type costSpikeProvider struct {
	pool db.Pool
}

func (p *costSpikeProvider) Name() string { return MetricCostSpikeCount }

func (p *costSpikeProvider) Measure(ctx context.Context, scope Scope, window Window) (*Measurement, error) {
	query := `SELECT COUNT(*) FROM invoice_variances
		 WHERE org_id = $1 AND is_spike AND business_date >= $2 AND business_date <= $3`
	args := []any{scope.OrgID, window.Start, window.End}
	if scope.VenueID != "" {
		query += ` AND venue_id = $4`
		args = append(args, scope.VenueID)
	}

	var count int64
	if err := p.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return nil, eris.Wrap(err, "metrics: query cost_spike_count")
	}
	return &Measurement{Value: float64(count), DaysWithData: window.Days()}, nil
}

// shrinkCostProvider totals inventory shrink cost over the window.
type shrinkCostProvider struct {
	pool db.Pool
}

func (p *shrinkCostProvider) Name() string { return MetricShrinkCostTotal }

func (p *shrinkCostProvider) Measure(ctx context.Context, scope Scope, window Window) (*Measurement, error) {
	query := `SELECT business_date, SUM(shrink_cost) FROM inventory_balances
		 WHERE org_id = $1 AND business_date >= $2 AND business_date <= $3`
	args := []any{scope.OrgID, window.Start, window.End}
	if scope.VenueID != "" {
		query += ` AND venue_id = $4`
		args = append(args, scope.VenueID)
	}
	query += ` GROUP BY business_date ORDER BY business_date`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "metrics: query shrink_cost_total")
	}
	defer rows.Close()

	var (
		daily []model.DailyValue
		total float64
	)
	for rows.Next() {
		var date time.Time
		var cost float64
		if err := rows.Scan(&date, &cost); err != nil {
			return nil, eris.Wrap(err, "metrics: scan shrink_cost_total")
		}
		daily = append(daily, model.DailyValue{Date: date.Format("2006-01-02"), Value: cost})
		total += cost
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "metrics: iterate shrink_cost_total")
	}

	return &Measurement{Value: total, DaysWithData: len(daily), Daily: daily}, nil
}

// parViolationProvider counts items currently below their reorder point.
// This is a point-in-time exception table, so the window only gates
// staleness of the snapshot, not a per-day series.
type parViolationProvider struct {
	pool db.Pool
}

func (p *parViolationProvider) Name() string { return MetricParViolationCount }

func (p *parViolationProvider) Measure(ctx context.Context, scope Scope, window Window) (*Measurement, error) {
	query := `SELECT COUNT(*) FROM items_below_reorder
		 WHERE org_id = $1 AND on_hand < reorder_point`
	args := []any{scope.OrgID}
	if scope.VenueID != "" {
		query += ` AND venue_id = $2`
		args = append(args, scope.VenueID)
	}

	var count int64
	if err := p.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return nil, eris.Wrap(err, "metrics: query par_violation_count")
	}
	return &Measurement{Value: float64(count), DaysWithData: window.Days()}, nil
}
