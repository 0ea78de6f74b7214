package feedback

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/backofhouse/opsloop/internal/metrics"
	"github.com/backofhouse/opsloop/internal/model"
	"github.com/backofhouse/opsloop/internal/store"
)

// Signal types the domain generators bucket on.
const (
	SignalCompUnapprovedReason = "comp_unapproved_reason"
	SignalCompMissingApproval  = "comp_missing_manager_approval"
	SignalCompPctSpike         = "comp_pct_spike"

	SignalLaborPctHigh = "labor_pct_high"
	SignalSPLHLow      = "splh_low"
	SignalCPLHHigh     = "cplh_high"

	SignalInvoicePriceSpike = "invoice_price_spike"
	SignalInventoryShrink   = "inventory_shrink_high"
	SignalParViolation      = "par_violation"
)

var titleCaser = cases.Title(language.AmericanEnglish)

// bucketAgg is what one non-empty bucket aggregates to.
type bucketAgg struct {
	count       int
	impactSum   float64
	impactUnit  string
	maxSeverity model.Severity
	reasons     []string // distinct payload reasons, sorted
}

// bucketDef describes how one signal type becomes a feedback object.
type bucketDef struct {
	signalType string
	label      string
	action     model.RequiredAction
	ownerRole  model.OwnerRole
	// spec builds the verification contract for measurable buckets;
	// nil means the bucket is acknowledge/explain only.
	spec func(agg bucketAgg, th Thresholds) *model.VerificationSpec
	// message renders the body from the aggregates.
	message func(agg bucketAgg, venue string) string
}

var compBuckets = []bucketDef{
	{
		signalType: SignalCompUnapprovedReason,
		label:      "unapproved comp reasons",
		action:     model.ActionCorrect,
		ownerRole:  model.RoleVenueManager,
		spec: func(_ bucketAgg, th Thresholds) *model.VerificationSpec {
			return &model.VerificationSpec{
				Metric: metrics.MetricUnapprovedComps, Operator: model.OpLTE,
				Target: 0, WindowDays: th.WindowDays,
			}
		},
		message: func(agg bucketAgg, venue string) string {
			msg := fmt.Sprintf("%d comp(s) were rung with unapproved reasons at %s, totaling %s.",
				agg.count, venue, formatImpact(agg.impactSum, agg.impactUnit))
			if len(agg.reasons) > 0 {
				msg += fmt.Sprintf(" Reasons used: %s.", strings.Join(agg.reasons, ", "))
			}
			return msg
		},
	},
	{
		signalType: SignalCompMissingApproval,
		label:      "comps missing manager approval",
		action:     model.ActionExplain,
		ownerRole:  model.RoleVenueManager,
		message: func(agg bucketAgg, venue string) string {
			return fmt.Sprintf("%d comp(s) at %s have no manager approval on record, totaling %s. Each needs a documented sign-off or a void.",
				agg.count, venue, formatImpact(agg.impactSum, agg.impactUnit))
		},
	},
	{
		signalType: SignalCompPctSpike,
		label:      "comp percentage spike days",
		action:     model.ActionCorrect,
		ownerRole:  model.RoleVenueManager,
		spec: func(_ bucketAgg, th Thresholds) *model.VerificationSpec {
			return &model.VerificationSpec{
				Metric: metrics.MetricDailyCompPct, Operator: model.OpLTE,
				Target: th.CompPctTarget, WindowDays: th.WindowDays,
			}
		},
		message: func(agg bucketAgg, venue string) string {
			return fmt.Sprintf("Comp percentage at %s spiked above target on %d day(s); the comp total for the period is %s.",
				venue, agg.count, formatImpact(agg.impactSum, agg.impactUnit))
		},
	},
}

var laborBuckets = []bucketDef{
	{
		signalType: SignalLaborPctHigh,
		label:      "days over labor percentage target",
		action:     model.ActionCorrect,
		ownerRole:  model.RoleVenueManager,
		spec: func(_ bucketAgg, th Thresholds) *model.VerificationSpec {
			return &model.VerificationSpec{
				Metric: metrics.MetricLaborPct, Operator: model.OpLTE,
				Target: th.LaborPctTarget, WindowDays: th.WindowDays,
			}
		},
		message: func(agg bucketAgg, venue string) string {
			return fmt.Sprintf("Labor cost ran over target at %s on %d day(s). Review scheduling against forecast covers.",
				venue, agg.count)
		},
	},
	{
		signalType: SignalSPLHLow,
		label:      "low-productivity days",
		action:     model.ActionCorrect,
		ownerRole:  model.RoleVenueManager,
		spec: func(_ bucketAgg, th Thresholds) *model.VerificationSpec {
			return &model.VerificationSpec{
				Metric: metrics.MetricSPLH, Operator: model.OpGTE,
				Target: th.SPLHTarget, WindowDays: th.WindowDays,
			}
		},
		message: func(agg bucketAgg, venue string) string {
			return fmt.Sprintf("SPLH fell below target at %s on %d day(s). Shifts are overstaffed for the sales they produced.",
				venue, agg.count)
		},
	},
	{
		signalType: SignalCPLHHigh,
		label:      "high cost-per-labor-hour days",
		action:     model.ActionExplain,
		ownerRole:  model.RoleVenueManager,
		spec: func(_ bucketAgg, th Thresholds) *model.VerificationSpec {
			return &model.VerificationSpec{
				Metric: metrics.MetricCPLH, Operator: model.OpLTE,
				Target: th.CPLHTarget, WindowDays: th.WindowDays,
			}
		},
		message: func(agg bucketAgg, venue string) string {
			return fmt.Sprintf("CPLH ran over target at %s on %d day(s). Check overtime and premium-rate shifts.",
				venue, agg.count)
		},
	},
}

var procurementBuckets = []bucketDef{
	{
		signalType: SignalInvoicePriceSpike,
		label:      "invoice price spikes",
		action:     model.ActionExplain,
		ownerRole:  model.RolePurchasing,
		spec: func(_ bucketAgg, th Thresholds) *model.VerificationSpec {
			return &model.VerificationSpec{
				Metric: metrics.MetricCostSpikeCount, Operator: model.OpLTE,
				Target: 0, WindowDays: th.WindowDays,
			}
		},
		message: func(agg bucketAgg, venue string) string {
			return fmt.Sprintf("%d invoice line(s) at %s priced well above trailing average, worth %s. Confirm the vendor pricing or source elsewhere.",
				agg.count, venue, formatImpact(agg.impactSum, agg.impactUnit))
		},
	},
	{
		signalType: SignalInventoryShrink,
		label:      "high-shrink items",
		action:     model.ActionCorrect,
		ownerRole:  model.RoleVenueManager,
		spec: func(_ bucketAgg, th Thresholds) *model.VerificationSpec {
			return &model.VerificationSpec{
				Metric: metrics.MetricShrinkCostTotal, Operator: model.OpLTE,
				Target: th.ShrinkCostTarget, WindowDays: th.WindowDays,
			}
		},
		message: func(agg bucketAgg, venue string) string {
			return fmt.Sprintf("Inventory shrink at %s cost %s across %d item(s). Count variances point at portioning or theft.",
				venue, formatImpact(agg.impactSum, agg.impactUnit), agg.count)
		},
	},
	{
		signalType: SignalParViolation,
		label:      "items below par",
		action:     model.ActionCorrect,
		ownerRole:  model.RolePurchasing,
		spec: func(_ bucketAgg, th Thresholds) *model.VerificationSpec {
			return &model.VerificationSpec{
				Metric: metrics.MetricParViolationCount, Operator: model.OpLTE,
				Target: 0, WindowDays: th.WindowDays,
			}
		},
		message: func(agg bucketAgg, venue string) string {
			return fmt.Sprintf("%d item(s) at %s are below their reorder point. Place orders before service runs out.",
				agg.count, venue)
		},
	},
}

// GenerateCompFeedback buckets one day's comp signals for a venue and
// creates one feedback object per non-empty bucket.
func (g *Generator) GenerateCompFeedback(ctx context.Context, orgID, venueID, businessDate string) ([]model.FeedbackObject, error) {
	return g.generateFromBuckets(ctx, orgID, venueID, businessDate, model.DomainRevenue, compBuckets)
}

// GenerateLaborFeedback does the same for labor signals.
func (g *Generator) GenerateLaborFeedback(ctx context.Context, orgID, venueID, businessDate string) ([]model.FeedbackObject, error) {
	return g.generateFromBuckets(ctx, orgID, venueID, businessDate, model.DomainLabor, laborBuckets)
}

// GenerateProcurementFeedback does the same for procurement signals.
func (g *Generator) GenerateProcurementFeedback(ctx context.Context, orgID, venueID, businessDate string) ([]model.FeedbackObject, error) {
	return g.generateFromBuckets(ctx, orgID, venueID, businessDate, model.DomainProcurement, procurementBuckets)
}

func (g *Generator) generateFromBuckets(ctx context.Context, orgID, venueID, businessDate string, domain model.Domain, buckets []bucketDef) ([]model.FeedbackObject, error) {
	signals, err := g.store.ListSignals(ctx, store.SignalFilter{
		OrgID:        orgID,
		VenueID:      venueID,
		BusinessDate: businessDate,
		Domain:       domain,
		Limit:        1000,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "feedback: list %s signals", domain)
	}

	byType := make(map[string][]model.Signal)
	for _, sig := range signals {
		byType[sig.SignalType] = append(byType[sig.SignalType], sig)
	}

	venueLabel := venueID
	if venueLabel == "" {
		venueLabel = orgID
	}

	var created []model.FeedbackObject
	for _, def := range buckets {
		bucket := byType[def.signalType]
		if len(bucket) == 0 {
			continue
		}
		agg := aggregate(bucket)
		th := g.rules.ForBucket(def.signalType)

		severity := agg.maxSeverity
		if agg.count >= th.CriticalCount {
			severity = model.SeverityCritical
		}

		due := time.Now().UTC().Add(time.Duration(th.DueHours) * time.Hour)
		fo := model.FeedbackObject{
			OrgID:          orgID,
			VenueID:        venueID,
			BusinessDate:   businessDate,
			Domain:         domain,
			Title:          fmt.Sprintf("%d %s at %s (%s)", agg.count, titleCaser.String(def.label), venueLabel, businessDate),
			Message:        def.message(agg, venueLabel),
			RequiredAction: def.action,
			Severity:       severity,
			OwnerRole:      def.ownerRole,
			DueAt:          &due,
			Status:         model.StatusOpen,
		}
		if def.spec != nil {
			fo.VerificationSpec = def.spec(agg, th)
		}

		ids := make([]string, len(bucket))
		for i, sig := range bucket {
			ids[i] = sig.ID
		}

		obj, err := g.Create(ctx, fo, ids)
		if err != nil {
			return created, eris.Wrapf(err, "feedback: create %s object", def.signalType)
		}
		created = append(created, *obj)
	}
	return created, nil
}

func aggregate(bucket []model.Signal) bucketAgg {
	agg := bucketAgg{count: len(bucket), maxSeverity: model.SeverityInfo}
	reasonSet := make(map[string]bool)
	for _, sig := range bucket {
		agg.impactSum += sig.ImpactValue
		if sig.ImpactUnit != "" {
			agg.impactUnit = sig.ImpactUnit
		}
		if severityRank(sig.Severity) > severityRank(agg.maxSeverity) {
			agg.maxSeverity = sig.Severity
		}
		if reason, ok := sig.Payload["reason"].(string); ok && reason != "" {
			reasonSet[reason] = true
		}
	}
	for reason := range reasonSet {
		agg.reasons = append(agg.reasons, reason)
	}
	sort.Strings(agg.reasons)
	return agg
}

func severityRank(s model.Severity) int {
	switch s {
	case model.SeverityCritical:
		return 2
	case model.SeverityWarning:
		return 1
	default:
		return 0
	}
}

func formatImpact(v float64, unit string) string {
	if unit == "usd" || unit == "" {
		return fmt.Sprintf("$%.2f", v)
	}
	return fmt.Sprintf("%.2f %s", v, unit)
}
