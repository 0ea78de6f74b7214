package feedback

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backofhouse/opsloop/internal/metrics"
	"github.com/backofhouse/opsloop/internal/model"
	"github.com/backofhouse/opsloop/internal/store"
)

func writeCompSignals(t *testing.T, st store.Store, signalType string, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sig, err := st.WriteSignal(ctx, model.SignalInput{
			OrgID:        "org-1",
			VenueID:      "v-1",
			BusinessDate: "2026-08-20",
			Domain:       model.DomainRevenue,
			SignalType:   signalType,
			Source:       model.SourceRule,
			Severity:     model.SeverityWarning,
			ImpactValue:  25.0,
			ImpactUnit:   "usd",
			EntityType:   "check",
			EntityID:     fmt.Sprintf("chk-%d", i),
			Payload:      map[string]any{"reason": fmt.Sprintf("reason-%d", i%2)},
		})
		require.NoError(t, err)
		require.NotNil(t, sig)
		ids = append(ids, sig.ID)
	}
	return ids
}

func TestGenerateCompFeedback_ThreeUnapprovedCompsGoCritical(t *testing.T) {
	st := newTestStore(t)
	g := NewGenerator(st, nil, nil)
	ctx := context.Background()

	sigIDs := writeCompSignals(t, st, SignalCompUnapprovedReason, 3)

	created, err := g.GenerateCompFeedback(ctx, "org-1", "v-1", "2026-08-20")
	require.NoError(t, err)
	require.Len(t, created, 1)

	fo := created[0]
	assert.Equal(t, model.SeverityCritical, fo.Severity)
	assert.Equal(t, model.ActionCorrect, fo.RequiredAction)
	assert.Equal(t, model.RoleVenueManager, fo.OwnerRole)
	assert.Contains(t, fo.Title, "3 Unapproved Comp Reasons")
	assert.Contains(t, fo.Message, "3 comp(s)")
	assert.Contains(t, fo.Message, "$75.00")
	assert.Contains(t, fo.Message, "reason-0, reason-1")
	require.NotNil(t, fo.DueAt)

	require.NotNil(t, fo.VerificationSpec)
	assert.Equal(t, metrics.MetricUnapprovedComps, fo.VerificationSpec.Metric)
	assert.Equal(t, model.OpLTE, fo.VerificationSpec.Operator)
	assert.Equal(t, 0.0, fo.VerificationSpec.Target)
	assert.Equal(t, 7, fo.VerificationSpec.WindowDays)

	linked, err := st.ListLinkedSignalIDs(ctx, fo.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, sigIDs, linked)
}

func TestGenerateCompFeedback_BelowCriticalCountStaysWarning(t *testing.T) {
	st := newTestStore(t)
	g := NewGenerator(st, nil, nil)

	writeCompSignals(t, st, SignalCompUnapprovedReason, 2)

	created, err := g.GenerateCompFeedback(context.Background(), "org-1", "v-1", "2026-08-20")
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, model.SeverityWarning, created[0].Severity)
}

func TestGenerateCompFeedback_EmptyBucketsProduceNothing(t *testing.T) {
	st := newTestStore(t)
	g := NewGenerator(st, nil, nil)

	created, err := g.GenerateCompFeedback(context.Background(), "org-1", "v-1", "2026-08-20")
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestGenerateCompFeedback_OneObjectPerBucket(t *testing.T) {
	st := newTestStore(t)
	g := NewGenerator(st, nil, nil)

	writeCompSignals(t, st, SignalCompUnapprovedReason, 2)
	writeCompSignals(t, st, SignalCompMissingApproval, 1)
	writeCompSignals(t, st, SignalCompPctSpike, 1)

	created, err := g.GenerateCompFeedback(context.Background(), "org-1", "v-1", "2026-08-20")
	require.NoError(t, err)
	require.Len(t, created, 3)

	byAction := map[model.RequiredAction]int{}
	specs := 0
	for _, fo := range created {
		byAction[fo.RequiredAction]++
		if fo.VerificationSpec != nil {
			specs++
		}
	}
	// The missing-approval bucket is explain-only; the other two carry
	// verification specs.
	assert.Equal(t, 1, byAction[model.ActionExplain])
	assert.Equal(t, 2, byAction[model.ActionCorrect])
	assert.Equal(t, 2, specs)
}

func TestGenerateCompFeedback_RulesOverride(t *testing.T) {
	st := newTestStore(t)
	rules := DefaultRules()
	rules.Buckets[SignalCompUnapprovedReason] = Thresholds{CriticalCount: 2, WindowDays: 14}
	g := NewGenerator(st, nil, rules)

	writeCompSignals(t, st, SignalCompUnapprovedReason, 2)

	created, err := g.GenerateCompFeedback(context.Background(), "org-1", "v-1", "2026-08-20")
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, model.SeverityCritical, created[0].Severity)
	assert.Equal(t, 14, created[0].VerificationSpec.WindowDays)
}

func TestGenerateLaborFeedback(t *testing.T) {
	st := newTestStore(t)
	g := NewGenerator(st, nil, nil)
	ctx := context.Background()

	_, err := st.WriteSignal(ctx, model.SignalInput{
		OrgID: "org-1", VenueID: "v-1", BusinessDate: "2026-08-20",
		Domain: model.DomainLabor, SignalType: SignalLaborPctHigh,
		Source: model.SourceRule, Severity: model.SeverityWarning,
		ImpactValue: 34.5, ImpactUnit: "pct",
	})
	require.NoError(t, err)

	created, err := g.GenerateLaborFeedback(ctx, "org-1", "v-1", "2026-08-20")
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, model.DomainLabor, created[0].Domain)
	require.NotNil(t, created[0].VerificationSpec)
	assert.Equal(t, metrics.MetricLaborPct, created[0].VerificationSpec.Metric)
	assert.Equal(t, 30.0, created[0].VerificationSpec.Target)
}

func TestGenerateProcurementFeedback(t *testing.T) {
	st := newTestStore(t)
	g := NewGenerator(st, nil, nil)
	ctx := context.Background()

	_, err := st.WriteSignal(ctx, model.SignalInput{
		OrgID: "org-1", VenueID: "v-1", BusinessDate: "2026-08-20",
		Domain: model.DomainProcurement, SignalType: SignalInvoicePriceSpike,
		Source: model.SourceRule, Severity: model.SeverityWarning,
		ImpactValue: 180.0, ImpactUnit: "usd",
		EntityType: "vendor", EntityID: "vend-9",
	})
	require.NoError(t, err)

	created, err := g.GenerateProcurementFeedback(ctx, "org-1", "v-1", "2026-08-20")
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, model.RolePurchasing, created[0].OwnerRole)
	assert.Equal(t, metrics.MetricCostSpikeCount, created[0].VerificationSpec.Metric)
}

// Signals from other venues or dates never leak into a venue's buckets.
func TestGenerateCompFeedback_ScopedToVenueAndDate(t *testing.T) {
	st := newTestStore(t)
	g := NewGenerator(st, nil, nil)
	ctx := context.Background()

	_, err := st.WriteSignal(ctx, model.SignalInput{
		OrgID: "org-1", VenueID: "v-2", BusinessDate: "2026-08-20",
		Domain: model.DomainRevenue, SignalType: SignalCompUnapprovedReason,
		Source: model.SourceRule, Severity: model.SeverityWarning,
		EntityType: "check", EntityID: "chk-a",
	})
	require.NoError(t, err)
	_, err = st.WriteSignal(ctx, model.SignalInput{
		OrgID: "org-1", VenueID: "v-1", BusinessDate: "2026-08-19",
		Domain: model.DomainRevenue, SignalType: SignalCompUnapprovedReason,
		Source: model.SourceRule, Severity: model.SeverityWarning,
		EntityType: "check", EntityID: "chk-b",
	})
	require.NoError(t, err)

	created, err := g.GenerateCompFeedback(ctx, "org-1", "v-1", "2026-08-20")
	require.NoError(t, err)
	assert.Empty(t, created)
}
