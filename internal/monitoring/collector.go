package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/backofhouse/opsloop/internal/model"
	"github.com/backofhouse/opsloop/internal/store"
)

// LoopSnapshot holds a point-in-time view of feedback-loop health.
type LoopSnapshot struct {
	// Backlog counts (current, not windowed).
	Open                int `json:"open"`
	Acknowledged        int `json:"acknowledged"`
	InProgress          int `json:"in_progress"`
	Resolved            int `json:"resolved"`
	Escalated           int `json:"escalated"`
	OverdueOpen         int `json:"overdue_open"`
	PendingVerification int `json:"pending_verification"`
	Quarantined         int `json:"quarantined"`

	// Verification outcomes within the lookback window.
	VerificationsTotal        int     `json:"verifications_total"`
	VerificationsPassed       int     `json:"verifications_passed"`
	VerificationsFailed       int     `json:"verifications_failed"`
	VerificationsInsufficient int     `json:"verifications_insufficient"`
	VerificationFailRate      float64 `json:"verification_fail_rate"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers loop-health metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of loop health over the given lookback window.
// An empty orgID covers every org.
func (c *Collector) Collect(ctx context.Context, orgID string, lookbackHours int) (*LoopSnapshot, error) {
	snap := &LoopSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	counts, err := c.store.CollectLoopCounts(ctx, orgID, snap.CollectedAt)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: collect loop counts")
	}
	snap.Open = counts.ByStatus[model.StatusOpen]
	snap.Acknowledged = counts.ByStatus[model.StatusAcknowledged]
	snap.InProgress = counts.ByStatus[model.StatusInProgress]
	snap.Resolved = counts.ByStatus[model.StatusResolved]
	snap.Escalated = counts.ByStatus[model.StatusEscalated]
	snap.OverdueOpen = counts.OverdueOpen
	snap.PendingVerification = counts.PendingVerification
	snap.Quarantined = counts.Quarantined

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)
	outcomes, err := c.store.ListOutcomes(ctx, store.OutcomeFilter{
		Since: cutoff,
		Limit: 10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list outcomes")
	}

	snap.VerificationsTotal = len(outcomes)
	for _, o := range outcomes {
		switch o.Result {
		case model.ResultPass:
			snap.VerificationsPassed++
		case model.ResultFail:
			snap.VerificationsFailed++
		case model.ResultInsufficientData:
			snap.VerificationsInsufficient++
		}
	}

	// Insufficient-data outcomes say nothing about whether the fix held,
	// so they stay out of the fail-rate denominator.
	judged := snap.VerificationsPassed + snap.VerificationsFailed
	if judged > 0 {
		snap.VerificationFailRate = float64(snap.VerificationsFailed) / float64(judged)
	}

	return snap, nil
}
