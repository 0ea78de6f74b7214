// Package verify runs the post-resolution sweep: for every resolved
// feedback object carrying a verification spec, it waits out the
// observation window, measures the named metric, and records whether
// the fix actually held.
package verify

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/backofhouse/opsloop/internal/metrics"
	"github.com/backofhouse/opsloop/internal/model"
	"github.com/backofhouse/opsloop/internal/store"
)

// Escalator creates a successor for an object that failed verification.
type Escalator interface {
	Escalate(ctx context.Context, failed *model.FeedbackObject, data *model.VerificationData) (*model.FeedbackObject, error)
}

// Config tunes the sweep.
type Config struct {
	// StaleClaimAfter is how old a claim must be before another sweep
	// may take the object over.
	StaleClaimAfter time.Duration
	// MaxAttempts quarantines an object after this many failed
	// evaluation attempts.
	MaxAttempts int
	// MinDaysWithData is the coverage floor below which the verdict is
	// insufficient_data instead of pass/fail.
	MinDaysWithData int
}

func (c Config) withDefaults() Config {
	if c.StaleClaimAfter <= 0 {
		c.StaleClaimAfter = 30 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.MinDaysWithData <= 0 {
		c.MinDaysWithData = 1
	}
	return c
}

// Summary reports what one sweep did.
type Summary struct {
	Pending           int `json:"pending"`
	Evaluated         int `json:"evaluated"`
	Passed            int `json:"passed"`
	Failed            int `json:"failed"`
	InsufficientData  int `json:"insufficient_data"`
	SuccessorsCreated int `json:"successors_created"`
	WindowOpen        int `json:"window_open"`
	ClaimLost         int `json:"claim_lost"`
	Quarantined       int `json:"quarantined"`
	Errors            int `json:"errors"`
}

// Evaluator drives the verification sweep.
type Evaluator struct {
	store     store.Store
	registry  *metrics.Registry
	escalator Escalator
	cfg       Config
}

func NewEvaluator(st store.Store, reg *metrics.Registry, esc Escalator, cfg Config) *Evaluator {
	return &Evaluator{store: st, registry: reg, escalator: esc, cfg: cfg.withDefaults()}
}

// RunVerifications evaluates every pending object whose window has
// closed. One bad object never aborts the sweep: its claim is released
// (or its attempt counted) and the loop moves on.
func (e *Evaluator) RunVerifications(ctx context.Context, now time.Time) (*Summary, error) {
	pending, err := e.store.ListPendingVerification(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "verify: list pending")
	}

	summary := &Summary{Pending: len(pending)}
	for i := range pending {
		fo := &pending[i]
		e.evaluateOne(ctx, fo, now, summary)
	}

	zap.L().Info("verify: sweep complete",
		zap.Int("pending", summary.Pending),
		zap.Int("evaluated", summary.Evaluated),
		zap.Int("passed", summary.Passed),
		zap.Int("failed", summary.Failed),
		zap.Int("insufficient_data", summary.InsufficientData),
		zap.Int("quarantined", summary.Quarantined),
		zap.Int("errors", summary.Errors),
	)
	return summary, nil
}

func (e *Evaluator) evaluateOne(ctx context.Context, fo *model.FeedbackObject, now time.Time, summary *Summary) {
	if fo.ResolvedAt == nil {
		// Listed as resolved without a timestamp: bad row, park it.
		e.quarantine(ctx, fo, summary, "missing resolved_at")
		return
	}

	spec := fo.VerificationSpec
	if !spec.Valid() {
		e.quarantine(ctx, fo, summary, "malformed verification spec")
		return
	}

	windowStart, windowEnd := observationWindow(*fo.ResolvedAt, spec.WindowDays)
	if now.Before(windowEnd.AddDate(0, 0, 1)) {
		// The window has not fully elapsed; nothing to measure yet.
		summary.WindowOpen++
		return
	}

	claimed, err := e.store.ClaimVerification(ctx, fo.ID, now, e.cfg.StaleClaimAfter)
	if err != nil {
		summary.Errors++
		zap.L().Error("verify: claim", zap.String("feedback_id", fo.ID), zap.Error(err))
		return
	}
	if !claimed {
		summary.ClaimLost++
		return
	}

	provider, err := e.registry.Lookup(spec.Metric)
	if err != nil {
		// Unknown metric never becomes measurable by retrying.
		e.quarantine(ctx, fo, summary, "unknown metric "+spec.Metric)
		return
	}

	measurement, err := provider.Measure(ctx,
		metrics.Scope{OrgID: fo.OrgID, VenueID: fo.VenueID},
		metrics.Window{Start: windowStart.Format("2006-01-02"), End: windowEnd.Format("2006-01-02")},
	)
	if err != nil {
		// Transient measurement failure: count the attempt so a
		// permanently broken object eventually leaves the sweep.
		quarantined, incErr := e.store.IncrementVerificationAttempts(ctx, fo.ID, e.cfg.MaxAttempts, now)
		if incErr != nil {
			zap.L().Error("verify: count attempt", zap.String("feedback_id", fo.ID), zap.Error(incErr))
		}
		if quarantined {
			summary.Quarantined++
			zap.L().Warn("verify: quarantined after repeated failures",
				zap.String("feedback_id", fo.ID),
				zap.Int("max_attempts", e.cfg.MaxAttempts),
			)
		} else {
			summary.Errors++
		}
		zap.L().Error("verify: measure",
			zap.String("feedback_id", fo.ID),
			zap.String("metric", spec.Metric),
			zap.Error(err),
		)
		return
	}

	data := &model.VerificationData{
		Measured:     measurement.Value,
		WindowStart:  windowStart.Format("2006-01-02"),
		WindowEnd:    windowEnd.Format("2006-01-02"),
		DaysWithData: measurement.DaysWithData,
		Daily:        measurement.Daily,
	}

	result := e.judge(spec, data)
	successorCreated, err := e.record(ctx, fo, result, data, now)
	if err != nil {
		summary.Errors++
		zap.L().Error("verify: record",
			zap.String("feedback_id", fo.ID),
			zap.Error(err),
		)
		if relErr := e.store.ReleaseVerificationClaim(ctx, fo.ID); relErr != nil {
			zap.L().Error("verify: release claim", zap.String("feedback_id", fo.ID), zap.Error(relErr))
		}
		return
	}

	summary.Evaluated++
	if successorCreated {
		summary.SuccessorsCreated++
	}
	switch result {
	case model.ResultPass:
		summary.Passed++
	case model.ResultFail:
		summary.Failed++
	case model.ResultInsufficientData:
		summary.InsufficientData++
	}
}

// judge applies the spec's operator to the measurement, or rules the
// window unmeasurable when coverage is too thin.
func (e *Evaluator) judge(spec *model.VerificationSpec, data *model.VerificationData) model.VerificationResult {
	if data.DaysWithData < e.cfg.MinDaysWithData {
		return model.ResultInsufficientData
	}
	if Compare(data.Measured, spec.Operator, spec.Target) {
		return model.ResultPass
	}
	return model.ResultFail
}

// record persists the verdict, the outcome row, and on failure the
// escalation successor.
func (e *Evaluator) record(ctx context.Context, fo *model.FeedbackObject, result model.VerificationResult, data *model.VerificationData, now time.Time) (bool, error) {
	// A failed verification moves the predecessor to escalated;
	// pass and insufficient_data leave it resolved.
	status := model.StatusResolved
	if result == model.ResultFail {
		status = model.StatusEscalated
	}

	if err := e.store.RecordVerification(ctx, fo.ID, result, data, now, status); err != nil {
		return false, err
	}

	outcome := model.Outcome{
		FeedbackObjectID: fo.ID,
		Result:           result,
		Spec:             *fo.VerificationSpec,
		Data:             *data,
	}

	successorCreated := false
	if result == model.ResultFail && e.escalator != nil {
		successor, err := e.escalator.Escalate(ctx, fo, data)
		if err != nil {
			// The verdict is already durable; a failed escalation is
			// retried by operators, not by rolling back. The outcome's
			// empty successor_id is the visible gap.
			zap.L().Error("verify: escalate",
				zap.String("feedback_id", fo.ID),
				zap.Error(err),
			)
		} else {
			outcome.SuccessorID = successor.ID
			successorCreated = true
		}
	}

	if _, err := e.store.InsertOutcome(ctx, outcome); err != nil {
		return successorCreated, eris.Wrapf(err, "verify: insert outcome for %s", fo.ID)
	}

	zap.L().Info("verify: verdict recorded",
		zap.String("feedback_id", fo.ID),
		zap.String("result", string(result)),
		zap.Float64("measured", data.Measured),
		zap.Int("days_with_data", data.DaysWithData),
	)
	return successorCreated, nil
}

// quarantine parks an object the sweep can never successfully evaluate.
func (e *Evaluator) quarantine(ctx context.Context, fo *model.FeedbackObject, summary *Summary, reason string) {
	if _, err := e.store.IncrementVerificationAttempts(ctx, fo.ID, 1, time.Now().UTC()); err != nil {
		summary.Errors++
		zap.L().Error("verify: quarantine", zap.String("feedback_id", fo.ID), zap.Error(err))
		return
	}
	summary.Quarantined++
	zap.L().Warn("verify: quarantined",
		zap.String("feedback_id", fo.ID),
		zap.String("reason", reason),
	)
}

// observationWindow is the business-date range the metric is measured
// over: the day after resolution through windowDays days later,
// inclusive.
func observationWindow(resolvedAt time.Time, windowDays int) (time.Time, time.Time) {
	resolvedDay := resolvedAt.UTC().Truncate(24 * time.Hour)
	start := resolvedDay.AddDate(0, 0, 1)
	end := resolvedDay.AddDate(0, 0, windowDays)
	return start, end
}

// Compare applies a spec operator. Equality tolerates float noise.
func Compare(measured float64, op model.Operator, target float64) bool {
	switch op {
	case model.OpLTE:
		return measured <= target
	case model.OpGTE:
		return measured >= target
	case model.OpLT:
		return measured < target
	case model.OpGT:
		return measured > target
	case model.OpEQ:
		return math.Abs(measured-target) < 1e-9
	default:
		return false
	}
}
