// Package escalate creates successor feedback objects when a resolved
// object fails post-resolution verification. Each hop up the ownership
// ladder tightens severity until both saturate.
package escalate

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/backofhouse/opsloop/internal/model"
	"github.com/backofhouse/opsloop/internal/notify"
	"github.com/backofhouse/opsloop/internal/store"
)

// DefaultSuccessorDue is how long a successor's owner has to act.
const DefaultSuccessorDue = 48 * time.Hour

// severityLadder maps each severity to the next step up. Critical is
// the ceiling.
var severityLadder = map[model.Severity]model.Severity{
	model.SeverityInfo:     model.SeverityWarning,
	model.SeverityWarning:  model.SeverityCritical,
	model.SeverityCritical: model.SeverityCritical,
}

// ownerLadder maps each role to who inherits the problem. Corporate is
// the end of the line.
var ownerLadder = map[model.OwnerRole]model.OwnerRole{
	model.RoleVenueManager: model.RoleGM,
	model.RoleAGM:          model.RoleGM,
	model.RolePurchasing:   model.RoleGM,
	model.RoleGM:           model.RoleCorporate,
	model.RoleCorporate:    model.RoleCorporate,
	model.RoleSystem:       model.RoleCorporate,
}

// NextSeverity returns the escalated severity for a failed object.
func NextSeverity(s model.Severity) model.Severity {
	if next, ok := severityLadder[s]; ok {
		return next
	}
	return model.SeverityWarning
}

// NextOwner returns the role that inherits a failed object.
func NextOwner(r model.OwnerRole) model.OwnerRole {
	if next, ok := ownerLadder[r]; ok {
		return next
	}
	return model.RoleGM
}

// Engine builds and persists escalation successors.
type Engine struct {
	store        store.Store
	notifier     notify.Notifier
	successorDue time.Duration
}

func NewEngine(st store.Store, notifier notify.Notifier) *Engine {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Engine{store: st, notifier: notifier, successorDue: DefaultSuccessorDue}
}

// Escalate creates the successor for a feedback object whose
// verification failed. The successor carries the same verification
// spec, the next owner and severity, and a message a reader can act on
// without opening the predecessor. Linked signals are carried over so
// the evidence trail survives the hop.
func (e *Engine) Escalate(ctx context.Context, failed *model.FeedbackObject, data *model.VerificationData) (*model.FeedbackObject, error) {
	if failed.VerificationSpec == nil {
		return nil, eris.Errorf("escalate: object %s has no verification spec", failed.ID)
	}

	now := time.Now().UTC()
	due := now.Add(e.successorDue)
	spec := *failed.VerificationSpec

	successor := model.FeedbackObject{
		OrgID:            failed.OrgID,
		VenueID:          failed.VenueID,
		BusinessDate:     failed.BusinessDate,
		Domain:           failed.Domain,
		Title:            fmt.Sprintf("Unresolved: %s", failed.Title),
		Message:          successorMessage(failed, data),
		RequiredAction:   model.ActionCorrect,
		Severity:         NextSeverity(failed.Severity),
		Confidence:       failed.Confidence,
		OwnerRole:        NextOwner(failed.OwnerRole),
		DueAt:            &due,
		VerificationSpec: &spec,
		Status:           model.StatusOpen,
		SourceRunID:      failed.ID,
	}

	created, err := e.store.CreateFeedbackObject(ctx, successor)
	if err != nil {
		return nil, eris.Wrapf(err, "escalate: create successor for %s", failed.ID)
	}

	// Evidence links are best-effort: the successor is already usable
	// without them.
	if signalIDs, err := e.store.ListLinkedSignalIDs(ctx, failed.ID); err != nil {
		zap.L().Warn("escalate: list predecessor signals",
			zap.String("feedback_id", failed.ID),
			zap.Error(err),
		)
	} else if err := e.store.LinkSignals(ctx, created.ID, signalIDs, model.SignalRolePrimary); err != nil {
		zap.L().Warn("escalate: carry signal links",
			zap.String("successor_id", created.ID),
			zap.Error(err),
		)
	}

	if err := e.notifier.Notify(ctx, notify.Notification{
		Event:      "escalated",
		FeedbackID: created.ID,
		OrgID:      created.OrgID,
		VenueID:    created.VenueID,
		Title:      created.Title,
		Message:    created.Message,
		Severity:   created.Severity,
		OwnerRole:  created.OwnerRole,
		DueAt:      created.DueAt,
		Timestamp:  now,
	}); err != nil {
		zap.L().Warn("escalate: notify",
			zap.String("successor_id", created.ID),
			zap.Error(err),
		)
	}

	zap.L().Info("escalate: successor created",
		zap.String("predecessor_id", failed.ID),
		zap.String("successor_id", created.ID),
		zap.String("owner_role", string(created.OwnerRole)),
		zap.String("severity", string(created.Severity)),
	)
	return created, nil
}

// successorMessage summarizes what was promised, what was measured, and
// who dropped the ball, without requiring the reader to look anything up.
func successorMessage(failed *model.FeedbackObject, data *model.VerificationData) string {
	spec := failed.VerificationSpec
	resolvedBy := failed.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = string(failed.OwnerRole)
	}

	msg := fmt.Sprintf(
		"%q was marked resolved by %s, but the follow-up check failed: %s was expected %s %g",
		failed.Title, resolvedBy, spec.Metric, spec.Operator, spec.Target,
	)
	if data != nil {
		msg += fmt.Sprintf(" and measured %g over %s to %s (%d day(s) of data)",
			data.Measured, data.WindowStart, data.WindowEnd, data.DaysWithData)
	}
	return msg + "."
}
