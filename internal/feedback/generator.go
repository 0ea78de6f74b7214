// Package feedback turns raw signals into actionable feedback objects
// and guards their lifecycle state machine.
package feedback

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/backofhouse/opsloop/internal/model"
	"github.com/backofhouse/opsloop/internal/notify"
	"github.com/backofhouse/opsloop/internal/store"
)

// Generator creates feedback objects and applies status transitions.
type Generator struct {
	store    store.Store
	notifier notify.Notifier
	rules    *Rules
}

func NewGenerator(st store.Store, notifier notify.Notifier, rules *Rules) *Generator {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if rules == nil {
		rules = DefaultRules()
	}
	return &Generator{store: st, notifier: notifier, rules: rules}
}

// Create persists a feedback object with defaults applied and links the
// evidence signals. The store write is the only hard failure; signal
// links and the owner notification are best-effort.
func (g *Generator) Create(ctx context.Context, fo model.FeedbackObject, signalIDs []string) (*model.FeedbackObject, error) {
	switch {
	case fo.OrgID == "":
		return nil, eris.New("feedback: org_id is required")
	case fo.BusinessDate == "":
		return nil, eris.New("feedback: business_date is required")
	case fo.Title == "":
		return nil, eris.New("feedback: title is required")
	}
	if fo.Status == "" {
		fo.Status = model.StatusOpen
	}
	if fo.RequiredAction == "" {
		fo.RequiredAction = model.ActionAcknowledge
	}
	if fo.Severity == "" {
		fo.Severity = model.SeverityWarning
	}
	if fo.OwnerRole == "" {
		fo.OwnerRole = model.RoleVenueManager
	}
	if fo.VerificationSpec != nil && !fo.VerificationSpec.Valid() {
		return nil, eris.Errorf("feedback: invalid verification spec for metric %q", fo.VerificationSpec.Metric)
	}

	created, err := g.store.CreateFeedbackObject(ctx, fo)
	if err != nil {
		return nil, eris.Wrap(err, "feedback: create object")
	}

	if len(signalIDs) > 0 {
		if err := g.store.LinkSignals(ctx, created.ID, signalIDs, model.SignalRolePrimary); err != nil {
			zap.L().Warn("feedback: link signals",
				zap.String("feedback_id", created.ID),
				zap.Int("signals", len(signalIDs)),
				zap.Error(err),
			)
		}
	}

	if err := g.notifier.Notify(ctx, notify.Notification{
		Event:      "created",
		FeedbackID: created.ID,
		OrgID:      created.OrgID,
		VenueID:    created.VenueID,
		Title:      created.Title,
		Message:    created.Message,
		Severity:   created.Severity,
		OwnerRole:  created.OwnerRole,
		DueAt:      created.DueAt,
		Timestamp:  time.Now().UTC(),
	}); err != nil {
		zap.L().Warn("feedback: notify", zap.String("feedback_id", created.ID), zap.Error(err))
	}

	return created, nil
}

// UpdateStatus applies one lifecycle transition. Illegal moves return
// model.ErrIllegalTransition; a concurrent change of the row returns
// store.ErrStatusConflict.
func (g *Generator) UpdateStatus(ctx context.Context, id string, to model.Status, actor, summary string) error {
	fo, err := g.store.GetFeedbackObject(ctx, id)
	if err != nil {
		return err
	}
	if err := model.ValidTransition(fo.Status, to); err != nil {
		return eris.Wrapf(err, "feedback: object %s", id)
	}
	if err := g.store.UpdateFeedbackStatus(ctx, id, fo.Status, to, store.StatusUpdate{
		Actor:             actor,
		ResolutionSummary: summary,
	}); err != nil {
		return err
	}

	zap.L().Info("feedback: status changed",
		zap.String("feedback_id", id),
		zap.String("from", string(fo.Status)),
		zap.String("to", string(to)),
		zap.String("actor", actor),
	)
	return nil
}
