// Package store persists the feedback loop: the append-only signal
// ledger, feedback objects and their signal links, and verification
// outcomes. Postgres is the production backend; SQLite serves local
// development.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/backofhouse/opsloop/internal/model"
)

// ErrNotFound is returned when an id does not match any row.
var ErrNotFound = eris.New("store: not found")

// ErrStatusConflict is returned when a conditional status update finds
// the row in a different status than the caller observed.
var ErrStatusConflict = eris.New("store: status changed concurrently")

// SignalFilter specifies criteria for listing signals.
type SignalFilter struct {
	OrgID        string         `json:"org_id,omitempty"`
	VenueID      string         `json:"venue_id,omitempty"`
	BusinessDate string         `json:"business_date,omitempty"`
	DateFrom     string         `json:"date_from,omitempty"` // inclusive
	DateTo       string         `json:"date_to,omitempty"`   // inclusive
	Domain       model.Domain   `json:"domain,omitempty"`
	SignalType   string         `json:"signal_type,omitempty"`
	Severity     model.Severity `json:"severity,omitempty"`
	Limit        int            `json:"limit,omitempty"`
}

// FeedbackFilter specifies criteria for listing feedback objects.
type FeedbackFilter struct {
	OrgID        string          `json:"org_id,omitempty"`
	VenueID      string          `json:"venue_id,omitempty"`
	BusinessDate string          `json:"business_date,omitempty"`
	Domain       model.Domain    `json:"domain,omitempty"`
	Status       model.Status    `json:"status,omitempty"`
	OwnerRole    model.OwnerRole `json:"owner_role,omitempty"`
	Limit        int             `json:"limit,omitempty"`
}

// OutcomeFilter specifies criteria for listing verification outcomes.
type OutcomeFilter struct {
	FeedbackObjectID string    `json:"feedback_object_id,omitempty"`
	Since            time.Time `json:"since,omitempty"`
	Limit            int       `json:"limit,omitempty"`
}

// StatusUpdate carries the metadata stamped alongside a status change.
type StatusUpdate struct {
	Actor             string
	ResolutionSummary string
}

// LoopCounts is the monitoring view of the feedback loop's backlog.
type LoopCounts struct {
	ByStatus            map[model.Status]int
	OverdueOpen         int
	PendingVerification int
	Quarantined         int
}

// Store defines the persistence interface for the feedback loop.
type Store interface {
	// Signal ledger. WriteSignal returns (nil, nil) when the dedupe key
	// already exists: a detector re-firing for a known fact is expected,
	// not an error. WriteSignals persists the non-duplicate members of
	// the batch and returns only the newly created signals.
	WriteSignal(ctx context.Context, in model.SignalInput) (*model.Signal, error)
	WriteSignals(ctx context.Context, ins []model.SignalInput) ([]model.Signal, error)
	ListSignals(ctx context.Context, filter SignalFilter) ([]model.Signal, error)

	// Feedback objects.
	CreateFeedbackObject(ctx context.Context, fo model.FeedbackObject) (*model.FeedbackObject, error)
	LinkSignals(ctx context.Context, feedbackID string, signalIDs []string, role string) error
	GetFeedbackObject(ctx context.Context, id string) (*model.FeedbackObject, error)
	ListFeedbackObjects(ctx context.Context, filter FeedbackFilter) ([]model.FeedbackObject, error)
	ListLinkedSignalIDs(ctx context.Context, feedbackID string) ([]string, error)
	// UpdateFeedbackStatus applies a conditional transition: the row must
	// still be in `from`. Returns ErrStatusConflict when it is not.
	UpdateFeedbackStatus(ctx context.Context, id string, from, to model.Status, upd StatusUpdate) error

	// Verification bookkeeping.
	ListPendingVerification(ctx context.Context) ([]model.FeedbackObject, error)
	// ClaimVerification atomically marks an object as being evaluated.
	// Returns false when another sweep holds a fresh claim or the object
	// is already verified.
	ClaimVerification(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error)
	ReleaseVerificationClaim(ctx context.Context, id string) error
	RecordVerification(ctx context.Context, id string, result model.VerificationResult, data *model.VerificationData, verifiedAt time.Time, status model.Status) error
	// IncrementVerificationAttempts bumps the attempt counter and
	// quarantines the object once maxAttempts is reached. Returns whether
	// the object is now quarantined.
	IncrementVerificationAttempts(ctx context.Context, id string, maxAttempts int, now time.Time) (bool, error)
	InsertOutcome(ctx context.Context, o model.Outcome) (*model.Outcome, error)
	ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]model.Outcome, error)

	// Monitoring. An empty orgID counts across every org.
	CollectLoopCounts(ctx context.Context, orgID string, now time.Time) (*LoopCounts, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
