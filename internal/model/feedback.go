package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Status is the lifecycle state of a feedback object.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusInProgress   Status = "in_progress"
	StatusResolved     Status = "resolved"
	StatusSuppressed   Status = "suppressed"
	StatusEscalated    Status = "escalated"
	StatusExpired      Status = "expired"
)

// RequiredAction describes what the owner must do with a feedback object.
type RequiredAction string

const (
	ActionAcknowledge RequiredAction = "acknowledge"
	ActionExplain     RequiredAction = "explain"
	ActionCorrect     RequiredAction = "correct"
	ActionResolve     RequiredAction = "resolve"
)

// OwnerRole identifies who is accountable for a feedback object.
type OwnerRole string

const (
	RoleVenueManager OwnerRole = "venue_manager"
	RoleGM           OwnerRole = "gm"
	RoleAGM          OwnerRole = "agm"
	RoleCorporate    OwnerRole = "corporate"
	RolePurchasing   OwnerRole = "purchasing"
	RoleSystem       OwnerRole = "system"
)

// VerificationResult is the judgment of one post-resolution evaluation.
type VerificationResult string

const (
	ResultPass             VerificationResult = "pass"
	ResultFail             VerificationResult = "fail"
	ResultInsufficientData VerificationResult = "insufficient_data"
)

// Operator compares a measured value to a target.
type Operator string

const (
	OpLTE Operator = "<="
	OpGTE Operator = ">="
	OpLT  Operator = "<"
	OpGT  Operator = ">"
	OpEQ  Operator = "=="
)

// VerificationSpec is the machine-checkable contract attached to a
// feedback object. Its presence makes the object eligible for
// post-resolution verification.
type VerificationSpec struct {
	Metric     string   `json:"metric"`
	Operator   Operator `json:"operator"`
	Target     float64  `json:"target"`
	WindowDays int      `json:"window_days"`
}

// Valid reports whether the spec has every field the evaluator needs.
// Malformed specs are a data quality issue, not a runtime fault.
func (s *VerificationSpec) Valid() bool {
	if s == nil {
		return false
	}
	switch s.Operator {
	case OpLTE, OpGTE, OpLT, OpGT, OpEQ:
	default:
		return false
	}
	return s.Metric != "" && s.WindowDays > 0
}

// DailyValue is one day's contribution to a windowed measurement.
type DailyValue struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// VerificationData records what the evaluator actually measured.
type VerificationData struct {
	Measured     float64      `json:"measured"`
	WindowStart  string       `json:"window_start"`
	WindowEnd    string       `json:"window_end"`
	DaysWithData int          `json:"days_with_data"`
	Daily        []DailyValue `json:"daily,omitempty"`
}

// FeedbackObject is an actionable unit surfaced to a human owner,
// derived from one or more signals. Objects are never hard-deleted;
// their history is the audit trail.
type FeedbackObject struct {
	ID           string `json:"id"`
	OrgID        string `json:"org_id"`
	VenueID      string `json:"venue_id,omitempty"`
	BusinessDate string `json:"business_date"`

	Domain         Domain         `json:"domain"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	RequiredAction RequiredAction `json:"required_action"`
	Severity       Severity       `json:"severity"`
	Confidence     *float64       `json:"confidence,omitempty"`

	OwnerRole  OwnerRole  `json:"owner_role"`
	AssignedTo string     `json:"assigned_to,omitempty"`
	DueAt      *time.Time `json:"due_at,omitempty"`

	VerificationSpec *VerificationSpec `json:"verification_spec,omitempty"`
	Status           Status            `json:"status"`

	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy        string     `json:"resolved_by,omitempty"`
	ResolutionSummary string     `json:"resolution_summary,omitempty"`

	VerifiedAt            *time.Time         `json:"verified_at,omitempty"`
	VerificationResult    VerificationResult `json:"verification_result,omitempty"`
	VerificationData      *VerificationData  `json:"verification_data,omitempty"`
	VerificationClaimedAt *time.Time         `json:"verification_claimed_at,omitempty"`
	VerificationAttempts  int                `json:"verification_attempts"`
	QuarantinedAt         *time.Time         `json:"quarantined_at,omitempty"`

	// SourceRunID links an escalation successor back to its predecessor.
	SourceRunID string `json:"source_run_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrIllegalTransition is returned when a status change violates the
// feedback lifecycle state machine.
var ErrIllegalTransition = eris.New("model: illegal status transition")

// statusTransitions is the allowed-transition table. Suppressed, expired,
// and escalated are terminal; resolved only moves forward to escalated
// (set by the evaluator when verification fails).
var statusTransitions = map[Status][]Status{
	StatusOpen:         {StatusAcknowledged, StatusInProgress, StatusResolved, StatusSuppressed, StatusExpired},
	StatusAcknowledged: {StatusInProgress, StatusResolved, StatusSuppressed, StatusExpired},
	StatusInProgress:   {StatusResolved, StatusSuppressed, StatusExpired},
	StatusResolved:     {StatusEscalated},
	StatusSuppressed:   {},
	StatusEscalated:    {},
	StatusExpired:      {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidTransition returns ErrIllegalTransition (with context) when the
// requested status change is not in the transition table.
func ValidTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return eris.Wrapf(ErrIllegalTransition, "%s -> %s", from, to)
	}
	return nil
}

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return len(statusTransitions[s]) == 0
}
