package model

import "time"

// Outcome is the immutable record of one verification attempt. Exactly one
// is inserted per evaluated feedback object; the object's verified_at
// guards against re-evaluation.
type Outcome struct {
	ID               string             `json:"id"`
	FeedbackObjectID string             `json:"feedback_object_id"`
	Result           VerificationResult `json:"result"`
	Spec             VerificationSpec   `json:"spec"` // snapshot of the spec used
	Data             VerificationData   `json:"data"`
	// SuccessorID is set only when Result is fail and a successor was
	// created. A fail outcome with a null successor is a visible gap,
	// not a silent one.
	SuccessorID string    `json:"successor_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SignalRolePrimary tags the default link between a feedback object and
// the signals it was generated from.
const SignalRolePrimary = "primary"
