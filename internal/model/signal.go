package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Domain classifies which operational area a signal belongs to.
type Domain string

const (
	DomainRevenue     Domain = "revenue"
	DomainLabor       Domain = "labor"
	DomainProcurement Domain = "procurement"
	DomainService     Domain = "service"
	DomainCompliance  Domain = "compliance"
)

// Source identifies what kind of detector produced a signal.
type Source string

const (
	SourceRule  Source = "rule"
	SourceModel Source = "model"
	SourceAI    Source = "ai"
)

// Severity grades a signal or feedback object.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Signal is an immutable record of one detected operational anomaly.
// Signals are created once by a detector, never updated, never deleted.
type Signal struct {
	ID            string         `json:"id"`
	OrgID         string         `json:"org_id"`
	VenueID       string         `json:"venue_id,omitempty"`
	BusinessDate  string         `json:"business_date"` // calendar date, YYYY-MM-DD
	Domain        Domain         `json:"domain"`
	SignalType    string         `json:"signal_type"`
	Source        Source         `json:"source"`
	Severity      Severity       `json:"severity"`
	Confidence    *float64       `json:"confidence,omitempty"`
	ImpactValue   float64        `json:"impact_value"`
	ImpactUnit    string         `json:"impact_unit,omitempty"`
	EntityType    string         `json:"entity_type,omitempty"`
	EntityID      string         `json:"entity_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	DedupeKey     string         `json:"dedupe_key"`
	DetectedRunID string         `json:"detected_run_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// SignalInput is what a detector submits. ID, DedupeKey, and CreatedAt
// are filled in at write time when absent.
type SignalInput struct {
	OrgID         string         `json:"org_id"`
	VenueID       string         `json:"venue_id,omitempty"`
	BusinessDate  string         `json:"business_date"`
	Domain        Domain         `json:"domain"`
	SignalType    string         `json:"signal_type"`
	Source        Source         `json:"source"`
	Severity      Severity       `json:"severity"`
	Confidence    *float64       `json:"confidence,omitempty"`
	ImpactValue   float64        `json:"impact_value"`
	ImpactUnit    string         `json:"impact_unit,omitempty"`
	EntityType    string         `json:"entity_type,omitempty"`
	EntityID      string         `json:"entity_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	DedupeKey     string         `json:"dedupe_key,omitempty"`
	DetectedRunID string         `json:"detected_run_id,omitempty"`
}

// ComputeDedupeKey derives the deterministic key that collapses repeated
// detections of the same underlying fact: domain, signal type, entity
// reference ("none" when absent), and a stable hash of the payload when
// one is present. Map keys are sorted by encoding/json, so the same
// payload always hashes the same.
func ComputeDedupeKey(in SignalInput) (string, error) {
	entityType := in.EntityType
	if entityType == "" {
		entityType = "none"
	}
	entityID := in.EntityID
	if entityID == "" {
		entityID = "none"
	}

	parts := []string{string(in.Domain), in.SignalType, entityType, entityID}

	if len(in.Payload) > 0 {
		raw, err := json.Marshal(in.Payload)
		if err != nil {
			return "", eris.Wrap(err, "model: marshal signal payload")
		}
		sum := sha256.Sum256(raw)
		parts = append(parts, hex.EncodeToString(sum[:])[:16])
	}

	return strings.Join(parts, ":"), nil
}

// Validate checks the fields a detector must always supply.
func (in SignalInput) Validate() error {
	switch {
	case in.OrgID == "":
		return eris.New("model: signal org_id is required")
	case in.BusinessDate == "":
		return eris.New("model: signal business_date is required")
	case in.Domain == "":
		return eris.New("model: signal domain is required")
	case in.SignalType == "":
		return eris.New("model: signal signal_type is required")
	}
	if in.Severity == "" {
		return eris.New("model: signal severity is required")
	}
	if in.Confidence != nil && (*in.Confidence < 0 || *in.Confidence > 1) {
		return eris.Errorf("model: signal confidence %v out of range [0,1]", *in.Confidence)
	}
	return nil
}
