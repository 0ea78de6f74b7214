package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/backofhouse/opsloop/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertOverdueBacklog       AlertType = "overdue_backlog"
	AlertQuarantineDepth      AlertType = "quarantine_depth"
	AlertVerificationFailRate AlertType = "verification_fail_rate"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a LoopSnapshot against configured thresholds and
// sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *LoopSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Check the overdue backlog.
	if a.cfg.OverdueThreshold > 0 && snap.OverdueOpen >= a.cfg.OverdueThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertOverdueBacklog,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d feedback object(s) are open past their due date (threshold %d)",
				snap.OverdueOpen, a.cfg.OverdueThreshold,
			),
			Details: map[string]any{
				"overdue_open": snap.OverdueOpen,
				"threshold":    a.cfg.OverdueThreshold,
				"open_total":   snap.Open + snap.Acknowledged + snap.InProgress,
			},
			Timestamp: now,
		})
	}

	// Check quarantine depth. Quarantined objects never re-enter the
	// sweep on their own, so a growing count means specs are broken.
	if a.cfg.QuarantineThreshold > 0 && snap.Quarantined >= a.cfg.QuarantineThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQuarantineDepth,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d feedback object(s) are quarantined from verification (threshold %d)",
				snap.Quarantined, a.cfg.QuarantineThreshold,
			),
			Details: map[string]any{
				"quarantined": snap.Quarantined,
				"threshold":   a.cfg.QuarantineThreshold,
			},
			Timestamp: now,
		})
	}

	// Check the verification fail rate.
	judged := snap.VerificationsPassed + snap.VerificationsFailed
	if judged >= 5 && snap.VerificationFailRate > a.cfg.FailRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertVerificationFailRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Verification fail rate %.1f%% exceeds threshold %.1f%% (%d failed / %d judged in last %dh)",
				snap.VerificationFailRate*100, a.cfg.FailRateThreshold*100,
				snap.VerificationsFailed, judged, snap.LookbackHours,
			),
			Details: map[string]any{
				"fail_rate": snap.VerificationFailRate,
				"threshold": a.cfg.FailRateThreshold,
				"failed":    snap.VerificationsFailed,
				"judged":    judged,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
