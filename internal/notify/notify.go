// Package notify delivers owner-facing notifications about feedback
// objects. Delivery is best-effort: the loop's state lives in the
// store, and a lost notification never blocks it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/backofhouse/opsloop/internal/model"
	"github.com/backofhouse/opsloop/internal/resilience"
)

// Notification is the payload pushed when a feedback object is created
// or escalated.
type Notification struct {
	Event      string          `json:"event"` // "created" | "escalated" | "quarantined"
	FeedbackID string          `json:"feedback_id"`
	OrgID      string          `json:"org_id"`
	VenueID    string          `json:"venue_id,omitempty"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Severity   model.Severity  `json:"severity"`
	OwnerRole  model.OwnerRole `json:"owner_role"`
	DueAt      *time.Time      `json:"due_at,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Notifier delivers one notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier discards notifications. Used when no webhook is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// WebhookNotifier posts notifications to a configured URL. A token
// bucket caps the outbound rate so a noisy detector run cannot flood
// the receiving channel, and transient receiver failures are retried
// with backoff.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	retry   resilience.Policy
}

// NewWebhookNotifier creates a notifier posting to url, allowing at most
// perMinute deliveries per minute.
func NewWebhookNotifier(url string, perMinute int) *WebhookNotifier {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		retry:   resilience.DefaultPolicy(),
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "notify: rate limit wait")
	}

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return eris.Wrap(err, "notify: marshal notification")
	}

	if err := w.retry.Do(ctx, func(ctx context.Context) error {
		return w.post(ctx, payload)
	}); err != nil {
		return err
	}

	zap.L().Debug("notify: delivered",
		zap.String("event", n.Event),
		zap.String("feedback_id", n.FeedbackID),
	)
	return nil
}

func (w *WebhookNotifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return resilience.MarkTransient(eris.Wrap(err, "notify: webhook request"))
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		statusErr := eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
		if resilience.RetryableStatus(resp.StatusCode) {
			return resilience.MarkTransient(statusErr)
		}
		return statusErr
	}
	return nil
}
