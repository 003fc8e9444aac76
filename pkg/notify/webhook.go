// Package notify tells operators when a run needs attention or is done.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/pipestudio/pkg/eventbus"
	"github.com/dukex/pipestudio/pkg/events"
)

var ErrWebhookRejected = errors.New("webhook rejected notification")

// Notification is the JSON body posted to the webhook.
type Notification struct {
	Event       events.EventType `json:"event"`
	RunID       string           `json:"runId"`
	ProjectID   string           `json:"projectId"`
	PipelineID  string           `json:"pipelineId,omitempty"`
	NodeID      string           `json:"nodeId,omitempty"`
	FailedNodes []string         `json:"failedNodes,omitempty"`
	Error       string           `json:"error,omitempty"`
	DurationMs  int64            `json:"durationMs,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Webhook posts a Notification for runs entering review, failing or completing.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewWebhook(url string, client *http.Client, logger *slog.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &Webhook{
		url:    url,
		client: client,
		logger: logger.With("module", "notify"),
	}
}

// Register subscribes the webhook to the events it reports.
func (w *Webhook) Register(sub eventbus.EventSubscriber) error {
	for _, eventType := range []events.EventType{
		events.RunReviewEvent,
		events.RunFailedEvent,
		events.RunCompletedEvent,
	} {
		if err := sub.Handle(eventType, w.handle); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", eventType, err)
		}
	}

	return nil
}

// handle never fails the message: a lost notification must not block the bus.
func (w *Webhook) handle(ctx context.Context, event any) error {
	n, ok := notificationFor(event)
	if !ok {
		return nil
	}

	if err := w.Send(ctx, n); err != nil {
		w.logger.ErrorContext(ctx, "Failed to deliver notification",
			"event", n.Event,
			"project_id", n.ProjectID,
			"error", err,
		)
	}

	return nil
}

// Send posts one notification.
func (w *Webhook) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: status %d", ErrWebhookRejected, resp.StatusCode)
	}

	w.logger.DebugContext(ctx, "Notification delivered", "event", n.Event, "project_id", n.ProjectID)

	return nil
}

func notificationFor(event any) (Notification, bool) {
	base := func(b events.BaseEvent) Notification {
		return Notification{
			Event:      b.Type,
			RunID:      b.RunID,
			ProjectID:  b.ProjectID,
			PipelineID: b.PipelineID,
			Timestamp:  b.Timestamp,
		}
	}

	switch e := event.(type) {
	case *events.RunReview:
		n := base(e.BaseEvent)
		n.NodeID = e.NodeID

		return n, true
	case *events.RunFailed:
		n := base(e.BaseEvent)
		n.FailedNodes = e.FailedNodes
		n.Error = e.Error

		return n, true
	case *events.RunCompleted:
		n := base(e.BaseEvent)
		n.DurationMs = e.DurationMs

		return n, true
	default:
		return Notification{}, false
	}
}
