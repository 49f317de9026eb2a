package notify

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"boardline/internal/domain"
	"boardline/internal/events"
	"boardline/internal/logging"
	"boardline/internal/repo"
)

const maxBackoff = time.Hour

// Dispatcher drains the notification outbox. Deliver is called right after a transition
// commits; Run retries whatever is still pending.
type Dispatcher struct {
	Repo          repo.Repo
	Gateway       Gateway
	RetryInterval time.Duration
	MaxAttempts   int
	Now           func() time.Time
	Log           *logging.Logger
	// Events, when set, records notifications that exhausted their attempts.
	Events *events.Writer
}

func NewDispatcher(r repo.Repo, g Gateway, log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.NewNop()
	}
	return &Dispatcher{Repo: r, Gateway: g, RetryInterval: 30 * time.Second, MaxAttempts: 8, Log: log}
}

// Failure describes one notification that could not be delivered yet.
type Failure struct {
	NotificationID int64  `json:"notification_id"`
	Recipient      string `json:"recipient"`
	Type           string `json:"type"`
	Error          string `json:"error"`
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// Deliver attempts each listed outbox row once and returns the failures. Failures stay
// pending for Run to retry; they never undo the change that produced them.
func (d *Dispatcher) Deliver(ctx context.Context, ids []int64) []Failure {
	var failures []Failure
	for _, id := range ids {
		n, err := d.Repo.GetNotification(ctx, id)
		if err != nil {
			failures = append(failures, Failure{NotificationID: id, Error: err.Error()})
			continue
		}
		if n.Status != repo.NotificationPending {
			continue
		}
		if f := d.attempt(ctx, n); f != nil {
			failures = append(failures, *f)
		}
	}
	return failures
}

// RetryDue attempts every pending row whose backoff has elapsed.
func (d *Dispatcher) RetryDue(ctx context.Context) (delivered, failed int, err error) {
	due, err := d.Repo.DueNotifications(ctx, d.now(), 100)
	if err != nil {
		return 0, 0, err
	}
	for _, n := range due {
		if f := d.attempt(ctx, n); f != nil {
			failed++
		} else {
			delivered++
		}
	}
	return delivered, failed, nil
}

// Run retries due notifications until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if delivered, failed, err := d.RetryDue(ctx); err != nil {
			d.Log.Error(ctx, "notification retry pass failed", zap.Error(err))
		} else if delivered+failed > 0 {
			d.Log.Info(ctx, "notification retry pass", zap.Int("delivered", delivered), zap.Int("failed", failed))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, n domain.Notification) *Failure {
	ev := Event{
		NotificationID: n.ID,
		Type:           n.Type,
		ItemID:         n.ItemID,
		Recipient:      n.RecipientID,
		Payload:        json.RawMessage(n.Payload),
		CreatedAt:      n.CreatedAt,
	}
	if !json.Valid(ev.Payload) {
		ev.Payload = json.RawMessage(`{}`)
	}
	_, err := d.Gateway.Notify(ctx, n.RecipientID, ev)
	if err == nil {
		if err := d.Repo.MarkNotificationDelivered(ctx, n.ID, d.now()); err != nil {
			d.Log.Error(ctx, "mark notification delivered", zap.Int64("notification", n.ID), zap.Error(err))
		}
		return nil
	}
	next := d.now().Add(d.backoff(n.Attempts))
	if markErr := d.Repo.MarkNotificationAttemptFailed(ctx, n.ID, err.Error(), next, d.maxAttempts()); markErr != nil {
		d.Log.Error(ctx, "record notification failure", zap.Int64("notification", n.ID), zap.Error(markErr))
	}
	d.Log.Warn(ctx, "notification delivery failed",
		zap.Int64("notification", n.ID),
		zap.String("recipient", n.RecipientID),
		zap.String("type", n.Type),
		zap.Int("attempt", n.Attempts+1),
		zap.Error(err))
	if n.Attempts+1 >= d.maxAttempts() && d.Events != nil {
		if _, evErr := d.Events.Append(ctx, nil, events.NotificationDropped, "notification", n.ItemID, n.RecipientID, events.EventPayload{
			"notification_id": n.ID,
			"type":            n.Type,
			"attempts":        n.Attempts + 1,
			"error":           err.Error(),
		}); evErr != nil {
			d.Log.Error(ctx, "record dropped notification", zap.Int64("notification", n.ID), zap.Error(evErr))
		}
	}
	return &Failure{NotificationID: n.ID, Recipient: n.RecipientID, Type: n.Type, Error: err.Error()}
}

func (d *Dispatcher) maxAttempts() int {
	if d.MaxAttempts <= 0 {
		return 8
	}
	return d.MaxAttempts
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	base := d.RetryInterval
	if base <= 0 {
		base = 30 * time.Second
	}
	b := base
	for i := 0; i < attempts && b < maxBackoff; i++ {
		b *= 2
	}
	if b > maxBackoff {
		b = maxBackoff
	}
	return b
}
