// Package notify delivers board notifications to responsible actors. Notifications are
// written to an outbox inside the transition transaction and delivered after commit.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Event is the wire form of one notification.
type Event struct {
	NotificationID int64           `json:"notification_id"`
	Type           string          `json:"type"`
	ItemID         string          `json:"item_id"`
	Recipient      string          `json:"recipient"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Confirmation proves a gateway accepted a notification.
type Confirmation struct {
	Channel string    `json:"channel"`
	Ref     string    `json:"ref,omitempty"`
	At      time.Time `json:"at"`
}

// Gateway delivers one event to one recipient. Errors are retryable.
type Gateway interface {
	Notify(ctx context.Context, recipient string, ev Event) (Confirmation, error)
}

// Notification types.
const (
	TypeItemTransitioned = "item.transitioned"
	TypeItemAssigned     = "item.assigned"
	TypeBlockerReported  = "blocker.reported"
	TypeBlockerReminder  = "blocker.reminder"
	TypeBlockerUrgent    = "blocker.urgent"
	TypeBlockerAwaiting  = "blocker.awaiting_user"
	TypeBlockerResolved  = "blocker.resolved"
	TypeDivergence       = "reconcile.divergence"
	TypeStale            = "reconcile.stale"
)

// FanOut delivers to every gateway and confirms when at least one accepted.
type FanOut []Gateway

func (f FanOut) Notify(ctx context.Context, recipient string, ev Event) (Confirmation, error) {
	if len(f) == 0 {
		return Confirmation{}, errors.New("no notification gateway configured")
	}
	var (
		first Confirmation
		ok    bool
		errs  []error
	)
	for _, g := range f {
		c, err := g.Notify(ctx, recipient, ev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			first, ok = c, true
		}
	}
	if ok {
		return first, nil
	}
	return Confirmation{}, errors.Join(errs...)
}

// Recorder keeps every delivered event in memory. Fail, when set, makes Notify return it.
type Recorder struct {
	mu     sync.Mutex
	events []Delivered
	Fail   error
}

type Delivered struct {
	Recipient string
	Event     Event
}

func (r *Recorder) Notify(_ context.Context, recipient string, ev Event) (Confirmation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return Confirmation{}, r.Fail
	}
	r.events = append(r.events, Delivered{Recipient: recipient, Event: ev})
	return Confirmation{Channel: "recorder", At: time.Now().UTC()}, nil
}

func (r *Recorder) SetFail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Fail = err
}

func (r *Recorder) Events() []Delivered {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivered(nil), r.events...)
}

// Types returns the event types delivered to recipient, in order.
func (r *Recorder) Types(recipient string) []string {
	var out []string
	for _, d := range r.Events() {
		if d.Recipient == recipient {
			out = append(out, d.Event.Type)
		}
	}
	return out
}
