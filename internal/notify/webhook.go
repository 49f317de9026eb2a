package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"boardline/internal/metrics"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookTarget is one configured HTTP endpoint.
type WebhookTarget struct {
	ID     string
	URL    string
	Events []string
	Secret string
}

// Webhook POSTs notifications to every target whose filter matches the event type.
type Webhook struct {
	Targets []WebhookTarget
	Client  *http.Client
}

func NewWebhook(targets []WebhookTarget) *Webhook {
	return &Webhook{Targets: targets, Client: &http.Client{Timeout: defaultWebhookTimeout}}
}

// Notify confirms when every matching target answered 2xx. Targets that do not subscribe
// to the event type are skipped.
func (w *Webhook) Notify(ctx context.Context, recipient string, ev Event) (Confirmation, error) {
	ev.Recipient = recipient
	data, err := json.Marshal(ev)
	if err != nil {
		return Confirmation{}, err
	}
	var delivered []string
	for _, t := range w.Targets {
		if strings.TrimSpace(t.URL) == "" || !newEventFilter(t.Events).match(ev.Type) {
			continue
		}
		if err := w.post(ctx, t, ev, data); err != nil {
			metrics.NotificationsTotal.WithLabelValues("webhook", "failed").Inc()
			return Confirmation{}, fmt.Errorf("webhook %s: %w", t.ID, err)
		}
		metrics.NotificationsTotal.WithLabelValues("webhook", "delivered").Inc()
		delivered = append(delivered, t.ID)
	}
	if len(delivered) == 0 {
		return Confirmation{}, fmt.Errorf("no webhook subscribed to %s", ev.Type)
	}
	return Confirmation{Channel: "webhook", Ref: strings.Join(delivered, ","), At: time.Now().UTC()}, nil
}

func (w *Webhook) post(ctx context.Context, t WebhookTarget, ev Event, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Boardline-Event", ev.Type)
	req.Header.Set("X-Boardline-Delivery", fmt.Sprintf("%d", ev.NotificationID))
	if strings.TrimSpace(t.Secret) != "" {
		req.Header.Set("X-Boardline-Signature", "sha256="+Sign(t.Secret, data))
	}
	res, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body, as sent in X-Boardline-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
