package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"boardline/internal/metrics"
)

// NATS publishes each notification on <prefix>.actor.<recipient> and treats a successful
// flush as the delivery confirmation.
type NATS struct {
	Conn          *nats.Conn
	SubjectPrefix string
	FlushTimeout  time.Duration
}

func NewNATS(conn *nats.Conn, prefix string) *NATS {
	if prefix == "" {
		prefix = "boardline"
	}
	return &NATS{Conn: conn, SubjectPrefix: prefix, FlushTimeout: 2 * time.Second}
}

// Subject returns the subject a recipient's notifications are published on.
func (n *NATS) Subject(recipient string) string {
	return n.SubjectPrefix + ".actor." + subjectToken(recipient)
}

func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func (n *NATS) Notify(ctx context.Context, recipient string, ev Event) (Confirmation, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Confirmation{}, err
	}
	subject := n.Subject(recipient)
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("Boardline-Event", ev.Type)
	msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("%d", ev.NotificationID))
	if err := n.Conn.PublishMsg(msg); err != nil {
		metrics.NotificationsTotal.WithLabelValues("nats", "failed").Inc()
		return Confirmation{}, fmt.Errorf("publish %s: %w", subject, err)
	}
	timeout := n.FlushTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	if err := n.Conn.FlushTimeout(timeout); err != nil {
		metrics.NotificationsTotal.WithLabelValues("nats", "failed").Inc()
		return Confirmation{}, fmt.Errorf("flush %s: %w", subject, err)
	}
	metrics.NotificationsTotal.WithLabelValues("nats", "delivered").Inc()
	return Confirmation{Channel: "nats", Ref: subject, At: time.Now().UTC()}, nil
}
