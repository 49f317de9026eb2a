package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"boardline/internal/domain"
	"boardline/internal/events"
	"boardline/internal/logging"
	"boardline/internal/reconcile"
	"boardline/internal/repo"
)

type WebhookConfig struct {
	// Secret verifies X-Hub-Signature-256. Empty disables the endpoint.
	Secret    string
	RateLimit float64
	Burst     int
}

// trackerWebhook turns GitHub deliveries into targeted reconciliation of the affected item.
type trackerWebhook struct {
	cfg        WebhookConfig
	reconciler *reconcile.Reconciler
	log        *logging.Logger
	now        func() time.Time

	mu        sync.Mutex
	limiters  map[string]*hostLimiter
	lastSweep time.Time
}

type hostLimiter struct {
	*rate.Limiter
	seen time.Time
}

// limiterIdle is how long a host may stay quiet before its limiter is dropped.
const limiterIdle = 10 * time.Minute

func newTrackerWebhook(cfg WebhookConfig, r *reconcile.Reconciler, log *logging.Logger) *trackerWebhook {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	return &trackerWebhook{cfg: cfg, reconciler: r, log: log, now: time.Now, limiters: map[string]*hostLimiter{}}
}

func (h *trackerWebhook) limiter(r *http.Request) *rate.Limiter {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	if now.Sub(h.lastSweep) >= limiterIdle/10 {
		for k, l := range h.limiters {
			if now.Sub(l.seen) > limiterIdle {
				delete(h.limiters, k)
			}
		}
		h.lastSweep = now
	}
	l, ok := h.limiters[host]
	if !ok {
		l = &hostLimiter{Limiter: rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.Burst)}
		h.limiters[host] = l
	}
	l.seen = now
	return l.Limiter
}

type webhookResult struct {
	Event   string             `json:"event"`
	Action  string             `json:"action,omitempty"`
	Outcome *reconcile.Outcome `json:"outcome,omitempty"`
	Ignored string             `json:"ignored,omitempty"`
}

func (h *trackerWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cfg.Secret == "" {
		respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "tracker webhook not configured", nil))
		return
	}
	if !h.limiter(r).Allow() {
		w.Header().Set("Retry-After", "1")
		respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many deliveries", nil))
		return
	}
	payload, err := github.ValidatePayload(r, []byte(h.cfg.Secret))
	if err != nil {
		h.log.Warn(ctx, "tracker webhook signature rejected", zap.Error(err))
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_signature", "invalid signature", nil))
		return
	}
	kind := github.WebHookType(r)
	parsed, err := github.ParseWebHook(kind, payload)
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
		return
	}
	res := webhookResult{Event: kind}
	switch ev := parsed.(type) {
	case *github.PingEvent:
		res.Ignored = "ping"
	case *github.PullRequestEvent:
		res.Action = ev.GetAction()
		if ev.GetAction() != "closed" || !ev.GetPullRequest().GetMerged() {
			res.Ignored = "not a merge"
			break
		}
		ref := fmt.Sprintf("%s#%d", ev.GetRepo().GetFullName(), ev.GetNumber())
		res.Outcome, res.Ignored, err = h.run(ctx, func(ctx context.Context) (reconcile.Outcome, error) {
			return h.reconciler.ReconcileArtifact(ctx, ref)
		})
	case *github.IssuesEvent:
		res.Action = ev.GetAction()
		switch ev.GetAction() {
		case "closed", "reopened", "labeled", "unlabeled":
		default:
			res.Ignored = "action not tracked"
		}
		if res.Ignored != "" {
			break
		}
		id := fmt.Sprintf("%s#%d", ev.GetRepo().GetFullName(), ev.GetIssue().GetNumber())
		res.Outcome, res.Ignored, err = h.run(ctx, func(ctx context.Context) (reconcile.Outcome, error) {
			return h.reconciler.ReconcileItem(ctx, id)
		})
	default:
		res.Ignored = "event not tracked"
	}
	if err != nil {
		h.log.Error(ctx, "tracker webhook reconcile failed", zap.String("event", kind), zap.Error(err))
		respondStatusError(w, asStatusError(handleError(err)))
		return
	}
	h.record(ctx, r, res)
	writeJSON(w, http.StatusAccepted, res)
}

// run reconciles one item; deliveries for items not on the board are acknowledged and ignored.
func (h *trackerWebhook) run(ctx context.Context, fn func(context.Context) (reconcile.Outcome, error)) (*reconcile.Outcome, string, error) {
	out, err := fn(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, "item not on board", nil
	}
	if err != nil {
		return nil, "", err
	}
	return &out, "", nil
}

func (h *trackerWebhook) record(ctx context.Context, r *http.Request, res webhookResult) {
	payload := events.EventPayload{
		"event":    res.Event,
		"action":   res.Action,
		"delivery": github.DeliveryID(r),
	}
	entityID := ""
	if res.Outcome != nil {
		entityID = res.Outcome.ItemID
		payload["result"] = res.Outcome.Action
	}
	if res.Ignored != "" {
		payload["ignored"] = res.Ignored
	}
	if _, err := h.reconciler.Engine.Events.Append(ctx, nil, events.TrackerWebhookSeen, "item", entityID, domain.ReconcilerActorID, payload); err != nil {
		h.log.Warn(ctx, "record tracker webhook", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func asStatusError(err error) huma.StatusError {
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}
