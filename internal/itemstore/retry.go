package itemstore

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"boardline/internal/logging"
)

// RetryConfig configures retry behavior for tracker API calls.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (c *RetryConfig) applyDefaults() {
	d := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
}

// retry runs op with exponential backoff on rate limits and transient failures.
func retry(ctx context.Context, cfg RetryConfig, log *logging.Logger, op func() (*github.Response, error)) (*github.Response, error) {
	cfg.applyDefaults()
	var (
		lastErr  error
		lastResp *github.Response
	)
	backoff := cfg.InitialBackoff
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		resp, err := op()
		if err == nil {
			return resp, nil
		}
		lastErr, lastResp = err, resp
		if !retryable(err, resp) || attempt == cfg.MaxRetries {
			break
		}
		if isRateLimited(resp) {
			backoff = rateLimitBackoff(resp, cfg.MaxBackoff)
		}
		log.Debug(ctx, "retrying tracker call",
			zap.Int("attempt", attempt+1),
			zap.Int("status_code", statusCode(resp)),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return lastResp, lastErr
}

func retryable(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}
	if resp == nil || resp.Response == nil {
		// network errors and timeouts
		return true
	}
	switch code := resp.Response.StatusCode; {
	case code == http.StatusTooManyRequests:
		return true
	case code == http.StatusForbidden:
		// secondary rate limits come back as 403 with rate headers
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	case code >= 500:
		return true
	}
	return false
}

func isRateLimited(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		return false
	}
	code := resp.Response.StatusCode
	return code == http.StatusTooManyRequests || (code == http.StatusForbidden && resp.Rate.Remaining == 0)
}

func rateLimitBackoff(resp *github.Response, max time.Duration) time.Duration {
	backoff := time.Until(resp.Rate.Reset.Time) + time.Second
	if backoff < time.Second {
		backoff = time.Second
	}
	if backoff > max {
		backoff = max
	}
	return backoff
}

func statusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}
