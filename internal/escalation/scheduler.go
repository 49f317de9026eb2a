package escalation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"boardline/internal/domain"
	"boardline/internal/lock"
	"boardline/internal/logging"
	"boardline/internal/repo"
)

// Firer applies one due timer under the item lock, typically the engine.
type Firer interface {
	FireEscalation(ctx context.Context, t domain.EscalationTimer) (bool, error)
}

// Scheduler polls the timer table; timers live in the database so they survive restarts.
type Scheduler struct {
	Repo  repo.Repo
	Firer Firer
	Now   func() time.Time
	Log   *logging.Logger
}

type SweepResult struct {
	Due   int `json:"due"`
	Fired int `json:"fired"`
	Busy  int `json:"busy"`
}

// Sweep fires every timer due at now. Busy items are left pending for the next sweep.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	due, err := s.Repo.DueTimers(ctx, now, 500)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Due: len(due)}
	var errs []error
	for _, t := range due {
		fired, err := s.Firer.FireEscalation(ctx, t)
		switch {
		case errors.Is(err, lock.ErrBusy):
			res.Busy++
		case err != nil:
			errs = append(errs, err)
			s.Log.Error(ctx, "fire escalation timer", zap.String("item", t.ItemID), zap.String("stage", t.Stage.String()), zap.Error(err))
		case fired:
			res.Fired++
		}
	}
	return res, errors.Join(errs...)
}

// Run sweeps every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		now := time.Now()
		if s.Now != nil {
			now = s.Now()
		}
		if res, err := s.Sweep(ctx, now); err != nil {
			s.Log.Error(ctx, "escalation sweep failed", zap.Error(err))
		} else if res.Fired > 0 {
			s.Log.Info(ctx, "escalation sweep", zap.Int("fired", res.Fired), zap.Int("busy", res.Busy))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
