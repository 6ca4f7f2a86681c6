package dispatch

import (
	"context"
	"time"

	"dispatchd/internal/store"
	logx "dispatchd/pkg/logx"
)

// SweepSummary reports what one continuation tick did.
type SweepSummary struct {
	Running   int `json:"running"`
	Activated int `json:"activated"`
	Resumed   int `json:"resumed"`
	Completed int `json:"completed"`
	Pruned    int `json:"pruned"`
}

// Sweep is one continuation tick: activate stragglers stuck in pending,
// finalize drained jobs, start a processing pass for everything else, and
// prune terminal jobs past retention.
//
// Passes are fire-and-forget; the tick only needs to have started them.
// Calling Sweep with nothing running is a no-op. A failure around one job
// never stops the sweep for the others.
func (s *Service) Sweep(ctx context.Context) (SweepSummary, error) {
	var sum SweepSummary

	// Jobs created but never activated (e.g. the creator died between the
	// insert and the activation CAS).
	pending, err := s.store.JobsByStatus(ctx, store.StatusPending)
	if err != nil {
		return sum, err
	}
	for _, j := range pending {
		ok, err := s.store.CompareAndSetStatus(ctx, j.ID, store.StatusPending, store.StatusRunning)
		if err != nil {
			s.log.Warn("sweep: activation failed", logx.String("job", j.ID), logx.Err(err))
			continue
		}
		if ok {
			sum.Activated++
		}
	}

	running, err := s.store.JobsByStatus(ctx, store.StatusRunning)
	if err != nil {
		return sum, err
	}
	sum.Running = len(running)

	for _, j := range running {
		if j.Remaining() <= 0 {
			// The last pass finished the work but died before finalizing.
			ok, err := s.store.CompareAndSetStatus(ctx, j.ID, store.StatusRunning, store.StatusCompleted)
			if err != nil {
				s.log.Warn("sweep: finalize failed", logx.String("job", j.ID), logx.Err(err))
				continue
			}
			if ok {
				sum.Completed++
				s.log.Info("sweep: job completed", logx.String("job", j.ID), logx.Int("sent", j.SentCount), logx.Int("failed", j.FailedCount))
			}
			continue
		}
		s.startPass(j.ID)
		sum.Resumed++
	}

	if s.cfg.Retention > 0 {
		n, err := s.store.DeleteJobsFinishedBefore(ctx, time.Now().Add(-s.cfg.Retention))
		if err != nil {
			s.log.Warn("sweep: prune failed", logx.Err(err))
		} else {
			sum.Pruned = n
		}
	}

	if sum.Running > 0 || sum.Activated > 0 || sum.Pruned > 0 {
		s.log.Debug("sweep tick",
			logx.Int("running", sum.Running),
			logx.Int("activated", sum.Activated),
			logx.Int("resumed", sum.Resumed),
			logx.Int("completed", sum.Completed),
			logx.Int("pruned", sum.Pruned))
	}
	return sum, nil
}
