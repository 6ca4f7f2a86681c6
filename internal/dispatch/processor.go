package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"dispatchd/internal/provider"
	"dispatchd/internal/store"
	logx "dispatchd/pkg/logx"
)

// Process runs one continuation pass over a job: claim the lease, walk the
// pending snapshot rows in order, send with pacing, record each outcome, and
// finalize the status if the job drained.
//
// The pass holds no state of its own; being killed mid-loop costs nothing
// but the lease TTL.
func (s *Service) Process(ctx context.Context, jobID string) error {
	job, err := s.store.Job(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != store.StatusRunning {
		return nil
	}

	owner := uuid.NewString()
	ok, err := s.store.AcquireLease(ctx, jobID, owner, s.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		s.log.Debug("job leased by another pass", logx.String("job", jobID))
		return nil
	}
	defer func() {
		// Release on a fresh context so shutdown does not strand the lease.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.store.ReleaseLease(rctx, jobID, owner)
	}()

	tmpl, err := provider.NewTemplate(job.Subject, job.Body)
	if err != nil {
		return fmt.Errorf("job template: %w", err)
	}
	adapter, err := s.providers.For(job.Channel)
	if err != nil {
		return err
	}

	pending, err := s.store.PendingRecipients(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	limiter := sendLimiter(job.IntervalSeconds)
	log := s.log.With(logx.String("job", jobID))
	log.Info("pass started", logx.Int("remaining", len(pending)), logx.Int("sent", job.SentCount), logx.Int("failed", job.FailedCount))

	for _, r := range pending {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		// Externally applied pause/cancel wins before every send. Checked
		// after the pacing wait so a command issued mid-interval never lets
		// one more send slip out.
		cur, err := s.store.Job(ctx, jobID)
		if err != nil {
			return err
		}
		if cur.Status != store.StatusRunning {
			log.Info("pass stopping", logx.String("status", string(cur.Status)))
			return nil
		}

		// Display hint only; never consulted for control decisions.
		_ = s.store.SetCurrentRecipient(ctx, jobID, r.Label)
		if _, err := s.store.RenewLease(ctx, jobID, owner, s.cfg.LeaseTTL); err != nil {
			return fmt.Errorf("renew lease: %w", err)
		}

		ref, sendErr := s.sendOne(ctx, adapter, tmpl, job.Channel, r)
		if sendErr == nil {
			err = s.store.MarkRecipientSent(ctx, jobID, r.Position, ref)
		} else {
			log.Debug("recipient failed", logx.String("recipient", r.RecipientID), logx.Err(sendErr))
			err = s.store.MarkRecipientFailed(ctx, jobID, r.Position, store.ErrorEntry{
				JobID:       jobID,
				RecipientID: r.RecipientID,
				Label:       r.Label,
				Reason:      sendErr.Error(),
				At:          time.Now(),
			})
		}
		switch {
		case err == nil:
		case errors.Is(err, store.ErrTerminal):
			log.Info("pass stopping", logx.String("status", "terminal"))
			return nil
		case errors.Is(err, store.ErrAlreadyProcessed):
			// Should not happen under the lease; tolerate and move on.
			log.Warn("snapshot row already processed", logx.Int("position", r.Position))
		default:
			return fmt.Errorf("record outcome: %w", err)
		}
	}

	return s.finalize(ctx, jobID, log)
}

// sendOne renders and sends a single message. Adapter panics and unexpected
// errors are converted into per-recipient failures so the loop never dies.
func (s *Service) sendOne(ctx context.Context, adapter provider.Adapter, tmpl *provider.Template, ch store.Channel, r store.JobRecipient) (ref string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &provider.SendError{Reason: fmt.Sprintf("provider panic: %v", p)}
		}
	}()

	subject, body, err := tmpl.Render(r)
	if err != nil {
		return "", &provider.SendError{Reason: err.Error(), Permanent: true}
	}
	return adapter.Send(ctx, provider.Message{
		Channel:   ch,
		Recipient: r,
		Subject:   subject,
		Body:      body,
	})
}

// finalize closes out a drained job, leaving any pause/cancel that happened
// mid-loop as the authoritative state.
func (s *Service) finalize(ctx context.Context, jobID string, log logx.Logger) error {
	job, err := s.store.Job(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != store.StatusRunning || job.Remaining() > 0 {
		return nil
	}
	ok, err := s.store.CompareAndSetStatus(ctx, jobID, store.StatusRunning, store.StatusCompleted)
	if err != nil {
		return err
	}
	if ok {
		log.Info("job completed", logx.Int("sent", job.SentCount), logx.Int("failed", job.FailedCount))
	}
	return nil
}

// sendLimiter paces one send per interval. Interval zero means no pacing.
func sendLimiter(intervalSeconds int) *rate.Limiter {
	if intervalSeconds <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Duration(intervalSeconds)*time.Second), 1)
}
