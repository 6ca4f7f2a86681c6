package dispatch

import (
	"context"
	"errors"
	"fmt"

	"dispatchd/internal/store"
	logx "dispatchd/pkg/logx"
)

// ErrInvalidTransition is returned for commands that are illegal in the
// job's current status (e.g. resuming a cancelled job).
var ErrInvalidTransition = errors.New("invalid status transition")

// Command is an externally issued job control request.
type Command string

const (
	CommandPause  Command = "pause"
	CommandResume Command = "resume"
	CommandCancel Command = "cancel"
)

// Apply executes a pause/resume/cancel against the job and returns the
// resulting status. Commands are pure compare-and-set status writes; they
// never touch counters or recipients. The running pass observes the new
// status before its next send.
func (s *Service) Apply(ctx context.Context, jobID string, cmd Command) (store.Status, error) {
	// Existence check up front: a failed CAS alone cannot distinguish a
	// missing job from an illegal transition.
	if _, err := s.store.Job(ctx, jobID); err != nil {
		return "", err
	}

	var from []store.Status
	var to store.Status
	switch cmd {
	case CommandPause:
		from, to = []store.Status{store.StatusRunning, store.StatusPending}, store.StatusPaused
	case CommandResume:
		from, to = []store.Status{store.StatusPaused}, store.StatusRunning
	case CommandCancel:
		from, to = []store.Status{store.StatusRunning, store.StatusPaused, store.StatusPending}, store.StatusCancelled
	default:
		return "", fmt.Errorf("unknown command %q", cmd)
	}

	for _, f := range from {
		ok, err := s.store.CompareAndSetStatus(ctx, jobID, f, to)
		if err != nil {
			return "", err
		}
		if ok {
			s.log.Info("command applied",
				logx.String("job", jobID),
				logx.String("command", string(cmd)),
				logx.String("from", string(f)),
				logx.String("to", string(to)))
			if cmd == CommandResume {
				// Don't wait for the next tick to make progress.
				s.startPass(jobID)
			}
			return to, nil
		}
	}

	cur, err := s.store.Job(ctx, jobID)
	if err != nil {
		return "", err
	}
	return "", fmt.Errorf("%w: cannot %s a %s job", ErrInvalidTransition, cmd, cur.Status)
}
