package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/audience"
	"dispatchd/internal/provider"
	"dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/store"
	logx "dispatchd/pkg/logx"
)

var (
	// ErrEmptyAudience is returned when a selector resolves to zero
	// recipients valid for the job's channel.
	ErrEmptyAudience = errors.New("no valid recipients for channel")
	// ErrInvalidParams marks creation requests that can never succeed as
	// given, as opposed to internal failures worth retrying.
	ErrInvalidParams = errors.New("invalid job parameters")
)

type Config struct {
	// LeaseTTL bounds how long a crashed pass blocks the next one.
	LeaseTTL time.Duration
	// Retention prunes terminal jobs this long after they finish. 0 disables.
	Retention time.Duration
	// DefaultIntervalSeconds applies when a job is created without one.
	DefaultIntervalSeconds int
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	return c
}

// Service owns job creation, commands, and continuation.
type Service struct {
	cfg       Config
	store     store.Store
	resolver  *audience.Resolver
	providers provider.Registry
	sup       *supervisor.Supervisor
	log       logx.Logger
}

func New(cfg Config, st store.Store, res *audience.Resolver, providers provider.Registry, sup *supervisor.Supervisor, log logx.Logger) *Service {
	return &Service{
		cfg:       cfg.withDefaults(),
		store:     st,
		resolver:  res,
		providers: providers,
		sup:       sup,
		log:       log.With(logx.String("comp", "dispatch")),
	}
}

// CreateParams describes a new dispatch job.
type CreateParams struct {
	Channel         store.Channel
	Selector        string
	Subject         string
	Body            string
	IntervalSeconds int
}

// CreateJob resolves the audience, snapshots the valid recipients, persists
// the job, activates it, and fires the first processing pass.
//
// The job is inserted as pending and activated with a separate CAS: if the
// process dies in between, the next sweeper tick activates it instead.
func (s *Service) CreateJob(ctx context.Context, p CreateParams) (*store.Job, error) {
	if !p.Channel.Valid() {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidParams, p.Channel)
	}
	if _, err := provider.NewTemplate(p.Subject, p.Body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if _, err := s.providers.For(p.Channel); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.IntervalSeconds < 0 {
		return nil, fmt.Errorf("%w: interval_seconds must be >= 0", ErrInvalidParams)
	}
	if p.IntervalSeconds == 0 {
		p.IntervalSeconds = s.cfg.DefaultIntervalSeconds
	}

	members, err := s.resolver.Resolve(ctx, p.Selector)
	if err != nil {
		return nil, err
	}
	valid := audience.Filter(p.Channel, members)
	if len(valid) == 0 {
		return nil, fmt.Errorf("%w: selector %q", ErrEmptyAudience, p.Selector)
	}

	job := &store.Job{
		ID:              uuid.NewString(),
		Channel:         p.Channel,
		Selector:        p.Selector,
		Subject:         p.Subject,
		Body:            p.Body,
		IntervalSeconds: p.IntervalSeconds,
		TotalCandidates: len(members),
		ValidCandidates: len(valid),
		Status:          store.StatusPending,
		CreatedAt:       time.Now(),
	}
	snapshot := make([]store.JobRecipient, 0, len(valid))
	for i, r := range valid {
		snapshot = append(snapshot, store.JobRecipient{
			JobID:       job.ID,
			Position:    i,
			RecipientID: r.ID,
			Label:       r.Label,
			Email:       r.Email,
			ChatID:      r.ChatID,
			Vars:        r.Vars,
		})
	}
	if err := s.store.CreateJob(ctx, job, snapshot); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	if ok, err := s.store.CompareAndSetStatus(ctx, job.ID, store.StatusPending, store.StatusRunning); err == nil && ok {
		job.Status = store.StatusRunning
		s.startPass(job.ID)
	}

	s.log.Info("job created",
		logx.String("job", job.ID),
		logx.String("channel", string(job.Channel)),
		logx.String("selector", job.Selector),
		logx.Int("total", job.TotalCandidates),
		logx.Int("valid", job.ValidCandidates),
		logx.Int("interval_s", job.IntervalSeconds))
	return job, nil
}

// startPass runs one processor pass in the background, isolated from the
// caller.
func (s *Service) startPass(jobID string) {
	s.sup.Go("dispatch:"+jobID, func(ctx context.Context) error {
		if err := s.Process(ctx, jobID); err != nil {
			s.log.Warn("processing pass failed", logx.String("job", jobID), logx.Err(err))
		}
		// Pass errors are job-scoped; never fail the supervisor.
		return nil
	})
}

// JobView is the status-read projection of a job.
type JobView struct {
	Job    *store.Job
	Errors []store.ErrorEntry
}

// JobStatus returns the latest persisted state of one job plus its error log.
func (s *Service) JobStatus(ctx context.Context, id string) (*JobView, error) {
	job, err := s.store.Job(ctx, id)
	if err != nil {
		return nil, err
	}
	errs, err := s.store.ErrorLog(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobView{Job: job, Errors: errs}, nil
}

// ListJobs returns all jobs, oldest first.
func (s *Service) ListJobs(ctx context.Context) ([]*store.Job, error) {
	return s.store.Jobs(ctx)
}
