package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrTerminal is returned when a counter mutation is attempted on a
	// cancelled or completed job.
	ErrTerminal = errors.New("job is terminal")
	// ErrAlreadyProcessed is returned when a snapshot row is marked twice.
	ErrAlreadyProcessed = errors.New("recipient already processed")
)

// Channel is the delivery transport of a job.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelChat  Channel = "chat"
)

func (c Channel) Valid() bool { return c == ChannelEmail || c == ChannelChat }

// Status is the job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Terminal reports whether no further transitions may leave this status.
func (s Status) Terminal() bool { return s == StatusCancelled || s == StatusCompleted }

// RecipientState tracks one snapshot row through the send loop.
type RecipientState string

const (
	RecipientPending RecipientState = "pending"
	RecipientSent    RecipientState = "sent"
	RecipientFailed  RecipientState = "failed"
)

// Job is one bulk-dispatch run: one audience, one template, one channel.
//
// TotalCandidates and ValidCandidates are snapshotted at creation and never
// change. SentCount and FailedCount only grow, and their sum never exceeds
// ValidCandidates. CurrentRecipient is a best-effort display hint, never an
// input to control decisions.
type Job struct {
	ID              string
	Channel         Channel
	Selector        string
	Subject         string
	Body            string
	IntervalSeconds int

	TotalCandidates int
	ValidCandidates int
	SentCount       int
	FailedCount     int

	Status           Status
	CurrentRecipient string

	LeaseOwner     string
	LeaseExpiresAt time.Time

	CreatedAt   time.Time
	CompletedAt time.Time // zero until completed
}

// Remaining is the amount of work a continuation pass still has to do.
func (j *Job) Remaining() int { return j.ValidCandidates - j.SentCount - j.FailedCount }

// Recipient is one member of a named segment.
type Recipient struct {
	ID     string
	Label  string
	Email  string
	ChatID int64
	Vars   map[string]string
}

// JobRecipient is one row of a job's immutable recipient snapshot.
// Position fixes the send order for the lifetime of the job.
type JobRecipient struct {
	JobID       string
	Position    int
	RecipientID string
	Label       string
	Email       string
	ChatID      int64
	Vars        map[string]string
	State       RecipientState
	DeliveryRef string
}

// ErrorEntry is one append-only error-log record for a failed recipient.
type ErrorEntry struct {
	JobID       string
	RecipientID string
	Label       string
	Reason      string
	At          time.Time
}

// Store is the persistence API the processor, sweeper, commands, and
// audience resolver are written against.
type Store interface {
	// CreateJob persists the job and its recipient snapshot atomically.
	CreateJob(ctx context.Context, job *Job, snapshot []JobRecipient) error
	Job(ctx context.Context, id string) (*Job, error)
	Jobs(ctx context.Context) ([]*Job, error)
	JobsByStatus(ctx context.Context, status Status) ([]*Job, error)

	// CompareAndSetStatus transitions status only if it still equals from.
	// Transitions to StatusCompleted stamp CompletedAt.
	CompareAndSetStatus(ctx context.Context, id string, from, to Status) (bool, error)
	SetCurrentRecipient(ctx context.Context, id, label string) error

	// PendingRecipients returns the snapshot rows still unprocessed,
	// in position order.
	PendingRecipients(ctx context.Context, jobID string) ([]JobRecipient, error)
	// MarkRecipientSent / MarkRecipientFailed flip one snapshot row and bump
	// the matching job counter in a single transaction. They fail with
	// ErrTerminal on cancelled/completed jobs and ErrAlreadyProcessed on a
	// row that is no longer pending.
	MarkRecipientSent(ctx context.Context, jobID string, position int, deliveryRef string) error
	MarkRecipientFailed(ctx context.Context, jobID string, position int, entry ErrorEntry) error
	ErrorLog(ctx context.Context, jobID string) ([]ErrorEntry, error)

	// Lease operations implement the single-active-pass claim. Acquire
	// succeeds when the job is unleased, the lease expired, or owner already
	// holds it.
	AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, jobID, owner string) error

	// DeleteJobsFinishedBefore prunes terminal jobs whose completion (or
	// creation, for cancelled jobs that never completed) predates cutoff.
	DeleteJobsFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Segment membership, read by the audience resolver.
	ReplaceSegment(ctx context.Context, segment string, members []Recipient) error
	SegmentMembers(ctx context.Context, segment string) ([]Recipient, error)
	SegmentExists(ctx context.Context, segment string) (bool, error)

	Close() error
}
