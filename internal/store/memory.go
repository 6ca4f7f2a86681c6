package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memory is a process-local Store with the same rules as the sqlite driver.
// It backs tests and storage-less development runs.
type memory struct {
	mu       sync.Mutex
	jobs     map[string]*memJob
	segments map[string][]Recipient
}

type memJob struct {
	job      Job
	snapshot []JobRecipient
	errs     []ErrorEntry
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memory{
		jobs:     map[string]*memJob{},
		segments: map[string][]Recipient{},
	}
}

func (m *memory) Close() error { return nil }

func (m *memory) CreateJob(_ context.Context, job *Job, snapshot []JobRecipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	mj := &memJob{job: *job, snapshot: make([]JobRecipient, len(snapshot))}
	for i, r := range snapshot {
		r.State = RecipientPending
		r.JobID = job.ID
		mj.snapshot[i] = r
	}
	m.jobs[job.ID] = mj
	return nil
}

func (m *memory) Job(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := mj.job
	return &cp, nil
}

func (m *memory) Jobs(_ context.Context) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, 0, len(m.jobs))
	for _, mj := range m.jobs {
		cp := mj.job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memory) JobsByStatus(_ context.Context, status Status) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, mj := range m.jobs {
		if mj.job.Status == status {
			cp := mj.job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memory) CompareAndSetStatus(_ context.Context, id string, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if mj.job.Status != from {
		return false, nil
	}
	mj.job.Status = to
	if to == StatusCompleted {
		mj.job.CompletedAt = time.Now()
	}
	return true, nil
}

func (m *memory) SetCurrentRecipient(_ context.Context, id, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mj, ok := m.jobs[id]; ok {
		mj.job.CurrentRecipient = label
	}
	return nil
}

func (m *memory) PendingRecipients(_ context.Context, jobID string) ([]JobRecipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	var out []JobRecipient
	for _, r := range mj.snapshot {
		if r.State == RecipientPending {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memory) MarkRecipientSent(_ context.Context, jobID string, position int, deliveryRef string) error {
	return m.mark(jobID, position, RecipientSent, deliveryRef, nil)
}

func (m *memory) MarkRecipientFailed(_ context.Context, jobID string, position int, entry ErrorEntry) error {
	return m.mark(jobID, position, RecipientFailed, "", &entry)
}

func (m *memory) mark(jobID string, position int, state RecipientState, deliveryRef string, entry *ErrorEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if mj.job.Status.Terminal() {
		return ErrTerminal
	}
	for i := range mj.snapshot {
		r := &mj.snapshot[i]
		if r.Position != position {
			continue
		}
		if r.State != RecipientPending {
			return ErrAlreadyProcessed
		}
		r.State = state
		r.DeliveryRef = deliveryRef
		if state == RecipientSent {
			mj.job.SentCount++
		} else {
			mj.job.FailedCount++
		}
		if entry != nil {
			e := *entry
			e.JobID = jobID
			if e.At.IsZero() {
				e.At = time.Now()
			}
			mj.errs = append(mj.errs, e)
		}
		return nil
	}
	return ErrAlreadyProcessed
}

func (m *memory) ErrorLog(_ context.Context, jobID string) ([]ErrorEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]ErrorEntry(nil), mj.errs...), nil
}

func (m *memory) AcquireLease(_ context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[jobID]
	if !ok {
		return false, ErrNotFound
	}
	now := time.Now()
	held := mj.job.LeaseOwner != "" && mj.job.LeaseOwner != owner && mj.job.LeaseExpiresAt.After(now)
	if held {
		return false, nil
	}
	mj.job.LeaseOwner = owner
	mj.job.LeaseExpiresAt = now.Add(ttl)
	return true, nil
}

func (m *memory) RenewLease(_ context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[jobID]
	if !ok || mj.job.LeaseOwner != owner {
		return false, nil
	}
	mj.job.LeaseExpiresAt = time.Now().Add(ttl)
	return true, nil
}

func (m *memory) ReleaseLease(_ context.Context, jobID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mj, ok := m.jobs[jobID]; ok && mj.job.LeaseOwner == owner {
		mj.job.LeaseOwner = ""
		mj.job.LeaseExpiresAt = time.Time{}
	}
	return nil
}

func (m *memory) DeleteJobsFinishedBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, mj := range m.jobs {
		if !mj.job.Status.Terminal() {
			continue
		}
		when := mj.job.CompletedAt
		if when.IsZero() {
			when = mj.job.CreatedAt
		}
		if when.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *memory) ReplaceSegment(_ context.Context, segment string, members []Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[segment] = append([]Recipient(nil), members...)
	return nil
}

func (m *memory) SegmentMembers(_ context.Context, segment string) ([]Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Recipient(nil), m.segments[segment]...), nil
}

func (m *memory) SegmentExists(_ context.Context, segment string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.segments[segment]
	return ok && len(members) > 0, nil
}
