package provider

import (
	"context"
	"fmt"
	"sync"
)

// Stub is a scripted adapter for tests and dry runs. Outcomes are keyed by
// recipient id; unscripted recipients succeed.
type Stub struct {
	mu    sync.Mutex
	fail  map[string]error
	panic map[string]bool
	sent  []string
}

func NewStub() *Stub {
	return &Stub{fail: map[string]error{}, panic: map[string]bool{}}
}

// FailFor scripts a typed failure for one recipient id.
func (s *Stub) FailFor(recipientID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[recipientID] = Reject("%s", reason)
}

// ErrFor scripts an arbitrary error for one recipient id.
func (s *Stub) ErrFor(recipientID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[recipientID] = err
}

// PanicFor scripts a panic for one recipient id, to exercise the
// processor's adapter-boundary recovery.
func (s *Stub) PanicFor(recipientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panic[recipientID] = true
}

// Sent returns recipient ids delivered so far, in send order.
func (s *Stub) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *Stub) Send(_ context.Context, msg Message) (string, error) {
	id := msg.Recipient.RecipientID
	s.mu.Lock()
	shouldPanic := s.panic[id]
	err := s.fail[id]
	s.mu.Unlock()

	if shouldPanic {
		panic("stub adapter: scripted panic for " + id)
	}
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.sent = append(s.sent, id)
	n := len(s.sent)
	s.mu.Unlock()
	return fmt.Sprintf("stub-%d", n), nil
}

var _ Adapter = (*Stub)(nil)
