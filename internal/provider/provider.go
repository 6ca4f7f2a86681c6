// Package provider sends one rendered message to one recipient.
//
// Adapters never abort a caller's loop for expected failure modes; an
// invalid address or a provider rejection comes back as a *SendError the
// dispatch loop records against that recipient and moves past.
package provider

import (
	"context"
	"fmt"

	"dispatchd/internal/store"
)

// Message is one fully rendered send.
type Message struct {
	Channel   store.Channel
	Recipient store.JobRecipient
	Subject   string
	Body      string
}

// Adapter delivers a message over one channel.
//
// The returned delivery ref is the provider's external id for the message
// (message id, SMTP queue id) and may be empty.
type Adapter interface {
	Send(ctx context.Context, msg Message) (deliveryRef string, err error)
}

// SendError is an expected per-recipient delivery failure.
type SendError struct {
	Reason    string
	Permanent bool
}

func (e *SendError) Error() string { return e.Reason }

// Reject builds a permanent SendError (bad address, provider refusal).
func Reject(format string, args ...any) *SendError {
	return &SendError{Reason: fmt.Sprintf(format, args...), Permanent: true}
}

// Transient builds a retryable-looking SendError. The dispatcher still
// treats it as final for the recipient; the flag only informs the log.
func Transient(format string, args ...any) *SendError {
	return &SendError{Reason: fmt.Sprintf(format, args...)}
}

// Registry maps channels to their adapters.
type Registry map[store.Channel]Adapter

// For returns the adapter for a channel.
func (r Registry) For(ch store.Channel) (Adapter, error) {
	a, ok := r[ch]
	if !ok || a == nil {
		return nil, fmt.Errorf("no provider configured for channel %q", ch)
	}
	return a, nil
}
