// Package audience resolves a job's target selector into an ordered
// recipient list.
//
// Ordering matters: the recipient snapshot written at job creation fixes the
// send order for the whole job, so Resolve returns segment members in their
// stored position order every time.
package audience

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"dispatchd/internal/store"
)

// ErrInvalidSelector is returned when a selector names no known segment.
var ErrInvalidSelector = errors.New("invalid audience selector")

// Resolver resolves named segments against the store.
type Resolver struct {
	store store.Store
}

func New(s store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve returns all members of the named segment, in stable order.
func (r *Resolver) Resolve(ctx context.Context, selector string) ([]store.Recipient, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, ErrInvalidSelector
	}
	ok, err := r.store.SegmentExists(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", selector, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSelector, selector)
	}
	return r.store.SegmentMembers(ctx, selector)
}

// Valid reports whether a recipient carries the contact info the channel
// needs. Invalid recipients are excluded from the snapshot at creation and
// never counted against the job.
func Valid(ch store.Channel, r store.Recipient) bool {
	switch ch {
	case store.ChannelEmail:
		if strings.TrimSpace(r.Email) == "" {
			return false
		}
		_, err := mail.ParseAddress(r.Email)
		return err == nil
	case store.ChannelChat:
		return r.ChatID != 0
	default:
		return false
	}
}

// Filter splits members into those valid for the channel, preserving order.
func Filter(ch store.Channel, members []store.Recipient) []store.Recipient {
	out := make([]store.Recipient, 0, len(members))
	for _, m := range members {
		if Valid(ch, m) {
			out = append(out, m)
		}
	}
	return out
}
