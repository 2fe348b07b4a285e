// Package events announces lifecycle changes to other systems after they
// are committed. Delivery is best effort: a failed notification never
// undoes a transition.
package events

import (
	"context"
	"sync"
	"time"

	"contentengine/pkg/domain"
)

type Type string

const (
	TypeScheduled Type = "content.scheduled"
	TypePosted    Type = "content.posted"
	TypeFailed    Type = "content.failed"
	TypeRejected  Type = "content.rejected"
)

// ForStatus maps a destination status to its event type. Drafts have none.
func ForStatus(s domain.ItemStatus) (Type, bool) {
	switch s {
	case domain.StatusScheduled:
		return TypeScheduled, true
	case domain.StatusPosted:
		return TypePosted, true
	case domain.StatusFailed:
		return TypeFailed, true
	case domain.StatusRejected:
		return TypeRejected, true
	}
	return "", false
}

type Event struct {
	Type           Type              `json:"type"`
	ItemID         string            `json:"item_id"`
	From           domain.ItemStatus `json:"from"`
	To             domain.ItemStatus `json:"to"`
	Actor          string            `json:"actor,omitempty"`
	ExternalPostID string            `json:"external_post_id,omitempty"`
	Error          string            `json:"error,omitempty"`
	At             time.Time         `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
