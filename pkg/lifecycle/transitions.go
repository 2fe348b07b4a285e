// Package lifecycle moves content items through draft, scheduled, posted,
// rejected and failed. Every write is a guarded compare-and-set on the
// item's current status and claim token, so the CLI and any number of
// workers can share one store without lost updates or double posts.
package lifecycle

import (
	"errors"
	"fmt"

	"contentengine/pkg/domain"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrScheduleInPast    = errors.New("scheduled time is in the past")
)

var allowed = map[domain.ItemStatus][]domain.ItemStatus{
	domain.StatusDraft:     {domain.StatusScheduled, domain.StatusPosted, domain.StatusRejected, domain.StatusFailed},
	domain.StatusScheduled: {domain.StatusPosted, domain.StatusFailed},
	domain.StatusFailed:    {domain.StatusScheduled},
}

// CanTransition reports whether from -> to is a lifecycle edge. Posted and
// rejected are terminal; failed only leaves through a manual retry.
func CanTransition(from, to domain.ItemStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned without any state change.
type InvalidTransitionError struct {
	ID     string
	From   domain.ItemStatus
	To     domain.ItemStatus
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition for item %s: %s -> %s", e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// checkTransition validates to against the item as last read.
func checkTransition(item domain.ContentItem, to domain.ItemStatus) error {
	if !CanTransition(item.Status, to) {
		return &InvalidTransitionError{ID: item.ID, From: item.Status, To: to}
	}
	if item.ClaimToken != "" {
		return &InvalidTransitionError{ID: item.ID, From: item.Status, To: to, Reason: "item is being published"}
	}
	return nil
}
