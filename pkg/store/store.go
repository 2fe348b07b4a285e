package store

import (
	"context"
	"errors"
	"time"

	"contentengine/pkg/domain"
)

var (
	ErrNotFound = errors.New("content item not found")
	// ErrConflict means the guarded update lost: the row no longer has the
	// expected status or claim token.
	ErrConflict = errors.New("content item changed concurrently")
)

// ContentStore persists content items and their status history.
type ContentStore interface {
	Create(ctx context.Context, item domain.ContentItem, actor string) (domain.ContentItem, error)
	Get(ctx context.Context, id string) (domain.ContentItem, error)
	List(ctx context.Context, filter ListFilter) ([]domain.ContentItem, error)
	// ListDue returns unclaimed scheduled items with scheduled_for <= now,
	// oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ContentItem, error)
	// ListClaimedBefore returns items whose claim was taken before cutoff.
	ListClaimedBefore(ctx context.Context, cutoff time.Time) ([]domain.ContentItem, error)
	// Update applies patch only if the row still matches guard. It is the
	// single write path for existing items.
	Update(ctx context.Context, id string, guard Guard, patch Patch) (domain.ContentItem, error)
	ListEvents(ctx context.Context, id string) ([]domain.ItemEvent, error)
}

type ListFilter struct {
	Status domain.ItemStatus
	Pillar string
	Limit  int
}

// Guard is the compare half of a compare-and-set. ClaimToken "" means the
// row must be unclaimed.
type Guard struct {
	Status     domain.ItemStatus
	ClaimToken string
}

// Patch is the set half. Nil fields are left alone. Setting ClaimToken to
// "" releases the claim.
type Patch struct {
	Status         *domain.ItemStatus
	ScheduledFor   *time.Time
	PostedAt       *time.Time
	ExternalPostID *string
	ErrorMessage   *string
	ClaimToken     *string
	IncAttempts    bool

	// Audit fields recorded with a status change.
	Actor string
	Note  string
}

func Ptr[T any](v T) *T { return &v }

// applyPatch mutates item the same way the SQL update does.
func applyPatch(item *domain.ContentItem, patch Patch, now time.Time) (from domain.ItemStatus, changed bool) {
	from = item.Status
	if patch.Status != nil && *patch.Status != item.Status {
		item.Status = *patch.Status
		item.StatusChangedAt = now
		changed = true
	}
	if patch.ScheduledFor != nil {
		t := patch.ScheduledFor.UTC()
		item.ScheduledFor = &t
	}
	if patch.PostedAt != nil {
		t := patch.PostedAt.UTC()
		item.PostedAt = &t
	}
	if patch.ExternalPostID != nil {
		item.ExternalPostID = *patch.ExternalPostID
	}
	if patch.ErrorMessage != nil {
		item.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ClaimToken != nil {
		item.ClaimToken = *patch.ClaimToken
		if item.ClaimToken == "" {
			item.ClaimedAt = nil
		} else {
			t := now
			item.ClaimedAt = &t
		}
	}
	if patch.IncAttempts {
		item.Attempts++
	}
	return from, changed
}
