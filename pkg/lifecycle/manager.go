package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"contentengine/pkg/domain"
	"contentengine/pkg/publish"
	"contentengine/pkg/store"
)

// ScheduleTolerance is how far in the past a schedule time may be.
const ScheduleTolerance = time.Minute

// Manager applies operator actions to content items.
type Manager struct {
	store     store.ContentStore
	publisher publish.Publisher
	opts      options
}

func NewManager(st store.ContentStore, pub publish.Publisher, opts ...Option) *Manager {
	return &Manager{store: st, publisher: pub, opts: buildOptions(opts)}
}

// CreateDraft stores a new item in draft status.
func (m *Manager) CreateDraft(ctx context.Context, item domain.ContentItem, actor string) (domain.ContentItem, error) {
	if strings.TrimSpace(item.Body) == "" {
		return domain.ContentItem{}, errors.New("draft body required")
	}
	item.Status = domain.StatusDraft
	item.ScheduledFor = nil
	item.PostedAt = nil
	item.ExternalPostID = ""
	item.ClaimToken = ""
	item.ClaimedAt = nil
	created, err := m.store.Create(ctx, item, actor)
	if err != nil {
		return domain.ContentItem{}, fmt.Errorf("create draft: %w", err)
	}
	m.opts.logger.Info("draft created", "item_id", created.ID, "pillar", created.Pillar, "framework", created.Framework)
	return created, nil
}

func (m *Manager) Get(ctx context.Context, id string) (domain.ContentItem, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, filter store.ListFilter) ([]domain.ContentItem, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", filter.Status)
	}
	return m.store.List(ctx, filter)
}

func (m *Manager) History(ctx context.Context, id string) ([]domain.ItemEvent, error) {
	if _, err := m.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListEvents(ctx, id)
}

// ApproveResult describes an approval. Preview is set for dry runs, which
// leave the item untouched.
type ApproveResult struct {
	Item    domain.ContentItem `json:"item"`
	Preview bool               `json:"preview"`
}

// Approve publishes a draft immediately. The item is claimed before the
// publisher is called, so a concurrent approve or worker pass cannot post
// it a second time.
func (m *Manager) Approve(ctx context.Context, id, actor string, dryRun bool) (ApproveResult, error) {
	item, err := m.store.Get(ctx, id)
	if err != nil {
		return ApproveResult{}, err
	}
	// Scheduled items only post through the worker once they are due.
	if item.Status != domain.StatusDraft {
		return ApproveResult{}, &InvalidTransitionError{ID: id, From: item.Status, To: domain.StatusPosted, Reason: "only drafts can be approved"}
	}
	if err := checkTransition(item, domain.StatusPosted); err != nil {
		return ApproveResult{}, err
	}
	if dryRun {
		return ApproveResult{Item: item, Preview: true}, nil
	}
	claimed, token, err := claim(ctx, m.store, item)
	if err != nil {
		return ApproveResult{}, m.lostRace(ctx, id, domain.StatusPosted, err)
	}
	final, err := publishClaimed(ctx, m.store, m.publisher, m.opts, claimed, token, actor)
	if err != nil {
		return ApproveResult{Item: final}, err
	}
	m.opts.logger.Info("draft approved and published", "item_id", id, "external_post_id", final.ExternalPostID)
	return ApproveResult{Item: final}, nil
}

// Schedule queues a draft for the worker.
func (m *Manager) Schedule(ctx context.Context, id string, at time.Time, actor string) (domain.ContentItem, error) {
	if at.IsZero() {
		return domain.ContentItem{}, fmt.Errorf("%w: schedule time required", ErrScheduleInPast)
	}
	if now := m.opts.now(); at.Before(now.Add(-ScheduleTolerance)) {
		return domain.ContentItem{}, fmt.Errorf("%w: %s is before %s", ErrScheduleInPast,
			at.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}
	return m.transition(ctx, id, domain.StatusDraft, domain.StatusScheduled, store.Patch{
		ScheduledFor: &at,
		Actor:        actor,
		Note:         "scheduled for " + at.UTC().Format(time.RFC3339),
	})
}

// Reject ends a draft's lifecycle.
func (m *Manager) Reject(ctx context.Context, id, reason, actor string) (domain.ContentItem, error) {
	return m.transition(ctx, id, domain.StatusDraft, domain.StatusRejected, store.Patch{
		Actor: actor,
		Note:  strings.TrimSpace(reason),
	})
}

// Retry reschedules a failed item. A zero at means now.
func (m *Manager) Retry(ctx context.Context, id string, at time.Time, actor string) (domain.ContentItem, error) {
	now := m.opts.now()
	if at.IsZero() {
		at = now
	}
	if at.Before(now.Add(-ScheduleTolerance)) {
		return domain.ContentItem{}, fmt.Errorf("%w: %s", ErrScheduleInPast, at.UTC().Format(time.RFC3339))
	}
	return m.transition(ctx, id, domain.StatusFailed, domain.StatusScheduled, store.Patch{
		ScheduledFor: &at,
		ErrorMessage: store.Ptr(""),
		Actor:        actor,
		Note:         "manual retry",
	})
}

// transition moves an unclaimed item from one status to another.
func (m *Manager) transition(ctx context.Context, id string, from, to domain.ItemStatus, patch store.Patch) (domain.ContentItem, error) {
	item, err := m.store.Get(ctx, id)
	if err != nil {
		return domain.ContentItem{}, err
	}
	if item.Status != from {
		return domain.ContentItem{}, &InvalidTransitionError{ID: id, From: item.Status, To: to}
	}
	if err := checkTransition(item, to); err != nil {
		return domain.ContentItem{}, err
	}
	patch.Status = &to
	updated, err := m.store.Update(ctx, id, store.Guard{Status: from}, patch)
	if err != nil {
		return domain.ContentItem{}, m.lostRace(ctx, id, to, err)
	}
	m.opts.logger.Info("item transitioned", "item_id", id, "from", from, "to", to, "actor", patch.Actor)
	m.opts.announce(ctx, from, updated, patch.Actor)
	return updated, nil
}

// lostRace turns a failed compare-and-set into an InvalidTransitionError
// naming the state that won.
func (m *Manager) lostRace(ctx context.Context, id string, to domain.ItemStatus, err error) error {
	if !errors.Is(err, store.ErrConflict) {
		return err
	}
	current, getErr := m.store.Get(ctx, id)
	if getErr != nil {
		return getErr
	}
	return &InvalidTransitionError{ID: id, From: current.Status, To: to, Reason: "item changed concurrently"}
}
