package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"contentengine/pkg/domain"
)

// MemoryStore keeps items in-process. Update holds the lock across the
// compare and the set, so it has the same race semantics as GormStore.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]domain.ContentItem
	events map[string][]domain.ItemEvent
	now    func() time.Time
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:  make(map[string]domain.ContentItem),
		events: make(map[string][]domain.ItemEvent),
		now:    time.Now,
	}
}

// SetClock overrides the timestamp source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Create(_ context.Context, item domain.ContentItem, actor string) (domain.ContentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	item = prepareNew(item, now)
	if _, exists := m.items[item.ID]; exists {
		return domain.ContentItem{}, ErrConflict
	}
	m.items[item.ID] = item
	m.events[item.ID] = append(m.events[item.ID], newEvent(item.ID, "", item.Status, actor, "created", now))
	return item, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (domain.ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return domain.ContentItem{}, ErrNotFound
	}
	return item, nil
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]domain.ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.ContentItem, 0, len(m.items))
	for _, item := range m.items {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.Pillar != "" && item.Pillar != filter.Pillar {
			continue
		}
		res = append(res, item)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID > res[j].ID
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	if filter.Limit > 0 && len(res) > filter.Limit {
		res = res[:filter.Limit]
	}
	return res, nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]domain.ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.ContentItem
	for _, item := range m.items {
		if item.Status != domain.StatusScheduled || item.ClaimToken != "" || item.ScheduledFor == nil {
			continue
		}
		if item.ScheduledFor.After(now) {
			continue
		}
		res = append(res, item)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ScheduledFor.Before(*res[j].ScheduledFor) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) ListClaimedBefore(_ context.Context, cutoff time.Time) ([]domain.ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.ContentItem
	for _, item := range m.items {
		if item.ClaimToken != "" && item.ClaimedAt != nil && item.ClaimedAt.Before(cutoff) {
			res = append(res, item)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ClaimedAt.Before(*res[j].ClaimedAt) })
	return res, nil
}

func (m *MemoryStore) Update(_ context.Context, id string, guard Guard, patch Patch) (domain.ContentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return domain.ContentItem{}, ErrNotFound
	}
	if item.Status != guard.Status || item.ClaimToken != guard.ClaimToken {
		return domain.ContentItem{}, ErrConflict
	}
	now := m.now().UTC()
	from, changed := applyPatch(&item, patch, now)
	m.items[id] = item
	if changed {
		m.events[id] = append(m.events[id], newEvent(id, from, item.Status, patch.Actor, patch.Note, now))
	}
	return item, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, id string) ([]domain.ItemEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.ItemEvent(nil), m.events[id]...), nil
}
