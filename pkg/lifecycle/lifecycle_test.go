package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"contentengine/pkg/domain"
	"contentengine/pkg/events"
	"contentengine/pkg/publish"
	"contentengine/pkg/store"
)

type countingPublisher struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
	delay time.Duration
	noID  bool
}

func (p *countingPublisher) Publish(ctx context.Context, post publish.Post) (string, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	p.calls[post.ItemID]++
	if p.err != nil {
		return "", p.err
	}
	if p.noID {
		return "", nil
	}
	return "ext-" + post.ItemID, nil
}

func (p *countingPublisher) count(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store    *store.MemoryStore
	pub      *countingPublisher
	clock    *testClock
	recorder *events.Recorder
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore()
	st.SetClock(clock.Now)
	f := &fixture{store: st, pub: &countingPublisher{}, clock: clock, recorder: &events.Recorder{}}
	f.manager = NewManager(st, f.pub, f.options()...)
	return f
}

func (f *fixture) options() []Option {
	return []Option{
		WithClock(f.clock.Now),
		WithNotifier(f.recorder),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
}

func (f *fixture) worker() *Worker {
	return NewWorker(f.store, f.pub, WorkerConfig{ClaimTTL: 10 * time.Minute}, f.options()...)
}

func (f *fixture) draft(t *testing.T) domain.ContentItem {
	t.Helper()
	item, err := f.manager.CreateDraft(context.Background(), domain.ContentItem{Body: "## Problem\nbody", Pillar: "what_building", Framework: "STF"}, "test")
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	return item
}

func TestWorkerPublishesDueItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.draft(t)
	if _, err := f.manager.Schedule(ctx, item.ID, f.clock.Now().Add(-30*time.Second), "test"); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	res, err := f.worker().RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Due != 1 || res.Posted != 1 {
		t.Fatalf("unexpected pass result: %+v", res)
	}
	got, _ := f.store.Get(ctx, item.ID)
	if got.Status != domain.StatusPosted || got.ExternalPostID != "ext-"+item.ID || got.PostedAt == nil {
		t.Fatalf("item not posted: %+v", got)
	}
	if got.ClaimToken != "" || got.ClaimedAt != nil {
		t.Fatalf("claim not released: %+v", got)
	}

	evs := f.recorder.Events()
	if len(evs) != 2 || evs[0].Type != events.TypeScheduled || evs[1].Type != events.TypePosted {
		t.Fatalf("unexpected events: %+v", evs)
	}
}

func TestWorkerPublishFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pub.err = &publish.Error{Publisher: "test", StatusCode: 500, Message: "boom"}
	item := f.draft(t)
	if _, err := f.manager.Schedule(ctx, item.ID, f.clock.Now(), "test"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	w := f.worker()
	res, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("unexpected pass result: %+v", res)
	}
	got, _ := f.store.Get(ctx, item.ID)
	if got.Status != domain.StatusFailed || got.ErrorMessage == "" {
		t.Fatalf("item not failed: %+v", got)
	}

	// Not retried automatically.
	f.clock.Advance(time.Hour)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if n := f.pub.count(item.ID); n != 1 {
		t.Fatalf("publisher called %d times, want 1", n)
	}

	f.pub.err = nil
	if _, err := f.manager.Retry(ctx, item.ID, time.Time{}, "test"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("third pass: %v", err)
	}
	got, _ = f.store.Get(ctx, item.ID)
	if got.Status != domain.StatusPosted || got.ErrorMessage != "" || got.Attempts != 2 {
		t.Fatalf("retry did not publish: %+v", got)
	}
}

func TestConcurrentWorkersPublishOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pub.delay = 5 * time.Millisecond
	var ids []string
	for i := 0; i < 5; i++ {
		item := f.draft(t)
		if _, err := f.manager.Schedule(ctx, item.ID, f.clock.Now(), "test"); err != nil {
			t.Fatalf("schedule: %v", err)
		}
		ids = append(ids, item.ID)
	}

	var wg sync.WaitGroup
	results := make([]PassResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.worker().RunOnce(ctx)
			if err != nil {
				t.Errorf("run once: %v", err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	posted := 0
	for _, r := range results {
		posted += r.Posted
	}
	if posted != len(ids) {
		t.Fatalf("posted %d items across passes, want %d", posted, len(ids))
	}
	for _, id := range ids {
		if n := f.pub.count(id); n != 1 {
			t.Fatalf("item %s published %d times", id, n)
		}
	}
}

func TestApprovePostedIsInvalidAndUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.draft(t)
	if _, err := f.manager.Approve(ctx, item.ID, "test", false); err != nil {
		t.Fatalf("approve: %v", err)
	}
	before, _ := f.store.Get(ctx, item.ID)
	if before.Status != domain.StatusPosted {
		t.Fatalf("approve did not post: %+v", before)
	}

	_, err := f.manager.Approve(ctx, item.ID, "test", false)
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) || ite.From != domain.StatusPosted || ite.To != domain.StatusPosted {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("error should match ErrInvalidTransition")
	}
	after, _ := f.store.Get(ctx, item.ID)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("item changed:\nbefore %+v\nafter  %+v", before, after)
	}
	if n := f.pub.count(item.ID); n != 1 {
		t.Fatalf("publisher called %d times", n)
	}
}

func TestApproveDryRunChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.draft(t)
	res, err := f.manager.Approve(ctx, item.ID, "test", true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !res.Preview || res.Item.ID != item.ID {
		t.Fatalf("unexpected preview: %+v", res)
	}
	got, _ := f.store.Get(ctx, item.ID)
	if got.Status != domain.StatusDraft || f.pub.count(item.ID) != 0 {
		t.Fatalf("dry run had side effects: %+v", got)
	}
}

func TestApprovePublishFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pub.err = &publish.Error{Publisher: "test", Message: "down"}
	item := f.draft(t)
	_, err := f.manager.Approve(ctx, item.ID, "test", false)
	if !errors.Is(err, publish.ErrPublish) {
		t.Fatalf("expected publish error, got %v", err)
	}
	got, _ := f.store.Get(ctx, item.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestApproveRefusesScheduledItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.draft(t)
	if _, err := f.manager.Schedule(ctx, item.ID, f.clock.Now().Add(48*time.Hour), "test"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	for _, dryRun := range []bool{true, false} {
		_, err := f.manager.Approve(ctx, item.ID, "test", dryRun)
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) || ite.From != domain.StatusScheduled {
			t.Fatalf("approve scheduled (dry run %v): expected invalid transition, got %v", dryRun, err)
		}
	}
	got, _ := f.store.Get(ctx, item.ID)
	if got.Status != domain.StatusScheduled || got.ClaimToken != "" {
		t.Fatalf("scheduled item changed: %+v", got)
	}
	if n := f.pub.count(item.ID); n != 0 {
		t.Fatalf("publisher called %d times before the item was due", n)
	}
}

func TestPublishWithoutExternalIDMarksFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pub.noID = true
	item := f.draft(t)
	_, err := f.manager.Approve(ctx, item.ID, "test", false)
	if !errors.Is(err, ErrNoExternalID) {
		t.Fatalf("expected missing external id error, got %v", err)
	}
	got, _ := f.store.Get(ctx, item.ID)
	if got.Status != domain.StatusFailed || got.ExternalPostID != "" || got.ErrorMessage == "" {
		t.Fatalf("expected failed without post id, got %+v", got)
	}

	due := f.draft(t)
	if _, err := f.manager.Schedule(ctx, due.ID, f.clock.Now(), "test"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := f.worker().RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	got, _ = f.store.Get(ctx, due.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("worker posted without an external id: %+v", got)
	}
}

func TestManagerTransitionGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := f.draft(t)
	if _, err := f.manager.Schedule(ctx, item.ID, f.clock.Now().Add(-2*time.Minute), "test"); !errors.Is(err, ErrScheduleInPast) {
		t.Fatalf("expected schedule in past, got %v", err)
	}
	if _, err := f.manager.Retry(ctx, item.ID, time.Time{}, "test"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("retry of a draft should be invalid, got %v", err)
	}
	rejected, err := f.manager.Reject(ctx, item.ID, "off brand", "test")
	if err != nil || rejected.Status != domain.StatusRejected {
		t.Fatalf("reject: %+v %v", rejected, err)
	}
	for name, op := range map[string]func() error{
		"schedule": func() error { _, err := f.manager.Schedule(ctx, item.ID, f.clock.Now(), "test"); return err },
		"reject":   func() error { _, err := f.manager.Reject(ctx, item.ID, "", "test"); return err },
		"approve":  func() error { _, err := f.manager.Approve(ctx, item.ID, "test", false); return err },
	} {
		if err := op(); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s on rejected item: expected invalid transition, got %v", name, err)
		}
	}

	history, err := f.manager.History(ctx, item.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[1].To != domain.StatusRejected || history[1].Note != "off brand" {
		t.Fatalf("unexpected history: %+v", history)
	}
	if _, err := f.manager.History(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClaimedItemRejectsOperatorActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.draft(t)
	token := "held"
	if _, err := f.store.Update(ctx, item.ID, store.Guard{Status: domain.StatusDraft}, store.Patch{ClaimToken: &token}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.manager.Reject(ctx, item.ID, "", "test"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected claimed item to refuse reject, got %v", err)
	}
	if _, err := f.manager.Approve(ctx, item.ID, "test", false); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected claimed item to refuse approve, got %v", err)
	}
}

func TestWorkerReapsStaleClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.draft(t)
	if _, err := f.manager.Schedule(ctx, item.ID, f.clock.Now(), "test"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	token := "crashed-worker"
	if _, err := f.store.Update(ctx, item.ID, store.Guard{Status: domain.StatusScheduled}, store.Patch{ClaimToken: &token}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	w := f.worker()
	res, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Reaped != 0 || res.Due != 0 {
		t.Fatalf("fresh claim should be left alone: %+v", res)
	}

	f.clock.Advance(11 * time.Minute)
	res, err = w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Reaped != 1 {
		t.Fatalf("expected one reaped item: %+v", res)
	}
	got, _ := f.store.Get(ctx, item.ID)
	if got.Status != domain.StatusFailed || got.ClaimToken != "" || f.pub.count(item.ID) != 0 {
		t.Fatalf("unexpected reaped item: %+v", got)
	}
}

func TestRandomOperationsStayInLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(11))
	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, f.draft(t).ID)
	}
	w := f.worker()
	for i := 0; i < 300; i++ {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(6) {
		case 0:
			_, _ = f.manager.Schedule(ctx, id, f.clock.Now(), "fuzz")
		case 1:
			_, _ = f.manager.Approve(ctx, id, "fuzz", rng.Intn(2) == 0)
		case 2:
			_, _ = f.manager.Reject(ctx, id, "", "fuzz")
		case 3:
			_, _ = f.manager.Retry(ctx, id, time.Time{}, "fuzz")
		case 4:
			if rng.Intn(3) == 0 {
				f.pub.mu.Lock()
				f.pub.err = errors.New("flaky")
				f.pub.mu.Unlock()
			}
			_, _ = w.RunOnce(ctx)
			f.pub.mu.Lock()
			f.pub.err = nil
			f.pub.mu.Unlock()
		case 5:
			f.clock.Advance(time.Minute)
		}
	}
	for _, id := range ids {
		item, _ := f.store.Get(ctx, id)
		if !item.Status.Valid() {
			t.Fatalf("item %s in undefined status %q", id, item.Status)
		}
		events, _ := f.store.ListEvents(ctx, id)
		for _, ev := range events[1:] {
			if !CanTransition(ev.From, ev.To) {
				t.Fatalf("item %s took illegal edge %s -> %s", id, ev.From, ev.To)
			}
		}
	}
}
