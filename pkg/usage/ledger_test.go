package usage

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	slept  []time.Duration
	onWait func()
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.slept = append(c.slept, d)
	hook := c.onWait
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	c.Advance(d)
	return nil
}

type ledgerFactory func(t *testing.T, limits Limits, clock *fakeClock) Ledger

func ledgerFactories() map[string]ledgerFactory {
	return map[string]ledgerFactory{
		"memory": func(t *testing.T, limits Limits, clock *fakeClock) Ledger {
			l, err := NewMemoryLedger(limits, WithClock(clock.Now), WithSleeper(clock.Sleep))
			if err != nil {
				t.Fatalf("new memory ledger: %v", err)
			}
			return l
		},
		"redis": func(t *testing.T, limits Limits, clock *fakeClock) Ledger {
			srv := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			l, err := NewRedisLedger(client, "test:usage", limits, WithClock(clock.Now), WithSleeper(clock.Sleep))
			if err != nil {
				t.Fatalf("new redis ledger: %v", err)
			}
			return l
		},
	}
}

func forEachLedger(t *testing.T, fn func(t *testing.T, newLedger ledgerFactory)) {
	for name, factory := range ledgerFactories() {
		t.Run(name, func(t *testing.T) { fn(t, factory) })
	}
}

func mustReserve(t *testing.T, l Ledger, est Cost) Reservation {
	t.Helper()
	res, err := l.Reserve(context.Background(), est)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return res
}

func TestLedgerDailyLimit(t *testing.T) {
	forEachLedger(t, func(t *testing.T, newLedger ledgerFactory) {
		ctx := context.Background()
		clock := newFakeClock()
		l := newLedger(t, Limits{DailyCallLimit: 10, MonthlyBudget: 10 * Dollar}, clock)
		for i := 0; i < 10; i++ {
			res := mustReserve(t, l, 1000)
			if err := l.Commit(ctx, res, 1000); err != nil {
				t.Fatalf("commit %d: %v", i, err)
			}
		}
		_, err := l.Reserve(ctx, 1000)
		var be *BudgetExceededError
		if !errors.As(err, &be) || be.Reason != ReasonDailyLimit {
			t.Fatalf("expected daily_limit denial, got %v", err)
		}
		if !errors.Is(err, ErrBudgetExceeded) {
			t.Fatalf("denial should match ErrBudgetExceeded")
		}
		if be.Usage.CallsToday != 10 {
			t.Fatalf("usage figures missing: %+v", be.Usage)
		}
	})
}

func TestLedgerMonthlyBudget(t *testing.T) {
	forEachLedger(t, func(t *testing.T, newLedger ledgerFactory) {
		ctx := context.Background()
		clock := newFakeClock()
		l := newLedger(t, Limits{DailyCallLimit: 100, MonthlyBudget: Dollar}, clock)
		res := mustReserve(t, l, 1000)
		if err := l.Commit(ctx, res, 998_000); err != nil {
			t.Fatalf("commit: %v", err)
		}
		_, err := l.Reserve(ctx, 4_000)
		var be *BudgetExceededError
		if !errors.As(err, &be) || be.Reason != ReasonMonthlyBudget {
			t.Fatalf("expected monthly_budget denial, got %v", err)
		}
		if be.Usage.MonthCost != 998_000 {
			t.Fatalf("month cost = %d, want 998000", be.Usage.MonthCost)
		}
		if _, err := l.Reserve(ctx, 2_000); err != nil {
			t.Fatalf("reservation that fits exactly should pass: %v", err)
		}
	})
}

func TestLedgerDailyReset(t *testing.T) {
	forEachLedger(t, func(t *testing.T, newLedger ledgerFactory) {
		ctx := context.Background()
		clock := newFakeClock()
		l := newLedger(t, Limits{DailyCallLimit: 2, MonthlyBudget: Dollar}, clock)
		for i := 0; i < 2; i++ {
			if err := l.Commit(ctx, mustReserve(t, l, 10), 10); err != nil {
				t.Fatalf("commit: %v", err)
			}
		}
		if _, err := l.Reserve(ctx, 10); !errors.Is(err, ErrBudgetExceeded) {
			t.Fatalf("expected denial before midnight, got %v", err)
		}
		clock.Advance(24 * time.Hour)
		mustReserve(t, l, 10)
		rec, err := l.Snapshot(ctx)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if rec.CallsToday != 0 {
			t.Fatalf("calls today = %d after rollover, want 0", rec.CallsToday)
		}
		if rec.MonthCost != 20 {
			t.Fatalf("month cost = %d, want 20 (same month)", rec.MonthCost)
		}
	})
}

func TestLedgerCommitIdempotentAndGuarded(t *testing.T) {
	forEachLedger(t, func(t *testing.T, newLedger ledgerFactory) {
		ctx := context.Background()
		clock := newFakeClock()
		l := newLedger(t, Limits{DailyCallLimit: 5, MonthlyBudget: Dollar}, clock)
		res := mustReserve(t, l, 100)
		for i := 0; i < 3; i++ {
			if err := l.Commit(ctx, res, 100); err != nil {
				t.Fatalf("commit %d: %v", i, err)
			}
		}
		rec, _ := l.Snapshot(ctx)
		if rec.CallsToday != 1 || rec.MonthCost != 100 {
			t.Fatalf("repeated commit double-counted: %+v", rec)
		}
		if err := l.Commit(ctx, Reservation{}, 100); !errors.Is(err, ErrInvalidReservation) {
			t.Fatalf("expected invalid reservation, got %v", err)
		}
	})
}

func TestLedgerBudgetMonotonicAndCapped(t *testing.T) {
	forEachLedger(t, func(t *testing.T, newLedger ledgerFactory) {
		ctx := context.Background()
		clock := newFakeClock()
		budget := 50_000 * Microdollar
		l := newLedger(t, Limits{DailyCallLimit: 1000, MonthlyBudget: budget}, clock)
		rng := rand.New(rand.NewSource(7))
		var last int64
		for i := 0; i < 200; i++ {
			est := Cost(rng.Intn(3000))
			res, err := l.Reserve(ctx, est)
			if err != nil {
				if !errors.Is(err, ErrBudgetExceeded) {
					t.Fatalf("reserve: %v", err)
				}
				continue
			}
			// Actual cost may exceed the estimate.
			if err := l.Commit(ctx, res, est+Cost(rng.Intn(2000))); err != nil {
				t.Fatalf("commit: %v", err)
			}
			rec, _ := l.Snapshot(ctx)
			if rec.MonthCost < last {
				t.Fatalf("month cost decreased: %d -> %d", last, rec.MonthCost)
			}
			if Cost(rec.MonthCost) > budget {
				t.Fatalf("month cost %d exceeds budget %d", rec.MonthCost, budget)
			}
			last = rec.MonthCost
		}
	})
}

func TestLedgerOutstandingReservationsHoldHeadroom(t *testing.T) {
	forEachLedger(t, func(t *testing.T, newLedger ledgerFactory) {
		ctx := context.Background()
		clock := newFakeClock()
		l := newLedger(t, Limits{DailyCallLimit: 1, MonthlyBudget: Dollar, MinDelay: time.Second}, clock)
		first := mustReserve(t, l, 600_000)
		// The first call is still in flight when the second caller arrives.
		clock.Advance(5 * time.Second)
		_, err := l.Reserve(ctx, 600_000)
		var be *BudgetExceededError
		if !errors.As(err, &be) || be.Reason != ReasonDailyLimit {
			t.Fatalf("expected daily_limit denial while a call is held, got %v", err)
		}
		if err := l.Commit(ctx, first, 600_000); err != nil {
			t.Fatalf("commit: %v", err)
		}
		rec, err := l.Snapshot(ctx)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if rec.CallsToday != 1 || rec.MonthCost != 600_000 || rec.Overage != 0 || rec.PendingCalls != 0 {
			t.Fatalf("unexpected usage after commit: %+v", rec)
		}
	})
}

func TestLedgerOutstandingReservationsHoldBudget(t *testing.T) {
	forEachLedger(t, func(t *testing.T, newLedger ledgerFactory) {
		ctx := context.Background()
		clock := newFakeClock()
		l := newLedger(t, Limits{DailyCallLimit: 10, MonthlyBudget: Dollar}, clock)
		a := mustReserve(t, l, 600_000)
		_, err := l.Reserve(ctx, 600_000)
		var be *BudgetExceededError
		if !errors.As(err, &be) || be.Reason != ReasonMonthlyBudget {
			t.Fatalf("expected monthly_budget denial while $0.60 is held, got %v", err)
		}
		if be.Usage.PendingCost != 600_000 {
			t.Fatalf("denial should report the held cost: %+v", be.Usage)
		}
		b := mustReserve(t, l, 400_000)
		rec, _ := l.Snapshot(ctx)
		if rec.PendingCalls != 2 || rec.PendingCost != 1_000_000 {
			t.Fatalf("pending = %d calls / %d, want 2 / 1000000", rec.PendingCalls, rec.PendingCost)
		}
		for _, res := range []Reservation{a, b} {
			if err := l.Commit(ctx, res, res.Estimated); err != nil {
				t.Fatalf("commit: %v", err)
			}
		}
		rec, _ = l.Snapshot(ctx)
		if rec.MonthCost != 1_000_000 || rec.Overage != 0 || rec.PendingCalls != 0 {
			t.Fatalf("unexpected usage after commits: %+v", rec)
		}
	})
}

func TestLedgerReleaseAndHoldExpiry(t *testing.T) {
	forEachLedger(t, func(t *testing.T, newLedger ledgerFactory) {
		ctx := context.Background()
		clock := newFakeClock()
		l := newLedger(t, Limits{DailyCallLimit: 1, MonthlyBudget: Dollar, HoldTTL: time.Minute}, clock)
		res := mustReserve(t, l, 100)
		if err := l.Release(ctx, res); err != nil {
			t.Fatalf("release: %v", err)
		}
		abandoned := mustReserve(t, l, 100)
		if !abandoned.ExpiresAt.Equal(clock.Now().Add(time.Minute)) {
			t.Fatalf("expires at = %v", abandoned.ExpiresAt)
		}
		if _, err := l.Reserve(ctx, 100); !errors.Is(err, ErrBudgetExceeded) {
			t.Fatalf("expected denial while the hold is live, got %v", err)
		}
		clock.Advance(2 * time.Minute)
		mustReserve(t, l, 100)
		rec, _ := l.Snapshot(ctx)
		if rec.CallsToday != 0 || rec.PendingCalls != 1 {
			t.Fatalf("expired hold still counted: %+v", rec)
		}
		if err := l.Release(ctx, Reservation{}); !errors.Is(err, ErrInvalidReservation) {
			t.Fatalf("expected invalid reservation, got %v", err)
		}
	})
}

func TestLedgerMinDelayWaitsAndReevaluates(t *testing.T) {
	forEachLedger(t, func(t *testing.T, newLedger ledgerFactory) {
		ctx := context.Background()
		clock := newFakeClock()
		l := newLedger(t, Limits{DailyCallLimit: 2, MonthlyBudget: Dollar, MinDelay: 30 * time.Second}, clock)
		if err := l.Commit(ctx, mustReserve(t, l, 10), 10); err != nil {
			t.Fatalf("commit: %v", err)
		}
		clock.Advance(10 * time.Second)
		wait, err := l.TimeUntilNextCall(ctx)
		if err != nil {
			t.Fatalf("time until next call: %v", err)
		}
		if wait != 20*time.Second {
			t.Fatalf("wait = %v, want 20s", wait)
		}

		mustReserve(t, l, 10)
		if len(clock.slept) != 1 || clock.slept[0] != 20*time.Second {
			t.Fatalf("expected one 20s wait, got %v", clock.slept)
		}
	})
}

func TestLedgerReevaluatesBudgetAfterWait(t *testing.T) {
	clock := newFakeClock()
	l, err := NewMemoryLedger(Limits{DailyCallLimit: 2, MonthlyBudget: Dollar, MinDelay: time.Minute},
		WithClock(clock.Now), WithSleeper(clock.Sleep))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	ctx := context.Background()
	if err := l.Commit(ctx, mustReserve(t, l, 10), 10); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Another process spends the last daily call while we wait.
	clock.onWait = func() {
		clock.onWait = nil
		_ = l.Commit(ctx, Reservation{ID: "other-process", Estimated: 10}, 10)
	}
	_, err = l.Reserve(ctx, 10)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected denial after re-evaluation, got %v", err)
	}
}

func TestLedgerWaitHonorsContext(t *testing.T) {
	l, err := NewMemoryLedger(Limits{DailyCallLimit: 5, MonthlyBudget: Dollar, MinDelay: time.Hour})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Reserve(ctx, 1); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := l.Reserve(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestParseCost(t *testing.T) {
	cases := map[string]Cost{
		"1":      Dollar,
		"1.00":   Dollar,
		"$0.998": 998_000,
		"0.004":  4_000,
		"12.5":   12_500_000,
	}
	for in, want := range cases {
		got, err := ParseCost(in)
		if err != nil {
			t.Fatalf("ParseCost(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseCost(%q) = %d, want %d", in, got, want)
		}
	}
	for _, bad := range []string{"", "abc", "1.0000001", "-1"} {
		if _, err := ParseCost(bad); err == nil {
			t.Fatalf("ParseCost(%q) should fail", bad)
		}
	}
	if s := Cost(998_000).String(); s != "0.998" {
		t.Fatalf("String() = %q", s)
	}
	if s := Dollar.String(); s != "1.00" {
		t.Fatalf("String() = %q", s)
	}
}
