// Package usage gates every LLM provider call behind a persisted ledger of
// daily calls, monthly spend and a minimum interval between calls.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"contentengine/pkg/domain"
)

const DefaultAccount = "default"

// DefaultHoldTTL bounds how long an uncommitted reservation keeps its hold
// on the daily and monthly headroom.
const DefaultHoldTTL = 10 * time.Minute

var (
	ErrBudgetExceeded     = errors.New("budget exceeded")
	ErrInvalidReservation = errors.New("invalid reservation")
)

type Reason string

const (
	ReasonDailyLimit    Reason = "daily_limit"
	ReasonMonthlyBudget Reason = "monthly_budget"
)

// Limits configures a ledger account.
type Limits struct {
	Account        string
	DailyCallLimit int
	MonthlyBudget  Cost
	MinDelay       time.Duration
	HoldTTL        time.Duration
}

func (l Limits) account() string {
	if l.Account == "" {
		return DefaultAccount
	}
	return l.Account
}

func (l Limits) holdTTL() time.Duration {
	if l.HoldTTL <= 0 {
		return DefaultHoldTTL
	}
	return l.HoldTTL
}

func (l Limits) validate() error {
	if l.DailyCallLimit <= 0 {
		return errors.New("usage: daily call limit must be > 0")
	}
	if l.MonthlyBudget <= 0 {
		return errors.New("usage: monthly budget must be > 0")
	}
	if l.MinDelay < 0 {
		return errors.New("usage: min delay must be >= 0")
	}
	return nil
}

// Reservation is handed out by an allowed Reserve and consumed by Commit
// or Release. Until then it holds one call and its estimate against the
// limits, up to ExpiresAt.
type Reservation struct {
	ID        string
	Estimated Cost
	At        time.Time
	ExpiresAt time.Time
}

func newReservation(id string, estimated Cost, now time.Time, limits Limits) Reservation {
	return Reservation{ID: id, Estimated: estimated, At: now.UTC(), ExpiresAt: now.UTC().Add(limits.holdTTL())}
}

// BudgetExceededError carries the usage figures at denial time.
type BudgetExceededError struct {
	Reason    Reason
	Estimated Cost
	Usage     domain.UsageRecord
	Limits    Limits
}

func (e *BudgetExceededError) Error() string {
	switch e.Reason {
	case ReasonDailyLimit:
		return fmt.Sprintf("budget exceeded: %s (%d of %d calls used today)",
			e.Reason, e.Usage.CallsToday+e.Usage.PendingCalls, e.Limits.DailyCallLimit)
	default:
		return fmt.Sprintf("budget exceeded: %s (spent $%s + held $%s + estimated $%s > budget $%s)",
			e.Reason, Cost(e.Usage.MonthCost), Cost(e.Usage.PendingCost), e.Estimated, e.Limits.MonthlyBudget)
	}
}

func (e *BudgetExceededError) Is(target error) bool { return target == ErrBudgetExceeded }

// Ledger is the gate in front of the LLM provider. Reserve may block for up
// to the configured minimum delay; Commit is idempotent per reservation.
// Release drops the hold of a reservation whose call never completed.
type Ledger interface {
	Reserve(ctx context.Context, estimated Cost) (Reservation, error)
	Commit(ctx context.Context, res Reservation, actual Cost) error
	Release(ctx context.Context, res Reservation) error
	TimeUntilNextCall(ctx context.Context) (time.Duration, error)
	Snapshot(ctx context.Context) (domain.UsageRecord, error)
}

type Option func(*options)

type options struct {
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	logger *slog.Logger
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSleeper overrides the cooperative wait used for the minimum delay.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(o *options) { o.sleep = sleep }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) options {
	o := options{
		now:    time.Now,
		sleep:  sleepContext,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// attemptFunc performs one atomic evaluate-and-stamp against the backing
// record. A positive wait means the minimum delay has not elapsed yet.
type attemptFunc func(ctx context.Context, now time.Time) (Reservation, time.Duration, error)

// reserveLoop waits out the minimum delay and re-evaluates until the
// attempt is allowed or denied.
func reserveLoop(ctx context.Context, o options, attempt attemptFunc) (Reservation, error) {
	for {
		res, wait, err := attempt(ctx, o.now())
		if err != nil {
			return Reservation{}, err
		}
		if wait <= 0 {
			return res, nil
		}
		o.logger.Debug("usage: waiting for min delay", "wait_ms", wait.Milliseconds())
		if err := o.sleep(ctx, wait); err != nil {
			return Reservation{}, err
		}
	}
}

func dayBucket(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func monthBucket(t time.Time) string { return t.UTC().Format("2006-01") }

// rollover zeroes counters whose bucket is older than now.
func rollover(rec *domain.UsageRecord, now time.Time) {
	if day := dayBucket(now); rec.DayBucket != day {
		rec.DayBucket = day
		rec.CallsToday = 0
	}
	if month := monthBucket(now); rec.MonthBucket != month {
		rec.MonthBucket = month
		rec.MonthCost = 0
		rec.Overage = 0
	}
}

// hold is the headroom an outstanding reservation keeps until it is
// committed, released or expired.
type hold struct {
	Estimated Cost
	ExpiresAt time.Time
}

// pending sums the live holds into rec and drops the expired ones.
func pending(rec *domain.UsageRecord, holds map[string]hold, now time.Time) {
	rec.PendingCalls, rec.PendingCost = 0, 0
	for id, h := range holds {
		if !now.Before(h.ExpiresAt) {
			delete(holds, id)
			continue
		}
		rec.PendingCalls++
		rec.PendingCost += int64(h.Estimated)
	}
}

// evaluate decides a reservation against rec after rollover. Outstanding
// holds count as spent. Budget denials win over the delay because waiting
// cannot make them pass.
func evaluate(rec *domain.UsageRecord, limits Limits, estimated Cost, now time.Time) (time.Duration, error) {
	rollover(rec, now)
	if rec.CallsToday+rec.PendingCalls >= limits.DailyCallLimit {
		return 0, &BudgetExceededError{Reason: ReasonDailyLimit, Estimated: estimated, Usage: *rec, Limits: limits}
	}
	if Cost(rec.MonthCost)+Cost(rec.PendingCost)+estimated > limits.MonthlyBudget {
		return 0, &BudgetExceededError{Reason: ReasonMonthlyBudget, Estimated: estimated, Usage: *rec, Limits: limits}
	}
	if wait := remainingDelay(*rec, limits, now); wait > 0 {
		return wait, nil
	}
	stamp := now.UTC()
	rec.LastCallAt = &stamp
	return 0, nil
}

func remainingDelay(rec domain.UsageRecord, limits Limits, now time.Time) time.Duration {
	if limits.MinDelay <= 0 || rec.LastCallAt == nil {
		return 0
	}
	elapsed := now.Sub(*rec.LastCallAt)
	if elapsed >= limits.MinDelay {
		return 0
	}
	return limits.MinDelay - elapsed
}

// apply books a committed call. Holds keep reservations inside the budget,
// so overage only appears when the actual cost beats the estimate; MonthCost
// never exceeds the budget.
func apply(rec *domain.UsageRecord, limits Limits, actual Cost, now time.Time) {
	rollover(rec, now)
	rec.CallsToday++
	total := Cost(rec.MonthCost) + actual
	if total > limits.MonthlyBudget {
		rec.Overage += int64(total - limits.MonthlyBudget)
		total = limits.MonthlyBudget
	}
	rec.MonthCost = int64(total)
	stamp := now.UTC()
	rec.LastCallAt = &stamp
}

func checkCommit(res Reservation, actual Cost) error {
	if res.ID == "" {
		return fmt.Errorf("%w: missing reservation id", ErrInvalidReservation)
	}
	if actual < 0 {
		return fmt.Errorf("%w: negative cost %d", ErrInvalidReservation, actual)
	}
	return nil
}

func checkRelease(res Reservation) error {
	if res.ID == "" {
		return fmt.Errorf("%w: missing reservation id", ErrInvalidReservation)
	}
	return nil
}
