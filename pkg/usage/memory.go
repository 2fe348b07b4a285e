package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"contentengine/pkg/domain"
)

// MemoryLedger keeps the record in process memory. Use it for tests and
// single-process runs; it does not survive a restart.
type MemoryLedger struct {
	limits Limits
	opts   options

	mu        sync.Mutex
	rec       domain.UsageRecord
	holds     map[string]hold
	committed map[string]bool
}

func NewMemoryLedger(limits Limits, opts ...Option) (*MemoryLedger, error) {
	if err := limits.validate(); err != nil {
		return nil, err
	}
	return &MemoryLedger{
		limits:    limits,
		opts:      buildOptions(opts),
		rec:       domain.UsageRecord{Account: limits.account()},
		holds:     map[string]hold{},
		committed: map[string]bool{},
	}, nil
}

func (l *MemoryLedger) Reserve(ctx context.Context, estimated Cost) (Reservation, error) {
	return reserveLoop(ctx, l.opts, func(_ context.Context, now time.Time) (Reservation, time.Duration, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		pending(&l.rec, l.holds, now)
		wait, err := evaluate(&l.rec, l.limits, estimated, now)
		if err != nil || wait > 0 {
			return Reservation{}, wait, err
		}
		res := newReservation(uuid.NewString(), estimated, now, l.limits)
		l.holds[res.ID] = hold{Estimated: estimated, ExpiresAt: res.ExpiresAt}
		return res, 0, nil
	})
}

func (l *MemoryLedger) Commit(_ context.Context, res Reservation, actual Cost) error {
	if err := checkCommit(res, actual); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.holds, res.ID)
	if l.committed[res.ID] {
		return nil
	}
	l.committed[res.ID] = true
	apply(&l.rec, l.limits, actual, l.opts.now())
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, res Reservation) error {
	if err := checkRelease(res); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.holds, res.ID)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLedger) TimeUntilNextCall(context.Context) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return remainingDelay(l.rec, l.limits, l.opts.now()), nil
}

func (l *MemoryLedger) Snapshot(context.Context) (domain.UsageRecord, error) {
	now := l.opts.now()
	l.mu.Lock()
	pending(&l.rec, l.holds, now)
	rec := l.rec
	l.mu.Unlock()
	rollover(&rec, now)
	return rec, nil
}
