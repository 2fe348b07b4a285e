package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"contentengine/pkg/domain"
	"contentengine/pkg/store"
)

type UsageRecordModel struct {
	Account     string `gorm:"primaryKey"`
	DayBucket   string `gorm:"not null"`
	MonthBucket string `gorm:"not null"`
	CallsToday  int    `gorm:"not null;default:0"`
	MonthCost   int64  `gorm:"not null;default:0"`
	Overage     int64  `gorm:"not null;default:0"`
	LastCallAt  *time.Time
	UpdatedAt   time.Time
}

func (UsageRecordModel) TableName() string { return "usage_records" }

// UsageCommitModel makes Commit idempotent: one row per reservation.
type UsageCommitModel struct {
	ReservationID string    `gorm:"primaryKey"`
	Account       string    `gorm:"not null;index"`
	Estimated     int64     `gorm:"not null"`
	Actual        int64     `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (UsageCommitModel) TableName() string { return "usage_commits" }

// UsageHoldModel is an outstanding reservation. Rows past ExpiresAt are
// ignored and swept by the next Reserve.
type UsageHoldModel struct {
	ReservationID string    `gorm:"primaryKey"`
	Account       string    `gorm:"not null;index"`
	Estimated     int64     `gorm:"not null"`
	ExpiresAt     time.Time `gorm:"not null;index"`
}

func (UsageHoldModel) TableName() string { return "usage_holds" }

// GormLedger stores the usage record in Postgres. Every mutation runs in a
// transaction holding SELECT ... FOR UPDATE on the account row, which
// serializes the CLI and the worker.
type GormLedger struct {
	db     *gorm.DB
	limits Limits
	opts   options
}

func NewGormLedger(db *gorm.DB, limits Limits, opts ...Option) (*GormLedger, error) {
	if err := limits.validate(); err != nil {
		return nil, err
	}
	if err := store.Migrate(db, &UsageRecordModel{}, &UsageCommitModel{}, &UsageHoldModel{}); err != nil {
		return nil, err
	}
	return &GormLedger{db: db, limits: limits, opts: buildOptions(opts)}, nil
}

func (l *GormLedger) Reserve(ctx context.Context, estimated Cost) (Reservation, error) {
	return reserveLoop(ctx, l.opts, func(ctx context.Context, now time.Time) (Reservation, time.Duration, error) {
		var (
			wait    time.Duration
			denyErr error
		)
		res := newReservation(uuid.NewString(), estimated, now, l.limits)
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			m, err := l.lockRecord(tx)
			if err != nil {
				return err
			}
			if err := tx.Where("account = ? AND expires_at <= ?", l.limits.account(), now.UTC()).
				Delete(&UsageHoldModel{}).Error; err != nil {
				return fmt.Errorf("sweep holds: %w", err)
			}
			rec := recordFromModel(m)
			if err := l.sumHolds(tx, &rec, now); err != nil {
				return err
			}
			wait, denyErr = evaluate(&rec, l.limits, estimated, now)
			if denyErr == nil && wait <= 0 {
				h := UsageHoldModel{
					ReservationID: res.ID,
					Account:       l.limits.account(),
					Estimated:     int64(estimated),
					ExpiresAt:     res.ExpiresAt,
				}
				if err := tx.Create(&h).Error; err != nil {
					return fmt.Errorf("record hold: %w", err)
				}
			}
			// Rollover and the last-call stamp persist even on denial.
			return l.save(tx, rec, now)
		})
		if err != nil {
			return Reservation{}, 0, fmt.Errorf("reserve usage: %w", err)
		}
		if denyErr != nil || wait > 0 {
			return Reservation{}, wait, denyErr
		}
		return res, 0, nil
	})
}

func (l *GormLedger) Commit(ctx context.Context, res Reservation, actual Cost) error {
	if err := checkCommit(res, actual); err != nil {
		return err
	}
	now := l.opts.now()
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&UsageHoldModel{}, "reservation_id = ?", res.ID).Error; err != nil {
			return fmt.Errorf("drop hold: %w", err)
		}
		marker := UsageCommitModel{
			ReservationID: res.ID,
			Account:       l.limits.account(),
			Estimated:     int64(res.Estimated),
			Actual:        int64(actual),
			CreatedAt:     now.UTC(),
		}
		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&marker)
		if ins.Error != nil {
			return fmt.Errorf("record commit: %w", ins.Error)
		}
		if ins.RowsAffected == 0 {
			return nil
		}
		m, err := l.lockRecord(tx)
		if err != nil {
			return err
		}
		rec := recordFromModel(m)
		apply(&rec, l.limits, actual, now)
		return l.save(tx, rec, now)
	})
}

func (l *GormLedger) Release(ctx context.Context, res Reservation) error {
	if err := checkRelease(res); err != nil {
		return err
	}
	if err := l.db.WithContext(ctx).Delete(&UsageHoldModel{}, "reservation_id = ?", res.ID).Error; err != nil {
		return fmt.Errorf("release usage: %w", err)
	}
	return nil
}

func (l *GormLedger) TimeUntilNextCall(ctx context.Context) (time.Duration, error) {
	rec, err := l.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return remainingDelay(rec, l.limits, l.opts.now()), nil
}

func (l *GormLedger) Snapshot(ctx context.Context) (domain.UsageRecord, error) {
	var m UsageRecordModel
	err := l.db.WithContext(ctx).First(&m, "account = ?", l.limits.account()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		m = UsageRecordModel{Account: l.limits.account()}
	} else if err != nil {
		return domain.UsageRecord{}, err
	}
	rec := recordFromModel(m)
	now := l.opts.now()
	if err := l.sumHolds(l.db.WithContext(ctx), &rec, now); err != nil {
		return domain.UsageRecord{}, err
	}
	rollover(&rec, now)
	return rec, nil
}

// sumHolds fills the live hold totals for the account.
func (l *GormLedger) sumHolds(tx *gorm.DB, rec *domain.UsageRecord, now time.Time) error {
	var agg struct {
		Calls int
		Cost  int64
	}
	err := tx.Model(&UsageHoldModel{}).
		Select("COUNT(*) AS calls, COALESCE(SUM(estimated), 0) AS cost").
		Where("account = ? AND expires_at > ?", l.limits.account(), now.UTC()).
		Scan(&agg).Error
	if err != nil {
		return fmt.Errorf("sum holds: %w", err)
	}
	rec.PendingCalls = agg.Calls
	rec.PendingCost = agg.Cost
	return nil
}

// lockRecord returns the account row locked for update, creating it first
// when missing.
func (l *GormLedger) lockRecord(tx *gorm.DB) (UsageRecordModel, error) {
	account := l.limits.account()
	var m UsageRecordModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "account = ?", account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		seed := UsageRecordModel{Account: account}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return m, fmt.Errorf("create usage record: %w", err)
		}
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "account = ?", account).Error
	}
	if err != nil {
		return m, fmt.Errorf("lock usage record: %w", err)
	}
	return m, nil
}

func (l *GormLedger) save(tx *gorm.DB, rec domain.UsageRecord, now time.Time) error {
	return tx.Model(&UsageRecordModel{}).
		Where("account = ?", rec.Account).
		Updates(map[string]any{
			"day_bucket":   rec.DayBucket,
			"month_bucket": rec.MonthBucket,
			"calls_today":  rec.CallsToday,
			"month_cost":   rec.MonthCost,
			"overage":      rec.Overage,
			"last_call_at": rec.LastCallAt,
			"updated_at":   now.UTC(),
		}).Error
}

func recordFromModel(m UsageRecordModel) domain.UsageRecord {
	return domain.UsageRecord{
		Account:     m.Account,
		DayBucket:   m.DayBucket,
		MonthBucket: m.MonthBucket,
		CallsToday:  m.CallsToday,
		MonthCost:   m.MonthCost,
		Overage:     m.Overage,
		LastCallAt:  m.LastCallAt,
	}
}
