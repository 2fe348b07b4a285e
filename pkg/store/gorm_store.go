package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"contentengine/pkg/domain"
)

const migrateLockID int64 = 73217321

// OpenPostgres opens a GORM handle with the shared logger settings.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	gormLog := gormlogger.New(
		log.New(os.Stderr, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}

// Migrate auto-migrates models while holding a Postgres advisory lock so
// the CLI and the worker can start concurrently.
func Migrate(db *gorm.DB, models ...any) error {
	return withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(models...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	})
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// GormStore implements ContentStore using GORM + Postgres. Every write to an
// existing row is a single guarded UPDATE; RowsAffected decides the race.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore runs migrations for content tables on db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := Migrate(db, &ContentItemModel{}, &ItemEventModel{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, now: time.Now}, nil
}

// Create inserts a new item and its initial audit event.
func (s *GormStore) Create(ctx context.Context, item domain.ContentItem, actor string) (domain.ContentItem, error) {
	now := s.now().UTC()
	item = prepareNew(item, now)
	model, err := itemToModel(item)
	if err != nil {
		return domain.ContentItem{}, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("insert content item: %w", err)
		}
		event := eventToModel(newEvent(item.ID, "", item.Status, actor, "created", now))
		return tx.Create(&event).Error
	})
	if err != nil {
		return domain.ContentItem{}, err
	}
	return item, nil
}

func (s *GormStore) Get(ctx context.Context, id string) (domain.ContentItem, error) {
	var model ContentItemModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ContentItem{}, ErrNotFound
		}
		return domain.ContentItem{}, err
	}
	return itemFromModel(model)
}

// List returns items newest first.
func (s *GormStore) List(ctx context.Context, filter ListFilter) ([]domain.ContentItem, error) {
	tx := s.db.WithContext(ctx).Order("created_at DESC")
	if filter.Status != "" {
		tx = tx.Where("status = ?", string(filter.Status))
	}
	if filter.Pillar != "" {
		tx = tx.Where("pillar = ?", filter.Pillar)
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	return s.find(tx)
}

func (s *GormStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ContentItem, error) {
	tx := s.db.WithContext(ctx).
		Where("status = ? AND claim_token = '' AND scheduled_for <= ?", string(domain.StatusScheduled), now.UTC()).
		Order("scheduled_for ASC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	return s.find(tx)
}

func (s *GormStore) ListClaimedBefore(ctx context.Context, cutoff time.Time) ([]domain.ContentItem, error) {
	tx := s.db.WithContext(ctx).
		Where("claim_token <> '' AND claimed_at < ?", cutoff.UTC()).
		Order("claimed_at ASC")
	return s.find(tx)
}

func (s *GormStore) find(tx *gorm.DB) ([]domain.ContentItem, error) {
	var models []ContentItemModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ContentItem, 0, len(models))
	for _, m := range models {
		item, err := itemFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, nil
}

// Update performs UPDATE ... WHERE id = ? AND status = ? AND claim_token = ?
// and appends an audit event in the same transaction when the status moves.
func (s *GormStore) Update(ctx context.Context, id string, guard Guard, patch Patch) (domain.ContentItem, error) {
	now := s.now().UTC()
	updates := patchColumns(patch, now)
	var out ContentItemModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ContentItemModel{}).
			Where("id = ? AND status = ? AND claim_token = ?", id, string(guard.Status), guard.ClaimToken).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update content item: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&ContentItemModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		if patch.Status != nil && *patch.Status != guard.Status {
			event := eventToModel(newEvent(id, guard.Status, *patch.Status, patch.Actor, patch.Note, now))
			if err := tx.Create(&event).Error; err != nil {
				return fmt.Errorf("append item event: %w", err)
			}
		}
		return tx.First(&out, "id = ?", id).Error
	})
	if err != nil {
		return domain.ContentItem{}, err
	}
	return itemFromModel(out)
}

func (s *GormStore) ListEvents(ctx context.Context, id string) ([]domain.ItemEvent, error) {
	var models []ItemEventModel
	if err := s.db.WithContext(ctx).Where("item_id = ?", id).Order("at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ItemEvent, 0, len(models))
	for _, m := range models {
		res = append(res, eventFromModel(m))
	}
	return res, nil
}

func patchColumns(patch Patch, now time.Time) map[string]any {
	updates := map[string]any{}
	if patch.Status != nil {
		updates["status"] = string(*patch.Status)
		updates["status_changed_at"] = now
	}
	if patch.ScheduledFor != nil {
		updates["scheduled_for"] = patch.ScheduledFor.UTC()
	}
	if patch.PostedAt != nil {
		updates["posted_at"] = patch.PostedAt.UTC()
	}
	if patch.ExternalPostID != nil {
		updates["external_post_id"] = *patch.ExternalPostID
	}
	if patch.ErrorMessage != nil {
		updates["error_message"] = *patch.ErrorMessage
	}
	if patch.ClaimToken != nil {
		updates["claim_token"] = *patch.ClaimToken
		if *patch.ClaimToken == "" {
			updates["claimed_at"] = nil
		} else {
			updates["claimed_at"] = now
		}
	}
	if patch.IncAttempts {
		updates["attempts"] = gorm.Expr("attempts + 1")
	}
	return updates
}

func prepareNew(item domain.ContentItem, now time.Time) domain.ContentItem {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = domain.StatusDraft
	}
	item.CreatedAt = now
	item.StatusChangedAt = now
	item.ClaimToken = ""
	item.ClaimedAt = nil
	return item
}

func newEvent(itemID string, from, to domain.ItemStatus, actor, note string, at time.Time) domain.ItemEvent {
	if actor == "" {
		actor = "system"
	}
	return domain.ItemEvent{ID: uuid.NewString(), ItemID: itemID, From: from, To: to, Actor: actor, Note: note, At: at}
}

func itemToModel(item domain.ContentItem) (ContentItemModel, error) {
	report, err := json.Marshal(item.Report)
	if err != nil {
		return ContentItemModel{}, fmt.Errorf("encode report: %w", err)
	}
	return ContentItemModel{
		ID:              item.ID,
		Body:            item.Body,
		Pillar:          item.Pillar,
		Framework:       item.Framework,
		Report:          datatypes.JSON(report),
		Status:          string(item.Status),
		ScheduledFor:    item.ScheduledFor,
		PostedAt:        item.PostedAt,
		ExternalPostID:  item.ExternalPostID,
		ErrorMessage:    item.ErrorMessage,
		ClaimToken:      item.ClaimToken,
		ClaimedAt:       item.ClaimedAt,
		Attempts:        item.Attempts,
		CreatedAt:       item.CreatedAt,
		StatusChangedAt: item.StatusChangedAt,
	}, nil
}

func itemFromModel(m ContentItemModel) (domain.ContentItem, error) {
	var report domain.ValidationReport
	if len(m.Report) > 0 {
		if err := json.Unmarshal(m.Report, &report); err != nil {
			return domain.ContentItem{}, fmt.Errorf("decode report for %s: %w", m.ID, err)
		}
	}
	return domain.ContentItem{
		ID:              m.ID,
		Body:            m.Body,
		Pillar:          m.Pillar,
		Framework:       m.Framework,
		Report:          report,
		Status:          domain.ItemStatus(m.Status),
		ScheduledFor:    m.ScheduledFor,
		PostedAt:        m.PostedAt,
		ExternalPostID:  m.ExternalPostID,
		ErrorMessage:    m.ErrorMessage,
		ClaimToken:      m.ClaimToken,
		ClaimedAt:       m.ClaimedAt,
		Attempts:        m.Attempts,
		CreatedAt:       m.CreatedAt,
		StatusChangedAt: m.StatusChangedAt,
	}, nil
}

func eventToModel(e domain.ItemEvent) ItemEventModel {
	return ItemEventModel{
		ID:         e.ID,
		ItemID:     e.ItemID,
		FromStatus: string(e.From),
		ToStatus:   string(e.To),
		Actor:      e.Actor,
		Note:       e.Note,
		At:         e.At,
	}
}

func eventFromModel(m ItemEventModel) domain.ItemEvent {
	return domain.ItemEvent{
		ID:     m.ID,
		ItemID: m.ItemID,
		From:   domain.ItemStatus(m.FromStatus),
		To:     domain.ItemStatus(m.ToStatus),
		Actor:  m.Actor,
		Note:   m.Note,
		At:     m.At,
	}
}
