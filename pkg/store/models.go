package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ContentItemModel struct {
	ID              string `gorm:"primaryKey"`
	Body            string `gorm:"type:text;not null"`
	Pillar          string `gorm:"index"`
	Framework       string
	Report          datatypes.JSON `gorm:"type:jsonb"`
	Status          string         `gorm:"not null;index:idx_content_due,priority:1"`
	ScheduledFor    *time.Time     `gorm:"index:idx_content_due,priority:2"`
	PostedAt        *time.Time
	ExternalPostID  string
	ErrorMessage    string
	ClaimToken      string `gorm:"not null;default:'';index"`
	ClaimedAt       *time.Time
	Attempts        int       `gorm:"not null;default:0"`
	CreatedAt       time.Time `gorm:"not null;index"`
	StatusChangedAt time.Time `gorm:"not null"`
}

func (ContentItemModel) TableName() string { return "content_items" }

type ItemEventModel struct {
	ID         string    `gorm:"primaryKey"`
	ItemID     string    `gorm:"not null;index"`
	FromStatus string    `gorm:"not null"`
	ToStatus   string    `gorm:"not null"`
	Actor      string    `gorm:"not null"`
	Note       string    `gorm:"type:text"`
	At         time.Time `gorm:"not null;index"`
}

func (ItemEventModel) TableName() string { return "content_item_events" }
