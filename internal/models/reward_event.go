package models

import (
	"time"

	"gorm.io/gorm"
)

// RewardEvent is written once per successful mine and never updated.
type RewardEvent struct {
	ID          uint      `gorm:"primaryKey"`
	AccountID   uint      `gorm:"not null;index:idx_reward_events_account_created,priority:1"`
	Amount      float64   `gorm:"not null"`
	OriginIP    string    `gorm:"size:64"`
	OriginAgent string    `gorm:"size:512"`
	CreatedAt   time.Time `gorm:"not null;index:idx_reward_events_account_created,priority:2"`
}

func (e *RewardEvent) BeforeCreate(tx *gorm.DB) error {
	e.CreatedAt = e.CreatedAt.UTC()
	return nil
}
