package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	AccountActive    = "active"
	AccountSuspended = "suspended"
	AccountBanned    = "banned"
)

type Account struct {
	ID           uint       `gorm:"primaryKey"`
	Username     string     `gorm:"size:255;uniqueIndex;not null"`
	ReferralCode string     `gorm:"size:32;uniqueIndex;not null"`
	Status       string     `gorm:"size:16;default:'active';not null"`
	Balance      float64    `gorm:"not null;default:0"`
	LastMineAt   *time.Time
	ReferredBy   *uint      `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.ReferralCode == "" {
		a.ReferralCode = "ref_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if a.Status == "" {
		a.Status = AccountActive
	}
	a.LastMineAt = utcPtr(a.LastMineAt)
	return nil
}

func (a *Account) IsActive() bool {
	return a.Status == AccountActive
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
