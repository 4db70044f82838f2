package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionExpired   = "expired"
)

type MiningSession struct {
	ID                uint      `gorm:"primaryKey"`
	AccountID         uint      `gorm:"not null;index"`
	StartTime         time.Time `gorm:"not null"`
	Status            string    `gorm:"size:16;default:'active';not null;index"`
	HashRate          float64   `gorm:"not null"`
	Efficiency        float64   `gorm:"not null;default:100"`
	AccumulatedTokens float64   `gorm:"not null;default:0"`
	LastProcessedAt   time.Time `gorm:"not null"`
	EndedAt           *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (s *MiningSession) BeforeCreate(tx *gorm.DB) error {
	s.StartTime = s.StartTime.UTC()
	s.LastProcessedAt = s.LastProcessedAt.UTC()
	if s.LastProcessedAt.IsZero() {
		s.LastProcessedAt = s.StartTime
	}
	if s.Status == "" {
		s.Status = SessionActive
	}
	return nil
}

func (s *MiningSession) IsActive() bool {
	return s.Status == SessionActive
}
