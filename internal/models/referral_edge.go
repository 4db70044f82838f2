package models

import (
	"time"
)

// ReferralEdge links a referrer to an account that redeemed its code.
// TotalCommission only ever grows.
type ReferralEdge struct {
	ID              uint    `gorm:"primaryKey"`
	ReferrerID      uint    `gorm:"not null;index"`
	ReferredID      uint    `gorm:"not null;uniqueIndex"`
	CommissionRate  float64 `gorm:"not null"`
	TotalCommission float64 `gorm:"not null;default:0"`
	Level           int     `gorm:"not null;default:1"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
