package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	TxMiningReward       = "mining_reward"
	TxSessionReward      = "session_reward"
	TxReferralCommission = "referral_commission"
)

const (
	RefRewardEvent   = "reward_event"
	RefMiningSession = "mining_session"
	RefLedger        = "ledger_transaction"
)

const TxCompleted = "completed"

// LedgerTransaction pairs every balance change with its cause.
type LedgerTransaction struct {
	ID            string    `gorm:"primaryKey;size:36"`
	AccountID     uint      `gorm:"not null;index"`
	Type          string    `gorm:"size:32;not null;index"`
	Amount        float64   `gorm:"not null"`
	BalanceBefore float64   `gorm:"not null"`
	BalanceAfter  float64   `gorm:"not null"`
	ReferenceID   string    `gorm:"size:64;index"`
	ReferenceType string    `gorm:"size:32"`
	Status        string    `gorm:"size:16;not null;default:'completed'"`
	CreatedAt     time.Time `gorm:"not null;index"`
}

func (t *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TxCompleted
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return nil
}

// All lists every model for migration.
func All() []interface{} {
	return []interface{}{
		&Account{},
		&RewardEvent{},
		&MiningSession{},
		&ReferralEdge{},
		&LedgerTransaction{},
	}
}
