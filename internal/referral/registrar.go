package referral

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"mining-engine/internal/ledger"
	"mining-engine/internal/models"
)

var (
	ErrUsernameRequired = errors.New("username is required")
	ErrUsernameTaken    = errors.New("username already registered")
)

// Registrar creates accounts and records the referral edge when a valid code
// is redeemed at sign-up.
type Registrar struct {
	db          *gorm.DB
	defaultRate float64
	log         *zap.Logger
}

func NewRegistrar(db *gorm.DB, defaultRate float64, log *zap.Logger) *Registrar {
	return &Registrar{db: db, defaultRate: defaultRate, log: log}
}

// Register creates an account. An unknown code is ignored.
func (r *Registrar) Register(ctx context.Context, username, referralCode string) (*models.Account, error) {
	username = strings.TrimSpace(username)
	referralCode = strings.TrimSpace(referralCode)
	if username == "" {
		return nil, ErrUsernameRequired
	}

	var acct models.Account
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Account{}).Where("username = ?", username).Count(&count).Error; err != nil {
			return ledger.Classify("check username", err)
		}
		if count > 0 {
			return ErrUsernameTaken
		}

		var referrer *models.Account
		if referralCode != "" {
			var found models.Account
			err := tx.Where("referral_code = ?", referralCode).First(&found).Error
			switch {
			case err == nil:
				referrer = &found
			case errors.Is(err, gorm.ErrRecordNotFound):
				r.log.Info("Ignoring unknown referral code", zap.String("code", referralCode), zap.String("username", username))
			default:
				return ledger.Classify("find referrer", err)
			}
		}

		acct = models.Account{Username: username, Status: models.AccountActive}
		if referrer != nil {
			acct.ReferredBy = &referrer.ID
		}
		if err := tx.Create(&acct).Error; err != nil {
			// Lost a race with a concurrent registration of the same name.
			if ledger.IsUniqueViolation(err, "username") {
				return ErrUsernameTaken
			}
			return ledger.Classify("create account", err)
		}

		if referrer == nil {
			return nil
		}
		edge := models.ReferralEdge{
			ReferrerID:     referrer.ID,
			ReferredID:     acct.ID,
			CommissionRate: r.defaultRate,
			Level:          1,
		}
		if err := tx.Create(&edge).Error; err != nil {
			return ledger.Classify("create referral edge", err)
		}
		r.log.Info("Account invited", zap.Uint("account_id", acct.ID), zap.Uint("referrer_id", referrer.ID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

type Stats struct {
	Invited         int64   `json:"invited"`
	TotalCommission float64 `json:"totalCommission"`
}

// Stats summarises what an account has earned from its referrals.
func (r *Registrar) Stats(ctx context.Context, accountID uint) (Stats, error) {
	var s Stats
	db := r.db.WithContext(ctx)
	if err := db.Model(&models.ReferralEdge{}).Where("referrer_id = ?", accountID).Count(&s.Invited).Error; err != nil {
		return Stats{}, ledger.Classify("count referrals", err)
	}
	err := db.Model(&models.LedgerTransaction{}).
		Where("account_id = ? AND type = ?", accountID, models.TxReferralCommission).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&s.TotalCommission).Error
	if err != nil {
		return Stats{}, ledger.Classify("sum commission", err)
	}
	return s, nil
}
