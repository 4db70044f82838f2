// Package ledger owns every balance mutation. Each credit updates the account
// balance and appends exactly one LedgerTransaction inside the caller's
// transaction, so balance always equals the sum of the account's ledger rows.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mining-engine/internal/models"
)

// Precision is the number of decimal places token amounts are rounded to.
const Precision = 8

// Round rounds a token amount to Precision decimal places.
func Round(v float64) float64 {
	return decimal.NewFromFloat(v).Round(Precision).InexactFloat64()
}

type Entry struct {
	AccountID     uint
	Type          string
	Amount        float64
	ReferenceID   string
	ReferenceType string
	At            time.Time
}

// LockAccount reads the account row under an exclusive lock held until tx ends.
func LockAccount(ctx context.Context, tx *gorm.DB, id uint) (*models.Account, error) {
	var acct models.Account
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&acct, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, Classify("lock account", err)
	}
	return &acct, nil
}

// Credit adds e.Amount to the account balance and records the matching ledger
// row. It must be called inside a transaction; the account row is locked
// before it is read.
func Credit(ctx context.Context, tx *gorm.DB, e Entry) (*models.LedgerTransaction, error) {
	if e.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	acct, err := LockAccount(ctx, tx, e.AccountID)
	if err != nil {
		return nil, err
	}

	before := acct.Balance
	after := decimal.NewFromFloat(before).Add(decimal.NewFromFloat(e.Amount)).InexactFloat64()

	err = tx.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", acct.ID).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", e.Amount),
			"updated_at": e.At.UTC(),
		}).Error
	if err != nil {
		return nil, Classify("update balance", err)
	}

	entry := &models.LedgerTransaction{
		AccountID:     acct.ID,
		Type:          e.Type,
		Amount:        e.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		ReferenceID:   e.ReferenceID,
		ReferenceType: e.ReferenceType,
		Status:        models.TxCompleted,
		CreatedAt:     e.At,
	}
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, Classify("insert ledger transaction", err)
	}

	return entry, nil
}

// Audit is the result of comparing a balance with its ledger.
type Audit struct {
	AccountID uint
	Balance   float64
	LedgerSum float64
	Entries   int64
}

// Consistent reports whether balance and ledger agree within rounding.
func (a Audit) Consistent() bool {
	d := a.Balance - a.LedgerSum
	return d < 1e-8 && d > -1e-8
}

// VerifyAccount recomputes the ledger sum for one account.
func VerifyAccount(ctx context.Context, db *gorm.DB, id uint) (Audit, error) {
	var acct models.Account
	if err := db.WithContext(ctx).First(&acct, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Audit{}, ErrAccountNotFound
		}
		return Audit{}, Classify("load account", err)
	}

	var row struct {
		Total   float64
		Entries int64
	}
	err := db.WithContext(ctx).Model(&models.LedgerTransaction{}).
		Select("COALESCE(SUM(amount), 0) AS total, COUNT(*) AS entries").
		Where("account_id = ?", id).
		Scan(&row).Error
	if err != nil {
		return Audit{}, Classify("sum ledger", err)
	}

	return Audit{AccountID: id, Balance: acct.Balance, LedgerSum: row.Total, Entries: row.Entries}, nil
}
