// Package referral credits referrers with a share of every accrual made by the
// accounts they invited. Propagation is one level deep.
package referral

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mining-engine/internal/config"
	"mining-engine/internal/ledger"
	"mining-engine/internal/models"
	"mining-engine/internal/monitoring"
)

// Accrual describes a committed balance increase that may earn a commission.
type Accrual struct {
	AccountID     uint
	Amount        float64
	ReferenceID   string
	ReferenceType string
	At            time.Time
}

// Commission is a credited referral payout.
type Commission struct {
	ReferrerID uint
	ReferredID uint
	Amount     float64
	LedgerID   string
}

// CommissionError wraps any failure to propagate a commission. It is logged by
// the Dispatcher and never reaches the caller that produced the accrual.
type CommissionError struct {
	Accrual Accrual
	Err     error
}

func (e *CommissionError) Error() string {
	return fmt.Sprintf("referral commission for account %d (%s %s): %v",
		e.Accrual.AccountID, e.Accrual.ReferenceType, e.Accrual.ReferenceID, e.Err)
}

func (e *CommissionError) Unwrap() error { return e.Err }

type Propagator struct {
	db          *gorm.DB
	tx          ledger.TxOptions
	defaultRate float64
	levelStep   float64
	now         func() time.Time
}

func NewPropagator(db *gorm.DB, cfg config.Referral, tx ledger.TxOptions) *Propagator {
	return &Propagator{
		db:          db,
		tx:          tx,
		defaultRate: cfg.DefaultCommissionRate,
		levelStep:   cfg.LevelBonusStep,
		now:         time.Now,
	}
}

// LevelBonus is the commission multiplier for an edge at the given level.
func (p *Propagator) LevelBonus(level int) float64 {
	if level < 1 {
		level = 1
	}
	return 1 + float64(level-1)*p.levelStep
}

// Propagate credits the referrer of a.AccountID. It returns nil, nil when the
// account has no referrer or the commission rounds to zero.
func (p *Propagator) Propagate(ctx context.Context, a Accrual) (*Commission, error) {
	if a.Amount <= 0 {
		return nil, nil
	}

	var acct models.Account
	if err := p.db.WithContext(ctx).Select("id", "referred_by").First(&acct, a.AccountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &CommissionError{Accrual: a, Err: ledger.ErrAccountNotFound}
		}
		return nil, &CommissionError{Accrual: a, Err: ledger.Classify("load account", err)}
	}
	if acct.ReferredBy == nil {
		return nil, nil
	}
	referrerID := *acct.ReferredBy

	at := a.At
	if at.IsZero() {
		at = p.now()
	}

	var paid *Commission
	err := ledger.InTx(ctx, p.db, p.tx, func(tx *gorm.DB) error {
		rate, level := p.defaultRate, 1

		var edge models.ReferralEdge
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("referrer_id = ? AND referred_id = ?", referrerID, acct.ID).
			First(&edge).Error
		hasEdge := err == nil
		switch {
		case hasEdge:
			rate, level = edge.CommissionRate, edge.Level
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return ledger.Classify("load referral edge", err)
		}

		amount := ledger.Round(a.Amount * rate * p.LevelBonus(level))
		if amount <= 0 {
			return nil
		}

		entry, err := ledger.Credit(ctx, tx, ledger.Entry{
			AccountID:     referrerID,
			Type:          models.TxReferralCommission,
			Amount:        amount,
			ReferenceID:   a.ReferenceID,
			ReferenceType: a.ReferenceType,
			At:            at,
		})
		if err != nil {
			return err
		}

		if hasEdge {
			err = tx.WithContext(ctx).Model(&models.ReferralEdge{}).
				Where("id = ?", edge.ID).
				Update("total_commission", gorm.Expr("total_commission + ?", amount)).Error
			if err != nil {
				return ledger.Classify("update referral edge", err)
			}
		}

		paid = &Commission{ReferrerID: referrerID, ReferredID: acct.ID, Amount: amount, LedgerID: entry.ID}
		return nil
	})
	if err != nil {
		return nil, &CommissionError{Accrual: a, Err: err}
	}

	if paid != nil {
		monitoring.TokensCreditedTotal.WithLabelValues(models.TxReferralCommission).Add(paid.Amount)
	}
	return paid, nil
}

// Dispatcher runs propagation after the originating transaction commits.
// Store faults are retried; every failure ends up in the log, never in the
// caller's result.
type Dispatcher struct {
	propagator *Propagator
	retries    int
	backoff    time.Duration
	log        *zap.Logger
	wg         sync.WaitGroup
}

func NewDispatcher(p *Propagator, retries int, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		propagator: p,
		retries:    retries,
		backoff:    100 * time.Millisecond,
		log:        log,
	}
}

// Dispatch starts propagation of a in the background. Pending accruals live
// only in memory: Drain delivers them on a graceful shutdown, but a crash
// after the accrual commits loses its commission.
func (d *Dispatcher) Dispatch(a Accrual) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(context.Background(), a)
	}()
}

func (d *Dispatcher) run(ctx context.Context, a Accrual) {
	for attempt := 0; ; attempt++ {
		c, err := d.propagator.Propagate(ctx, a)
		if err == nil {
			if c != nil {
				d.log.Debug("Referral commission credited",
					zap.Uint("referrer_id", c.ReferrerID),
					zap.Uint("account_id", c.ReferredID),
					zap.Float64("amount", c.Amount),
					zap.String("reference_id", a.ReferenceID))
			}
			return
		}

		if !ledger.IsFault(err) || attempt >= d.retries {
			monitoring.CommissionFailuresTotal.Inc()
			d.log.Error("Referral commission failed",
				zap.Uint("account_id", a.AccountID),
				zap.Float64("accrued", a.Amount),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			return
		}

		time.Sleep(time.Duration(attempt+1) * d.backoff)
	}
}

// Drain waits until every dispatched propagation has finished.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
