package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"mining-engine/internal/ledger"
	"mining-engine/internal/models"
	"mining-engine/internal/referral"
)

var (
	ErrSessionActive     = errors.New("account already has an active mining session")
	ErrSessionClosed     = errors.New("mining session is not active")
	ErrAccountInactive   = errors.New("account is not active")
	ErrInvalidHashRate   = errors.New("hash rate must be positive")
	ErrInvalidEfficiency = errors.New("efficiency must be in (0, 100]")
)

// StartSession opens a mining session for accountID. An account has at most
// one active session.
func (r *Reconciler) StartSession(ctx context.Context, accountID uint, hashRate, efficiency float64) (*models.MiningSession, error) {
	if hashRate <= 0 {
		return nil, ErrInvalidHashRate
	}
	if efficiency <= 0 || efficiency > 100 {
		return nil, ErrInvalidEfficiency
	}

	now := r.now().UTC()
	var sess *models.MiningSession
	err := ledger.InTx(ctx, r.db, r.tx, func(tx *gorm.DB) error {
		acct, err := ledger.LockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if !acct.IsActive() {
			return ErrAccountInactive
		}

		var open int64
		err = tx.WithContext(ctx).Model(&models.MiningSession{}).
			Where("account_id = ? AND status = ?", accountID, models.SessionActive).
			Count(&open).Error
		if err != nil {
			return ledger.Classify("count sessions", err)
		}
		if open > 0 {
			return ErrSessionActive
		}

		sess = &models.MiningSession{
			AccountID:       accountID,
			StartTime:       now,
			Status:          models.SessionActive,
			HashRate:        hashRate,
			Efficiency:      efficiency,
			LastProcessedAt: now,
		}
		if err := tx.WithContext(ctx).Create(sess).Error; err != nil {
			return ledger.Classify("create session", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("Mining session started",
		zap.Uint("session_id", sess.ID),
		zap.Uint("account_id", accountID),
		zap.Float64("hash_rate", hashRate))
	return sess, nil
}

// StopSession flushes what the session earned so far and completes it.
func (r *Reconciler) StopSession(ctx context.Context, sessionID uint) (*models.MiningSession, error) {
	now := r.now().UTC()

	var delta float64
	var accrual *referral.Accrual
	err := ledger.InTx(ctx, r.db, r.tx, func(tx *gorm.DB) error {
		sess, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if !sess.IsActive() {
			return ErrSessionClosed
		}

		end := sess.StartTime.Add(r.cfg.MaxDuration)
		upTo, status := now, models.SessionCompleted
		if !now.Before(end) {
			upTo, status = end, models.SessionExpired
		}

		delta, accrual, err = r.accrue(ctx, tx, sess, upTo, status, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.dispatch(accrual)

	var sess models.MiningSession
	if err := r.db.WithContext(ctx).First(&sess, sessionID).Error; err != nil {
		return nil, ledger.Classify("reload session", err)
	}

	r.log.Info("Mining session stopped",
		zap.Uint("session_id", sess.ID),
		zap.String("status", sess.Status),
		zap.Float64("flushed", delta),
		zap.Float64("accumulated", sess.AccumulatedTokens))
	return &sess, nil
}
