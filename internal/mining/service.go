package mining

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"mining-engine/internal/ledger"
	"mining-engine/internal/models"
	"mining-engine/internal/monitoring"
	"mining-engine/internal/referral"
)

// CommissionDispatcher receives every committed accrual.
type CommissionDispatcher interface {
	Dispatch(a referral.Accrual)
}

// RewardResult is the outcome of Mine. A refused reward is a normal result
// with Success false and Reason set; faults are returned as errors instead.
type RewardResult struct {
	Success     bool    `json:"success"`
	Reward      float64 `json:"reward,omitempty"`
	Adjusted    bool    `json:"adjusted,omitempty"`
	Reason      string  `json:"reasonCode,omitempty"`
	SecondsLeft int     `json:"secondsLeft,omitempty"`
	DailyTotal  float64 `json:"dailyTotal"`
	DailyCap    float64 `json:"dailyCap"`
	Balance     float64 `json:"balance,omitempty"`
	EventID     uint    `json:"eventId,omitempty"`
}

type DailyProgress struct {
	Total   float64 `json:"total"`
	Cap     float64 `json:"cap"`
	Percent float64 `json:"percent"`
}

type Status struct {
	CanMine           bool          `json:"canMine"`
	Reason            string        `json:"reasonCode,omitempty"`
	CooldownRemaining int           `json:"cooldownRemaining"`
	DailyProgress     DailyProgress `json:"dailyProgress"`
}

type Service struct {
	db          *gorm.DB
	policy      Policy
	tx          ledger.TxOptions
	commissions CommissionDispatcher
	log         *zap.Logger
	now         func() time.Time
	sample      func() float64
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSampler replaces the uniform [0,1) source used to pick rewards.
func WithSampler(sample func() float64) Option {
	return func(s *Service) { s.sample = sample }
}

func NewService(db *gorm.DB, policy Policy, tx ledger.TxOptions, commissions CommissionDispatcher, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		db:          db,
		policy:      policy,
		tx:          tx,
		commissions: commissions,
		log:         log,
		now:         time.Now,
		sample:      rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Policy() Policy { return s.policy }

var errRefused = errors.New("reward refused")

// Mine issues one reward to accountID. Concurrent calls for the same account
// serialize on the account row lock.
func (s *Service) Mine(ctx context.Context, accountID uint, ip, userAgent string) (RewardResult, error) {
	now := s.now().UTC()

	// Unlocked pre-check: refuse obvious cases without holding a lock.
	acct, total, err := s.snapshot(ctx, accountID, now)
	if err != nil {
		return RewardResult{}, err
	}
	if d := s.policy.Screen(acct, total, now); !d.Eligible {
		monitoring.MineOutcomesTotal.WithLabelValues(d.Reason).Inc()
		return s.refuse(d, total), nil
	}

	var result RewardResult
	var accrual referral.Accrual
	err = ledger.InTx(ctx, s.db, s.tx, func(tx *gorm.DB) error {
		locked, err := ledger.LockAccount(ctx, tx, accountID)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			result = s.refuse(Decision{Reason: ReasonUserNotFound}, 0)
			return errRefused
		}
		if err != nil {
			return err
		}

		total, err := dailyTotal(ctx, tx, accountID, now)
		if err != nil {
			return err
		}

		d := s.policy.Evaluate(locked, total, now, s.sample)
		if !d.Eligible {
			result = s.refuse(d, total)
			return errRefused
		}

		err = tx.WithContext(ctx).Model(&models.Account{}).
			Where("id = ?", accountID).
			Update("last_mine_at", now).Error
		if err != nil {
			return ledger.Classify("update last mine", err)
		}

		event := &models.RewardEvent{
			AccountID:   accountID,
			Amount:      d.Reward,
			OriginIP:    ip,
			OriginAgent: truncate(userAgent, 512),
			CreatedAt:   now,
		}
		if err := tx.WithContext(ctx).Create(event).Error; err != nil {
			return ledger.Classify("insert reward event", err)
		}

		entry, err := ledger.Credit(ctx, tx, ledger.Entry{
			AccountID:     accountID,
			Type:          models.TxMiningReward,
			Amount:        d.Reward,
			ReferenceID:   strconv.FormatUint(uint64(event.ID), 10),
			ReferenceType: models.RefRewardEvent,
			At:            now,
		})
		if err != nil {
			return err
		}

		result = RewardResult{
			Success:    true,
			Reward:     d.Reward,
			Adjusted:   d.Adjusted,
			Reason:     d.Reason,
			DailyTotal: ledger.Round(total + d.Reward),
			DailyCap:   s.policy.DailyCap,
			Balance:    entry.BalanceAfter,
			EventID:    event.ID,
		}
		accrual = referral.Accrual{
			AccountID:     accountID,
			Amount:        d.Reward,
			ReferenceID:   entry.ID,
			ReferenceType: models.RefLedger,
			At:            now,
		}
		return nil
	})

	switch {
	case errors.Is(err, errRefused):
		monitoring.MineOutcomesTotal.WithLabelValues(result.Reason).Inc()
		return result, nil
	case err != nil:
		monitoring.MineOutcomesTotal.WithLabelValues("error").Inc()
		s.log.Error("Mine failed", zap.Uint("account_id", accountID), zap.Error(err))
		return RewardResult{}, err
	}

	outcome := "success"
	if result.Adjusted {
		outcome = ReasonAdjusted
	}
	monitoring.MineOutcomesTotal.WithLabelValues(outcome).Inc()
	monitoring.TokensCreditedTotal.WithLabelValues(models.TxMiningReward).Add(result.Reward)

	s.commissions.Dispatch(accrual)
	return result, nil
}

// Status reports whether accountID could mine right now.
func (s *Service) Status(ctx context.Context, accountID uint) (Status, error) {
	now := s.now().UTC()
	acct, total, err := s.snapshot(ctx, accountID, now)
	if err != nil {
		return Status{}, err
	}
	if acct == nil {
		return Status{}, ledger.ErrAccountNotFound
	}

	d := s.policy.Check(acct, total, now)
	percent := 0.0
	if s.policy.DailyCap > 0 {
		percent = total / s.policy.DailyCap * 100
		if percent > 100 {
			percent = 100
		}
	}

	return Status{
		CanMine:           d.Eligible,
		Reason:            d.Reason,
		CooldownRemaining: int(math.Ceil(s.policy.CooldownLeft(acct, now).Seconds())),
		DailyProgress: DailyProgress{
			Total:   ledger.Round(total),
			Cap:     s.policy.DailyCap,
			Percent: ledger.Round(percent),
		},
	}, nil
}

func (s *Service) refuse(d Decision, total float64) RewardResult {
	return RewardResult{
		Reason:      d.Reason,
		SecondsLeft: d.SecondsLeft,
		DailyTotal:  ledger.Round(total),
		DailyCap:    s.policy.DailyCap,
	}
}

// snapshot reads the account and today's reward total without locking. A nil
// account means it does not exist.
func (s *Service) snapshot(ctx context.Context, accountID uint, now time.Time) (*models.Account, float64, error) {
	var acct models.Account
	err := s.db.WithContext(ctx).First(&acct, accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, ledger.Classify("load account", err)
	}

	total, err := dailyTotal(ctx, s.db, accountID, now)
	if err != nil {
		return nil, 0, err
	}
	return &acct, total, nil
}

// dailyTotal sums the account's reward events for the UTC day containing now.
func dailyTotal(ctx context.Context, db *gorm.DB, accountID uint, now time.Time) (float64, error) {
	start := DayStart(now)
	var total float64
	err := db.WithContext(ctx).Model(&models.RewardEvent{}).
		Where("account_id = ? AND created_at >= ? AND created_at < ?", accountID, start, start.Add(24*time.Hour)).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, ledger.Classify("sum daily rewards", err)
	}
	return ledger.Round(total), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
