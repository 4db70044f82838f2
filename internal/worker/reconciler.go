package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mining-engine/internal/config"
	"mining-engine/internal/ledger"
	"mining-engine/internal/models"
	"mining-engine/internal/monitoring"
	"mining-engine/internal/referral"
)

// CommissionDispatcher receives every committed session accrual.
type CommissionDispatcher interface {
	Dispatch(a referral.Accrual)
}

// Reconciler periodically converts elapsed session time into tokens and
// expires sessions that reached their maximum duration. Ticks never overlap: a
// tick that fires while the previous one is still running is skipped.
type Reconciler struct {
	db          *gorm.DB
	cfg         config.Sessions
	tx          ledger.TxOptions
	commissions CommissionDispatcher
	log         *zap.Logger
	now         func() time.Time

	running atomic.Bool
	cron    *cron.Cron
	wg      sync.WaitGroup
}

type Option func(*Reconciler)

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(db *gorm.DB, cfg config.Sessions, tx ledger.TxOptions, commissions CommissionDispatcher, log *zap.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		db:          db,
		cfg:         cfg,
		tx:          tx,
		commissions: commissions,
		log:         log,
		now:         time.Now,
	}
	if r.cfg.Concurrency < 1 {
		r.cfg.Concurrency = 1
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start schedules ticks every ProcessingInterval and runs one immediately.
func (r *Reconciler) Start() error {
	if r.cron != nil {
		return fmt.Errorf("reconciler already started")
	}

	logger := cronLogger{r.log.Sugar()}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger)))
	schedule := fmt.Sprintf("@every %s", r.cfg.ProcessingInterval)
	if _, err := c.AddFunc(schedule, func() { r.Tick(context.Background()) }); err != nil {
		return fmt.Errorf("failed to schedule reconciler: %w", err)
	}
	r.cron = c
	c.Start()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Tick(context.Background())
	}()

	r.log.Info("Session reconciler started", zap.Duration("interval", r.cfg.ProcessingInterval))
	return nil
}

// Stop stops scheduling and waits for a running tick until ctx is done. An
// abandoned tick is harmless: the next run resumes from last_processed_at.
func (r *Reconciler) Stop(ctx context.Context) error {
	if r.cron == nil {
		return nil
	}
	cronDone := r.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info("Session reconciler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type TickReport struct {
	Sessions int
	Accrued  int
	Expired  int
	Skipped  int
	Failed   int
	Credited float64
}

// Tick processes every active session once. It returns false when it was
// skipped because another tick is in flight.
func (r *Reconciler) Tick(ctx context.Context) (TickReport, bool) {
	if !r.running.CompareAndSwap(false, true) {
		monitoring.ReconcileTicksSkipped.Inc()
		r.log.Warn("Previous reconcile tick still running, skipping")
		return TickReport{}, false
	}
	defer r.running.Store(false)

	started := time.Now()
	defer func() { monitoring.ReconcileTickSeconds.Observe(time.Since(started).Seconds()) }()

	now := r.now().UTC()
	var report TickReport

	var sessions []models.MiningSession
	err := r.db.WithContext(ctx).
		Select("id").
		Where("status = ?", models.SessionActive).
		Order("id").
		Find(&sessions).Error
	if err != nil {
		r.log.Error("Error querying active sessions", zap.Error(err))
		return report, true
	}
	report.Sessions = len(sessions)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, sess := range sessions {
		id := sess.ID
		g.Go(func() error {
			res, err := r.process(ctx, id, now)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				monitoring.ReconcileSessionsTotal.WithLabelValues("failed").Inc()
				r.log.Error("Failed to reconcile session", zap.Uint("session_id", id), zap.Error(err))
				return nil
			}
			report.Credited += res.delta
			switch res.kind {
			case resultExpired:
				report.Expired++
			case resultAccrued:
				report.Accrued++
			default:
				report.Skipped++
			}
			monitoring.ReconcileSessionsTotal.WithLabelValues(res.kind.String()).Inc()
			return nil
		})
	}
	_ = g.Wait()

	r.log.Info("Reconcile tick finished",
		zap.Int("sessions", report.Sessions),
		zap.Int("accrued", report.Accrued),
		zap.Int("expired", report.Expired),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Float64("credited", report.Credited),
		zap.Duration("took", time.Since(started)))
	return report, true
}

type resultKind int

const (
	resultSkipped resultKind = iota
	resultAccrued
	resultExpired
)

func (k resultKind) String() string {
	switch k {
	case resultAccrued:
		return "accrued"
	case resultExpired:
		return "expired"
	default:
		return "skipped"
	}
}

type processResult struct {
	kind  resultKind
	delta float64
}

// process reconciles one session in its own transaction.
func (r *Reconciler) process(ctx context.Context, id uint, now time.Time) (processResult, error) {
	var res processResult
	var accrual *referral.Accrual

	err := ledger.InTx(ctx, r.db, r.tx, func(tx *gorm.DB) error {
		res, accrual = processResult{}, nil

		sess, err := lockSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if !sess.IsActive() {
			return nil
		}

		end := sess.StartTime.Add(r.cfg.MaxDuration)
		if !now.Before(end) {
			res.kind = resultExpired
			res.delta, accrual, err = r.accrue(ctx, tx, sess, end, models.SessionExpired, now)
			return err
		}

		if now.Sub(sess.LastProcessedAt) < r.cfg.MinProcessInterval {
			return nil
		}
		res.delta, accrual, err = r.accrue(ctx, tx, sess, now, "", now)
		if err == nil && res.delta > 0 {
			res.kind = resultAccrued
		}
		return err
	})
	if err != nil {
		return processResult{}, err
	}

	r.dispatch(accrual)
	return res, nil
}

// Delta is the number of tokens sess earns over elapsed.
func (r *Reconciler) Delta(sess *models.MiningSession, elapsed time.Duration) float64 {
	if elapsed <= 0 || r.cfg.ReferenceHashRate <= 0 {
		return 0
	}
	rate := (sess.HashRate / r.cfg.ReferenceHashRate) * r.cfg.BaseRatePerSecond * (sess.Efficiency / 100)
	return ledger.Round(rate * elapsed.Seconds())
}

// accrue credits sess for the time between its last processing and upTo and
// moves last_processed_at forward. A non-empty status closes the session.
// Both happen in tx, so tokens and balance move together.
func (r *Reconciler) accrue(ctx context.Context, tx *gorm.DB, sess *models.MiningSession, upTo time.Time, status string, now time.Time) (float64, *referral.Accrual, error) {
	delta := r.Delta(sess, upTo.Sub(sess.LastProcessedAt))

	updates := map[string]interface{}{}
	if delta > 0 {
		updates["accumulated_tokens"] = gorm.Expr("accumulated_tokens + ?", delta)
		updates["last_processed_at"] = upTo
	}
	if status != "" {
		updates["status"] = status
		updates["ended_at"] = now
	}
	if len(updates) == 0 {
		return 0, nil, nil
	}

	err := tx.WithContext(ctx).Model(&models.MiningSession{}).
		Where("id = ? AND status = ?", sess.ID, models.SessionActive).
		Updates(updates).Error
	if err != nil {
		return 0, nil, ledger.Classify("update session", err)
	}

	if delta <= 0 {
		return 0, nil, nil
	}

	entry, err := ledger.Credit(ctx, tx, ledger.Entry{
		AccountID:     sess.AccountID,
		Type:          models.TxSessionReward,
		Amount:        delta,
		ReferenceID:   strconv.FormatUint(uint64(sess.ID), 10),
		ReferenceType: models.RefMiningSession,
		At:            now,
	})
	if err != nil {
		return 0, nil, err
	}

	return delta, &referral.Accrual{
		AccountID:     sess.AccountID,
		Amount:        delta,
		ReferenceID:   entry.ID,
		ReferenceType: models.RefLedger,
		At:            now,
	}, nil
}

func (r *Reconciler) dispatch(a *referral.Accrual) {
	if a == nil {
		return
	}
	monitoring.TokensCreditedTotal.WithLabelValues(models.TxSessionReward).Add(a.Amount)
	r.commissions.Dispatch(*a)
}

func lockSession(ctx context.Context, tx *gorm.DB, id uint) (*models.MiningSession, error) {
	var sess models.MiningSession
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&sess, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledger.ErrSessionNotFound
	}
	if err != nil {
		return nil, ledger.Classify("lock session", err)
	}
	return &sess, nil
}

// cronLogger routes cron's own messages into zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
