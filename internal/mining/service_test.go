package mining

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"mining-engine/internal/config"
	"mining-engine/internal/ledger"
	"mining-engine/internal/models"
	"mining-engine/internal/referral"
	"mining-engine/internal/testutil"
)

type harness struct {
	db       *gorm.DB
	clock    *testutil.Clock
	svc      *Service
	reg      *referral.Registrar
	dispatch *referral.Dispatcher
}

func newHarness(t *testing.T, policy Policy, sample func() float64) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	log := zaptest.NewLogger(t)
	clock := testutil.NewClock(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	txOpts := ledger.TxOptions{LockWait: time.Second, Retries: 2}

	refCfg := config.Referral{DefaultCommissionRate: 0.1, LevelBonusStep: 0.1, Retries: 1}
	dispatch := referral.NewDispatcher(referral.NewPropagator(db, refCfg, txOpts), refCfg.Retries, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = dispatch.Drain(ctx)
	})

	return &harness{
		db:       db,
		clock:    clock,
		svc:      NewService(db, policy, txOpts, dispatch, log, WithClock(clock.Now), WithSampler(sample)),
		reg:      referral.NewRegistrar(db, refCfg.DefaultCommissionRate, log),
		dispatch: dispatch,
	}
}

func (h *harness) drain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.dispatch.Drain(ctx))
}

func TestMineCreditsBalanceAndLedger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testPolicy, fixed(0))
	acct := testutil.CreateAccount(t, h.db, "alice")

	res, err := h.svc.Mine(ctx, acct.ID, "203.0.113.7", "test-agent")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 0.001, res.Reward)
	assert.Equal(t, 0.001, res.DailyTotal)
	assert.Equal(t, 5.0, res.DailyCap)
	assert.Empty(t, res.Reason)

	var event models.RewardEvent
	require.NoError(t, h.db.First(&event, res.EventID).Error)
	assert.Equal(t, "203.0.113.7", event.OriginIP)
	assert.Equal(t, "test-agent", event.OriginAgent)
	assert.Equal(t, 0.001, event.Amount)

	var entry models.LedgerTransaction
	require.NoError(t, h.db.Where("account_id = ?", acct.ID).First(&entry).Error)
	assert.Equal(t, models.TxMiningReward, entry.Type)
	assert.Equal(t, models.RefRewardEvent, entry.ReferenceType)

	var reloaded models.Account
	require.NoError(t, h.db.First(&reloaded, acct.ID).Error)
	require.NotNil(t, reloaded.LastMineAt)
	assert.True(t, reloaded.LastMineAt.Equal(h.clock.Now()))

	audit, err := ledger.VerifyAccount(ctx, h.db, acct.ID)
	require.NoError(t, err)
	assert.True(t, audit.Consistent())
}

func TestMineEnforcesCooldown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testPolicy, fixed(0.5))
	acct := testutil.CreateAccount(t, h.db, "alice")

	res, err := h.svc.Mine(ctx, acct.ID, "", "")
	require.NoError(t, err)
	require.True(t, res.Success)

	h.clock.Advance(30 * time.Second)
	res, err = h.svc.Mine(ctx, acct.ID, "", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonCooldown, res.Reason)
	assert.Equal(t, 30, res.SecondsLeft)

	h.clock.Advance(30 * time.Second)
	res, err = h.svc.Mine(ctx, acct.ID, "", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestMineRefusals(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testPolicy, fixed(0))

	res, err := h.svc.Mine(ctx, 4242, "", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonUserNotFound, res.Reason)

	acct := &models.Account{Username: "mallory", Status: models.AccountSuspended}
	require.NoError(t, h.db.Create(acct).Error)
	res, err = h.svc.Mine(ctx, acct.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, ReasonUserInactive, res.Reason)

	var count int64
	require.NoError(t, h.db.Model(&models.LedgerTransaction{}).Count(&count).Error)
	assert.Zero(t, count)
}

func seedRewards(t *testing.T, db *gorm.DB, accountID uint, amount float64, at time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&models.RewardEvent{AccountID: accountID, Amount: amount, CreatedAt: at}).Error)
}

func TestMineClampsToDailyCap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testPolicy, fixed(1))
	acct := testutil.CreateAccount(t, h.db, "alice")
	seedRewards(t, h.db, acct.ID, 4.995, h.clock.Now().Add(-time.Hour))

	res, err := h.svc.Mine(ctx, acct.ID, "", "")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.True(t, res.Adjusted)
	assert.Equal(t, ReasonAdjusted, res.Reason)
	assert.LessOrEqual(t, res.Reward, 0.005)
	assert.InDelta(t, 5.0, res.DailyTotal, 1e-9)

	h.clock.Advance(time.Minute)
	res, err = h.svc.Mine(ctx, acct.ID, "", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonDailyCapExceeded, res.Reason)
}

func TestMineRefusesWhenCapCannotBeSplit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testPolicy, fixed(1))
	acct := testutil.CreateAccount(t, h.db, "alice")
	seedRewards(t, h.db, acct.ID, 4.999999999, h.clock.Now().Add(-time.Hour))

	res, err := h.svc.Mine(ctx, acct.ID, "", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonDailyCapExceeded, res.Reason)
}

func TestMineAtCapBoundary(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name   string
		seeded float64
		reason string
		reward float64
	}{
		{"exactly at cap", 5, ReasonDailyCapExceeded, 0},
		{"below rounding distance", 4.999999999, ReasonDailyCapExceeded, 0},
		{"one unit left", 4.9999999, ReasonAdjusted, 0.0000001},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t, testPolicy, fixed(1))
			acct := testutil.CreateAccount(t, h.db, "alice")
			seedRewards(t, h.db, acct.ID, c.seeded, h.clock.Now().Add(-time.Hour))

			res, err := h.svc.Mine(ctx, acct.ID, "", "")
			require.NoError(t, err)
			assert.Equal(t, c.reason, res.Reason)
			assert.InDelta(t, c.reward, res.Reward, 1e-12)
			assert.Equal(t, c.reward > 0, res.Success)
		})
	}

	h := newHarness(t, testPolicy, fixed(1))
	acct := testutil.CreateAccount(t, h.db, "alice")
	seedRewards(t, h.db, acct.ID, 5, h.clock.Now().Add(-time.Hour))
	st, err := h.svc.Status(ctx, acct.ID)
	require.NoError(t, err)
	assert.False(t, st.CanMine)
	assert.Equal(t, ReasonDailyCapReached, st.Reason)
}

func TestDailyCapResetsAtUTCMidnight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testPolicy, fixed(0))
	acct := testutil.CreateAccount(t, h.db, "alice")

	h.clock.Set(time.Date(2026, 5, 10, 23, 59, 0, 0, time.UTC))
	seedRewards(t, h.db, acct.ID, 5, h.clock.Now().Add(-time.Minute))

	res, err := h.svc.Mine(ctx, acct.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, ReasonDailyCapExceeded, res.Reason)

	h.clock.Set(time.Date(2026, 5, 11, 0, 0, 1, 0, time.UTC))
	res, err = h.svc.Mine(ctx, acct.ID, "", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0.001, res.DailyTotal)
}

func TestConcurrentMineSerializesPerAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testPolicy, fixed(0))
	alice := testutil.CreateAccount(t, h.db, "alice")
	bob := testutil.CreateAccount(t, h.db, "bob")

	const callers = 8
	results := make([]RewardResult, 2*callers)
	var wg sync.WaitGroup
	for i := 0; i < 2*callers; i++ {
		id := alice.ID
		if i%2 == 1 {
			id = bob.ID
		}
		wg.Add(1)
		go func(i int, id uint) {
			defer wg.Done()
			res, err := h.svc.Mine(ctx, id, "", "")
			assert.NoError(t, err)
			results[i] = res
		}(i, id)
	}
	wg.Wait()

	successes := map[uint]int{}
	for i, res := range results {
		if res.Success {
			id := alice.ID
			if i%2 == 1 {
				id = bob.ID
			}
			successes[id]++
		} else {
			assert.Equal(t, ReasonCooldown, res.Reason)
		}
	}
	assert.Equal(t, 1, successes[alice.ID])
	assert.Equal(t, 1, successes[bob.ID])

	var events int64
	require.NoError(t, h.db.Model(&models.RewardEvent{}).Count(&events).Error)
	assert.EqualValues(t, 2, events)
}

func TestMinePaysReferrer(t *testing.T) {
	ctx := context.Background()
	policy := Policy{Cooldown: time.Minute, RewardMin: 1, RewardMax: 1, DailyCap: 5}
	h := newHarness(t, policy, fixed(0))

	referrer, err := h.reg.Register(ctx, "alice", "")
	require.NoError(t, err)
	invited, err := h.reg.Register(ctx, "bob", referrer.ReferralCode)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := h.svc.Mine(ctx, invited.ID, "", "")
		require.NoError(t, err)
		require.True(t, res.Success)
		h.clock.Advance(time.Minute)
	}
	h.drain(t)

	for _, id := range []uint{referrer.ID, invited.ID} {
		audit, err := ledger.VerifyAccount(ctx, h.db, id)
		require.NoError(t, err)
		assert.True(t, audit.Consistent(), "account %d", id)
	}

	audit, err := ledger.VerifyAccount(ctx, h.db, referrer.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, audit.Balance, 1e-8)
	assert.EqualValues(t, 3, audit.Entries)

	// commissions do not count against the referrer's own daily cap
	res, err := h.svc.Mine(ctx, referrer.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.DailyTotal)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testPolicy, fixed(0))
	acct := testutil.CreateAccount(t, h.db, "alice")

	st, err := h.svc.Status(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, st.CanMine)
	assert.Zero(t, st.CooldownRemaining)

	seedRewards(t, h.db, acct.ID, 2.5, h.clock.Now().Add(-time.Hour))
	_, err = h.svc.Mine(ctx, acct.ID, "", "")
	require.NoError(t, err)
	h.clock.Advance(15 * time.Second)

	st, err = h.svc.Status(ctx, acct.ID)
	require.NoError(t, err)
	assert.False(t, st.CanMine)
	assert.Equal(t, ReasonCooldown, st.Reason)
	assert.Equal(t, 45, st.CooldownRemaining)
	assert.InDelta(t, 2.501, st.DailyProgress.Total, 1e-9)
	assert.InDelta(t, 50.02, st.DailyProgress.Percent, 1e-6)

	_, err = h.svc.Status(ctx, 999)
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
}
