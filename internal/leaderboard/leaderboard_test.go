package leaderboard

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"mining-engine/internal/cache"
	"mining-engine/internal/ledger"
	"mining-engine/internal/models"
	"mining-engine/internal/testutil"
)

// Wednesday.
var testNow = time.Date(2026, 5, 13, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	clock   *testutil.Clock
	cache   *cache.Memory
	svc     *Service
	queries *atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	clock := testutil.NewClock(testNow)
	mem := cache.NewMemoryWithClock(clock.Now)

	queries := &atomic.Int64{}
	count := func(*gorm.DB) { queries.Add(1) }
	require.NoError(t, db.Callback().Query().After("gorm:query").Register("test:count_query", count))
	require.NoError(t, db.Callback().Row().After("gorm:row").Register("test:count_row", count))

	return &fixture{
		db:      db,
		clock:   clock,
		cache:   mem,
		svc:     NewService(db, mem, 30*time.Second, zaptest.NewLogger(t)).WithClock(clock.Now),
		queries: queries,
	}
}

func (f *fixture) credit(t *testing.T, accountID uint, typ string, amount float64, at time.Time) {
	t.Helper()
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		_, err := ledger.Credit(context.Background(), tx, ledger.Entry{
			AccountID:     accountID,
			Type:          typ,
			Amount:        amount,
			ReferenceID:   "seed",
			ReferenceType: models.RefRewardEvent,
			At:            at,
		})
		return err
	}))
}

func TestPeriodStart(t *testing.T) {
	tests := []struct {
		period string
		want   time.Time
	}{
		{PeriodDay, time.Date(2026, 5, 13, 0, 0, 0, 0, time.UTC)},
		{PeriodWeek, time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC)},
		{PeriodMonth, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)},
		{PeriodAll, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			got, err := PeriodStart(tt.period, testNow)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	monday, err := PeriodStart(PeriodWeek, time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC), monday)

	sunday, err := PeriodStart(PeriodWeek, time.Date(2026, 5, 17, 23, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC), sunday)

	_, err = PeriodStart("year", testNow)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestLeaderboardRanksByPeriod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	alice := testutil.CreateAccount(t, f.db, "alice")
	bob := testutil.CreateAccount(t, f.db, "bob")
	carol := testutil.CreateAccount(t, f.db, "carol")
	dave := testutil.CreateAccount(t, f.db, "dave")

	f.credit(t, alice.ID, models.TxMiningReward, 1, testNow.Add(-time.Hour))
	f.credit(t, alice.ID, models.TxSessionReward, 2, testNow.Add(-2*time.Hour))
	f.credit(t, bob.ID, models.TxMiningReward, 5, testNow.Add(-time.Minute))
	// Commissions are not mined tokens.
	f.credit(t, carol.ID, models.TxReferralCommission, 50, testNow.Add(-time.Minute))
	f.credit(t, dave.ID, models.TxMiningReward, 10, time.Date(2026, 4, 20, 8, 0, 0, 0, time.UTC))

	day, err := f.svc.Leaderboard(ctx, PeriodDay, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), day.Total)
	assert.Equal(t, []Row{
		{Rank: 1, AccountID: bob.ID, Username: "bob", Total: 5},
		{Rank: 2, AccountID: alice.ID, Username: "alice", Total: 3},
	}, day.Rows)

	month, err := f.svc.Leaderboard(ctx, PeriodMonth, 10, 0)
	require.NoError(t, err)
	assert.Len(t, month.Rows, 2)

	all, err := f.svc.Leaderboard(ctx, PeriodAll, 10, 0)
	require.NoError(t, err)
	require.Len(t, all.Rows, 3)
	assert.Equal(t, dave.ID, all.Rows[0].AccountID)
	assert.Equal(t, 10.0, all.Rows[0].Total)
	assert.Equal(t, bob.ID, all.Rows[1].AccountID)
	assert.Equal(t, alice.ID, all.Rows[2].AccountID)
}

func TestLeaderboardTiesAndOffset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := testutil.CreateAccount(t, f.db, "first")
	second := testutil.CreateAccount(t, f.db, "second")
	third := testutil.CreateAccount(t, f.db, "third")
	f.credit(t, third.ID, models.TxMiningReward, 2, testNow)
	f.credit(t, second.ID, models.TxMiningReward, 1, testNow)
	f.credit(t, first.ID, models.TxMiningReward, 1, testNow)

	board, err := f.svc.Leaderboard(ctx, PeriodAll, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), board.Total)
	require.Len(t, board.Rows, 2)
	assert.Equal(t, Row{Rank: 2, AccountID: first.ID, Username: "first", Total: 1}, board.Rows[0])
	assert.Equal(t, Row{Rank: 3, AccountID: second.ID, Username: "second", Total: 1}, board.Rows[1])

	empty, err := f.svc.Leaderboard(ctx, PeriodAll, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, empty.Rows)
	assert.NotNil(t, empty.Rows)
}

func TestLeaderboardRejectsUnknownPeriod(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Leaderboard(context.Background(), "fortnight", 10, 0)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
	_, err = f.svc.ClearCache(context.Background(), "fortnight")
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestLeaderboardServesCachedResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	alice := testutil.CreateAccount(t, f.db, "alice")
	f.credit(t, alice.ID, models.TxMiningReward, 1, testNow)

	first, err := f.svc.Leaderboard(ctx, PeriodDay, 10, 0)
	require.NoError(t, err)

	raw, ok, err := f.cache.Get(ctx, "leaderboard:day:10:0")
	require.NoError(t, err)
	require.True(t, ok)

	// New data inside the TTL is not visible.
	f.credit(t, alice.ID, models.TxMiningReward, 4, testNow)
	f.clock.Advance(10 * time.Second)

	before := f.queries.Load()
	second, err := f.svc.Leaderboard(ctx, PeriodDay, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, before, f.queries.Load(), "cache hit must not query the store")

	encoded, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(encoded))
	assert.Equal(t, first, second)

	cachedAgain, _, err := f.cache.Get(ctx, "leaderboard:day:10:0")
	require.NoError(t, err)
	assert.Equal(t, raw, cachedAgain)

	removed, err := f.svc.ClearCache(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	fresh, err := f.svc.Leaderboard(ctx, PeriodDay, 10, 0)
	require.NoError(t, err)
	assert.Greater(t, f.queries.Load(), before)
	require.Len(t, fresh.Rows, 1)
	assert.Equal(t, 5.0, fresh.Rows[0].Total)
}

func TestLeaderboardCacheExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	alice := testutil.CreateAccount(t, f.db, "alice")
	f.credit(t, alice.ID, models.TxMiningReward, 1, testNow)

	_, err := f.svc.Leaderboard(ctx, PeriodAll, 10, 0)
	require.NoError(t, err)
	f.credit(t, alice.ID, models.TxMiningReward, 1, testNow)

	f.clock.Advance(31 * time.Second)
	board, err := f.svc.Leaderboard(ctx, PeriodAll, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2.0, board.Rows[0].Total)
}

func TestClearCacheByPeriod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, period := range []string{PeriodDay, PeriodWeek} {
		_, err := f.svc.Leaderboard(ctx, period, 10, 0)
		require.NoError(t, err)
		_, err = f.svc.Leaderboard(ctx, period, 5, 5)
		require.NoError(t, err)
	}
	_, err := f.svc.SystemStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, f.cache.Len())

	removed, err := f.svc.ClearCache(ctx, PeriodDay)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 3, f.cache.Len())

	removed, err = f.svc.ClearCache(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Zero(t, f.cache.Len())
}

func TestPagePagination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i, name := range []string{"a", "b", "c", "d", "e"} {
		acct := testutil.CreateAccount(t, f.db, name)
		f.credit(t, acct.ID, models.TxMiningReward, float64(10-i), testNow)
	}

	page, err := f.svc.Page(ctx, PeriodWeek, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	assert.Equal(t, Pagination{Page: 2, PageSize: 2, TotalPages: 3, HasNext: true}, page.Pagination)
	require.Len(t, page.Rows, 2)
	assert.Equal(t, 3, page.Rows[0].Rank)
	assert.Equal(t, "c", page.Rows[0].Username)

	last, err := f.svc.Page(ctx, PeriodWeek, 3, 2)
	require.NoError(t, err)
	assert.False(t, last.Pagination.HasNext)
	assert.Len(t, last.Rows, 1)

	defaults, err := f.svc.Page(ctx, PeriodWeek, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, defaults.Pagination.Page)
	assert.Equal(t, DefaultPageSize, defaults.Pagination.PageSize)
}

func TestSystemStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	alice := testutil.CreateAccount(t, f.db, "alice")
	bob := testutil.CreateAccount(t, f.db, "bob")
	carol := testutil.CreateAccount(t, f.db, "carol")
	require.NoError(t, f.db.Model(carol).Update("status", models.AccountSuspended).Error)
	dave := testutil.CreateAccount(t, f.db, "dave")
	require.NoError(t, f.db.Model(dave).Update("status", models.AccountBanned).Error)

	f.credit(t, alice.ID, models.TxMiningReward, 1.5, testNow.Add(-time.Hour))
	f.credit(t, bob.ID, models.TxSessionReward, 0.5, testNow.Add(-time.Hour))
	// Monday, inside the week but not today.
	f.credit(t, bob.ID, models.TxMiningReward, 2, time.Date(2026, 5, 11, 9, 0, 0, 0, time.UTC))
	// Previous week.
	f.credit(t, alice.ID, models.TxMiningReward, 4, time.Date(2026, 5, 8, 9, 0, 0, 0, time.UTC))
	f.credit(t, alice.ID, models.TxReferralCommission, 0.2, testNow.Add(-time.Hour))

	require.NoError(t, f.db.Create(&models.RewardEvent{AccountID: alice.ID, Amount: 1.5, CreatedAt: testNow}).Error)
	require.NoError(t, f.db.Create(&models.MiningSession{AccountID: bob.ID, HashRate: 100, Efficiency: 100, StartTime: testNow}).Error)
	require.NoError(t, f.db.Create(&models.MiningSession{AccountID: alice.ID, HashRate: 100, Efficiency: 100, StartTime: testNow, Status: models.SessionCompleted}).Error)

	stats, err := f.svc.SystemStats(ctx)
	require.NoError(t, err)

	assert.Equal(t, UserCounts{Total: 4, Active: 2, Suspended: 1, Banned: 1}, stats.Users)
	assert.Equal(t, 8.0, stats.Mining.TotalMined)
	assert.Equal(t, 0.2, stats.Mining.TotalCommission)
	assert.Equal(t, int64(1), stats.Mining.TotalEvents)
	assert.Equal(t, int64(1), stats.Mining.ActiveSessions)
	assert.Equal(t, WindowTotals{Amount: 2, Events: 2, Miners: 2}, stats.Today)
	assert.Equal(t, WindowTotals{Amount: 4, Events: 3, Miners: 2}, stats.Week)
	assert.Equal(t, testNow, stats.GeneratedAt)

	before := f.queries.Load()
	cached, err := f.svc.SystemStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, f.queries.Load())
	assert.Equal(t, stats, cached)
}
