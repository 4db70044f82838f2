// Package leaderboard ranks accounts by mined tokens per period and serves
// aggregate statistics, both cache-aside.
package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"mining-engine/internal/cache"
	"mining-engine/internal/ledger"
	"mining-engine/internal/models"
	"mining-engine/internal/monitoring"
)

const (
	DefaultLimit    = 10
	DefaultPageSize = 50
	MaxLimit        = 200

	boardPrefix = "leaderboard:"
	statsPrefix = "stats:"
	statsKey    = statsPrefix + "system"
)

// rewardTypes are the ledger entries that count as mined tokens.
var rewardTypes = []string{models.TxMiningReward, models.TxSessionReward}

type Row struct {
	Rank      int     `json:"rank"`
	AccountID uint    `json:"accountId"`
	Username  string  `json:"username"`
	Total     float64 `json:"total"`
}

type Board struct {
	Period      string    `json:"period"`
	Limit       int       `json:"limit"`
	Offset      int       `json:"offset"`
	Total       int64     `json:"total"`
	Rows        []Row     `json:"rows"`
	GeneratedAt time.Time `json:"generatedAt"`
}

type Pagination struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"pageSize"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
}

type Page struct {
	Period     string     `json:"period"`
	Rows       []Row      `json:"rows"`
	Total      int64      `json:"total"`
	Pagination Pagination `json:"pagination"`
}

type Service struct {
	db    *gorm.DB
	cache cache.Cache
	ttl   time.Duration
	log   *zap.Logger
	now   func() time.Time
}

func NewService(db *gorm.DB, c cache.Cache, ttl time.Duration, log *zap.Logger) *Service {
	return &Service{db: db, cache: c, ttl: ttl, log: log, now: time.Now}
}

// WithClock replaces time.Now and returns s.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Leaderboard ranks accounts with a positive total in period. Ranks start at
// offset+1.
func (s *Service) Leaderboard(ctx context.Context, period string, limit, offset int) (Board, error) {
	if !ValidPeriod(period) {
		return Board{}, ErrInvalidPeriod
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}

	key := fmt.Sprintf("%s%s:%d:%d", boardPrefix, period, limit, offset)
	var board Board
	if s.lookup(ctx, key, "leaderboard", &board) {
		return board, nil
	}

	board, err := s.computeBoard(ctx, period, limit, offset)
	if err != nil {
		return Board{}, err
	}
	s.store(ctx, key, board)
	return board, nil
}

// Page is Leaderboard addressed by 1-based page number.
func (s *Service) Page(ctx context.Context, period string, page, pageSize int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxLimit {
		pageSize = MaxLimit
	}

	board, err := s.Leaderboard(ctx, period, pageSize, (page-1)*pageSize)
	if err != nil {
		return Page{}, err
	}

	totalPages := int((board.Total + int64(pageSize) - 1) / int64(pageSize))
	return Page{
		Period: period,
		Rows:   board.Rows,
		Total:  board.Total,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	}, nil
}

func (s *Service) computeBoard(ctx context.Context, period string, limit, offset int) (Board, error) {
	now := s.now().UTC()
	start, err := PeriodStart(period, now)
	if err != nil {
		return Board{}, err
	}

	totals := func() *gorm.DB {
		q := s.db.WithContext(ctx).
			Table("ledger_transactions AS lt").
			Select("lt.account_id AS account_id, a.username AS username, SUM(lt.amount) AS total").
			Joins("JOIN accounts a ON a.id = lt.account_id").
			Where("lt.type IN ?", rewardTypes)
		if !start.IsZero() {
			q = q.Where("lt.created_at >= ?", start)
		}
		return q.Group("lt.account_id, a.username").Having("SUM(lt.amount) > 0")
	}

	var count int64
	if err := s.db.WithContext(ctx).Table("(?) AS ranked", totals()).Count(&count).Error; err != nil {
		return Board{}, ledger.Classify("count leaderboard", err)
	}

	var rows []Row
	err = totals().
		Order("total DESC").
		Order("lt.account_id ASC").
		Limit(limit).
		Offset(offset).
		Scan(&rows).Error
	if err != nil {
		return Board{}, ledger.Classify("rank leaderboard", err)
	}

	for i := range rows {
		rows[i].Rank = offset + i + 1
		rows[i].Total = ledger.Round(rows[i].Total)
	}
	if rows == nil {
		rows = []Row{}
	}

	return Board{
		Period:      period,
		Limit:       limit,
		Offset:      offset,
		Total:       count,
		Rows:        rows,
		GeneratedAt: now,
	}, nil
}

// ClearCache drops cached leaderboards for period, or every cached
// leaderboard and statistics entry when period is empty.
func (s *Service) ClearCache(ctx context.Context, period string) (int, error) {
	prefixes := []string{boardPrefix, statsPrefix}
	if period != "" {
		if !ValidPeriod(period) {
			return 0, ErrInvalidPeriod
		}
		prefixes = []string{boardPrefix + period + ":"}
	}

	removed := 0
	for _, prefix := range prefixes {
		n, err := s.cache.DeletePrefix(ctx, prefix)
		if err != nil {
			return removed, fmt.Errorf("failed to clear cache: %w", err)
		}
		removed += n
	}

	s.log.Info("Leaderboard cache cleared", zap.String("period", period), zap.Int("removed", removed))
	return removed, nil
}

// lookup decodes a cached value into dst. Cache failures count as misses.
func (s *Service) lookup(ctx context.Context, key, family string, dst interface{}) bool {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
	}
	if ok && err == nil {
		if err := json.Unmarshal(raw, dst); err == nil {
			monitoring.CacheLookupsTotal.WithLabelValues(family, "hit").Inc()
			return true
		}
		s.log.Warn("Discarding undecodable cache entry", zap.String("key", key))
	}
	monitoring.CacheLookupsTotal.WithLabelValues(family, "miss").Inc()
	return false
}

func (s *Service) store(ctx context.Context, key string, value interface{}) {
	raw, err := json.Marshal(value)
	if err != nil {
		s.log.Warn("Failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
		s.log.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}
