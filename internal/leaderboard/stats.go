package leaderboard

import (
	"context"
	"time"

	"mining-engine/internal/ledger"
	"mining-engine/internal/models"
)

type UserCounts struct {
	Total     int64 `json:"total"`
	Active    int64 `json:"active"`
	Suspended int64 `json:"suspended"`
	Banned    int64 `json:"banned"`
}

type MiningTotals struct {
	TotalMined      float64 `json:"totalMined"`
	TotalCommission float64 `json:"totalCommission"`
	TotalEvents     int64   `json:"totalEvents"`
	ActiveSessions  int64   `json:"activeSessions"`
}

// WindowTotals summarises mined tokens since a period start.
type WindowTotals struct {
	Amount float64 `json:"amount"`
	Events int64   `json:"events"`
	Miners int64   `json:"miners"`
}

type SystemStats struct {
	Users       UserCounts   `json:"users"`
	Mining      MiningTotals `json:"mining"`
	Today       WindowTotals `json:"today"`
	Week        WindowTotals `json:"week"`
	GeneratedAt time.Time    `json:"generatedAt"`
}

func (s *Service) SystemStats(ctx context.Context) (SystemStats, error) {
	var stats SystemStats
	if s.lookup(ctx, statsKey, "stats", &stats) {
		return stats, nil
	}

	stats, err := s.computeStats(ctx)
	if err != nil {
		return SystemStats{}, err
	}
	s.store(ctx, statsKey, stats)
	return stats, nil
}

func (s *Service) computeStats(ctx context.Context) (SystemStats, error) {
	now := s.now().UTC()
	stats := SystemStats{GeneratedAt: now}
	db := s.db.WithContext(ctx)

	var byStatus []struct {
		Status string
		Count  int64
	}
	err := db.Model(&models.Account{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&byStatus).Error
	if err != nil {
		return SystemStats{}, ledger.Classify("count accounts", err)
	}
	for _, row := range byStatus {
		stats.Users.Total += row.Count
		switch row.Status {
		case models.AccountActive:
			stats.Users.Active = row.Count
		case models.AccountSuspended:
			stats.Users.Suspended = row.Count
		case models.AccountBanned:
			stats.Users.Banned = row.Count
		}
	}

	var sums struct {
		Mined      float64
		Commission float64
	}
	err = db.Model(&models.LedgerTransaction{}).
		Select("COALESCE(SUM(CASE WHEN type IN ? THEN amount ELSE 0 END), 0) AS mined, "+
			"COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE 0 END), 0) AS commission",
			rewardTypes, models.TxReferralCommission).
		Scan(&sums).Error
	if err != nil {
		return SystemStats{}, ledger.Classify("sum ledger", err)
	}
	stats.Mining.TotalMined = ledger.Round(sums.Mined)
	stats.Mining.TotalCommission = ledger.Round(sums.Commission)

	if err := db.Model(&models.RewardEvent{}).Count(&stats.Mining.TotalEvents).Error; err != nil {
		return SystemStats{}, ledger.Classify("count reward events", err)
	}
	err = db.Model(&models.MiningSession{}).
		Where("status = ?", models.SessionActive).
		Count(&stats.Mining.ActiveSessions).Error
	if err != nil {
		return SystemStats{}, ledger.Classify("count sessions", err)
	}

	dayStart, _ := PeriodStart(PeriodDay, now)
	if stats.Today, err = s.window(ctx, dayStart); err != nil {
		return SystemStats{}, err
	}
	weekStart, _ := PeriodStart(PeriodWeek, now)
	if stats.Week, err = s.window(ctx, weekStart); err != nil {
		return SystemStats{}, err
	}
	return stats, nil
}

func (s *Service) window(ctx context.Context, since time.Time) (WindowTotals, error) {
	var w WindowTotals
	err := s.db.WithContext(ctx).Model(&models.LedgerTransaction{}).
		Select("COALESCE(SUM(amount), 0) AS amount, COUNT(*) AS events, COUNT(DISTINCT account_id) AS miners").
		Where("type IN ? AND created_at >= ?", rewardTypes, since).
		Scan(&w).Error
	if err != nil {
		return WindowTotals{}, ledger.Classify("sum window", err)
	}
	w.Amount = ledger.Round(w.Amount)
	return w, nil
}
