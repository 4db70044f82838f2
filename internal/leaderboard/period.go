package leaderboard

import (
	"errors"
	"time"
)

var ErrInvalidPeriod = errors.New("invalid leaderboard period")

const (
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
	PeriodAll   = "all"
)

func ValidPeriod(period string) bool {
	switch period {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodAll:
		return true
	}
	return false
}

// PeriodStart is the UTC start of the window containing now. Weeks start on
// Monday. The zero time means the window is unbounded.
func PeriodStart(period string, now time.Time) (time.Time, error) {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch period {
	case PeriodDay:
		return day, nil
	case PeriodWeek:
		back := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -back), nil
	case PeriodMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	case PeriodAll:
		return time.Time{}, nil
	}
	return time.Time{}, ErrInvalidPeriod
}
