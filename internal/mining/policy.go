package mining

import (
	"math"
	"time"

	"mining-engine/internal/config"
	"mining-engine/internal/ledger"
	"mining-engine/internal/models"
)

// Reason codes returned to callers. Every code except ReasonAdjusted marks a
// refused reward.
const (
	ReasonUserNotFound     = "USER_NOT_FOUND"
	ReasonUserInactive     = "USER_INACTIVE"
	ReasonCooldown         = "COOLDOWN"
	ReasonDailyCapReached  = "DAILY_CAP_REACHED"
	ReasonDailyCapExceeded = "DAILY_CAP_EXCEEDED"
	ReasonAdjusted         = "DAILY_CAP_ADJUSTED"
)

type Policy struct {
	Cooldown  time.Duration
	RewardMin float64
	RewardMax float64
	DailyCap  float64
}

func PolicyFromConfig(cfg config.Mining) Policy {
	return Policy{
		Cooldown:  time.Duration(cfg.CooldownSeconds) * time.Second,
		RewardMin: cfg.RewardMin,
		RewardMax: cfg.RewardMax,
		DailyCap:  cfg.DailyCap,
	}
}

// Decision is the outcome of evaluating one reward request.
type Decision struct {
	Eligible    bool
	Reason      string
	SecondsLeft int
	Reward      float64
	Adjusted    bool
}

// Check runs the eligibility rules without sampling a reward.
func (p Policy) Check(acct *models.Account, dailyTotal float64, now time.Time) Decision {
	if acct == nil {
		return Decision{Reason: ReasonUserNotFound}
	}
	if !acct.IsActive() {
		return Decision{Reason: ReasonUserInactive}
	}
	if left := p.CooldownLeft(acct, now); left > 0 {
		return Decision{Reason: ReasonCooldown, SecondsLeft: int(math.Ceil(left.Seconds()))}
	}
	if dailyTotal >= p.DailyCap {
		return Decision{Reason: ReasonDailyCapReached}
	}
	return Decision{Eligible: true}
}

// Screen is Check as seen by a mine request: nothing is left to clamp to once
// the cap is used up, so an exhausted cap is ReasonDailyCapExceeded.
func (p Policy) Screen(acct *models.Account, dailyTotal float64, now time.Time) Decision {
	d := p.Check(acct, dailyTotal, now)
	if d.Reason == ReasonDailyCapReached {
		return Decision{Reason: ReasonDailyCapExceeded}
	}
	return d
}

// Evaluate screens the request and, when eligible, samples a reward and clamps
// it to what is left of the daily cap. sample returns a value in [0, 1).
func (p Policy) Evaluate(acct *models.Account, dailyTotal float64, now time.Time, sample func() float64) Decision {
	d := p.Screen(acct, dailyTotal, now)
	if !d.Eligible {
		return d
	}

	reward := ledger.Round(p.RewardMin + sample()*(p.RewardMax-p.RewardMin))
	if reward > p.RewardMax {
		reward = p.RewardMax
	}

	if dailyTotal+reward > p.DailyCap {
		remaining := ledger.Round(p.DailyCap - dailyTotal)
		if remaining <= 0 {
			return Decision{Reason: ReasonDailyCapExceeded}
		}
		return Decision{Eligible: true, Reward: remaining, Adjusted: true, Reason: ReasonAdjusted}
	}

	return Decision{Eligible: true, Reward: reward}
}

// CooldownLeft is the time until acct may mine again, or zero.
func (p Policy) CooldownLeft(acct *models.Account, now time.Time) time.Duration {
	if acct.LastMineAt == nil {
		return 0
	}
	if left := acct.LastMineAt.Add(p.Cooldown).Sub(now); left > 0 {
		return left
	}
	return 0
}

// DayStart is UTC midnight of the day containing t.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
