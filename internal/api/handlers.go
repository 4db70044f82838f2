package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mining-engine/internal/leaderboard"
	"mining-engine/internal/models"
)

type accountView struct {
	ID           uint      `json:"id"`
	Username     string    `json:"username"`
	ReferralCode string    `json:"referralCode"`
	Status       string    `json:"status"`
	Balance      float64   `json:"balance"`
	ReferredBy   *uint     `json:"referredBy,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func viewAccount(a *models.Account) accountView {
	return accountView{
		ID:           a.ID,
		Username:     a.Username,
		ReferralCode: a.ReferralCode,
		Status:       a.Status,
		Balance:      a.Balance,
		ReferredBy:   a.ReferredBy,
		CreatedAt:    a.CreatedAt,
	}
}

type sessionView struct {
	ID                uint       `json:"id"`
	AccountID         uint       `json:"accountId"`
	Status            string     `json:"status"`
	HashRate          float64    `json:"hashRate"`
	Efficiency        float64    `json:"efficiency"`
	AccumulatedTokens float64    `json:"accumulatedTokens"`
	StartTime         time.Time  `json:"startTime"`
	LastProcessedAt   time.Time  `json:"lastProcessedAt"`
	EndedAt           *time.Time `json:"endedAt,omitempty"`
}

func viewSession(s *models.MiningSession) sessionView {
	return sessionView{
		ID:                s.ID,
		AccountID:         s.AccountID,
		Status:            s.Status,
		HashRate:          s.HashRate,
		Efficiency:        s.Efficiency,
		AccumulatedTokens: s.AccumulatedTokens,
		StartTime:         s.StartTime,
		LastProcessedAt:   s.LastProcessedAt,
		EndedAt:           s.EndedAt,
	}
}

func idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "invalid "+name+" id")
		return 0, false
	}
	return uint(id), true
}

func (s *Server) register(c *gin.Context) {
	var req struct {
		Username     string `json:"username" binding:"required,max=255"`
		ReferralCode string `json:"referralCode" binding:"max=32"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	acct, err := s.Registrar.Register(c.Request.Context(), req.Username, req.ReferralCode)
	if err != nil {
		s.fail(c, "register", err)
		return
	}
	c.JSON(http.StatusCreated, viewAccount(acct))
}

func (s *Server) referralStats(c *gin.Context) {
	id, ok := idParam(c, "account")
	if !ok {
		return
	}
	stats, err := s.Registrar.Stats(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "referral stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// mine answers 200 for refused rewards too; the result carries the reason.
func (s *Server) mine(c *gin.Context) {
	id, ok := idParam(c, "account")
	if !ok {
		return
	}
	result, err := s.Mining.Mine(c.Request.Context(), id, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		s.fail(c, "mine", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) miningStatus(c *gin.Context) {
	id, ok := idParam(c, "account")
	if !ok {
		return
	}
	status, err := s.Mining.Status(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "mining status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) startSession(c *gin.Context) {
	var req struct {
		AccountID  uint     `json:"accountId" binding:"required"`
		HashRate   float64  `json:"hashRate" binding:"required"`
		Efficiency *float64 `json:"efficiency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	efficiency := 100.0
	if req.Efficiency != nil {
		efficiency = *req.Efficiency
	}

	sess, err := s.Sessions.StartSession(c.Request.Context(), req.AccountID, req.HashRate, efficiency)
	if err != nil {
		s.fail(c, "start session", err)
		return
	}
	c.JSON(http.StatusCreated, viewSession(sess))
}

func (s *Server) stopSession(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	sess, err := s.Sessions.StopSession(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "stop session", err)
		return
	}
	c.JSON(http.StatusOK, viewSession(sess))
}

func (s *Server) leaderboard(c *gin.Context) {
	period := c.DefaultQuery("period", leaderboard.PeriodDay)
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		badRequest(c, "invalid page")
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("pageSize", strconv.Itoa(leaderboard.DefaultPageSize)))
	if err != nil {
		badRequest(c, "invalid pageSize")
		return
	}

	result, err := s.Leaderboard.Page(c.Request.Context(), period, page, pageSize)
	if err != nil {
		s.fail(c, "leaderboard", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) systemStats(c *gin.Context) {
	stats, err := s.Leaderboard.SystemStats(c.Request.Context())
	if err != nil {
		s.fail(c, "system stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) clearCache(c *gin.Context) {
	period := c.Query("period")
	removed, err := s.Leaderboard.ClearCache(c.Request.Context(), period)
	if err != nil {
		s.fail(c, "clear cache", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": removed, "period": period})
}
