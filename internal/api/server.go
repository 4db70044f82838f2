// Package api exposes the mining engine over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mining-engine/internal/leaderboard"
	"mining-engine/internal/mining"
	"mining-engine/internal/referral"
	"mining-engine/internal/utils"
	"mining-engine/internal/worker"
)

type Deps struct {
	Mining      *mining.Service
	Sessions    *worker.Reconciler
	Leaderboard *leaderboard.Service
	Registrar   *referral.Registrar
}

type Server struct {
	Deps
	admin utils.AllowList
	log   *zap.Logger
}

func NewServer(deps Deps, admin utils.AllowList, log *zap.Logger) *Server {
	return &Server{Deps: deps, admin: admin, log: log}
}

// Router builds the gin engine. Client addresses are taken from forwarding
// headers only when the peer is one of trustedProxies.
func (s *Server) Router(trustedProxies []string) (*gin.Engine, error) {
	r := gin.New()
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		return nil, err
	}
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.POST("/accounts", s.register)
	r.GET("/accounts/:account/referrals", s.referralStats)

	r.POST("/mine/:account", s.mine)
	r.GET("/mine/:account/status", s.miningStatus)

	r.POST("/sessions", s.startSession)
	r.POST("/sessions/:id/stop", s.stopSession)

	r.GET("/leaderboard", s.leaderboard)
	r.GET("/stats", s.systemStats)

	admin := r.Group("/admin", s.adminOnly())
	admin.POST("/cache/clear", s.clearCache)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND"})
	})
	return r, nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		s.log.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

func (s *Server) adminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.admin.Contains(c.ClientIP()) {
			s.log.Warn("Rejected admin request", zap.String("client_ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "FORBIDDEN"})
			return
		}
		c.Next()
	}
}
