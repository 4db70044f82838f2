package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mining-engine/internal/api"
	"mining-engine/internal/cache"
	"mining-engine/internal/config"
	"mining-engine/internal/database"
	"mining-engine/internal/leaderboard"
	"mining-engine/internal/ledger"
	"mining-engine/internal/logging"
	"mining-engine/internal/mining"
	"mining-engine/internal/referral"
	"mining-engine/internal/utils"
	"mining-engine/internal/worker"
)

func main() {
	// Load Configuration
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	logger, err := logging.New(cfg.LogProduction)
	if err != nil {
		log.Fatalf("Could not create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to Database
	db, err := database.ConnectPostgres(cfg, logger)
	if err != nil {
		logger.Fatal("Could not connect to database", zap.Error(err))
	}

	var store cache.Cache = cache.NewMemory()
	if cfg.CacheBackend == "redis" {
		rdb, err := database.ConnectRedis(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("Could not connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		store = cache.NewRedis(rdb, cfg.RedisPrefix)
	}

	admin, err := utils.ParseAllowList(cfg.AdminCIDRs)
	if err != nil {
		logger.Fatal("Invalid admin allow-list", zap.Error(err))
	}

	txOpts := ledger.TxOptions{LockWait: cfg.LockWait, Retries: cfg.TxRetries}
	commissions := referral.NewDispatcher(referral.NewPropagator(db, cfg.Referral, txOpts), cfg.Referral.Retries, logger)
	reconciler := worker.NewReconciler(db, cfg.Sessions, txOpts, commissions, logger)

	srv := api.NewServer(api.Deps{
		Mining:      mining.NewService(db, mining.PolicyFromConfig(cfg.Mining), txOpts, commissions, logger),
		Sessions:    reconciler,
		Leaderboard: leaderboard.NewService(db, store, cfg.CacheTTL, logger),
		Registrar:   referral.NewRegistrar(db, cfg.Referral.DefaultCommissionRate, logger),
	}, admin, logger)

	if cfg.LogProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	router, err := srv.Router(cfg.TrustedProxies)
	if err != nil {
		logger.Fatal("Invalid trusted proxies", zap.Error(err))
	}

	if err := reconciler.Start(); err != nil {
		logger.Fatal("Could not start session reconciler", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	logger.Info("Service started successfully")
	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := reconciler.Stop(shutdownCtx); err != nil {
		logger.Warn("Reconciler stop incomplete", zap.Error(err))
	}
	if err := commissions.Drain(shutdownCtx); err != nil {
		logger.Warn("Pending commissions not drained", zap.Error(err))
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info("Service stopped")
}
