package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/gorilla/mux"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"vesting-market/config"
	"vesting-market/db"
	"vesting-market/handlers"
	"vesting-market/logger"
	"vesting-market/metrics"
	"vesting-market/models"
	"vesting-market/repository"
	"vesting-market/routers"
	"vesting-market/service"
)

func main() {
	// Load config
	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	if cfg.AppLogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.AppLogFile), 0o755); err != nil {
			fmt.Println("Failed to create log directory:", err)
			os.Exit(1)
		}
	}
	if err := logger.InitLogger(cfg.AppLogFile, cfg.LogLevel); err != nil {
		fmt.Println("Failed to initialize logger:", err)
		os.Exit(1)
	}

	logger.Logger.Info("Starting vesting marketplace server...")

	// Connect to LevelDB
	ldb, err := db.NewLevelDB(cfg.LevelDB)
	if err != nil {
		logger.Logger.Fatal("Failed to open leveldb", zap.Error(err))
	}
	defer func() {
		if err := multierr.Combine(ldb.Close(), logger.Logger.Sync()); err != nil {
			fmt.Println("Shutdown error:", err)
		}
	}()

	m := metrics.New()
	svc, err := service.NewService(service.Config{
		Deployer:        cfg.Deployer,
		Admins:          cfg.Admins,
		VestingDefaults: models.VestingSettings{Sellable: cfg.Sellable, MaxSellPercent: cfg.MaxSellPercent},
		Marketplace: models.MarketplaceSettings{
			BuyerFee:           cfg.BuyerFeeBps,
			SellerFee:          cfg.SellerFeeBps,
			ReferralFee:        cfg.ReferralFeeBps,
			FeeCollector:       cfg.FeeCollector,
			MinListingDuration: cfg.MinListingDuration,
			PenaltyFee:         cfg.PenaltyFee,
		},
	}, repository.NewJournal(ldb), clock.New(), m)
	if err != nil {
		logger.Logger.Error("Failed to start service", zap.Error(err))
		return
	}

	// Setup router
	r := mux.NewRouter()
	routers.RegisterRoutes(r, handlers.NewHandler(svc), m.Handler())

	// HTTP Server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Logger.Error("Server stopped", zap.Error(err))
		}
	}()

	logger.Logger.Info("Server running on port", zap.Int("port", cfg.Port),
		zap.String("marketplace", svc.Marketplace().Hex()),
		zap.String("custody", svc.Custody().Hex()))

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Logger.Info("Shutdown signal received, exiting...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Logger.Error("Server shutdown failed", zap.Error(err))
	}
}
