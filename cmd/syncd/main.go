package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"broker-sync-go/internal/config"
	"broker-sync-go/internal/database"
	"broker-sync-go/internal/gateway"
	"broker-sync-go/internal/logger"
	"broker-sync-go/internal/models"
	"broker-sync-go/internal/syncer"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	client := gateway.NewClient(&cfg.Gateway, log.Named("gateway"))
	engine := syncer.NewEngine(log.Named("syncer"), db, client, cfg.Sync.HistoryDays)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	run(ctx, log, db, engine, &cfg.Sync)

	log.Info("Sync daemon has been shut down.")
}

// run ticks on the configured interval and reconciles every user with an
// active broker connection. Runs for different users proceed
// concurrently, bounded by MaxConcurrent; idempotent merges keep
// overlapping runs convergent, so no cross-process lock is needed.
func run(ctx context.Context, log *zap.Logger, db *gorm.DB, engine *syncer.Engine, cfg *config.Sync) {
	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("Starting sync loop", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping sync loop...")
			return
		case <-ticker.C:
			syncAll(ctx, log, db, engine, cfg.MaxConcurrent)
		}
	}
}

func syncAll(ctx context.Context, log *zap.Logger, db *gorm.DB, engine *syncer.Engine, maxConcurrent int) {
	var conns []models.RemoteConnection
	if err := db.Where("active = ?", true).Find(&conns).Error; err != nil {
		log.Error("Failed to list active connections", zap.Error(err))
		return
	}
	if len(conns) == 0 {
		log.Debug("No active connections to sync")
		return
	}

	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for _, conn := range conns {
		wg.Add(1)
		sem <- struct{}{}
		go func(userID uint) {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := engine.Sync(ctx, userID)
			if err != nil {
				log.Error("Sync failed", zap.Uint("user_id", userID), zap.Error(err))
				return
			}
			log.Info("Sync finished",
				zap.Uint("user_id", userID),
				zap.String("status", string(result.Status)),
				zap.Int("trades_synced", result.TradesSynced),
			)
		}(conn.UserID)
	}

	wg.Wait()
}
