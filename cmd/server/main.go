package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/colabtext/colabtext/pkg/database"
	"github.com/colabtext/colabtext/pkg/logger"
	"github.com/colabtext/colabtext/pkg/server"
)

// envConfig holds server configuration read from the environment.
type envConfig struct {
	Port      string
	SQLiteURI string
	server.Config
}

func main() {
	logger.Init()

	cfg := loadConfig()

	logger.Info("starting collaborative editing server...")
	logger.Info("port: %s", cfg.Port)
	logger.Info("document expiry: %d day(s)", cfg.ExpiryDays)

	var db *database.Database
	if cfg.SQLiteURI != "" {
		logger.Info("database: %s", cfg.SQLiteURI)
		var err error
		db, err = database.New(cfg.SQLiteURI)
		if err != nil {
			log.Fatalf("failed to initialize database: %v", err)
		}
		defer db.Close()
	} else {
		logger.Info("database: disabled (in-memory only)")
	}

	srv := server.NewServer(db, cfg.Config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutting down...")
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown: %v", err)
		}
		cancel()
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%s", cfg.Port)
	log.Fatal(srv.ListenAndServe(addr))
}

func loadConfig() envConfig {
	defaults := server.DefaultConfig()

	return envConfig{
		Port:      getEnv("PORT", "3030"),
		SQLiteURI: os.Getenv("SQLITE_URI"),
		Config: server.Config{
			ExpiryDays:        getEnvInt("EXPIRY_DAYS", defaults.ExpiryDays),
			SweepInterval:     time.Duration(getEnvInt("SWEEP_INTERVAL_HOURS", 1)) * time.Hour,
			PersistInterval:   time.Duration(getEnvInt("PERSIST_INTERVAL_SECONDS", 3)) * time.Second,
			PersistJitter:     time.Duration(getEnvInt("PERSIST_JITTER_SECONDS", 1)) * time.Second,
			MaxTargetLen:      getEnvInt("MAX_DOCUMENT_SIZE_KB", 256) * 1024,
			BroadcastCapacity: getEnvInt("BROADCAST_CAPACITY", defaults.BroadcastCapacity),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
