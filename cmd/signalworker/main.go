// The signal worker binary evaluates user-defined strategies against
// live closed k-lines: it maintains a rolling k-line buffer per
// (symbol, interval), detects continuity gaps, runs each alert config's
// trigger engine, and persists signals (spec §2, §4.9).
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	appconfig "github.com/binance-signal/platform/pkg/config"
	"github.com/binance-signal/platform/pkg/database"
	"github.com/binance-signal/platform/pkg/notify"
	"github.com/binance-signal/platform/pkg/signalengine"
	"github.com/binance-signal/platform/pkg/version"
)

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("signalworker: no .env at %s, using existing environment", envPath)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "signalworker")
	slog.SetDefault(logger)
	logger.Info("starting signal worker", "version", version.Full())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	swCfg, err := appconfig.LoadSignalWorkerConfigFromEnv()
	if err != nil {
		logger.Error("load signal worker config", "error", err)
		os.Exit(1)
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		logger.Error("connect database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("close database", "error", err)
		}
	}()
	logger.Info("connected to postgres")

	publisher := notify.NewPublisher(dbClient.DB())

	strategies := signalengine.NewStrategyRegistry()
	strategies.Register(signalengine.RandomStrategy{})

	worker := signalengine.NewWorker(dbClient.DB(), dbClient.DSN(), publisher, strategies, swCfg)
	if err := worker.Start(ctx); err != nil {
		logger.Error("start signal worker", "error", err)
		os.Exit(1)
	}
	defer worker.Stop(context.Background())
	logger.Info("signal worker running", "strategies", strategies.List())

	gin.SetMode(getEnv("GIN_MODE", "release"))
	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())
	ginRouter.GET("/healthz", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		dbHealth, err := database.Health(reqCtx, dbClient.DB())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": dbHealth})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":     "healthy",
			"database":   dbHealth,
			"strategies": strategies.List(),
			"version":    version.Full(),
		})
	})

	srv := &http.Server{Addr: swCfg.HTTPAddr, Handler: ginRouter}
	go func() {
		logger.Info("http server listening", "addr", swCfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
