// The adapter binary owns all upstream Binance I/O: the spot and
// perpetual-futures market-data WebSocket streams, the REST clients
// behind history/quote/account tasks, and the stream multiplexer that
// keeps upstream subscriptions in sync with the realtime store (spec
// §2, §4.4, §4.10).
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
	"github.com/binance-signal/platform/pkg/exchange"
	"github.com/binance-signal/platform/pkg/notify"
	"github.com/binance-signal/platform/pkg/queue"
	"github.com/binance-signal/platform/pkg/store"
	"github.com/binance-signal/platform/pkg/version"
)

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("adapter: no .env at %s, using existing environment", envPath)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "adapter")
	slog.SetDefault(logger)
	logger.Info("starting exchange adapter", "version", version.Full())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adCfg, err := appconfig.LoadAdapterConfigFromEnv()
	if err != nil {
		logger.Error("load adapter config", "error", err)
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
	realtimeStore := store.NewRealtimeStore(dbClient.DB())
	taskStore := store.NewTaskStore(dbClient.DB())
	klineStore := store.NewKlineStore(dbClient.DB())
	accountStore := store.NewAccountStore(dbClient.DB())

	httpClient := exchange.NewHTTPClient(adCfg.SpotBaseURL, adCfg.FuturesBaseURL, adCfg.BinanceAPIKey, adCfg.BinanceAPISecret)
	spotStream := exchange.NewStreamClient(adCfg.SpotWSURL)
	futStream := exchange.NewStreamClient(adCfg.FuturesWSURL)

	multiplexer := exchange.NewMultiplexer(exchange.MultiplexerConfig{
		Spot:      spotStream,
		Futures:   futStream,
		Realtime:  realtimeStore,
		Publisher: publisher,
		Listener:  notify.NewListener(dbClient.DSN()),
	})
	if err := multiplexer.Start(ctx); err != nil {
		logger.Error("start multiplexer", "error", err)
		os.Exit(1)
	}
	defer multiplexer.Stop(context.Background())
	logger.Info("stream multiplexer running")

	pool := queue.New("adapter", taskStore, publisher, queue.Config{PollEvery: adCfg.PollEvery})
	executor := exchange.NewTaskExecutor(httpClient, klineStore, accountStore, realtimeStore)
	executor.Register(pool)
	pool.Start(ctx, adCfg.WorkerCount)
	defer pool.Stop()

	// A second dedicated LISTEN connection wakes idle workers the moment
	// the router inserts a new task row, rather than waiting out the poll
	// fallback (spec §4.2, §9: the listener must not drive business logic
	// on the same connection another component owns).
	taskListener := notify.NewListener(dbClient.DSN())
	if err := taskListener.Start(ctx); err != nil {
		logger.Error("start task listener", "error", err)
		os.Exit(1)
	}
	defer taskListener.Stop(context.Background())
	taskListener.RegisterHandler(notify.ChannelTaskNew, func(payload []byte) {
		pool.Wake()
	})
	if err := taskListener.Subscribe(ctx, notify.ChannelTaskNew); err != nil {
		logger.Error("subscribe task.new", "error", err)
		os.Exit(1)
	}

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
			"status":   "healthy",
			"database": dbHealth,
			"queue":    pool.Health(reqCtx),
			"version":  version.Full(),
		})
	})

	srv := &http.Server{Addr: adCfg.HTTPAddr, Handler: ginRouter}
	go func() {
		logger.Info("http server listening", "addr", adCfg.HTTPAddr)
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
