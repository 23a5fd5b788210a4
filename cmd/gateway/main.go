// The gateway binary is the client-facing half of the platform: it
// terminates browser WebSocket connections, runs the three-phase ack
// request router, and dispatches notify-bus events back to sessions
// (spec §2, §4.5-§4.8).
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

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	appconfig "github.com/binance-signal/platform/pkg/config"
	"github.com/binance-signal/platform/pkg/database"
	"github.com/binance-signal/platform/pkg/dispatcher"
	"github.com/binance-signal/platform/pkg/hub"
	"github.com/binance-signal/platform/pkg/notify"
	"github.com/binance-signal/platform/pkg/registry"
	"github.com/binance-signal/platform/pkg/router"
	"github.com/binance-signal/platform/pkg/store"
	"github.com/binance-signal/platform/pkg/version"
	"github.com/binance-signal/platform/pkg/wire"
)

// routerSlot breaks the hub <-> router construction cycle (spec §9
// design notes: "use interface abstraction" for cyclic handler
// references). hub.New needs a Router before router.New can receive the
// Sender it needs in return, so the hub is built against a slot whose
// concrete router is filled in once both sides exist.
type routerSlot struct {
	r *router.Router
}

func (s *routerSlot) Handle(ctx context.Context, sessionID string, req wire.Request) {
	s.r.Handle(ctx, sessionID, req)
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("gateway: no .env at %s, using existing environment", envPath)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "gateway")
	slog.SetDefault(logger)
	logger.Info("starting gateway", "version", version.Full())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gwCfg, err := appconfig.LoadGatewayConfigFromEnv()
	if err != nil {
		logger.Error("load gateway config", "error", err)
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
	alertStore := store.NewAlertConfigStore(dbClient.DB())
	signalStore := store.NewSignalStore(dbClient.DB())
	accountStore := store.NewAccountStore(dbClient.DB())
	exchangeInfoStore := store.NewExchangeInfoStore(dbClient.DB())

	if n, err := registry.CleanOnStart(ctx, realtimeStore, publisher); err != nil {
		logger.Error("registry clean on start", "error", err)
		os.Exit(1)
	} else if n > 0 {
		logger.Info("cleaned stale subscriptions from previous run", "rows", n)
	}

	reg := registry.New(realtimeStore, publisher)

	slot := &routerSlot{}
	hb := hub.New(slot, reg)

	rt := router.New(router.Config{
		Hub:          hb,
		Registry:     reg,
		Publisher:    publisher,
		Tasks:        taskStore,
		Klines:       klineStore,
		Alerts:       alertStore,
		Signals:      signalStore,
		Accounts:     accountStore,
		ExchangeInfo: exchangeInfoStore,
		Metrics: func() map[string]any {
			return map[string]any{"active_sessions": hb.ActiveSessions()}
		},
	})
	slot.r = rt

	disp := dispatcher.New(dispatcher.Config{
		Hub:      hb,
		Registry: reg,
		Listener: notify.NewListener(dbClient.DSN()),
		Tasks:    taskStore,
		Klines:   klineStore,
		Accounts: accountStore,
		Realtime: realtimeStore,
	})
	if err := disp.Start(ctx); err != nil {
		logger.Error("start dispatcher", "error", err)
		os.Exit(1)
	}
	defer disp.Stop(context.Background())
	logger.Info("dispatcher listening")

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
			"status":          "healthy",
			"database":        dbHealth,
			"active_sessions": hb.ActiveSessions(),
			"version":         version.Full(),
		})
	})

	ginRouter.GET("/ws", func(c *gin.Context) {
		err := hb.Accept(c.Request.Context(), c.Writer, c.Request, &websocket.AcceptOptions{
			InsecureSkipVerify: getEnv("GATEWAY_WS_ALLOW_ANY_ORIGIN", "") == "true",
		})
		if err != nil {
			logger.Warn("websocket accept failed", "error", err, "remote_addr", c.Request.RemoteAddr)
		}
	})

	srv := &http.Server{
		Addr:         gwCfg.HTTPAddr,
		Handler:      ginRouter,
		WriteTimeout: gwCfg.WriteTimeout,
	}

	go func() {
		logger.Info("http server listening", "addr", gwCfg.HTTPAddr)
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
