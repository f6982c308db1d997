package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chatloop.dev/dispatch/common/id"
	"chatloop.dev/dispatch/common/logger"
	"chatloop.dev/dispatch/common/otel"
	"chatloop.dev/dispatch/core/config"
	"chatloop.dev/dispatch/core/db"
	"chatloop.dev/dispatch/internal/agent"
	"chatloop.dev/dispatch/internal/bridge"
	"chatloop.dev/dispatch/internal/bus"
	"chatloop.dev/dispatch/internal/comms"
	"chatloop.dev/dispatch/internal/http/middleware"
	httprouter "chatloop.dev/dispatch/internal/http/router"
	"chatloop.dev/dispatch/internal/queue"
	"chatloop.dev/dispatch/internal/service"
	"chatloop.dev/dispatch/internal/store"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		// Can't use slog yet — OTel failed before logger setup
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "dispatch starting",
		"env", cfg.Env, "service", cfg.OTel.ServiceName, "comm_mode", cfg.CommMode)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Delivery.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Delivery.Stream)

	deliveryProducer := queue.NewRedisProducer(redisClient, cfg.Delivery.Stream, nil)
	defer deliveryProducer.Close()

	stores := store.NewStores(database.Pool())
	responseBridge := bridge.New(stores.RequestLogs(), cfg.Bridge)

	strategy, err := buildStrategy(cfg, stores, responseBridge)
	if err != nil {
		slog.ErrorContext(ctx, "failed to build communication strategy", "error", err)
		os.Exit(1)
	}

	ownerID := replicaID()

	services := service.NewServices(service.ServicesConfig{
		Stores:     stores,
		TxRunner:   service.NewTxRunner(database),
		Strategy:   strategy,
		Bridge:     responseBridge,
		Deliveries: deliveryProducer,
		OwnerID:    ownerID,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, services)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port, "replica", ownerID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

// buildStrategy resolves the communication mode once at startup.
func buildStrategy(cfg config.Config, stores *store.Stores, b *bridge.ResponseBridge) (comms.Strategy, error) {
	switch cfg.CommMode {
	case config.CommModeEvent:
		publisher := bus.NewHTTPPublisher(cfg.Broker, nil)
		return comms.NewEventStrategy(publisher, cfg.Broker.SourceName), nil
	case config.CommModeDirect:
		if !cfg.OpenAI.Enabled() {
			return nil, fmt.Errorf("direct mode requires OPENAI_API_KEY")
		}
		return comms.NewDirectStrategy(agent.NewOpenAIInvoker(cfg.OpenAI), stores.RequestLogs(), b), nil
	default:
		return nil, fmt.Errorf("unknown comm mode %q", cfg.CommMode)
	}
}

func setupRouter(cfg config.Config, services *service.Services) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	httprouter.SetupRoutes(router, services, httprouter.RouterConfig{
		SelfSource: cfg.Broker.SourceName,
	})

	return router
}

// replicaID identifies this replica in claim rows and election logs.
func replicaID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "dispatch-" + uuid.NewString()[:8]
	}
	return host
}

const banner = `
██████╗ ██╗███████╗██████╗  █████╗ ████████╗ ██████╗██╗  ██╗
██╔══██╗██║██╔════╝██╔══██╗██╔══██╗╚══██╔══╝██╔════╝██║  ██║
██║  ██║██║███████╗██████╔╝███████║   ██║   ██║     ███████║
██║  ██║██║╚════██║██╔═══╝ ██╔══██║   ██║   ██║     ██╔══██║
██████╔╝██║███████║██║     ██║  ██║   ██║   ╚██████╗██║  ██║
╚═════╝ ╚═╝╚══════╝╚═╝     ╚═╝  ╚═╝   ╚═╝    ╚═════╝╚═╝  ╚═╝
`
