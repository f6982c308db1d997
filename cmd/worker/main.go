package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chatloop.dev/dispatch/common/id"
	"chatloop.dev/dispatch/common/logger"
	"chatloop.dev/dispatch/core/config"
	"chatloop.dev/dispatch/core/db"
	"chatloop.dev/dispatch/internal/delivery"
	"chatloop.dev/dispatch/internal/election"
	"chatloop.dev/dispatch/internal/janitor"
	"chatloop.dev/dispatch/internal/model"
	"chatloop.dev/dispatch/internal/queue"
	"chatloop.dev/dispatch/internal/store"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", banner)
	logger.Setup(cfg)

	slog.InfoContext(ctx, "dispatch worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Delivery.Group,
		"consumer_name", cfg.Delivery.Consumer)

	// Different node ID than the server so snowflake IDs never collide
	if err := id.Init(2); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
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
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Delivery.Stream)

	consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Stream:       cfg.Delivery.Stream,
		Group:        cfg.Delivery.Group,
		Consumer:     cfg.Delivery.Consumer,
		DLQStream:    cfg.Delivery.DLQStream,
		BatchSize:    cfg.Delivery.BatchSize,
		Block:        cfg.Delivery.Block,
		MaxAttempts:  cfg.Delivery.MaxAttempts,
		RequeueDelay: cfg.Delivery.RequeueDelay,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	handlers := delivery.NewRegistry()
	handlers.Register(model.ChannelSlack, delivery.NewLogHandler())
	handlers.Register(model.ChannelEmail, delivery.NewLogHandler())
	handlers.Register(model.ChannelWebhook, delivery.NewLogHandler())

	worker := delivery.New(consumer, handlers, delivery.Config{
		MaxAttempts: cfg.Delivery.MaxAttempts,
	})

	reclaimer := delivery.NewRedisReclaimer(redisClient, delivery.RedisReclaimerConfig{
		Stream:    cfg.Delivery.Stream,
		Group:     cfg.Delivery.Group,
		Consumer:  cfg.Delivery.Consumer + "-reclaimer",
		MinIdle:   cfg.Delivery.ReclaimMinIdle,
		Interval:  cfg.Delivery.ReclaimInterval,
		BatchSize: cfg.Delivery.BatchSize,
	}, consumer, func(ctx context.Context, msg queue.Message) error {
		_, err := worker.ProcessMessage(ctx, msg)
		return err
	})

	ownerID := replicaID()
	elector := election.New(database.Pool(), cfg.Election, ownerID)
	sessionJanitor := janitor.New(store.NewStores(database.Pool()).Sessions(), janitor.Config{
		IdleTimeout:   cfg.Session.IdleTimeout,
		SweepInterval: cfg.Session.SweepInterval,
	})

	errCh := make(chan error, 3)
	go func() {
		errCh <- worker.Run(ctx)
	}()
	go func() {
		reclaimer.Run(ctx)
		errCh <- nil
	}()
	go func() {
		// Exactly one worker replica sweeps sessions at a time. Losing the
		// lease cancels the janitor's context and drops us back to candidacy.
		errCh <- elector.Run(ctx, "session-janitor", func(leaderCtx context.Context) {
			_ = sessionJanitor.Run(leaderCtx)
		})
	}()

	slog.InfoContext(ctx, "worker initialized and running", "replica", ownerID)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Cancel the elector and janitor, then stop the stream consumers
	cancel()
	reclaimer.Stop()
	worker.Stop()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(shutdownCtx, "shutdown timeout exceeded")
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			slog.ErrorContext(shutdownCtx, "worker error during shutdown", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "worker shutdown complete")
}

func replicaID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "dispatch-worker-" + uuid.NewString()[:8]
	}
	return host
}

const banner = `
██╗    ██╗ ██████╗ ██████╗ ██╗  ██╗███████╗██████╗
██║    ██║██╔═══██╗██╔══██╗██║ ██╔╝██╔════╝██╔══██╗
██║ █╗ ██║██║   ██║██████╔╝█████╔╝ █████╗  ██████╔╝
██║███╗██║██║   ██║██╔══██╗██╔═██╗ ██╔══╝  ██╔══██╗
╚███╔███╔╝╚██████╔╝██║  ██║██║  ██╗███████╗██║  ██║
 ╚══╝╚══╝  ╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝
`
