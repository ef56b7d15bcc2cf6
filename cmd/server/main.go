/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the fee engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (config.yaml, FEES_* env vars), then flags
  2. Build the zap logger
  3. Initialize SQLite store
  4. Choose the per-discount locker (memory or redis)
  5. Choose the notification sink (log or asynq) behind the Notifier
  6. Build discount.Service, API handler and router
  7. Start the outbox/reconciliation scheduler
  8. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides app.port)
  -db      SQLite database path (overrides database.path)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Wait for in-flight notifications
  5. Close database and redis connections

EXAMPLES:
  # Run with file database
  ./server -db="./data/fees.db"

  # Multi-instance: redis lock and asynq notifications
  FEES_LOCK_BACKEND=redis FEES_NOTIFY_BACKEND=asynq FEES_REDIS_ADDR=redis:6379 ./server

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/fee-engine/api"
	"github.com/warp/fee-engine/config"
	"github.com/warp/fee-engine/discount"
	"github.com/warp/fee-engine/generic"
	"github.com/warp/fee-engine/logger"
	"github.com/warp/fee-engine/notify"
	"github.com/warp/fee-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.String("port", "", "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != "" {
		cfg.App.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	zlog, err := logger.New(logger.FromAppConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	var redisClient *redis.Client
	if cfg.UsesRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	var locker discount.Locker = discount.NewKeyedMutex(cfg.Lock.Timeout)
	if cfg.Lock.Backend == "redis" {
		locker = discount.NewRedisLocker(redisClient, "fees:lock:", cfg.Lock.TTL, cfg.Lock.Timeout, zlog.Named("lock"))
	}

	var sink generic.NotificationSink = notify.NewLogSink(zlog.Named("notification"))
	if cfg.Notify.Backend == "asynq" {
		client := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		sink = notify.Multi{notify.NewAsynqSink(client, cfg.Notify.Queue), sink}
	}
	notifier := notify.NewNotifier(sink, cfg.Notify.Timeout, zlog)

	service := discount.NewService(store, store, store,
		discount.WithLocker(locker),
		discount.WithPublisher(notifier),
		discount.WithLogger(zlog),
	)

	handler := api.NewHandler(store, service, zlog)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.HTTP.CORSAllowOrigins,
		RateLimitRPS:   cfg.HTTP.RateLimitRPS,
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
	})

	scheduler := api.NewReconciliationScheduler(service, zlog)
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.Start()

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		zlog.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("env", cfg.App.Env),
			zap.String("lock_backend", cfg.Lock.Backend),
			zap.String("notify_backend", cfg.Notify.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		scheduler.Stop()
		return err
	case <-ctx.Done():
	}

	zlog.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	notifier.Wait()

	zlog.Info("server stopped")
	return nil
}
