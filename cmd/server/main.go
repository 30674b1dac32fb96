/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the investment ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load config (file, then environment)
  2. Open the store (SQLite or PostgreSQL)
  3. Connect the event publisher (Kafka, or discard)
  4. Connect the leases (Redis, or in-process)
  5. Build the workflow services and seed the default catalog if asked
  6. Configure the HTTP router, start the accrual scheduler and the
     outbox relay
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (default: config.yaml, optional)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the accrual scheduler (waits for an in-flight tick)
  2. Stop accepting new connections
  3. Wait for active requests to complete (shutdown_timeout)
  4. Stop the outbox relay after one last pass
  5. Close the publisher, the Redis client and the store
  6. Exit

EXAMPLES:
  # Run with defaults (SQLite at ./data/ledger.db)
  ./server

  # Run against PostgreSQL with Redis and Kafka
  DATABASE_DRIVER=postgres DATABASE_DSN=postgres://... \
  REDIS_URL=redis://localhost:6379 KAFKA_BROKERS=localhost:9092 ./server

SEE ALSO:
  - config/config.go: Settings and environment overrides
  - api/server.go: Router configuration
  - api/scheduler.go: Accrual scheduler
*/
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/warp/invest-ledger/account"
	"github.com/warp/invest-ledger/admin"
	"github.com/warp/invest-ledger/api"
	"github.com/warp/invest-ledger/config"
	"github.com/warp/invest-ledger/copytrading"
	"github.com/warp/invest-ledger/events"
	"github.com/warp/invest-ledger/funding"
	"github.com/warp/invest-ledger/investment"
	"github.com/warp/invest-ledger/lease"
	"github.com/warp/invest-ledger/ledger"
	"github.com/warp/invest-ledger/logging"
	"github.com/warp/invest-ledger/store/postgres"
	"github.com/warp/invest-ledger/store/sqlite"
)

// store is what the server needs from a storage adapter.
type store interface {
	ledger.Store
	api.Pinger
	io.Closer
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err := run(cfg, log); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx := context.Background()

	// Initialize store
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Info("store ready", "driver", cfg.Database.Driver)

	// Event publisher
	var publisher events.Publisher = events.Noop{}
	if cfg.KafkaEnabled() {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		publisher = kp
		log.Info("publishing events to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	defer publisher.Close()

	// Accrual and relay leases
	var locker lease.Locker = lease.NewLocal()
	if cfg.Redis.URL != "" {
		client, err := lease.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		locker = lease.NewRedis(client, "invest-ledger:lease:")
		log.Info("leases backed by redis")
	}

	// Services
	accounts := account.NewService(st, log)
	fund := funding.NewService(st, log)
	investments := investment.NewService(st, log)
	copyTrading := copytrading.NewService(st, log)
	adminSvc := admin.NewService(st, fund, accounts, investments, copyTrading, log)

	if cfg.SeedDefaults {
		res, err := adminSvc.SeedDefaults(ctx)
		if err != nil {
			return err
		}
		log.Info("default catalog seeded", "plans", res.Plans, "traders", res.Traders)
	}

	// Scheduler
	scheduler := api.NewAccrualScheduler(func(ctx context.Context) (investment.AccrualSummary, error) {
		return adminSvc.RunAccrual(ctx, "scheduler")
	}, locker, log)
	scheduler.Interval = cfg.AccrualInterval()
	scheduler.LeaseTTL = cfg.LeaseTTL()
	scheduler.Enabled = cfg.Accrual.Enabled

	// Outbox relay
	relay := events.NewRelay(st, publisher, log)
	relay.Locker = locker
	relay.Interval = cfg.RelayInterval()
	relay.BatchSize = cfg.Kafka.RelayBatchSize

	// Handler and router
	handler := api.NewHandler(accounts, fund, investments, copyTrading, adminSvc, log)
	handler.Scheduler = scheduler
	handler.Health = st
	router := api.NewRouter(handler, cfg.Server.CORSOrigins, log)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	scheduler.Start()
	relay.Start()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		scheduler.Stop()
		relay.Stop()
		return err
	}

	log.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		relay.Stop()
		return err
	}

	// Requests are done; publish what they committed before closing
	relay.Stop()
	if n, err := relay.RunOnce(shutdownCtx); err != nil {
		log.Warn("final outbox pass failed", "error", err)
	} else if n > 0 {
		log.Info("final outbox pass", "published", n)
	}

	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return postgres.Connect(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	default:
		if cfg.Database.DSN != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o755); err != nil {
				return nil, err
			}
		}
		return sqlite.New(cfg.Database.DSN)
	}
}
