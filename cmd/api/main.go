package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"billing-pipeline/internal/allocation"
	"billing-pipeline/internal/api"
	"billing-pipeline/internal/audit"
	"billing-pipeline/internal/config"
	"billing-pipeline/internal/logging"
	"billing-pipeline/internal/queue"
	"billing-pipeline/internal/store"
	"billing-pipeline/internal/telemetry"
	"billing-pipeline/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if _, err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	// The API only enqueues; it never starts the drain loop, so the notifier
	// is used for NOTIFY alone.
	var notifier queue.Notifier = queue.NopNotifier{}
	switch cfg.NotifyBackend {
	case "postgres":
		notifier = queue.NewPGNotifier(cfg.PostgresDSN, cfg.NotifyChannel, st.Pool(), cfg.ReconnectDelay, logger)
	case "redis":
		notifier = queue.NewRedisNotifier(cfg, logger)
	}
	defer notifier.Close()

	metrics := telemetry.NewPromMetrics()
	enqueuer := worker.NewProcessor(worker.Deps{
		Jobs:     st,
		Runs:     st,
		Notifier: notifier,
		Metrics:  metrics,
		Logger:   logger,
	}, worker.OptionsFromConfig(cfg))

	server := api.New(api.Deps{
		Enqueuer: enqueuer,
		Jobs:     st,
		Audit:    audit.NewChain(st, metrics, logger),
		Balances: allocation.NewReporter(st),
		Health:   st,
		Metrics:  metrics.Handler(),
		Logger:   logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
