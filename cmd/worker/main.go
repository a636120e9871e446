package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"billing-pipeline/internal/allocation"
	"billing-pipeline/internal/archive"
	"billing-pipeline/internal/audit"
	"billing-pipeline/internal/config"
	"billing-pipeline/internal/invoicelines"
	"billing-pipeline/internal/ledger"
	"billing-pipeline/internal/logging"
	"billing-pipeline/internal/queue"
	"billing-pipeline/internal/sepa"
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	applied, err := st.RunMigrations(ctx)
	if err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}

	if cfg.WorkerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			cfg.WorkerID = hostname
		} else {
			cfg.WorkerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	// processor.Stop closes the notifier.
	notifier := newNotifier(cfg, st, logger)

	metrics := telemetry.NewPromMetrics()
	tracer := telemetry.NewOTelTracer(nil)
	chain := audit.NewChain(st, metrics, logger)

	policy, err := ledger.PolicyFromConfig(cfg)
	if err != nil {
		logger.Fatal("ledger policy", zap.Error(err))
	}
	uploaders, err := archive.NewUploaders(ctx, cfg)
	if err != nil {
		logger.Fatal("archive uploaders", zap.Error(err))
	}

	processor := worker.NewProcessor(worker.Deps{
		Jobs:       st,
		Runs:       st,
		Notifier:   notifier,
		Audit:      chain,
		Tracer:     tracer,
		Metrics:    metrics,
		Logger:     logger,
		QueueDepth: metrics.QueueDepth,
		InFlight:   metrics.InFlight,
	}, worker.OptionsFromConfig(cfg))

	b := worker.Billing{
		Applier:     allocation.NewApplier(st),
		Ledger:      ledger.NewSyncer(st, policy, metrics, logger),
		Allocations: st,
		Lines:       invoicelines.NewUpserter(st, cfg.BulkUpsertThreshold, cfg.BulkChunkSize, metrics, logger),
		Exporter:    archive.NewExporter(st, uploaders, logger),
		Audit:       chain,
		Metrics:     metrics,
	}
	if cfg.PSPURL != "" {
		b.SEPA = sepa.NewSubmitter(sepa.NewHTTPTransport(cfg.PSPURL, cfg.PSPTimeout), logger)
	} else {
		logger.Warn("psp_url not set, sepa.submit jobs are not handled")
	}
	worker.RegisterBilling(processor, b)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	if err := processor.Start(ctx); err != nil {
		logger.Fatal("start worker", zap.Error(err))
	}
	logger.Info("worker started",
		zap.String("worker_id", cfg.WorkerID),
		zap.String("notify_backend", cfg.NotifyBackend),
		zap.Duration("retry_base_delay", cfg.RetryBaseDelay),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	processor.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}

// newNotifier picks the push channel. Unknown backends fall back to polling.
func newNotifier(cfg config.Config, st *store.Store, logger *zap.Logger) queue.Notifier {
	switch cfg.NotifyBackend {
	case "postgres":
		return queue.NewPGNotifier(cfg.PostgresDSN, cfg.NotifyChannel, st.Pool(), cfg.ReconnectDelay, logger)
	case "redis":
		return queue.NewRedisNotifier(cfg, logger)
	case "none", "":
		return queue.NopNotifier{}
	default:
		logger.Warn("unknown notify backend, polling only", zap.String("notify_backend", cfg.NotifyBackend))
		return queue.NopNotifier{}
	}
}
