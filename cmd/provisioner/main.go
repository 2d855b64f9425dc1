// Command provisioner starts the batch provisioning HTTP service.
//
// A POST to /api/v1/batches loads the batch file from the configured input
// location and, for every tenant in it, provisions a search index and search
// application, stages and uploads the tenant's documents, and triggers an
// import. When kafka.topics.batchTriggers is set, batch-trigger messages on
// that topic start runs too. Runs are serialised.
//
// Usage:
//
//	go run ./cmd/provisioner [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/app"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/server"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/metrics"
)

type batchTrigger struct {
	BatchID string `json:"batch_id"`
}

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting provisioner", "port", cfg.Server.Port, "input", cfg.Input.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	a, err := app.New(ctx, cfg, m)
	if err != nil {
		slog.Error("failed to initialise pipeline", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, a.Status)
		defer shutdownMetrics(context.Background())
	}

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topics.BatchTriggers != "" {
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.BatchTriggers, func(ctx context.Context, key, value []byte) error {
			msg, err := kafka.DecodeJSON[batchTrigger](value)
			if err != nil {
				return err
			}
			report, err := a.Runner.Trigger(ctx, msg.BatchID)
			if err != nil {
				return fmt.Errorf("batch %s: %w", msg.BatchID, err)
			}
			slog.Info("batch triggered from kafka", "run_id", report.RunID, "tenants_processed", report.Processed())
			return nil
		})
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("batch trigger consumer stopped", "error", err)
			}
		}()
		slog.Info("kafka batch trigger consumer started", "topic", cfg.Kafka.Topics.BatchTriggers)
	}

	h := server.NewHandler(a.Runner)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(h, a.Health, m, cfg.Server.APIKeys),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()
	slog.Info("provisioner listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("provisioner stopped")
}
