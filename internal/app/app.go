// Package app assembles the pipeline from configuration. Both the
// provisioner service and the ingestctl command build their runner here.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/batch"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/credentials"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/indexing"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/ledger"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/objectstore"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/staging"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/resilience"
)

// App holds the wired pipeline and everything that must be closed with it.
type App struct {
	Config  *config.Config
	Runner  *pipeline.Runner
	Health  *health.Checker
	Metrics *metrics.Metrics

	indexing *indexing.Client
	closers  []func() error
	logger   *slog.Logger
}

// StatusPage is the pipeline state served on the metrics server's /status
// page.
type StatusPage struct {
	LastBatch       *pipeline.Report    `json:"last_batch"`
	IndexingBreaker resilience.Snapshot `json:"indexing_breaker"`
}

// Status reports the last batch and the indexing client's breaker.
func (a *App) Status() any {
	return StatusPage{
		LastBatch:       a.Runner.Last(),
		IndexingBreaker: a.indexing.BreakerSnapshot(),
	}
}

// New connects to every configured dependency and builds the runner. On
// error, anything already opened is closed.
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (_ *App, err error) {
	a := &App{
		Config:  cfg,
		Health:  health.NewChecker(),
		Metrics: m,
		logger:  slog.Default().With("component", "app"),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	tokens, err := TokenSource(cfg.Auth)
	if err != nil {
		return nil, err
	}

	client, err := indexing.NewClient(indexing.Config{
		BaseURL:        cfg.Indexing.BaseURL,
		RequestTimeout: cfg.Indexing.RequestTimeout,
		RateLimit:      cfg.Indexing.RateLimit,
		RateBurst:      cfg.Indexing.RateBurst,
		ReuseExisting:  cfg.Provisioning.ReuseExisting,
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Indexing.BreakerFailureThreshold,
			ResetTimeout:     cfg.Indexing.BreakerResetTimeout,
			OnStateChange: func(name string, from, to resilience.State) {
				m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			},
		},
	})
	if err != nil {
		return nil, err
	}
	a.indexing = client

	uploader, err := objectstore.NewUploader(objectstore.Config{
		Endpoint:        cfg.ObjectStore.Endpoint,
		AccessKeyID:     cfg.ObjectStore.AccessKeyID,
		SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		UseSSL:          cfg.ObjectStore.UseSSL,
		Region:          cfg.ObjectStore.Region,
		Bucket:          cfg.ObjectStore.Bucket,
		Prefix:          cfg.ObjectStore.Prefix,
		LocatorScheme:   cfg.ObjectStore.LocatorScheme,
	})
	if err != nil {
		return nil, err
	}
	a.Health.Register("objectstore", health.PingCheck(uploader.Ping))

	led, err := a.openLedger(ctx)
	if err != nil {
		return nil, err
	}

	var events pipeline.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topics.PipelineEvents != "" {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.PipelineEvents)
		a.closers = append(a.closers, producer.Close)
		a.Health.RegisterOptional("kafka", health.PingCheck(producer.Ping))
		events = producer
		a.logger.Info("kafka producer initialized", "topic", cfg.Kafka.Topics.PipelineEvents)
	}

	orch := pipeline.New(pipeline.Config{
		Tokens:             tokens,
		Provisioner:        client,
		Importer:           client,
		Uploader:           uploader,
		Stager:             staging.NewBuilder(cfg.Staging.Dir, cfg.Staging.DuplicateIDs),
		Ledger:             led,
		Events:             events,
		Metrics:            m,
		DisplayNamePrefix:  cfg.Provisioning.DisplayNamePrefix,
		WaitForImport:      cfg.Pipeline.WaitForImport,
		ImportPollInterval: cfg.Pipeline.ImportPollInterval,
		ImportTimeout:      cfg.Pipeline.ImportTimeout,
	})

	a.Runner = pipeline.NewRunner(pipeline.RunnerConfig{
		Loader:       NewLoader(cfg.Input),
		Orchestrator: orch,
		InputPath:    cfg.Input.Path(),
		InputDir:     cfg.Input.Dir,
		StagingDir:   cfg.Staging.Dir,
		Policy:       pipeline.Policy(cfg.Pipeline.FailurePolicy),
		Metrics:      m,
	})
	if err := a.Runner.EnsureDirs(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewLoader builds a batch loader from the input settings.
func NewLoader(cfg config.InputConfig) *batch.Loader {
	return batch.NewLoader(batch.LoaderConfig{
		Format:         cfg.Format,
		TenantField:    cfg.TenantField,
		TimestampField: cfg.TimestampField,
		MessageField:   cfg.MessageField,
	})
}

// TokenSource returns a caching token source for the configured auth mode.
func TokenSource(cfg config.AuthConfig) (credentials.Source, error) {
	var src credentials.Source
	switch cfg.Mode {
	case "static":
		if cfg.StaticToken == "" {
			return nil, fmt.Errorf("auth.staticToken is required in static mode")
		}
		src = credentials.NewStaticSource(cfg.StaticToken)
	case "metadata":
		src = credentials.NewMetadataSource(cfg.MetadataURL, &http.Client{Timeout: 10 * time.Second})
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
	return credentials.NewCachingSource(src, cfg.RefreshSkew), nil
}

func (a *App) openLedger(ctx context.Context) (ledger.Ledger, error) {
	cfg := a.Config
	switch cfg.Ledger.Backend {
	case "redis":
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.Health.Register("redis", health.PingCheck(client.Ping))
		a.logger.Info("ledger backend ready", "backend", "redis", "addr", cfg.Redis.Addr)
		return ledger.NewRedis(client, cfg.Ledger.TTL), nil
	case "postgres":
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.Health.Register("postgres", health.PingCheck(db.Ping))
		l := ledger.NewPostgres(db)
		if err := l.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.logger.Info("ledger backend ready", "backend", "postgres", "host", cfg.Postgres.Host)
		return l, nil
	default:
		return ledger.NewMemory(), nil
	}
}

// Close releases every opened dependency in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
