package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/batch"
	apperrors "github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/metrics"
)

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Loader       *batch.Loader
	Orchestrator *Orchestrator
	InputPath    string
	InputDir     string
	StagingDir   string
	Policy       Policy
	Metrics      *metrics.Metrics
}

// Runner loads the batch from the fixed input location and hands it to the
// orchestrator. Only one batch runs at a time per process; later triggers
// wait for the running one to finish.
type Runner struct {
	cfg    RunnerConfig
	sem    chan struct{}
	logger *slog.Logger

	mu   sync.RWMutex
	last *Report
}

func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		cfg:    cfg,
		sem:    make(chan struct{}, 1),
		logger: slog.Default().With("component", "runner"),
	}
}

// EnsureDirs creates the input and staging directories if they are missing.
func (r *Runner) EnsureDirs() error {
	for _, dir := range []string{r.cfg.InputDir, r.cfg.StagingDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// Trigger runs one batch. batchID may be empty, in which case the
// orchestrator derives one from the start time.
func (r *Runner) Trigger(ctx context.Context, batchID string) (*Report, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, apperrors.Newf(apperrors.ErrConflict, http.StatusConflict,
			"waiting for the running batch: %v", ctx.Err())
	}
	defer func() { <-r.sem }()

	r.logger.Info("batch state", "state", StateLoading, "input", r.cfg.InputPath)
	records, err := r.cfg.Loader.LoadFile(r.cfg.InputPath)
	if err != nil {
		r.logger.Error("loading batch failed", "input", r.cfg.InputPath, "error", err)
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.BatchesTotal.WithLabelValues("failed").Inc()
		}
		return nil, err
	}
	groups := batch.Partition(records)
	r.logger.Info("batch loaded", "records", len(records), "tenants", len(groups))

	report, err := r.cfg.Orchestrator.Run(ctx, groups, RunOptions{
		BatchID: batchID,
		Policy:  r.cfg.Policy,
	})
	if report != nil {
		r.mu.Lock()
		r.last = report
		r.mu.Unlock()
	}
	return report, err
}

// Last returns the report of the most recent run, or nil.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}
