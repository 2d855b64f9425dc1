package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/batch"
	apperrors "github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioJSON = `[
  {"tenantKey":"u1","timestamp":"2024-01-01T00:00:00Z","message":"hi"},
  {"tenantKey":"u1","timestamp":"2024-01-01T00:00:01Z","message":"yo"},
  {"tenantKey":"u2","timestamp":"2024-01-02T00:00:00Z","message":"hey"}
]`

func newTestRunner(t *testing.T, h *harness, input string) (*Runner, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "input")
	r := NewRunner(RunnerConfig{
		Loader:       batch.NewLoader(batch.LoaderConfig{}),
		Orchestrator: h.orch,
		InputPath:    filepath.Join(dir, "messages.json"),
		InputDir:     dir,
		StagingDir:   h.stagingDir,
		Metrics:      h.metrics,
	})
	require.NoError(t, r.EnsureDirs())
	if input != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "messages.json"), []byte(input), 0o644))
	}
	return r, dir
}

func TestRunnerTrigger(t *testing.T) {
	h := newHarness(t, nil)
	r, _ := newTestRunner(t, h, scenarioJSON)
	assert.Nil(t, r.Last())

	report, err := r.Trigger(context.Background(), "batch-7")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed())
	assert.Equal(t, "batch-7", report.BatchID)
	assert.Same(t, report, r.Last())
}

func TestRunnerEnsureDirs(t *testing.T) {
	h := newHarness(t, nil)
	_, dir := newTestRunner(t, h, "")
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRunnerMissingInput(t *testing.T) {
	h := newHarness(t, nil)
	r, _ := newTestRunner(t, h, "")

	_, err := r.Trigger(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrIO)
	assert.Empty(t, h.remote.calls)
}

func TestRunnerMalformedInput(t *testing.T) {
	h := newHarness(t, nil)
	r, _ := newTestRunner(t, h, `[{"tenantKey":"u1"}]`)

	_, err := r.Trigger(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrMalformedInput)
	assert.Equal(t, 400, apperrors.HTTPStatusCode(err))
	assert.Empty(t, h.remote.calls)
}

func TestRunnerSerialisesBatches(t *testing.T) {
	h := newHarness(t, nil)
	r, _ := newTestRunner(t, h, scenarioJSON)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Trigger(context.Background(), "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// every run's calls form an unbroken per-tenant sequence
	calls := h.remote.calls
	require.Len(t, calls, 4*8)
	for i := 0; i < len(calls); i += 4 {
		assert.Contains(t, calls[i], "create_index:")
		assert.Contains(t, calls[i+1], "create_search_app:")
		assert.Contains(t, calls[i+2], "upload:")
		assert.Contains(t, calls[i+3], "import:")
	}
}

func TestRunnerWaitCancelled(t *testing.T) {
	h := newHarness(t, nil)
	r, _ := newTestRunner(t, h, scenarioJSON)
	r.sem <- struct{}{}
	defer func() { <-r.sem }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Trigger(ctx, "")
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}
