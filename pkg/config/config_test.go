package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "abort", cfg.Pipeline.FailurePolicy)
	assert.Equal(t, "overwrite", cfg.Staging.DuplicateIDs)
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Equal(t, "tenantKey", cfg.Input.TenantField)
	assert.Equal(t, filepath.Join("data", "messages.json"), cfg.Input.Path())
	assert.Zero(t, cfg.Indexing.RequestTimeout)
	assert.False(t, cfg.Pipeline.WaitForImport)
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	yamlDoc := `
input:
  dir: /srv/batches
  file: today.jsonl
  format: jsonl
pipeline:
  failurePolicy: continue
  importPollInterval: 2s
objectStore:
  bucket: from-yaml
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))
	t.Setenv("TSP_OBJECTSTORE_BUCKET", "from-env")
	t.Setenv("TSP_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/batches/today.jsonl", cfg.Input.Path())
	assert.Equal(t, "jsonl", cfg.Input.Format)
	assert.Equal(t, "continue", cfg.Pipeline.FailurePolicy)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.ImportPollInterval)
	assert.Equal(t, "from-env", cfg.ObjectStore.Bucket)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	// untouched defaults survive a partial file
	assert.Equal(t, "tenantKey", cfg.Input.TenantField)
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	t.Setenv("TSP_PIPELINE_FAILURE_POLICY", "sometimes")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline.failurePolicy")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
