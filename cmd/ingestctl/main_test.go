package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

const input = `[
  {"tenantKey":"u1","timestamp":"2024-01-01T00:00:00Z","message":"hi"},
  {"tenantKey":"u2","timestamp":"2024-01-02T00:00:00Z","message":"hey"},
  {"tenantKey":"u1","timestamp":"2024-01-01T00:00:01Z","message":"yo"}
]`

func testApp(t *testing.T) (*cli.App, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	app := newApp()
	app.Writer = out
	app.ErrWriter = &bytes.Buffer{}
	app.ExitErrHandler = func(*cli.Context, error) {}
	return app, out
}

func writeInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "messages.json")
	require.NoError(t, os.WriteFile(path, []byte(input), 0o600))
	return path
}

func TestIDsCommandRequiresFlags(t *testing.T) {
	app, _ := testApp(t)

	t.Run("tenant is required", func(t *testing.T) {
		err := app.Run([]string{"ingestctl", "--config", "", "ids", "--batch-id", "b1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tenant")
	})

	t.Run("batch-id is required", func(t *testing.T) {
		err := app.Run([]string{"ingestctl", "--config", "", "ids", "--tenant", "u1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "batch-id")
	})
}

func TestIDsCommandPrintsDerivedIDs(t *testing.T) {
	app, out := testApp(t)
	err := app.Run([]string{"ingestctl", "--config", "", "ids", "-t", "user@example.com", "--batch-id", "nightly-1"})
	require.NoError(t, err)

	var got pipeline.ResourceIDs
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, pipeline.DeriveIDs("user@example.com", "nightly-1", "tenant"), got)
	assert.True(t, strings.HasPrefix(got.IndexID, "idx-"), got.IndexID)
}

func TestStageCommandWritesAllTenants(t *testing.T) {
	app, out := testApp(t)
	outDir := t.TempDir()

	err := app.Run([]string{"ingestctl", "--config", "", "--input", writeInput(t), "stage", "--out", outDir})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "u1\t2 documents\t"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "u2\t1 documents\t"), lines[1])

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestStageCommandSingleTenant(t *testing.T) {
	app, out := testApp(t)
	outDir := t.TempDir()

	err := app.Run([]string{"ingestctl", "--config", "", "--input", writeInput(t), "stage", "--out", outDir, "--tenant", "u2"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.String(), "u2\t1 documents\t"))

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(outDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hey"`)
}

func TestStageCommandUnknownTenant(t *testing.T) {
	app, _ := testApp(t)
	err := app.Run([]string{"ingestctl", "--config", "", "--input", writeInput(t), "stage", "--out", t.TempDir(), "--tenant", "nobody"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestStageCommandMissingInput(t *testing.T) {
	app, _ := testApp(t)
	missing := filepath.Join(t.TempDir(), "absent.json")
	err := app.Run([]string{"ingestctl", "--config", "", "--input", missing, "stage", "--out", t.TempDir()})
	assert.Error(t, err)
}
