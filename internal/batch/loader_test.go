package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	apperrors "github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenario = `[
  {"tenantKey":"u1","timestamp":"2024-01-01T00:00:00Z","message":"hi"},
  {"tenantKey":"u1","timestamp":"2024-01-01T00:00:01Z","message":"yo"},
  {"tenantKey":"u2","timestamp":"2024-01-02T00:00:00Z","message":"hey"}
]`

func TestLoadJSONArrayAndPartition(t *testing.T) {
	records, err := NewLoader(LoaderConfig{}).Load(strings.NewReader(scenario))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "hi", records[0].Message)
	assert.Equal(t, "2024-01-01T00:00:00Z", records[0].Timestamp)

	groups := Partition(records)
	require.Len(t, groups, 2)
	assert.Equal(t, "u1", groups[0].Key)
	assert.Len(t, groups[0].Records, 2)
	assert.Equal(t, "yo", groups[0].Records[1].Message)
	assert.Equal(t, "u2", groups[1].Key)
	assert.Len(t, groups[1].Records, 1)
	assert.Equal(t, 3, Count(groups))
}

func TestLoadKeepsArbitraryFields(t *testing.T) {
	in := `[{"tenantKey":"u1","timestamp":"t1","message":"m","channel":"sms","score":1.50}]`
	records, err := NewLoader(LoaderConfig{}).Load(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "sms", records[0].Fields["channel"])
	assert.Equal(t, json.Number("1.50"), records[0].Fields["score"])
}

func TestLoadJSONLines(t *testing.T) {
	in := "{\"user_id\":\"a\",\"ts\":\"1\",\"text\":\"x\"}\n\n  {\"user_id\":\"b\",\"ts\":\"2\",\"text\":\"y\"}\n"
	l := NewLoader(LoaderConfig{TenantField: "user_id", TimestampField: "ts", MessageField: "text"})
	records, err := l.Load(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "b", records[1].TenantKey)
	assert.Equal(t, "y", records[1].Message)
}

func TestLoadMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":            "   ",
		"syntax":           `[{"tenantKey":"u1",`,
		"non-object":       `[1, 2]`,
		"missing tenant":   `[{"timestamp":"t","message":"m"}]`,
		"empty timestamp":  `[{"tenantKey":"u1","timestamp":"","message":"m"}]`,
		"numeric tenant":   `[{"tenantKey":7,"timestamp":"t"}]`,
		"trailing garbage": `[] []`,
		"bad jsonl line":   "{\"tenantKey\":\"u1\",\"timestamp\":\"t\"}\n{oops\n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewLoader(LoaderConfig{}).Load(strings.NewReader(in))
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrMalformedInput)
			assert.Equal(t, 400, apperrors.HTTPStatusCode(err))
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := NewLoader(LoaderConfig{}).LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrIO)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(scenario), 0o644))
	records, err := NewLoader(LoaderConfig{Format: FormatJSON}).LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

// Every record lands in exactly one group, and no record is dropped or
// duplicated, for many interleavings of keys.
func TestPartitionIsExact(t *testing.T) {
	for n := 0; n < 50; n++ {
		var records []Record
		for i := 0; i < n; i++ {
			records = append(records, Record{
				TenantKey: fmt.Sprintf("t%d", (i*7+n)%5),
				Timestamp: fmt.Sprintf("%d", i),
			})
		}
		groups := Partition(records)

		seenKeys := map[string]bool{}
		seenRecords := map[string]int{}
		for _, g := range groups {
			require.False(t, seenKeys[g.Key], "key %s in two groups", g.Key)
			seenKeys[g.Key] = true
			for _, r := range g.Records {
				assert.Equal(t, g.Key, r.TenantKey)
				seenRecords[r.Timestamp]++
			}
		}
		require.Equal(t, n, Count(groups))
		for _, r := range records {
			assert.Equal(t, 1, seenRecords[r.Timestamp])
		}
	}
}

func TestPartitionFirstSeenOrder(t *testing.T) {
	records := []Record{
		{TenantKey: "c", Timestamp: "1"},
		{TenantKey: "a", Timestamp: "2"},
		{TenantKey: "c", Timestamp: "3"},
		{TenantKey: "b", Timestamp: "4"},
	}
	groups := Partition(records)
	keys := make([]string, 0, len(groups))
	for _, g := range groups {
		keys = append(keys, g.Key)
	}
	assert.Equal(t, []string{"c", "a", "b"}, keys)
	assert.Equal(t, "3", groups[0].Records[1].Timestamp)
}
