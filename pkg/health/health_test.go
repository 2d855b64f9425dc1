package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWorstStatusWins(t *testing.T) {
	c := NewChecker()
	c.Register("objectstore", PingCheck(func(ctx context.Context) error { return nil }))
	c.Register("ledger", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusDegraded}
	})

	report := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Len(t, report.Components, 2)

	c.Register("redis", PingCheck(func(ctx context.Context) error { return errors.New("connection refused") }))
	report = c.Run(context.Background())
	assert.Equal(t, StatusDown, report.Status)
	assert.Equal(t, "connection refused", report.Components["redis"].Message)
}

func TestReadyHandlerStatusCodes(t *testing.T) {
	c := NewChecker()
	c.Register("objectstore", PingCheck(func(ctx context.Context) error { return errors.New("no bucket") }))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, StatusDown, report.Status)

	rec = httptest.NewRecorder()
	c.LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOptionalCheckDegrades(t *testing.T) {
	c := NewChecker()
	c.Register("objectstore", PingCheck(func(ctx context.Context) error { return nil }))
	c.RegisterOptional("kafka", PingCheck(func(ctx context.Context) error { return errors.New("no brokers") }))

	report := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusDegraded, report.Components["kafka"].Status)
	assert.Equal(t, "no brokers", report.Components["kafka"].Message)

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckTimeout(t *testing.T) {
	c := NewChecker()
	c.SetCheckTimeout(20 * time.Millisecond)
	c.Register("ledger", PingCheck(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	report := c.Run(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusDown, report.Status)
	assert.Contains(t, report.Components["ledger"].Message, "deadline exceeded")
}
