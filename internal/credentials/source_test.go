package credentials

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls  atomic.Int32
	expiry func() time.Time
	err    error
}

func (s *countingSource) Token(ctx context.Context) (Token, error) {
	n := s.calls.Add(1)
	if s.err != nil {
		return Token{}, s.err
	}
	tok := Token{Value: "tok-" + string(rune('0'+n))}
	if s.expiry != nil {
		tok.Expiry = s.expiry()
	}
	return tok, nil
}

func TestStaticSource(t *testing.T) {
	tok, err := NewStaticSource("abc").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.Value)
	assert.True(t, tok.Expiry.IsZero())

	_, err = NewStaticSource("").Token(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrAuth)
}

func TestMetadataSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Google", r.Header.Get("Metadata-Flavor"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"ya29.token","expires_in":3599,"token_type":"Bearer"}`))
	}))
	defer srv.Close()

	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := NewMetadataSource(srv.URL, srv.Client())
	src.now = func() time.Time { return fixed }

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ya29.token", tok.Value)
	assert.Equal(t, fixed.Add(3599*time.Second), tok.Expiry)
}

func TestMetadataSourceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewMetadataSource(srv.URL, srv.Client()).Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAuth)
	assert.Contains(t, err.Error(), "403")
}

func TestCachingSourceReusesUntilExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	inner := &countingSource{expiry: func() time.Time { return now.Add(time.Hour) }}
	c := NewCachingSource(inner, time.Minute)
	c.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		tok, err := c.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok-1", tok.Value)
	}
	assert.Equal(t, int32(1), inner.calls.Load())

	// inside the refresh skew the token is treated as expired
	now = now.Add(59*time.Minute + 30*time.Second)
	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok.Value)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCachingSourceNonExpiringFetchedOnce(t *testing.T) {
	inner := &countingSource{}
	c := NewCachingSource(inner, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Token(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), inner.calls.Load())

	c.Invalidate()
	_, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCachingSourcePropagatesError(t *testing.T) {
	inner := &countingSource{err: apperrors.New(apperrors.ErrAuth, http.StatusBadGateway, "denied")}
	_, err := NewCachingSource(inner, 0).Token(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrAuth))
}
