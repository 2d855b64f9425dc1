// Package credentials supplies bearer tokens for the indexing service. A
// CachingSource wraps the underlying fetcher so tokens are fetched lazily,
// reused until shortly before they expire, and refreshed transparently.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Token is a bearer token and the instant it stops being valid. A zero
// Expiry means the token never expires.
type Token struct {
	Value  string
	Expiry time.Time
}

// Valid reports whether the token is non-empty and still valid skew before
// its expiry.
func (t Token) Valid(now time.Time, skew time.Duration) bool {
	if t.Value == "" {
		return false
	}
	return t.Expiry.IsZero() || now.Add(skew).Before(t.Expiry)
}

// Source fetches bearer tokens.
type Source interface {
	Token(ctx context.Context) (Token, error)
}

// StaticSource always returns the same non-expiring token.
type StaticSource struct {
	value string
}

func NewStaticSource(value string) *StaticSource {
	return &StaticSource{value: value}
}

func (s *StaticSource) Token(ctx context.Context) (Token, error) {
	if s.value == "" {
		return Token{}, apperrors.New(apperrors.ErrAuth, http.StatusBadGateway, "static token is not configured")
	}
	return Token{Value: s.value}, nil
}

// MetadataSource fetches access tokens from a metadata-server style endpoint
// that answers {"access_token": ..., "expires_in": seconds}.
type MetadataSource struct {
	url    string
	client *http.Client
	now    func() time.Time
}

func NewMetadataSource(url string, client *http.Client) *MetadataSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &MetadataSource{url: url, client: client, now: time.Now}
}

type metadataToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (m *MetadataSource) Token(ctx context.Context) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return Token{}, authErr("building token request: %v", err)
	}
	req.Header.Set("Metadata-Flavor", "Google")
	resp, err := m.client.Do(req)
	if err != nil {
		return Token{}, authErr("requesting token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Token{}, authErr("token endpoint returned %d: %s", resp.StatusCode, body)
	}
	var mt metadataToken
	if err := json.NewDecoder(resp.Body).Decode(&mt); err != nil {
		return Token{}, authErr("decoding token response: %v", err)
	}
	if mt.AccessToken == "" {
		return Token{}, authErr("token endpoint returned an empty access token")
	}
	tok := Token{Value: mt.AccessToken}
	if mt.ExpiresIn > 0 {
		tok.Expiry = m.now().Add(time.Duration(mt.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// CachingSource reuses a token until skew before its expiry. Concurrent
// callers that find the token stale share a single refresh.
type CachingSource struct {
	source Source
	skew   time.Duration
	now    func() time.Time
	group  singleflight.Group
	logger *slog.Logger

	mu      sync.Mutex
	current Token
}

func NewCachingSource(source Source, skew time.Duration) *CachingSource {
	return &CachingSource{
		source: source,
		skew:   skew,
		now:    time.Now,
		logger: slog.Default().With("component", "token-cache"),
	}
}

func (c *CachingSource) Token(ctx context.Context) (Token, error) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur.Valid(c.now(), c.skew) {
		return cur, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		c.mu.Lock()
		cur := c.current
		c.mu.Unlock()
		if cur.Valid(c.now(), c.skew) {
			return cur, nil
		}
		tok, err := c.source.Token(ctx)
		if err != nil {
			return Token{}, err
		}
		c.mu.Lock()
		c.current = tok
		c.mu.Unlock()
		c.logger.Info("access token refreshed", "expires_at", tok.Expiry)
		return tok, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// Invalidate drops the cached token so the next call refetches.
func (c *CachingSource) Invalidate() {
	c.mu.Lock()
	c.current = Token{}
	c.mu.Unlock()
}

func authErr(format string, args ...any) error {
	return apperrors.New(apperrors.ErrAuth, http.StatusBadGateway, fmt.Sprintf(format, args...))
}
