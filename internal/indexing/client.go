// Package indexing is the REST client for the managed document-indexing
// service. It creates per-tenant indexes and search applications, and
// triggers and tracks document import jobs.
//
// Calls are rate limited client-side and guarded by a circuit breaker. Only
// transport failures, 5xx and 429 responses count against the breaker; a 4xx
// is the caller's problem and leaves it closed. No call is retried.
package indexing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/resilience"
	"golang.org/x/time/rate"
)

const (
	solutionTypeSearch = "SOLUTION_TYPE_SEARCH"
	defaultBranch      = "default_branch"
)

// Config configures a Client.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	RateLimit      float64
	RateBurst      int
	ReuseExisting  bool
	Breaker        resilience.CircuitBreakerConfig
	HTTPClient     *http.Client
}

// ErrTokenRejected marks calls the service answered with 401. The bearer
// token is stale and callers holding a cached one should drop it.
var ErrTokenRejected = errors.New("access token rejected")

// TokenFunc returns a bearer token for the next call.
type TokenFunc func(ctx context.Context) (string, error)

// Client talks to one collection of the indexing service.
type Client struct {
	baseURL string
	opsURL  string
	http    *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	timeout time.Duration
	reuse   bool
	logger  *slog.Logger
}

// NewClient validates cfg.BaseURL and builds a client. A RateLimit of zero
// disables client-side limiting.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid indexing base url %q", cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL: u.String(),
		opsURL:  operationsRoot(u),
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		breaker: resilience.NewCircuitBreaker("indexing", cfg.Breaker),
		timeout: cfg.RequestTimeout,
		reuse:   cfg.ReuseExisting,
		logger:  slog.Default().With("component", "indexing-client"),
	}, nil
}

// operationsRoot returns the origin plus API version segment, under which
// operation names such as "projects/p/.../operations/x" resolve.
func operationsRoot(u *url.URL) string {
	root := u.Scheme + "://" + u.Host
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) > 0 && segs[0] != "" {
		root += "/" + segs[0]
	}
	return root
}

// CreateIndex creates the data store indexID.
func (c *Client) CreateIndex(ctx context.Context, token, indexID, displayName string) error {
	body := createDataStoreRequest{
		DisplayName:      displayName,
		IndustryVertical: "GENERIC",
		ContentConfig:    "CONTENT_REQUIRED",
		SolutionTypes:    []string{solutionTypeSearch},
	}
	endpoint := c.baseURL + "/dataStores?dataStoreId=" + url.QueryEscape(indexID)
	err := c.call(ctx, "create_index", http.MethodPost, endpoint, token, body, nil)
	if c.reused(err) {
		c.logger.Info("index already exists, reusing", "index_id", indexID)
		return nil
	}
	if err != nil {
		return c.wrap(apperrors.ErrProvisioning, "creating index "+indexID, err)
	}
	c.logger.Info("index created", "index_id", indexID)
	return nil
}

// CreateSearchApp creates the engine appID serving indexID.
func (c *Client) CreateSearchApp(ctx context.Context, token, appID, indexID, displayName string) error {
	body := createEngineRequest{
		DisplayName:        displayName,
		DataStoreIDs:       []string{indexID},
		SolutionType:       solutionTypeSearch,
		SearchEngineConfig: searchEngineConfig{SearchTier: "SEARCH_TIER_STANDARD"},
	}
	endpoint := c.baseURL + "/engines?engineId=" + url.QueryEscape(appID)
	err := c.call(ctx, "create_search_app", http.MethodPost, endpoint, token, body, nil)
	if c.reused(err) {
		c.logger.Info("search app already exists, reusing", "app_id", appID)
		return nil
	}
	if err != nil {
		return c.wrap(apperrors.ErrProvisioning, "creating search app "+appID, err)
	}
	c.logger.Info("search app created", "app_id", appID, "index_id", indexID)
	return nil
}

// ImportDocuments asks the service to import the staged documents at
// locator into indexID. The returned operation has been accepted, not
// necessarily finished.
func (c *Client) ImportDocuments(ctx context.Context, token, indexID, locator string) (*Operation, error) {
	body := importDocumentsRequest{
		GCSSource: gcsSource{
			InputURIs:  []string{locator},
			DataSchema: "document",
		},
		ReconciliationMode: "INCREMENTAL",
	}
	endpoint := fmt.Sprintf("%s/dataStores/%s/branches/%s/documents:import",
		c.baseURL, url.PathEscape(indexID), defaultBranch)
	var op Operation
	if err := c.call(ctx, "import_documents", http.MethodPost, endpoint, token, body, &op); err != nil {
		return nil, c.wrap(apperrors.ErrImport, "importing into "+indexID, err)
	}
	c.logger.Info("import accepted", "index_id", indexID, "operation", op.Name, "source", locator)
	return &op, nil
}

// GetOperation fetches the current state of a long-running operation.
func (c *Client) GetOperation(ctx context.Context, token, name string) (*Operation, error) {
	var op Operation
	if err := c.call(ctx, "get_operation", http.MethodGet, c.opsURL+"/"+name, token, nil, &op); err != nil {
		return nil, c.wrap(apperrors.ErrImport, "polling operation "+name, err)
	}
	return &op, nil
}

// WaitForOperation polls name every interval until it is done. A finished
// operation carrying an error is reported as ErrImport.
func (c *Client) WaitForOperation(ctx context.Context, token TokenFunc, name string, interval time.Duration) (*Operation, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		tok, err := token(ctx)
		if err != nil {
			return nil, err
		}
		op, err := c.GetOperation(ctx, tok, name)
		if err != nil {
			return nil, err
		}
		if op.Done {
			if op.Error != nil && op.Error.Code != 0 {
				return op, apperrors.Newf(apperrors.ErrImport, http.StatusBadGateway,
					"operation %s failed: code %d: %s", name, op.Error.Code, op.Error.Message)
			}
			return op, nil
		}
		select {
		case <-ctx.Done():
			return op, apperrors.Newf(apperrors.ErrImport, http.StatusGatewayTimeout,
				"waiting for operation %s: %v", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// BreakerState reports the circuit breaker's state.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.GetState()
}

// BreakerSnapshot describes the circuit breaker for the status page.
func (c *Client) BreakerSnapshot() resilience.Snapshot {
	return c.breaker.Snapshot()
}

// statusError is a non-2xx response from the service.
type statusError struct {
	code    int
	message string
}

func (e *statusError) Error() string {
	if e.message == "" {
		return fmt.Sprintf("service returned %d", e.code)
	}
	return fmt.Sprintf("service returned %d: %s", e.code, e.message)
}

// countsAgainstBreaker reports whether err indicates the service itself is
// unhealthy rather than the request being wrong.
func countsAgainstBreaker(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

func (c *Client) reused(err error) bool {
	var se *statusError
	return c.reuse && errors.As(err, &se) && se.code == http.StatusConflict
}

func (c *Client) call(ctx context.Context, op, method, endpoint, token string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	var callErr error
	err := c.breaker.Execute(func() error {
		callErr = resilience.WithTimeout(ctx, c.timeout, op, func(ctx context.Context) error {
			return c.roundTrip(ctx, method, endpoint, token, in, out)
		})
		if callErr != nil && countsAgainstBreaker(callErr) {
			return callErr
		}
		return nil
	})
	if callErr != nil {
		return callErr
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode, message: errorMessage(raw)}
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func errorMessage(raw []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Error != nil && env.Error.Message != "" {
		return env.Error.Message
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}

func (c *Client) wrap(sentinel error, action string, err error) error {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, apperrors.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	}
	wrapped := apperrors.Newf(sentinel, status, "%s: %v", action, err)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusUnauthorized {
		return fmt.Errorf("%w: %w", wrapped, ErrTokenRejected)
	}
	return wrapped
}
