// Package serpapi provides a client for SerpAPI Google Maps place details.
package serpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/mallorcaeat/pipeline/internal/resilience"
)

const defaultBaseURL = "https://serpapi.com"

// Client fetches place details. The raw response is returned for caching.
type Client interface {
	PlaceDetails(ctx context.Context, dataCID string) (json.RawMessage, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables the limit.
func WithRateLimit(perSec float64) Option {
	return func(c *httpClient) {
		if perSec <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
	}
}

// WithRetry overrides the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

// WithLanguage sets the hl parameter. English keeps attribute names stable.
func WithLanguage(hl string) Option {
	return func(c *httpClient) {
		c.language = hl
	}
}

type httpClient struct {
	keys     *keyRing
	baseURL  string
	language string
	http     *http.Client
	limiter  *rate.Limiter
	retry    resilience.RetryConfig
}

// NewClient creates a SerpAPI client that rotates through keys on HTTP 429.
func NewClient(keys []string, opts ...Option) (Client, error) {
	ring := newKeyRing(keys)
	if ring.len() == 0 {
		return nil, eris.New("serpapi: at least one api key is required")
	}
	c := &httpClient{
		keys:     ring,
		baseURL:  defaultBaseURL,
		language: "en",
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(2), 1),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger("serpapi", "place_details")
	}
	return c, nil
}

func (c *httpClient) PlaceDetails(ctx context.Context, dataCID string) (json.RawMessage, error) {
	if dataCID == "" {
		return nil, eris.New("serpapi: data_cid is required")
	}
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (json.RawMessage, error) {
		return c.fetchRotating(ctx, dataCID)
	})
}

// fetchRotating tries each key once on 429 before giving up to the retry
// backoff with a transient error.
func (c *httpClient) fetchRotating(ctx context.Context, dataCID string) (json.RawMessage, error) {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "serpapi: rate limit wait")
		}
		status, body, err := c.get(ctx, dataCID, c.keys.current())
		if err != nil {
			return nil, err
		}

		switch {
		case status == http.StatusTooManyRequests:
			if c.keys.rotate() {
				continue
			}
			c.keys.reset()
			return nil, eris.Wrap(resilience.HTTPError("serpapi", status, body), "serpapi: all keys rate limited")
		case status != http.StatusOK:
			return nil, eris.Wrap(resilience.HTTPError("serpapi", status, body), "serpapi: place details")
		}

		if err := providerError(body); err != nil {
			return nil, err
		}
		c.keys.reset()
		return body, nil
	}
}

func (c *httpClient) get(ctx context.Context, dataCID, apiKey string) (int, []byte, error) {
	q := url.Values{}
	q.Set("engine", "google_maps")
	q.Set("type", "place")
	q.Set("data_cid", dataCID)
	q.Set("hl", c.language)
	q.Set("api_key", apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return 0, nil, eris.Wrap(err, "serpapi: create request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, eris.Wrap(err, "serpapi: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, eris.Wrap(err, "serpapi: read response")
	}
	return resp.StatusCode, body, nil
}

// providerError surfaces the error field SerpAPI reports with status 200.
func providerError(body []byte) error {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return eris.Wrap(err, "serpapi: decode response")
	}
	if envelope.Error == "" {
		return nil
	}
	if strings.Contains(strings.ToLower(envelope.Error), "run out of searches") {
		return &resilience.QuotaError{Service: "serpapi", Detail: envelope.Error}
	}
	return eris.Errorf("serpapi: provider error: %s", envelope.Error)
}
