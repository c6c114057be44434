// Package serper provides a client for the Serper Google Maps search API.
package serper

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/mallorcaeat/pipeline/internal/resilience"
)

const defaultBaseURL = "https://google.serper.dev"

// Client performs Serper search operations. Responses are returned raw so the
// caller can cache exactly what the provider sent.
type Client interface {
	Maps(ctx context.Context, req MapsRequest) (json.RawMessage, error)
}

// MapsRequest is one maps search. Query and Location are joined into the
// provider's free-text q parameter.
type MapsRequest struct {
	Query    string
	Location string
	Country  string
	Language string
	Num      int
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
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

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// NewClient creates a Serper API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(5), 1),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger("serper", "maps")
	}
	return c
}

type mapsRequest struct {
	Q  string `json:"q"`
	GL string `json:"gl,omitempty"`
	HL string `json:"hl,omitempty"`
	// Num is the page size.
	Num int `json:"num,omitempty"`
}

func (c *httpClient) Maps(ctx context.Context, req MapsRequest) (json.RawMessage, error) {
	body, err := json.Marshal(mapsRequest{
		Q:   strings.TrimSpace(req.Query + " " + req.Location),
		GL:  req.Country,
		HL:  req.Language,
		Num: req.Num,
	})
	if err != nil {
		return nil, eris.Wrap(err, "serper: marshal request")
	}

	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (json.RawMessage, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "serper: rate limit wait")
		}
		return c.post(ctx, "/maps", body)
	})
}

func (c *httpClient) post(ctx context.Context, path string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "serper: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "serper: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "serper: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Wrap(resilience.HTTPError("serper", resp.StatusCode, respBody), "serper: maps")
	}
	if !json.Valid(respBody) {
		return nil, eris.New("serper: response is not valid JSON")
	}
	return respBody, nil
}
