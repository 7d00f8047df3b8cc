package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxResponseBody bounds how much of a Jaeger response is read.
const maxResponseBody = 256 << 20

// Source is the tracing backend as seen by the miner.
type Source interface {
	Services(ctx context.Context) ([]string, error)
	Traces(ctx context.Context, service string) ([]Trace, error)
}

// Client talks to the Jaeger query API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a Jaeger query client rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type servicesResponse struct {
	Data []string `json:"data"`
}

type tracesResponse struct {
	Data []Trace `json:"data"`
}

// Services lists every service known to the backend.
func (c *Client) Services(ctx context.Context) ([]string, error) {
	var resp servicesResponse
	if err := c.get(ctx, "services", "", c.baseURL+"/api/services", &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Traces returns every trace the backend holds for service (limit=0).
func (c *Client) Traces(ctx context.Context, service string) ([]Trace, error) {
	q := url.Values{}
	q.Set("service", service)
	q.Set("limit", "0")

	var resp tracesResponse
	if err := c.get(ctx, "traces", service, c.baseURL+"/api/traces?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) get(ctx context.Context, op, service, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &UpstreamFetchError{Op: op, Service: service, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &UpstreamFetchError{Op: op, Service: service, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &UpstreamFetchError{Op: op, Service: service, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		return fmt.Errorf("%s %s: %w: %v", op, service, ErrMalformedResponse, err)
	}
	return nil
}
