// Package workerclient is the broker-side HTTP client for worker nodes.
package workerclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/zakuro-ai/mesh/internal/domain"
)

// infoPayload mirrors the worker /info wire shape.
type infoPayload struct {
	Name       string            `json:"name"`
	WorkerType string            `json:"worker_type"`
	Version    string            `json:"version"`
	Resources  domain.Resources  `json:"resources"`
	Pricing    domain.Pricing    `json:"pricing"`
	Tags       []string          `json:"tags"`
	Hardware   map[string]string `json:"hardware"`
}

// Client implements domain.WorkerClient over HTTP. Deadlines come from the
// caller's context; the client itself sets none so probe and forward
// timeouts stay independent.
type Client struct {
	http *http.Client
}

// New constructs a Client with an OTEL-instrumented transport.
func New() *Client {
	return &Client{
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Info probes a worker's /info endpoint, returning its record and the
// observed round-trip time.
func (c *Client) Info(ctx domain.Context, endpoint string) (domain.Worker, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/info", nil)
	if err != nil {
		return domain.Worker{}, 0, fmt.Errorf("op=workerclient.Info: %w", err)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Worker{}, 0, fmt.Errorf("op=workerclient.Info endpoint=%s: %w: %v", endpoint, domain.ErrWorkerUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	rtt := time.Since(start)
	if resp.StatusCode != http.StatusOK {
		return domain.Worker{}, 0, fmt.Errorf("op=workerclient.Info endpoint=%s status=%d: %w", endpoint, resp.StatusCode, domain.ErrWorkerUnreachable)
	}
	var p infoPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&p); err != nil {
		return domain.Worker{}, 0, fmt.Errorf("op=workerclient.Info decode: %w", err)
	}
	return domain.Worker{
		Name:       p.Name,
		Endpoint:   endpoint,
		WorkerType: p.WorkerType,
		Version:    p.Version,
		Tags:       p.Tags,
		Hardware:   p.Hardware,
		Resources:  p.Resources,
		Pricing:    p.Pricing,
	}, rtt, nil
}

// Execute forwards an opaque task blob to a worker and returns its bytes
// unchanged. Any transport-level failure (connect, deadline, non-200) maps
// to ErrWorkerUnreachable; task-level failures ride inside 200 bodies and
// are not this layer's business.
func (c *Client) Execute(ctx domain.Context, endpoint string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("op=workerclient.Execute: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=workerclient.Execute endpoint=%s: %w: %v", endpoint, domain.ErrWorkerUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("op=workerclient.Execute read: %w: %v", domain.ErrWorkerUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=workerclient.Execute endpoint=%s status=%d: %w", endpoint, resp.StatusCode, domain.ErrWorkerUnreachable)
	}
	return out, nil
}
