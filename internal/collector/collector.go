// Package collector ships request/response audit entries to an external
// log collector. Delivery is best-effort: a collector outage must never
// fail or slow down the operation being logged.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Direction marks whether an entry was recorded before or after the
// upstream call it describes.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// Entry is one audit record.
type Entry struct {
	Service   string    `json:"service"`
	Direction Direction `json:"direction"`
	Message   string    `json:"message"`
}

// Collector records audit entries.
type Collector interface {
	// Record submits an entry. Implementations must not return an error
	// and must not block the caller; delivery is best-effort.
	Record(ctx context.Context, e Entry)
}

// Nop discards all entries. Useful in tests and when no collector
// endpoint is configured.
type Nop struct{}

func (Nop) Record(context.Context, Entry) {}

// HTTPCollector posts entries to a collector endpoint.
type HTTPCollector struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTP creates a collector posting to endpoint. A nil logger is
// replaced with a no-op logger.
func NewHTTP(endpoint string, logger *zap.Logger) (*HTTPCollector, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("collector endpoint cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPCollector{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}, nil
}

// Record posts the entry on a background goroutine and returns
// immediately; the caller's hot path never waits on the collector.
// Failures are logged at debug level and dropped. The post is detached
// from the caller's cancellation and bounded by the client timeout.
func (c *HTTPCollector) Record(ctx context.Context, e Entry) {
	go c.post(context.WithoutCancel(ctx), e)
}

func (c *HTTPCollector) post(ctx context.Context, e Entry) {
	body, err := json.Marshal(e)
	if err != nil {
		c.logger.Debug("collector: marshal failed", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		c.logger.Debug("collector: request build failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("collector: post failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		c.logger.Debug("collector: non-success status", zap.Int("status", resp.StatusCode))
	}
}
