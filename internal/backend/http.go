package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/torosent/crankexport/internal/config"
	"github.com/torosent/crankexport/internal/delivery"
	"github.com/torosent/crankexport/internal/export"
	"github.com/torosent/crankexport/internal/httpclient"
	"github.com/torosent/crankexport/internal/tracing"
)

const maxErrorBody = 512

// StatusError reports a non-2xx answer from the collector.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("collector returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// HTTPStatus exposes the collector status to the health error labels.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// HTTP posts batches as JSON to a collector endpoint.
type HTTP struct {
	client    *http.Client
	builder   *httpclient.RequestBuilder
	propagate bool
}

// NewHTTP builds the backend. timeout bounds each request; propagate injects W3C trace
// headers from the submission span.
func NewHTTP(cfg config.HTTPConfig, timeout time.Duration, propagate bool) (*HTTP, error) {
	builder, err := httpclient.NewRequestBuilder(cfg)
	if err != nil {
		return nil, fmt.Errorf("http backend: %w", err)
	}
	return &HTTP{
		client:    httpclient.NewClient(timeout),
		builder:   builder,
		propagate: propagate,
	}, nil
}

func (h *HTTP) Name() string { return string(config.BackendHTTP) }

func (h *HTTP) Submit(ctx context.Context, batch export.Batch) error {
	body, err := json.Marshal(newPayload(batch))
	if err != nil {
		return delivery.Permanent(fmt.Errorf("encode batch: %w", err))
	}

	req, err := h.builder.Build(ctx, body)
	if err != nil {
		return delivery.Permanent(err)
	}
	if h.propagate {
		tracing.InjectHTTPHeaders(ctx, req.Header)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return delivery.Throttled(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	return classifyStatus(statusErr)
}

func (h *HTTP) Close() {
	h.client.CloseIdleConnections()
}

func classifyStatus(err *StatusError) error {
	switch {
	case err.StatusCode == http.StatusTooManyRequests,
		err.StatusCode == http.StatusRequestTimeout,
		err.StatusCode >= 500:
		return delivery.Throttled(err)
	default:
		return delivery.Permanent(err)
	}
}
