package httpclient

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/torosent/crankexport/internal/config"
)

func TestBuildRequestWithHeaders(t *testing.T) {
	cfg := config.HTTPConfig{
		Endpoint: "http://collector.example.com/ingest",
		Headers: map[string]string{
			"x-api-key":  "secret",
			"X-Trace-Id": "12345",
		},
	}

	builder, err := NewRequestBuilder(cfg)
	if err != nil {
		t.Fatalf("expected builder, got error: %v", err)
	}

	body := []byte(`{"batch_id":"x","metrics":[]}`)
	req, err := builder.Build(context.Background(), body)
	if err != nil {
		t.Fatalf("expected request, got error: %v", err)
	}

	if req.Method != http.MethodPost {
		t.Fatalf("expected method POST, got %s", req.Method)
	}
	if req.URL.String() != cfg.Endpoint {
		t.Fatalf("expected URL %s, got %s", cfg.Endpoint, req.URL.String())
	}
	if req.Header.Get("X-Api-Key") != "secret" {
		t.Fatalf("expected canonical X-Api-Key header, got %q", req.Header.Get("X-Api-Key"))
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("expected default JSON content type, got %q", req.Header.Get("Content-Type"))
	}

	bodyBytes, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read body failed: %v", err)
	}
	if string(bodyBytes) != string(body) {
		t.Fatalf("expected body %q, got %q", body, bodyBytes)
	}
	if req.ContentLength != int64(len(body)) {
		t.Fatalf("expected content length %d, got %d", len(body), req.ContentLength)
	}

	replayBody, err := req.GetBody()
	if err != nil {
		t.Fatalf("expected replay body, got error: %v", err)
	}
	replayBytes, err := io.ReadAll(replayBody)
	if err != nil {
		t.Fatalf("read replay body failed: %v", err)
	}
	if string(replayBytes) != string(body) {
		t.Fatalf("replay body mismatch: %q", replayBytes)
	}
}

func TestBuildKeepsCustomContentType(t *testing.T) {
	builder, err := NewRequestBuilder(config.HTTPConfig{
		Endpoint: "http://collector",
		Headers:  map[string]string{"content-type": "application/x-ndjson"},
	})
	if err != nil {
		t.Fatalf("NewRequestBuilder() error = %v", err)
	}
	req, err := builder.Build(context.Background(), nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got := req.Header.Get("Content-Type"); got != "application/x-ndjson" {
		t.Fatalf("Content-Type = %q", got)
	}
}

func TestRequestBuilderRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.HTTPConfig
	}{
		{"missing endpoint", config.HTTPConfig{Endpoint: "  "}},
		{"empty header key", config.HTTPConfig{Endpoint: "http://c", Headers: map[string]string{"": "v"}}},
		{"newline in key", config.HTTPConfig{Endpoint: "http://c", Headers: map[string]string{"Bad\nKey": "v"}}},
		{"newline in value", config.HTTPConfig{Endpoint: "http://c", Headers: map[string]string{"X-Test": "a\r\nb"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRequestBuilder(tt.cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestBuildHonoursContext(t *testing.T) {
	builder, err := NewRequestBuilder(config.HTTPConfig{Endpoint: "http://collector"})
	if err != nil {
		t.Fatalf("NewRequestBuilder() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, err := builder.Build(ctx, []byte("{}"))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !errors.Is(req.Context().Err(), context.Canceled) {
		t.Fatalf("request should carry the caller's context")
	}
	if !strings.HasPrefix(builder.Target(), "http://") {
		t.Fatalf("Target() = %q", builder.Target())
	}
}

func TestClientTimeoutApplied(t *testing.T) {
	timeout := 50 * time.Millisecond
	client := NewClient(timeout)
	defer client.CloseIdleConnections()

	if client.Timeout != timeout {
		t.Fatalf("expected client timeout %s, got %s", timeout, client.Timeout)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(timeout * 3)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if resp != nil {
		resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected timeout error, got nil")
	}

	elapsed := time.Since(start)
	if elapsed < timeout {
		t.Fatalf("request returned too quickly: %s < %s", elapsed, timeout)
	}
	if elapsed > timeout*5 {
		t.Fatalf("request took too long: %s", elapsed)
	}

	if !errors.Is(err, context.DeadlineExceeded) {
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			t.Fatalf("expected timeout error, got %v", err)
		}
	}

	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport, got %T", client.Transport)
	}
	if transport.MaxIdleConns == 0 {
		t.Fatalf("expected transport to allow idle connections")
	}
	if transport.IdleConnTimeout == 0 {
		t.Fatalf("expected transport to set idle connection timeout")
	}
}
