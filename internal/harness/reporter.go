package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ReporterConfig configures the worker side of the report socket.
type ReporterConfig struct {
	URL              string // ws://master:8089/report
	ClientID         string
	Interval         time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ConnectTimeout   time.Duration // total time spent retrying a dial
	MaxBuffered      int           // samples kept while the master is unreachable
	MaxFrameSamples  int           // samples per report frame
	MaxFrameBytes    int           // encoded frame ceiling, at most MaxFrameSize
}

func (c *ReporterConfig) normalize() {
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 100_000
	}
	if c.MaxFrameSamples <= 0 {
		c.MaxFrameSamples = 5_000
	}
	if c.MaxFrameBytes <= 0 || c.MaxFrameBytes > MaxFrameSize {
		c.MaxFrameBytes = MaxFrameSize
	}
}

// ReporterStats counts what a Reporter forwarded.
type ReporterStats struct {
	ReportsSent    int64 `json:"reports_sent"`
	SamplesSent    int64 `json:"samples_sent"`
	SamplesDropped int64 `json:"samples_dropped"`
	Errors         int64 `json:"errors"`
}

type frame struct {
	Type     string      `json:"type"`
	ClientID string      `json:"client_id"`
	Data     *ReportData `json:"data,omitempty"`
}

// Reporter buffers samples on a worker and pushes them to the master as report frames.
// It never aggregates.
//
// writeMu serializes dialing and writing; mu guards only the buffer and counters, so Add
// never waits on the network.
type Reporter struct {
	cfg    ReporterConfig
	dialer *websocket.Dialer
	log    zerolog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	pending []WireSample
	stats   ReporterStats
}

func NewReporter(cfg ReporterConfig, log zerolog.Logger) *Reporter {
	cfg.normalize()
	return &Reporter{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		log: log.With().Str("component", "reporter").Str("client_id", cfg.ClientID).Logger(),
	}
}

// Connect dials the master, retrying with exponential backoff for up to ConnectTimeout.
func (r *Reporter) Connect(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.connectLocked(ctx)
}

func (r *Reporter) connectLocked(ctx context.Context) error {
	if r.conn != nil {
		return nil
	}
	target, err := r.dialURL()
	if err != nil {
		return err
	}

	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		conn, resp, err := r.dialer.DialContext(ctx, target, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, backoff.Permanent(fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err))
			}
			return nil, fmt.Errorf("websocket dial failed: %w", err)
		}
		return conn, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(r.cfg.ConnectTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.log.Debug().Err(err).Dur("retry_in", next).Msg("master unreachable")
		}),
	)
	if err != nil {
		r.countError()
		return err
	}
	r.conn = conn
	r.log.Info().Str("master", target).Msg("connected to master")
	return nil
}

func (r *Reporter) dialURL() (string, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("master url: %w", err)
	}
	if r.cfg.ClientID != "" {
		q := u.Query()
		q.Set("client_id", r.cfg.ClientID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Add buffers samples for the next report. When the buffer is full the oldest samples
// are dropped.
func (r *Reporter) Add(samples ...WireSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, samples...)
	r.trimLocked()
}

// Buffered returns the number of samples waiting for the next flush.
func (r *Reporter) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reporter) trimLocked() {
	if over := len(r.pending) - r.cfg.MaxBuffered; over > 0 {
		r.pending = append(r.pending[:0:0], r.pending[over:]...)
		r.stats.SamplesDropped += int64(over)
	}
}

// Flush sends buffered samples as report frames no larger than MaxFrameBytes. On
// failure the unsent samples go back to the front of the buffer and the connection is
// reset so the next flush redials.
func (r *Reporter) Flush(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.Buffered() == 0 {
		return nil
	}
	if err := r.connectLocked(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	samples := r.pending
	r.pending = nil
	r.mu.Unlock()

	for len(samples) > 0 {
		n := min(len(samples), r.cfg.MaxFrameSamples)
		done, err := r.writeReport(samples[:n])
		if err != nil {
			r.requeue(samples[done:])
			return err
		}
		samples = samples[n:]
	}
	return nil
}

// writeReport sends samples in as few frames as fit under MaxFrameBytes. It returns how
// many leading samples were settled, either sent or dropped because a single sample
// cannot be framed.
func (r *Reporter) writeReport(samples []WireSample) (int, error) {
	data, err := json.Marshal(frame{Type: FrameReport, ClientID: r.cfg.ClientID, Data: &ReportData{Samples: samples}})
	if err != nil || len(data) > r.cfg.MaxFrameBytes {
		if len(samples) == 1 {
			r.log.Warn().
				Err(err).
				Str("name", samples[0].Name).
				Int("bytes", len(data)).
				Msg("sample cannot be framed, dropping")
			r.mu.Lock()
			r.stats.SamplesDropped++
			r.mu.Unlock()
			return 1, nil
		}
		half := len(samples) / 2
		done, err := r.writeReport(samples[:half])
		if err != nil {
			return done, err
		}
		more, err := r.writeReport(samples[half:])
		return half + more, err
	}

	if err := r.writeLocked(data); err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.stats.ReportsSent++
	r.stats.SamplesSent += int64(len(samples))
	r.mu.Unlock()
	return len(samples), nil
}

func (r *Reporter) requeue(samples []WireSample) {
	if len(samples) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	merged := make([]WireSample, 0, len(samples)+len(r.pending))
	merged = append(merged, samples...)
	r.pending = append(merged, r.pending...)
	r.trimLocked()
}

// SendStop asks the master to stop the test.
func (r *Reporter) SendStop(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.connectLocked(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(frame{Type: FrameStop, ClientID: r.cfg.ClientID})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return r.writeLocked(data)
}

func (r *Reporter) writeLocked(data []byte) error {
	_ = r.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		r.countError()
		_ = r.conn.Close()
		r.conn = nil
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (r *Reporter) countError() {
	r.mu.Lock()
	r.stats.Errors++
	r.mu.Unlock()
}

// Run flushes every Interval until ctx is done, then makes a final flush bounded by
// the write timeout.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
			defer cancel()
			if err := r.Flush(flushCtx); err != nil {
				r.log.Warn().Err(err).Msg("final flush failed")
				return err
			}
			return nil
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					continue
				}
				r.log.Warn().Err(err).Msg("report flush failed, keeping samples buffered")
			}
		}
	}
}

// Close sends a close frame and disconnects.
func (r *Reporter) Close() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.conn == nil {
		return nil
	}

	err := r.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(5*time.Second),
	)

	closeErr := r.conn.Close()
	r.conn = nil

	if err != nil {
		return err
	}

	return closeErr
}

func (r *Reporter) Stats() ReporterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
