package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/basekick-labs/pointmap/internal/circuitbreaker"
	"github.com/basekick-labs/pointmap/internal/metrics"
	"github.com/basekick-labs/pointmap/pkg/models"
)

const (
	arcWritePath  = "/api/v1/write/msgpack"
	arcQueryPath  = "/api/v1/query"
	arcHealthPath = "/health"

	// error bodies are truncated to this many bytes
	maxErrorBody = 4096
)

// ArcConfig configures an Arc transport.
type ArcConfig struct {
	URL      string
	Token    string
	Database string
	Timeout  time.Duration
	Gzip     bool
	// HTTPClient overrides the default client built from Timeout.
	HTTPClient *http.Client
}

// ArcTransport writes msgpack batches to Arc and runs SQL queries against it.
type ArcTransport struct {
	cfg     ArcConfig
	base    string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	opts    options
	logger  zerolog.Logger
}

// arcRecord is one row of Arc's msgpack batch format.
type arcRecord struct {
	M      string                 `msgpack:"m"`
	T      int64                  `msgpack:"t"`
	Tags   map[string]string      `msgpack:"tags,omitempty"`
	Fields map[string]interface{} `msgpack:"fields"`
}

type arcBatch struct {
	Batch []arcRecord `msgpack:"batch"`
}

type arcQueryRequest struct {
	SQL string `json:"sql"`
}

type arcQueryResponse struct {
	Success  bool            `json:"success"`
	Columns  []string        `json:"columns"`
	Data     [][]interface{} `json:"data"`
	RowCount int             `json:"row_count"`
	Error    string          `json:"error,omitempty"`
}

type arcHealth struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// NewArc creates an Arc transport.
func NewArc(cfg ArcConfig, opts ...Option) (*ArcTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("arc: url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	o := buildOptions("arc", opts)
	return &ArcTransport{
		cfg:     cfg,
		base:    strings.TrimRight(cfg.URL, "/"),
		http:    httpClient,
		breaker: o.breaker,
		metrics: o.metrics,
		opts:    o,
		logger:  o.logger.With().Str("component", "arc-transport").Str("url", cfg.URL).Logger(),
	}, nil
}

func (t *ArcTransport) database(db string) string {
	if db != "" {
		return db
	}
	return t.cfg.Database
}

// Write sends the batch as one msgpack request. Timestamps are sent in microseconds.
func (t *ArcTransport) Write(ctx context.Context, batch Batch) error {
	if len(batch.Points) == 0 {
		return nil
	}
	if err := validatePoints(batch.Points); err != nil {
		return err
	}

	payload := arcBatch{Batch: make([]arcRecord, len(batch.Points))}
	for i := range batch.Points {
		p := &batch.Points[i]
		rec := arcRecord{
			M:      p.Measurement,
			T:      p.Precision.Convert(p.Timestamp, models.Microsecond),
			Fields: p.FieldMap(),
		}
		if len(p.Tags) > 0 {
			rec.Tags = p.TagMap()
		}
		payload.Batch[i] = rec
	}

	body, err := msgpack.Marshal(&payload)
	if err != nil {
		return fmt.Errorf("arc: encode batch: %w", err)
	}
	raw := len(body)
	if t.cfg.Gzip {
		if body, err = gzipBytes(body); err != nil {
			return fmt.Errorf("arc: compress batch: %w", err)
		}
	}

	err = t.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+arcWritePath, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/msgpack")
		if t.cfg.Gzip {
			req.Header.Set("Content-Encoding", "gzip")
		}
		if db := t.database(batch.Database); db != "" {
			req.Header.Set("x-arc-database", db)
		}
		t.authorize(req)
		return t.do(req, nil)
	})
	if err != nil {
		t.metrics.IncTransportErrors()
		t.logger.Error().Err(err).Int("points", len(batch.Points)).Msg("Write failed")
		return fmt.Errorf("arc write: %w", err)
	}

	t.metrics.IncTransportWrites()
	t.metrics.IncTransportPoints(int64(len(batch.Points)))
	t.metrics.IncTransportBytes(int64(len(body)))
	t.logger.Debug().
		Int("points", len(batch.Points)).
		Int("raw_bytes", raw).
		Int("sent_bytes", len(body)).
		Msg("Batch written")
	return nil
}

// Query runs a SQL statement. The rows come back as a single series named q.Series.
// An error reported by Arc is returned inside the result.
func (t *ArcTransport) Query(ctx context.Context, q Query) (*models.QueryResult, error) {
	t.metrics.IncQueryRequests()
	start := t.opts.clock.Now()

	body, err := json.Marshal(arcQueryRequest{SQL: q.Command})
	if err != nil {
		return nil, fmt.Errorf("arc: encode query: %w", err)
	}

	var resp arcQueryResponse
	err = t.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+arcQueryPath, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if db := t.database(q.Database); db != "" {
			req.Header.Set("x-arc-database", db)
		}
		t.authorize(req)
		return t.do(req, &resp)
	})
	t.metrics.RecordQueryLatency(t.opts.clock.Now().Sub(start).Microseconds())

	var se *StatusError
	if errors.As(err, &se) && resp.Error != "" {
		// Arc explains rejected statements in the body
		err = nil
	}
	if err != nil {
		t.metrics.IncQueryErrors()
		t.logger.Error().Err(err).Str("query", q.Command).Msg("Query failed")
		return nil, fmt.Errorf("arc query: %w", err)
	}

	if resp.Error != "" || (!resp.Success && resp.Columns == nil) {
		msg := resp.Error
		if msg == "" {
			msg = "query failed"
		}
		return &models.QueryResult{Results: []models.Result{{Err: msg}}}, nil
	}

	result := models.Result{}
	if len(resp.Data) > 0 {
		result.Series = []models.Series{{
			Name:    q.Series,
			Columns: resp.Columns,
			Values:  resp.Data,
		}}
	}
	return &models.QueryResult{Results: []models.Result{result}}, nil
}

// QueryChunked delivers the whole result as one chunk; Arc does not stream JSON results.
func (t *ArcTransport) QueryChunked(ctx context.Context, q Query, fn func(*models.QueryResult) error) error {
	res, err := t.Query(ctx, q)
	if err != nil {
		return err
	}
	t.metrics.IncQueryChunks()
	return fn(res)
}

// Ping checks /health.
func (t *ArcTransport) Ping(ctx context.Context) (time.Duration, string, error) {
	start := t.opts.clock.Now()
	var health arcHealth
	err := t.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+arcHealthPath, nil)
		if err != nil {
			return err
		}
		t.authorize(req)
		return t.do(req, &health)
	})
	if err != nil {
		return 0, "", fmt.Errorf("arc ping: %w", err)
	}
	if health.Status != "" && health.Status != "ok" {
		return 0, "", fmt.Errorf("arc ping: status %q", health.Status)
	}
	return t.opts.clock.Now().Sub(start), health.Version, nil
}

// Close releases idle connections.
func (t *ArcTransport) Close() error {
	t.http.CloseIdleConnections()
	return nil
}

// Breaker exposes the circuit breaker for health reporting.
func (t *ArcTransport) Breaker() *circuitbreaker.CircuitBreaker { return t.breaker }

func (t *ArcTransport) authorize(req *http.Request) {
	if t.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
}

// do sends req and decodes a JSON body into out when out is non-nil. Non-2xx statuses
// become a StatusError; the body is still decoded into out when possible.
func (t *ArcTransport) do(req *http.Request, out interface{}) error {
	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if out != nil && len(data) > 0 {
		if jerr := json.Unmarshal(data, out); jerr != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode response: %w", jerr)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data) / 2)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
