package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/pointmap/internal/circuitbreaker"
	"github.com/basekick-labs/pointmap/internal/metrics"
	"github.com/basekick-labs/pointmap/pkg/models"
)

// InfluxConfig configures an InfluxDB 1.x HTTP transport.
type InfluxConfig struct {
	URL       string
	Username  string
	Password  string
	UserAgent string
	Timeout   time.Duration
	// Gzip compresses write bodies.
	Gzip bool
}

// InfluxTransport writes and queries InfluxDB 1.x over HTTP.
type InfluxTransport struct {
	client  client.Client
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	opts    options
	logger  zerolog.Logger
}

// NewInflux creates an InfluxDB transport. No request is made until the first call.
func NewInflux(cfg InfluxConfig, opts ...Option) (*InfluxTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("influx: url is required")
	}
	httpCfg := client.HTTPConfig{
		Addr:      cfg.URL,
		Username:  cfg.Username,
		Password:  cfg.Password,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.Timeout,
	}
	if cfg.Gzip {
		httpCfg.WriteEncoding = client.GzipEncoding
	}
	c, err := client.NewHTTPClient(httpCfg)
	if err != nil {
		return nil, fmt.Errorf("influx: %w", err)
	}

	o := buildOptions("influx", opts)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &InfluxTransport{
		client:  c,
		timeout: timeout,
		breaker: o.breaker,
		metrics: o.metrics,
		opts:    o,
		logger:  o.logger.With().Str("component", "influx-transport").Str("url", cfg.URL).Logger(),
	}, nil
}

// Write sends the batch in one request.
func (t *InfluxTransport) Write(ctx context.Context, batch Batch) error {
	if len(batch.Points) == 0 {
		return nil
	}
	if err := validatePoints(batch.Points); err != nil {
		return err
	}

	precision := batch.Precision
	if precision == models.PrecisionUnset {
		precision = models.Nanosecond
	}
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Precision:       precision.String(),
		Database:        batch.Database,
		RetentionPolicy: batch.RetentionPolicy,
	})
	if err != nil {
		return fmt.Errorf("influx: %w", err)
	}
	for i := range batch.Points {
		p := &batch.Points[i]
		cp, err := client.NewPoint(p.Measurement, p.TagMap(), p.FieldMap(), p.Time())
		if err != nil {
			return &PointError{Index: i, Measurement: p.Measurement, Err: err}
		}
		bp.AddPoint(cp)
	}

	err = t.breaker.ExecuteContext(ctx, func(context.Context) error {
		return t.client.Write(bp)
	})
	if err != nil {
		t.metrics.IncTransportErrors()
		t.logger.Error().Err(err).Str("database", batch.Database).Int("points", len(batch.Points)).Msg("Write failed")
		return fmt.Errorf("influx write: %w", err)
	}

	t.metrics.IncTransportWrites()
	t.metrics.IncTransportPoints(int64(len(batch.Points)))
	t.logger.Debug().Str("database", batch.Database).Int("points", len(batch.Points)).Msg("Batch written")
	return nil
}

func (t *InfluxTransport) clientQuery(q Query) client.Query {
	cq := client.Query{
		Command:         q.Command,
		Database:        q.Database,
		RetentionPolicy: q.RetentionPolicy,
	}
	if q.Precision != models.PrecisionUnset {
		cq.Precision = q.Precision.String()
	}
	return cq
}

// Query runs a statement. Server-reported errors are returned inside the result.
func (t *InfluxTransport) Query(ctx context.Context, q Query) (*models.QueryResult, error) {
	t.metrics.IncQueryRequests()
	start := t.opts.clock.Now()

	var resp *client.Response
	err := t.breaker.ExecuteContext(ctx, func(context.Context) error {
		r, err := t.client.Query(t.clientQuery(q))
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	t.metrics.RecordQueryLatency(t.opts.clock.Now().Sub(start).Microseconds())
	if err != nil {
		t.metrics.IncQueryErrors()
		t.logger.Error().Err(err).Str("query", q.Command).Msg("Query failed")
		return nil, fmt.Errorf("influx query: %w", err)
	}
	return convertResponse(resp), nil
}

// QueryChunked runs a statement in chunked mode and hands each chunk to fn.
func (t *InfluxTransport) QueryChunked(ctx context.Context, q Query, fn func(*models.QueryResult) error) error {
	t.metrics.IncQueryRequests()

	cq := t.clientQuery(q)
	cq.Chunked = true
	cq.ChunkSize = q.ChunkSize

	var chunks *client.ChunkedResponse
	err := t.breaker.ExecuteContext(ctx, func(context.Context) error {
		r, err := t.client.QueryAsChunk(cq)
		if err != nil {
			return err
		}
		chunks = r
		return nil
	})
	if err != nil {
		t.metrics.IncQueryErrors()
		return fmt.Errorf("influx query: %w", err)
	}
	defer chunks.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := chunks.NextResponse()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			t.metrics.IncQueryErrors()
			return fmt.Errorf("influx query chunk: %w", err)
		}
		t.metrics.IncQueryChunks()
		if err := fn(convertResponse(resp)); err != nil {
			return err
		}
	}
}

// Ping checks the server and returns its version.
func (t *InfluxTransport) Ping(ctx context.Context) (time.Duration, string, error) {
	var (
		rtt     time.Duration
		version string
	)
	err := t.breaker.ExecuteContext(ctx, func(context.Context) error {
		var err error
		rtt, version, err = t.client.Ping(t.timeout)
		return err
	})
	if err != nil {
		return 0, "", fmt.Errorf("influx ping: %w", err)
	}
	return rtt, version, nil
}

// Close releases idle connections.
func (t *InfluxTransport) Close() error {
	return t.client.Close()
}

// Breaker exposes the circuit breaker for health reporting.
func (t *InfluxTransport) Breaker() *circuitbreaker.CircuitBreaker { return t.breaker }

func convertResponse(r *client.Response) *models.QueryResult {
	if r == nil {
		return &models.QueryResult{}
	}
	out := &models.QueryResult{
		Err:     r.Err,
		Results: make([]models.Result, len(r.Results)),
	}
	for i, res := range r.Results {
		mr := models.Result{StatementID: res.StatementId, Err: res.Err}
		if len(res.Series) > 0 {
			mr.Series = make([]models.Series, len(res.Series))
		}
		for j, row := range res.Series {
			values := make([][]interface{}, len(row.Values))
			for k, vals := range row.Values {
				values[k] = normalizeRow(vals)
			}
			mr.Series[j] = models.Series{
				Name:    row.Name,
				Tags:    row.Tags,
				Columns: row.Columns,
				Values:  values,
			}
		}
		out.Results[i] = mr
	}
	return out
}

// normalizeRow turns json.Number into float64 so rows only hold nil, float64, string or bool.
func normalizeRow(vals []interface{}) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch n := v.(type) {
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		if i, err := n.Int64(); err == nil {
			return float64(i)
		}
		return n.String()
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}
