// Package transport moves points to a time-series store and brings query results back.
//
// Three implementations are provided: InfluxTransport speaks the InfluxDB 1.x HTTP API,
// ArcTransport speaks Arc's msgpack write and SQL query API, and LineProtocolSink writes
// line protocol to any io.Writer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raulk/clock"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/pointmap/internal/circuitbreaker"
	"github.com/basekick-labs/pointmap/internal/metrics"
	"github.com/basekick-labs/pointmap/pkg/models"
)

// ErrUnsupported is returned by transports that cannot serve an operation.
var ErrUnsupported = errors.New("transport: operation not supported")

// Batch is a group of points written in one request.
type Batch struct {
	Database        string
	RetentionPolicy string
	// Precision is the write unit. Points are rescaled to it; unset means nanoseconds.
	Precision models.Precision
	Points    []models.Point
}

// Query is a statement to run against the store.
type Query struct {
	Command         string
	Database        string
	RetentionPolicy string
	// Precision asks for numeric epoch times in this unit. Unset returns RFC3339 text.
	Precision models.Precision
	// ChunkSize is the number of rows per chunk for QueryChunked (0 lets the server decide).
	ChunkSize int
	// Series names the result series for stores that do not report one (Arc SQL).
	Series string
}

// Writer writes batches of points.
type Writer interface {
	Write(ctx context.Context, batch Batch) error
}

// Querier runs queries. QueryChunked calls fn once per delivered chunk, in order, and
// stops at the first error fn returns.
type Querier interface {
	Query(ctx context.Context, q Query) (*models.QueryResult, error)
	QueryChunked(ctx context.Context, q Query, fn func(*models.QueryResult) error) error
}

// Transport is the full store boundary.
type Transport interface {
	Writer
	Querier
	// Ping returns the round trip time and the server version.
	Ping(ctx context.Context) (time.Duration, string, error)
	Close() error
}

// StatusError is a non-success HTTP status from the store.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("transport: server returned status %d", e.Code)
	}
	return fmt.Sprintf("transport: server returned status %d: %s", e.Code, e.Body)
}

// IsPermanent reports whether err will fail again on retry: a 4xx status, an unsupported
// operation, or a malformed point.
func IsPermanent(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 400 && se.Code < 500
	}
	var pe *PointError
	return errors.Is(err, ErrUnsupported) || errors.As(err, &pe)
}

// PointError is a point the transport refused before sending anything.
type PointError struct {
	Index       int
	Measurement string
	Err         error
}

func (e *PointError) Error() string {
	return fmt.Sprintf("transport: point %d (%s): %v", e.Index, e.Measurement, e.Err)
}

func (e *PointError) Unwrap() error { return e.Err }

// IsBreakerFailure reports whether err should count against a transport's circuit
// breaker. Cancellations and permanent errors say nothing about the store's health.
func IsBreakerFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !IsPermanent(err)
}

type options struct {
	logger  zerolog.Logger
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	clock   clock.Clock
}

// Option configures a transport.
type Option func(*options)

// WithLogger sets the transport logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(o *options) { o.breaker = cb }
}

// WithMetrics sets the metrics sink (default: the process-wide instance).
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock sets the clock used for latency measurement and line timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(name string, opts []Option) options {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.Get()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.breaker == nil {
		cfg := circuitbreaker.DefaultConfig(name)
		cfg.IsFailure = IsBreakerFailure
		cfg.Clock = o.clock
		o.breaker = circuitbreaker.New(cfg, o.logger)
	}
	return o
}

// validatePoints rejects points the store would refuse.
func validatePoints(points []models.Point) error {
	for i := range points {
		p := &points[i]
		switch {
		case p.Measurement == "":
			return &PointError{Index: i, Measurement: p.Measurement, Err: errors.New("empty measurement")}
		case len(p.Fields) == 0:
			return &PointError{Index: i, Measurement: p.Measurement, Err: errors.New("point has no fields")}
		}
	}
	return nil
}

var (
	_ Transport = (*InfluxTransport)(nil)
	_ Transport = (*ArcTransport)(nil)
	_ Transport = (*LineProtocolSink)(nil)
)
