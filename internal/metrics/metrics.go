package metrics

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds all pointmap counters for Prometheus export
type Metrics struct {
	startTime time.Time

	// Encoder
	pointsEncodedTotal atomic.Int64
	encodeErrorsTotal  atomic.Int64
	nullTagErrorsTotal atomic.Int64

	// Flattener / decoder
	rowsFlattenedTotal   atomic.Int64
	recordsDecodedTotal  atomic.Int64
	rowsSkippedTotal     atomic.Int64
	decodeErrorsTotal    atomic.Int64
	queryResultErrors    atomic.Int64
	timeParseErrorsTotal atomic.Int64

	// Schema cache
	schemaResolutionsTotal atomic.Int64
	schemaErrorsTotal      atomic.Int64
	schemaCacheHits        atomic.Int64

	// Transport
	transportWritesTotal atomic.Int64
	transportPointsTotal atomic.Int64
	transportBytesTotal  atomic.Int64
	transportErrorsTotal atomic.Int64

	// Queries
	queryRequestsTotal atomic.Int64
	queryErrorsTotal   atomic.Int64
	queryChunksTotal   atomic.Int64

	// Query latency histogram buckets (microseconds)
	// Buckets: 1ms, 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, +Inf
	queryLatencyBuckets [10]atomic.Int64
	queryLatencySum     atomic.Int64
	queryLatencyCount   atomic.Int64

	// Batch writer
	batchPointsBuffered atomic.Int64
	batchFlushesTotal   atomic.Int64
	batchFlushErrors    atomic.Int64
	batchPointsWritten  atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// New creates an independent metrics set. Most callers want Get.
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),
		logger:    zerolog.Nop(),
	}
}

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Info().Msg("Metrics collector initialized")
	return m
}

// Encoder metrics
func (m *Metrics) IncPointsEncoded(count int64) { m.pointsEncodedTotal.Add(count) }
func (m *Metrics) IncEncodeErrors()             { m.encodeErrorsTotal.Add(1) }
func (m *Metrics) IncNullTagErrors()            { m.nullTagErrorsTotal.Add(1) }

// Decoder metrics
func (m *Metrics) IncRowsFlattened(count int64)  { m.rowsFlattenedTotal.Add(count) }
func (m *Metrics) IncRecordsDecoded(count int64) { m.recordsDecodedTotal.Add(count) }
func (m *Metrics) IncRowsSkipped()               { m.rowsSkippedTotal.Add(1) }
func (m *Metrics) IncDecodeErrors()              { m.decodeErrorsTotal.Add(1) }
func (m *Metrics) IncQueryResultErrors()         { m.queryResultErrors.Add(1) }
func (m *Metrics) IncTimeParseErrors()           { m.timeParseErrorsTotal.Add(1) }

// Schema metrics
func (m *Metrics) IncSchemaResolutions() { m.schemaResolutionsTotal.Add(1) }
func (m *Metrics) IncSchemaErrors()      { m.schemaErrorsTotal.Add(1) }
func (m *Metrics) IncSchemaCacheHits()   { m.schemaCacheHits.Add(1) }

// Transport metrics
func (m *Metrics) IncTransportWrites()            { m.transportWritesTotal.Add(1) }
func (m *Metrics) IncTransportPoints(count int64) { m.transportPointsTotal.Add(count) }
func (m *Metrics) IncTransportBytes(bytes int64)  { m.transportBytesTotal.Add(bytes) }
func (m *Metrics) IncTransportErrors()            { m.transportErrorsTotal.Add(1) }
func (m *Metrics) IncQueryRequests()              { m.queryRequestsTotal.Add(1) }
func (m *Metrics) IncQueryErrors()                { m.queryErrorsTotal.Add(1) }
func (m *Metrics) IncQueryChunks()                { m.queryChunksTotal.Add(1) }

// RecordQueryLatency records query latency in microseconds
func (m *Metrics) RecordQueryLatency(durationMicros int64) {
	m.queryLatencySum.Add(durationMicros)
	m.queryLatencyCount.Add(1)
	m.queryLatencyBuckets[latencyBucket(durationMicros)].Add(1)
}

var latencyBounds = [9]int64{1000, 5000, 10000, 25000, 50000, 100000, 250000, 500000, 1000000}

func latencyBucket(micros int64) int {
	for i, bound := range latencyBounds {
		if micros <= bound {
			return i
		}
	}
	return len(latencyBounds)
}

// Batch writer metrics
func (m *Metrics) SetBatchPointsBuffered(count int64) { m.batchPointsBuffered.Store(count) }
func (m *Metrics) IncBatchFlushes()                   { m.batchFlushesTotal.Add(1) }
func (m *Metrics) IncBatchFlushErrors()               { m.batchFlushErrors.Add(1) }
func (m *Metrics) IncBatchPointsWritten(count int64)  { m.batchPointsWritten.Add(count) }

// Snapshot returns all metrics as a map (for JSON endpoint)
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		// Process info
		"uptime_seconds": time.Since(m.startTime).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"go_version":     runtime.Version(),

		"memory_alloc_bytes":      memStats.Alloc,
		"memory_heap_alloc_bytes": memStats.HeapAlloc,
		"gc_cycles":               memStats.NumGC,

		// Encoder
		"points_encoded_total":  m.pointsEncodedTotal.Load(),
		"encode_errors_total":   m.encodeErrorsTotal.Load(),
		"null_tag_errors_total": m.nullTagErrorsTotal.Load(),

		// Decoder
		"rows_flattened_total":      m.rowsFlattenedTotal.Load(),
		"records_decoded_total":     m.recordsDecodedTotal.Load(),
		"rows_skipped_total":        m.rowsSkippedTotal.Load(),
		"decode_errors_total":       m.decodeErrorsTotal.Load(),
		"query_result_errors_total": m.queryResultErrors.Load(),
		"time_parse_errors_total":   m.timeParseErrorsTotal.Load(),

		// Schema
		"schema_resolutions_total": m.schemaResolutionsTotal.Load(),
		"schema_errors_total":      m.schemaErrorsTotal.Load(),
		"schema_cache_hits_total":  m.schemaCacheHits.Load(),

		// Transport
		"transport_writes_total": m.transportWritesTotal.Load(),
		"transport_points_total": m.transportPointsTotal.Load(),
		"transport_bytes_total":  m.transportBytesTotal.Load(),
		"transport_errors_total": m.transportErrorsTotal.Load(),
		"query_requests_total":   m.queryRequestsTotal.Load(),
		"query_errors_total":     m.queryErrorsTotal.Load(),
		"query_chunks_total":     m.queryChunksTotal.Load(),
		"query_latency_sum_us":   m.queryLatencySum.Load(),
		"query_latency_count":    m.queryLatencyCount.Load(),

		// Batch writer
		"batch_points_buffered":      m.batchPointsBuffered.Load(),
		"batch_flushes_total":        m.batchFlushesTotal.Load(),
		"batch_flush_errors_total":   m.batchFlushErrors.Load(),
		"batch_points_written_total": m.batchPointsWritten.Load(),
	}
}

type promMetric struct {
	name  string
	help  string
	typ   string
	value func(m *Metrics) float64
}

var promMetrics = []promMetric{
	{"pointmap_points_encoded_total", "Points produced by the encoder", "counter", func(m *Metrics) float64 { return float64(m.pointsEncodedTotal.Load()) }},
	{"pointmap_encode_errors_total", "Records that failed to encode", "counter", func(m *Metrics) float64 { return float64(m.encodeErrorsTotal.Load()) }},
	{"pointmap_null_tag_errors_total", "Records rejected for a null tag", "counter", func(m *Metrics) float64 { return float64(m.nullTagErrorsTotal.Load()) }},
	{"pointmap_rows_flattened_total", "Rows produced by the result flattener", "counter", func(m *Metrics) float64 { return float64(m.rowsFlattenedTotal.Load()) }},
	{"pointmap_records_decoded_total", "Records produced by the decoder", "counter", func(m *Metrics) float64 { return float64(m.recordsDecodedTotal.Load()) }},
	{"pointmap_rows_skipped_total", "Rows with no column matching the schema", "counter", func(m *Metrics) float64 { return float64(m.rowsSkippedTotal.Load()) }},
	{"pointmap_decode_errors_total", "Rows that failed to decode", "counter", func(m *Metrics) float64 { return float64(m.decodeErrorsTotal.Load()) }},
	{"pointmap_query_result_errors_total", "Server errors embedded in query results", "counter", func(m *Metrics) float64 { return float64(m.queryResultErrors.Load()) }},
	{"pointmap_time_parse_errors_total", "Time column values that could not be parsed", "counter", func(m *Metrics) float64 { return float64(m.timeParseErrorsTotal.Load()) }},
	{"pointmap_schema_resolutions_total", "Schema resolutions", "counter", func(m *Metrics) float64 { return float64(m.schemaResolutionsTotal.Load()) }},
	{"pointmap_schema_errors_total", "Failed schema resolutions", "counter", func(m *Metrics) float64 { return float64(m.schemaErrorsTotal.Load()) }},
	{"pointmap_schema_cache_hits_total", "Schema cache hits", "counter", func(m *Metrics) float64 { return float64(m.schemaCacheHits.Load()) }},
	{"pointmap_transport_writes_total", "Batches written to the transport", "counter", func(m *Metrics) float64 { return float64(m.transportWritesTotal.Load()) }},
	{"pointmap_transport_points_total", "Points written to the transport", "counter", func(m *Metrics) float64 { return float64(m.transportPointsTotal.Load()) }},
	{"pointmap_transport_bytes_total", "Payload bytes sent by the transport", "counter", func(m *Metrics) float64 { return float64(m.transportBytesTotal.Load()) }},
	{"pointmap_transport_errors_total", "Failed transport calls", "counter", func(m *Metrics) float64 { return float64(m.transportErrorsTotal.Load()) }},
	{"pointmap_query_requests_total", "Queries issued", "counter", func(m *Metrics) float64 { return float64(m.queryRequestsTotal.Load()) }},
	{"pointmap_query_errors_total", "Queries that failed in transport", "counter", func(m *Metrics) float64 { return float64(m.queryErrorsTotal.Load()) }},
	{"pointmap_query_chunks_total", "Chunks delivered by chunked queries", "counter", func(m *Metrics) float64 { return float64(m.queryChunksTotal.Load()) }},
	{"pointmap_batch_points_buffered", "Points waiting in the batch writer", "gauge", func(m *Metrics) float64 { return float64(m.batchPointsBuffered.Load()) }},
	{"pointmap_batch_flushes_total", "Batch writer flushes", "counter", func(m *Metrics) float64 { return float64(m.batchFlushesTotal.Load()) }},
	{"pointmap_batch_flush_errors_total", "Batch writer flushes that failed", "counter", func(m *Metrics) float64 { return float64(m.batchFlushErrors.Load()) }},
	{"pointmap_batch_points_written_total", "Points flushed by the batch writer", "counter", func(m *Metrics) float64 { return float64(m.batchPointsWritten.Load()) }},
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var b []byte
	b = append(b, "# HELP pointmap_uptime_seconds Time since the process started\n"...)
	b = append(b, "# TYPE pointmap_uptime_seconds gauge\n"...)
	b = appendMetric(b, "pointmap_uptime_seconds", time.Since(m.startTime).Seconds())

	b = append(b, "# HELP pointmap_goroutines Number of goroutines\n"...)
	b = append(b, "# TYPE pointmap_goroutines gauge\n"...)
	b = appendMetric(b, "pointmap_goroutines", float64(runtime.NumGoroutine()))

	for _, pm := range promMetrics {
		b = append(b, "# HELP "...)
		b = append(b, pm.name...)
		b = append(b, ' ')
		b = append(b, pm.help...)
		b = append(b, "\n# TYPE "...)
		b = append(b, pm.name...)
		b = append(b, ' ')
		b = append(b, pm.typ...)
		b = append(b, '\n')
		b = appendMetric(b, pm.name, pm.value(m))
	}

	// Query latency histogram
	b = append(b, "# HELP pointmap_query_latency_seconds Query latency\n"...)
	b = append(b, "# TYPE pointmap_query_latency_seconds histogram\n"...)
	bucketLabels := []string{"0.001", "0.005", "0.01", "0.025", "0.05", "0.1", "0.25", "0.5", "1", "+Inf"}
	var cumulative int64
	for i, label := range bucketLabels {
		cumulative += m.queryLatencyBuckets[i].Load()
		b = appendMetricWithLabel(b, "pointmap_query_latency_seconds_bucket", "le", label, float64(cumulative))
	}
	b = appendMetric(b, "pointmap_query_latency_seconds_sum", float64(m.queryLatencySum.Load())/1e6)
	b = appendMetric(b, "pointmap_query_latency_seconds_count", float64(m.queryLatencyCount.Load()))

	return string(b)
}

// Helper functions for Prometheus format
func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=', '"')
	b = append(b, labelValue...)
	b = append(b, '"', '}', ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendFloat(b []byte, v float64) []byte {
	if v == float64(int64(v)) {
		return appendInt(b, int64(v))
	}
	// up to 6 decimal places
	intPart := int64(v)
	fracPart := int64((v - float64(intPart)) * 1000000)
	if fracPart < 0 {
		fracPart = -fracPart
	}
	if v < 0 && intPart == 0 {
		b = append(b, '-')
	}
	b = appendInt(b, intPart)
	b = append(b, '.')
	for pad := int64(100000); pad > 1 && fracPart < pad; pad /= 10 {
		b = append(b, '0')
	}
	return appendInt(b, fracPart)
}

func appendInt(b []byte, v int64) []byte {
	if v < 0 {
		b = append(b, '-')
		v = -v
	}
	if v == 0 {
		return append(b, '0')
	}
	var digits [20]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return append(b, digits[i:]...)
}
