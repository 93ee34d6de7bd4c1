package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/basekick-labs/pointmap/internal/metrics"
	"github.com/basekick-labs/pointmap/pkg/models"
)

// LineProtocolSink writes batches as line protocol to a writer. It cannot be queried.
type LineProtocolSink struct {
	mu        sync.Mutex
	w         io.Writer
	gz        *gzip.Writer
	precision models.Precision
	buf       []byte
	metrics   *metrics.Metrics
	closed    bool
}

// NewLineProtocolSink creates a sink. precision is used for batches that do not set one;
// unset means nanoseconds. With compress the output is a gzip stream, finished by Close.
func NewLineProtocolSink(w io.Writer, precision models.Precision, compress bool, opts ...Option) *LineProtocolSink {
	o := buildOptions("line-protocol", opts)
	if precision == models.PrecisionUnset {
		precision = models.Nanosecond
	}
	s := &LineProtocolSink{
		w:         w,
		precision: precision,
		metrics:   o.metrics,
	}
	if compress {
		s.gz = gzip.NewWriter(w)
		s.w = s.gz
	}
	return s
}

// Write appends one line per point. A batch with an invalid point writes nothing.
func (s *LineProtocolSink) Write(ctx context.Context, batch Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	precision := batch.Precision
	if precision == models.PrecisionUnset {
		precision = s.precision
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("line protocol sink: write after close")
	}

	buf := s.buf[:0]
	for i := range batch.Points {
		var err error
		if buf, err = AppendPoint(buf, &batch.Points[i], precision); err != nil {
			return &PointError{Index: i, Measurement: batch.Points[i].Measurement, Err: err}
		}
	}
	s.buf = buf

	if _, err := s.w.Write(buf); err != nil {
		s.metrics.IncTransportErrors()
		return fmt.Errorf("line protocol sink: %w", err)
	}
	s.metrics.IncTransportWrites()
	s.metrics.IncTransportPoints(int64(len(batch.Points)))
	s.metrics.IncTransportBytes(int64(len(buf)))
	return nil
}

func (s *LineProtocolSink) Query(context.Context, Query) (*models.QueryResult, error) {
	return nil, ErrUnsupported
}

func (s *LineProtocolSink) QueryChunked(context.Context, Query, func(*models.QueryResult) error) error {
	return ErrUnsupported
}

// Ping always succeeds.
func (s *LineProtocolSink) Ping(context.Context) (time.Duration, string, error) {
	return 0, "line-protocol", nil
}

// Flush pushes buffered compressed output to the underlying writer.
func (s *LineProtocolSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gz != nil && !s.closed {
		return s.gz.Flush()
	}
	return nil
}

// Close finishes the gzip stream. The underlying writer is left open.
func (s *LineProtocolSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.gz != nil {
		return s.gz.Close()
	}
	return nil
}
