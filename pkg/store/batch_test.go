package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/pointmap/internal/metrics"
	"github.com/basekick-labs/pointmap/pkg/models"
	"github.com/basekick-labs/pointmap/pkg/transport"
)

func pointCount(batches []transport.Batch) int {
	n := 0
	for _, b := range batches {
		n += len(b.Points)
	}
	return n
}

func TestBatchWriterFlushesOnSize(t *testing.T) {
	s, ft, mock := newTestStore(Config{Database: "db"})
	w := NewBatchWriter(s, BatchConfig{MaxBatchSize: 2, MaxBatchAge: time.Hour, Clock: mock, Metrics: metrics.New()}, zerolog.Nop())
	defer w.Close()

	ctx := context.Background()
	require.NoError(t, w.Write(ctx, cpu{Host: "a", Idle: 1}))
	assert.Empty(t, ft.written())

	require.NoError(t, w.Write(ctx, cpu{Host: "b", Idle: 2}))
	require.Eventually(t, func() bool { return len(ft.written()) == 1 }, 2*time.Second, 5*time.Millisecond)

	b := ft.written()[0]
	assert.Equal(t, "db", b.Database)
	require.Len(t, b.Points, 2)
	assert.Equal(t, "a", b.Points[0].TagMap()["host"])
	assert.Equal(t, "b", b.Points[1].TagMap()["host"])
}

func TestBatchWriterFlushesOnAge(t *testing.T) {
	s, ft, mock := newTestStore(Config{Database: "db"})
	w := NewBatchWriter(s, BatchConfig{MaxBatchSize: 100, MaxBatchAge: time.Second, Clock: mock, Metrics: metrics.New()}, zerolog.Nop())
	defer w.Close()

	require.NoError(t, w.Write(context.Background(), cpu{Host: "a", Idle: 1}))
	assert.Equal(t, 1, w.Stats().ActiveBuffers)

	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return len(ft.written()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return w.Stats().PointsWritten == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, w.Stats().ActiveBuffers)
}

func TestBatchWriterFlushAll(t *testing.T) {
	s, ft, mock := newTestStore(Config{Database: "db"})
	w := NewBatchWriter(s, BatchConfig{MaxBatchSize: 100, MaxBatchAge: time.Hour, Shards: 4, Clock: mock, Metrics: metrics.New()}, zerolog.Nop())
	defer w.Close()

	ctx := context.Background()
	host := "a"
	require.NoError(t, w.Write(ctx, cpu{Host: "a", Idle: 1}, cpu{Host: "b", Idle: 2}))
	require.NoError(t, w.Write(ctx, memory{Host: &host, Used: 10}))

	stats := w.Stats()
	assert.Equal(t, int64(3), stats.Buffered)
	assert.Equal(t, 2, stats.ActiveBuffers)

	require.NoError(t, w.FlushAll(ctx))
	batches := ft.written()
	require.Len(t, batches, 2)

	measurements := map[string]int{}
	for _, b := range batches {
		measurements[b.Points[0].Measurement] = len(b.Points)
	}
	assert.Equal(t, map[string]int{"cpu": 2, "memory": 1}, measurements)

	stats = w.Stats()
	assert.Zero(t, stats.Buffered)
	assert.Equal(t, int64(3), stats.PointsWritten)
	assert.Equal(t, int64(2), stats.Flushes)
}

func TestBatchWriterEncodeErrorBuffersNothing(t *testing.T) {
	s, _, mock := newTestStore(Config{Database: "db"})
	w := NewBatchWriter(s, BatchConfig{Clock: mock, Metrics: metrics.New()}, zerolog.Nop())
	defer w.Close()

	err := w.Write(context.Background(), cpu{Host: "a"}, memory{Used: 1})
	require.Error(t, err)
	assert.Zero(t, w.Stats().Buffered)
}

func TestBatchWriterReportsFlushErrors(t *testing.T) {
	s, ft, mock := newTestStore(Config{Database: "db"})
	ft.writeErr = errors.New("store down")

	var (
		mu     sync.Mutex
		failed []string
		lost   int
	)
	w := NewBatchWriter(s, BatchConfig{
		MaxBatchAge: time.Hour,
		Clock:       mock,
		Metrics:     metrics.New(),
		OnError: func(measurement string, points []models.Point, err error) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, measurement)
			lost += len(points)
		},
	}, zerolog.Nop())
	defer w.Close()

	require.NoError(t, w.Write(context.Background(), cpu{Host: "a", Idle: 1}, cpu{Host: "b", Idle: 2}))
	err := w.FlushAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")

	mu.Lock()
	assert.Equal(t, []string{"cpu"}, failed)
	assert.Equal(t, 2, lost)
	mu.Unlock()
	assert.Equal(t, int64(1), w.Stats().Errors)
}

func TestBatchWriterClose(t *testing.T) {
	s, ft, mock := newTestStore(Config{Database: "db"})
	w := NewBatchWriter(s, BatchConfig{MaxBatchAge: time.Hour, Clock: mock, Metrics: metrics.New()}, zerolog.Nop())

	require.NoError(t, w.Write(context.Background(), cpu{Host: "a", Idle: 1}))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.Equal(t, 1, pointCount(ft.written()))
	assert.ErrorIs(t, w.Write(context.Background(), cpu{Host: "a", Idle: 1}), ErrWriterClosed)
}

func TestBatchWriterCloseWaitsForInFlightFlush(t *testing.T) {
	s, ft, mock := newTestStore(Config{Database: "db"})
	ft.writeDelay = 200 * time.Millisecond

	var lost atomic.Int64
	w := NewBatchWriter(s, BatchConfig{
		MaxBatchSize: 2,
		MaxBatchAge:  time.Hour,
		Clock:        mock,
		Metrics:      metrics.New(),
		OnError: func(_ string, points []models.Point, _ error) {
			lost.Add(int64(len(points)))
		},
	}, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, w.Write(ctx, cpu{Host: "a", Idle: 1}))
	require.NoError(t, w.Write(ctx, cpu{Host: "b", Idle: 2}))

	require.NoError(t, w.Close())
	assert.Equal(t, 2, pointCount(ft.written()))
	assert.Zero(t, lost.Load())

	stats := w.Stats()
	assert.Equal(t, int64(2), stats.PointsWritten)
	assert.Zero(t, stats.Errors)
}

func TestBatchWriterCloseReturnsBackgroundFailure(t *testing.T) {
	s, ft, mock := newTestStore(Config{Database: "db"})
	ft.writeErr = errors.New("store down")

	w := NewBatchWriter(s, BatchConfig{MaxBatchSize: 2, MaxBatchAge: time.Hour, Clock: mock, Metrics: metrics.New()}, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, w.Write(ctx, cpu{Host: "a", Idle: 1}, cpu{Host: "b", Idle: 2}))

	err := w.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")
	assert.Equal(t, int64(1), w.Stats().Errors)
}
