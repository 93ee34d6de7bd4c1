package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/raulk/clock"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/basekick-labs/pointmap/internal/metrics"
	"github.com/basekick-labs/pointmap/pkg/models"
)

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("batch writer: closed")

// BatchConfig tunes a BatchWriter.
type BatchConfig struct {
	// MaxBatchSize flushes a measurement's buffer once it holds this many points.
	MaxBatchSize int
	// MaxBatchAge flushes buffers older than this. Buffers are checked every MaxBatchAge/2.
	MaxBatchAge time.Duration
	// Shards is the number of independently locked buffer maps.
	Shards int
	// FlushConcurrency bounds concurrent flushes.
	FlushConcurrency int
	// FlushTimeout bounds a single background flush.
	FlushTimeout time.Duration
	// OnError is called for every failed background flush with the points that were lost.
	OnError func(measurement string, points []models.Point, err error)

	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// DefaultBatchConfig returns the default batching limits.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:     5000,
		MaxBatchAge:      time.Second,
		Shards:           16,
		FlushConcurrency: 4,
		FlushTimeout:     30 * time.Second,
	}
}

type pointBuffer struct {
	points  []models.Point
	started time.Time
}

// batchShard holds the buffers of the measurements hashed to it
type batchShard struct {
	mu      sync.Mutex
	buffers map[string]*pointBuffer
}

// BatchWriter buffers points per measurement and writes them through a Store in batches.
type BatchWriter struct {
	store   *Store
	cfg     BatchConfig
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger

	shards []*batchShard
	sem    *semaphore.Weighted

	ctx     context.Context
	cancel  context.CancelFunc
	ticker  *clock.Ticker
	wg      sync.WaitGroup // ticker loop
	flights sync.WaitGroup
	closed  atomic.Bool

	flightMu  sync.Mutex
	flightErr error // first background flush failure not yet returned

	buffered      atomic.Int64
	pointsWritten atomic.Int64
	flushes       atomic.Int64
	errors        atomic.Int64
}

// BatchStats is a snapshot of writer counters.
type BatchStats struct {
	Buffered      int64 `json:"buffered"`
	ActiveBuffers int   `json:"active_buffers"`
	PointsWritten int64 `json:"points_written"`
	Flushes       int64 `json:"flushes"`
	Errors        int64 `json:"errors"`
}

// NewBatchWriter starts a writer. Call Close to flush what is left.
func NewBatchWriter(s *Store, cfg BatchConfig, logger zerolog.Logger) *BatchWriter {
	def := DefaultBatchConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MaxBatchAge <= 0 {
		cfg.MaxBatchAge = def.MaxBatchAge
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.FlushConcurrency <= 0 {
		cfg.FlushConcurrency = def.FlushConcurrency
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Get()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &BatchWriter{
		store:   s,
		cfg:     cfg,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		logger:  logger.With().Str("component", "batch-writer").Logger(),
		shards:  make([]*batchShard, cfg.Shards),
		sem:     semaphore.NewWeighted(int64(cfg.FlushConcurrency)),
		ctx:     ctx,
		cancel:  cancel,
		ticker:  cfg.Clock.Ticker(cfg.MaxBatchAge / 2),
	}
	for i := range b.shards {
		b.shards[i] = &batchShard{buffers: make(map[string]*pointBuffer)}
	}

	b.wg.Add(1)
	go b.periodicFlush()

	b.logger.Info().
		Int("max_batch_size", cfg.MaxBatchSize).
		Dur("max_batch_age", cfg.MaxBatchAge).
		Int("shards", cfg.Shards).
		Int("flush_concurrency", cfg.FlushConcurrency).
		Msg("Batch writer started")
	return b
}

func (b *BatchWriter) shard(measurement string) *batchShard {
	return b.shards[xxhash.Sum64String(measurement)%uint64(len(b.shards))]
}

// Write encodes the records and buffers the points. Encoding is atomic across records.
func (b *BatchWriter) Write(ctx context.Context, records ...interface{}) error {
	points, err := b.store.mapper.EncodeAll(records...)
	if err != nil {
		return err
	}
	return b.WritePoints(ctx, points...)
}

// WritePoints buffers points. A buffer that reaches MaxBatchSize is flushed in the
// background; Write blocks while FlushConcurrency flushes are already running.
func (b *BatchWriter) WritePoints(ctx context.Context, points ...models.Point) error {
	if b.closed.Load() {
		return ErrWriterClosed
	}
	groups := lo.GroupBy(points, func(p models.Point) string { return p.Measurement })
	now := b.clock.Now()

	for measurement, group := range groups {
		sh := b.shard(measurement)
		sh.mu.Lock()
		buf, ok := sh.buffers[measurement]
		if !ok {
			buf = &pointBuffer{started: now}
			sh.buffers[measurement] = buf
		}
		buf.points = append(buf.points, group...)
		var full []models.Point
		if len(buf.points) >= b.cfg.MaxBatchSize {
			full = buf.points
			delete(sh.buffers, measurement)
		}
		sh.mu.Unlock()

		b.metrics.SetBatchPointsBuffered(b.buffered.Add(int64(len(group))))
		if full != nil {
			if err := b.dispatch(ctx, measurement, full); err != nil {
				return err
			}
		}
	}
	return nil
}

// dispatch flushes points in the background once a flush slot is free.
func (b *BatchWriter) dispatch(ctx context.Context, measurement string, points []models.Point) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		// the points were detached, put them back so FlushAll or Close can still write them
		b.requeue(measurement, points)
		return err
	}
	b.flights.Add(1)
	go func() {
		defer b.flights.Done()
		defer b.sem.Release(1)

		// detached from b.ctx so Close does not abort flushes already in flight
		flushCtx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
		defer cancel()
		if err := b.flush(flushCtx, measurement, points); err != nil {
			b.report(measurement, points, err)
			b.flightMu.Lock()
			if b.flightErr == nil {
				b.flightErr = err
			}
			b.flightMu.Unlock()
		}
	}()
	return nil
}

func (b *BatchWriter) requeue(measurement string, points []models.Point) {
	sh := b.shard(measurement)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if buf, ok := sh.buffers[measurement]; ok {
		buf.points = append(points, buf.points...)
		return
	}
	sh.buffers[measurement] = &pointBuffer{points: points, started: b.clock.Now()}
}

func (b *BatchWriter) flush(ctx context.Context, measurement string, points []models.Point) error {
	start := b.clock.Now()
	b.metrics.SetBatchPointsBuffered(b.buffered.Add(-int64(len(points))))

	err := b.store.WritePoints(ctx, points)
	b.flushes.Add(1)
	b.metrics.IncBatchFlushes()
	if err != nil {
		b.errors.Add(1)
		b.metrics.IncBatchFlushErrors()
		return fmt.Errorf("flush %s: %w", measurement, err)
	}

	b.pointsWritten.Add(int64(len(points)))
	b.metrics.IncBatchPointsWritten(int64(len(points)))
	b.logger.Debug().
		Str("measurement", measurement).
		Int("points", len(points)).
		Dur("took", b.clock.Now().Sub(start)).
		Msg("Batch flushed")
	return nil
}

func (b *BatchWriter) report(measurement string, points []models.Point, err error) {
	b.logger.Error().
		Err(err).
		Str("measurement", measurement).
		Int("points", len(points)).
		Msg("Failed to flush batch")
	if b.cfg.OnError != nil {
		b.cfg.OnError(measurement, points, err)
	}
}

func (b *BatchWriter) periodicFlush() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.ticker.C:
			b.flushAged()
		}
	}
}

// flushAged flushes buffers that have reached MaxBatchAge.
func (b *BatchWriter) flushAged() {
	now := b.clock.Now()
	for idx, sh := range b.shards {
		sh.mu.Lock()
		var aged []string
		for measurement, buf := range sh.buffers {
			if now.Sub(buf.started) >= b.cfg.MaxBatchAge {
				aged = append(aged, measurement)
			}
		}
		detached := make([][]models.Point, len(aged))
		for i, measurement := range aged {
			detached[i] = sh.buffers[measurement].points
			delete(sh.buffers, measurement)
		}
		sh.mu.Unlock()

		for i, measurement := range aged {
			b.logger.Debug().Str("measurement", measurement).Int("shard", idx).Msg("Flushing aged buffer")
			if err := b.dispatch(b.ctx, measurement, detached[i]); err != nil {
				// closing; dispatch kept this buffer, keep the rest for Close
				for j := i + 1; j < len(aged); j++ {
					b.requeue(aged[j], detached[j])
				}
				return
			}
		}
	}
}

// detachAll empties every buffer and returns the points keyed by measurement.
func (b *BatchWriter) detachAll() map[string][]models.Point {
	out := make(map[string][]models.Point)
	for _, sh := range b.shards {
		sh.mu.Lock()
		for measurement, buf := range sh.buffers {
			out[measurement] = buf.points
		}
		sh.buffers = make(map[string]*pointBuffer)
		sh.mu.Unlock()
	}
	return out
}

// FlushAll writes every buffer now and waits for background flushes. It returns the
// first flush error, including background flushes that failed since the previous
// FlushAll; failed points are also reported to OnError.
func (b *BatchWriter) FlushAll(ctx context.Context) error {
	detached := b.detachAll()
	measurements := lo.Keys(detached)
	sort.Strings(measurements)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.FlushConcurrency)
	for _, measurement := range measurements {
		measurement := measurement
		points := detached[measurement]
		g.Go(func() error {
			if err := b.flush(gctx, measurement, points); err != nil {
				b.report(measurement, points, err)
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	b.flights.Wait()

	b.flightMu.Lock()
	flightErr := b.flightErr
	b.flightErr = nil
	b.flightMu.Unlock()
	if flightErr != nil {
		return errors.Join(flightErr, err)
	}
	return err
}

// Close stops the age ticker, waits for flushes in flight and flushes what is left.
// It returns the first flush failure, background ones included.
func (b *BatchWriter) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.logger.Info().Msg("Closing batch writer")
	b.ticker.Stop()
	b.cancel()
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
	defer cancel()
	err := b.FlushAll(ctx)

	b.logger.Info().
		Int64("points_written", b.pointsWritten.Load()).
		Int64("flushes", b.flushes.Load()).
		Int64("errors", b.errors.Load()).
		Msg("Batch writer closed")
	return err
}

// Stats returns writer counters.
func (b *BatchWriter) Stats() BatchStats {
	active := 0
	for _, sh := range b.shards {
		sh.mu.Lock()
		active += len(sh.buffers)
		sh.mu.Unlock()
	}
	return BatchStats{
		Buffered:      b.buffered.Load(),
		ActiveBuffers: active,
		PointsWritten: b.pointsWritten.Load(),
		Flushes:       b.flushes.Load(),
		Errors:        b.errors.Load(),
	}
}
