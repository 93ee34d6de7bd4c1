// Package shutdown closes the CLI's long-running components in order on a signal.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Closer is a component that can be shut down.
type Closer interface {
	Close() error
}

// Func performs cleanup within the shutdown deadline.
type Func func(ctx context.Context) error

// Priorities of the CLI's components. Lower shuts down first.
const (
	PriorityHTTPServer  = 10 // stop serving /metrics
	PriorityScheduler   = 20 // stop taking samples
	PriorityBatchWriter = 30 // flush buffered points
	PriorityTransport   = 40 // release connections last
)

type step struct {
	name     string
	priority int
	run      Func
}

// Coordinator runs registered steps once, in priority order, within a timeout.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	shutdownOnce sync.Once
	triggerOnce  sync.Once
	done         chan struct{}
	err          error
}

// New creates a coordinator whose Shutdown gives up after timeout.
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		logger:  logger.With().Str("component", "shutdown").Logger(),
		done:    make(chan struct{}),
	}
}

// Register closes c during shutdown.
func (c *Coordinator) Register(name string, closer Closer, priority int) {
	c.RegisterFunc(name, func(context.Context) error { return closer.Close() }, priority)
}

// RegisterFunc runs fn during shutdown.
func (c *Coordinator) RegisterFunc(name string, fn Func, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps = append(c.steps, step{name: name, priority: priority, run: fn})
	c.logger.Debug().Str("name", name).Int("priority", priority).Msg("Registered for shutdown")
}

// Done is closed once shutdown has been triggered.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Trigger starts shutdown from inside the process. Safe to call concurrently.
func (c *Coordinator) Trigger() {
	c.triggerOnce.Do(func() {
		c.logger.Info().Msg("Shutdown triggered")
		close(c.done)
	})
}

// WaitForSignal blocks until SIGINT or SIGTERM, Trigger, or ctx is done.
func (c *Coordinator) WaitForSignal(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		c.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-c.done:
	case <-ctx.Done():
	}
}

// Shutdown runs every step once. Failing steps do not stop later ones; all errors are
// returned joined. Steps not started before the timeout are skipped.
func (c *Coordinator) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.Trigger()

		c.mu.Lock()
		steps := append([]step(nil), c.steps...)
		c.mu.Unlock()
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].priority < steps[j].priority })

		c.logger.Info().Dur("timeout", c.timeout).Int("steps", len(steps)).Msg("Starting graceful shutdown")
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		start := time.Now()

		var errs []error
		for i, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().
					Str("name", s.name).
					Int("skipped", len(steps)-i).
					Msg("Shutdown timeout reached, skipping remaining steps")
				errs = append(errs, ctx.Err())
				break
			}
			if err := s.run(ctx); err != nil {
				c.logger.Error().Err(err).Str("name", s.name).Msg("Shutdown step failed")
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
				continue
			}
			c.logger.Debug().Str("name", s.name).Msg("Shutdown step complete")
		}

		c.err = errors.Join(errs...)
		c.logger.Info().Dur("duration", time.Since(start)).Msg("Graceful shutdown complete")
	})
	return c.err
}
