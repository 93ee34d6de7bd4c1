package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/basekick-labs/pointmap/internal/api"
	"github.com/basekick-labs/pointmap/internal/circuitbreaker"
	"github.com/basekick-labs/pointmap/internal/logger"
	"github.com/basekick-labs/pointmap/internal/metrics"
	"github.com/basekick-labs/pointmap/internal/shutdown"
	"github.com/basekick-labs/pointmap/pkg/models"
)

// runtimeSample is one reading of the process's own runtime statistics.
type runtimeSample struct {
	Time       time.Time `influx:"time,timestamp"`
	Host       string    `influx:"host,tag"`
	Version    string    `influx:"version,tag"`
	Goroutines int       `influx:"goroutines"`
	HeapAlloc  uint64    `influx:"heap_alloc_bytes"`
	HeapInuse  uint64    `influx:"heap_inuse_bytes"`
	NumGC      uint32    `influx:"gc_cycles"`
	GCPauseNs  uint64    `influx:"gc_pause_total_ns"`
	Encoded    int64     `influx:"points_encoded_total"`
}

func (runtimeSample) Measurement() string { return "pointmap_runtime" }

func (runtimeSample) TimePrecision() models.Precision { return models.Second }

func takeSample(host string) runtimeSample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snapshot := metrics.Get().Snapshot()
	encoded, _ := snapshot["points_encoded_total"].(int64)

	return runtimeSample{
		Time:       time.Now(),
		Host:       host,
		Version:    Version,
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
		HeapInuse:  ms.HeapInuse,
		NumGC:      ms.NumGC,
		GCPauseNs:  ms.PauseTotalNs,
		Encoded:    encoded,
	}
}

type sampleCmd struct {
	Schedule    string `arg:"--schedule" default:"@every 10s" help:"cron schedule, e.g. '*/5 * * * *' or '@every 10s'"`
	Host        string `arg:"--host" help:"host tag (default: hostname)"`
	MetricsAddr string `arg:"--metrics-addr" help:"serve /health and /metrics here (overrides config)"`
}

func (c *sampleCmd) run(ctx context.Context, e *env) error {
	host := c.Host
	if host == "" {
		host, _ = os.Hostname()
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("invalid --schedule: %w", err)
	}

	coord := shutdown.New(30*time.Second, logger.Get("shutdown"))
	w := e.batchWriter()

	sched := cron.New()
	_, err := sched.AddFunc(c.Schedule, func() {
		if err := w.Write(ctx, takeSample(host)); err != nil {
			e.logger.Error().Err(err).Msg("Failed to record sample")
		}
	})
	if err != nil {
		return err
	}

	addr := c.MetricsAddr
	if addr == "" {
		addr = e.cfg.Metrics.Addr
	}
	if addr != "" {
		cfg := api.DefaultServerConfig()
		cfg.Addr = addr
		srv := api.NewServer(cfg, metrics.Get(), logger.GetBuffer(), func(ctx context.Context) (map[string]interface{}, error) {
			details := map[string]interface{}{
				"transport": e.cfg.Transport,
				"breaker":   e.breaker.Stats(),
				"batch":     w.Stats(),
			}
			if e.breaker.State() == circuitbreaker.StateOpen {
				return details, fmt.Errorf("%s transport circuit is open", e.cfg.Transport)
			}
			return details, nil
		}, logger.Get("api"))
		srv.Start()
		coord.RegisterFunc("status-server", srv.Shutdown, shutdown.PriorityHTTPServer)
	}

	coord.RegisterFunc("scheduler", func(ctx context.Context) error {
		select {
		case <-sched.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, shutdown.PriorityScheduler)
	coord.Register("batch-writer", w, shutdown.PriorityBatchWriter)

	sched.Start()
	e.logger.Info().Str("schedule", c.Schedule).Str("host", host).Msg("Sampling started")

	coord.WaitForSignal(ctx)
	return coord.Shutdown()
}
