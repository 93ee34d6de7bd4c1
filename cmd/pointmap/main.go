package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/basekick-labs/pointmap/internal/circuitbreaker"
	"github.com/basekick-labs/pointmap/internal/config"
	"github.com/basekick-labs/pointmap/internal/logger"
	"github.com/basekick-labs/pointmap/internal/metrics"
	"github.com/basekick-labs/pointmap/pkg/mapper"
	"github.com/basekick-labs/pointmap/pkg/store"
	"github.com/basekick-labs/pointmap/pkg/transport"
)

// Version is set at build time
var Version = "dev"

type args struct {
	Transport string `arg:"--transport" help:"influx, arc or line-protocol (overrides config)"`
	Database  string `arg:"-d,--database" help:"database (overrides config)"`
	LogLevel  string `arg:"--log-level" help:"debug, info, warn or error (overrides config)"`

	Ping   *pingCmd   `arg:"subcommand:ping" help:"check that the store answers"`
	Init   *initCmd   `arg:"subcommand:init" help:"create the database and an optional retention policy"`
	Write  *writeCmd  `arg:"subcommand:write" help:"write a line protocol file"`
	Query  *queryCmd  `arg:"subcommand:query" help:"run a query and print rows as JSON lines"`
	Sample *sampleCmd `arg:"subcommand:sample" help:"periodically write runtime samples"`
}

func (args) Version() string { return "pointmap " + Version }

func (args) Description() string {
	return "pointmap maps typed records to time-series points and back."
}

func main() {
	var a args
	p := arg.MustParse(&a)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if a.Transport != "" {
		cfg.Transport = a.Transport
	}
	if a.Database != "" {
		cfg.Influx.Database = a.Database
		cfg.Arc.Database = a.Database
	}
	if a.LogLevel != "" {
		cfg.Log.Level = a.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	metrics.Init(logger.Get("metrics"))

	env, err := newEnv(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize")
		os.Exit(1)
	}

	ctx := context.Background()
	switch {
	case a.Ping != nil:
		err = a.Ping.run(ctx, env)
	case a.Init != nil:
		err = a.Init.run(ctx, env)
	case a.Write != nil:
		err = a.Write.run(ctx, env)
	case a.Query != nil:
		err = a.Query.run(ctx, env)
	case a.Sample != nil:
		err = a.Sample.run(ctx, env)
	}
	if cerr := env.store.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("Failed to close transport")
	}
	if err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// env is what every subcommand needs.
type env struct {
	cfg       *config.Config
	store     *store.Store
	transport transport.Transport
	breaker   *circuitbreaker.CircuitBreaker
	logger    zerolog.Logger
}

func newEnv(cfg *config.Config) (*env, error) {
	breaker := circuitbreaker.New(&circuitbreaker.Config{
		Name:                cfg.Transport,
		MaxFailures:         cfg.Breaker.MaxFailures,
		Timeout:             time.Duration(cfg.Breaker.TimeoutSeconds) * time.Second,
		HalfOpenMaxRequests: cfg.Breaker.HalfOpenMax,
		IsFailure:           transport.IsBreakerFailure,
	}, logger.Get("circuit-breaker"))

	opts := []transport.Option{
		transport.WithLogger(logger.Get("transport")),
		transport.WithBreaker(breaker),
	}

	var (
		t        transport.Transport
		database string
		err      error
	)
	switch cfg.Transport {
	case config.TransportInflux:
		database = cfg.Influx.Database
		t, err = transport.NewInflux(transport.InfluxConfig{
			URL:       cfg.Influx.URL,
			Username:  cfg.Influx.Username,
			Password:  cfg.Influx.Password,
			UserAgent: "pointmap/" + Version,
			Timeout:   cfg.Influx.Timeout,
			Gzip:      cfg.Influx.Gzip,
		}, opts...)
	case config.TransportArc:
		database = cfg.Arc.Database
		t, err = transport.NewArc(transport.ArcConfig{
			URL:      cfg.Arc.URL,
			Token:    cfg.Arc.Token,
			Database: cfg.Arc.Database,
			Timeout:  cfg.Arc.Timeout,
			Gzip:     cfg.Arc.Gzip,
		}, opts...)
	case config.TransportLineProtocol:
		database = cfg.Influx.Database
		t = transport.NewLineProtocolSink(os.Stdout, 0, false, opts...)
	}
	if err != nil {
		return nil, err
	}

	precision, err := cfg.Influx.WritePrecision()
	if err != nil {
		return nil, err
	}

	m := mapper.New(
		mapper.WithLogger(logger.Get("mapper")),
		mapper.WithAllowNullTags(cfg.Mapper.AllowNullTags),
		mapper.WithTimeColumn(cfg.Mapper.TimeFieldName),
	)

	s := store.New(store.Config{
		Database:        database,
		RetentionPolicy: cfg.Influx.RetentionPolicy,
		Precision:       precision,
	}, t, m, logger.Get("store"))

	return &env{
		cfg:       cfg,
		store:     s,
		transport: t,
		breaker:   breaker,
		logger:    logger.Get("cli"),
	}, nil
}

func (e *env) batchWriter() *store.BatchWriter {
	return store.NewBatchWriter(e.store, store.BatchConfig{
		MaxBatchSize:     e.cfg.Batch.MaxSize,
		MaxBatchAge:      e.cfg.Batch.MaxAge(),
		Shards:           e.cfg.Batch.Shards,
		FlushConcurrency: e.cfg.Batch.FlushConcurrency,
	}, logger.Get("batch-writer"))
}
