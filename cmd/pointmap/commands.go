package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/raulk/clock"

	"github.com/basekick-labs/pointmap/pkg/models"
	"github.com/basekick-labs/pointmap/pkg/store"
	"github.com/basekick-labs/pointmap/pkg/transport"
)

type pingCmd struct{}

func (c *pingCmd) run(ctx context.Context, e *env) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	version, err := e.store.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s ok (version %s)\n", e.cfg.Transport, version)
	return nil
}

type initCmd struct {
	Retention     string `arg:"--retention" help:"retention policy duration, e.g. 720h; empty skips the policy"`
	ShardDuration string `arg:"--shard-duration" help:"shard group duration, e.g. 24h"`
	Policy        string `arg:"--policy" default:"pointmap" help:"retention policy name"`
	Replication   int    `arg:"--replication" default:"1"`
}

func (c *initCmd) run(ctx context.Context, e *env) error {
	if err := e.store.CreateDatabase(ctx); err != nil {
		return err
	}
	if c.Retention == "" {
		return nil
	}

	rp := store.RetentionPolicy{Name: c.Policy, Replication: c.Replication, Default: true}
	var err error
	if rp.Duration, err = time.ParseDuration(c.Retention); err != nil {
		return fmt.Errorf("invalid --retention: %w", err)
	}
	if c.ShardDuration != "" {
		if rp.ShardDuration, err = time.ParseDuration(c.ShardDuration); err != nil {
			return fmt.Errorf("invalid --shard-duration: %w", err)
		}
	}
	return e.store.CreateRetentionPolicy(ctx, rp)
}

type writeCmd struct {
	File      string `arg:"positional,required" help:"line protocol file, - for stdin"`
	Precision string `arg:"-p,--precision" default:"ns" help:"timestamp unit of the file: ns, us, ms or s"`
}

func (c *writeCmd) run(ctx context.Context, e *env) error {
	precision, err := models.ParsePrecision(c.Precision)
	if err != nil {
		return err
	}

	var r io.Reader = os.Stdin
	if c.File != "-" {
		f, err := os.Open(c.File)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	// one byte over the limit tells a full file from a truncated one
	data, err := io.ReadAll(io.LimitReader(r, e.cfg.Write.MaxFileSize+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > e.cfg.Write.MaxFileSize {
		return fmt.Errorf("%s is larger than write.max_file_size (%d bytes)", c.File, e.cfg.Write.MaxFileSize)
	}

	points, skipped := transport.NewLineParser(clock.New()).Parse(data, precision)
	if skipped > 0 {
		e.logger.Warn().Int("skipped", skipped).Msg("Skipped malformed lines")
	}

	w := e.batchWriter()
	if err := w.WritePoints(ctx, points...); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	stats := w.Stats()
	e.logger.Info().
		Int("points", len(points)).
		Int("skipped", skipped).
		Int64("flushes", stats.Flushes).
		Msg("Write complete")
	return nil
}

type queryCmd struct {
	Command   string `arg:"positional,required" help:"query text"`
	Epoch     string `arg:"--epoch" help:"return times as epoch numbers in ns, us, ms or s"`
	ChunkSize int    `arg:"--chunk-size" help:"stream results in chunks of this many rows"`
}

type outputRow struct {
	Series string                 `json:"series"`
	Tags   map[string]string      `json:"tags,omitempty"`
	Values map[string]interface{} `json:"values"`
}

func (c *queryCmd) run(ctx context.Context, e *env) error {
	qs := e.store
	if c.Epoch != "" {
		precision, err := models.ParsePrecision(c.Epoch)
		if err != nil {
			return err
		}
		cfg := e.store.Config()
		cfg.QueryPrecision = precision
		qs = store.New(cfg, e.transport, e.store.Mapper(), e.logger)
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	enc := json.NewEncoder(out)
	emit := func(rows []models.FlatRow) error {
		for _, row := range rows {
			if err := enc.Encode(outputRow(row)); err != nil {
				return err
			}
		}
		return nil
	}

	if c.ChunkSize > 0 {
		return qs.QueryRowsChunked(ctx, c.Command, c.ChunkSize, emit)
	}
	rows, err := qs.QueryRows(ctx, c.Command)
	if err != nil {
		return err
	}
	return emit(rows)
}
