// Package store is the typed write and query facade over a mapper and a transport.
package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/basekick-labs/pointmap/pkg/mapper"
	"github.com/basekick-labs/pointmap/pkg/models"
	"github.com/basekick-labs/pointmap/pkg/transport"
)

// ErrMixedRecords is returned when one Write call carries records of different types.
var ErrMixedRecords = errors.New("store: records must all have the same type")

// Config selects where records go.
type Config struct {
	Database        string
	RetentionPolicy string
	// Precision is the write unit. Unset writes each batch in its records' own precision.
	Precision models.Precision
	// QueryPrecision asks for epoch times in this unit instead of RFC3339 text.
	QueryPrecision models.Precision
}

// Store writes typed records and reads them back.
type Store struct {
	cfg       Config
	transport transport.Transport
	mapper    *mapper.Mapper
	logger    zerolog.Logger
}

// New creates a store. A nil mapper gets a default one.
func New(cfg Config, t transport.Transport, m *mapper.Mapper, logger zerolog.Logger) *Store {
	if m == nil {
		m = mapper.New(mapper.WithLogger(logger))
	}
	return &Store{
		cfg:       cfg,
		transport: t,
		mapper:    m,
		logger:    logger.With().Str("component", "store").Str("database", cfg.Database).Logger(),
	}
}

// Mapper returns the store's mapper.
func (s *Store) Mapper() *mapper.Mapper { return s.mapper }

// Config returns the store configuration.
func (s *Store) Config() Config { return s.cfg }

// Write encodes the records and writes them in one batch. All records must share one type;
// nothing is written if any record fails to encode.
func (s *Store) Write(ctx context.Context, records ...interface{}) error {
	if len(records) == 0 {
		return nil
	}
	if err := checkRecords(records); err != nil {
		return err
	}
	points, err := s.mapper.EncodeAll(records...)
	if err != nil {
		return err
	}
	return s.WritePoints(ctx, points)
}

// checkRecords rejects nil records and batches of mixed types.
func checkRecords(records []interface{}) error {
	types := lo.Map(records, func(r interface{}, i int) reflect.Type {
		return reflect.TypeOf(r)
	})
	for i, t := range types {
		if t == nil {
			return fmt.Errorf("record %d: %w", i, mapper.ErrNilRecord)
		}
		if t.Kind() == reflect.Ptr {
			types[i] = t.Elem()
		}
	}
	if len(lo.Uniq(types)) > 1 {
		return ErrMixedRecords
	}
	return nil
}

// WritePoints writes already encoded points in one batch.
func (s *Store) WritePoints(ctx context.Context, points []models.Point) error {
	if len(points) == 0 {
		return nil
	}
	precision := s.cfg.Precision
	if precision == models.PrecisionUnset {
		precision = points[0].Precision
	}
	err := s.transport.Write(ctx, transport.Batch{
		Database:        s.cfg.Database,
		RetentionPolicy: s.cfg.RetentionPolicy,
		Precision:       precision,
		Points:          points,
	})
	if err != nil {
		return fmt.Errorf("store write: %w", err)
	}
	s.logger.Debug().Int("points", len(points)).Msg("Points written")
	return nil
}

func (s *Store) query(command, series string) transport.Query {
	return transport.Query{
		Command:         command,
		Database:        s.cfg.Database,
		RetentionPolicy: s.cfg.RetentionPolicy,
		Precision:       s.cfg.QueryPrecision,
		Series:          series,
	}
}

func (s *Store) decodeOptions() []mapper.DecodeOption {
	if s.cfg.QueryPrecision == models.PrecisionUnset {
		return nil
	}
	return []mapper.DecodeOption{mapper.WithEpoch(s.cfg.QueryPrecision)}
}

// Query runs command and decodes the series named after T's measurement.
func Query[T any](ctx context.Context, s *Store, command string) ([]T, error) {
	ts, err := mapper.SchemaFor[T](s.mapper)
	if err != nil {
		return nil, err
	}
	res, err := s.transport.Query(ctx, s.query(command, ts.Measurement))
	if err != nil {
		return nil, fmt.Errorf("store query: %w", err)
	}
	return mapper.DecodeMeasurement[T](s.mapper, res, s.decodeOptions()...)
}

// QueryChunked runs command in chunked mode and calls fn with the records of each chunk.
// It stops at the first error from decoding or from fn.
func QueryChunked[T any](ctx context.Context, s *Store, command string, chunkSize int, fn func([]T) error) error {
	ts, err := mapper.SchemaFor[T](s.mapper)
	if err != nil {
		return err
	}
	q := s.query(command, ts.Measurement)
	q.ChunkSize = chunkSize

	opts := s.decodeOptions()
	chunk := 0
	err = s.transport.QueryChunked(ctx, q, func(res *models.QueryResult) error {
		records, err := mapper.DecodeMeasurement[T](s.mapper, res, opts...)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", chunk, err)
		}
		chunk++
		return fn(records)
	})
	if err != nil {
		return fmt.Errorf("store query: %w", err)
	}
	return nil
}

// QueryRows runs command and returns the flattened rows of every series, untyped.
func (s *Store) QueryRows(ctx context.Context, command string) ([]models.FlatRow, error) {
	res, err := s.transport.Query(ctx, s.query(command, ""))
	if err != nil {
		return nil, fmt.Errorf("store query: %w", err)
	}
	return s.mapper.Flatten(res)
}

// QueryRowsChunked is QueryRows in chunked mode; fn gets the rows of each chunk.
func (s *Store) QueryRowsChunked(ctx context.Context, command string, chunkSize int, fn func([]models.FlatRow) error) error {
	q := s.query(command, "")
	q.ChunkSize = chunkSize
	err := s.transport.QueryChunked(ctx, q, func(res *models.QueryResult) error {
		rows, err := s.mapper.Flatten(res)
		if err != nil {
			return err
		}
		return fn(rows)
	})
	if err != nil {
		return fmt.Errorf("store query: %w", err)
	}
	return nil
}

// Ping checks the transport.
func (s *Store) Ping(ctx context.Context) (string, error) {
	rtt, version, err := s.transport.Ping(ctx)
	if err != nil {
		return "", err
	}
	s.logger.Debug().Dur("rtt", rtt).Str("version", version).Msg("Ping")
	return version, nil
}

// Exec runs a statement that returns no rows and surfaces any server error.
func (s *Store) Exec(ctx context.Context, command string) error {
	res, err := s.transport.Query(ctx, transport.Query{Command: command, Database: s.cfg.Database})
	if err != nil {
		return fmt.Errorf("store exec: %w", err)
	}
	if _, err := mapper.Flatten(res); err != nil {
		return err
	}
	s.logger.Info().Str("statement", command).Msg("Statement executed")
	return nil
}

// CreateDatabase creates the configured database.
func (s *Store) CreateDatabase(ctx context.Context) error {
	if s.cfg.Database == "" {
		return errors.New("store: no database configured")
	}
	return s.Exec(ctx, "CREATE DATABASE "+quoteIdent(s.cfg.Database))
}

// CreateRetentionPolicy creates rp on the configured database.
func (s *Store) CreateRetentionPolicy(ctx context.Context, rp RetentionPolicy) error {
	stmt, err := rp.Statement(s.cfg.Database)
	if err != nil {
		return err
	}
	return s.Exec(ctx, stmt)
}

// DropRetentionPolicy drops the named policy from the configured database.
func (s *Store) DropRetentionPolicy(ctx context.Context, name string) error {
	if name == "" || s.cfg.Database == "" {
		return errors.New("store: retention policy and database names are required")
	}
	return s.Exec(ctx, fmt.Sprintf("DROP RETENTION POLICY %s ON %s", quoteIdent(name), quoteIdent(s.cfg.Database)))
}

// Close closes the transport.
func (s *Store) Close() error {
	return s.transport.Close()
}
