// Package mapper converts typed records into points for writing and flattens nested query
// results back into typed records.
package mapper

import (
	"reflect"
	"time"

	"github.com/raulk/clock"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/pointmap/internal/metrics"
	"github.com/basekick-labs/pointmap/pkg/schema"
)

// Mapper encodes records into points and decodes query results into records.
// A Mapper is safe for concurrent use; its only shared state is the schema cache.
type Mapper struct {
	cache         *schema.Cache
	clock         clock.Clock
	allowNullTags bool
	timeColumn    string
	metrics       *metrics.Metrics
	logger        zerolog.Logger
}

type options struct {
	logger        zerolog.Logger
	clock         clock.Clock
	allowNullTags bool
	timeColumn    string
	cache         *schema.Cache
	metrics       *metrics.Metrics
}

// Option configures a Mapper.
type Option func(*options)

// WithLogger sets the mapper logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the clock used when a record carries no timestamp.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithAllowNullTags omits null tags from encoded points instead of failing.
func WithAllowNullTags(allow bool) Option {
	return func(o *options) { o.allowNullTags = allow }
}

// WithTimeColumn sets the conventional timestamp column. Ignored when WithCache is used;
// the cache's resolver decides.
func WithTimeColumn(name string) Option {
	return func(o *options) { o.timeColumn = name }
}

// WithCache shares a schema cache between mappers.
func WithCache(c *schema.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithMetrics sets the metrics sink (default: the process-wide instance).
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New creates a mapper with its own schema cache unless one is supplied.
func New(opts ...Option) *Mapper {
	o := options{
		logger:     zerolog.Nop(),
		timeColumn: schema.DefaultTimeColumn,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.metrics == nil {
		o.metrics = metrics.Get()
	}

	m := &Mapper{
		clock:         o.clock,
		allowNullTags: o.allowNullTags,
		metrics:       o.metrics,
		logger:        o.logger.With().Str("component", "mapper").Logger(),
	}

	if o.cache != nil {
		m.cache = o.cache
	} else {
		m.cache = schema.NewCache(schema.NewResolver(schema.WithTimeColumn(o.timeColumn)), schema.Hooks{
			OnHit: func(reflect.Type) { m.metrics.IncSchemaCacheHits() },
			OnResolve: func(t reflect.Type, took time.Duration, err error) {
				m.metrics.IncSchemaResolutions()
				if err != nil {
					m.metrics.IncSchemaErrors()
					m.logger.Warn().Err(err).Str("type", typeName(t)).Msg("Schema resolution failed")
					return
				}
				m.logger.Debug().Str("type", typeName(t)).Dur("took", took).Msg("Schema resolved")
			},
		})
	}
	m.timeColumn = m.cache.Resolver().TimeColumn()
	return m
}

// Cache returns the mapper's schema cache.
func (m *Mapper) Cache() *schema.Cache { return m.cache }

// AllowNullTags reports the tag-null policy.
func (m *Mapper) AllowNullTags() bool { return m.allowNullTags }

// Schema returns the resolved schema of a record's type.
func (m *Mapper) Schema(record interface{}) (*schema.TypeSchema, error) {
	if record == nil {
		return nil, ErrNilRecord
	}
	return m.cache.Get(reflect.TypeOf(record))
}

// SchemaFor returns the resolved schema of T.
func SchemaFor[T any](m *Mapper) (*schema.TypeSchema, error) {
	return schema.For[T](m.cache)
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
