package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/basekick-labs/pointmap/pkg/models"
)

// Transport names accepted in the transport key.
const (
	TransportInflux       = "influx"
	TransportArc          = "arc"
	TransportLineProtocol = "line-protocol"
)

// Config holds all configuration for pointmap
type Config struct {
	Transport string
	Influx    InfluxConfig
	Arc       ArcConfig
	Mapper    MapperConfig
	Batch     BatchConfig
	Breaker   BreakerConfig
	Write     WriteConfig
	Log       LogConfig
	Metrics   MetricsConfig
}

type InfluxConfig struct {
	URL             string
	Username        string
	Password        string
	Database        string
	RetentionPolicy string
	Timeout         time.Duration
	Gzip            bool
	Precision       string // write precision: ns, u, ms, s; empty keeps each record's own
}

type ArcConfig struct {
	URL      string
	Token    string
	Database string
	Timeout  time.Duration
	Gzip     bool
}

type MapperConfig struct {
	TimeFieldName string
	AllowNullTags bool
}

type BatchConfig struct {
	MaxSize          int // Max points per measurement before flush
	MaxAgeMS         int // Max age in milliseconds before flush
	Shards           int
	FlushConcurrency int
}

// MaxAge returns MaxAgeMS as a duration.
func (c BatchConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMS) * time.Millisecond
}

type BreakerConfig struct {
	MaxFailures    int
	TimeoutSeconds int
	HalfOpenMax    int
}

type WriteConfig struct {
	MaxFileSize int64 // Largest line protocol file the write command accepts, in bytes
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Addr string // Listen address for /metrics and /health; empty disables the server
}

// Load reads configuration from defaults, an optional pointmap.toml and POINTMAP_* env vars.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("POINTMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("pointmap")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/pointmap/")
	v.AddConfigPath("$HOME/.pointmap/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	maxFileSize, err := ParseSize(v.GetString("write.max_file_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid write.max_file_size: %w", err)
	}

	cfg := &Config{
		Transport: v.GetString("transport"),
		Influx: InfluxConfig{
			URL:             v.GetString("influx.url"),
			Username:        v.GetString("influx.username"),
			Password:        v.GetString("influx.password"),
			Database:        v.GetString("influx.database"),
			RetentionPolicy: v.GetString("influx.retention_policy"),
			Timeout:         v.GetDuration("influx.timeout"),
			Gzip:            v.GetBool("influx.gzip"),
			Precision:       v.GetString("influx.precision"),
		},
		Arc: ArcConfig{
			URL:      v.GetString("arc.url"),
			Token:    v.GetString("arc.token"),
			Database: v.GetString("arc.database"),
			Timeout:  v.GetDuration("arc.timeout"),
			Gzip:     v.GetBool("arc.gzip"),
		},
		Mapper: MapperConfig{
			TimeFieldName: v.GetString("mapper.time_field_name"),
			AllowNullTags: v.GetBool("mapper.allow_null_tags"),
		},
		Batch: BatchConfig{
			MaxSize:          v.GetInt("batch.max_size"),
			MaxAgeMS:         v.GetInt("batch.max_age_ms"),
			Shards:           v.GetInt("batch.shards"),
			FlushConcurrency: v.GetInt("batch.flush_concurrency"),
		},
		Breaker: BreakerConfig{
			MaxFailures:    v.GetInt("breaker.max_failures"),
			TimeoutSeconds: v.GetInt("breaker.timeout_seconds"),
			HalfOpenMax:    v.GetInt("breaker.half_open_max"),
		},
		Write: WriteConfig{
			MaxFileSize: maxFileSize,
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Metrics: MetricsConfig{
			Addr: v.GetString("metrics.addr"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport", TransportInflux)

	// InfluxDB defaults
	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("influx.username", "")
	v.SetDefault("influx.password", "")
	v.SetDefault("influx.database", "")
	v.SetDefault("influx.retention_policy", "")
	v.SetDefault("influx.timeout", "10s")
	v.SetDefault("influx.gzip", false)
	v.SetDefault("influx.precision", "")

	// Arc defaults
	v.SetDefault("arc.url", "http://localhost:8000")
	v.SetDefault("arc.token", "")
	v.SetDefault("arc.database", "default")
	v.SetDefault("arc.timeout", "30s")
	v.SetDefault("arc.gzip", true)

	// Mapper defaults
	v.SetDefault("mapper.time_field_name", "time")
	v.SetDefault("mapper.allow_null_tags", false)

	// Batch writer defaults
	v.SetDefault("batch.max_size", 5000)
	v.SetDefault("batch.max_age_ms", 1000)
	v.SetDefault("batch.shards", 16)
	v.SetDefault("batch.flush_concurrency", 4)

	// Circuit breaker defaults
	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.timeout_seconds", 30)
	v.SetDefault("breaker.half_open_max", 3)

	v.SetDefault("write.max_file_size", "100MB")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("metrics.addr", "")
}

// Validate checks values Load cannot check on its own.
func (cfg *Config) Validate() error {
	switch cfg.Transport {
	case TransportInflux:
		if cfg.Influx.URL == "" {
			return fmt.Errorf("influx.url is required for the influx transport")
		}
		if cfg.Influx.Database == "" {
			return fmt.Errorf("influx.database is required for the influx transport")
		}
	case TransportArc:
		if cfg.Arc.URL == "" {
			return fmt.Errorf("arc.url is required for the arc transport")
		}
	case TransportLineProtocol:
	default:
		return fmt.Errorf("unknown transport %q (use %s, %s or %s)", cfg.Transport, TransportInflux, TransportArc, TransportLineProtocol)
	}

	if _, err := cfg.Influx.WritePrecision(); err != nil {
		return err
	}
	if cfg.Mapper.TimeFieldName == "" {
		return fmt.Errorf("mapper.time_field_name must not be empty")
	}
	if cfg.Batch.MaxSize <= 0 {
		return fmt.Errorf("batch.max_size must be positive, got %d", cfg.Batch.MaxSize)
	}
	if cfg.Batch.MaxAgeMS <= 0 {
		return fmt.Errorf("batch.max_age_ms must be positive, got %d", cfg.Batch.MaxAgeMS)
	}
	if cfg.Breaker.MaxFailures <= 0 {
		return fmt.Errorf("breaker.max_failures must be positive, got %d", cfg.Breaker.MaxFailures)
	}
	switch cfg.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", cfg.Log.Format)
	}
	return nil
}

// WritePrecision parses the configured write precision. Empty means unset.
func (c InfluxConfig) WritePrecision() (models.Precision, error) {
	if c.Precision == "" {
		return models.PrecisionUnset, nil
	}
	p, err := models.ParsePrecision(c.Precision)
	if err != nil {
		return models.PrecisionUnset, fmt.Errorf("invalid influx.precision: %w", err)
	}
	return p, nil
}

// ParseSize parses a human-readable size string (e.g., "1GB", "500MB", "100KB") to bytes.
// Supports: B, KB, MB, GB (case-insensitive).
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type unitInfo struct {
		suffix     string
		multiplier int64
	}
	units := []unitInfo{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	// longer suffixes first
	for _, unit := range units {
		if !strings.HasSuffix(sizeStr, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))

		var num float64
		var trailing string
		n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
		if n == 0 {
			return 0, fmt.Errorf("invalid size number: %s", numStr)
		}
		if trailing != "" {
			// an unrecognized unit such as the T in "1TB"
			return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
		}
		if num < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return int64(num * float64(unit.multiplier)), nil
	}

	// plain number of bytes
	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
