package render

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	ecs "github.com/DangerosoDavo/renderecs"
)

// Config is the YAML configuration of a Pipeline.
type Config struct {
	Workers   int           `yaml:"workers"`
	BatchSize int           `yaml:"batch_size"`
	Log       LogConfig     `yaml:"log"`
	Metrics   MetricsConfig `yaml:"metrics"`
	Trace     bool          `yaml:"trace"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
	// StageSummaries logs one summary per stage and frame: "json", "kv" or empty for none.
	StageSummaries string `yaml:"stage_summaries"`
}

type MetricsConfig struct {
	Enabled         bool            `yaml:"enabled"`
	Namespace       string          `yaml:"namespace"`
	DurationBuckets []time.Duration `yaml:"duration_buckets"`
}

func DefaultConfig() Config {
	return Config{
		Workers:   4,
		BatchSize: DefaultBatchSize,
		Log:       LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{
			Namespace:       "renderecs",
			DurationBuckets: []time.Duration{100 * time.Microsecond, time.Millisecond, 4 * time.Millisecond, 16 * time.Millisecond},
		},
	}
}

// ParseConfig decodes data over DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "render: parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "render: read config %s", path)
	}
	return ParseConfig(data)
}

func (c Config) Validate() error {
	if c.Workers < 0 {
		return errors.Wrapf(ErrInvalidConfig, "workers must not be negative, got %d", c.Workers)
	}
	if c.BatchSize <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "batch_size must be positive, got %d", c.BatchSize)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown log format %q", c.Log.Format)
	}
	if _, _, err := c.Log.summaryFormat(); err != nil {
		return err
	}
	for i, b := range c.Metrics.DurationBuckets {
		if b <= 0 || (i > 0 && b <= c.Metrics.DurationBuckets[i-1]) {
			return errors.Wrapf(ErrInvalidConfig, "duration buckets must be positive and increasing, got %v", c.Metrics.DurationBuckets)
		}
	}
	return nil
}

func (c LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, errors.Wrapf(ErrInvalidConfig, "unknown log level %q", c.Level)
	}
}

func (c LogConfig) summaryFormat() (ecs.ObservationLogFormat, bool, error) {
	switch strings.ToLower(c.StageSummaries) {
	case "", "off":
		return 0, false, nil
	case "json":
		return ecs.ObservationLogFormatJSON, true, nil
	case "kv":
		return ecs.ObservationLogFormatKeyValue, true, nil
	default:
		return 0, false, errors.Wrapf(ErrInvalidConfig, "unknown stage summary format %q", c.StageSummaries)
	}
}

// NewLogger builds a slog-backed logger writing to w in the configured format.
func (c LogConfig) NewLogger(w io.Writer) (ecs.Logger, error) {
	level, err := c.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(c.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return ecs.NewSlogLogger(slog.New(handler)), nil
}

// Options translates the config into pipeline options. logger may be nil.
func (c Config) Options(logger ecs.Logger) []Option {
	instrumentation := ecs.InstrumentationConfig{EnableTrace: c.Trace}
	if format, ok, _ := c.Log.summaryFormat(); ok {
		instrumentation.Observation.EnableStructuredLogging = true
		instrumentation.Observation.LoggingFormat = format
	}
	opts := []Option{
		WithWorkers(c.Workers),
		WithBatchSize(c.BatchSize),
		WithInstrumentation(instrumentation),
	}
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	if c.Metrics.Enabled {
		opts = append(opts, WithMetrics(ecs.PrometheusCollectorOptions{
			Namespace:       c.Metrics.Namespace,
			DurationBuckets: c.Metrics.DurationBuckets,
		}))
	}
	return opts
}
