// Package config loads eventide configuration.
//
// Values are resolved in order: built-in defaults, then an optional YAML
// file, then EVENTIDE_* environment variables. The result is checked against
// an embedded CUE schema before use.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/eventide/internal/engine"
	"github.com/roach88/eventide/internal/projection"
)

//go:embed schema.cue
var schemaSource string

// ErrInvalid is returned when the loaded configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full eventide configuration.
type Config struct {
	DefaultCommandTimeout     time.Duration `yaml:"default_command_timeout" env:"EVENTIDE_DEFAULT_COMMAND_TIMEOUT"`
	DefaultQueryTimeout       time.Duration `yaml:"default_query_timeout" env:"EVENTIDE_DEFAULT_QUERY_TIMEOUT"`
	IndexFlushDelay           time.Duration `yaml:"index_flush_delay" env:"EVENTIDE_INDEX_FLUSH_DELAY"`
	DispatcherRecoveryTimeout time.Duration `yaml:"dispatcher_recovery_timeout" env:"EVENTIDE_DISPATCHER_RECOVERY_TIMEOUT"`
	ReadBatchSize             int           `yaml:"read_batch_size" env:"EVENTIDE_READ_BATCH_SIZE"`
	MaxOutstandingIndexWrites int           `yaml:"max_outstanding_index_writes" env:"EVENTIDE_MAX_OUTSTANDING_INDEX_WRITES"`
	MaxPendingLiveEvents      int           `yaml:"max_pending_live_events" env:"EVENTIDE_MAX_PENDING_LIVE_EVENTS"`
	ProjectionRetryDelay      time.Duration `yaml:"projection_retry_delay" env:"EVENTIDE_PROJECTION_RETRY_DELAY"`

	Storage   Storage   `yaml:"storage" envPrefix:"EVENTIDE_STORAGE_"`
	Telemetry Telemetry `yaml:"telemetry" envPrefix:"EVENTIDE_TELEMETRY_"`

	// MetricsAddr is the listen address of the Prometheus endpoint of
	// `eventide serve`.
	MetricsAddr string `yaml:"metrics_addr" env:"EVENTIDE_METRICS_ADDR"`
}

// Storage selects the backend.
type Storage struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

// Telemetry configures trace export. An empty endpoint disables export.
type Telemetry struct {
	ServiceName  string `yaml:"service_name" env:"SERVICE_NAME"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
}

// Default returns the built-in configuration.
func Default() Config {
	s := engine.DefaultSettings()
	return Config{
		DefaultCommandTimeout:     s.CommandTimeout,
		DefaultQueryTimeout:       s.QueryTimeout,
		IndexFlushDelay:           s.IndexFlushDelay,
		DispatcherRecoveryTimeout: s.RecoveryTimeout,
		ReadBatchSize:             s.Projection.ReadBatchSize,
		MaxOutstandingIndexWrites: s.Projection.MaxOutstanding,
		MaxPendingLiveEvents:      s.Projection.MaxPending,
		ProjectionRetryDelay:      s.Projection.RetryDelay,
		Storage: Storage{
			Driver: DriverMemory,
		},
		Telemetry: Telemetry{
			ServiceName: "eventide",
		},
		MetricsAddr: ":9464",
	}
}

// Load resolves the configuration. path may be empty to skip the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeYAML overlays data onto cfg and rejects unknown keys.
func decodeYAML(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// Validate checks cfg against the embedded schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	value := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c.document()))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// document is the schema view of c.
func (c Config) document() map[string]any {
	return map[string]any{
		"default_command_timeout":      int64(c.DefaultCommandTimeout),
		"default_query_timeout":        int64(c.DefaultQueryTimeout),
		"index_flush_delay":            int64(c.IndexFlushDelay),
		"dispatcher_recovery_timeout":  int64(c.DispatcherRecoveryTimeout),
		"read_batch_size":              c.ReadBatchSize,
		"max_outstanding_index_writes": c.MaxOutstandingIndexWrites,
		"max_pending_live_events":      c.MaxPendingLiveEvents,
		"projection_retry_delay":       int64(c.ProjectionRetryDelay),
		"storage": map[string]any{
			"driver": c.Storage.Driver,
			"dsn":    c.Storage.DSN,
		},
		"telemetry": map[string]any{
			"service_name":  c.Telemetry.ServiceName,
			"otlp_endpoint": c.Telemetry.OTLPEndpoint,
		},
		"metrics_addr": c.MetricsAddr,
	}
}

// Engine returns the engine settings described by c.
func (c Config) Engine() engine.Settings {
	return engine.Settings{
		CommandTimeout:  c.DefaultCommandTimeout,
		QueryTimeout:    c.DefaultQueryTimeout,
		IndexFlushDelay: c.IndexFlushDelay,
		RecoveryTimeout: c.DispatcherRecoveryTimeout,
		Projection: projection.Config{
			ReadBatchSize:  c.ReadBatchSize,
			MaxOutstanding: c.MaxOutstandingIndexWrites,
			MaxPending:     c.MaxPendingLiveEvents,
			RetryDelay:     c.ProjectionRetryDelay,
		},
	}
}
