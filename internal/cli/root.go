package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/eventide/internal/config"
	"github.com/roach88/eventide/internal/engine"
	"github.com/roach88/eventide/internal/metrics"
	"github.com/roach88/eventide/internal/storage"
	"github.com/roach88/eventide/internal/storage/postgres"
	"github.com/roach88/eventide/internal/storage/sqlite"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Driver     string
	DSN        string

	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the eventide CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "eventide",
		Short: "eventide - an event-sourcing engine",
		Long: `An event-sourcing engine: an append-only event log with optimistic
concurrency, live projections with durable indexes, and per-stream
command processing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			opts.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", "", "storage driver (memory|sqlite|postgres), overrides config")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "storage DSN (file path for sqlite), overrides config")

	cmd.AddCommand(NewAppendCommand(opts))
	cmd.AddCommand(NewReadCommand(opts))
	cmd.AddCommand(NewProjectCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

// Logger returns the logger configured for the running command.
func (o *RootOptions) Logger() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.logger
}

// output returns the formatter for cmd.
func (o *RootOptions) output(cmd *cobra.Command) *Output {
	return &Output{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// loadConfig resolves the configuration and applies the storage flags.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}

	if o.Driver == "" && o.DSN == "" {
		return cfg, nil
	}
	if o.Driver != "" {
		cfg.Storage.Driver = o.Driver
	}
	if o.DSN != "" {
		cfg.Storage.DSN = o.DSN
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// openStore opens the backend selected by cfg.
func openStore(ctx context.Context, cfg config.Storage) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return storage.NewMemory(), nil
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// session is an open store and a running engine.
type session struct {
	store  storage.Store
	engine *engine.Engine
}

// startSession opens the configured store and starts an engine over it.
// m may be nil.
func (o *RootOptions) startSession(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*session, error) {
	logger := o.Logger()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	logger.Debug("store opened", "driver", cfg.Storage.Driver)

	eng, err := engine.New(store,
		engine.WithSettings(cfg.Engine()),
		engine.WithLogger(logger),
		engine.WithMetrics(m),
	)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return &session{store: store, engine: eng}, nil
}

// Close stops the engine, then closes the store.
func (s *session) Close() {
	s.engine.Stop()
	s.store.Close()
}
