package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/eventide/internal/handler"
	"github.com/roach88/eventide/internal/metrics"
	"github.com/roach88/eventide/internal/projection"
	"github.com/roach88/eventide/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	MetricsAddr string
	Projections []string

	// ready is called with the bound metrics address once the server
	// accepts connections.
	ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine as a long-lived process",
		Long: `Run the engine over the configured store until interrupted.

The process keeps the projection streams named with --project up to date,
so their durable indexes follow the log. Prometheus metrics are served on
/metrics and a liveness probe on /healthz. Traces are exported over OTLP
when telemetry.otlp_endpoint is configured.

Example:
  eventide serve --driver sqlite --dsn ./events.db --project category:order
  EVENTIDE_TELEMETRY_OTLP_ENDPOINT=http://localhost:4318 eventide serve -c eventide.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "metrics listen address, overrides config")
	cmd.Flags().StringArrayVarP(&opts.Projections, "project", "p", nil, "query whose projection stream is kept indexed (repeatable)")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, out io.Writer) error {
	logger := opts.Logger()

	queries := make([]projection.Query, 0, len(opts.Projections))
	for _, text := range opts.Projections {
		q, err := projection.ParseQuery(text)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --project", err)
		}
		queries = append(queries, q)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	addr := cfg.MetricsAddr
	if opts.MetricsAddr != "" {
		addr = opts.MetricsAddr
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return WrapExitError(ExitCommandError, "set up tracing", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	s, err := opts.startSession(ctx, cfg, m)
	if err != nil {
		return WrapExitError(ExitCommandError, "start engine", err)
	}
	defer s.Close()

	for _, q := range queries {
		if err := s.engine.RegisterProcessor(q.StreamID(), q, handler.ForEvents()); err != nil {
			return WrapExitError(ExitCommandError, "register projection", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "listen", err)
	}
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ln)
	}()

	bound := ln.Addr().String()
	logger.Info("engine serving",
		"driver", cfg.Storage.Driver,
		"metrics_addr", bound,
		"projections", len(queries),
	)
	fmt.Fprintf(out, "eventide serving, metrics on http://%s/metrics\n", bound)
	if opts.ready != nil {
		opts.ready(bound)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return WrapExitError(ExitFailure, "shutdown metrics server", err)
		}
		logger.Info("engine stopped gracefully")
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return WrapExitError(ExitFailure, "serve metrics", err)
	}
}
