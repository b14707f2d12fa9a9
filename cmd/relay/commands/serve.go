package commands

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/config"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/hub"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/logging"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/metrics"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/presets"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	configFile string
	listen     string
	tracing    string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a hub",
		Long: `Run a hub serving websocket clients on the configured listen address.

Without --config the hub runs standalone on an in-memory broker.

Examples:
  relay serve --config relay.yaml
  relay serve --listen :9000 --tracing stdout`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&opts.configFile, "config", "c", "", "Path to the YAML configuration")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Override the websocket listen address")
	cmd.Flags().StringVar(&opts.tracing, "tracing", "", "Override the trace exporter: none or stdout")
	return cmd
}

func (o *serveOptions) load() (*config.Config, error) {
	cfg := config.Default()
	if o.configFile != "" {
		var err error
		if cfg, err = config.Load(o.configFile); err != nil {
			return nil, err
		}
	}
	if o.listen != "" {
		cfg.Listen = o.listen
	}
	if o.tracing != "" {
		cfg.Tracing = o.tracing
	}
	return cfg, cfg.Validate()
}

func setupTracing(kind string) (func(context.Context) error, error) {
	if kind != config.TracingStdout {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logging.SetLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	logger := logging.New("relay")
	for _, w := range cfg.Warnings() {
		logger.Warnw("configuration", "warning", w)
	}

	shutdownTracing, err := setupTracing(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	h, stack, err := presets.NewHub(cfg, logging.New("hub"))
	if err != nil {
		return err
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.Warnw("close backends", "error", err)
		}
	}()

	reg := metrics.NewRegistry()
	metrics.RegisterPublisherMetrics(reg)
	metrics.RegisterHubMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub.Handler(h, hub.HeaderAuthenticator{}))
	servers := []*http.Server{{Addr: cfg.Listen, Handler: mux}}
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	if cfg.MetricsListen == "" {
		mux.Handle("/metrics", metricsHandler)
	} else {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		servers = append(servers, &http.Server{Addr: cfg.MetricsListen, Handler: metricsMux})
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(ctx) })
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logger.Infow("listening", "addr", srv.Addr, "hub", h.ID())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Infow("stopped")
	return err
}
