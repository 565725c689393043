package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/martinemde/dacli/metrics"
	"github.com/martinemde/dacli/server"
	"github.com/martinemde/dacli/session"
	"github.com/martinemde/dacli/telemetry"
)

var (
	serveAddr   string
	serveWarmup bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the agent over HTTP",
	Long: `Serve the agent over HTTP.

POST /invoke runs one message against a session; sessions are created on
first use and resumed from disk. Prometheus metrics are exposed on
/metrics and traces are exported over OTLP when telemetry is enabled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serveRun(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default server.addr)")
	serveCmd.Flags().BoolVar(&serveWarmup, "warmup", true, "Open the default session before serving")
	rootCmd.AddCommand(serveCmd)
}

func serveRun(ctx context.Context) error {
	cfg := settings.Server
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := telemetry.Setup(ctx, settings.Telemetry, buildVersion)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("Trace exporter shutdown failed", "error", err)
		}
	}()

	m := metrics.New()
	f, err := newFactory(
		session.WithMetrics(m),
		session.WithTracer(telemetry.Tracer("github.com/martinemde/dacli/agentloop")),
		session.WithLimits(cfg.MaxIterations, cfg.MemoryWindow),
	)
	if err != nil {
		return err
	}

	srv, err := server.New(f,
		server.WithMetrics(m),
		server.WithLogger(log),
		server.WithTracer(telemetry.Tracer("github.com/martinemde/dacli/server")),
		server.WithMaxSessions(cfg.MaxSessions),
		server.WithInfo(buildVersion, cfg.Environment),
	)
	if err != nil {
		return err
	}
	if serveWarmup {
		if err := srv.Warmup(ctx); err != nil {
			log.Warn("Default session could not be opened", "error", err)
		}
	}

	ui.Info("Serving on %s", cyan(cfg.Addr))
	return srv.Run(ctx, cfg.Addr)
}
