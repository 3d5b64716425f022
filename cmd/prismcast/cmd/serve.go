package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/prismcast/prismcast/internal/capture"
	"github.com/prismcast/prismcast/internal/channels"
	"github.com/prismcast/prismcast/internal/config"
	internalhttp "github.com/prismcast/prismcast/internal/http"
	"github.com/prismcast/prismcast/internal/http/handlers"
	"github.com/prismcast/prismcast/internal/observability"
	"github.com/prismcast/prismcast/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the prismcast server",
	Long: `Start the prismcast HTTP server.

The server provides:
- Per-channel HLS egress: playlist.m3u8, init.mp4, segmentN.m4s
- Channel line-up and status endpoints
- Prometheus metrics at /metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	applyLoggingFlags(cmd, cfg)

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	channelList := make([]channels.Channel, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channelList = append(channelList, channels.Channel{ID: ch.ID, Name: ch.Name, URL: ch.URL})
	}
	registry := channels.NewStaticRegistry(channelList)

	source := &capture.CommandSource{
		Command: cfg.Capture.Command,
		Logger:  observability.WithComponent(logger, "capture"),
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := supervisor.NewMetrics(promReg)

	sup := supervisor.New(source, registry, metrics, supervisor.Config{
		SegmentDuration:     cfg.HLS.SegmentDuration,
		MaxSegments:         cfg.HLS.MaxSegments,
		KeyframeDiagnostics: cfg.HLS.KeyframeDiagnostics,
		IdleTimeout:         cfg.Capture.IdleTimeout,
		ReadBufferSize:      cfg.Capture.ReadBufferSize,
		MaxRestarts:         cfg.Capture.MaxRestarts,
		RestartWindow:       cfg.Capture.RestartWindow,
		Logger:              observability.WithComponent(logger, "supervisor"),
	})

	server := internalhttp.NewServer(internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, observability.WithComponent(logger, "http"))

	router := server.Router()
	handlers.NewStreamHandler(sup, logger).Routes(router)
	handlers.NewStatusHandler(sup, registry, logger).Routes(router)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	logger.Info("prismcast starting",
		slog.Int("channels", len(channelList)),
		slog.Float64("segment_duration", cfg.HLS.SegmentDuration),
		slog.Int("max_segments", cfg.HLS.MaxSegments))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		err := sup.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return server.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return fmt.Errorf("server exited: %w", err)
	}
	return nil
}

// applyLoggingFlags lets explicit CLI flags override config and env values,
// preserving the priority flag > env > file > default.
func applyLoggingFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Root().PersistentFlags()
	if flags.Changed("log-level") {
		if v, err := flags.GetString("log-level"); err == nil {
			cfg.Logging.Level = v
		}
	}
	if flags.Changed("log-format") {
		if v, err := flags.GetString("log-format"); err == nil {
			cfg.Logging.Format = v
		}
	}
}
