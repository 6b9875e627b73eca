package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/netxfer/internal/cleanup"
	"github.com/italolelis/netxfer/internal/config"
	"github.com/italolelis/netxfer/internal/downloader"
	"github.com/italolelis/netxfer/internal/engine"
	"github.com/italolelis/netxfer/internal/http/rest"
	"github.com/italolelis/netxfer/internal/logctx"
	"github.com/italolelis/netxfer/internal/multi"
	"github.com/italolelis/netxfer/internal/notifier"
	"github.com/italolelis/netxfer/internal/storage/sqlite"
	"github.com/italolelis/netxfer/internal/telemetry"
	"github.com/italolelis/netxfer/internal/throttle"
	"github.com/italolelis/netxfer/internal/transfer"
)

const usage = `usage: netxfer <command> [flags]

commands:
  serve     run the transfer service and its status API
  fetch     transfer one or more URLs
  version   print version information
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "serve":
		err = withLogger(ctx, os.Stdout, cfg, func(ctx context.Context) error { return run(ctx, cfg) })
	case "fetch":
		err = withLogger(ctx, os.Stderr, cfg, func(ctx context.Context) error { return fetch(ctx, cfg, os.Args[2:]) })
	case "version":
		fmt.Println(transfer.Version())
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

// withLogger installs the JSON logger, fanned out to OTLP when configured,
// and runs fn with it in the context.
func withLogger(ctx context.Context, w io.Writer, cfg *config.Config, fn func(context.Context) error) error {
	base := logctx.NewTraceHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	handler, shutdown, err := telemetry.NewLogHandler(ctx, base, telemetry.LogConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPLogsEndpoint,
		Insecure:    cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return err
	}

	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Error("failed to flush logs", "err", err)
		}
	}()

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return fn(logctx.WithLogger(ctx, logger))
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("netxfer starting...", "log_level", cfg.LogLevel, "version", transfer.Version())

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: transfer.Version(),
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		RuntimeMetrics: true,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.Journal.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedTransferRepository(database, tel)

	// =========================================================================
	// Start Transfers
	coord := multi.New(
		multi.WithMaxConcurrent(cfg.MaxConcurrent),
		multi.WithLogger(logger),
		multi.WithTelemetry(tel),
	)

	opts, closeShare, err := transferOptions(ctx, cfg, coord, tel)
	if err != nil {
		return err
	}
	defer closeShare()

	dl := downloader.NewDownloader(cfg.OutputDir, append(opts, transfer.WithJournal(repo))...)

	// =========================================================================
	// Start Notification
	setupNotificationForDownloader(ctx, dl, cfg, opts)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, dl, repo, tel, cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coord.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		runCleanup(gctx, repo, cfg)

		return nil
	})

	logger.Info("waiting for transfers...",
		"output_dir", cfg.OutputDir,
		"max_concurrent", cfg.MaxConcurrent,
		"retention", cfg.Journal.Retention.String(),
	)

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(sctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		dl.Close()

		if err := coord.Close(); err != nil {
			logger.Debug("coordinator already closed", "err", err)
		}

		return nil
	})

	return g.Wait()
}

// transferOptions builds the options shared by every transfer of this process.
func transferOptions(ctx context.Context, cfg *config.Config, coord transfer.Coordinator, tel *telemetry.Telemetry) ([]transfer.Option, func(), error) {
	logger := logctx.LoggerFromContext(ctx)

	transfer.SetAllowsProxy(cfg.Proxy.Allow)
	transfer.SetProxyUserIDAndPassword(cfg.Proxy.UserPwd)

	var limiter *throttle.Limiter

	if cfg.Throttle.RPS > 0 {
		l, err := throttle.New(cfg.Throttle.RPS, cfg.Throttle.Burst, func() *slog.Logger { return logger })
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create limiter: %w", err)
		}

		limiter = l
	}

	share, err := engine.NewShare()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create share: %w", err)
	}

	closeShare := func() {
		if err := share.Close(); err != nil {
			logger.Error("failed to close share", "err", err)
		}
	}

	opts := []transfer.Option{
		transfer.WithEngines(transfer.NewEngines(transfer.EngineConfig{Limiter: limiter, UserAgent: cfg.UserAgent})),
		transfer.WithLogger(logger),
		transfer.WithTelemetry(tel),
		transfer.WithShare(share),
		transfer.WithTimeout(cfg.Timeout),
	}

	if coord != nil {
		opts = append(opts, transfer.WithCoordinator(coord))
	}

	if cfg.KnownHosts != "" {
		opts = append(opts, transfer.WithKnownHostsFile(cfg.KnownHosts))
	}

	return opts, closeShare, nil
}

func setupNotificationForDownloader(ctx context.Context, dl *downloader.Downloader, cfg *config.Config, opts []transfer.Option) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.WebhookURL != "" {
		notif = &notifier.WebhookNotifier{WebhookURL: cfg.WebhookURL, Options: opts}
	}

	notify := func(content string, ev downloader.Event) {
		if notif == nil {
			return
		}

		if err := notif.Notify(ctx, content); err != nil {
			logger.Error("failed to send notification", "transfer_id", ev.ID, "err", err)
		}
	}

	go func() {
		for ev := range dl.OnTransferFailed {
			logger.Error("transfer failed", "transfer_id", ev.ID, "err", ev.Err)

			notify(fmt.Sprintf("❌ Transfer failed: %s (%s): %v", ev.URL, ev.ID, ev.Err), ev)
		}
	}()

	go func() {
		for ev := range dl.OnTransferFinished {
			logger.Info("transfer finished", "transfer_id", ev.ID, "path", ev.Path)

			notify(fmt.Sprintf("✅ Transfer finished: %s (%s)", ev.URL, ev.ID), ev)
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, dl *downloader.Downloader, repo *sqlite.InstrumentedTransferRepository, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	tHandler := rest.NewTransferHandler(dl, repo, cfg.Web.Username, cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID, telemetry.HTTPLogging, telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	r.Mount("/", tHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "status-api"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func runCleanup(ctx context.Context, repo cleanup.Journal, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	cleanupTicker := time.NewTicker(cfg.Journal.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-cleanupTicker.C:
			if err := cleanup.DeleteExpired(ctx, repo, cfg.OutputDir, cfg.Journal.Retention); err != nil {
				logger.Error("failed to delete expired transfers", "err", err)
			}
		}
	}
}
