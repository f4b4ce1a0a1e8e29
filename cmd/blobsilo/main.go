package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eteran/blobsilo/internal/auth"
	"github.com/eteran/blobsilo/internal/blob"
	"github.com/eteran/blobsilo/internal/config"
	"github.com/eteran/blobsilo/internal/core"
	"github.com/eteran/blobsilo/internal/metadata"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func Run(ctx context.Context, args []string) error {

	flagSet := pflag.NewFlagSet("blobsilo", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to a YAML config file (default: $BLOBSILO_CONFIG)")
	listen := flagSet.String("listen", "", "HTTP listen address, overrides the config file")
	sweepOnce := flagSet.Bool("sweep", false, "run one sweep and reconcile pass, then exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.Level(level),
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	driver, err := metadata.ParseDriver(cfg.Metadata.Driver)
	if err != nil {
		return err
	}

	meta, err := metadata.Open(ctx, driver, cfg.Metadata.DSN)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}

	defer meta.Close()

	blobCfg, err := cfg.BlobConfig()
	if err != nil {
		return err
	}

	store, err := blob.NewStore(blobCfg, meta)
	if err != nil {
		return fmt.Errorf("failed to create blob store: %w", err)
	}

	sweeper := blob.NewSweeper(store,
		blob.WithInterval(cfg.Sweeper.Interval),
		blob.WithReconcile(cfg.Sweeper.Reconcile),
	)

	if *sweepOnce {
		removed, err := sweeper.SweepNow(ctx)
		if err != nil {
			return err
		}
		report, err := sweeper.Reconcile(ctx)
		if err != nil {
			return err
		}
		slog.Info("Sweep complete", "removed", removed, "temp_files", report.TempFiles, "orphans", report.Orphans)
		return nil
	}

	opts := []core.ConfigOption{
		core.WithStore(store),
		core.WithSweeper(sweeper),
		core.WithMaskErrors(cfg.Server.MaskErrors),
		core.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		core.WithHealthCheck(meta.Ping),
	}
	if engine := authEngine(cfg.Server.Users); engine != nil {
		opts = append(opts, core.WithAuthEngine(engine))
	}

	server, err := core.NewServer(core.NewConfig(opts...))
	if err != nil {
		return fmt.Errorf("failed to create blobsilo server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		return sweeper.Run(ctx)
	})

	eg.Go(func() error {
		slog.Info("Starting blobsilo HTTP server", "listen", cfg.Listen, "root", blobCfg.Root)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Blobsilo Started")
	return eg.Wait()
}

// authEngine accepts any of the configured users, or returns nil when there
// are none.
func authEngine(users []config.UserConfig) auth.AuthEngine {
	if len(users) == 0 {
		return nil
	}

	engines := make([]auth.AuthEngine, 0, len(users))
	for _, u := range users {
		engines = append(engines, auth.NewBasicAuthEngine(u.Username, u.Password))
	}
	return auth.NewCompoundAuthEngine(engines...)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, os.Args[1:]); err != nil {
		slog.Error("Blobsilo exited with error", "error", err)
		os.Exit(1)
	}
}
