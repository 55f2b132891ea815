package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/detectrelay/detectrelay/internal/api"
	"github.com/detectrelay/detectrelay/internal/config"
	"github.com/detectrelay/detectrelay/internal/db"
	"github.com/detectrelay/detectrelay/internal/detector"
	"github.com/detectrelay/detectrelay/internal/janitor"
	"github.com/detectrelay/detectrelay/internal/logging"
	"github.com/detectrelay/detectrelay/internal/pipeline"
	"github.com/detectrelay/detectrelay/internal/progress"
	"github.com/detectrelay/detectrelay/internal/transcode"
	"github.com/detectrelay/detectrelay/internal/ui"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func runServe(parent context.Context, cfg config.Config, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	startTime := time.Now()

	lock, err := lockDataDir(cfg)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	for _, dir := range []string{cfg.UploadDir(), cfg.TempDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	logger := logging.NewLogger(cfg.LogLevel(), cfg.LogFormat())
	logger.Info("starting detectrelay", "version", config.Version, "data_dir", cfg.DataDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	ledger := janitor.NewLedger(database.Conn(), logging.WithComponent(logger, "janitor"))
	sweepAtStartup(parent, ledger, logger)

	bus := progress.NewBus(logging.WithComponent(logger, "progress"))

	ffmpeg := transcode.New(transcode.Config{
		FFmpegPath:  cfg.FFmpegPath(),
		FFprobePath: cfg.FFprobePath(),
		Timeout:     cfg.TranscodeTimeout(),
		Logger:      logging.WithComponent(logger, "transcode"),
	})
	probe := transcode.NewCachedProbe(ffmpeg, logging.WithComponent(logger, "transcode"))

	proc := pipeline.New(pipeline.Config{
		Detector:   detector.NewClient(cfg.DetectorBaseURL(), cfg.DetectorTimeout(), logging.WithComponent(logger, "detector")),
		Transcoder: ffmpeg,
		Progress:   bus,
		Ledger:     ledger,
		TempDir:    cfg.TempDir(),
		Image:      cfg.ImagePolicy(),
		Video:      cfg.VideoPolicy(),
		Logger:     logger,
	})

	server := api.NewServer(api.ServerConfig{
		BindAddress: cfg.BindAddress(),
		Port:        cfg.Port(),
		Processor:   proc,
		Bus:         bus,
		Probe:       probe,
		Uploads: api.UploadLimits{
			Dir:          cfg.UploadDir(),
			MaxBytes:     cfg.MaxUploadBytes(),
			AllowedTypes: cfg.AllowedTypes(),
		},
		AllowedOrigins: cfg.AllowedOrigins(),
		Logger:         logging.WithComponent(logger, "api"),
		StartTime:      startTime,
		Version:        config.Version,
	})

	fmt.Fprintln(out, renderBanner(cfg))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	quitCh := make(chan struct{})
	var quitOnce sync.Once
	quit := func() { quitOnce.Do(func() { close(quitCh) }) }

	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	g.Go(func() error {
		probe.Watch(gctx, transcode.DefaultProbeInterval)
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-quitCh:
		}
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown HTTP server", "error", err)
		}
		return nil
	})

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Addr:   server.Addr(),
			Logger: logger,
			Stats: func() ui.Stats {
				return ui.Stats{ActiveJobs: len(proc.Active()), ProgressClients: bus.Len()}
			},
			OnQuit: quit,
		})
		go tray.Run()
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// sweepAtStartup removes artifacts recorded by jobs that never released them.
func sweepAtStartup(ctx context.Context, ledger *janitor.Ledger, logger *slog.Logger) {
	results, err := ledger.Sweep(ctx)
	if err != nil {
		logger.Warn("startup sweep failed", "error", err)
		return
	}
	if len(results) == 0 {
		return
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	logger.Info("startup sweep finished", "swept", len(results)-failed, "failed", failed)
}

func renderBanner(cfg config.Config) string {
	addr := net.JoinHostPort(cfg.BindAddress(), strconv.Itoa(cfg.Port()))

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("DETECTRELAY v" + config.Version)
	tw.AppendRows([]table.Row{
		{"API", "http://" + addr + "/api"},
		{"Progress", "ws://" + addr + "/ws"},
		{"Detector", cfg.DetectorBaseURL()},
		{"Data dir", logging.SanitizePath(cfg.DataDir())},
	})
	return tw.Render()
}
