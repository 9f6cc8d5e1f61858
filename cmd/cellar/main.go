package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cellar/internal/config"
	"cellar/internal/server"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

func Run(ctx context.Context) error {

	listen := flag.String("listen", "", "HTTP listen address")
	dataDir := flag.String("data-dir", "", "directory to store object data")
	configPath := flag.String("config", "cellar.toml", "path to configuration file")

	flag.Parse()

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Flags override the configuration file.
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	srv, err := server.NewServer(ctx, server.Config{
		DataDir:          absDataDir,
		Region:           cfg.Region,
		MaxKeys:          cfg.MaxKeys,
		BatchDeleteLimit: cfg.BatchDeleteLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to create cellar server: %w", err)
	}

	defer srv.Close()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       20 * time.Second,
		WriteTimeout:      20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting Cellar HTTP server", "listen", cfg.Listen, "data_dir", absDataDir)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Cellar Started")
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Cellar exited with error", "error", err)
	}
}
