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

	"github.com/spf13/cobra"

	"github.com/AtlasGo/JATOS/internal/config"
	"github.com/AtlasGo/JATOS/internal/logging"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "publix",
		Short:        "Study run server with ID cookies and live group channels",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newServeCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

func newServeCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the publix HTTP and WebSocket endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := config.New()
			if err := config.ReadFile(v, configFile); err != nil {
				return err
			}
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			config.Watch(v, logger.Logger, logger.SetLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger.Logger)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&configFile, "config", "", "config file (YAML); default ./publix.yaml if present")
	fs.String("addr", ":9000", "listen address")
	fs.String("base-path", "/", "URL base path, also the ID cookie path")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", logging.FormatText, "log format: text or json")
	fs.String("db-path", "", "SQLite database file; empty keeps results in memory")
	fs.String("seed-file", "", "YAML file with studies, batches and workers to load at startup")
	fs.Duration("sweep-interval", time.Minute, "how often finished groups and batches are torn down; 0 disables")
	fs.StringSlice("allowed-origins", nil, "origins allowed to open channels; empty allows all")
	return cmd
}

// serve runs the server until ctx is canceled, then shuts it down within
// cfg.ShutdownTimeout.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()
	srv.startSweepers(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("publix listening", "addr", cfg.Addr, "base_path", cfg.BasePath)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Info("publix stopped")
	return nil
}
