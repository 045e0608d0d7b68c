// Command obadapter runs the OneBot protocol adapter daemon: it serves
// the v11 and v12 webhook/WebSocket endpoints, maintains the configured
// reverse-WebSocket connections, and logs every dispatched event.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/onebot-go/adapter/internal/config"
	"github.com/onebot-go/adapter/internal/host"
	"github.com/onebot-go/adapter/internal/v11"
	"github.com/onebot-go/adapter/internal/v12"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: search standard locations)")
	logLevel := flag.String("log-level", "", "override configured log level (trace, debug, info, warn, error)")
	flag.Parse()

	if err := run(*configPath, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath, logLevelOverride string) error {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	levelStr := cfg.LogLevel
	if logLevelOverride != "" {
		levelStr = logLevelOverride
	}
	level, err := config.ParseLogLevel(levelStr)
	if err != nil {
		return err
	}
	logger := config.NewLogger(level)
	slog.SetDefault(logger)
	logger.Info("starting onebot adapter", "config", path, "log_level", level)

	registry := host.NewRegistry(logger)
	adapterV11 := v11.NewAdapter(cfg, registry, logger)
	adapterV12 := v12.NewAdapter(cfg, registry, logger)

	mux := http.NewServeMux()
	adapterV11.RegisterRoutes(mux)
	adapterV12.RegisterRoutes(mux)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapterV11.Start(ctx)
	adapterV12.Start(ctx)

	addr := net.JoinHostPort(cfg.Listen.Address, strconv.Itoa(cfg.Listen.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	adapterV11.Shutdown()
	adapterV12.Shutdown()
	logger.Info("stopped")
	return nil
}
