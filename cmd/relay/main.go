// alpn-relay terminates TLS and forwards each connection to the upstream
// configured for its negotiated ALPN protocol.
// Designed for Cloud Run-style deployment with stateless operation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alpn-relay/internal/config"
	"alpn-relay/internal/middleware"
	"alpn-relay/internal/relay"
	"alpn-relay/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := initLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger.Info("configuration loaded",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("environment", cfg.Environment),
		slog.Any("protocols", cfg.ALPNProtocols()),
		slog.String("default_upstream", cfg.DefaultUpstream),
	)

	cert, err := cfg.Certificate()
	if err != nil {
		return fmt.Errorf("loading TLS certificate: %w", err)
	}

	router := relay.NewRouter(cfg.Routes(), cfg.DefaultUpstream)
	r := relay.New(router, logger)

	server := &transport.Server{
		TLSConfig: transport.NewServerTLSConfig(cert, cfg.ALPNProtocols()),
		Build:     r.NewPipeline,
		Logger:    logger,
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	// Admin endpoint for infrastructure health checks.
	admin := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      adminHandler(logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("admin endpoint starting", slog.String("addr", cfg.AdminAddr))
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", slog.String("error", err.Error()))
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("relay starting", slog.String("addr", cfg.ListenAddr))
		serverErr <- server.Serve(ctx, ln)
	}()

	select {
	case err := <-serverErr:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("relay error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		admin.Close()
	}

	logger.Info("relay stopped")
	return nil
}

// adminHandler serves health and readiness probes behind the standard
// middleware chain. Recovery must be outermost to catch panics from logging.
func adminHandler(logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	return middleware.Chain(
		middleware.Recovery(logger),
		middleware.Logging(logger),
	)(mux)
}

// initLogger creates a structured logger configured for the environment.
// Production uses JSON format for GCP Cloud Logging compatibility.
// Development uses text format for readability.
func initLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if os.Getenv("ENVIRONMENT") == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
