package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/polisai/polis-pii/internal/governance"
	"github.com/polisai/polis-pii/pkg/config"
	"github.com/polisai/polis-pii/pkg/engine"
	"github.com/polisai/polis-pii/pkg/telemetry"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the PII HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Server.Address = listenAddr
			}

			logger := newLogger(cmd, cfg)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger, nil)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "Address to listen on (overrides server.address)")
	return cmd
}

// runServe serves the API until ctx is cancelled, then shuts down gracefully.
// onListen, when set, receives the bound address.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, onListen func(net.Addr)) error {
	logger.Info("Starting polis-pii", "address", cfg.Server.Address, "policy_file", cfg.Policy.File, "watch", cfg.Policy.Watch)

	metrics := engine.NewMetrics()

	var (
		eng *engine.Engine
		err error
	)
	if cfg.Policy.Watch {
		watcher, err := config.NewPolicyWatcher(cfg.Policy.File, cfg.Policy.HashSalt, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := watcher.Close(); err != nil {
				logger.Error("Failed to close policy watcher", "error", err)
			}
		}()

		current := watcher.Current()
		eng, err = engine.New(current.Options, engine.Config{
			Logger:     logger,
			PolicyName: current.Name,
			Stream:     streamOptions(cfg),
		})
		if err != nil {
			return err
		}
		go watchPolicy(ctx, watcher.Subscribe(), eng, metrics)
	} else {
		eng, err = buildEngine(cfg, logger)
		if err != nil {
			return err
		}
	}
	logger.Info("Policy active", "policy", eng.PolicyName(), "categories", eng.Categories())

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetryConfig(cfg, eng))
	if err != nil {
		return fmt.Errorf("failed to initialise telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("Failed to flush telemetry", "error", err)
		}
	}()

	handlerCfg := engine.HandlerConfig{
		Engine:         eng,
		Logger:         logger,
		Metrics:        metrics,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		RequestTimeout: cfg.Server.RequestTimeout,
	}
	if len(cfg.Server.RateLimits) > 0 {
		handlerCfg.RateLimiter = governance.NewRateLimiter(cfg.Server.RateLimits)
	}
	handler := engine.NewHandler(handlerCfg)

	server := &http.Server{
		Handler:           otelhttp.NewHandler(handler, "polis.pii"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsEnabled := cfg.Server.TLS != nil && cfg.Server.TLS.Enabled
	if tlsEnabled {
		tlsConfig, err := cfg.Server.TLS.ServerTLS()
		if err != nil {
			return err
		}
		server.TLSConfig = tlsConfig
	}

	listener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to bind listener on %s: %w", cfg.Server.Address, err)
	}

	// Log the actual resolved address (useful when addr is :0)
	logger.Info("Server listening", "addr", listener.Addr().String(), "tls", tlsEnabled)
	if onListen != nil {
		onListen(listener.Addr())
	}

	serveErr := make(chan error, 1)
	go func() {
		if tlsEnabled {
			serveErr <- server.ServeTLS(listener, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			return
		}
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func telemetryConfig(cfg *config.Config, eng *engine.Engine) telemetry.Config {
	categories := make([]string, 0, len(eng.Categories()))
	for _, c := range eng.Categories() {
		categories = append(categories, string(c))
	}
	return telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Policy: telemetry.PolicyInfo{
			Name:       eng.PolicyName(),
			File:       cfg.Policy.File,
			Watch:      cfg.Policy.Watch,
			Categories: categories,
		},
	}
}

// watchPolicy applies every validated policy edit to the running engine. The engine
// logs each outcome.
func watchPolicy(ctx context.Context, updates <-chan config.PolicyUpdate, eng *engine.Engine, metrics *engine.Metrics) {
	for update := range updates {
		status := "applied"
		if err := eng.Reload(ctx, update.Name, update.Options); err != nil {
			status = "rejected"
		}
		metrics.RecordPolicyReload(status)
	}
}
