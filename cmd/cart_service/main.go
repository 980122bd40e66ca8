// Package main runs the kids fashion cart service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/abgdnv/kidscart/internal/app"
	"github.com/abgdnv/kidscart/internal/config"
	"github.com/abgdnv/kidscart/pkg/config/configloader"
	"github.com/abgdnv/kidscart/pkg/logger"
	"github.com/abgdnv/kidscart/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

const serviceName = "cart"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Printf("application run failed: %v", err)
		os.Exit(1)
	}
	log.Println("application stopped gracefully")
}

// run loads the configuration, connects the cart backend and serves the cart API until ctx is cancelled.
func run(ctx context.Context) error {
	cfg, cfgErr := configloader.Load[config.Config](serviceName)
	if cfgErr != nil {
		return fmt.Errorf("failed to load configuration: %w", cfgErr)
	}
	log.Printf("Configuration loaded: %v", cfg)

	mLogger := logger.New(cfg.Log.Level, os.Stdout)
	slog.SetDefault(mLogger)

	shutdownTracer, err := telemetry.NewTracerProvider(ctx, serviceName, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer flush(mLogger, "tracer provider", shutdownTracer, cfg.Shutdown.Timeout)

	meterProvider, metricsHandler, err := telemetry.NewMeterProvider(serviceName)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	defer flush(mLogger, "meter provider", meterProvider.Shutdown, cfg.Shutdown.Timeout)

	res, err := app.Connect(ctx, cfg, mLogger)
	if err != nil {
		return fmt.Errorf("failed to connect cart backend: %w", err)
	}
	defer res.Close()

	deps, err := app.SetupDependencies(res.Backend, res.Publisher, meterProvider.Meter(serviceName), metricsHandler, cfg, mLogger)
	if err != nil {
		return fmt.Errorf("failed to set up dependencies: %w", err)
	}
	// Stores unsubscribe from the backend before it is closed.
	defer deps.Registry.Close()

	httpServer := app.SetupHttpServer(deps, cfg)
	pprofServer := &http.Server{
		Addr: cfg.PProf.Addr,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Start the HTTP server
	g.Go(func() error {
		mLogger.Info("HTTP server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	// gracefully shutdown HTTP server on context cancellation
	g.Go(func() error {
		<-gCtx.Done()
		mLogger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// Close carts nobody has touched for a while
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Cart.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				if n := deps.Registry.Sweep(gCtx); n > 0 {
					mLogger.Debug("Idle cart sessions closed", "count", n, "active", deps.Registry.Len())
				}
			}
		}
	})

	// Start the pprof server if enabled
	if cfg.PProf.Enabled {
		g.Go(func() error {
			mLogger.Info("Pprof server listening", slog.String("addr", pprofServer.Addr))
			if err := pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("pprof server failed: %w", err)
			}
			return nil
		})
		// gracefully shutdown pprof server on context cancellation
		g.Go(func() error {
			<-gCtx.Done()
			mLogger.Info("Shutting down pprof server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
			defer cancel()
			return pprofServer.Shutdown(shutdownCtx)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("errgroup encountered an error: %w", err)
	}
	return nil
}

// flush runs a provider shutdown within timeout, logging any error.
func flush(mLogger *slog.Logger, name string, shutdown func(context.Context) error, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		mLogger.Error("Failed to shut down "+name, "error", err)
	}
}
