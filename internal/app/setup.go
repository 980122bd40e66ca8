// Package app wires the cart service together.
package app

import (
	"log/slog"
	"net/http"

	"github.com/abgdnv/kidscart/internal/backend"
	"github.com/abgdnv/kidscart/internal/cartstore"
	"github.com/abgdnv/kidscart/internal/checkout"
	"github.com/abgdnv/kidscart/internal/config"
	"github.com/abgdnv/kidscart/internal/metrics"
	"github.com/abgdnv/kidscart/internal/transport/rest"
	"github.com/abgdnv/kidscart/pkg/messaging"
	"github.com/abgdnv/kidscart/pkg/server"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/metric"
)

type Dependencies struct {
	Registry       *cartstore.Registry
	Checkout       *checkout.Service
	MetricsHandler http.Handler
	Logger         *slog.Logger
	cfg            *config.Config
}

// SetupDependencies builds the session registry and the checkout service on top of b,
// recording their activity on meter.
func SetupDependencies(b backend.Backend, publisher messaging.Publisher, meter metric.Meter, metricsHandler http.Handler, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	m, err := metrics.New(meter)
	if err != nil {
		return nil, err
	}
	registry := cartstore.NewRegistry(b, cfg.Cart.Key, cfg.Cart.SessionTTL, logger,
		cartstore.WithStoreOptions(cartstore.WithObserver(m)),
		cartstore.WithSessionObserver(m),
	)
	checkoutService := checkout.NewService(publisher, checkout.Config{
		ShippingCost: cfg.Cart.ShippingCost,
		Currency:     cfg.Cart.Currency,
		Subject:      cfg.Checkout.Publish.Subject,
	}, logger, checkout.WithRecorder(m))

	return &Dependencies{
		Registry:       registry,
		Checkout:       checkoutService,
		MetricsHandler: metricsHandler,
		Logger:         logger,
		cfg:            cfg,
	}, nil
}

// SetupHttpHandler initializes the router with the cart API and the metrics endpoint.
func SetupHttpHandler(deps *Dependencies) http.Handler {
	mux := server.NewChiRouter(deps.Logger)
	wireRoutes(mux, deps)
	return mux
}

func wireRoutes(mux *chi.Mux, deps *Dependencies) {
	cartHandler := rest.NewHandler(deps.Registry, deps.Checkout, rest.Config{
		ShippingCost:  deps.cfg.Cart.ShippingCost,
		SessionCookie: deps.cfg.Cart.SessionCookie,
		Heartbeat:     deps.cfg.Cart.Heartbeat,
	}, deps.Logger)
	cartHandler.RegisterRoutes(mux)
	if deps.MetricsHandler != nil {
		mux.Handle("/metrics", deps.MetricsHandler)
	}
}

// SetupHttpServer creates and configures the HTTP server of the cart service.
func SetupHttpServer(deps *Dependencies, cfg *config.Config) *http.Server {
	mux := SetupHttpHandler(deps)

	httpCfg := server.HTTPConfig{
		Port:           cfg.HTTPServer.Port,
		MaxHeaderBytes: cfg.HTTPServer.MaxHeaderBytes,
		ReadTimeout:    cfg.HTTPServer.Timeout.Read,
		WriteTimeout:   cfg.HTTPServer.Timeout.Write,
		IdleTimeout:    cfg.HTTPServer.Timeout.Idle,
		ReadHeader:     cfg.HTTPServer.Timeout.ReadHeader,
	}
	return server.NewHTTPServer(httpCfg, mux)
}
