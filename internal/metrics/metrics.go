// Package metrics records cart and checkout activity through the OpenTelemetry metric API.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	resultOK    = "ok"
	resultError = "error"
)

// Metrics implements cartstore.Observer, cartstore.SessionObserver and checkout.Recorder.
type Metrics struct {
	operations          metric.Int64Counter
	externalReloads     metric.Int64Counter
	persistenceFailures metric.Int64Counter
	activeSessions      metric.Int64UpDownCounter
	orders              metric.Int64Counter
}

func New(meter metric.Meter) (*Metrics, error) {
	operations, err := meter.Int64Counter("cart.operations",
		metric.WithDescription("Cart mutations by operation and result"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cart.operations counter: %w", err)
	}
	externalReloads, err := meter.Int64Counter("cart.external_reloads",
		metric.WithDescription("Carts reloaded after a write by another replica"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cart.external_reloads counter: %w", err)
	}
	persistenceFailures, err := meter.Int64Counter("cart.persistence_failures",
		metric.WithDescription("Cart writes the backend rejected"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cart.persistence_failures counter: %w", err)
	}
	activeSessions, err := meter.Int64UpDownCounter("cart.active_sessions",
		metric.WithDescription("Cart sessions held in memory"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cart.active_sessions counter: %w", err)
	}
	orders, err := meter.Int64Counter("checkout.orders",
		metric.WithDescription("Checkout attempts by result"))
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout.orders counter: %w", err)
	}
	return &Metrics{
		operations:          operations,
		externalReloads:     externalReloads,
		persistenceFailures: persistenceFailures,
		activeSessions:      activeSessions,
		orders:              orders,
	}, nil
}

func result(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}

func (m *Metrics) OperationCompleted(ctx context.Context, op string, err error) {
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("result", result(err)),
	))
}

func (m *Metrics) ExternalReload(ctx context.Context) {
	m.externalReloads.Add(ctx, 1)
}

func (m *Metrics) PersistenceFailed(ctx context.Context) {
	m.persistenceFailures.Add(ctx, 1)
}

func (m *Metrics) SessionsChanged(ctx context.Context, delta int64) {
	m.activeSessions.Add(ctx, delta)
}

func (m *Metrics) OrderPlaced(ctx context.Context, err error) {
	m.orders.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result(err))))
}
