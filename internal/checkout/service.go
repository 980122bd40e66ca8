// Package checkout turns a session's cart into a cash-on-delivery order.
package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/abgdnv/kidscart/internal/cart"
	"github.com/abgdnv/kidscart/internal/cartstore"
	carterrors "github.com/abgdnv/kidscart/internal/errors"
	"github.com/abgdnv/kidscart/internal/pricing"
	"github.com/abgdnv/kidscart/pkg/messaging"
	"github.com/abgdnv/kidscart/pkg/messaging/events"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	PaymentMethodCashOnDelivery = "CASH_ON_DELIVERY"
	StatusPending               = "PENDING"
	ShippingCountry             = "Bangladesh"
)

// Customer is the checkout form. Zip code and notes are optional.
type Customer struct {
	Name            string `json:"customerName" validate:"required"`
	Phone           string `json:"customerPhone" validate:"required"`
	Email           string `json:"customerEmail" validate:"required,email"`
	ShippingAddress string `json:"shippingAddress" validate:"required"`
	ShippingCity    string `json:"shippingCity" validate:"required"`
	ShippingState   string `json:"shippingState" validate:"required"`
	ShippingZipCode string `json:"shippingZipCode"`
	Notes           string `json:"notes"`
}

type OrderItem struct {
	ProductID string  `json:"productId"`
	VariantID string  `json:"variantId,omitempty"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

// Order is the placed order as returned to the shopper.
type Order struct {
	OrderNumber     string      `json:"orderNumber"`
	Items           []OrderItem `json:"items"`
	Subtotal        float64     `json:"subtotal"`
	ShippingCost    float64     `json:"shippingCost"`
	Total           float64     `json:"total"`
	Currency        string      `json:"currency"`
	PaymentMethod   string      `json:"paymentMethod"`
	PaymentStatus   string      `json:"paymentStatus"`
	Status          string      `json:"status"`
	Customer        Customer    `json:"customer"`
	ShippingCountry string      `json:"shippingCountry"`
	PlacedAt        time.Time   `json:"placedAt"`
}

// Cart is the part of a cart store checkout needs.
type Cart interface {
	Snapshot() cartstore.Snapshot
	Settle(ctx context.Context, ordered []cart.LineItem) (cartstore.Snapshot, error)
}

// Recorder is told about every checkout attempt that reached the publisher.
type Recorder interface {
	OrderPlaced(ctx context.Context, err error)
}

type nopRecorder struct{}

func (nopRecorder) OrderPlaced(context.Context, error) {}

type Config struct {
	ShippingCost float64
	Currency     string
	// Subject overrides the subject OrderPlacedEvent is published on.
	Subject string
}

type Option func(*Service)

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithClock replaces the time source used for order numbers and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	publisher messaging.Publisher
	cfg       Config
	logger    *slog.Logger
	recorder  Recorder
	validate  *validator.Validate
	now       func() time.Time
}

func NewService(publisher messaging.Publisher, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if cfg.Currency == "" {
		cfg.Currency = pricing.Currency
	}
	s := &Service{
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		recorder:  nopRecorder{},
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceOrder validates the customer form, builds an order from the cart and publishes an
// OrderPlacedEvent. The ordered lines are settled out of the cart only once the event is
// published; on any failure the cart is left untouched so the shopper can retry. Items added from
// another tab while the order was being placed stay in the cart.
func (s *Service) PlaceOrder(ctx context.Context, sessionID string, c Cart, customer Customer) (*Order, error) {
	if err := s.validate.Struct(customer); err != nil {
		return nil, fmt.Errorf("%w: %w", carterrors.ErrInvalidCustomer, err)
	}

	snap := c.Snapshot()
	if len(snap.Items) == 0 {
		return nil, carterrors.ErrEmptyCart
	}
	items, err := orderItems(snap.Items)
	if err != nil {
		return nil, err
	}

	placedAt := s.now().UTC()
	subtotal := pricing.Subtotal(snap.Items)
	order := &Order{
		OrderNumber:     orderNumber(placedAt),
		Items:           items,
		Subtotal:        subtotal,
		ShippingCost:    s.cfg.ShippingCost,
		Total:           pricing.Total(snap.Items, s.cfg.ShippingCost),
		Currency:        s.cfg.Currency,
		PaymentMethod:   PaymentMethodCashOnDelivery,
		PaymentStatus:   StatusPending,
		Status:          StatusPending,
		Customer:        customer,
		ShippingCountry: ShippingCountry,
		PlacedAt:        placedAt,
	}

	err = s.publisher.Publish(ctx, s.event(ctx, sessionID, order))
	s.recorder.OrderPlaced(ctx, err)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish OrderPlacedEvent", "order_number", order.OrderNumber, "error", err)
		return nil, fmt.Errorf("%w: %w", carterrors.ErrPublishFailed, err)
	}
	s.logger.InfoContext(ctx, "Order placed", "order_number", order.OrderNumber, "items", len(items), "total", order.Total)

	// The order exists now; a cart that cannot be cleared must not fail the checkout.
	if _, err := c.Settle(ctx, snap.Items); err != nil {
		s.logger.WarnContext(ctx, "Failed to clear cart after checkout", "order_number", order.OrderNumber, "error", err)
	}
	return order, nil
}

func orderItems(lines []cart.LineItem) ([]OrderItem, error) {
	items := make([]OrderItem, 0, len(lines))
	for _, line := range lines {
		n, ok := line.Quantity.Int()
		if !ok {
			return nil, fmt.Errorf("%w: %s", carterrors.ErrPendingQuantity, line.ItemKey)
		}
		items = append(items, OrderItem{
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Quantity:  n,
			Price:     line.Price,
		})
	}
	return items, nil
}

// orderNumber renders "ORD-<unix millis>-<0..999>".
func orderNumber(t time.Time) string {
	return "ORD-" + strconv.FormatInt(t.UnixMilli(), 10) + "-" + strconv.Itoa(rand.IntN(1000))
}

func (s *Service) event(ctx context.Context, sessionID string, order *Order) messaging.Event {
	carrier := make(propagation.MapCarrier)
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	items := make([]events.OrderItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, events.OrderItem{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			Price:     item.Price,
		})
	}
	event := events.OrderPlacedEvent{
		Carrier:     carrier,
		OrderNumber: order.OrderNumber,
		SessionID:   sessionID,
		Customer: events.Customer{
			Name:            order.Customer.Name,
			Phone:           order.Customer.Phone,
			Email:           order.Customer.Email,
			ShippingAddress: order.Customer.ShippingAddress,
			ShippingCity:    order.Customer.ShippingCity,
			ShippingState:   order.Customer.ShippingState,
			ShippingZipCode: order.Customer.ShippingZipCode,
			ShippingCountry: order.ShippingCountry,
			Notes:           order.Customer.Notes,
		},
		Items:         items,
		Subtotal:      order.Subtotal,
		ShippingCost:  order.ShippingCost,
		Total:         order.Total,
		Currency:      order.Currency,
		PaymentMethod: order.PaymentMethod,
		PaymentStatus: order.PaymentStatus,
		Status:        order.Status,
		PlacedAt:      order.PlacedAt,
	}
	if s.cfg.Subject != "" {
		return event.WithSubject(s.cfg.Subject)
	}
	return event
}
