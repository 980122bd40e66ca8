// Package events contains the events emitted by the storefront.
package events

import (
	"encoding/json"
	"time"

	"github.com/abgdnv/kidscart/pkg/messaging"
)

// OrderPlacedEvent is emitted once a cart has been turned into an order.
type OrderPlacedEvent struct {
	Carrier       map[string]string `json:"carrier,omitempty"`
	OrderNumber   string            `json:"order_number"`
	SessionID     string            `json:"session_id"`
	Customer      Customer          `json:"customer"`
	Items         []OrderItem       `json:"items"`
	Subtotal      float64           `json:"subtotal"`
	ShippingCost  float64           `json:"shipping_cost"`
	Total         float64           `json:"total"`
	Currency      string            `json:"currency"`
	PaymentMethod string            `json:"payment_method"`
	PaymentStatus string            `json:"payment_status"`
	Status        string            `json:"status"`
	PlacedAt      time.Time         `json:"placed_at"`

	subject string
}

type Customer struct {
	Name            string `json:"name"`
	Phone           string `json:"phone"`
	Email           string `json:"email"`
	ShippingAddress string `json:"shipping_address"`
	ShippingCity    string `json:"shipping_city"`
	ShippingState   string `json:"shipping_state"`
	ShippingZipCode string `json:"shipping_zip_code,omitempty"`
	ShippingCountry string `json:"shipping_country"`
	Notes           string `json:"notes,omitempty"`
}

type OrderItem struct {
	ProductID string  `json:"product_id"`
	VariantID string  `json:"variant_id,omitempty"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

// WithSubject overrides the default subject.
func (o OrderPlacedEvent) WithSubject(subject string) OrderPlacedEvent {
	o.subject = subject
	return o
}

func (o OrderPlacedEvent) Subject() string {
	if o.subject != "" {
		return o.subject
	}
	return messaging.OrdersPlacedSubject
}

// MessageID is the order number.
func (o OrderPlacedEvent) MessageID() string {
	return o.OrderNumber
}

func (o OrderPlacedEvent) Payload() ([]byte, error) {
	return json.Marshal(o)
}
