// Package cart holds the cart line item model, its identity rules and the persisted blob format.
package cart

import (
	"fmt"

	carterrors "github.com/abgdnv/kidscart/internal/errors"
	"github.com/go-playground/validator/v10"
)

// NoVariant stands in for an absent variant in an item key.
const NoVariant = "no-variant"

// ItemKey derives the identity of a line item from its product and optional variant.
func ItemKey(productID, variantID string) string {
	if variantID == "" {
		variantID = NoVariant
	}
	return productID + "-" + variantID
}

// LineItem is one purchasable selection in the cart.
// Price is the unit price captured when the item was added.
type LineItem struct {
	ItemKey       string   `json:"itemKey"`
	ProductID     string   `json:"productId"`
	VariantID     string   `json:"variantId,omitempty"`
	ProductTitle  string   `json:"productTitle,omitempty"`
	ProductImage  string   `json:"productImage,omitempty"`
	ProductHandle string   `json:"productHandle,omitempty"`
	VariantTitle  string   `json:"variantTitle,omitempty"`
	Price         float64  `json:"price"`
	Quantity      Quantity `json:"quantity"`
}

// Key recomputes the item key from the product and variant, ignoring the stored ItemKey.
func (i LineItem) Key() string {
	return ItemKey(i.ProductID, i.VariantID)
}

// LineTotal is quantity times price, zero while the quantity is pending.
func (i LineItem) LineTotal() float64 {
	n, ok := i.Quantity.Int()
	if !ok {
		return 0
	}
	return float64(n) * i.Price
}

// MaxPrice is the largest unit price accepted, and the largest a persisted line may carry.
// With MaxQuantity it keeps every line total and subtotal finite.
const MaxPrice = 10_000_000

// NewItem is the input of an add operation. The bounds match MaxPrice and MaxQuantity.
type NewItem struct {
	ProductID     string  `json:"productId" validate:"required"`
	VariantID     string  `json:"variantId"`
	ProductTitle  string  `json:"productTitle"`
	ProductImage  string  `json:"productImage"`
	ProductHandle string  `json:"productHandle"`
	VariantTitle  string  `json:"variantTitle"`
	Price         float64 `json:"price" validate:"gte=0,lte=10000000"`
	Quantity      int     `json:"quantity" validate:"gte=1,lte=2147483647"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the add input. The returned error wraps ErrInvalidItem and the
// validator.ValidationErrors describing each failed field.
func (n NewItem) Validate() error {
	if err := validate.Struct(n); err != nil {
		return fmt.Errorf("%w: %w", carterrors.ErrInvalidItem, err)
	}
	return nil
}

// LineItem converts the input into a line item with its derived key.
func (n NewItem) LineItem() LineItem {
	return LineItem{
		ItemKey:       ItemKey(n.ProductID, n.VariantID),
		ProductID:     n.ProductID,
		VariantID:     n.VariantID,
		ProductTitle:  n.ProductTitle,
		ProductImage:  n.ProductImage,
		ProductHandle: n.ProductHandle,
		VariantTitle:  n.VariantTitle,
		Price:         n.Price,
		Quantity:      Value(n.Quantity),
	}
}
