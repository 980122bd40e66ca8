// Package errors provides the sentinel errors of the cart service.
package errors

import "errors"

// ErrCorruptPersistedState is reported when a persisted cart is neither a sequence of line items,
// a single line item, nor absent.
var ErrCorruptPersistedState = errors.New("corrupt persisted cart state")

// ErrPersistenceWriteFailed is returned by a mutation whose in-memory effect was applied
// but could not be written to the backend.
var ErrPersistenceWriteFailed = errors.New("failed to persist cart")
var ErrPersistenceReadFailed = errors.New("failed to read persisted cart")

var ErrNegativeQuantity = errors.New("quantity must not be negative")
var ErrInvalidQuantity = errors.New("invalid quantity")
var ErrInvalidItem = errors.New("invalid cart item")

var ErrEmptyCart = errors.New("cart is empty")
var ErrPendingQuantity = errors.New("cart has an item with a quantity being edited")

var ErrStoreClosed = errors.New("cart store is closed")
var ErrBackendClosed = errors.New("cart backend is closed")

var ErrInvalidCustomer = errors.New("invalid customer details")
var ErrPublishFailed = errors.New("failed to publish order")
