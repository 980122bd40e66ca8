// Package rest exposes the cart and checkout over HTTP.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/abgdnv/kidscart/internal/cart"
	"github.com/abgdnv/kidscart/internal/cartstore"
	"github.com/abgdnv/kidscart/internal/checkout"
	carterrors "github.com/abgdnv/kidscart/internal/errors"
	"github.com/abgdnv/kidscart/internal/pricing"
	"github.com/abgdnv/kidscart/pkg/web"
	"github.com/go-chi/chi/v5"
)

// Sessions resolves the cart store of a session.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (*cartstore.Store, error)
}

type Checkout interface {
	PlaceOrder(ctx context.Context, sessionID string, c checkout.Cart, customer checkout.Customer) (*checkout.Order, error)
}

type Config struct {
	ShippingCost  float64
	SessionCookie string
	// Heartbeat is the interval of keep-alive comments on the event stream.
	Heartbeat time.Duration
}

type Handler struct {
	sessions Sessions
	checkout Checkout
	cfg      Config
	logger   *slog.Logger
}

// NewHandler creates the cart API handler.
func NewHandler(sessions Sessions, checkout Checkout, cfg Config, logger *slog.Logger) *Handler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	return &Handler{
		sessions: sessions,
		checkout: checkout,
		cfg:      cfg,
		logger:   logger.With("component", "rest"),
	}
}

// RegisterRoutes registers the cart, checkout and health routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(SessionMiddleware(h.cfg.SessionCookie))
		r.Route("/api/v1/cart", func(r chi.Router) {
			r.Get("/", h.GetCart)
			r.Delete("/", h.ClearCart)
			r.Get("/events", h.Events)
			r.Post("/items", h.AddItem)
			r.Put("/items/{itemKey}", h.UpdateQuantity)
			r.Delete("/items/{itemKey}", h.RemoveItem)
		})
		r.Post("/api/v1/checkout", h.PlaceOrder)
	})
	r.Get("/healthz", h.HealthCheck)
}

// CartResponse is a cart snapshot with its totals.
type CartResponse struct {
	Items             []cart.LineItem `json:"items"`
	Loading           bool            `json:"loading"`
	ItemCount         int             `json:"itemCount"`
	Subtotal          float64         `json:"subtotal"`
	ShippingCost      float64         `json:"shippingCost"`
	Total             float64         `json:"total"`
	FormattedSubtotal string          `json:"formattedSubtotal"`
	FormattedShipping string          `json:"formattedShippingCost"`
	FormattedTotal    string          `json:"formattedTotal"`
}

func (h *Handler) toResponse(snap cartstore.Snapshot) CartResponse {
	count := 0
	for _, item := range snap.Items {
		if n, ok := item.Quantity.Int(); ok {
			count += n
		}
	}
	subtotal := pricing.Subtotal(snap.Items)
	total := pricing.Total(snap.Items, h.cfg.ShippingCost)
	return CartResponse{
		Items:             snap.Items,
		Loading:           snap.Loading,
		ItemCount:         count,
		Subtotal:          subtotal,
		ShippingCost:      h.cfg.ShippingCost,
		Total:             total,
		FormattedSubtotal: pricing.FormatPrice(subtotal),
		FormattedShipping: pricing.FormatPrice(h.cfg.ShippingCost),
		FormattedTotal:    pricing.FormatPrice(total),
	}
}

// GetCart returns the session's cart with its totals.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	mLogger := h.requestLogger(r)
	store, ok := h.store(w, r, mLogger)
	if !ok {
		return
	}
	web.RespondJSON(w, mLogger, http.StatusOK, h.toResponse(store.Snapshot()))
}

// AddItem adds a product to the cart, merging it into an existing line of the same product and variant.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	mLogger := h.requestLogger(r)
	var newItem cart.NewItem
	if err := json.NewDecoder(r.Body).Decode(&newItem); err != nil {
		mLogger.WarnContext(r.Context(), "Error decoding request body", "error", err)
		web.RespondError(w, mLogger, http.StatusBadRequest, "Invalid request body")
		return
	}
	mLogger.DebugContext(r.Context(), "Received request to add item", "product_id", newItem.ProductID, "variant_id", newItem.VariantID)
	h.mutate(w, r, mLogger, func(store *cartstore.Store) (cartstore.Snapshot, error) {
		return store.AddItem(r.Context(), newItem)
	})
}

type updateQuantityRequest struct {
	Quantity json.RawMessage `json:"quantity"`
}

// UpdateQuantity sets a line's quantity. {"quantity": ""} marks it as being edited and 0 removes it.
func (h *Handler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	mLogger := h.requestLogger(r)
	itemKey := chi.URLParam(r, "itemKey")

	var req updateQuantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Quantity) == 0 {
		mLogger.WarnContext(r.Context(), "Error decoding request body", "error", err)
		web.RespondError(w, mLogger, http.StatusBadRequest, "Invalid request body")
		return
	}
	var q cart.Quantity
	if err := q.UnmarshalJSON(req.Quantity); err != nil {
		mLogger.WarnContext(r.Context(), "Invalid quantity", "item_key", itemKey, "error", err)
		web.RespondError(w, mLogger, http.StatusBadRequest, err.Error())
		return
	}
	mLogger.DebugContext(r.Context(), "Received request to update quantity", "item_key", itemKey, "quantity", q.String())
	h.mutate(w, r, mLogger, func(store *cartstore.Store) (cartstore.Snapshot, error) {
		return store.UpdateQuantity(r.Context(), itemKey, q)
	})
}

// RemoveItem deletes a line from the cart. Unknown keys leave the cart unchanged.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	mLogger := h.requestLogger(r)
	itemKey := chi.URLParam(r, "itemKey")
	h.mutate(w, r, mLogger, func(store *cartstore.Store) (cartstore.Snapshot, error) {
		return store.RemoveItem(r.Context(), itemKey)
	})
}

// ClearCart empties the cart.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.requestLogger(r), func(store *cartstore.Store) (cartstore.Snapshot, error) {
		return store.Clear(r.Context())
	})
}

// PlaceOrder checks out the session's cart.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	mLogger := h.requestLogger(r)
	var customer checkout.Customer
	if err := json.NewDecoder(r.Body).Decode(&customer); err != nil {
		mLogger.WarnContext(r.Context(), "Error decoding request body", "error", err)
		web.RespondError(w, mLogger, http.StatusBadRequest, "Invalid request body")
		return
	}
	store, ok := h.store(w, r, mLogger)
	if !ok {
		return
	}

	c := &sessionCart{Store: store, sessions: h.sessions, sessionID: SessionID(r.Context())}
	order, err := h.checkout.PlaceOrder(r.Context(), c.sessionID, c, customer)
	switch {
	case err == nil:
		mLogger.InfoContext(r.Context(), "Order placed successfully", "order_number", order.OrderNumber)
		web.RespondJSON(w, mLogger, http.StatusCreated, order)
	case errors.Is(err, carterrors.ErrInvalidCustomer):
		web.RespondValidationError(w, r, mLogger, err)
	case errors.Is(err, carterrors.ErrEmptyCart):
		web.RespondError(w, mLogger, http.StatusBadRequest, "Your cart is empty")
	case errors.Is(err, carterrors.ErrPendingQuantity):
		web.RespondError(w, mLogger, http.StatusBadRequest, "Please enter a quantity for every item")
	case errors.Is(err, carterrors.ErrPublishFailed):
		web.RespondError(w, mLogger, http.StatusServiceUnavailable, "Failed to place order, please try again")
	default:
		mLogger.ErrorContext(r.Context(), "Error placing order", "error", err)
		web.RespondError(w, mLogger, http.StatusInternalServerError, "Failed to place order")
	}
}

// HealthCheck is a simple health check endpoint.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// persistenceFailure is returned with 503 when the change was applied but not saved.
type persistenceFailure struct {
	Error string       `json:"error"`
	Cart  CartResponse `json:"cart"`
}

func (h *Handler) respondMutation(w http.ResponseWriter, r *http.Request, logger *slog.Logger, snap cartstore.Snapshot, err error) {
	switch {
	case err == nil:
		web.RespondJSON(w, logger, http.StatusOK, h.toResponse(snap))
	case errors.Is(err, carterrors.ErrInvalidItem):
		web.RespondValidationError(w, r, logger, err)
	case errors.Is(err, carterrors.ErrNegativeQuantity), errors.Is(err, carterrors.ErrInvalidQuantity):
		web.RespondError(w, logger, http.StatusBadRequest, err.Error())
	case errors.Is(err, carterrors.ErrPersistenceWriteFailed):
		logger.WarnContext(r.Context(), "Cart changed but not saved", "error", err)
		web.RespondJSON(w, logger, http.StatusServiceUnavailable, persistenceFailure{
			Error: "Your cart was updated but could not be saved",
			Cart:  h.toResponse(snap),
		})
	case errors.Is(err, carterrors.ErrStoreClosed):
		web.RespondError(w, logger, http.StatusServiceUnavailable, "Cart session expired, please retry")
	default:
		logger.ErrorContext(r.Context(), "Error updating cart", "error", err)
		web.RespondError(w, logger, http.StatusInternalServerError, "Failed to update cart")
	}
}

// mutate applies op to the session's store and writes the response. A store closed by the idle
// sweep after it was resolved is resolved again once.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op func(*cartstore.Store) (cartstore.Snapshot, error)) {
	store, ok := h.store(w, r, logger)
	if !ok {
		return
	}
	snap, err := op(store)
	if errors.Is(err, carterrors.ErrStoreClosed) {
		logger.DebugContext(r.Context(), "Cart store closed during request, resolving again")
		if store, ok = h.store(w, r, logger); !ok {
			return
		}
		snap, err = op(store)
	}
	h.respondMutation(w, r, logger, snap, err)
}

// sessionCart settles a checkout on a fresh store when the one it was read from has been swept.
type sessionCart struct {
	*cartstore.Store
	sessions  Sessions
	sessionID string
}

func (c *sessionCart) Settle(ctx context.Context, ordered []cart.LineItem) (cartstore.Snapshot, error) {
	snap, err := c.Store.Settle(ctx, ordered)
	if !errors.Is(err, carterrors.ErrStoreClosed) {
		return snap, err
	}
	store, err := c.sessions.Get(ctx, c.sessionID)
	if err != nil {
		return snap, err
	}
	return store.Settle(ctx, ordered)
}

// store resolves the session's cart store, writing an error response when it cannot.
func (h *Handler) store(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*cartstore.Store, bool) {
	store, err := h.sessions.Get(r.Context(), SessionID(r.Context()))
	if err == nil {
		return store, true
	}
	if errors.Is(err, carterrors.ErrPersistenceReadFailed) || errors.Is(err, carterrors.ErrStoreClosed) {
		logger.WarnContext(r.Context(), "Cart unavailable", "error", err)
		web.RespondError(w, logger, http.StatusServiceUnavailable, "Cart is temporarily unavailable")
		return nil, false
	}
	logger.ErrorContext(r.Context(), "Error loading cart", "error", err)
	web.RespondError(w, logger, http.StatusInternalServerError, "Failed to load cart")
	return nil, false
}

// requestLogger tags the logger with the session. The request ID is added by the log handler from the context.
func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	return h.logger.With("session_id", SessionID(r.Context()))
}
