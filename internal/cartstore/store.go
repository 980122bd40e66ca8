// Package cartstore keeps the authoritative in-memory cart of a session in sync with its backend.
package cartstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/abgdnv/kidscart/internal/backend"
	"github.com/abgdnv/kidscart/internal/cart"
	carterrors "github.com/abgdnv/kidscart/internal/errors"
)

// Operation names reported to the Observer.
const (
	OpAddItem        = "add_item"
	OpUpdateQuantity = "update_quantity"
	OpRemoveItem     = "remove_item"
	OpClear          = "clear"
	OpSettle         = "settle"
)

const defaultReloadTimeout = 5 * time.Second

// Snapshot is a consistent copy of the cart and its loading flag.
type Snapshot struct {
	Items   []cart.LineItem `json:"items"`
	Loading bool            `json:"loading"`
}

// Observer is told about store activity. Implementations must be safe for concurrent use.
type Observer interface {
	OperationCompleted(ctx context.Context, op string, err error)
	ExternalReload(ctx context.Context)
	PersistenceFailed(ctx context.Context)
}

type nopObserver struct{}

func (nopObserver) OperationCompleted(context.Context, string, error) {}
func (nopObserver) ExternalReload(context.Context)                    {}
func (nopObserver) PersistenceFailed(context.Context)                 {}

type Option func(*Store)

func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// WithReloadTimeout bounds the backend read that follows an external change.
func WithReloadTimeout(d time.Duration) Option {
	return func(s *Store) { s.reloadTimeout = d }
}

// Store owns one cart. Mutations and reloads are serialised; Snapshot never waits for them.
type Store struct {
	backend       backend.Backend
	key           string
	logger        *slog.Logger
	observer      Observer
	reloadTimeout time.Duration

	// opMu serialises mutations and external reloads.
	opMu      sync.Mutex
	stopWatch func()

	stateMu sync.RWMutex
	items   []cart.LineItem
	loading bool
	closed  bool

	subsMu  sync.Mutex
	nextSub int
	subs    map[int]func(Snapshot)
}

// New loads the cart stored under key and starts following changes made by other writers.
// A corrupt persisted cart is logged and replaced by an empty one; a failing backend read is returned.
func New(ctx context.Context, b backend.Backend, key string, logger *slog.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		backend:       b,
		key:           key,
		logger:        logger.With("cart_key", key),
		observer:      nopObserver{},
		reloadTimeout: defaultReloadTimeout,
		subs:          make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Hold opMu so a change reported before the initial load completes is applied after it.
	s.opMu.Lock()
	defer s.opMu.Unlock()

	stop, err := b.OnExternalChange(ctx, key, s.onExternalChange)
	if err != nil {
		return nil, fmt.Errorf("failed to watch cart %s: %w", key, err)
	}
	items, err := s.load(ctx)
	if err != nil {
		stop()
		return nil, err
	}
	s.stopWatch = stop
	s.items = items
	return s, nil
}

func (s *Store) Key() string { return s.key }

// Snapshot returns a copy of the current cart and loading flag.
func (s *Store) Snapshot() Snapshot {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return Snapshot{Items: cart.Clone(s.items), Loading: s.loading}
}

// Subscribe registers fn to receive a snapshot after every change, including loading toggles
// and external reloads. fn is called synchronously and must not call the Store's mutations.
func (s *Store) Subscribe(fn func(Snapshot)) (cancel func()) {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// AddItem merges item into the line with the same item key, or appends it as a new line.
func (s *Store) AddItem(ctx context.Context, item cart.NewItem) (Snapshot, error) {
	return s.mutate(ctx, OpAddItem, func(items []cart.LineItem) ([]cart.LineItem, error) {
		if err := item.Validate(); err != nil {
			return nil, err
		}
		line := item.LineItem()
		for i := range items {
			if items[i].ItemKey == line.ItemKey {
				sum, err := items[i].Quantity.Add(item.Quantity)
				if err != nil {
					return nil, err
				}
				items[i].Quantity = sum
				return items, nil
			}
		}
		return append(items, line), nil
	})
}

// UpdateQuantity sets the quantity of the line with itemKey. Lines left with a committed zero
// are removed; a Pending quantity keeps its line. An unknown itemKey leaves the cart unchanged.
func (s *Store) UpdateQuantity(ctx context.Context, itemKey string, q cart.Quantity) (Snapshot, error) {
	return s.updateQuantity(ctx, OpUpdateQuantity, itemKey, q)
}

// RemoveItem drops the line with itemKey by setting its quantity to zero.
func (s *Store) RemoveItem(ctx context.Context, itemKey string) (Snapshot, error) {
	return s.updateQuantity(ctx, OpRemoveItem, itemKey, cart.Value(0))
}

func (s *Store) updateQuantity(ctx context.Context, op, itemKey string, q cart.Quantity) (Snapshot, error) {
	return s.mutate(ctx, op, func(items []cart.LineItem) ([]cart.LineItem, error) {
		if n, ok := q.Int(); ok && n < 0 {
			return nil, fmt.Errorf("%w: %d", carterrors.ErrNegativeQuantity, n)
		} else if ok && n > cart.MaxQuantity {
			return nil, fmt.Errorf("%w: %d exceeds %d", carterrors.ErrInvalidQuantity, n, cart.MaxQuantity)
		}
		for i := range items {
			if items[i].ItemKey == itemKey {
				items[i].Quantity = q
				break
			}
		}
		kept := items[:0]
		for _, item := range items {
			if !item.Quantity.IsZero() {
				kept = append(kept, item)
			}
		}
		return kept, nil
	})
}

// Clear empties the cart and persists the empty state.
func (s *Store) Clear(ctx context.Context) (Snapshot, error) {
	return s.mutate(ctx, OpClear, func([]cart.LineItem) ([]cart.LineItem, error) {
		return []cart.LineItem{}, nil
	})
}

// Settle removes the ordered quantities from the cart after a checkout. A line is kept, with
// the difference, only when it now holds more than was ordered. Lines added after the order
// was built are left as they are.
func (s *Store) Settle(ctx context.Context, ordered []cart.LineItem) (Snapshot, error) {
	return s.mutate(ctx, OpSettle, func(items []cart.LineItem) ([]cart.LineItem, error) {
		taken := make(map[string]int, len(ordered))
		for _, line := range ordered {
			if n, ok := line.Quantity.Int(); ok {
				taken[line.ItemKey] += n
			}
		}
		kept := items[:0]
		for _, item := range items {
			n, found := taken[item.ItemKey]
			if !found {
				kept = append(kept, item)
				continue
			}
			if have, ok := item.Quantity.Int(); ok && have > n {
				item.Quantity = cart.Value(have - n)
				kept = append(kept, item)
			}
		}
		return kept, nil
	})
}

// mutate applies fn to a copy of the cart, keeps the result in memory and persists it.
// A failed write returns ErrPersistenceWriteFailed without reverting the in-memory cart.
func (s *Store) mutate(ctx context.Context, op string, fn func([]cart.LineItem) ([]cart.LineItem, error)) (snap Snapshot, err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	defer func() { s.observer.OperationCompleted(ctx, op, err) }()

	if s.isClosed() {
		return s.Snapshot(), carterrors.ErrStoreClosed
	}
	next, err := fn(s.Snapshot().Items)
	if err != nil {
		return s.Snapshot(), err
	}

	s.setState(func() {
		s.items = next
		s.loading = true
	})
	err = s.persist(ctx, next)
	s.setState(func() { s.loading = false })

	if err != nil {
		return s.Snapshot(), err
	}
	s.logger.DebugContext(ctx, "cart updated", "op", op, "items", len(next))
	return s.Snapshot(), nil
}

func (s *Store) persist(ctx context.Context, items []cart.LineItem) error {
	blob, err := cart.Encode(items)
	if err == nil {
		err = s.backend.Set(ctx, s.key, blob)
	}
	if err != nil {
		s.observer.PersistenceFailed(ctx)
		s.logger.ErrorContext(ctx, "failed to persist cart", "error", err)
		return fmt.Errorf("%w: %w", carterrors.ErrPersistenceWriteFailed, err)
	}
	return nil
}

// load reads the persisted cart, falling back to an empty cart when the stored state is corrupt.
func (s *Store) load(ctx context.Context) ([]cart.LineItem, error) {
	blob, ok, err := s.backend.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", carterrors.ErrPersistenceReadFailed, err)
	}
	if !ok {
		return []cart.LineItem{}, nil
	}
	items, err := cart.Decode(blob)
	if errors.Is(err, carterrors.ErrCorruptPersistedState) {
		s.logger.WarnContext(ctx, "discarding corrupt persisted cart", "error", err)
		return []cart.LineItem{}, nil
	}
	return items, err
}

func (s *Store) onExternalChange() {
	ctx, cancel := context.WithTimeout(context.Background(), s.reloadTimeout)
	defer cancel()
	if err := s.reload(ctx); err != nil {
		s.logger.ErrorContext(ctx, "failed to reload cart after external change", "error", err)
	}
}

// reload replaces the in-memory cart with the persisted one. The last writer wins.
func (s *Store) reload(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.isClosed() {
		return nil
	}
	items, err := s.load(ctx)
	if err != nil {
		return err
	}
	s.setState(func() { s.items = items })
	s.observer.ExternalReload(ctx)
	s.logger.DebugContext(ctx, "cart reloaded after external change", "items", len(items))
	return nil
}

// setState applies change under the state lock and then notifies subscribers.
func (s *Store) setState(change func()) {
	s.stateMu.Lock()
	change()
	s.stateMu.Unlock()
	s.publish(s.Snapshot())
}

func (s *Store) publish(snap Snapshot) {
	s.subsMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (s *Store) isClosed() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.closed
}

// Close stops following external changes. Later mutations fail with ErrStoreClosed.
// The persisted cart is left as is.
func (s *Store) Close() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.isClosed() {
		return
	}
	s.stateMu.Lock()
	s.closed = true
	s.stateMu.Unlock()
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.subsMu.Lock()
	clear(s.subs)
	s.subsMu.Unlock()
}
