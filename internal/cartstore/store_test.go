package cartstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abgdnv/kidscart/internal/backend"
	"github.com/abgdnv/kidscart/internal/cart"
	carterrors "github.com/abgdnv/kidscart/internal/errors"
	"github.com/abgdnv/kidscart/internal/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey = "kids-fashion-cart"
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newStore(t *testing.T, b backend.Backend, opts ...Option) *Store {
	t.Helper()
	s, err := New(context.Background(), b, testKey, discard, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func persisted(t *testing.T, b backend.Backend) []cart.LineItem {
	t.Helper()
	blob, ok, err := b.Get(context.Background(), testKey)
	require.NoError(t, err)
	require.True(t, ok, "cart was never persisted")
	items, err := cart.Decode(blob)
	require.NoError(t, err)
	return items
}

func keysOf(items []cart.LineItem) []string {
	keys := make([]string, 0, len(items))
	for _, item := range items {
		keys = append(keys, item.ItemKey)
	}
	return keys
}

func item(productID, variantID string, price float64, quantity int) cart.NewItem {
	return cart.NewItem{ProductID: productID, VariantID: variantID, ProductTitle: "Title " + productID, Price: price, Quantity: quantity}
}

func TestStore_AddItem(t *testing.T) {
	testCases := []struct {
		name         string
		adds         []cart.NewItem
		expectedKeys []string
		expectedQtys []cart.Quantity
	}{
		{
			name:         "same product and variant merge",
			adds:         []cart.NewItem{item("P", "V", 100, 2), item("P", "V", 100, 3)},
			expectedKeys: []string{"P-V"},
			expectedQtys: []cart.Quantity{cart.Value(5)},
		},
		{
			name:         "variants are distinct lines",
			adds:         []cart.NewItem{item("P", "V1", 100, 1), item("P", "V2", 100, 1)},
			expectedKeys: []string{"P-V1", "P-V2"},
			expectedQtys: []cart.Quantity{cart.Value(1), cart.Value(1)},
		},
		{
			name:         "missing variant merges",
			adds:         []cart.NewItem{item("P", "", 100, 1), item("P", "", 100, 1)},
			expectedKeys: []string{"P-no-variant"},
			expectedQtys: []cart.Quantity{cart.Value(2)},
		},
		{
			name:         "insertion order is kept",
			adds:         []cart.NewItem{item("P1", "", 1, 1), item("P2", "", 1, 1), item("P3", "", 1, 1), item("P1", "", 1, 1)},
			expectedKeys: []string{"P1-no-variant", "P2-no-variant", "P3-no-variant"},
			expectedQtys: []cart.Quantity{cart.Value(2), cart.Value(1), cart.Value(1)},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// given
			b := backend.NewMemoryHub().Connect()
			s := newStore(t, b)

			// when
			var snap Snapshot
			var err error
			for _, add := range tc.adds {
				snap, err = s.AddItem(context.Background(), add)
				require.NoError(t, err)
			}

			// then
			assert.Equal(t, tc.expectedKeys, keysOf(snap.Items))
			for i, q := range tc.expectedQtys {
				assert.Equal(t, q, snap.Items[i].Quantity)
			}
			assert.False(t, snap.Loading)
			assert.Equal(t, snap.Items, persisted(t, b))
		})
	}
}

func TestStore_AddItemKeepsCapturedPrice(t *testing.T) {
	s := newStore(t, backend.NewMemoryHub().Connect())

	_, err := s.AddItem(context.Background(), item("P", "", 1200, 1))
	require.NoError(t, err)
	snap, err := s.AddItem(context.Background(), item("P", "", 999, 1))
	require.NoError(t, err)

	require.Len(t, snap.Items, 1)
	assert.Equal(t, 1200.0, snap.Items[0].Price)
}

func TestStore_AddItemRejectsInvalidInput(t *testing.T) {
	b := backend.NewMemoryHub().Connect()
	s := newStore(t, b)

	_, err := s.AddItem(context.Background(), item("P", "", 10, 0))
	assert.ErrorIs(t, err, carterrors.ErrInvalidItem)
	_, err = s.AddItem(context.Background(), cart.NewItem{Price: 10, Quantity: 1})
	assert.ErrorIs(t, err, carterrors.ErrInvalidItem)

	assert.Empty(t, s.Snapshot().Items)
	_, ok, err := b.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.False(t, ok, "rejected input must not be persisted")
}

func TestStore_OversizedAddsKeepCartLoadable(t *testing.T) {
	testCases := []struct {
		name        string
		adds        []cart.NewItem
		expectError error
	}{
		{
			name:        "single add above the maximum",
			adds:        []cart.NewItem{item("big", "", 1, 3_000_000_000)},
			expectError: carterrors.ErrInvalidItem,
		},
		{
			name:        "merge above the maximum",
			adds:        []cart.NewItem{item("big", "", 1, 2_000_000_000), item("big", "", 1, 2_000_000_000)},
			expectError: carterrors.ErrInvalidQuantity,
		},
		{
			name:        "price above the maximum",
			adds:        []cart.NewItem{item("big", "", 1e308, 2)},
			expectError: carterrors.ErrInvalidItem,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// given
			ctx := context.Background()
			hub := backend.NewMemoryHub()
			tabA := newStore(t, hub.Connect())
			_, err := tabA.AddItem(ctx, item("keep", "", 100, 1))
			require.NoError(t, err)

			// when
			for _, add := range tc.adds {
				_, err = tabA.AddItem(ctx, add)
			}

			// then
			assert.ErrorIs(t, err, tc.expectError)
			expected := tabA.Snapshot().Items
			require.Contains(t, keysOf(expected), "keep-no-variant")
			for _, line := range expected {
				n, ok := line.Quantity.Int()
				require.True(t, ok)
				assert.LessOrEqual(t, n, cart.MaxQuantity)
				assert.LessOrEqual(t, line.Price, float64(cart.MaxPrice))
			}

			tabB := newStore(t, hub.Connect())
			assert.Equal(t, expected, tabB.Snapshot().Items, "a new session sees the same cart")
		})
	}
}

func TestStore_UpdateQuantity(t *testing.T) {
	testCases := []struct {
		name         string
		itemKey      string
		quantity     cart.Quantity
		expectedKeys []string
		expectedQty  cart.Quantity
		expectError  error
	}{
		{name: "set value", itemKey: "A-no-variant", quantity: cart.Value(7), expectedKeys: []string{"A-no-variant", "B-no-variant"}, expectedQty: cart.Value(7)},
		{name: "zero removes", itemKey: "A-no-variant", quantity: cart.Value(0), expectedKeys: []string{"B-no-variant"}},
		{name: "pending keeps the line", itemKey: "A-no-variant", quantity: cart.Pending(), expectedKeys: []string{"A-no-variant", "B-no-variant"}, expectedQty: cart.Pending()},
		{name: "unknown key is a no-op", itemKey: "nonexistent-key", quantity: cart.Value(5), expectedKeys: []string{"A-no-variant", "B-no-variant"}, expectedQty: cart.Value(4)},
		{name: "negative is rejected", itemKey: "A-no-variant", quantity: cart.Value(-1), expectedKeys: []string{"A-no-variant", "B-no-variant"}, expectedQty: cart.Value(4), expectError: carterrors.ErrNegativeQuantity},
		{name: "maximum is accepted", itemKey: "A-no-variant", quantity: cart.Value(cart.MaxQuantity), expectedKeys: []string{"A-no-variant", "B-no-variant"}, expectedQty: cart.Value(cart.MaxQuantity)},
		{name: "above maximum is rejected", itemKey: "A-no-variant", quantity: cart.Value(cart.MaxQuantity + 1), expectedKeys: []string{"A-no-variant", "B-no-variant"}, expectedQty: cart.Value(4), expectError: carterrors.ErrInvalidQuantity},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// given
			ctx := context.Background()
			b := backend.NewMemoryHub().Connect()
			s := newStore(t, b)
			_, err := s.AddItem(ctx, item("A", "", 100, 4))
			require.NoError(t, err)
			_, err = s.AddItem(ctx, item("B", "", 50, 1))
			require.NoError(t, err)

			// when
			snap, err := s.UpdateQuantity(ctx, tc.itemKey, tc.quantity)

			// then
			if tc.expectError != nil {
				assert.ErrorIs(t, err, tc.expectError)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.expectedKeys, keysOf(snap.Items))
			if tc.expectedKeys[0] == "A-no-variant" {
				assert.Equal(t, tc.expectedQty, snap.Items[0].Quantity)
			}
			assert.Equal(t, snap.Items, persisted(t, b))
		})
	}
}

func TestStore_PendingThenCommitted(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, backend.NewMemoryHub().Connect())
	_, err := s.AddItem(ctx, item("A", "", 100, 2))
	require.NoError(t, err)

	snap, err := s.UpdateQuantity(ctx, "A-no-variant", cart.Pending())
	require.NoError(t, err)
	assert.Zero(t, pricing.Subtotal(snap.Items))

	snap, err = s.UpdateQuantity(ctx, "A-no-variant", cart.Value(3))
	require.NoError(t, err)
	assert.Equal(t, 300.0, pricing.Subtotal(snap.Items))

	snap, err = s.RemoveItem(ctx, "A-no-variant")
	require.NoError(t, err)
	assert.Empty(t, snap.Items)
}

func TestStore_AddToPendingLineCommitsIt(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, backend.NewMemoryHub().Connect())
	_, err := s.AddItem(ctx, item("A", "", 100, 2))
	require.NoError(t, err)
	_, err = s.UpdateQuantity(ctx, "A-no-variant", cart.Pending())
	require.NoError(t, err)

	snap, err := s.AddItem(ctx, item("A", "", 100, 3))
	require.NoError(t, err)
	assert.Equal(t, cart.Value(3), snap.Items[0].Quantity)
}

func TestStore_Clear(t *testing.T) {
	// given
	ctx := context.Background()
	b := backend.NewMemoryHub().Connect()
	s := newStore(t, b)
	_, err := s.AddItem(ctx, item("A", "", 100, 1))
	require.NoError(t, err)

	// when
	snap, err := s.Clear(ctx)

	// then
	require.NoError(t, err)
	assert.Equal(t, []cart.LineItem{}, snap.Items)
	blob, _, err := b.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(blob))
}

func TestStore_Settle(t *testing.T) {
	testCases := []struct {
		name     string
		ordered  []cart.LineItem
		adds     []cart.NewItem
		expected map[string]cart.Quantity
	}{
		{
			name:     "everything ordered",
			ordered:  []cart.LineItem{{ItemKey: "A-no-variant", Quantity: cart.Value(2)}, {ItemKey: "B-no-variant", Quantity: cart.Value(1)}},
			expected: map[string]cart.Quantity{},
		},
		{
			name:     "line added after the order",
			ordered:  []cart.LineItem{{ItemKey: "A-no-variant", Quantity: cart.Value(2)}, {ItemKey: "B-no-variant", Quantity: cart.Value(1)}},
			adds:     []cart.NewItem{item("C", "", 30, 4)},
			expected: map[string]cart.Quantity{"C-no-variant": cart.Value(4)},
		},
		{
			name:     "quantity raised after the order",
			ordered:  []cart.LineItem{{ItemKey: "A-no-variant", Quantity: cart.Value(2)}, {ItemKey: "B-no-variant", Quantity: cart.Value(1)}},
			adds:     []cart.NewItem{item("A", "", 100, 3)},
			expected: map[string]cart.Quantity{"A-no-variant": cart.Value(3)},
		},
		{
			name:     "only part of the cart ordered",
			ordered:  []cart.LineItem{{ItemKey: "A-no-variant", Quantity: cart.Value(2)}},
			expected: map[string]cart.Quantity{"B-no-variant": cart.Value(1)},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// given
			ctx := context.Background()
			b := backend.NewMemoryHub().Connect()
			s := newStore(t, b)
			_, err := s.AddItem(ctx, item("A", "", 100, 2))
			require.NoError(t, err)
			_, err = s.AddItem(ctx, item("B", "", 50, 1))
			require.NoError(t, err)
			for _, add := range tc.adds {
				_, err = s.AddItem(ctx, add)
				require.NoError(t, err)
			}

			// when
			snap, err := s.Settle(ctx, tc.ordered)

			// then
			require.NoError(t, err)
			got := make(map[string]cart.Quantity, len(snap.Items))
			for _, line := range snap.Items {
				got[line.ItemKey] = line.Quantity
			}
			assert.Equal(t, tc.expected, got)
			assert.Equal(t, snap.Items, persisted(t, b))
		})
	}
}

func TestStore_SettleDropsLinesMadePending(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, backend.NewMemoryHub().Connect())
	_, err := s.AddItem(ctx, item("A", "", 100, 2))
	require.NoError(t, err)
	ordered := s.Snapshot().Items
	_, err = s.UpdateQuantity(ctx, "A-no-variant", cart.Pending())
	require.NoError(t, err)

	snap, err := s.Settle(ctx, ordered)

	require.NoError(t, err)
	assert.Empty(t, snap.Items)
}

func TestStore_Load(t *testing.T) {
	testCases := []struct {
		name         string
		stored       string
		expectedKeys []string
	}{
		{name: "sequence", stored: `[{"productId":"A","price":1,"quantity":1},{"productId":"B","variantId":"x","price":1,"quantity":2}]`, expectedKeys: []string{"A-no-variant", "B-x"}},
		{name: "single object", stored: `{"productId":"A","price":1,"quantity":1}`, expectedKeys: []string{"A-no-variant"}},
		{name: "corrupt", stored: `"oops"`, expectedKeys: []string{}},
		{name: "null", stored: `null`, expectedKeys: []string{}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			hub := backend.NewMemoryHub()
			hub.Put(testKey, []byte(tc.stored))

			s := newStore(t, hub.Connect())

			assert.Equal(t, tc.expectedKeys, keysOf(s.Snapshot().Items))
		})
	}

	t.Run("absent", func(t *testing.T) {
		s := newStore(t, backend.NewMemoryHub().Connect())
		assert.Empty(t, s.Snapshot().Items)
		assert.False(t, s.Snapshot().Loading)
	})
}

func TestStore_CorruptStateIsOverwrittenByNextMutation(t *testing.T) {
	ctx := context.Background()
	hub := backend.NewMemoryHub()
	hub.Put(testKey, []byte(`42`))
	b := hub.Connect()
	s := newStore(t, b)

	_, err := s.AddItem(ctx, item("A", "", 1, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"A-no-variant"}, keysOf(persisted(t, b)))
}

func TestStore_CrossWriterReload(t *testing.T) {
	// given two stores sharing one backend key
	ctx := context.Background()
	hub := backend.NewMemoryHub()
	tabA := newStore(t, hub.Connect())
	tabB := newStore(t, hub.Connect())

	_, err := tabB.AddItem(ctx, item("B", "", 10, 1))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(tabA.Snapshot().Items) == 1 }, waitFor, tick)

	// when A writes
	_, err = tabA.AddItem(ctx, item("A", "", 20, 2))
	require.NoError(t, err)
	_, err = tabA.UpdateQuantity(ctx, "B-no-variant", cart.Value(0))
	require.NoError(t, err)

	// then B converges on exactly what A persisted
	expected := tabA.Snapshot().Items
	assert.Eventually(t, func() bool {
		got := tabB.Snapshot().Items
		return len(got) == 1 && got[0].ItemKey == "A-no-variant" && got[0].Quantity == cart.Value(2)
	}, waitFor, tick)
	assert.Equal(t, expected, tabB.Snapshot().Items)
}

func TestStore_ReloadDiscardsLocalState(t *testing.T) {
	ctx := context.Background()
	hub := backend.NewMemoryHub()
	s := newStore(t, hub.Connect())
	_, err := s.AddItem(ctx, item("Local", "", 1, 1))
	require.NoError(t, err)

	hub.Put(testKey, []byte(`[{"productId":"Remote","price":5,"quantity":3}]`))

	assert.Eventually(t, func() bool {
		items := s.Snapshot().Items
		return len(items) == 1 && items[0].ItemKey == "Remote-no-variant"
	}, waitFor, tick)
}

func TestStore_ReloadOfCorruptStateEmptiesCart(t *testing.T) {
	ctx := context.Background()
	hub := backend.NewMemoryHub()
	s := newStore(t, hub.Connect())
	_, err := s.AddItem(ctx, item("A", "", 1, 1))
	require.NoError(t, err)

	hub.Put(testKey, []byte(`true`))

	assert.Eventually(t, func() bool { return len(s.Snapshot().Items) == 0 }, waitFor, tick)
}

func TestStore_Subscribe(t *testing.T) {
	// given
	ctx := context.Background()
	s := newStore(t, backend.NewMemoryHub().Connect())
	var mu sync.Mutex
	var seen []Snapshot
	cancel := s.Subscribe(func(snap Snapshot) {
		mu.Lock()
		seen = append(seen, snap)
		mu.Unlock()
	})

	// when
	_, err := s.AddItem(ctx, item("A", "", 1, 1))
	require.NoError(t, err)

	// then the loading flag brackets the mutation
	mu.Lock()
	require.Len(t, seen, 2)
	assert.True(t, seen[0].Loading)
	assert.False(t, seen[1].Loading)
	assert.Len(t, seen[1].Items, 1)
	mu.Unlock()

	// cancelled subscribers hear nothing more
	cancel()
	_, err = s.Clear(ctx)
	require.NoError(t, err)
	mu.Lock()
	assert.Len(t, seen, 2)
	mu.Unlock()
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, backend.NewMemoryHub().Connect())
	snap, err := s.AddItem(ctx, item("A", "", 1, 1))
	require.NoError(t, err)

	snap.Items[0].Quantity = cart.Value(99)

	assert.Equal(t, cart.Value(1), s.Snapshot().Items[0].Quantity)
}

// failingBackend wraps a backend and fails writes while failSet is set.
type failingBackend struct {
	backend.Backend
	failSet atomic.Bool
	failGet atomic.Bool
}

var errQuotaExceeded = errors.New("quota exceeded")

func (f *failingBackend) Set(ctx context.Context, key string, blob []byte) error {
	if f.failSet.Load() {
		return errQuotaExceeded
	}
	return f.Backend.Set(ctx, key, blob)
}

func (f *failingBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.failGet.Load() {
		return nil, false, errQuotaExceeded
	}
	return f.Backend.Get(ctx, key)
}

func TestStore_PersistenceWriteFailureKeepsInMemoryState(t *testing.T) {
	// given
	ctx := context.Background()
	b := &failingBackend{Backend: backend.NewMemoryHub().Connect()}
	observer := &recordingObserver{}
	s := newStore(t, b, WithObserver(observer))
	b.failSet.Store(true)

	// when
	snap, err := s.AddItem(ctx, item("A", "", 100, 1))

	// then
	require.ErrorIs(t, err, carterrors.ErrPersistenceWriteFailed)
	assert.ErrorIs(t, err, errQuotaExceeded)
	assert.Equal(t, []string{"A-no-variant"}, keysOf(snap.Items))
	assert.False(t, snap.Loading)
	assert.Equal(t, snap, s.Snapshot())
	assert.Equal(t, int32(1), observer.persistenceFailures.Load())

	// and the next successful write persists the whole cart
	b.failSet.Store(false)
	_, err = s.AddItem(ctx, item("B", "", 100, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"A-no-variant", "B-no-variant"}, keysOf(persisted(t, b)))
}

func TestNew_ReadFailure(t *testing.T) {
	b := &failingBackend{Backend: backend.NewMemoryHub().Connect()}
	b.failGet.Store(true)

	_, err := New(context.Background(), b, testKey, discard)

	assert.ErrorIs(t, err, carterrors.ErrPersistenceReadFailed)
}

func TestStore_Close(t *testing.T) {
	ctx := context.Background()
	hub := backend.NewMemoryHub()
	s, err := New(ctx, hub.Connect(), testKey, discard)
	require.NoError(t, err)
	_, err = s.AddItem(ctx, item("A", "", 1, 1))
	require.NoError(t, err)

	s.Close()
	s.Close()

	_, err = s.AddItem(ctx, item("B", "", 1, 1))
	assert.ErrorIs(t, err, carterrors.ErrStoreClosed)
	_, err = s.Clear(ctx)
	assert.ErrorIs(t, err, carterrors.ErrStoreClosed)

	// external writes are no longer followed
	hub.Put(testKey, []byte(`[]`))
	assert.Never(t, func() bool { return len(s.Snapshot().Items) == 0 }, 100*time.Millisecond, tick)
}

func TestStore_ConcurrentAddsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	b := backend.NewMemoryHub().Connect()
	s := newStore(t, b)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AddItem(ctx, item("A", "", 1, 1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, cart.Value(50), s.Snapshot().Items[0].Quantity)
	assert.Equal(t, cart.Value(50), persisted(t, b)[0].Quantity)
}

func TestStore_Observer(t *testing.T) {
	ctx := context.Background()
	hub := backend.NewMemoryHub()
	observer := &recordingObserver{}
	s := newStore(t, hub.Connect(), WithObserver(observer))

	_, err := s.AddItem(ctx, item("A", "", 1, 1))
	require.NoError(t, err)
	_, err = s.UpdateQuantity(ctx, "A-no-variant", cart.Value(-2))
	require.Error(t, err)
	_, err = s.RemoveItem(ctx, "A-no-variant")
	require.NoError(t, err)
	hub.Put(testKey, []byte(`[]`))

	assert.Eventually(t, func() bool { return observer.reloads.Load() == 1 }, waitFor, tick)
	observer.mu.Lock()
	defer observer.mu.Unlock()
	assert.Equal(t, []string{"add_item:ok", "update_quantity:error", "remove_item:ok"}, observer.ops)
}

type recordingObserver struct {
	mu                  sync.Mutex
	ops                 []string
	reloads             atomic.Int32
	persistenceFailures atomic.Int32
}

func (o *recordingObserver) OperationCompleted(_ context.Context, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.mu.Lock()
	o.ops = append(o.ops, op+":"+result)
	o.mu.Unlock()
}

func (o *recordingObserver) ExternalReload(context.Context)    { o.reloads.Add(1) }
func (o *recordingObserver) PersistenceFailed(context.Context) { o.persistenceFailures.Add(1) }
