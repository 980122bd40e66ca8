package backend

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	carterrors "github.com/abgdnv/kidscart/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
	quiet   = 100 * time.Millisecond
)

func TestMemory_GetSet(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub()
	tab := hub.Connect()

	// absent key
	blob, ok, err := tab.Get(ctx, "cart")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, blob)

	// last write wins
	require.NoError(t, tab.Set(ctx, "cart", []byte(`[1]`)))
	require.NoError(t, hub.Connect().Set(ctx, "cart", []byte(`[2]`)))

	blob, ok, err = tab.Get(ctx, "cart")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[2]`, string(blob))
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	tab := NewMemoryHub().Connect()
	input := []byte(`[]`)
	require.NoError(t, tab.Set(ctx, "cart", input))
	input[0] = 'x'

	blob, _, err := tab.Get(ctx, "cart")
	require.NoError(t, err)
	blob[0] = 'y'

	again, _, err := tab.Get(ctx, "cart")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(again))
}

func TestMemory_OnExternalChange(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub()
	tabA := hub.Connect()
	tabB := hub.Connect()

	var calls atomic.Int32
	cancel, err := tabA.OnExternalChange(ctx, "cart", func() { calls.Add(1) })
	require.NoError(t, err)
	defer cancel()

	// own writes are not external
	require.NoError(t, tabA.Set(ctx, "cart", []byte(`[]`)))
	assert.Never(t, func() bool { return calls.Load() > 0 }, quiet, tick)

	// other keys are not watched
	require.NoError(t, tabB.Set(ctx, "other", []byte(`[]`)))
	assert.Never(t, func() bool { return calls.Load() > 0 }, quiet, tick)

	// another writer triggers the callback
	require.NoError(t, tabB.Set(ctx, "cart", []byte(`[]`)))
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)

	// so does a write from outside every tab
	hub.Put("cart", []byte(`[]`))
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)

	// cancelled subscriptions stay silent
	cancel()
	require.NoError(t, tabB.Set(ctx, "cart", []byte(`[]`)))
	assert.Never(t, func() bool { return calls.Load() > 2 }, quiet, tick)
}

func TestMemory_Close(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub()
	tab := hub.Connect()
	require.NoError(t, tab.Set(ctx, "cart", []byte(`[]`)))

	require.NoError(t, tab.Close())
	require.NoError(t, tab.Close())

	_, _, err := tab.Get(ctx, "cart")
	assert.ErrorIs(t, err, carterrors.ErrBackendClosed)
	assert.ErrorIs(t, tab.Set(ctx, "cart", nil), carterrors.ErrBackendClosed)
	_, err = tab.OnExternalChange(ctx, "cart", func() {})
	assert.ErrorIs(t, err, carterrors.ErrBackendClosed)

	// data outlives the writer
	_, ok, err := hub.Connect().Get(ctx, "cart")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNotifier_Coalesces(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	n := newNotifier(func() {
		calls.Add(1)
		<-release
	})
	defer n.stop()

	n.notify()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)

	// while the first call blocks, a burst collapses into one pending call
	for range 10 {
		n.notify()
	}
	close(release)

	assert.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)
	assert.Never(t, func() bool { return calls.Load() > 2 }, quiet, tick)
}

func TestSubscribers_CancelRemovesKey(t *testing.T) {
	subs := newSubscribers()
	cancelA := subs.add("a", func() {})
	cancelB := subs.add("b", func() {})
	assert.Equal(t, 2, subs.len())

	cancelA()
	cancelA()
	assert.Equal(t, 1, subs.len())

	cancelB()
	assert.Zero(t, subs.len())
}

func TestSplitNotification(t *testing.T) {
	key, origin, ok := splitNotification("kids-fashion-cart:a|b|origin-1")
	require.True(t, ok)
	assert.Equal(t, "kids-fashion-cart:a|b", key)
	assert.Equal(t, "origin-1", origin)

	_, _, ok = splitNotification("no-separator")
	assert.False(t, ok)
}

func TestKVKey(t *testing.T) {
	key := "kids-fashion-cart:3f1c2a9e-session"
	encoded := encodeKVKey(key)
	assert.Regexp(t, `^[-_a-zA-Z0-9]+$`, encoded)

	decoded, err := decodeKVKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, key, decoded)
}
