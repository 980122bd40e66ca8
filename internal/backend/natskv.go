package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	carterrors "github.com/abgdnv/kidscart/internal/errors"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// envelope is the value stored in the bucket, tagging the blob with its writer.
type envelope struct {
	Origin string `json:"origin"`
	Blob   []byte `json:"blob"`
}

// NatsKV keeps carts in a JetStream key-value bucket and learns about
// other writers through a bucket watch.
type NatsKV struct {
	kv     jetstream.KeyValue
	origin string
	logger *slog.Logger
	subs   *subscribers

	mu        sync.Mutex
	watcher   jetstream.KeyWatcher
	stopWatch context.CancelFunc
	watchDone chan struct{}
	closed    bool
}

// NewNatsKV opens the bucket, creating it when missing.
func NewNatsKV(ctx context.Context, js jetstream.JetStream, bucket string, logger *slog.Logger) (*NatsKV, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "shopping carts",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open key-value bucket %s: %w", bucket, err)
	}
	return &NatsKV{
		kv:     kv,
		origin: uuid.NewString(),
		logger: logger,
		subs:   newSubscribers(),
	}, nil
}

func (n *NatsKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := n.kv.Get(ctx, encodeKVKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get failed: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return nil, false, fmt.Errorf("kv entry %s is not an envelope: %w", key, err)
	}
	return env.Blob, true, nil
}

func (n *NatsKV) Set(ctx context.Context, key string, blob []byte) error {
	value, err := json.Marshal(envelope{Origin: n.origin, Blob: blob})
	if err != nil {
		return fmt.Errorf("failed to marshal kv envelope: %w", err)
	}
	if _, err := n.kv.Put(ctx, encodeKVKey(key), value); err != nil {
		return fmt.Errorf("kv put failed: %w", err)
	}
	return nil
}

func (n *NatsKV) OnExternalChange(_ context.Context, key string, fn ChangeFunc) (func(), error) {
	if err := n.ensureWatching(); err != nil {
		return nil, err
	}
	return n.subs.add(key, fn), nil
}

// ensureWatching starts the single bucket watch shared by all watched keys.
func (n *NatsKV) ensureWatching() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return carterrors.ErrBackendClosed
	}
	if n.watcher != nil {
		return nil
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	w, err := n.kv.WatchAll(watchCtx, jetstream.UpdatesOnly())
	if err != nil {
		cancel()
		return fmt.Errorf("kv watch failed: %w", err)
	}
	n.watcher = w
	n.stopWatch = cancel
	n.watchDone = make(chan struct{})
	go n.dispatch(watchCtx, w.Updates())
	return nil
}

func (n *NatsKV) dispatch(ctx context.Context, updates <-chan jetstream.KeyValueEntry) {
	defer close(n.watchDone)
	for {
		var entry jetstream.KeyValueEntry
		select {
		case <-ctx.Done():
			return
		case e, ok := <-updates:
			if !ok {
				return
			}
			entry = e
		}
		if entry == nil || entry.Operation() != jetstream.KeyValuePut {
			continue
		}
		var env envelope
		if err := json.Unmarshal(entry.Value(), &env); err != nil {
			n.logger.Warn("skipping malformed kv entry", "key", entry.Key(), "error", err)
			continue
		}
		if env.Origin == n.origin {
			continue
		}
		key, err := decodeKVKey(entry.Key())
		if err != nil {
			continue
		}
		n.logger.Debug("external cart change", "key", key, "backend", "nats")
		n.subs.notify(key)
	}
}

// Close stops the bucket watch. It does not close the NATS connection.
func (n *NatsKV) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	w, stop, done := n.watcher, n.stopWatch, n.watchDone
	n.mu.Unlock()

	n.subs.closeAll()
	if w == nil {
		return nil
	}
	stop()
	<-done
	// Cancelling the watch context already unsubscribes.
	_ = w.Stop()
	return nil
}

// KV keys are limited to [-/_=.a-zA-Z0-9]; URL-safe base64 stays within that set.
func encodeKVKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeKVKey(encoded string) (string, error) {
	key, err := base64.RawURLEncoding.DecodeString(encoded)
	return string(key), err
}
