package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	carterrors "github.com/abgdnv/kidscart/internal/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis stores each cart under its own key and announces writes on the
// channel "<channel>:<key>" with the writer's origin as payload.
type Redis struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
	subs    *subscribers

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool
}

// NewRedis creates a writer on client. The client is owned by the caller.
func NewRedis(client *redis.Client, channel string, logger *slog.Logger) *Redis {
	return &Redis{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
		subs:    newSubscribers(),
	}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	blob, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return blob, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, blob []byte) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, blob, 0)
		pipe.Publish(ctx, r.channelFor(key), r.origin)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *Redis) OnExternalChange(ctx context.Context, key string, fn ChangeFunc) (func(), error) {
	if err := r.ensureSubscribed(ctx); err != nil {
		return nil, err
	}
	return r.subs.add(key, fn), nil
}

// ensureSubscribed starts the single pattern subscription shared by all watched keys.
func (r *Redis) ensureSubscribed(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return carterrors.ErrBackendClosed
	}
	if r.pubsub != nil {
		return nil
	}

	ps := r.client.PSubscribe(ctx, r.channel+":*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis subscribe failed: %w", err)
	}
	r.pubsub = ps
	go r.dispatch(ps.Channel())
	return nil
}

func (r *Redis) dispatch(messages <-chan *redis.Message) {
	prefix := r.channel + ":"
	for msg := range messages {
		if msg.Payload == r.origin {
			continue
		}
		key, ok := strings.CutPrefix(msg.Channel, prefix)
		if !ok {
			continue
		}
		r.logger.Debug("external cart change", "key", key, "backend", "redis")
		r.subs.notify(key)
	}
}

func (r *Redis) channelFor(key string) string {
	return r.channel + ":" + key
}

// Close stops change delivery. It does not close the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.subs.closeAll()
	if r.pubsub != nil {
		return r.pubsub.Close()
	}
	return nil
}
