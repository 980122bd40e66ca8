package cartstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/abgdnv/kidscart/internal/backend"
	carterrors "github.com/abgdnv/kidscart/internal/errors"
	"golang.org/x/sync/singleflight"
)

// SessionObserver is told when sessions are opened or swept.
type SessionObserver interface {
	SessionsChanged(ctx context.Context, delta int64)
}

type nopSessionObserver struct{}

func (nopSessionObserver) SessionsChanged(context.Context, int64) {}

type RegistryOption func(*Registry)

// WithStoreOptions applies opts to every Store the registry creates.
func WithStoreOptions(opts ...Option) RegistryOption {
	return func(r *Registry) { r.storeOpts = append(r.storeOpts, opts...) }
}

func WithSessionObserver(o SessionObserver) RegistryOption {
	return func(r *Registry) { r.sessionObserver = o }
}

// Registry hands out one Store per session, all sharing one backend.
type Registry struct {
	backend         backend.Backend
	keyPrefix       string
	ttl             time.Duration
	logger          *slog.Logger
	storeOpts       []Option
	sessionObserver SessionObserver
	now             func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	store    *Store
	lastSeen time.Time
}

// NewRegistry creates a registry whose stores persist under "<keyPrefix>:<sessionID>".
// Sessions idle for longer than ttl are closed by Sweep.
func NewRegistry(b backend.Backend, keyPrefix string, ttl time.Duration, logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		backend:         b,
		keyPrefix:       keyPrefix,
		ttl:             ttl,
		logger:          logger,
		sessionObserver: nopSessionObserver{},
		now:             time.Now,
		sessions:        make(map[string]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Key returns the backend key of the session's cart.
func (r *Registry) Key(sessionID string) string {
	return r.keyPrefix + ":" + sessionID
}

// Get returns the session's store, loading it on first use.
// Concurrent first requests for the same session share a single load.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Store, error) {
	if st, ok, err := r.lookup(sessionID); ok || err != nil {
		return st, err
	}

	v, err, _ := r.group.Do(sessionID, func() (any, error) {
		if st, ok, err := r.lookup(sessionID); ok || err != nil {
			return st, err
		}
		st, err := New(ctx, r.backend, r.Key(sessionID), r.logger, r.storeOpts...)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			st.Close()
			return nil, carterrors.ErrStoreClosed
		}
		r.sessions[sessionID] = &session{store: st, lastSeen: r.now()}
		r.sessionObserver.SessionsChanged(ctx, 1)
		r.logger.DebugContext(ctx, "cart session opened", "session_id", sessionID)
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Store), nil
}

func (r *Registry) lookup(sessionID string) (*Store, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, carterrors.ErrStoreClosed
	}
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, false, nil
	}
	sess.lastSeen = r.now()
	return sess.store, true, nil
}

// Sweep closes the stores of sessions idle for longer than the ttl and returns how many it closed.
// Their carts stay persisted and are loaded again on the next Get.
func (r *Registry) Sweep(ctx context.Context) int {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	var expired []*Store
	for id, sess := range r.sessions {
		if sess.lastSeen.Before(cutoff) {
			expired = append(expired, sess.store)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, st := range expired {
		st.Close()
	}
	if len(expired) > 0 {
		r.sessionObserver.SessionsChanged(ctx, -int64(len(expired)))
		r.logger.InfoContext(ctx, "idle cart sessions closed", "count", len(expired))
	}
	return len(expired)
}

// Len reports the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close closes every open store. Later calls to Get fail with ErrStoreClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	stores := make([]*Store, 0, len(r.sessions))
	for id, sess := range r.sessions {
		stores = append(stores, sess.store)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, st := range stores {
		st.Close()
	}
	if len(stores) > 0 {
		r.sessionObserver.SessionsChanged(context.Background(), -int64(len(stores)))
	}
}
