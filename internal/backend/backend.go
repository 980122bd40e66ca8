// Package backend provides the key-value stores a cart is persisted in.
//
// Every Backend value is one writer identity: OnExternalChange only fires for
// writes made through a different Backend value sharing the same storage, never
// for the caller's own Set.
package backend

import (
	"context"
	"sync"
)

// ChangeFunc is invoked after another writer changed a watched key.
// It runs on a backend goroutine and must not block for long.
type ChangeFunc func()

type Backend interface {
	// Get returns the blob stored under key. ok is false when nothing is stored.
	Get(ctx context.Context, key string) (blob []byte, ok bool, err error)
	// Set replaces the blob stored under key. The last write wins.
	Set(ctx context.Context, key string, blob []byte) error
	// OnExternalChange registers fn for writes to key made by other writers.
	// Bursts of writes may be delivered as a single call.
	OnExternalChange(ctx context.Context, key string, fn ChangeFunc) (cancel func(), err error)
	Close() error
}

// notifier runs fn on its own goroutine, coalescing notifications that arrive while fn is running.
type notifier struct {
	fn      ChangeFunc
	pending chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newNotifier(fn ChangeFunc) *notifier {
	n := &notifier{
		fn:      fn,
		pending: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go n.loop()
	return n
}

func (n *notifier) loop() {
	for {
		select {
		case <-n.done:
			return
		case <-n.pending:
			select {
			case <-n.done:
				return
			default:
			}
			n.fn()
		}
	}
}

func (n *notifier) notify() {
	select {
	case n.pending <- struct{}{}:
	default:
	}
}

func (n *notifier) stop() {
	n.once.Do(func() { close(n.done) })
}

// subscribers tracks the change callbacks registered per key.
type subscribers struct {
	mu    sync.Mutex
	next  int
	byKey map[string]map[int]*notifier
}

func newSubscribers() *subscribers {
	return &subscribers{byKey: make(map[string]map[int]*notifier)}
}

func (s *subscribers) add(key string, fn ChangeFunc) (cancel func()) {
	n := newNotifier(fn)

	s.mu.Lock()
	id := s.next
	s.next++
	if s.byKey[key] == nil {
		s.byKey[key] = make(map[int]*notifier)
	}
	s.byKey[key][id] = n
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.byKey[key], id)
			if len(s.byKey[key]) == 0 {
				delete(s.byKey, key)
			}
			s.mu.Unlock()
			n.stop()
		})
	}
}

func (s *subscribers) notify(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.byKey[key] {
		n.notify()
	}
}

func (s *subscribers) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ns := range s.byKey {
		for _, n := range ns {
			n.stop()
		}
		delete(s.byKey, key)
	}
}
