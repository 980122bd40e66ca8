package backend

import (
	"bytes"
	"context"
	"sync"

	carterrors "github.com/abgdnv/kidscart/internal/errors"
)

// MemoryHub is process-local shared storage. Each Connect call returns a separate
// writer, the way several browser tabs share one origin's local storage.
type MemoryHub struct {
	mu      sync.RWMutex
	data    map[string][]byte
	members map[*Memory]struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		data:    make(map[string][]byte),
		members: make(map[*Memory]struct{}),
	}
}

// Connect returns a new writer sharing the hub's storage.
func (h *MemoryHub) Connect() *Memory {
	m := &Memory{hub: h, subs: newSubscribers()}
	h.mu.Lock()
	h.members[m] = struct{}{}
	h.mu.Unlock()
	return m
}

// Put writes blob as if from a writer outside of every connected Memory.
func (h *MemoryHub) Put(key string, blob []byte) {
	h.write(nil, key, blob)
}

func (h *MemoryHub) write(from *Memory, key string, blob []byte) {
	h.mu.Lock()
	h.data[key] = bytes.Clone(blob)
	others := make([]*Memory, 0, len(h.members))
	for m := range h.members {
		if m != from {
			others = append(others, m)
		}
	}
	h.mu.Unlock()

	for _, m := range others {
		m.subs.notify(key)
	}
}

func (h *MemoryHub) read(key string) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	blob, ok := h.data[key]
	return bytes.Clone(blob), ok
}

// Memory is one writer attached to a MemoryHub.
type Memory struct {
	hub    *MemoryHub
	subs   *subscribers
	mu     sync.RWMutex
	closed bool
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	if m.isClosed() {
		return nil, false, carterrors.ErrBackendClosed
	}
	blob, ok := m.hub.read(key)
	return blob, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, blob []byte) error {
	if m.isClosed() {
		return carterrors.ErrBackendClosed
	}
	m.hub.write(m, key, blob)
	return nil
}

func (m *Memory) OnExternalChange(_ context.Context, key string, fn ChangeFunc) (func(), error) {
	if m.isClosed() {
		return nil, carterrors.ErrBackendClosed
	}
	return m.subs.add(key, fn), nil
}

// Close detaches the writer from the hub. Stored data stays in the hub.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.hub.mu.Lock()
	delete(m.hub.members, m)
	m.hub.mu.Unlock()
	m.subs.closeAll()
	return nil
}

func (m *Memory) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
