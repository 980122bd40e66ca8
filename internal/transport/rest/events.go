package rest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/abgdnv/kidscart/internal/cartstore"
)

// Events streams the cart as Server-Sent Events: one "cart" event on connect and one after every
// change, including changes made from other tabs or replicas. Snapshots that pile up while the
// client is slow are collapsed into the latest one.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	mLogger := h.requestLogger(r)
	store, ok := h.store(w, r, mLogger)
	if !ok {
		return
	}
	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	updates := make(chan cartstore.Snapshot, 1)
	unsubscribe := store.Subscribe(func(snap cartstore.Snapshot) { latest(updates, snap) })
	defer func() { unsubscribe() }()

	if err := h.writeEvent(w, rc, store.Snapshot()); err != nil {
		mLogger.DebugContext(r.Context(), "Event stream closed", "error", err)
		return
	}

	heartbeat := time.NewTicker(h.cfg.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case snap := <-updates:
			if err := h.writeEvent(w, rc, snap); err != nil {
				mLogger.DebugContext(r.Context(), "Event stream closed", "error", err)
				return
			}
		case <-heartbeat.C:
			// Resolving the store again keeps the session from being swept while the stream is open,
			// and follows the session to a new store if it was.
			current, err := h.sessions.Get(r.Context(), SessionID(r.Context()))
			if err == nil && current != store {
				unsubscribe()
				store = current
				unsubscribe = store.Subscribe(func(snap cartstore.Snapshot) { latest(updates, snap) })
				latest(updates, store.Snapshot())
			}
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// latest replaces whatever is buffered in ch with snap.
func latest(ch chan cartstore.Snapshot, snap cartstore.Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func (h *Handler) writeEvent(w http.ResponseWriter, rc *http.ResponseController, snap cartstore.Snapshot) error {
	data, err := json.Marshal(h.toResponse(snap))
	if err != nil {
		h.logger.Error("Error encoding cart event", slog.Any("error", err))
		return err
	}
	if _, err := fmt.Fprintf(w, "event: cart\ndata: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}
