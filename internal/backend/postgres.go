package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	carterrors "github.com/abgdnv/kidscart/internal/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	notifyChannel    = "cart_changed"
	listenRetryDelay = time.Second
)

const (
	selectBlob = `SELECT payload FROM cart_blobs WHERE key = $1`
	upsertBlob = `INSERT INTO cart_blobs (key, payload, origin, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (key) DO UPDATE SET payload = EXCLUDED.payload, origin = EXCLUDED.origin, updated_at = now()`
	notifyChange = `SELECT pg_notify($1, $2)`
)

// Postgres keeps carts in the cart_blobs table. Each write sends a NOTIFY on
// cart_changed with the payload "<key>|<origin>" in the same transaction.
type Postgres struct {
	pool   *pgxpool.Pool
	origin string
	logger *slog.Logger
	subs   *subscribers

	mu         sync.Mutex
	stopListen context.CancelFunc
	listenDone chan struct{}
	closed     bool
}

// NewPostgres creates a writer on pool. The pool is owned by the caller.
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	return &Postgres{
		pool:   pool,
		origin: uuid.NewString(),
		logger: logger,
		subs:   newSubscribers(),
	}
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var blob []byte
	err := p.pool.QueryRow(ctx, selectBlob, key).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to select cart blob: %w", err)
	}
	return blob, true, nil
}

func (p *Postgres) Set(ctx context.Context, key string, blob []byte) error {
	return p.withTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertBlob, key, blob, p.origin); err != nil {
			return fmt.Errorf("failed to upsert cart blob: %w", err)
		}
		if _, err := tx.Exec(ctx, notifyChange, notifyChannel, key+"|"+p.origin); err != nil {
			return fmt.Errorf("failed to notify cart change: %w", err)
		}
		return nil
	})
}

func (p *Postgres) withTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("failed to rollback transaction: %w", errors.Join(err, rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *Postgres) OnExternalChange(ctx context.Context, key string, fn ChangeFunc) (func(), error) {
	if err := p.ensureListening(ctx); err != nil {
		return nil, err
	}
	return p.subs.add(key, fn), nil
}

// ensureListening starts the single LISTEN connection shared by all watched keys.
func (p *Postgres) ensureListening(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return carterrors.ErrBackendClosed
	}
	if p.stopListen != nil {
		return nil
	}

	conn, err := p.listenConn(ctx)
	if err != nil {
		return err
	}
	listenCtx, cancel := context.WithCancel(context.Background())
	p.stopListen = cancel
	p.listenDone = make(chan struct{})
	go p.listen(listenCtx, conn)
	return nil
}

func (p *Postgres) listenConn(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen on %s: %w", notifyChannel, err)
	}
	return conn, nil
}

// listen dispatches notifications until ctx is cancelled, reconnecting after connection loss.
func (p *Postgres) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer close(p.listenDone)
	for {
		err := p.dispatch(ctx, conn)
		// The connection still has LISTEN active; never hand it back to the pool usable.
		_ = conn.Conn().Close(context.Background())
		conn.Release()
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("cart change listener lost its connection", "error", err)

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(listenRetryDelay):
			}
			conn, err = p.listenConn(ctx)
			if err == nil {
				break
			}
			p.logger.Warn("failed to restore cart change listener", "error", err)
		}
	}
}

func (p *Postgres) dispatch(ctx context.Context, conn *pgxpool.Conn) error {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		key, origin, ok := splitNotification(n.Payload)
		if !ok || origin == p.origin {
			continue
		}
		p.logger.Debug("external cart change", "key", key, "backend", "postgres")
		p.subs.notify(key)
	}
}

// splitNotification parses "<key>|<origin>". The origin never contains '|', the key may.
func splitNotification(payload string) (key, origin string, ok bool) {
	i := strings.LastIndexByte(payload, '|')
	if i < 0 {
		return "", "", false
	}
	return payload[:i], payload[i+1:], true
}

// Close stops the listener. It does not close the pool.
func (p *Postgres) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	stop, done := p.stopListen, p.listenDone
	p.mu.Unlock()

	p.subs.closeAll()
	if stop != nil {
		stop()
		<-done
	}
	return nil
}
