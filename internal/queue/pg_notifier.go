package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGNotifier uses LISTEN/NOTIFY. LISTEN state is session scoped, so it runs
// on its own pgx.Conn outside the pool; NOTIFY goes through the pool.
type PGNotifier struct {
	dsn            string
	channel        string
	pool           Execer
	reconnectDelay time.Duration
	logger         *zap.Logger

	listening atomic.Bool
	mu        sync.Mutex
	conn      *pgx.Conn
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewPGNotifier(dsn, channel string, pool Execer, reconnectDelay time.Duration, logger *zap.Logger) *PGNotifier {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGNotifier{dsn: dsn, channel: channel, pool: pool, reconnectDelay: reconnectDelay, logger: logger}
}

func (n *PGNotifier) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, n.dsn)
	if err != nil {
		return nil, fmt.Errorf("connect listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{n.channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("listen %s: %w", n.channel, err)
	}
	return conn, nil
}

// Listen opens the dedicated connection. Only one listener runs per notifier;
// reconnects happen inside it after reconnectDelay.
func (n *PGNotifier) Listen(ctx context.Context) (<-chan string, error) {
	if !n.listening.CompareAndSwap(false, true) {
		return nil, errors.New("queue: listener already running")
	}
	conn, err := n.connect(ctx)
	if err != nil {
		n.listening.Store(false)
		return nil, err
	}
	lctx, cancel := context.WithCancel(ctx)
	out := make(chan string, 64)
	n.mu.Lock()
	n.conn = conn
	n.cancel = cancel
	n.done = make(chan struct{})
	n.mu.Unlock()

	go n.loop(lctx, conn, out)
	return out, nil
}

func (n *PGNotifier) loop(ctx context.Context, conn *pgx.Conn, out chan<- string) {
	defer func() {
		n.mu.Lock()
		if n.conn != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_, _ = n.conn.Exec(stopCtx, "UNLISTEN *")
			_ = n.conn.Close(stopCtx)
			cancel()
			n.conn = nil
		}
		close(n.done)
		n.mu.Unlock()
		close(out)
		n.listening.Store(false)
	}()

	for {
		note, err := conn.WaitForNotification(ctx)
		if err == nil {
			send(out, note.Payload)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		n.logger.Warn("listener connection lost", zap.String("channel", n.channel), zap.Error(err))
		_ = conn.Close(context.Background())

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.reconnectDelay):
			}
			next, err := n.connect(ctx)
			if err != nil {
				n.logger.Warn("listener reconnect failed", zap.Error(err))
				continue
			}
			n.mu.Lock()
			n.conn = next
			n.mu.Unlock()
			conn = next
			n.logger.Info("listener reconnected", zap.String("channel", n.channel))
			// Notifications sent while disconnected are lost; ask for a sweep.
			send(out, "")
			break
		}
	}
}

// Notify sends pg_notify through the pool.
func (n *PGNotifier) Notify(ctx context.Context, jobID string) error {
	if n.pool == nil {
		return errors.New("queue: notifier has no pool")
	}
	if _, err := n.pool.Exec(ctx, "SELECT pg_notify($1, $2)", n.channel, jobID); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Close stops the listener and releases the dedicated connection.
func (n *PGNotifier) Close() error {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.cancel = nil
	n.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
