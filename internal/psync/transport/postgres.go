package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"psync/internal/psync"
)

const postgresPublishAttempts = 3

// Postgres is a broadcast backend on LISTEN/NOTIFY. NOTIFY retains nothing,
// so every subscriber reconnect signals resync unconditionally: there is no
// way to rule out notifications lost while the LISTEN connection was down.
type Postgres struct {
	pool       *pgxpool.Pool
	connString string
	logger     *zap.Logger
}

func NewPostgres(ctx context.Context, connString string, logger *zap.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres connection string: %w", err)
	}
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Postgres{
		pool:       pool,
		connString: connString,
		logger:     logger.Named("postgres-transport"),
	}, nil
}

// Publish implements psync.Transport.Publish via pg_notify. Bounded retries,
// then ErrTransportUnavailable.
func (p *Postgres) Publish(ctx context.Context, channel string, payload []byte) error {
	var backoff psync.Backoff
	var lastErr error
	for attempt := 0; attempt < postgresPublishAttempts; attempt++ {
		_, lastErr = p.pool.Exec(ctx, "select pg_notify($1, $2)", channel, string(payload))
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if err := psync.Wait(ctx, backoff.Next()); err != nil {
			return err
		}
	}

	return fmt.Errorf("notify on channel %s failed: %v: %w", channel, lastErr, psync.ErrTransportUnavailable)
}

// Subscribe implements psync.Transport.Subscribe with a dedicated LISTEN
// connection per subscription.
func (p *Postgres) Subscribe(ctx context.Context, channels ...string) (psync.Subscription, error) {
	if len(channels) == 0 {
		return nil, errors.New("subscribe requires at least one channel")
	}

	sub := newStreamSubscription()

	go p.listenLoop(ctx, sub, channels)

	return sub, nil
}

func (p *Postgres) listenLoop(ctx context.Context, sub *streamSubscription, channels []string) {
	defer sub.finish()

	var backoff psync.Backoff
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		default:
		}

		conn, err := p.listen(ctx, channels)
		if err != nil {
			p.logger.Warn("listen connection failed", zap.Error(err))
			if err := psync.Wait(ctx, backoff.Next()); err != nil {
				return
			}
			continue
		}
		backoff.Reset()

		// Anything sent while we were not listening is gone; only the
		// very first connect is known gap-free.
		if !first {
			sub.signalResync()
		}
		first = false

		p.receive(ctx, sub, conn)
		_ = conn.Close(context.Background())
	}
}

func (p *Postgres) listen(ctx context.Context, channels []string) (*pgx.Conn, error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(connCtx, p.connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	for _, c := range channels {
		if _, err := conn.Exec(ctx, "listen "+pgx.Identifier{c}.Sanitize()); err != nil {
			_ = conn.Close(context.Background())
			return nil, fmt.Errorf("failed to listen on %s: %w", c, err)
		}
	}

	return conn, nil
}

// receive pumps notifications until the connection breaks or the
// subscription ends.
func (p *Postgres) receive(ctx context.Context, sub *streamSubscription, conn *pgx.Conn) {
	for {
		select {
		case <-sub.done:
			return
		default:
		}

		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				p.logger.Warn("notification wait failed, reconnecting", zap.Error(err))
			}
			return
		}

		if !sub.emit(ctx, psync.Message{Channel: n.Channel, Payload: []byte(n.Payload)}) {
			return
		}
	}
}

// Close implements psync.Transport.Close.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
