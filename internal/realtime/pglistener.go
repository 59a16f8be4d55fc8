package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"carelink/internal/middleware"

	"github.com/jackc/pgx/v5"
)

// Dispatcher receives decoded change events.
type Dispatcher interface {
	Dispatch(evt ChangeEvent)
}

// PGListener turns Postgres NOTIFY payloads from the notify_row_change
// trigger into change events.
type PGListener struct {
	dsn        string
	channel    string
	dispatcher Dispatcher
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewPGListener creates a listener on channel using a dedicated connection.
func NewPGListener(dsn, channel string, d Dispatcher) *PGListener {
	return &PGListener{
		dsn:        dsn,
		channel:    channel,
		dispatcher: d,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run listens until ctx is cancelled, reconnecting with capped exponential
// backoff after connection failures.
func (l *PGListener) Run(ctx context.Context) error {
	backoff := l.minBackoff
	for {
		listening, err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if listening {
			backoff = l.minBackoff
		}
		middleware.Logger.Warn("change listener disconnected",
			slog.String("channel", l.channel),
			slog.String("error", errString(err)),
			slog.Duration("retry_in", backoff),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, l.maxBackoff)
	}
}

func (l *PGListener) listenOnce(ctx context.Context) (bool, error) {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return false, fmt.Errorf("listen %s: %w", l.channel, err)
	}
	middleware.Logger.Info("change listener started", slog.String("channel", l.channel))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, err
		}
		l.handle(n.Payload)
	}
}

func (l *PGListener) handle(payload string) {
	evt, err := DecodeChangeEvent([]byte(payload))
	if err != nil {
		middleware.Logger.Warn("dropping malformed change payload",
			slog.String("channel", l.channel), slog.String("error", err.Error()))
		return
	}
	l.dispatcher.Dispatch(evt)
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit {
		return limit
	}
	return next
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "context canceled"
	}
	return err.Error()
}
