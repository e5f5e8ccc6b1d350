package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// NotificationHandler receives every NOTIFY payload for channels the
// listener is subscribed to. Handlers must not block; slow consumers should
// hand off to their own goroutines.
type NotificationHandler func(channel, payload string)

// listenerCmd carries a LISTEN/UNLISTEN statement to the receive loop, which
// is the sole goroutine allowed to touch the pgx connection.
type listenerCmd struct {
	sql    string
	result chan error
}

// Listener owns a dedicated Postgres connection running LISTEN and feeds
// received notifications to a handler. The run event stream and the queue
// wakeup path both ride on one Listener so the process holds a single
// LISTEN connection.
//
// pgx connections are not safe for concurrent use, so LISTEN/UNLISTEN
// statements are serialized through cmdCh and executed between
// WaitForNotification calls by the receive loop.
type Listener struct {
	dsn     string
	handler NotificationHandler

	conn   *pgx.Conn
	connMu sync.Mutex

	channels   map[string]bool
	channelsMu sync.RWMutex

	cmdCh   chan listenerCmd
	running atomic.Bool

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewListener creates a Listener. Start must be called before Listen.
func NewListener(dsn string, handler NotificationHandler) *Listener {
	return &Listener{
		dsn:      dsn,
		handler:  handler,
		channels: make(map[string]bool),
		cmdCh:    make(chan listenerCmd, 16),
	}
}

// Start opens the dedicated connection and launches the receive loop.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("failed to open LISTEN connection: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("Notification listener started")
	return nil
}

// Listen subscribes the connection to a channel. It returns once Postgres
// has acknowledged the LISTEN, so callers may immediately run a catchup
// query without a delivery gap.
func (l *Listener) Listen(ctx context.Context, channel string) error {
	l.channelsMu.Lock()
	if l.channels[channel] {
		l.channelsMu.Unlock()
		return nil
	}
	l.channelsMu.Unlock()

	if !l.running.Load() {
		return fmt.Errorf("listener is not running")
	}

	sanitized := pgx.Identifier{channel}.Sanitize()
	if err := l.exec(ctx, "LISTEN "+sanitized); err != nil {
		return fmt.Errorf("LISTEN %s failed: %w", sanitized, err)
	}

	l.channelsMu.Lock()
	l.channels[channel] = true
	l.channelsMu.Unlock()
	slog.Debug("Listening on channel", "channel", channel)
	return nil
}

// Unlisten drops the subscription for a channel.
func (l *Listener) Unlisten(ctx context.Context, channel string) error {
	l.channelsMu.Lock()
	if !l.channels[channel] {
		l.channelsMu.Unlock()
		return nil
	}
	l.channelsMu.Unlock()

	if !l.running.Load() {
		return nil
	}

	sanitized := pgx.Identifier{channel}.Sanitize()
	if err := l.exec(ctx, "UNLISTEN "+sanitized); err != nil {
		return fmt.Errorf("UNLISTEN %s failed: %w", sanitized, err)
	}

	l.channelsMu.Lock()
	delete(l.channels, channel)
	l.channelsMu.Unlock()
	return nil
}

// exec routes a statement through the receive loop and waits for the result.
func (l *Listener) exec(ctx context.Context, sql string) error {
	cmd := listenerCmd{sql: sql, result: make(chan error, 1)}

	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLoop alternates between draining pending LISTEN/UNLISTEN commands
// and waiting for notifications. The short wait timeout bounds how long a
// queued command sits before execution.
func (l *Listener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.drainCommands(ctx)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.handler(notification.Channel, notification.Payload)
	}
}

func (l *Listener) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-l.cmdCh:
			l.connMu.Lock()
			conn := l.conn
			l.connMu.Unlock()
			if conn == nil {
				cmd.result <- fmt.Errorf("listener connection is down")
				continue
			}
			_, err := conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
			return
		}
	}
}

// reconnect re-establishes the connection with exponential backoff and
// re-issues LISTEN for every tracked channel. Notifications sent while the
// connection was down are lost; subscribers recover via catchup.
func (l *Listener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.dsn)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		l.conn = conn

		l.channelsMu.RLock()
		for ch := range l.channels {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				slog.Error("Re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		l.channelsMu.RUnlock()

		slog.Info("Notification listener reconnected")
		return
	}
}

// isListening reports whether the channel is currently subscribed.
func (l *Listener) isListening(channel string) bool {
	l.channelsMu.RLock()
	defer l.channelsMu.RUnlock()
	return l.channels[channel]
}

// Stop shuts the receive loop down, then closes the connection. Ordering
// matters: closing the connection while WaitForNotification is in flight
// races inside pgx.
func (l *Listener) Stop(ctx context.Context) {
	l.running.Store(false)

	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
