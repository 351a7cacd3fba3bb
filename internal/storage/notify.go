package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChannelCheckpoints is the LISTEN/NOTIFY channel announcing committed
// checkpoints. The payload is a JSON corpus.Summary.
const ChannelCheckpoints = "tane_checkpoints"

// Listener holds one pooled connection subscribed to notification
// channels.
type Listener struct {
	conn *pgxpool.Conn
}

// Listen acquires a dedicated connection and subscribes it to channels.
// The caller must Close the listener to return the connection.
func (db *DB) Listen(ctx context.Context, channels ...string) (*Listener, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: acquire listen conn: %w", err)
	}
	for _, ch := range channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			conn.Release()
			return nil, fmt.Errorf("storage: listen %s: %w", ch, err)
		}
	}
	return &Listener{conn: conn}, nil
}

// Wait blocks until a notification arrives or ctx is done.
func (l *Listener) Wait(ctx context.Context) (channel, payload string, err error) {
	n, err := l.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// Close unsubscribes and returns the connection to the pool.
func (l *Listener) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.conn.Exec(ctx, "UNLISTEN *"); err != nil {
		// A connection left listening must not go back to the pool.
		_ = l.conn.Conn().Close(ctx)
	}
	l.conn.Release()
}
