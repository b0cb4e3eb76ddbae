// Package nats implements the pubsub bus on a NATS connection, connecting
// storage instances across processes.
package nats

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"driftdb/internal/pubsub"
)

const subscriberBuffer = 64

// Bus is a NATS-backed pubsub bus. Delivery is at-least-once from the
// consumer's perspective; consumers deduplicate by event id.
type Bus struct {
	conn    *nats.Conn
	ownConn bool

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials the NATS server and returns a bus owning the connection.
func Connect(url string) (*Bus, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %q: %w", url, err)
	}
	return &Bus{conn: conn, ownConn: true}, nil
}

// NewBus wraps an existing connection; Close leaves the connection open.
func NewBus(conn *nats.Conn) *Bus {
	return &Bus{conn: conn}
}

func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %q: %w", subject, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, subject string) (<-chan pubsub.Message, func(), error) {
	ch := make(chan pubsub.Message, subscriberBuffer)
	subCtx, cancel := context.WithCancel(ctx)

	natsSub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case ch <- pubsub.Message{Subject: msg.Subject, Data: msg.Data}:
		case <-subCtx.Done():
		}
	})
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("subscribe to %q: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, natsSub)
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			_ = natsSub.Unsubscribe()
			cancel()
			close(ch)
		})
	}
	return ch, unsubscribe, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.ownConn {
		b.conn.Close()
	}
	return nil
}

var _ pubsub.Bus = (*Bus)(nil)
