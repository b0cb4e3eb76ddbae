// Package memory implements the pubsub bus in-process. It connects
// instances of the same logical storage inside one process, e.g. an
// in-memory mirror collection, and backs the multi-instance tests.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"driftdb/internal/pubsub"
)

const subscriberBuffer = 64

var ErrBusClosed = errBusClosed{}

type errBusClosed struct{}

func (errBusClosed) Error() string { return "pubsub bus closed" }

// Bus routes messages between in-process subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]*subscription
	closed atomic.Bool
}

type subscription struct {
	ch     chan pubsub.Message
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]*subscription)}
}

func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[subject] {
		msg := pubsub.Message{Subject: subject, Data: data}
		select {
		case sub.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.ctx.Done():
			// Subscription cancelled, skip
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, subject string) (<-chan pubsub.Message, func(), error) {
	if b.closed.Load() {
		return nil, nil, ErrBusClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		ch:     make(chan pubsub.Message, subscriberBuffer),
		ctx:    subCtx,
		cancel: cancel,
	}
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]*subscription)
	}
	id := b.nextID
	b.nextID++
	b.subs[subject][id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.subs[subject][id] == sub {
			delete(b.subs[subject], id)
			cancel()
			close(sub.ch)
		}
	}
	return sub.ch, unsubscribe, nil
}

func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subs {
		for id, sub := range subs {
			sub.cancel()
			close(sub.ch)
			delete(subs, id)
		}
	}
	b.subs = nil
	return nil
}

var _ pubsub.Bus = (*Bus)(nil)
