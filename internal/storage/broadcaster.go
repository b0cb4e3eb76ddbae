package storage

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 64

// ChangeBroadcaster fans committed event bulks out to any number of
// independent subscribers. Late subscribers receive only bulks published
// after they subscribed. Engines embed one per instance to implement
// ChangeStream.
type ChangeBroadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*changeSubscription
	closed atomic.Bool
}

type changeSubscription struct {
	ch     chan EventBulk
	ctx    context.Context
	cancel context.CancelFunc
}

// NewChangeBroadcaster creates an empty broadcaster.
func NewChangeBroadcaster() *ChangeBroadcaster {
	return &ChangeBroadcaster{subs: make(map[int]*changeSubscription)}
}

// Publish delivers the bulk to all current subscribers in order. A slow
// subscriber blocks delivery until it drains or its context ends; the write
// path stays strictly ordered per subscriber.
func (b *ChangeBroadcaster) Publish(bulk EventBulk) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- bulk:
		case <-sub.ctx.Done():
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func releases
// the subscription and closes the channel; it is safe to call more than
// once.
func (b *ChangeBroadcaster) Subscribe(ctx context.Context) (<-chan EventBulk, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		ch := make(chan EventBulk)
		close(ch)
		return ch, func() {}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &changeSubscription{
		ch:     make(chan EventBulk, defaultSubscriberBuffer),
		ctx:    subCtx,
		cancel: cancel,
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.subs[id] == sub {
			delete(b.subs, id)
			cancel()
			close(sub.ch)
		}
	}
	return sub.ch, unsubscribe
}

// Close tears down all subscriptions. Publish becomes a no-op.
func (b *ChangeBroadcaster) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		sub.cancel()
		close(sub.ch)
		delete(b.subs, id)
	}
}
