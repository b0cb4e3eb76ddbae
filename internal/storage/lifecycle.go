package storage

import (
	"sync"

	"driftdb/pkg/model"
)

// InstanceState is the lifecycle state of a storage instance.
type InstanceState int

const (
	StateOpen InstanceState = iota
	StateClosing
	StateClosed
)

// Lifecycle tracks the OPEN -> CLOSING -> CLOSED transition of a storage
// instance together with the number of in-flight writes. Engines embed it:
// BeginWrite/EndWrite bracket each bulk write, Close first flags CLOSING so
// new writes are rejected, then waits for the in-flight ones before the
// engine releases its resources.
type Lifecycle struct {
	mu         sync.Mutex
	cond       *sync.Cond
	state      InstanceState
	openWrites int
	removed    bool
}

func NewLifecycle() *Lifecycle {
	l := &Lifecycle{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() InstanceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// BeginWrite registers an in-flight write. Rejected once closing.
func (l *Lifecycle) BeginWrite() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateOpen {
		return l.closedErr()
	}
	l.openWrites++
	return nil
}

// EndWrite releases an in-flight write.
func (l *Lifecycle) EndWrite() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.openWrites--
	if l.openWrites == 0 {
		l.cond.Broadcast()
	}
}

// EnsureReadable rejects reads only after the instance is fully closed;
// reads are still served while closing.
func (l *Lifecycle) EnsureReadable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return l.closedErr()
	}
	return nil
}

// MarkRemoved records that the instance's backing data was dropped, so
// rejected operations report ErrRemoved instead of ErrClosed.
func (l *Lifecycle) MarkRemoved() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = true
}

func (l *Lifecycle) closedErr() error {
	if l.removed {
		return model.ErrRemoved
	}
	return model.ErrClosed
}

// BeginClose transitions to CLOSING and waits until all in-flight writes
// finished. It returns false when the instance was already closing or
// closed, making Close idempotent.
func (l *Lifecycle) BeginClose() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateOpen {
		return false
	}
	l.state = StateClosing
	for l.openWrites > 0 {
		l.cond.Wait()
	}
	return true
}

// MarkClosed finalizes the transition to CLOSED.
func (l *Lifecycle) MarkClosed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateClosed
}
