package storage

import (
	"sync"
	"time"
)

// Clock issues the last-write-time stamps of one storage instance. Stamps
// are strictly increasing even when consecutive batches commit within one
// millisecond, so the {lwt, id} keyset checkpoint never skips a later write
// whose id sorts below the checkpoint id. The zero value is ready to use.
type Clock struct {
	mu   sync.Mutex
	last int64
}

// Now returns the current unix-millisecond time, bumped past the previous
// stamp when the wall clock has not advanced.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}
