package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClockStrictlyIncreases(t *testing.T) {
	var clock Clock

	// Far more calls than milliseconds pass, forcing same-millisecond bumps.
	prev := clock.Now()
	for i := 0; i < 10000; i++ {
		next := clock.Now()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestClockFollowsWallClock(t *testing.T) {
	var clock Clock
	clock.last = 42 // stale stamp far in the past

	now := clock.Now()
	assert.Greater(t, now, int64(42))
}

func TestClockConcurrentStampsUnique(t *testing.T) {
	var clock Clock
	const workers, perWorker = 8, 500

	stamps := make(chan int64, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				stamps <- clock.Now()
			}
		}()
	}
	wg.Wait()
	close(stamps)

	seen := make(map[int64]bool, workers*perWorker)
	for s := range stamps {
		assert.False(t, seen[s], "duplicate stamp %d", s)
		seen[s] = true
	}
}
