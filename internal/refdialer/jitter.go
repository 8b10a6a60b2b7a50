package refdialer

import (
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	randMu.Lock()
	defer randMu.Unlock()
	return randSource.Int63n(n)
}

// applyJitter returns d plus or minus a random amount up to jitter, so that
// many upstreams scheduled at the same interval don't all re-check in
// lockstep.
func applyJitter(d, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := randInt63n(int64(2*jitter+1)) - int64(jitter)
	out := d + time.Duration(delta)
	if out < 0 {
		return 0
	}
	return out
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
