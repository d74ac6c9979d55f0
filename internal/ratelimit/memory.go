package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Keys idle this long are forgotten; their next request starts a fresh
// bucket at full capacity.
const idleEviction = 10 * time.Minute

// memoryBucket tracks the remaining allowance for one key. Refill is
// computed lazily from the elapsed time on access, so idle buckets cost
// nothing between requests.
type memoryBucket struct {
	allowance float64
	seen      time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory. The
// keys are what the server actually limits on (client IPs for token
// issuance, owner identities for run creation), so the working set stays
// small; a background loop evicts idle keys so an address scanner cannot
// grow the map without bound.
type MemoryLimiter struct {
	perSecond float64
	capacity  float64

	mu   sync.Mutex
	keys map[string]*memoryBucket

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryLimiter creates a limiter allowing perSecond sustained
// requests per key with bursts up to burst. Call Close to stop the
// eviction loop.
func NewMemoryLimiter(perSecond float64, burst int) *MemoryLimiter {
	l := &MemoryLimiter{
		perSecond: perSecond,
		capacity:  float64(burst),
		keys:      make(map[string]*memoryBucket),
		stop:      make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// Allow spends one unit of key's allowance. False means the key is over
// its rate; the caller rejects with 429.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.keys[key]
	if !ok {
		b = &memoryBucket{allowance: l.capacity}
		l.keys[key] = b
	} else {
		b.allowance = min(l.capacity, b.allowance+now.Sub(b.seen).Seconds()*l.perSecond)
	}
	b.seen = now

	if b.allowance < 1 {
		return false, nil
	}
	b.allowance--
	return true, nil
}

// Close stops the eviction loop. Safe to call more than once.
func (l *MemoryLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	return nil
}

func (l *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(idleEviction / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for key, b := range l.keys {
				if now.Sub(b.seen) > idleEviction {
					delete(l.keys, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
