package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry maps run IDs to their live brokers. It is an explicit,
// dependency-injected instance; its sweep loop runs under a context owned
// by the caller and stops cleanly on cancellation.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	brokers map[uuid.UUID]*Broker

	subscriberBuf int
	grace         time.Duration
}

// NewRegistry creates a registry. subscriberBuf sizes per-subscriber
// channels on brokers it creates; grace is how long a finished,
// subscriber-free broker lingers before the sweep removes it.
func NewRegistry(subscriberBuf int, grace time.Duration, logger *slog.Logger) *Registry {
	if grace <= 0 {
		grace = time.Minute
	}
	return &Registry{
		logger:        logger,
		brokers:       make(map[uuid.UUID]*Broker),
		subscriberBuf: subscriberBuf,
		grace:         grace,
	}
}

// GetOrCreate returns the broker for a run, creating it if absent. Under
// a concurrent race exactly one broker wins and every caller gets that
// same instance.
func (r *Registry) GetOrCreate(runID uuid.UUID) *Broker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.brokers[runID]; ok {
		return b
	}
	b := NewBroker(runID, r.subscriberBuf, r.logger)
	r.brokers[runID] = b
	return b
}

// Get returns the broker for a run, or nil when none is registered.
func (r *Registry) Get(runID uuid.UUID) *Broker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.brokers[runID]
}

// Remove drops a run's broker from the registry. Subscribers already
// attached keep their channels; they just can't be joined by new ones.
func (r *Registry) Remove(runID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.brokers, runID)
}

// Discard removes b only if it is still the registered broker for its run
// and is idle. Readers use it to drop a broker they created for a run
// that turned out to be terminal already, without racing a producer that
// registered a broker in between.
func (r *Registry) Discard(b *Broker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.brokers[b.runID] == b && b.idle() {
		delete(r.brokers, b.runID)
	}
}

// Len returns the number of registered brokers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.brokers)
}

// Sweep removes finished, subscriber-free brokers that have lingered past
// the grace window. It blocks, so call it in a goroutine; it returns when
// ctx is cancelled.
func (r *Registry) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for runID, b := range r.brokers {
		if b.sweepable(r.grace) {
			delete(r.brokers, runID)
			r.logger.Debug("registry: swept broker", "run_id", runID)
		}
	}
}
