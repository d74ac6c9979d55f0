package stream

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tempest11/graphrun/internal/model"
)

// ErrFinished is returned by Publish after the terminal envelope has been
// delivered. The producer treats it as a bug signal, not a fatal error.
var ErrFinished = errors.New("stream: broker finished")

// Subscriber is one attached consumer of a run's live events. C is closed
// when the run finishes or when the consumer falls too far behind; in the
// lag case the consumer re-syncs through the durable log.
type Subscriber struct {
	C  <-chan model.Event
	ch chan model.Event
}

// Broker fans a single run's events out to its subscribers. Events arrive
// from one producer in sequence order; each subscriber sees them in that
// order with no gaps or duplicates, or is disconnected. The durable log
// remains the source of truth; the broker only optimizes the live path.
type Broker struct {
	runID   uuid.UUID
	bufSize int
	logger  *slog.Logger

	mu         sync.Mutex
	subs       map[*Subscriber]struct{}
	finished   bool
	terminal   model.Event
	emptySince time.Time
}

// NewBroker creates a broker for one run. bufSize is the per-subscriber
// channel buffer; a subscriber whose buffer fills is dropped.
func NewBroker(runID uuid.UUID, bufSize int, logger *slog.Logger) *Broker {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broker{
		runID:      runID,
		bufSize:    bufSize,
		logger:     logger,
		subs:       make(map[*Subscriber]struct{}),
		emptySince: time.Now(),
	}
}

// RunID returns the run this broker serves.
func (b *Broker) RunID() uuid.UUID {
	return b.runID
}

// Attach registers a new subscriber. On an already-finished broker the
// subscriber receives the retained terminal envelope exactly once and its
// channel is closed immediately, so late joiners still observe the end of
// the stream without touching the log.
func (b *Broker) Attach() *Subscriber {
	ch := make(chan model.Event, b.bufSize)
	sub := &Subscriber{C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		ch <- b.terminal
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Detach removes a subscriber and closes its channel. Safe to call for a
// subscriber the broker already dropped.
func (b *Broker) Detach(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
	if len(b.subs) == 0 {
		b.emptySince = time.Now()
	}
}

// Publish delivers one event to every subscriber. A subscriber with a
// full buffer is disconnected rather than blocked on or given a gap; it
// resumes through the log. A terminal event finishes the broker: it is
// retained for late attachers, every channel is closed after delivery,
// and any later Publish returns ErrFinished.
func (b *Broker) Publish(ev model.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		b.logger.Warn("broker: publish after terminal event",
			"run_id", b.runID, "sequence", ev.Sequence, "stream_mode", ev.StreamMode)
		return ErrFinished
	}

	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("broker: dropping slow subscriber", "run_id", b.runID, "sequence", ev.Sequence)
			delete(b.subs, sub)
			close(sub.ch)
		}
	}

	if ev.IsTerminal() {
		b.finished = true
		b.terminal = ev
		for sub := range b.subs {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.emptySince = time.Now()
	} else if len(b.subs) == 0 {
		b.emptySince = time.Now()
	}
	return nil
}

// Finished reports whether the terminal envelope has been published.
func (b *Broker) Finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

// Subscribers returns the current subscriber count.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// sweepable reports whether the broker is finished, subscriber-free, and
// has been idle for at least grace.
func (b *Broker) sweepable(grace time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished && len(b.subs) == 0 && time.Since(b.emptySince) >= grace
}

// idle reports whether the broker has no subscribers and no terminal yet,
// which marks a reader-created broker for a run that will never publish.
func (b *Broker) idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.finished && len(b.subs) == 0
}
