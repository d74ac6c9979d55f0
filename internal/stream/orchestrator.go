package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tempest11/graphrun/internal/model"
	"github.com/tempest11/graphrun/internal/storage"
)

// ErrAlreadyRunning is returned when a run already has a live producer.
var ErrAlreadyRunning = errors.New("stream: run already has a producer")

// ErrCancelTimeout is returned when a producer did not wind down within
// the cancel budget. The producer keeps winding down in the background.
var ErrCancelTimeout = errors.New("stream: cancel timed out")

// Store is the persistence surface the orchestrator needs. *storage.DB
// satisfies it; tests use an in-memory fake.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	SetRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus) error
	FinishRun(ctx context.Context, id uuid.UUID, status model.RunStatus, output []byte, errMsg string) error
	AppendEvent(ctx context.Context, runID uuid.UUID, mode model.StreamMode, payload []byte) (model.Event, error)
	EventsAfter(ctx context.Context, runID uuid.UUID, after int64) ([]model.Event, error)
	SetThreadStatus(ctx context.Context, id uuid.UUID, status model.ThreadStatus) error
}

// Orchestrator owns the producer side of every live run: it drives the
// engine, transforms and sequences events, persists them, and feeds the
// per-run broker. Exactly one producer goroutine exists per run; the
// in-process handle map and the guarded status transitions in the store
// together enforce that.
type Orchestrator struct {
	store      Store
	registry   *Registry
	engine     Engine
	logger     *slog.Logger
	cancelWait time.Duration

	mu        sync.Mutex
	producers map[uuid.UUID]*producer
}

type producer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOrchestrator creates an orchestrator. cancelWait bounds how long
// Cancel blocks on a producer's wind-down.
func NewOrchestrator(store Store, registry *Registry, engine Engine, cancelWait time.Duration, logger *slog.Logger) *Orchestrator {
	if cancelWait <= 0 {
		cancelWait = 10 * time.Second
	}
	return &Orchestrator{
		store:      store,
		registry:   registry,
		engine:     engine,
		logger:     logger,
		cancelWait: cancelWait,
		producers:  make(map[uuid.UUID]*producer),
	}
}

// StartRun launches the producer goroutine for a pending run. The
// producer's lifetime is detached from the caller's request context; it
// stops on Cancel or when the engine finishes.
func (o *Orchestrator) StartRun(run model.Run, cfg WorkloadConfig, policy Policy) error {
	o.mu.Lock()
	if _, ok := o.producers[run.ID]; ok {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &producer{cancel: cancel, done: make(chan struct{})}
	o.producers[run.ID] = p
	o.mu.Unlock()

	go o.produce(ctx, run, cfg, policy, p)
	return nil
}

// Running reports whether a run currently has a live producer.
func (o *Orchestrator) Running(runID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.producers[runID]
	return ok
}

func (o *Orchestrator) removeProducer(runID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.producers, runID)
}

func (o *Orchestrator) produce(ctx context.Context, run model.Run, cfg WorkloadConfig, policy Policy, p *producer) {
	defer close(p.done)
	defer o.removeProducer(run.ID)
	defer p.cancel()

	broker := o.registry.GetOrCreate(run.ID)

	if err := o.store.SetThreadStatus(ctx, run.ThreadID, model.ThreadStatusBusy); err != nil {
		o.logger.Warn("orchestrator: mark thread busy", "thread_id", run.ThreadID, "error", err)
	}

	src, err := o.engine.Start(ctx, cfg, run.Input)
	if err != nil {
		o.logger.Error("orchestrator: engine start", "run_id", run.ID, "error", err)
		o.finish(ctx, run, broker, model.RunStatusFailed, nil, err.Error())
		return
	}
	defer src.Close() //nolint:errcheck

	status := run.Status
	var lastValues json.RawMessage

	for {
		raw, err := src.Recv(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			o.finish(ctx, run, broker, model.RunStatusCompleted, lastValues, "")
			return
		case errors.Is(err, ErrMalformedEvent):
			o.logger.Warn("orchestrator: skipping malformed event", "run_id", run.ID, "error", err)
			continue
		case ctx.Err() != nil:
			o.finish(ctx, run, broker, model.RunStatusCancelled, nil, "")
			return
		default:
			o.logger.Error("orchestrator: engine error", "run_id", run.ID, "error", err)
			o.finish(ctx, run, broker, model.RunStatusFailed, nil, err.Error())
			return
		}

		// The first raw event moves the run out of pending even when the
		// policy drops it below.
		if status == model.RunStatusPending {
			status = o.advanceStatus(ctx, run.ID, status, raw.Mode)
		}

		// The terminal envelope is owned by the orchestrator; an engine
		// that emits one is misbehaving and the event is dropped.
		if raw.Mode == model.StreamModeEnd {
			o.logger.Warn("orchestrator: engine emitted terminal event, skipping", "run_id", run.ID)
			continue
		}

		ev, keep := policy.Apply(raw)
		if !keep {
			continue
		}

		status = o.advanceStatus(ctx, run.ID, status, ev.Mode)
		if ev.Mode == model.StreamModeValues {
			lastValues = ev.Payload
		}

		stored, err := o.store.AppendEvent(ctx, run.ID, ev.Mode, ev.Payload)
		if err != nil {
			// A cancel that lands mid-append surfaces as an append error;
			// it is a cancellation, not a log failure.
			if ctx.Err() != nil {
				o.finish(ctx, run, broker, model.RunStatusCancelled, nil, "")
				return
			}
			o.logger.Error("orchestrator: append event", "run_id", run.ID, "error", err)
			o.finish(ctx, run, broker, model.RunStatusFailed, nil, fmt.Sprintf("event log write failed: %v", err))
			return
		}

		if err := broker.Publish(stored); err != nil {
			o.logger.Warn("orchestrator: publish", "run_id", run.ID, "error", err)
		}
	}
}

// advanceStatus moves the run between running and streaming based on the
// event mode. First raw event leaves pending. Transitions are guarded in the
// store, so a cancel that already landed is never overwritten; the
// conflict just gets logged and the producer winds down on its next Recv.
func (o *Orchestrator) advanceStatus(ctx context.Context, runID uuid.UUID, status model.RunStatus, mode model.StreamMode) model.RunStatus {
	var next model.RunStatus
	switch {
	case status == model.RunStatusPending:
		next = model.RunStatusRunning
		if mode == model.StreamModeMessages {
			next = model.RunStatusStreaming
		}
	case mode == model.StreamModeMessages && status != model.RunStatusStreaming:
		next = model.RunStatusStreaming
	case mode != model.StreamModeMessages && status == model.RunStatusStreaming:
		next = model.RunStatusRunning
	default:
		return status
	}

	if err := o.store.SetRunStatus(ctx, runID, next); err != nil {
		o.logger.Debug("orchestrator: status transition skipped", "run_id", runID, "to", next, "error", err)
		return status
	}
	return next
}

// finish closes out a run: append the terminal envelope, persist the
// final status, release the thread, and only then publish the terminal
// event so every observer of the envelope sees the persisted state.
// Uses a detached context so a cancelled producer can still write.
func (o *Orchestrator) finish(ctx context.Context, run model.Run, broker *Broker, status model.RunStatus, output json.RawMessage, errMsg string) {
	base := context.WithoutCancel(ctx)

	payload, err := json.Marshal(model.EndPayload{Status: status, Output: output, Error: errMsg})
	if err != nil {
		payload = []byte(`{"status":"` + string(status) + `"}`)
	}

	ev, appendErr := o.store.AppendEvent(base, run.ID, model.StreamModeEnd, payload)

	if err := o.store.FinishRun(base, run.ID, status, output, errMsg); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			o.logger.Debug("orchestrator: run already terminal", "run_id", run.ID)
		} else {
			o.logger.Warn("orchestrator: finish run", "run_id", run.ID, "status", status, "error", err)
		}
	}
	if err := o.store.SetThreadStatus(base, run.ThreadID, model.ThreadStatusIdle); err != nil {
		o.logger.Warn("orchestrator: mark thread idle", "thread_id", run.ThreadID, "error", err)
	}

	if appendErr != nil {
		// The log write failed, so readers can't learn the outcome from
		// the log. Publish an in-memory terminal envelope to unblock live
		// subscribers; log readers fall back to the persisted run status.
		o.logger.Error("orchestrator: append terminal event", "run_id", run.ID, "error", appendErr)
		last, seqErr := o.lastKnownSequence(base, run.ID)
		if seqErr != nil {
			last = -1
		}
		ev = model.Event{
			ID:         model.FormatEventID(run.ID.String(), last+1),
			RunID:      run.ID,
			Sequence:   last + 1,
			StreamMode: model.StreamModeEnd,
			Payload:    payload,
			CreatedAt:  time.Now().UTC(),
		}
	}

	if err := broker.Publish(ev); err != nil {
		o.logger.Warn("orchestrator: publish terminal event", "run_id", run.ID, "error", err)
	}
}

func (o *Orchestrator) lastKnownSequence(ctx context.Context, runID uuid.UUID) (int64, error) {
	events, err := o.store.EventsAfter(ctx, runID, -1)
	if err != nil {
		return -1, err
	}
	if len(events) == 0 {
		return -1, nil
	}
	return events[len(events)-1].Sequence, nil
}

// Cancel stops a run. Idempotent: cancelling a terminal run is a no-op.
// When a producer is live it is signalled and Cancel waits for its
// wind-down, so the cancelled status is persisted before Cancel returns.
// An active run without a producer (e.g. orphaned by a restart) is closed
// out directly.
func (o *Orchestrator) Cancel(ctx context.Context, runID uuid.UUID) error {
	o.mu.Lock()
	p := o.producers[runID]
	o.mu.Unlock()

	if p != nil {
		p.cancel()
		select {
		case <-p.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cancelWait):
			return ErrCancelTimeout
		}
	}

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	broker := o.registry.GetOrCreate(runID)
	o.finish(ctx, run, broker, model.RunStatusCancelled, nil, "")
	return nil
}

// Join blocks until the run reaches a terminal state and returns its
// final descriptor. Failed and cancelled runs return normally; the
// outcome lives in the descriptor.
func (o *Orchestrator) Join(ctx context.Context, runID uuid.UUID) (model.Run, error) {
	for {
		run, err := o.store.GetRun(ctx, runID)
		if err != nil {
			return model.Run{}, err
		}
		if run.Status.Terminal() {
			return run, nil
		}

		b := o.registry.GetOrCreate(runID)
		sub := b.Attach()

		// Re-check after attach: the run may have finished while the
		// broker above was created fresh, in which case nothing will
		// ever be published to it.
		run, err = o.store.GetRun(ctx, runID)
		if err != nil {
			b.Detach(sub)
			return model.Run{}, err
		}
		if run.Status.Terminal() {
			b.Detach(sub)
			o.registry.Discard(b)
			return run, nil
		}

		if run, ok, err := o.waitTerminal(ctx, runID, b, sub); err != nil || ok {
			return run, err
		}
		// Channel closed without a terminal event (dropped as a slow
		// subscriber, or the broker aborted). Re-check and re-attach.
	}
}

func (o *Orchestrator) waitTerminal(ctx context.Context, runID uuid.UUID, b *Broker, sub *Subscriber) (model.Run, bool, error) {
	defer b.Detach(sub)
	for {
		select {
		case <-ctx.Done():
			return model.Run{}, false, ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return model.Run{}, false, nil
			}
			if ev.IsTerminal() {
				run, err := o.store.GetRun(ctx, runID)
				return run, true, err
			}
		}
	}
}

// Follow streams a run's events to fn, starting strictly after the given
// sequence cursor. It first replays from the durable log, then hands off
// to the live broker without re-delivery; a subscriber that lags is
// re-synced through the log. Returns nil once the terminal envelope has
// been delivered (or the run is terminal and fully replayed), ctx.Err()
// on cancellation, and fn's error if fn fails.
func (o *Orchestrator) Follow(ctx context.Context, runID uuid.UUID, after int64, fn func(model.Event) error) error {
	last := after

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		_, err := o.flushLog(ctx, runID, last, fn)
		if errors.Is(err, errTerminalDelivered) {
			return nil
		}
		return err
	}

	for {
		b := o.registry.GetOrCreate(runID)
		sub := b.Attach()

		// Catch up from the log. Everything published after Attach is
		// buffered in the subscriber channel, so log flush plus channel
		// overlap covers the handoff; duplicates are trimmed below.
		last, err = o.flushLog(ctx, runID, last, fn)
		if err != nil {
			b.Detach(sub)
			if errors.Is(err, errTerminalDelivered) {
				return nil
			}
			return err
		}

		// A fresh broker for a run that finished in between will never
		// publish; fall back to the persisted status.
		run, err = o.store.GetRun(ctx, runID)
		if err != nil {
			b.Detach(sub)
			return err
		}
		if run.Status.Terminal() && !b.Finished() {
			_, ferr := o.flushLog(ctx, runID, last, fn)
			b.Detach(sub)
			o.registry.Discard(b)
			if ferr != nil && !errors.Is(ferr, errTerminalDelivered) {
				return ferr
			}
			return nil
		}

		resync, err := o.followLive(ctx, sub, &last, fn)
		b.Detach(sub)
		if err != nil || !resync {
			return err
		}
		// Dropped as a slow subscriber; re-sync through the log and
		// re-attach.
	}
}

// errTerminalDelivered is an internal signal that the log flush handed
// the terminal envelope to fn.
var errTerminalDelivered = errors.New("stream: terminal delivered")

func (o *Orchestrator) flushLog(ctx context.Context, runID uuid.UUID, last int64, fn func(model.Event) error) (int64, error) {
	events, err := o.store.EventsAfter(ctx, runID, last)
	if err != nil {
		return last, err
	}
	for _, ev := range events {
		if err := fn(ev); err != nil {
			return last, err
		}
		last = ev.Sequence
		if ev.IsTerminal() {
			return last, errTerminalDelivered
		}
	}
	return last, nil
}

// followLive consumes the subscriber channel until the terminal envelope,
// cancellation, or channel close. The second return is true when the
// caller should re-sync through the log.
func (o *Orchestrator) followLive(ctx context.Context, sub *Subscriber, last *int64, fn func(model.Event) error) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return true, nil
			}
			if ev.Sequence <= *last {
				continue
			}
			if err := fn(ev); err != nil {
				return false, err
			}
			*last = ev.Sequence
			if ev.IsTerminal() {
				return false, nil
			}
		}
	}
}
