package stream

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempest11/graphrun/internal/model"
)

// testLogger returns a logger for tests that only surfaces errors.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEvent(runID uuid.UUID, seq int64, mode model.StreamMode) model.Event {
	return model.Event{
		ID:         model.FormatEventID(runID.String(), seq),
		RunID:      runID,
		Sequence:   seq,
		StreamMode: mode,
		Payload:    json.RawMessage(`{}`),
		CreatedAt:  time.Now().UTC(),
	}
}

func TestBrokerFanOut(t *testing.T) {
	runID := uuid.New()
	b := NewBroker(runID, 8, testLogger())

	sub1 := b.Attach()
	sub2 := b.Attach()

	ev := testEvent(runID, 0, model.StreamModeValues)
	require.NoError(t, b.Publish(ev))

	for _, sub := range []*Subscriber{sub1, sub2} {
		select {
		case got := <-sub.C:
			assert.Equal(t, ev.ID, got.ID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	b.Detach(sub1)
	require.NoError(t, b.Publish(testEvent(runID, 1, model.StreamModeValues)))

	select {
	case got := <-sub2.C:
		assert.Equal(t, int64(1), got.Sequence)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event after detach")
	}

	// Detached channel is closed.
	_, ok := <-sub1.C
	assert.False(t, ok)
}

func TestBrokerTerminalClosesSubscribers(t *testing.T) {
	runID := uuid.New()
	b := NewBroker(runID, 8, testLogger())
	sub := b.Attach()

	require.NoError(t, b.Publish(testEvent(runID, 0, model.StreamModeValues)))
	require.NoError(t, b.Publish(testEvent(runID, 1, model.StreamModeEnd)))

	got := <-sub.C
	assert.Equal(t, int64(0), got.Sequence)
	got = <-sub.C
	assert.True(t, got.IsTerminal())

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.True(t, b.Finished())
	assert.Equal(t, 0, b.Subscribers())
}

func TestBrokerLateAttachGetsTerminalOnce(t *testing.T) {
	runID := uuid.New()
	b := NewBroker(runID, 8, testLogger())
	require.NoError(t, b.Publish(testEvent(runID, 5, model.StreamModeEnd)))

	sub := b.Attach()
	got, ok := <-sub.C
	require.True(t, ok)
	assert.True(t, got.IsTerminal())
	assert.Equal(t, int64(5), got.Sequence)

	_, ok = <-sub.C
	assert.False(t, ok, "channel must close after the retained terminal event")
}

func TestBrokerPublishAfterTerminal(t *testing.T) {
	runID := uuid.New()
	b := NewBroker(runID, 8, testLogger())
	require.NoError(t, b.Publish(testEvent(runID, 0, model.StreamModeEnd)))

	err := b.Publish(testEvent(runID, 1, model.StreamModeValues))
	assert.ErrorIs(t, err, ErrFinished)
}

func TestBrokerDropsSlowSubscriber(t *testing.T) {
	runID := uuid.New()
	b := NewBroker(runID, 2, testLogger())
	slow := b.Attach()
	fast := b.Attach()

	// Fill the slow subscriber's buffer without reading, then publish one
	// more: the slow subscriber must be dropped, not blocked on.
	for seq := int64(0); seq < 3; seq++ {
		require.NoError(t, b.Publish(testEvent(runID, seq, model.StreamModeValues)))
		if seq < 2 {
			<-fast.C
		}
	}

	select {
	case got := <-fast.C:
		assert.Equal(t, int64(2), got.Sequence)
	case <-time.After(time.Second):
		t.Fatal("fast subscriber should keep receiving")
	}

	// The slow channel holds its buffered prefix in order, then closes.
	assert.Equal(t, int64(0), (<-slow.C).Sequence)
	assert.Equal(t, int64(1), (<-slow.C).Sequence)
	_, ok := <-slow.C
	assert.False(t, ok)
	assert.Equal(t, 1, b.Subscribers())
}

func TestBrokerConcurrentAttachPublish(t *testing.T) {
	runID := uuid.New()
	b := NewBroker(runID, 128, testLogger())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.Attach()
			for range sub.C {
			}
		}()
	}

	for seq := int64(0); seq < 50; seq++ {
		require.NoError(t, b.Publish(testEvent(runID, seq, model.StreamModeValues)))
	}
	require.NoError(t, b.Publish(testEvent(runID, 50, model.StreamModeEnd)))
	wg.Wait()
}
