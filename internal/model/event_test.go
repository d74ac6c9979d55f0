package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatEventID(t *testing.T) {
	assert.Equal(t, "run-1_event_42", FormatEventID("run-1", 42))
	assert.Equal(t, "run-1_event_0", FormatEventID("run-1", 0))
	assert.Equal(t, "a_b_event_7", FormatEventID("a_b", 7))
}

func TestParseEventSequence(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want int64
	}{
		{"round trip", "run-1_event_42", 42},
		{"zero", "run-1_event_0", 0},
		{"no marker", "not-a-valid-id", 0},
		{"empty", "", 0},
		{"trailing garbage", "run-1_event_abc", 0},
		{"negative parses", "run-1_event_-7", -7},
		{"marker in run id", "my_event_run_event_13", 13},
		{"marker only", "_event_5", 5},
		{"missing sequence", "run-1_event_", 0},
		{"large", "run_event_9223372036854775807", 9223372036854775807},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseEventSequence(tc.id))
		})
	}
}

func TestExtractEventSequence(t *testing.T) {
	seq, ok := ExtractEventSequence("run-1_event_42")
	assert.True(t, ok)
	assert.Equal(t, int64(42), seq)

	seq, ok = ExtractEventSequence("run-1_event_0")
	assert.True(t, ok, "a confirmed position 0 is a real cursor")
	assert.Equal(t, int64(0), seq)

	for _, id := range []string{"not-a-valid-id", "", "run-1_event_abc", "run-1_event_"} {
		_, ok := ExtractEventSequence(id)
		assert.False(t, ok, "%q carries no cursor", id)
	}
}

func TestParseEventSequenceRoundTrip(t *testing.T) {
	for _, seq := range []int64{0, 1, 99, 1<<40 + 3} {
		id := FormatEventID("0d9bba41-7a52-4d93-8cce-7a4f3f5dcb12", seq)
		assert.Equal(t, seq, ParseEventSequence(id))
	}
}

func TestRunStatusTerminal(t *testing.T) {
	for _, s := range []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCancelled} {
		assert.True(t, s.Terminal(), string(s))
		assert.False(t, s.Active(), string(s))
	}
	for _, s := range []RunStatus{RunStatusPending, RunStatusRunning, RunStatusStreaming} {
		assert.False(t, s.Terminal(), string(s))
		assert.True(t, s.Active(), string(s))
	}
}

func TestEventIsTerminal(t *testing.T) {
	assert.True(t, Event{StreamMode: StreamModeEnd}.IsTerminal())
	assert.False(t, Event{StreamMode: StreamModeValues}.IsTerminal())
}
