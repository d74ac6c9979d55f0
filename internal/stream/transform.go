package stream

import (
	"encoding/json"
	"fmt"

	"github.com/tempest11/graphrun/internal/model"
)

// ParseRawEvent decodes a raw engine tuple into a RawEvent. Tuples are
// JSON arrays of two elements [mode, payload] or three elements where the
// leading element is routing noise and the last two are kept. Anything
// else wraps ErrMalformedEvent.
func ParseRawEvent(raw json.RawMessage) (RawEvent, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return RawEvent{}, fmt.Errorf("%w: not a JSON array: %v", ErrMalformedEvent, err)
	}
	switch len(parts) {
	case 2:
	case 3:
		parts = parts[1:]
	default:
		return RawEvent{}, fmt.Errorf("%w: tuple has %d elements", ErrMalformedEvent, len(parts))
	}

	var mode string
	if err := json.Unmarshal(parts[0], &mode); err != nil {
		return RawEvent{}, fmt.Errorf("%w: mode is not a string: %v", ErrMalformedEvent, err)
	}
	if mode == "" {
		return RawEvent{}, fmt.Errorf("%w: empty mode", ErrMalformedEvent)
	}
	return RawEvent{Mode: model.StreamMode(mode), Payload: parts[1]}, nil
}

// Policy is the per-run event filter configured at run creation.
type Policy struct {
	// OnlyInterruptUpdates suppresses "updates" events unless they carry
	// the interrupt marker. Marked updates are re-tagged as "values" so
	// clients watching for state snapshots see the interrupt, with the
	// payload passed through unchanged.
	OnlyInterruptUpdates bool
}

// Apply filters and rewrites one event. The second return is false when
// the event should be dropped. Pure and synchronous; safe for concurrent
// use.
func (p Policy) Apply(ev RawEvent) (RawEvent, bool) {
	if !p.OnlyInterruptUpdates || ev.Mode != model.StreamModeUpdates {
		return ev, true
	}
	if !hasInterruptMarker(ev.Payload) {
		return RawEvent{}, false
	}
	ev.Mode = model.StreamModeValues
	return ev, true
}

// hasInterruptMarker reports whether the payload is a JSON object with the
// interrupt key at the top level.
func hasInterruptMarker(payload json.RawMessage) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return false
	}
	_, ok := obj[model.InterruptKey]
	return ok
}
