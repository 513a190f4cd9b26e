// Package rebalance tracks Kafka consumer-group generation/member-id
// transitions and routes the broker's rebalance callbacks to the stream
// runtime through streamkafka.Callbacks. Revoke is two-phase: a synchronous
// prologue followed by an asynchronous body whose completion is reported on
// a channel. Assign is a single blocking call.
package rebalance

import (
	"sync"

	"github.com/afikmenashe/alerting-platform/pkg/streamkafka"
)

// Tracker observes generation/member-id transitions reported by the
// coordinator and lets any number of readers ask "what generation is
// current right now" without racing the rebalance listener that updates it.
type Tracker struct {
	mu    sync.RWMutex
	state streamkafka.GenerationState

	// onKnown is notified, in order, every time GenerationID transitions
	// away from streamkafka.DefaultGenerationID. It is how tracebuffer
	// drains its pending span queue.
	onKnown []func(streamkafka.GenerationState)
}

// NewTracker returns a Tracker with no generation known yet.
func NewTracker() *Tracker {
	return &Tracker{
		state: streamkafka.GenerationState{
			CoordinatorID: -1,
			GenerationID:  streamkafka.DefaultGenerationID,
		},
	}
}

// Current returns the most recently observed generation state.
func (t *Tracker) Current() streamkafka.GenerationState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// OnGenerationKnown registers fn to be called whenever a new, known
// generation is recorded. Registration order is preserved and callbacks run
// synchronously from the goroutine that calls Set, so fn must not block.
func (t *Tracker) OnGenerationKnown(fn func(streamkafka.GenerationState)) {
	t.mu.Lock()
	t.onKnown = append(t.onKnown, fn)
	t.mu.Unlock()
}

// Set records a newly observed generation state and, if it carries a known
// generation id, fires every OnGenerationKnown callback in registration
// order.
func (t *Tracker) Set(state streamkafka.GenerationState) {
	t.mu.Lock()
	t.state = state
	callbacks := append([]func(streamkafka.GenerationState){}, t.onKnown...)
	t.mu.Unlock()

	if state.Unknown() {
		return
	}
	for _, fn := range callbacks {
		fn(state)
	}
}

// Reset marks the generation unknown again, e.g. when a new rebalance
// begins before the previous generation was ever resolved.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.state = streamkafka.GenerationState{
		CoordinatorID: t.state.CoordinatorID,
		GenerationID:  streamkafka.DefaultGenerationID,
	}
	t.mu.Unlock()
}
