package rebalance

import (
	"context"
	"log/slog"

	"github.com/afikmenashe/alerting-platform/pkg/streamkafka"
)

// Listener adapts franz-go's OnPartitionsRevoked/OnPartitionsAssigned group
// hooks to streamkafka.Callbacks, preserving a synchronous-prologue
// contract: the worker's on_rebalance_start must run before anything
// suspends, even if the coroutine it returns is never resumed. franz-go's
// hooks are plain functions (not coroutines), so the equivalent Go hazard
// is a hook that blocks for a long time inside the group's rejoin path;
// Listener calls OnRebalanceStart before doing anything else so it can
// never be skipped by a caller that, say, cancels ctx immediately after the
// hook returns.
type Listener struct {
	callbacks streamkafka.Callbacks
	tracker   *Tracker
	log       *slog.Logger

	// currentGeneration reads the coordinator's live generation id; wired
	// to the franz-go client's GroupMetadata at construction time.
	currentGeneration func() (coordinatorID int32, generationID int32, memberID string)
}

// NewListener builds a Listener that reports through callbacks and updates
// tracker. currentGeneration should read the live value from the broker
// client's group-consumer state (e.g. kgo.Client.GroupMetadata).
func NewListener(callbacks streamkafka.Callbacks, tracker *Tracker, log *slog.Logger, currentGeneration func() (int32, int32, string)) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{callbacks: callbacks, tracker: tracker, log: log, currentGeneration: currentGeneration}
}

// OnPartitionsRevoked is the two-phase revoke handler. The synchronous
// prologue (OnRebalanceStart) runs before this function returns, unlike the
// worker's own revoke logic which may be arbitrarily slow; that logic is
// invoked in a goroutine and its completion observed through the returned
// channel, so a caller that wants the two-phase contract can
// fire-and-forget the channel without blocking the group's rejoin.
func (l *Listener) OnPartitionsRevoked(ctx context.Context, revoked map[streamkafka.TopicPartition]struct{}) <-chan error {
	// Synchronous prologue: must run even if nobody ever reads the
	// returned channel.
	l.callbacks.OnRebalanceStart()
	l.tracker.Reset()

	done := make(chan error, 1)
	go func() {
		done <- l.callbacks.OnPartitionsRevoked(ctx, revoked)
	}()
	return done
}

// OnPartitionsAssigned reads the coordinator's current generation, records
// it on the tracker (which stamps it on every record delivered thereafter
// via kafkaconsumer.Session), and forwards the assignment to callbacks.
func (l *Listener) OnPartitionsAssigned(ctx context.Context, assigned map[streamkafka.TopicPartition]struct{}) error {
	coordinatorID, generationID, memberID := l.currentGeneration()
	state := streamkafka.GenerationState{
		CoordinatorID: coordinatorID,
		GenerationID:  generationID,
		MemberID:      memberID,
	}
	l.tracker.Set(state)

	if err := l.callbacks.OnPartitionsAssigned(ctx, assigned, generationID); err != nil {
		l.log.Error("partitions-assigned handler failed", "generation", generationID, "member_id", memberID, "error", err)
		return err
	}
	return nil
}
