package kafkaconsumer

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/afikmenashe/alerting-platform/pkg/streamkafka"
	"github.com/afikmenashe/alerting-platform/pkg/streamkafka/tracebuffer"
)

// OnPartitionsRevoked updates assignment bookkeeping and forwards to
// rebalance.Listener, which runs the synchronous on_rebalance_start
// prologue before anything suspends. Any rebalancing span left pending from
// a previous rebalance whose generation never resolved is cancelled here,
// since a new rebalance starting is exactly the condition spec.md §4.6
// describes for flush_spans; a fresh lazy span is then opened for this
// rebalance's revoke operation.
func (s *Session) OnPartitionsRevoked(ctx context.Context, revoked map[streamkafka.TopicPartition]struct{}) <-chan error {
	s.spans.FlushSpans()
	span := s.spans.StartRebalancingSpan(ctx, tracebuffer.RebalancingOperationName("kafka.rebalance.revoke"))
	ctx = span.Context(ctx)

	s.mu.Lock()
	for tp := range revoked {
		delete(s.assignment, tp)
	}
	s.mu.Unlock()

	s.tpMu.Lock()
	for tp := range revoked {
		delete(s.state, tp)
	}
	s.tpMu.Unlock()

	return s.listener.OnPartitionsRevoked(ctx, revoked)
}

// OnPartitionsAssigned records the newly owned partitions, resets their
// liveness bookkeeping for the new ownership epoch, opens a lazy span for
// the assign operation, then forwards to rebalance.Listener, which stamps
// the resolved generation onto every record delivered thereafter.
func (s *Session) OnPartitionsAssigned(ctx context.Context, assigned map[streamkafka.TopicPartition]struct{}) error {
	span := s.spans.StartRebalancingSpan(ctx, tracebuffer.RebalancingOperationName("kafka.rebalance.assign"))
	ctx = span.Context(ctx)

	now := s.clock()
	s.mu.Lock()
	for tp := range assigned {
		s.assignment[tp] = struct{}{}
	}
	s.mu.Unlock()

	s.tpMu.Lock()
	for tp := range assigned {
		s.state[tp] = &liveness{timeStarted: now}
	}
	s.tpMu.Unlock()

	return s.listener.OnPartitionsAssigned(ctx, assigned)
}

// OnPartitionsLost treats a lost assignment identically to a revoke: the
// partitions are no longer safe to fetch or commit against, and
// spec.md doesn't distinguish the two at the Session level (the
// distinction matters to the coordinator protocol, not to this
// bookkeeping).
func (s *Session) OnPartitionsLost(ctx context.Context, lost map[streamkafka.TopicPartition]struct{}) <-chan error {
	return s.OnPartitionsRevoked(ctx, lost)
}

// RevokedHook, AssignedHook, and LostHook adapt franz-go's
// map[string][]int32 group-hook shape to Session's TopicPartition-set
// methods, for passing directly to Config.ClientOptions. franz-go's hooks
// are plain blocking functions, not coroutines, so the two-phase
// synchronous-prologue contract lives entirely inside rebalance.Listener:
// these adapters simply wait for it to finish, which is what franz-go
// requires before it can rejoin the group regardless.
func (s *Session) RevokedHook() GroupHook {
	return func(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
		done := s.OnPartitionsRevoked(ctx, toTPSet(revoked))
		<-done
	}
}

func (s *Session) AssignedHook() GroupHook {
	return func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
		if err := s.OnPartitionsAssigned(ctx, toTPSet(assigned)); err != nil {
			s.log.Error("partitions-assigned handler failed", "error", err)
		}
	}
}

func (s *Session) LostHook() GroupHook {
	return func(ctx context.Context, _ *kgo.Client, lost map[string][]int32) {
		done := s.OnPartitionsLost(ctx, toTPSet(lost))
		<-done
	}
}

func toTPSet(m map[string][]int32) map[streamkafka.TopicPartition]struct{} {
	out := make(map[streamkafka.TopicPartition]struct{})
	for topic, partitions := range m {
		for _, p := range partitions {
			out[streamkafka.TopicPartition{Topic: topic, Partition: p}] = struct{}{}
		}
	}
	return out
}
