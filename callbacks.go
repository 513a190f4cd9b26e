package streamkafka

import "context"

// Callbacks is the entire surface through which this package talks to the
// stream/agent runtime. The runtime that actually processes delivered
// records, tracks read/commit offsets, and decides whether a topic requires
// acknowledgement lives outside this repository; streamkafka only knows
// about it through these methods.
//
// Implementations should treat every method as potentially called from a
// goroutine that does not belong to the caller's own worker loop, and
// should not block for long: OnRebalanceStart in particular MUST NOT block,
// since rebalance.Listener depends on it running synchronously before any
// suspension point.
type Callbacks interface {
	// OnRebalanceStart is invoked synchronously, before the revoke handler
	// suspends for the first time, so the worker can flush state even if
	// the returned completion is never awaited.
	OnRebalanceStart()

	// OnPartitionsRevoked is called (and its returned error awaited) before
	// the group rejoins with a new assignment.
	OnPartitionsRevoked(ctx context.Context, revoked map[TopicPartition]struct{}) error

	// OnPartitionsAssigned is called once the new generation is known;
	// generation is stamped on every ConsumerRecord delivered for assigned
	// thereafter.
	OnPartitionsAssigned(ctx context.Context, assigned map[TopicPartition]struct{}, generation int32) error

	// OnSendInitiated fires before a PendingMessage is handed to the
	// broker client's batch buffer. The returned state is opaque to
	// streamkafka and passed back verbatim to OnPublished.
	OnSendInitiated(topic string, msg PendingMessage, keySize, valueSize int) any

	// OnPublished fires from the send-completion path, successful or not.
	OnPublished(msg PendingMessage, state any, err error)

	// OnProduceMessage fires once per PendingMessage right before Produce
	// enqueues it onto the broker client.
	OnProduceMessage(key, value []byte, partition *int32, timestamp *float64, headers []Header)

	// OnThreadedProducerBufferProcessed reports, after each drain of the
	// thread-isolated producer's queue, how many messages were processed.
	OnThreadedProducerBufferProcessed(size int)

	// AcksEnabledFor reports whether records on topic must be explicitly
	// acknowledged before their offsets are eligible for commit.
	AcksEnabledFor(topic string) bool

	// StreamInboundTime returns the last time, in Unix seconds, the stream
	// runtime observed an inbound record for tp; ok is false if none has
	// been seen.
	StreamInboundTime(tp TopicPartition) (t int64, ok bool)
}
