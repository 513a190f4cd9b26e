package kafkaproducer

import (
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/afikmenashe/alerting-platform/pkg/streamkafka"
)

// TopicMetadata answers partition-count questions for a topic from the most
// recently refreshed cluster metadata. kafkaconsumer.Session implements
// this from the same RefreshMetadata snapshot its TopicPartitions method
// reads.
type TopicMetadata interface {
	// Partitions returns all partition indexes and the currently available
	// (leader-reachable) subset for topic. ok is false when topic metadata
	// has not been fetched yet.
	Partitions(topic string) (all, available []int32, ok bool)
}

// KeyPartition implements the partitioner shim (spec §4.8): if partition is
// non-nil it is validated against the topic's known partitions; otherwise
// the configured partitioner picks one from the current metadata. It
// returns (0, false) when topic metadata is not yet available.
func KeyPartition(partitioner kgo.Partitioner, metadata TopicMetadata, topic string, key []byte, partition *int32) (int32, bool, error) {
	all, available, ok := metadata.Partitions(topic)
	if !ok {
		return 0, false, nil
	}

	if partition != nil {
		if *partition < 0 {
			return 0, false, fmt.Errorf("kafkaproducer: %w: explicit partition %d is negative", streamkafka.ErrImproperlyConfigured, *partition)
		}
		for _, p := range all {
			if p == *partition {
				return *partition, true, nil
			}
		}
		return 0, false, fmt.Errorf("kafkaproducer: %w: partition %d is not one of %d known partitions for %q", streamkafka.ErrImproperlyConfigured, *partition, len(all), topic)
	}

	// franz-go's TopicPartitioner.Partition takes only the total partition
	// count, not a separate reachable-subset argument; it consults its own
	// view of broker availability internally. available is still reported
	// by TopicMetadata for callers that want to short-circuit on an
	// entirely unreachable topic.
	if len(available) == 0 {
		return 0, false, nil
	}

	topicPartitioner := partitioner.ForTopic(topic)
	rec := &kgo.Record{Topic: topic, Key: key}
	chosen := topicPartitioner.Partition(rec, len(all))
	if chosen < 0 || chosen >= len(all) {
		return 0, false, nil
	}
	return int32(chosen), true, nil
}
