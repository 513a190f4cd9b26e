// Package kafkaconsumer wraps a group-joined franz-go consumer into the
// Consumer Session component: subscription, fetch, seek, position,
// highwater queries, and offset commits, with rebalance and trace-span
// handling wired in from the rebalance and tracebuffer packages.
package kafkaconsumer

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"

	"github.com/afikmenashe/alerting-platform/pkg/streamkafka"
	"github.com/afikmenashe/alerting-platform/pkg/streamkafka/kafkaaddr"
)

// fetchMaxWait bounds a single PollFetches call, matching the concurrency
// model's fixed 1500ms fetch wait.
const fetchMaxWait = 1500 * time.Millisecond

// Config carries every construction parameter the Consumer Session reads
// from the worker's configuration object.
type Config struct {
	GroupID         string
	GroupInstanceID string // static group membership; empty disables it
	ClientID        string

	// StandbyReplicas, when > 0, selects CustomAssignor instead of the
	// default round-robin balancer.
	StandbyReplicas int
	CustomAssignor  kgo.GroupBalancer

	AutoOffsetReset string // "earliest" or "latest"

	RequestTimeout    time.Duration
	SessionTimeout    time.Duration
	RebalanceTimeout  time.Duration
	HeartbeatInterval time.Duration

	MaxPollRecords         int
	MaxPollInterval        time.Duration
	MaxPartitionFetchBytes int32

	CheckCRCs bool

	Transactional bool

	MetadataMaxAge     time.Duration
	ConnectionsMaxIdle time.Duration

	// ClientOnly, when true, builds a plain consumer with auto-commit on
	// and no group membership, per spec.md §4.4's "client only mode".
	ClientOnly bool

	// Tracer and AppID feed tracebuffer.Buffer. A nil Tracer yields no-op
	// spans.
	Tracer trace.Tracer
	AppID  string
}

// Validate enforces the one cross-field invariant spec.md §4.4 requires at
// construction: the session timeout must not exceed the request timeout,
// since a session that can time out slower than requests are retried can
// never recover from a lost coordinator.
func (c Config) Validate() error {
	if c.SessionTimeout > c.RequestTimeout {
		return fmt.Errorf("kafkaconsumer: %w: session_timeout (%s) must be <= request_timeout (%s)",
			streamkafka.ErrImproperlyConfigured, c.SessionTimeout, c.RequestTimeout)
	}
	return nil
}

// isolationLevel reports the franz-go isolation level implied by
// Transactional: read_committed when transactional, read_uncommitted
// otherwise.
func (c Config) isolationLevel() kgo.IsolationLevel {
	if c.Transactional {
		return kgo.ReadCommitted()
	}
	return kgo.ReadUncommitted()
}

func (c Config) balancer() kgo.GroupBalancer {
	if c.StandbyReplicas > 0 && c.CustomAssignor != nil {
		return c.CustomAssignor
	}
	return kgo.RoundRobinBalancer()
}

// GroupHook matches franz-go's OnPartitionsRevoked/OnPartitionsAssigned/
// OnPartitionsLost client-option signature: topic name to the partition
// indexes affected.
type GroupHook func(ctx context.Context, cl *kgo.Client, partitions map[string][]int32)

// ClientOptions assembles the kgo.Opt set for a group-joined consumer from
// Config, seeds, and auth, wiring onRevoked/onAssigned/onLost as the
// group-membership hooks. In ClientOnly mode the group-membership options
// (ConsumerGroup, InstanceID, the balancer, and the rebalance hooks) are
// omitted entirely and auto-commit is left enabled, matching spec.md's
// "plain consumer... without group membership".
func (c Config) ClientOptions(
	seeds []string,
	auth kafkaaddr.BrokerOpts,
	onRevoked, onAssigned, onLost GroupHook,
) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(seeds...),
		kgo.FetchMaxWait(fetchMaxWait),
		kgo.FetchIsolationLevel(c.isolationLevel()),
		kgo.MetadataMaxAge(c.MetadataMaxAge),
		kgo.ConnIdleTimeout(c.ConnectionsMaxIdle),
	}
	opts = append(opts, auth.Options()...)

	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}
	if c.MaxPartitionFetchBytes > 0 {
		opts = append(opts, kgo.FetchMaxPartitionBytes(c.MaxPartitionFetchBytes))
	}
	switch c.AutoOffsetReset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	if c.ClientOnly {
		return opts
	}

	opts = append(opts,
		kgo.ConsumerGroup(c.GroupID),
		kgo.Balancers(c.balancer()),
		kgo.SessionTimeout(c.SessionTimeout),
		kgo.RebalanceTimeout(c.RebalanceTimeout),
		kgo.HeartbeatInterval(c.HeartbeatInterval),
		kgo.RequestTimeoutOverhead(c.RequestTimeout),
		// enable_auto_commit is always false in group mode: the stream
		// runtime drives commits explicitly through Session.Commit.
		kgo.DisableAutoCommit(),
	)
	if c.GroupInstanceID != "" {
		opts = append(opts, kgo.InstanceID(c.GroupInstanceID))
	}
	if onRevoked != nil {
		opts = append(opts, kgo.OnPartitionsRevoked(onRevoked))
	}
	if onAssigned != nil {
		opts = append(opts, kgo.OnPartitionsAssigned(onAssigned))
	}
	if onLost != nil {
		opts = append(opts, kgo.OnPartitionsLost(onLost))
	}
	return opts
}
