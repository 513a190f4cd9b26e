// Package topicadmin creates topics idempotently, coalescing concurrent
// requests for the same topic name into one underlying broker call.
package topicadmin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"golang.org/x/sync/singleflight"

	"github.com/afikmenashe/alerting-platform/pkg/streamkafka"
)

// maxTopicNameBytes is the broker-enforced limit on topic name length.
const maxTopicNameBytes = 249

// CreateTopicOptions configures a single CreateTopic call.
type CreateTopicOptions struct {
	Config        map[string]string
	Timeout       time.Duration
	RetentionMs   *int64
	Compacting    bool
	Deleting      bool
	EnsureCreated bool
}

// Client is the subset of *kadm.Client used by Administrator. Defined as an
// interface so tests can substitute a fake instead of a live cluster
// connection.
type Client interface {
	CreateTopics(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topics ...string) (kadm.CreateTopicResponses, error)
	BrokerMetadata(ctx context.Context) (kadm.BrokerMetadata, error)
}

// Administrator creates topics against a Kafka cluster via a kadm client,
// suppressing concurrent duplicate requests for the same topic name.
type Administrator struct {
	client Client
	log    *slog.Logger

	group singleflight.Group

	// shouldStop is polled while waiting on a slow controller discovery or
	// retry; when it reports true, CreateTopic returns nil without error
	// rather than surfacing a failure during shutdown.
	shouldStop func() bool
}

// New wraps client for topic administration. log may be nil, in which case
// slog.Default() is used. shouldStop may be nil, in which case the
// administrator never short-circuits for shutdown.
func New(client Client, log *slog.Logger, shouldStop func() bool) *Administrator {
	if log == nil {
		log = slog.Default()
	}
	if shouldStop == nil {
		shouldStop = func() bool { return false }
	}
	return &Administrator{client: client, log: log, shouldStop: shouldStop}
}

// CreateTopic creates name idempotently. Concurrent calls for the same name
// share a single in-flight attempt and observe the same outcome.
func (a *Administrator) CreateTopic(ctx context.Context, name string, partitions int32, replication int16, opts CreateTopicOptions) error {
	if len(name) > maxTopicNameBytes {
		return fmt.Errorf("topicadmin: %w: %q is %d bytes, limit is %d", streamkafka.ErrInvalidTopicName, name, len(name), maxTopicNameBytes)
	}

	result, err, _ := a.group.Do(name, func() (any, error) {
		return nil, a.reallyCreateTopic(ctx, name, partitions, replication, opts)
	})
	_ = result
	return err
}

func (a *Administrator) reallyCreateTopic(ctx context.Context, name string, partitions int32, replication int16, opts CreateTopicOptions) error {
	if a.shouldStop() {
		return nil
	}

	if _, err := a.discoverController(ctx); err != nil {
		return err
	}

	config := topicConfig(opts)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		resp, err := a.client.CreateTopics(reqCtx, partitions, replication, config, name)
		if err != nil {
			if a.shouldStop() {
				return nil
			}
			return fmt.Errorf("topicadmin: create topic %q: %w", name, err)
		}

		topicResp, ok := resp[name]
		if !ok {
			return fmt.Errorf("topicadmin: create topic %q: no response for topic", name)
		}

		switch {
		case topicResp.Err == nil:
			a.log.Info("topic created", "topic", name, "partitions", partitions, "replication_factor", replication)
			return nil

		case errors.Is(topicResp.Err, kerr.TopicAlreadyExists):
			if opts.EnsureCreated {
				return fmt.Errorf("topicadmin: %w: %q", streamkafka.ErrTopicExists, name)
			}
			a.log.Info("topic already exists", "topic", name)
			return nil

		case errors.Is(topicResp.Err, kerr.NotController):
			if a.shouldStop() {
				return nil
			}
			a.log.Warn("create topic sent to non-controller broker, retrying", "topic", name)
			if _, err := a.discoverController(reqCtx); err != nil {
				return err
			}
			continue

		default:
			return fmt.Errorf("topicadmin: create topic %q: %w", name, topicResp.Err)
		}
	}
}

// discoverController sends a metadata request to any known broker and
// returns the reported controller id. If no broker in the bootstrap list is
// reachable, or none reports a controller, it fails with
// ErrNotReadyController rather than letting the create-topics call itself
// report an opaque connection error.
func (a *Administrator) discoverController(ctx context.Context) (int32, error) {
	meta, err := a.client.BrokerMetadata(ctx)
	if err != nil {
		return 0, fmt.Errorf("topicadmin: %w: %v", streamkafka.ErrNotReadyController, err)
	}
	if meta.Controller < 0 {
		return 0, fmt.Errorf("topicadmin: %w: no broker reported a controller", streamkafka.ErrNotReadyController)
	}
	return meta.Controller, nil
}

// topicConfig synthesizes the broker config-entry map for a create-topic
// request: cleanup.policy from the Compacting/Deleting flags (lexically
// ordered "compact,delete", never "delete,compact"), retention.ms from
// RetentionMs, with any user-supplied Config overlaid on top so callers can
// override individual entries.
func topicConfig(opts CreateTopicOptions) map[string]*string {
	cfg := make(map[string]*string, len(opts.Config)+2)

	var policies []string
	if opts.Compacting {
		policies = append(policies, "compact")
	}
	if opts.Deleting {
		policies = append(policies, "delete")
	}
	if len(policies) > 0 {
		sort.Strings(policies)
		value := joinComma(policies)
		cfg["cleanup.policy"] = &value
	}

	if opts.RetentionMs != nil {
		value := strconv.FormatInt(*opts.RetentionMs, 10)
		cfg["retention.ms"] = &value
	}

	for k, v := range opts.Config {
		v := v
		cfg[k] = &v
	}

	return cfg
}

func joinComma(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "," + p
	}
	return out
}
