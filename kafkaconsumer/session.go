package kafkaconsumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/afikmenashe/alerting-platform/pkg/streamkafka"
	"github.com/afikmenashe/alerting-platform/pkg/streamkafka/rebalance"
	"github.com/afikmenashe/alerting-platform/pkg/streamkafka/tracebuffer"
	"github.com/afikmenashe/alerting-platform/pkg/streamkafka/watchdog"
)

// Client is the subset of *kgo.Client a Session drives. Declared here, not
// imported as a concrete type, so tests substitute a fake instead of a live
// broker connection, following the same pattern as kafkaproducer.Client.
type Client interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitOffsets(ctx context.Context, offsets map[string]map[int32]kgo.EpochOffset, onDone func(*kgo.Client, *kmsg.OffsetCommitRequest, *kmsg.OffsetCommitResponse, error))
	SetOffsets(offsets map[string]map[int32]kgo.Offset)
	PauseFetchTopics(topics ...string) []string
	ResumeFetchTopics(topics ...string)
	Close()
}

// AdminClient is the subset of *kadm.Client a Session uses for bulk offset
// queries and metadata that the per-record fetch path doesn't already
// cache.
type AdminClient interface {
	ListStartOffsets(ctx context.Context, topics ...string) (kadm.ListedOffsets, error)
	ListEndOffsets(ctx context.Context, topics ...string) (kadm.ListedOffsets, error)
	FetchOffsets(ctx context.Context, group string) (kadm.OffsetResponses, error)
	Metadata(ctx context.Context, topics ...string) (kadm.Metadata, error)
}

// liveness is the per-TP bookkeeping Session maintains between the point a
// partition is assigned and the point it is revoked.
type liveness struct {
	timeStarted     time.Time
	lastPollAt      *time.Time
	highwater       *int64
	lastStableOff   *int64
	position        *int64
	committedOffset int64
	lastCommittedAt *time.Time
}

// Session wraps a group-joined franz-go consumer, driving subscription,
// fetch, seek, position, highwater queries, and offset commits, and
// routing rebalance callbacks through rebalance.Listener and trace spans
// through tracebuffer.Buffer.
type Session struct {
	cfg       Config
	client    Client
	admin     AdminClient
	callbacks streamkafka.Callbacks
	tracker   *rebalance.Tracker
	listener  *rebalance.Listener
	spans     *tracebuffer.Buffer
	log       *slog.Logger
	clock     streamkafka.Clock

	mu         sync.Mutex
	assignment map[streamkafka.TopicPartition]struct{}
	paused     bool
	closed     bool

	fetchMu sync.Mutex // the "subscription fetch-context lock": one fetch in flight at a time

	tpMu  sync.Mutex
	state map[streamkafka.TopicPartition]*liveness

	metaMu     sync.Mutex
	topicParts map[string]topicPartitionSet
}

// topicPartitionSet is the cached metadata snapshot RefreshMetadata builds
// and Partitions/TopicPartitions read from.
type topicPartitionSet struct {
	all       []int32
	available []int32
}

// New validates cfg and returns a Session driving client (the fetch/commit
// path) and admin (bulk offset/metadata queries). currentGeneration reads
// the coordinator's live generation id, wired to the broker client's group
// membership state; it is plumbed straight through to rebalance.Listener.
func New(
	cfg Config,
	client Client,
	admin AdminClient,
	callbacks streamkafka.Callbacks,
	currentGeneration func() (coordinatorID, generationID int32, memberID string),
	log *slog.Logger,
	clock streamkafka.Clock,
) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}

	tracker := rebalance.NewTracker()
	spans := tracebuffer.New(cfg.Tracer, cfg.AppID)
	tracker.OnGenerationKnown(spans.OnGenerationIDKnown)

	s := &Session{
		cfg:        cfg,
		client:     client,
		admin:      admin,
		callbacks:  callbacks,
		tracker:    tracker,
		listener:   rebalance.NewListener(callbacks, tracker, log, currentGeneration),
		spans:      spans,
		log:        log,
		clock:      clock,
		assignment: make(map[streamkafka.TopicPartition]struct{}),
		state:      make(map[streamkafka.TopicPartition]*liveness),
		topicParts: make(map[string]topicPartitionSet),
	}
	return s, nil
}

// Generation returns the generation tracker this Session feeds from its
// rebalance callbacks, for callers that read the current generation state.
func (s *Session) Generation() *rebalance.Tracker { return s.tracker }

// GetMany fetches a batch bounded by Config.MaxPollRecords, restricted to
// active (nil means "no restriction"). If the session is paused it returns
// an empty result; if it has been closed it returns ErrConsumerStopped.
func (s *Session) GetMany(ctx context.Context, active map[streamkafka.TopicPartition]struct{}, timeout time.Duration) (map[streamkafka.TopicPartition][]streamkafka.ConsumerRecord, error) {
	s.mu.Lock()
	closed, paused := s.closed, s.paused
	s.mu.Unlock()

	if closed {
		return nil, streamkafka.ErrConsumerStopped
	}
	if paused {
		return map[streamkafka.TopicPartition][]streamkafka.ConsumerRecord{}, nil
	}

	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	fetchCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fetches := s.client.PollFetches(fetchCtx)
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, kgo.ErrClientClosed) {
			return nil, streamkafka.ErrConsumerStopped
		}
		s.log.Error("fetch error", "topic", fe.Topic, "partition", fe.Partition, "error", fe.Err)
	}

	generation := s.tracker.Current().GenerationID
	now := s.clock()
	out := make(map[streamkafka.TopicPartition][]streamkafka.ConsumerRecord)
	count := 0

	fetches.EachPartition(func(ftp kgo.FetchTopicPartition) {
		tp := streamkafka.TopicPartition{Topic: ftp.Topic, Partition: ftp.Partition}

		hw := ftp.FetchPartition.HighWatermark
		lso := ftp.FetchPartition.LastStableOffset
		s.withLiveness(tp, func(l *liveness) {
			l.lastPollAt = &now
			l.highwater = &hw
			l.lastStableOff = &lso
		})

		if active != nil {
			if _, ok := active[tp]; !ok {
				return
			}
		}

		for _, r := range ftp.FetchPartition.Records {
			if s.cfg.MaxPollRecords > 0 && count >= s.cfg.MaxPollRecords {
				return
			}
			rec := convertRecord(r, tp, generation)
			out[tp] = append(out[tp], rec)
			offset := r.Offset + 1
			s.withLiveness(tp, func(l *liveness) { l.position = &offset })
			count++
		}
	})

	return out, nil
}

// Commit submits offsets for the TPs currently in assignment, silently
// excluding any that a concurrent rebalance has already removed (invariant
// 1). tp_last_committed_at is updated before the RPC is issued so the
// watchdog never reports a false positive for an in-flight commit
// (invariant 2). It returns (true, nil) on success, (false, nil) when the
// broker reports the commit lost to a concurrent rebalance (not fatal),
// and a non-nil error otherwise; per spec.md §7 that error is a fatal
// invariant violation the caller (the owning service) must treat as a
// crash, not retry.
func (s *Session) Commit(ctx context.Context, offsets map[streamkafka.TopicPartition]int64) (bool, error) {
	s.mu.Lock()
	included := make(map[streamkafka.TopicPartition]int64, len(offsets))
	for tp, off := range offsets {
		if _, ok := s.assignment[tp]; ok {
			included[tp] = off
		}
	}
	s.mu.Unlock()

	if len(included) == 0 {
		return true, nil
	}

	now := s.clock()
	for tp, off := range included {
		tp, off := tp, off
		s.withLiveness(tp, func(l *liveness) {
			l.lastCommittedAt = &now
			l.committedOffset = off
		})
	}

	wire := make(map[string]map[int32]kgo.EpochOffset, len(included))
	for tp, off := range included {
		if wire[tp.Topic] == nil {
			wire[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		wire[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: off}
	}

	done := make(chan error, 1)
	s.client.CommitOffsets(ctx, wire, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
		done <- err
	})

	select {
	case err := <-done:
		if err == nil {
			return true, nil
		}
		if strings.Contains(err.Error(), "already rebalanced") {
			s.log.Warn("commit lost to a concurrent rebalance, will retry", "error", err)
			return false, nil
		}
		s.log.Error("commit failed; this is a fatal invariant, the owning service must crash", "error", err)
		return false, fmt.Errorf("kafkaconsumer: commit: %w", err)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Position returns the next offset Session would deliver for tp, tracked
// locally from fetched records and Seek calls; ok is false if nothing has
// been observed yet.
func (s *Session) Position(tp streamkafka.TopicPartition) (int64, bool) {
	s.tpMu.Lock()
	defer s.tpMu.Unlock()
	l, ok := s.state[tp]
	if !ok || l.position == nil {
		return 0, false
	}
	return *l.position, true
}

// Seek sets tp's next-read position to offset, both on the broker client
// and in Session's local position cache.
func (s *Session) Seek(tp streamkafka.TopicPartition, offset int64) {
	s.client.SetOffsets(map[string]map[int32]kgo.Offset{
		tp.Topic: {tp.Partition: kgo.NewOffset().At(offset)},
	})
	s.withLiveness(tp, func(l *liveness) { l.position = &offset })
}

// SeekToBeginning resets every tp in tps to the earliest available offset.
func (s *Session) SeekToBeginning(tps ...streamkafka.TopicPartition) {
	offsets := make(map[string]map[int32]kgo.Offset)
	for _, tp := range tps {
		if offsets[tp.Topic] == nil {
			offsets[tp.Topic] = make(map[int32]kgo.Offset)
		}
		offsets[tp.Topic][tp.Partition] = kgo.NewOffset().AtStart()
	}
	s.client.SetOffsets(offsets)
}

// SeekToCommitted resets every currently assigned TP to its last offset
// committed under Config.GroupID, skipping any TP with no committed
// offset.
func (s *Session) SeekToCommitted(ctx context.Context) error {
	s.mu.Lock()
	tps := make([]streamkafka.TopicPartition, 0, len(s.assignment))
	for tp := range s.assignment {
		tps = append(tps, tp)
	}
	s.mu.Unlock()

	resp, err := s.admin.FetchOffsets(ctx, s.cfg.GroupID)
	if err != nil {
		return fmt.Errorf("kafkaconsumer: seek to committed: %w", err)
	}

	offsets := make(map[string]map[int32]kgo.Offset)
	for _, tp := range tps {
		o, ok := resp.Lookup(tp.Topic, tp.Partition)
		if !ok || o.Err != nil {
			continue
		}
		if offsets[tp.Topic] == nil {
			offsets[tp.Topic] = make(map[int32]kgo.Offset)
		}
		offsets[tp.Topic][tp.Partition] = kgo.NewOffset().At(o.At)
	}
	s.client.SetOffsets(offsets)
	return nil
}

// ReadOffsetSetter lets a SeekWait caller update its own read-offset
// bookkeeping as each TP is seeked; offset <= 0 means "clear the
// override", matching spec.md's "delete when offset ≤ 0".
type ReadOffsetSetter func(tp streamkafka.TopicPartition, offset int64)

// SeekWait seeks every TP in offsets, notifies setReadOffset for each (if
// non-nil), then blocks until Position reflects every seek or timeout
// elapses.
func (s *Session) SeekWait(ctx context.Context, offsets map[streamkafka.TopicPartition]int64, setReadOffset ReadOffsetSetter, timeout time.Duration) error {
	for tp, off := range offsets {
		s.Seek(tp, off)
		if setReadOffset != nil {
			setReadOffset(tp, off)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for tp := range offsets {
		if err := s.awaitPosition(waitCtx, tp); err != nil {
			return fmt.Errorf("kafkaconsumer: seek wait %s: %w", tpString(tp), err)
		}
	}
	return nil
}

func (s *Session) awaitPosition(ctx context.Context, tp streamkafka.TopicPartition) error {
	const pollInterval = 10 * time.Millisecond
	for {
		if _, ok := s.Position(tp); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// EarliestOffsets queries the broker's earliest available offset for every
// partition of the given topics.
func (s *Session) EarliestOffsets(ctx context.Context, topics ...string) (map[streamkafka.TopicPartition]int64, error) {
	listed, err := s.admin.ListStartOffsets(ctx, topics...)
	if err != nil {
		return nil, fmt.Errorf("kafkaconsumer: earliest offsets: %w", err)
	}
	return flattenListedOffsets(listed), nil
}

// Highwaters queries the broker's current highwater for every partition of
// the given topics.
func (s *Session) Highwaters(ctx context.Context, topics ...string) (map[streamkafka.TopicPartition]int64, error) {
	listed, err := s.admin.ListEndOffsets(ctx, topics...)
	if err != nil {
		return nil, fmt.Errorf("kafkaconsumer: highwaters: %w", err)
	}
	return flattenListedOffsets(listed), nil
}

// Highwater returns the cached per-partition highwater from the most
// recent fetch: the last-stable-offset in transactional (read_committed)
// mode, the plain highwater otherwise.
func (s *Session) Highwater(tp streamkafka.TopicPartition) (int64, bool) {
	s.tpMu.Lock()
	defer s.tpMu.Unlock()
	l, ok := s.state[tp]
	if !ok {
		return 0, false
	}
	if s.cfg.Transactional {
		if l.lastStableOff == nil {
			return 0, false
		}
		return *l.lastStableOff, true
	}
	if l.highwater == nil {
		return 0, false
	}
	return *l.highwater, true
}

// TopicPartitions returns the number of partitions known for topic from
// the latest RefreshMetadata snapshot; ok is false when unknown (the
// caller should retry later).
func (s *Session) TopicPartitions(topic string) (int, bool) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	set, ok := s.topicParts[topic]
	return len(set.all), ok
}

// Partitions implements kafkaproducer.TopicMetadata from the same
// RefreshMetadata snapshot TopicPartitions reads: all partition indexes and
// the currently leader-reachable subset.
func (s *Session) Partitions(topic string) (all, available []int32, ok bool) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	set, ok := s.topicParts[topic]
	if !ok {
		return nil, nil, false
	}
	return set.all, set.available, true
}

// RefreshMetadata refreshes the topic-partition snapshot TopicPartitions and
// Partitions read from.
func (s *Session) RefreshMetadata(ctx context.Context, topics ...string) error {
	meta, err := s.admin.Metadata(ctx, topics...)
	if err != nil {
		return fmt.Errorf("kafkaconsumer: refresh metadata: %w", err)
	}
	s.metaMu.Lock()
	for name, detail := range meta.Topics {
		set := topicPartitionSet{
			all:       make([]int32, 0, len(detail.Partitions)),
			available: make([]int32, 0, len(detail.Partitions)),
		}
		for id, pd := range detail.Partitions {
			set.all = append(set.all, id)
			if pd.Leader >= 0 && pd.Err == nil {
				set.available = append(set.available, id)
			}
		}
		s.topicParts[name] = set
	}
	s.metaMu.Unlock()
	return nil
}

// Assignment returns the set of TopicPartitions currently owned.
func (s *Session) Assignment() map[streamkafka.TopicPartition]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[streamkafka.TopicPartition]struct{}, len(s.assignment))
	for tp := range s.assignment {
		out[tp] = struct{}{}
	}
	return out
}

// Pause stops GetMany from returning new records until Resume is called.
func (s *Session) Pause() {
	s.mu.Lock()
	s.paused = true
	topics := s.assignedTopicsLocked()
	s.mu.Unlock()
	s.client.PauseFetchTopics(topics...)
}

// Resume reverses Pause.
func (s *Session) Resume() {
	s.mu.Lock()
	s.paused = false
	topics := s.assignedTopicsLocked()
	s.mu.Unlock()
	s.client.ResumeFetchTopics(topics...)
}

func (s *Session) assignedTopicsLocked() []string {
	seen := make(map[string]struct{})
	var topics []string
	for tp := range s.assignment {
		if _, ok := seen[tp.Topic]; ok {
			continue
		}
		seen[tp.Topic] = struct{}{}
		topics = append(topics, tp.Topic)
	}
	return topics
}

// Close is idempotent: the first call closes the underlying client, every
// subsequent call is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.client.Close()
}

// LivenessState builds the watchdog.PartitionState the liveness watchdog
// reads for tp from Session's own bookkeeping.
func (s *Session) LivenessState(tp streamkafka.TopicPartition) watchdog.PartitionState {
	s.tpMu.Lock()
	defer s.tpMu.Unlock()

	l, ok := s.state[tp]
	if !ok {
		return watchdog.PartitionState{}
	}
	return watchdog.PartitionState{
		TimeStarted:     l.timeStarted,
		LastPollAt:      l.lastPollAt,
		Highwater:       l.highwater,
		CommittedOffset: l.committedOffset,
		LastCommittedAt: l.lastCommittedAt,
	}
}

// RunWatchdog ticks wd.VerifyEventPath for every currently assigned
// partition on interval, until ctx is cancelled. This is the periodic tick
// spec.md §2 describes running concurrently with the fetch and commit
// loops.
func (s *Session) RunWatchdog(ctx context.Context, wd *watchdog.Watchdog, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for tp := range s.Assignment() {
				acks := s.callbacks.AcksEnabledFor(tp.Topic)
				var inboundAt *time.Time
				if secs, ok := s.callbacks.StreamInboundTime(tp); ok {
					t := time.Unix(secs, 0)
					inboundAt = &t
				}
				wd.VerifyEventPath(tp, s.LivenessState(tp), acks, inboundAt)
			}
		}
	}
}

func (s *Session) withLiveness(tp streamkafka.TopicPartition, fn func(*liveness)) {
	s.tpMu.Lock()
	l, ok := s.state[tp]
	if !ok {
		l = &liveness{timeStarted: s.clock()}
		s.state[tp] = l
	}
	fn(l)
	s.tpMu.Unlock()
}

func convertRecord(r *kgo.Record, tp streamkafka.TopicPartition, generation int32) streamkafka.ConsumerRecord {
	rec := streamkafka.ConsumerRecord{
		TP:                  tp,
		Offset:              r.Offset,
		Headers:             make([]streamkafka.Header, 0, len(r.Headers)),
		Key:                 r.Key,
		Value:               r.Value,
		SerializedKeySize:   len(r.Key),
		SerializedValueSize: len(r.Value),
		GenerationID:        generation,
	}
	if !r.Timestamp.IsZero() {
		ts := r.Timestamp
		rec.Timestamp = &ts
		rec.TimestampType = streamkafka.TimestampCreateTime
	}
	for _, h := range r.Headers {
		rec.Headers = append(rec.Headers, streamkafka.Header{Key: h.Key, Value: h.Value})
	}
	// franz-go does not surface a per-record checksum: Kafka has computed
	// CRCs at the record-batch level, not per record, since the v2 message
	// format. Checksum is left zero rather than faked.
	return rec
}

func flattenListedOffsets(listed kadm.ListedOffsets) map[streamkafka.TopicPartition]int64 {
	out := make(map[streamkafka.TopicPartition]int64)
	for topic, partitions := range listed {
		for partition, lo := range partitions {
			if lo.Err != nil {
				continue
			}
			out[streamkafka.TopicPartition{Topic: topic, Partition: partition}] = lo.Offset
		}
	}
	return out
}

func tpString(tp streamkafka.TopicPartition) string {
	return fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition)
}
