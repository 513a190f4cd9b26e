package kafkaconsumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/afikmenashe/alerting-platform/pkg/streamkafka"
)

type fakeConsumerClient struct {
	closed        bool
	setOffsets    map[string]map[int32]kgo.Offset
	commitOffsets map[string]map[int32]kgo.EpochOffset
	commitErr     error
	paused        []string
	resumed       []string
	onCommit      func() // called when the commit RPC is issued, before it completes
}

func (f *fakeConsumerClient) PollFetches(ctx context.Context) kgo.Fetches { return kgo.Fetches{} }

func (f *fakeConsumerClient) CommitOffsets(ctx context.Context, offsets map[string]map[int32]kgo.EpochOffset, onDone func(*kgo.Client, *kmsg.OffsetCommitRequest, *kmsg.OffsetCommitResponse, error)) {
	f.commitOffsets = offsets
	if f.onCommit != nil {
		f.onCommit()
	}
	onDone(nil, nil, nil, f.commitErr)
}

func (f *fakeConsumerClient) SetOffsets(offsets map[string]map[int32]kgo.Offset) {
	f.setOffsets = offsets
}

func (f *fakeConsumerClient) PauseFetchTopics(topics ...string) []string {
	f.paused = topics
	return topics
}

func (f *fakeConsumerClient) ResumeFetchTopics(topics ...string) {
	f.resumed = topics
}

func (f *fakeConsumerClient) Close() { f.closed = true }

type fakeAdminClient struct{}

func (fakeAdminClient) ListStartOffsets(ctx context.Context, topics ...string) (kadm.ListedOffsets, error) {
	return nil, nil
}
func (fakeAdminClient) ListEndOffsets(ctx context.Context, topics ...string) (kadm.ListedOffsets, error) {
	return nil, nil
}
func (fakeAdminClient) FetchOffsets(ctx context.Context, group string) (kadm.OffsetResponses, error) {
	return kadm.OffsetResponses{}, nil
}
func (fakeAdminClient) Metadata(ctx context.Context, topics ...string) (kadm.Metadata, error) {
	return kadm.Metadata{}, nil
}

type fakeSessionCallbacks struct {
	streamkafka.Callbacks
	rebalanceStarted bool
}

func (f *fakeSessionCallbacks) OnRebalanceStart() { f.rebalanceStarted = true }
func (f *fakeSessionCallbacks) OnPartitionsRevoked(ctx context.Context, revoked map[streamkafka.TopicPartition]struct{}) error {
	return nil
}
func (f *fakeSessionCallbacks) OnPartitionsAssigned(ctx context.Context, assigned map[streamkafka.TopicPartition]struct{}, generation int32) error {
	return nil
}
func (f *fakeSessionCallbacks) AcksEnabledFor(topic string) bool { return true }
func (f *fakeSessionCallbacks) StreamInboundTime(tp streamkafka.TopicPartition) (int64, bool) {
	return 0, false
}

func validConfig() Config {
	return Config{
		GroupID:        "g",
		RequestTimeout: 30 * time.Second,
		SessionTimeout: 10 * time.Second,
	}
}

func newTestSession(t *testing.T, client Client, cb streamkafka.Callbacks) *Session {
	t.Helper()
	s, err := New(validConfig(), client, fakeAdminClient{}, cb, func() (int32, int32, string) { return 1, 7, "m1" }, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestConfig_ValidateSessionExceedsRequestTimeout(t *testing.T) {
	cfg := Config{RequestTimeout: time.Second, SessionTimeout: 2 * time.Second}
	if err := cfg.Validate(); !errors.Is(err, streamkafka.ErrImproperlyConfigured) {
		t.Fatalf("expected ErrImproperlyConfigured, got %v", err)
	}
}

func TestConfig_ValidateOK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestCommit_ExcludesUnassignedTP is invariant 1 / scenario S2: a commit
// carrying a TP not in the current assignment must not reach the broker.
func TestCommit_ExcludesUnassignedTP(t *testing.T) {
	fc := &fakeConsumerClient{}
	cb := &fakeSessionCallbacks{}
	s := newTestSession(t, fc, cb)

	assigned := map[streamkafka.TopicPartition]struct{}{{Topic: "t", Partition: 0}: {}}
	if err := s.OnPartitionsAssigned(context.Background(), assigned); err != nil {
		t.Fatalf("assign: %v", err)
	}

	ok, err := s.Commit(context.Background(), map[streamkafka.TopicPartition]int64{
		{Topic: "t", Partition: 0}: 100,
		{Topic: "t", Partition: 1}: 50,
	})
	if err != nil || !ok {
		t.Fatalf("Commit() = (%v, %v), want (true, nil)", ok, err)
	}

	if _, ok := fc.commitOffsets["t"][1]; ok {
		t.Error("commit RPC carried an unassigned partition")
	}
	if got := fc.commitOffsets["t"][0].Offset; got != 100 {
		t.Errorf("committed offset for t[0] = %d, want 100", got)
	}
}

// TestCommit_UpdatesLastCommittedBeforeRPC is invariant 2.
func TestCommit_UpdatesLastCommittedBeforeRPC(t *testing.T) {
	fc := &fakeConsumerClient{}
	cb := &fakeSessionCallbacks{}
	s := newTestSession(t, fc, cb)

	tp := streamkafka.TopicPartition{Topic: "t", Partition: 0}
	if err := s.OnPartitionsAssigned(context.Background(), map[streamkafka.TopicPartition]struct{}{tp: {}}); err != nil {
		t.Fatal(err)
	}

	before := time.Now()
	var atRPC *time.Time
	fc.onCommit = func() { atRPC = s.LivenessState(tp).LastCommittedAt }
	ok, err := s.Commit(context.Background(), map[streamkafka.TopicPartition]int64{tp: 10})
	if err != nil || !ok {
		t.Fatalf("Commit() = (%v, %v)", ok, err)
	}
	if atRPC == nil || atRPC.Before(before) {
		t.Errorf("LastCommittedAt not set when the commit RPC was issued: %v", atRPC)
	}

	state := s.LivenessState(tp)
	if state.LastCommittedAt == nil || state.LastCommittedAt.Before(before) {
		t.Errorf("LastCommittedAt not updated before RPC: %v", state.LastCommittedAt)
	}
	if state.CommittedOffset != 10 {
		t.Errorf("CommittedOffset = %d, want 10", state.CommittedOffset)
	}
}

func TestCommit_RebalancedIsNotFatal(t *testing.T) {
	fc := &fakeConsumerClient{commitErr: errors.New("commit cannot be completed since the group has already rebalanced")}
	s := newTestSession(t, fc, &fakeSessionCallbacks{})

	tp := streamkafka.TopicPartition{Topic: "t", Partition: 0}
	if err := s.OnPartitionsAssigned(context.Background(), map[streamkafka.TopicPartition]struct{}{tp: {}}); err != nil {
		t.Fatal(err)
	}

	ok, err := s.Commit(context.Background(), map[streamkafka.TopicPartition]int64{tp: 5})
	if err != nil {
		t.Errorf("expected nil error for rebalanced commit, got %v", err)
	}
	if ok {
		t.Error("expected false for a commit lost to rebalance")
	}
}

func TestCommit_OtherErrorIsFatal(t *testing.T) {
	fc := &fakeConsumerClient{commitErr: errors.New("broker disconnected")}
	s := newTestSession(t, fc, &fakeSessionCallbacks{})

	tp := streamkafka.TopicPartition{Topic: "t", Partition: 0}
	if err := s.OnPartitionsAssigned(context.Background(), map[streamkafka.TopicPartition]struct{}{tp: {}}); err != nil {
		t.Fatal(err)
	}

	ok, err := s.Commit(context.Background(), map[streamkafka.TopicPartition]int64{tp: 5})
	if err == nil {
		t.Fatal("expected a fatal error to be returned")
	}
	if ok {
		t.Error("expected false alongside the fatal error")
	}
}

func TestGetMany_ClosedReturnsConsumerStopped(t *testing.T) {
	fc := &fakeConsumerClient{}
	s := newTestSession(t, fc, &fakeSessionCallbacks{})
	s.Close()

	_, err := s.GetMany(context.Background(), nil, time.Second)
	if !errors.Is(err, streamkafka.ErrConsumerStopped) {
		t.Fatalf("expected ErrConsumerStopped, got %v", err)
	}
}

func TestGetMany_PausedReturnsEmpty(t *testing.T) {
	fc := &fakeConsumerClient{}
	s := newTestSession(t, fc, &fakeSessionCallbacks{})
	s.Pause()

	got, err := s.GetMany(context.Background(), nil, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty result while paused, got %v", got)
	}
}

func TestSeekAndPosition(t *testing.T) {
	fc := &fakeConsumerClient{}
	s := newTestSession(t, fc, &fakeSessionCallbacks{})

	tp := streamkafka.TopicPartition{Topic: "t", Partition: 2}
	s.Seek(tp, 42)

	pos, ok := s.Position(tp)
	if !ok || pos != 42 {
		t.Errorf("Position() = (%d, %v), want (42, true)", pos, ok)
	}
	if fc.setOffsets["t"][2] != kgo.NewOffset().At(42) {
		t.Errorf("SetOffsets not called with the seeked offset")
	}
}

func TestHighwater_TransactionalUsesLastStableOffset(t *testing.T) {
	fc := &fakeConsumerClient{}
	s := newTestSession(t, fc, &fakeSessionCallbacks{})
	s.cfg.Transactional = true

	tp := streamkafka.TopicPartition{Topic: "t", Partition: 0}
	hw, lso := int64(100), int64(80)
	s.withLiveness(tp, func(l *liveness) {
		l.highwater = &hw
		l.lastStableOff = &lso
	})

	got, ok := s.Highwater(tp)
	if !ok || got != 80 {
		t.Errorf("Highwater() = (%d, %v), want (80, true) in transactional mode", got, ok)
	}
}

func TestHighwater_PlainUsesHighwater(t *testing.T) {
	fc := &fakeConsumerClient{}
	s := newTestSession(t, fc, &fakeSessionCallbacks{})

	tp := streamkafka.TopicPartition{Topic: "t", Partition: 0}
	hw := int64(100)
	s.withLiveness(tp, func(l *liveness) { l.highwater = &hw })

	got, ok := s.Highwater(tp)
	if !ok || got != 100 {
		t.Errorf("Highwater() = (%d, %v), want (100, true)", got, ok)
	}
}

func TestAssignment_TracksRevokeAndAssign(t *testing.T) {
	fc := &fakeConsumerClient{}
	s := newTestSession(t, fc, &fakeSessionCallbacks{})

	tp0 := streamkafka.TopicPartition{Topic: "t", Partition: 0}
	tp1 := streamkafka.TopicPartition{Topic: "t", Partition: 1}

	if err := s.OnPartitionsAssigned(context.Background(), map[streamkafka.TopicPartition]struct{}{tp0: {}, tp1: {}}); err != nil {
		t.Fatal(err)
	}
	if len(s.Assignment()) != 2 {
		t.Fatalf("assignment = %v, want 2 TPs", s.Assignment())
	}

	done := s.OnPartitionsRevoked(context.Background(), map[streamkafka.TopicPartition]struct{}{tp0: {}})
	if err := <-done; err != nil {
		t.Fatalf("revoke: %v", err)
	}

	got := s.Assignment()
	if _, ok := got[tp0]; ok {
		t.Error("tp0 still present after revoke")
	}
	if _, ok := got[tp1]; !ok {
		t.Error("tp1 missing after revoking only tp0")
	}
}

// TestOnPartitionsRevoked_RebalanceStartObservedSynchronously is scenario S1.
func TestOnPartitionsRevoked_RebalanceStartObservedSynchronously(t *testing.T) {
	fc := &fakeConsumerClient{}
	cb := &fakeSessionCallbacks{}
	s := newTestSession(t, fc, cb)

	_ = s.OnPartitionsRevoked(context.Background(), map[streamkafka.TopicPartition]struct{}{{Topic: "t", Partition: 0}: {}})

	if !cb.rebalanceStarted {
		t.Fatal("OnRebalanceStart was not observed synchronously")
	}
}

func TestClose_Idempotent(t *testing.T) {
	fc := &fakeConsumerClient{}
	s := newTestSession(t, fc, &fakeSessionCallbacks{})

	s.Close()
	s.Close()

	if !fc.closed {
		t.Fatal("expected underlying client to be closed")
	}
}

func TestConvertRecord_StampsGenerationAndHeaders(t *testing.T) {
	r := &kgo.Record{
		Topic:     "t",
		Partition: 3,
		Offset:    9,
		Key:       []byte("k"),
		Value:     []byte("v"),
		Headers:   []kgo.RecordHeader{{Key: "h", Value: []byte("hv")}},
		Timestamp: time.Unix(1000, 0),
	}
	tp := streamkafka.TopicPartition{Topic: "t", Partition: 3}

	rec := convertRecord(r, tp, 42)

	if rec.GenerationID != 42 {
		t.Errorf("GenerationID = %d, want 42", rec.GenerationID)
	}
	if rec.TP != tp {
		t.Errorf("TP = %+v, want %+v", rec.TP, tp)
	}
	if len(rec.Headers) != 1 || rec.Headers[0].Key != "h" {
		t.Errorf("headers not converted: %+v", rec.Headers)
	}
	if rec.Timestamp == nil || !rec.Timestamp.Equal(r.Timestamp) {
		t.Errorf("timestamp not converted: %v", rec.Timestamp)
	}
}
