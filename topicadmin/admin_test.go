package topicadmin

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/afikmenashe/alerting-platform/pkg/streamkafka"
)

type fakeClient struct {
	mu            sync.Mutex
	calls         int32
	errOnce       error
	delay         time.Duration
	lastCfg       map[string]*string
	brokerMetaErr error
	controller    int32
}

func (f *fakeClient) BrokerMetadata(ctx context.Context) (kadm.BrokerMetadata, error) {
	if f.brokerMetaErr != nil {
		return kadm.BrokerMetadata{}, f.brokerMetaErr
	}
	return kadm.BrokerMetadata{Controller: f.controller}, nil
}

func (f *fakeClient) CreateTopics(ctx context.Context, partitions int32, replication int16, configs map[string]*string, topics ...string) (kadm.CreateTopicResponses, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.lastCfg = configs
	f.mu.Unlock()

	out := make(kadm.CreateTopicResponses)
	err := f.errOnce
	f.errOnce = nil
	out[topics[0]] = kadm.CreateTopicResponse{Topic: topics[0], Err: err}
	return out, nil
}

func TestCreateTopic_TopicNameTooLong(t *testing.T) {
	a := New(&fakeClient{}, nil, nil)
	name := strings.Repeat("x", 250)
	if err := a.CreateTopic(context.Background(), name, 1, 1, CreateTopicOptions{}); err == nil {
		t.Fatal("expected an error for an over-long topic name")
	}
}

func TestCreateTopic_Stampede(t *testing.T) {
	fc := &fakeClient{delay: 20 * time.Millisecond}
	a := New(fc, nil, nil)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = a.CreateTopic(context.Background(), "shared-topic", 3, 2, CreateTopicOptions{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d: unexpected error %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&fc.calls); got != 1 {
		t.Errorf("expected exactly one underlying CreateTopics call, got %d", got)
	}
}

func TestCreateTopic_AlreadyExists(t *testing.T) {
	fc := &fakeClient{errOnce: kerr.TopicAlreadyExists}
	a := New(fc, nil, nil)

	if err := a.CreateTopic(context.Background(), "t", 1, 1, CreateTopicOptions{}); err != nil {
		t.Errorf("expected silent success without EnsureCreated, got %v", err)
	}
}

func TestCreateTopic_AlreadyExistsWithEnsureCreated(t *testing.T) {
	fc := &fakeClient{errOnce: kerr.TopicAlreadyExists}
	a := New(fc, nil, nil)

	if err := a.CreateTopic(context.Background(), "t2", 1, 1, CreateTopicOptions{EnsureCreated: true}); err == nil {
		t.Error("expected an error when EnsureCreated is set and the topic already exists")
	}
}

func TestCreateTopic_NoBrokerReachable(t *testing.T) {
	fc := &fakeClient{brokerMetaErr: errors.New("dial tcp: connection refused")}
	a := New(fc, nil, nil)

	err := a.CreateTopic(context.Background(), "t3", 1, 1, CreateTopicOptions{})
	if !errors.Is(err, streamkafka.ErrNotReadyController) {
		t.Fatalf("expected ErrNotReadyController, got %v", err)
	}
	if got := atomic.LoadInt32(&fc.calls); got != 0 {
		t.Errorf("CreateTopics should not be called when no controller could be discovered, got %d calls", got)
	}
}

func TestCreateTopic_NoControllerReported(t *testing.T) {
	fc := &fakeClient{controller: -1}
	a := New(fc, nil, nil)

	err := a.CreateTopic(context.Background(), "t4", 1, 1, CreateTopicOptions{})
	if !errors.Is(err, streamkafka.ErrNotReadyController) {
		t.Fatalf("expected ErrNotReadyController, got %v", err)
	}
}

func TestTopicConfig_CleanupPolicyOrdering(t *testing.T) {
	cfg := topicConfig(CreateTopicOptions{Compacting: true, Deleting: true})
	got := cfg["cleanup.policy"]
	if got == nil || *got != "compact,delete" {
		t.Errorf("cleanup.policy = %v, want \"compact,delete\"", got)
	}
}

func TestTopicConfig_RetentionAndOverlay(t *testing.T) {
	retention := int64(60000)
	cfg := topicConfig(CreateTopicOptions{
		RetentionMs: &retention,
		Config:      map[string]string{"retention.ms": "120000"},
	})
	if got := *cfg["retention.ms"]; got != "120000" {
		t.Errorf("user-supplied config should overlay the synthesized retention.ms, got %q", got)
	}
}
