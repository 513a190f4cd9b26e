// Package kafkaproducer implements the plain async producer, the
// per-transactional-id producer registry, the thread-isolated producer, and
// the key-partitioner shim that sit on top of a franz-go client.
package kafkaproducer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/afikmenashe/alerting-platform/pkg/streamkafka"
)

// State is the producer's lifecycle stage.
type State int32

const (
	Unstarted State = iota
	Started
	Stopped
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Client is the subset of *kgo.Client a Producer drives. It is declared here
// so tests can substitute a fake without a franz-go broker connection.
type Client interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// Producer is a plain asynchronous producer over a franz-go client,
// following the Unstarted -> Started <-> Stopped state machine: Send and
// SendAndWait both require Started.
type Producer struct {
	client    Client
	callbacks streamkafka.Callbacks
	log       *slog.Logger

	state atomic.Int32
}

// New wraps client. callbacks may be nil, in which case the delivery hooks
// are skipped. log may be nil (defaults to slog.Default()).
func New(client Client, callbacks streamkafka.Callbacks, log *slog.Logger) *Producer {
	if log == nil {
		log = slog.Default()
	}
	p := &Producer{client: client, callbacks: callbacks, log: log}
	p.state.Store(int32(Unstarted))
	return p
}

// Start transitions Unstarted or Stopped into Started.
func (p *Producer) Start() {
	p.state.Store(int32(Started))
}

// Stop transitions into Stopped and closes the underlying client.
func (p *Producer) Stop() {
	p.state.Store(int32(Stopped))
	p.client.Close()
}

func (p *Producer) State() State {
	return State(p.state.Load())
}

// Send enqueues msg with the broker client's batching buffer and returns a
// channel resolved once with the resulting RecordMetadata or error. Headers
// are included whenever SupportsHeaders is true. Timestamps are converted
// from seconds to milliseconds for the wire.
func (p *Producer) Send(ctx context.Context, msg streamkafka.PendingMessage) <-chan sendResult {
	result := make(chan sendResult, 1)

	if p.State() != Started {
		result <- sendResult{err: fmt.Errorf("kafkaproducer: send: %w", streamkafka.ErrNotReady)}
		return result
	}

	var state any
	keySize, valueSize := len(msg.Key), len(msg.Value)
	if p.callbacks != nil {
		state = p.callbacks.OnSendInitiated(msg.Topic, msg, keySize, valueSize)
		p.callbacks.OnProduceMessage(msg.Key, msg.Value, msg.Partition, msg.Timestamp, msg.Headers)
	}

	rec := &kgo.Record{Topic: msg.Topic, Key: msg.Key, Value: msg.Value}
	if msg.Partition != nil {
		rec.Partition = *msg.Partition
	}
	if msg.Timestamp != nil {
		// kgo.Record.Timestamp is a time.Time; the broker wire format wants
		// milliseconds since epoch, which the client derives from this value
		// when it encodes the produce request. Split whole seconds from the
		// fractional part before scaling to nanoseconds: a realistic Unix
		// timestamp multiplied by 1e9 in one step overflows float64's exact
		// integer range (2^53) and rounds unpredictably.
		sec := int64(*msg.Timestamp)
		frac := *msg.Timestamp - float64(sec)
		rec.Timestamp = time.Unix(sec, int64(frac*float64(time.Second)))
	}
	if p.SupportsHeaders() {
		for _, h := range msg.Headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: h.Key, Value: h.Value})
		}
	}

	p.client.Produce(ctx, rec, func(r *kgo.Record, err error) {
		var meta streamkafka.RecordMetadata
		var sendErr error
		if err != nil {
			sendErr = &streamkafka.ProducerSendError{Topic: msg.Topic, Partition: r.Partition, Err: err}
		} else {
			meta = streamkafka.RecordMetadata{
				Topic:     r.Topic,
				Partition: r.Partition,
				Offset:    r.Offset,
				Timestamp: r.Timestamp,
			}
		}
		if p.callbacks != nil {
			p.callbacks.OnPublished(msg, state, sendErr)
		}
		result <- sendResult{meta: meta, err: sendErr}
	})

	return result
}

// SendAndWait sends msg and blocks until the broker has acknowledged it or
// ctx is cancelled.
func (p *Producer) SendAndWait(ctx context.Context, msg streamkafka.PendingMessage) (streamkafka.RecordMetadata, error) {
	done := p.Send(ctx, msg)
	select {
	case r := <-done:
		return r.meta, r.err
	case <-ctx.Done():
		return streamkafka.RecordMetadata{}, ctx.Err()
	}
}

// SupportsHeaders always returns true: franz-go negotiates the broker API
// version internally, and record headers have been part of the wire format
// since Kafka 0.11, now the practical minimum supported broker version. The
// method is kept to preserve the shape of the collaborator interface. See
// DESIGN.md, Open Question OQ-2.
func (p *Producer) SupportsHeaders() bool {
	return true
}

type sendResult struct {
	meta streamkafka.RecordMetadata
	err  error
}
