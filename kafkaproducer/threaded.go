package kafkaproducer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/afikmenashe/alerting-platform/pkg/streamkafka"
)

// queuePollTimeout bounds how long the drain goroutine waits for the next
// queued message before re-checking whether shutdown has been requested, so
// teardown stays prompt even with an empty queue.
const queuePollTimeout = 100 * time.Millisecond

// ThreadedProducer owns a dedicated goroutine and a bounded channel of
// pending messages, the idiomatic Go rendition of "a private event loop
// with a bounded publish queue": callers on any goroutine can Publish
// without blocking on broker I/O, and the drain goroutine is the only thing
// that ever calls the wrapped Producer.
type ThreadedProducer struct {
	inner *Producer
	log   *slog.Logger

	queue chan queuedMessage
	done  chan struct{}

	shutdownOnce sync.Once
}

type queuedMessage struct {
	ctx context.Context
	msg streamkafka.PendingMessage

	// correlationID identifies this queued send in logs independent of any
	// broker-assigned offset, which isn't known until the send completes (or
	// never, if it fails before reaching the broker).
	correlationID string
}

// NewThreadedProducer wraps inner, buffering up to queueSize pending
// messages. callbacks, if inner's callbacks include
// OnThreadedProducerBufferProcessed, is invoked after every drain of the
// queue with the number of messages it held.
func NewThreadedProducer(inner *Producer, queueSize int, log *slog.Logger) *ThreadedProducer {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	t := &ThreadedProducer{
		inner: inner,
		log:   log,
		queue: make(chan queuedMessage, queueSize),
		done:  make(chan struct{}),
	}
	go t.run()
	return t
}

// Publish enqueues msg for the drain goroutine to send. It blocks only if
// the queue is full; it returns ctx.Err() if ctx is cancelled first.
func (t *ThreadedProducer) Publish(ctx context.Context, msg streamkafka.PendingMessage) error {
	select {
	case t.queue <- queuedMessage{ctx: ctx, msg: msg, correlationID: uuid.NewString()}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return streamkafka.ErrConsumerStopped
	}
}

func (t *ThreadedProducer) run() {
	for {
		select {
		case qm := <-t.queue:
			t.sendAndLog(qm)
			processed := t.drainAvailable(qm)
			if cb, ok := t.callbacks(); ok {
				cb.OnThreadedProducerBufferProcessed(processed)
			}
		case <-time.After(queuePollTimeout):
			select {
			case <-t.done:
				return
			default:
			}
		case <-t.done:
			return
		}
	}
}

// drainAvailable opportunistically sends every message already queued
// without blocking, so a burst of Publish calls is processed as one batch;
// it returns the total count including first, the message already taken
// from the channel by run's select.
func (t *ThreadedProducer) drainAvailable(first queuedMessage) int {
	count := 1
	for {
		select {
		case qm := <-t.queue:
			t.sendAndLog(qm)
			count++
		default:
			return count
		}
	}
}

// sendAndLog hands qm to the inner producer without blocking the drain loop
// on the broker's acknowledgement, and logs a failure (tagged with qm's
// correlation id, since the broker hasn't assigned an offset to key the log
// line on) on its own goroutine once the send settles.
func (t *ThreadedProducer) sendAndLog(qm queuedMessage) {
	done := t.inner.Send(qm.ctx, qm.msg)
	go func() {
		select {
		case r := <-done:
			if r.err != nil {
				t.log.Error("threaded producer send failed", "correlation_id", qm.correlationID, "topic", qm.msg.Topic, "error", r.err)
			}
		case <-qm.ctx.Done():
		}
	}()
}

func (t *ThreadedProducer) callbacks() (streamkafka.Callbacks, bool) {
	if t.inner.callbacks == nil {
		return nil, false
	}
	return t.inner.callbacks, true
}

// Flush drains the queue synchronously (blocking until every already
// enqueued message has been handed to the inner producer) then flushes the
// broker client's own buffer.
func (t *ThreadedProducer) Flush(ctx context.Context) error {
	for {
		select {
		case qm := <-t.queue:
			t.inner.Send(qm.ctx, qm.msg)
		default:
			return t.inner.client.Flush(ctx)
		}
	}
}

// Stop latches shutdown so it only ever runs once, flushes remaining
// messages, and stops the inner producer.
func (t *ThreadedProducer) Stop(ctx context.Context) {
	t.shutdownOnce.Do(func() {
		close(t.done)
		if err := t.Flush(ctx); err != nil {
			t.log.Warn("error flushing threaded producer on stop", "error", err)
		}
		t.inner.Stop()
	})
}
