// Package tracebuffer defers finalization of rebalance-related trace spans
// until the new consumer-group generation id is known. Once it is, every
// span opened during that rebalance is tagged with an id derived from the
// generation (the kafka_rebalance_trace_id attribute), so the spans can be
// correlated; their actual OpenTelemetry trace id is the one fixed at Start
// and is not rewritten. Rather than subclassing the tracer's span type (not
// something Go interfaces support), Buffer holds a Span wrapper that owns
// the real trace.Span and exposes its own Finish method; once the
// generation resolves, Buffer renames the underlying span through the SDK's
// ReadWriteSpan interface, tags it, and ends it.
package tracebuffer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/afikmenashe/alerting-platform/pkg/streamkafka"
)

// replaceWithMemberIDSuffix marks an operation name as pending rename to
// "rebalancing node {member_id}" once the member id is known.
const replaceWithMemberIDSuffix = ".REPLACE_WITH_MEMBER_ID"

// Span wraps a started trace.Span. Finish must be called exactly once,
// either directly (for non-lazy spans) or by Buffer once the span's
// generation resolves or the rebalance it belongs to is cancelled.
type Span struct {
	span      trace.Span
	operation string
	appID     string
}

// Finish ends the underlying span immediately, without deferring.
func (s *Span) Finish() {
	s.span.End()
}

// Context returns the context carrying this span, for propagation to
// downstream calls made while the span is open.
func (s *Span) Context(ctx context.Context) context.Context {
	return trace.ContextWithSpan(ctx, s.span)
}

// Buffer opens spans for rebalance operations and defers their
// finalization until the generation id they belong to becomes known.
type Buffer struct {
	tracer trace.Tracer
	appID  string

	mu      sync.Mutex
	pending []*Span
}

// New returns a Buffer using tracer to start spans. If tracer is nil, every
// method returns a no-op span.
func New(tracer trace.Tracer, appID string) *Buffer {
	return &Buffer{tracer: tracer, appID: appID}
}

// StartRebalancingSpan opens a lazy span for a rebalance operation before
// the new generation id is known. The operation name should end in
// replaceWithMemberIDSuffix if it is meant to be renamed once the member id
// resolves; use RebalancingOperationName to build one.
func (b *Buffer) StartRebalancingSpan(ctx context.Context, operation string) *Span {
	return b.startLazy(ctx, operation)
}

// StartCoordinatorSpan opens a non-lazy span for coordinator bookkeeping
// that does not need to wait on a generation id.
func (b *Buffer) StartCoordinatorSpan(ctx context.Context, operation string) (*Span, context.Context) {
	if b.tracer == nil {
		return &Span{span: trace.SpanFromContext(ctx), operation: operation}, ctx
	}
	newCtx, span := b.tracer.Start(ctx, operation)
	return &Span{span: span, operation: operation, appID: b.appID}, newCtx
}

// TracedFromParent starts a span as a child of parent. If lazy is true, the
// returned span is registered with Buffer exactly like one started via
// StartRebalancingSpan.
func (b *Buffer) TracedFromParent(ctx context.Context, parent *Span, operation string, lazy bool) *Span {
	childCtx := ctx
	if parent != nil {
		childCtx = parent.Context(ctx)
	}
	if !lazy {
		s, _ := b.StartCoordinatorSpan(childCtx, operation)
		return s
	}
	return b.startLazy(childCtx, operation)
}

func (b *Buffer) startLazy(ctx context.Context, operation string) *Span {
	if b.tracer == nil {
		return &Span{operation: operation, span: trace.SpanFromContext(ctx)}
	}

	_, span := b.tracer.Start(ctx, operation)
	s := &Span{span: span, operation: operation, appID: b.appID}

	b.mu.Lock()
	b.pending = append(b.pending, s)
	b.mu.Unlock()

	return s
}

// RebalancingOperationName builds a lazy operation name that will be
// renamed to "rebalancing node {member_id}" once the member id resolves.
func RebalancingOperationName(prefix string) string {
	return prefix + replaceWithMemberIDSuffix
}

// OnGenerationIDKnown drains the pending span queue in FIFO order, tagging
// and finalizing each span with the resolved generation state.
func (b *Buffer) OnGenerationIDKnown(state streamkafka.GenerationState) {
	pending := b.drain()
	traceID := b.traceID(state.GenerationID)

	for _, s := range pending {
		finalizeSpan(s, traceID, func(name string) string {
			if strings.HasSuffix(name, replaceWithMemberIDSuffix) {
				return fmt.Sprintf("rebalancing node %s", state.MemberID)
			}
			return name
		}, []attribute.KeyValue{
			attribute.Int64("kafka_generation", int64(state.GenerationID)),
			attribute.String("kafka_member_id", state.MemberID),
			attribute.Int64("kafka_coordinator_id", int64(state.CoordinatorID)),
		})
	}
}

// FlushSpans drains the pending span queue and finalizes each span as
// cancelled, for use when a new rebalance supersedes one whose generation
// never resolved.
func (b *Buffer) FlushSpans() {
	pending := b.drain()
	for _, s := range pending {
		finalizeSpan(s, "", func(name string) string {
			return name + " (CANCELLED)"
		}, nil)
	}
}

func (b *Buffer) drain() []*Span {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := b.pending
	b.pending = nil
	return pending
}

func (b *Buffer) traceID(generation int32) trace.TraceID {
	raw := murmur2([]byte(fmt.Sprintf("reb-%s-%d", b.appID, generation)))
	var id trace.TraceID
	// Spread the 32-bit hash across the 128-bit trace id so it remains a
	// valid (non-zero) trace.TraceID while staying deterministic.
	for i := 0; i < len(id); i += 4 {
		id[i] = byte(raw >> 24)
		id[i+1] = byte(raw >> 16)
		id[i+2] = byte(raw >> 8)
		id[i+3] = byte(raw)
	}
	return id
}

func finalizeSpan(s *Span, traceID trace.TraceID, rename func(string) string, tags []attribute.KeyValue) {
	newName := rename(s.operation)

	if rw, ok := s.span.(sdktrace.ReadWriteSpan); ok {
		if newName != s.operation {
			rw.SetName(newName)
		}
	}
	if len(tags) > 0 {
		s.span.SetAttributes(tags...)
		// The OpenTelemetry SDK fixes a span's trace id at Start, from the
		// parent context; a ReadWriteSpan has no supported way to rewrite
		// it afterwards. So the generation-derived trace id is recorded
		// as an attribute for correlation rather than as the literal
		// trace id propagated to children. See DESIGN.md, Open Question
		// OQ-3.
		s.span.SetAttributes(attribute.String("kafka_rebalance_trace_id", traceID.String()))
	}
	s.span.End()
}
