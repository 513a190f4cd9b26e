package tracebuffer

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/afikmenashe/alerting-platform/pkg/streamkafka"
)

func newTestBuffer(appID string) (*Buffer, *sdktrace.TracerProvider) {
	tp := sdktrace.NewTracerProvider()
	return New(tp.Tracer("test"), appID), tp
}

func TestBuffer_NoTracerIsNoOp(t *testing.T) {
	b := New(nil, "app")
	span := b.StartRebalancingSpan(context.Background(), RebalancingOperationName("rebalance"))
	span.Finish() // must not panic
}

func TestBuffer_DeferredFinalizeOnGenerationKnown(t *testing.T) {
	b, _ := newTestBuffer("app1")

	s1 := b.StartRebalancingSpan(context.Background(), RebalancingOperationName("rebalance"))
	s2 := b.StartRebalancingSpan(context.Background(), RebalancingOperationName("rebalance"))

	b.OnGenerationIDKnown(streamkafka.GenerationState{
		CoordinatorID: 1,
		GenerationID:  42,
		MemberID:      "m7",
	})

	rw1, ok1 := s1.span.(sdktrace.ReadWriteSpan)
	rw2, ok2 := s2.span.(sdktrace.ReadWriteSpan)
	if !ok1 || !ok2 {
		t.Fatal("expected the SDK's span implementation to satisfy ReadWriteSpan")
	}
	if got := rw1.Name(); got != "rebalancing node m7" {
		t.Errorf("span 1 name = %q, want %q", got, "rebalancing node m7")
	}
	if got := rw2.Name(); got != "rebalancing node m7" {
		t.Errorf("span 2 name = %q, want %q", got, "rebalancing node m7")
	}
	if !rw1.EndTime().After(rw1.StartTime()) || !rw2.EndTime().After(rw2.StartTime()) {
		t.Error("expected both spans to have been ended")
	}

	wantTraceID := traceID(42, "app1")
	if got := attrValue(rw1, "kafka_rebalance_trace_id"); got != wantTraceID {
		t.Errorf("span 1 trace id attribute = %q, want %q", got, wantTraceID)
	}
	if got := attrValue(rw1, "kafka_generation"); got != "42" {
		t.Errorf("span 1 kafka_generation = %q, want 42", got)
	}
	if got := attrValue(rw1, "kafka_member_id"); got != "m7" {
		t.Errorf("span 1 kafka_member_id = %q, want m7", got)
	}
}

func TestBuffer_FlushSpansCancels(t *testing.T) {
	b, _ := newTestBuffer("app1")
	s := b.StartRebalancingSpan(context.Background(), "rebalance.start")

	b.FlushSpans()

	rw, ok := s.span.(sdktrace.ReadWriteSpan)
	if !ok {
		t.Fatal("expected ReadWriteSpan")
	}
	if got := rw.Name(); got != "rebalance.start (CANCELLED)" {
		t.Errorf("name = %q, want suffix (CANCELLED)", got)
	}
}

func traceID(generation int32, appID string) string {
	b := &Buffer{appID: appID}
	return b.traceID(generation).String()
}

func attrValue(rw sdktrace.ReadWriteSpan, key string) string {
	for _, kv := range rw.Attributes() {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}
