package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anietieakpan/pulsewatch/internal/broker"
	"github.com/anietieakpan/pulsewatch/internal/service/dedup"
	"github.com/anietieakpan/pulsewatch/internal/service/resilience"
)

func eventBody(t *testing.T, eventType string) []byte {
	t.Helper()
	return []byte(`{"eventType":"` + eventType + `","entityKey":"checkout","timestamp":"2026-03-01T12:00:00Z","value":42}`)
}

func TestDuplicateEventProcessedOnce(t *testing.T) {
	var calls int
	handlers := map[string]HandlerFunc{
		"LATENCY_SAMPLE": func(context.Context, Event) error {
			calls++
			return nil
		},
	}
	gate := dedup.NewGate(24*time.Hour, 1000)
	consumer := NewStreamConsumer(TopicLatency, handlers, gate, nil, nil, nil)

	msg := broker.Message{Topic: TopicLatency, ID: "1-0", Body: eventBody(t, "LATENCY_SAMPLE")}
	for i := 0; i < 2; i++ {
		if err := consumer.Handler()(context.Background(), msg); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times for duplicate delivery, want 1", calls)
	}
}

func TestFailedEventNotMarkedProcessed(t *testing.T) {
	var calls int
	handlers := map[string]HandlerFunc{
		"LATENCY_SAMPLE": func(context.Context, Event) error {
			calls++
			if calls == 1 {
				return errors.New("storage unavailable")
			}
			return nil
		},
	}
	gate := dedup.NewGate(24*time.Hour, 1000)
	consumer := NewStreamConsumer(TopicLatency, handlers, gate, nil, nil, nil)

	msg := broker.Message{Topic: TopicLatency, ID: "1-0", Body: eventBody(t, "LATENCY_SAMPLE")}
	if err := consumer.handle(context.Background(), msg); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	// The redelivered event must not be treated as a duplicate.
	if err := consumer.handle(context.Background(), msg); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if calls != 2 {
		t.Fatalf("handler ran %d times, want 2", calls)
	}
}

func TestUnknownEventTypeAcknowledged(t *testing.T) {
	var calls int
	handlers := map[string]HandlerFunc{
		"LATENCY_SAMPLE": func(context.Context, Event) error {
			calls++
			return nil
		},
	}
	consumer := NewStreamConsumer(TopicLatency, handlers, dedup.NewGate(time.Hour, 100), nil, nil, nil)

	msg := broker.Message{Topic: TopicLatency, ID: "1-0", Body: eventBody(t, "SOMETHING_ELSE")}
	if err := consumer.handle(context.Background(), msg); err != nil {
		t.Fatalf("unknown event type should ack cleanly, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("handler invoked for unknown event type")
	}
}

func TestMalformedPayloadIsPermanent(t *testing.T) {
	consumer := NewStreamConsumer(TopicLatency, nil, nil, nil, nil, nil)
	cases := [][]byte{
		[]byte(`{not json`),
		[]byte(`{"entityKey":"checkout","timestamp":"2026-03-01T12:00:00Z"}`),
		[]byte(`{"eventType":"LATENCY_SAMPLE","timestamp":"2026-03-01T12:00:00Z"}`),
		[]byte(`{"eventType":"LATENCY_SAMPLE","entityKey":"checkout"}`),
	}
	for _, body := range cases {
		err := consumer.handle(context.Background(), broker.Message{Topic: TopicLatency, ID: "1-0", Body: body})
		if err == nil {
			t.Fatalf("payload %q accepted, want permanent error", body)
		}
		if !resilience.IsPermanent(err) {
			t.Fatalf("payload %q: error %v not marked permanent", body, err)
		}
	}
}
