package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/anietieakpan/pulsewatch/internal/broker"
	"github.com/anietieakpan/pulsewatch/internal/metrics"
	"github.com/anietieakpan/pulsewatch/internal/service/dedup"
	"github.com/anietieakpan/pulsewatch/internal/service/resilience"
)

// HandlerFunc processes one decoded event. Transient errors are retried by
// the resilience pipeline; wrap terminal ones in resilience.Permanent.
type HandlerFunc func(ctx context.Context, evt Event) error

// StreamConsumer is the per-topic pipeline stage: decode, dedup, dispatch by
// event type. The same structure serves every telemetry topic; only the
// handler table differs.
type StreamConsumer struct {
	topic    string
	handlers map[string]HandlerFunc
	gate     *dedup.Gate
	pipeline *resilience.Pipeline
	reg      *metrics.Registry
	log      *slog.Logger
}

// NewStreamConsumer builds the pipeline stage for one topic.
func NewStreamConsumer(topic string, handlers map[string]HandlerFunc, gate *dedup.Gate, pipeline *resilience.Pipeline, reg *metrics.Registry, log *slog.Logger) *StreamConsumer {
	if log != nil {
		log = log.With("component", "ingest", "topic", topic)
	}
	return &StreamConsumer{
		topic:    topic,
		handlers: handlers,
		gate:     gate,
		pipeline: pipeline,
		reg:      reg,
		log:      log,
	}
}

// Topic returns the logical topic this consumer serves.
func (s *StreamConsumer) Topic() string { return s.topic }

// Handler returns the broker handler with the full failure pipeline applied.
func (s *StreamConsumer) Handler() broker.Handler {
	if s.pipeline == nil {
		return s.handle
	}
	return s.pipeline.Wrap(s.handle)
}

// handle is the core dispatch path. Duplicates and unknown event types are
// acknowledged without side effects; the dedup mark is only set after the
// handler succeeds so retried events are not silently dropped.
func (s *StreamConsumer) handle(ctx context.Context, msg broker.Message) error {
	started := time.Now()

	evt, err := decodeEvent(msg.Body)
	if err != nil {
		return err
	}

	key := dedup.Key(evt.EntityKey, evt.EventType, evt.Timestamp)
	if s.gate != nil && s.gate.IsProcessed(key) {
		if s.reg != nil {
			s.reg.DedupHits.Inc()
		}
		if s.log != nil {
			s.log.Debug("duplicate event dropped", "event_type", evt.EventType, "entity", evt.EntityKey)
		}
		return nil
	}

	handler, ok := s.handlers[evt.EventType]
	if !ok {
		if s.log != nil {
			s.log.Warn("unknown event type", "event_type", evt.EventType, "entity", evt.EntityKey)
		}
		return nil
	}

	if err := handler(ctx, evt); err != nil {
		return err
	}

	if s.gate != nil {
		s.gate.MarkProcessed(key)
	}
	if s.reg != nil {
		s.reg.EventsProcessed.WithLabelValues(s.topic, evt.EventType).Inc()
		s.reg.ObserveHandle(s.topic, time.Since(started))
	}
	return nil
}
