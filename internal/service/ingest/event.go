// Package ingest is the generic telemetry consumer pipeline: one decode and
// dispatch path parameterized per topic by an event-type handler table,
// fronted by the dedup gate and the resilience pipeline.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anietieakpan/pulsewatch/internal/service/resilience"
)

// Event is the inbound telemetry envelope shared by every topic. Value
// carries single-metric observations; Data carries type-specific structured
// payloads (contract definitions, key access distributions, incidents).
type Event struct {
	EventType     string          `json:"eventType"`
	EntityKey     string          `json:"entityKey"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Value         float64         `json:"value,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

var (
	errMissingEventType = errors.New("missing eventType")
	errMissingEntityKey = errors.New("missing entityKey")
	errMissingTimestamp = errors.New("missing timestamp")
)

// decodeEvent parses and validates the envelope. Failures are permanent:
// a payload that cannot be decoded now will never decode, so it goes
// straight to the dead-letter stream.
func decodeEvent(body []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return Event{}, resilience.Permanent(fmt.Errorf("decode event: %w", err))
	}
	switch {
	case evt.EventType == "":
		return Event{}, resilience.Permanent(errMissingEventType)
	case evt.EntityKey == "":
		return Event{}, resilience.Permanent(errMissingEntityKey)
	case evt.Timestamp.IsZero():
		return Event{}, resilience.Permanent(errMissingTimestamp)
	}
	return evt, nil
}
