// Package broker provides the Redis Streams transport: downstream event
// publishing and consumer-group ingestion.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Downstream event streams. Every published message carries a correlationId
// and timestamp.
const (
	TopicEscalations  = "escalations"
	TopicCompensation = "compensation"
	TopicAnomalies    = "anomalies"
	TopicTrends       = "trends"
	TopicReports      = "reports"
	TopicEmergency    = "emergency"
)

// Publisher writes structured JSON messages to outbound streams.
type Publisher struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewPublisher constructs a Publisher over an existing Redis client.
func NewPublisher(client *redis.Client, prefix string) *Publisher {
	return &Publisher{client: client, prefix: prefix, timeout: 2 * time.Second}
}

// StreamName returns the fully qualified stream for a topic.
func (p *Publisher) StreamName(topic string) string {
	return p.prefix + "." + topic
}

// Publish adds correlation metadata, encodes the payload and appends it to
// the topic stream.
func (p *Publisher) Publish(ctx context.Context, topic string, payload map[string]any) error {
	if payload == nil {
		payload = make(map[string]any)
	}
	if _, ok := payload["correlationId"]; !ok {
		payload["correlationId"] = uuid.NewString()
	}
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return p.PublishRaw(ctx, topic, body)
}

// PublishRaw appends a pre-encoded body to the topic stream.
func (p *Publisher) PublishRaw(ctx context.Context, topic string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.StreamName(topic),
		Values: map[string]any{"payload": body},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}
