package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Message is one delivered stream entry. Ordering is guaranteed only within
// a stream, and delivery is at least once.
type Message struct {
	Topic string
	ID    string
	Body  []byte
}

// Handler processes one message. The consumer acknowledges the entry
// regardless of the returned error; failure recovery is the handler's job
// (retry, fallback, dead-letter).
type Handler func(ctx context.Context, msg Message) error

// Consumer reads one stream through a consumer group with a bounded fan-out
// of worker lanes.
type Consumer struct {
	client      *redis.Client
	stream      string
	topic       string
	group       string
	name        string
	concurrency int
	blockEvery  time.Duration
	handler     Handler
	log         *slog.Logger
}

// NewConsumer constructs a Consumer for one topic stream.
func NewConsumer(client *redis.Client, stream, topic, group, name string, concurrency int, handler Handler, log *slog.Logger) *Consumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	if log != nil {
		log = log.With("component", "consumer", "topic", topic)
	}
	return &Consumer{
		client:      client,
		stream:      stream,
		topic:       topic,
		group:       group,
		name:        name,
		concurrency: concurrency,
		blockEvery:  5 * time.Second,
		handler:     handler,
		log:         log,
	}
}

// Run creates the consumer group if needed and blocks reading the stream
// until the context is cancelled. In-flight messages finish before return.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	if c.log != nil {
		c.log.Info("consumer started", "stream", c.stream, "group", c.group, "lanes", c.concurrency)
	}

	var wg sync.WaitGroup
	for lane := 0; lane < c.concurrency; lane++ {
		wg.Add(1)
		go func(lane int) {
			defer wg.Done()
			c.runLane(ctx, fmt.Sprintf("%s-%d", c.name, lane))
		}(lane)
	}
	wg.Wait()

	if c.log != nil {
		c.log.Info("consumer stopped", "stream", c.stream)
	}
	return nil
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.group, c.stream, err)
	}
	return nil
}

func (c *Consumer) runLane(ctx context.Context, consumerName string) {
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: consumerName,
			Streams:  []string{c.stream, ">"},
			Count:    16,
			Block:    c.blockEvery,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if c.log != nil {
				c.log.Error("stream read failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				c.dispatch(ctx, entry)
			}
		}
	}
}

// dispatch invokes the handler and always acknowledges: failed events are
// recovered through the dead-letter stream, never through redelivery storms.
func (c *Consumer) dispatch(ctx context.Context, entry redis.XMessage) {
	body := extractPayload(entry)
	msg := Message{Topic: c.topic, ID: entry.ID, Body: body}

	if err := c.handler(ctx, msg); err != nil && c.log != nil {
		c.log.Error("handler failed", "entry_id", entry.ID, "error", err)
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.client.XAck(ackCtx, c.stream, c.group, entry.ID).Err(); err != nil && c.log != nil {
		c.log.Error("ack failed", "entry_id", entry.ID, "error", err)
	}
}

func extractPayload(entry redis.XMessage) []byte {
	raw, ok := entry.Values["payload"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}
