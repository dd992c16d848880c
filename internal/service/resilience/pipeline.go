// Package resilience wraps event handlers with the layered failure pipeline:
// retry, circuit breaker, fallback, dead-letter. The wrapped handler never
// returns an error, so the inbound message is always acknowledged exactly
// once and recovery runs through the dead-letter stream.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"github.com/anietieakpan/pulsewatch/internal/broker"
	"github.com/anietieakpan/pulsewatch/internal/domain"
	"github.com/anietieakpan/pulsewatch/internal/metrics"
	"github.com/anietieakpan/pulsewatch/internal/repository"
	"github.com/anietieakpan/pulsewatch/internal/service/alert"
)

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an error as non-retryable: it skips retries and the
// fallback chain and goes straight to the dead-letter stream. Malformed
// payloads are the canonical case.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Options bounds the pipeline stages.
type Options struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	EventTimeout time.Duration
}

// Pipeline decorates handlers for one topic. Each topic gets its own
// breaker so a poisoned stream cannot open the breaker of a healthy one.
type Pipeline struct {
	topic   string
	breaker *gobreaker.CircuitBreaker
	letters repository.DeadLetterRepository
	pub     *broker.Publisher
	alerts  alert.Sender
	reg     *metrics.Registry
	log     *slog.Logger
	opts    Options
	now     func() time.Time
}

// New constructs a Pipeline for a topic.
func New(topic string, letters repository.DeadLetterRepository, pub *broker.Publisher, alerts alert.Sender, reg *metrics.Registry, log *slog.Logger, opts Options) *Pipeline {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 200 * time.Millisecond
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = 10 * time.Second
	}
	if log != nil {
		log = log.With("component", "resilience", "topic", topic)
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        topic,
		MaxRequests: 10,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	})
	return &Pipeline{
		topic:   topic,
		breaker: breaker,
		letters: letters,
		pub:     pub,
		alerts:  alerts,
		reg:     reg,
		log:     log,
		opts:    opts,
		now:     time.Now,
	}
}

// Wrap returns a handler that runs next through retry, breaker, fallback and
// dead-letter stages and always returns nil.
func (p *Pipeline) Wrap(next broker.Handler) broker.Handler {
	return func(ctx context.Context, msg broker.Message) error {
		var permErr error
		_, err := p.breaker.Execute(func() (any, error) {
			attemptErr := p.attempt(ctx, msg, next)
			if IsPermanent(attemptErr) {
				// Malformed input is not a dependency failure; keep it out
				// of the breaker's failure counts.
				permErr = attemptErr
				return nil, nil
			}
			return nil, attemptErr
		})

		switch {
		case permErr != nil:
			p.countError("malformed")
			p.deadLetter(ctx, msg, permErr, "malformed", 0)
		case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
			p.countError("circuit_open")
			p.fallback(ctx, msg, err, true)
			p.deadLetter(ctx, msg, err, "circuit_open", 0)
		case err != nil:
			p.countError("transient")
			p.fallback(ctx, msg, err, false)
			p.deadLetter(ctx, msg, err, "transient", p.opts.MaxAttempts)
		}
		return nil
	}
}

// attempt runs next under the per-event timeout with bounded exponential
// backoff. Only errors without the Permanent marker are retried.
func (p *Pipeline) attempt(ctx context.Context, msg broker.Message, next broker.Handler) error {
	backoff := retry.WithMaxRetries(uint64(p.opts.MaxAttempts-1), retry.NewExponential(p.opts.BaseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.opts.EventTimeout)
		defer cancel()

		err := next(attemptCtx, msg)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if p.log != nil {
			p.log.Warn("event attempt failed", "entry_id", msg.ID, "error", err)
		}
		return retry.RetryableError(err)
	})
}

// fallback degrades to the guaranteed channel: an operator alert plus an
// emergency event. Circuit-open failures fan out at critical severity.
func (p *Pipeline) fallback(ctx context.Context, msg broker.Message, cause error, circuitOpen bool) {
	metadata := map[string]string{
		"topic":    p.topic,
		"entry_id": msg.ID,
		"error":    cause.Error(),
	}
	if p.alerts != nil {
		req := domain.AlertRequest{
			Kind:     "PROCESSING_DEGRADED",
			Severity: domain.SeverityHigh,
			Message:  fmt.Sprintf("event processing degraded on %s", p.topic),
			Metadata: metadata,
		}
		if circuitOpen {
			req.Kind = "CIRCUIT_OPEN"
			req.Severity = domain.SeverityCritical
			req.Message = fmt.Sprintf("circuit open on %s, events degraded to fallback", p.topic)
		}
		p.alerts.Send(ctx, req)
	}
	if p.pub != nil {
		err := p.pub.Publish(ctx, broker.TopicEmergency, map[string]any{
			"topic":       p.topic,
			"entryId":     msg.ID,
			"error":       cause.Error(),
			"circuitOpen": circuitOpen,
		})
		if err != nil && p.log != nil {
			p.log.Error("emergency publish failed", "error", err)
		}
	}
}

// deadLetter persists the full context, publishes to the topic DLQ stream
// and raises the distinct manual-intervention signal.
func (p *Pipeline) deadLetter(ctx context.Context, msg broker.Message, cause error, errorType string, retries int) {
	letter := domain.DeadLetter{
		ID:            uuid.NewString(),
		Topic:         p.topic,
		OriginalEvent: msg.Body,
		ErrorMessage:  cause.Error(),
		ErrorType:     errorType,
		CorrelationID: uuid.NewString(),
		RetryCount:    retries,
		MaxRetries:    p.opts.MaxAttempts,
		Timestamp:     p.now().UTC(),
	}

	if p.letters != nil {
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.letters.InsertDeadLetter(storeCtx, letter); err != nil && p.log != nil {
			p.log.Error("dead letter persist failed", "entry_id", msg.ID, "error", err)
		}
	}
	if p.pub != nil {
		err := p.pub.Publish(ctx, p.topic+".dlq", map[string]any{
			"originalEvent": string(letter.OriginalEvent),
			"errorMessage":  letter.ErrorMessage,
			"errorType":     letter.ErrorType,
			"correlationId": letter.CorrelationID,
			"retryCount":    letter.RetryCount,
			"maxRetries":    letter.MaxRetries,
		})
		if err != nil && p.log != nil {
			p.log.Error("dead letter publish failed", "entry_id", msg.ID, "error", err)
		}
	}
	if p.alerts != nil {
		p.alerts.Send(ctx, domain.AlertRequest{
			Kind:     "MANUAL_INTERVENTION_REQUIRED",
			Severity: domain.SeverityCritical,
			Message:  fmt.Sprintf("event on %s exhausted recovery and needs manual handling", p.topic),
			Metadata: map[string]string{
				"topic":         p.topic,
				"correlationId": letter.CorrelationID,
				"errorType":     errorType,
			},
		})
	}
	if p.reg != nil {
		p.reg.DeadLetters.WithLabelValues(p.topic).Inc()
	}
	if p.log != nil {
		p.log.Error("event dead-lettered", "entry_id", msg.ID, "error_type", errorType, "correlation_id", letter.CorrelationID)
	}
}

func (p *Pipeline) countError(stage string) {
	if p.reg != nil {
		p.reg.EventErrors.WithLabelValues(p.topic, stage).Inc()
	}
}
