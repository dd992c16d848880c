// Package alert is the outbound alerting collaborator boundary. Delivery is
// fire-and-forget: callers never depend on confirmation for correctness.
package alert

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/anietieakpan/pulsewatch/internal/domain"
	"github.com/anietieakpan/pulsewatch/internal/ws"
)

// AlertsChannel is the hub channel live dashboards subscribe to.
const AlertsChannel = "alerts"

// Sender delivers alert requests to operators.
type Sender interface {
	Send(ctx context.Context, req domain.AlertRequest)
}

// Dispatcher logs alerts and broadcasts them to the live ops feed.
type Dispatcher struct {
	hub *ws.Hub
	log *slog.Logger
	now func() time.Time
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(hub *ws.Hub, log *slog.Logger) *Dispatcher {
	if log != nil {
		log = log.With("component", "alert_dispatcher")
	}
	return &Dispatcher{hub: hub, log: log, now: time.Now}
}

var _ Sender = (*Dispatcher)(nil)

// Send delivers one alert. Failures are logged and swallowed.
func (d *Dispatcher) Send(_ context.Context, req domain.AlertRequest) {
	if d == nil {
		return
	}
	if d.log != nil {
		d.log.Warn("alert raised",
			"kind", req.Kind,
			"severity", string(req.Severity),
			"message", req.Message,
			"metadata", req.Metadata)
	}
	d.broadcast(req)
}

// Info sends a LOW severity alert.
func (d *Dispatcher) Info(ctx context.Context, kind, message string, metadata map[string]string) {
	d.Send(ctx, domain.AlertRequest{Kind: kind, Severity: domain.SeverityLow, Message: message, Metadata: metadata})
}

// Medium sends a MEDIUM severity alert.
func (d *Dispatcher) Medium(ctx context.Context, kind, message string, metadata map[string]string) {
	d.Send(ctx, domain.AlertRequest{Kind: kind, Severity: domain.SeverityMedium, Message: message, Metadata: metadata})
}

// High sends a HIGH severity alert.
func (d *Dispatcher) High(ctx context.Context, kind, message string, metadata map[string]string) {
	d.Send(ctx, domain.AlertRequest{Kind: kind, Severity: domain.SeverityHigh, Message: message, Metadata: metadata})
}

// Critical sends a CRITICAL severity alert.
func (d *Dispatcher) Critical(ctx context.Context, kind, message string, metadata map[string]string) {
	d.Send(ctx, domain.AlertRequest{Kind: kind, Severity: domain.SeverityCritical, Message: message, Metadata: metadata})
}

func (d *Dispatcher) broadcast(req domain.AlertRequest) {
	if d.hub == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"kind":      req.Kind,
		"severity":  string(req.Severity),
		"message":   req.Message,
		"metadata":  req.Metadata,
		"timestamp": d.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		if d.log != nil {
			d.log.Warn("failed to marshal alert", "error", err)
		}
		return
	}
	d.hub.Broadcast(AlertsChannel, payload)
}
