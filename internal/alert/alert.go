// Package alert forwards security.alert events to out-of-band sinks
// (Slack, Discord, plain JSON webhooks) so operators hear about blocked
// messages even when no dashboard is open.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"replyguard/internal/bus"
	"replyguard/internal/metrics"
)

const (
	defaultQueueSize = 256
	defaultTimeout   = 15 * time.Second
)

// Alert is the sink-facing view of one blocked message.
type Alert struct {
	TenantID          string    `json:"tenant_id"`
	ConversationID    string    `json:"conversation_id"`
	Channel           string    `json:"channel"`
	SenderID          string    `json:"sender_id"`
	MessageID         int64     `json:"message_id,omitempty"`
	Classification    string    `json:"classification"`
	Confidence        int       `json:"confidence"`
	TriggeredKeywords []string  `json:"triggered_keywords,omitempty"`
	Source            string    `json:"source,omitempty"`
	Response          string    `json:"response,omitempty"` // canned reply withheld from the customer
	Timestamp         time.Time `json:"timestamp"`
}

// Summary is the one-line text used by chat sinks.
func (a Alert) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Blocked %s message from %s on %s (tenant %s, confidence %d%%)",
		a.Classification, a.SenderID, a.Channel, a.TenantID, a.Confidence)
	if len(a.TriggeredKeywords) > 0 {
		fmt.Fprintf(&b, ", keywords: %s", strings.Join(a.TriggeredKeywords, ", "))
	}
	return b.String()
}

// FromEvent decodes a security.alert payload.
func FromEvent(e bus.Event) Alert {
	a := Alert{Timestamp: e.Timestamp}
	p := e.Payload
	a.TenantID = str(p["tenant_id"])
	a.ConversationID = str(p["conversation_id"])
	a.Channel = str(p["channel"])
	a.SenderID = str(p["sender_id"])
	a.Classification = str(p["classification"])
	a.Source = str(p["source"])
	a.Response = str(p["response"])
	switch v := p["message_id"].(type) {
	case int64:
		a.MessageID = v
	case int:
		a.MessageID = int64(v)
	case float64:
		a.MessageID = int64(v)
	}
	switch v := p["confidence"].(type) {
	case int:
		a.Confidence = v
	case int64:
		a.Confidence = int(v)
	case float64:
		a.Confidence = int(v)
	}
	switch v := p["triggered_keywords"].(type) {
	case []string:
		a.TriggeredKeywords = v
	case []any:
		for _, k := range v {
			a.TriggeredKeywords = append(a.TriggeredKeywords, str(k))
		}
	}
	return a
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Sink delivers one alert.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

type Config struct {
	Sinks     []Sink
	QueueSize int           // default 256
	Timeout   time.Duration // per sink send, default 15s
	Logger    *slog.Logger
}

// Dispatcher queues alerts from the event bus and fans them out to every
// sink. Emit never blocks: when the queue is full the alert is dropped and
// logged, the security audit already holds the record.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Alert
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	handler string
	events  *bus.EventBus
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		sinks:   cfg.Sinks,
		queue:   make(chan Alert, cfg.QueueSize),
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

func (d *Dispatcher) Len() int { return len(d.sinks) }

// Subscribe registers the dispatcher on the security.alert topic.
func (d *Dispatcher) Subscribe(events *bus.EventBus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = events
	d.handler = events.On(bus.EventSecurityAlert, func(e bus.Event) {
		d.Enqueue(FromEvent(e))
	})
}

// Unsubscribe removes the bus handler registered by Subscribe.
func (d *Dispatcher) Unsubscribe() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.events != nil {
		d.events.Off(bus.EventSecurityAlert, d.handler)
		d.events = nil
	}
}

// Enqueue reports whether the alert was accepted.
func (d *Dispatcher) Enqueue(a Alert) bool {
	if len(d.sinks) == 0 {
		return false
	}
	select {
	case d.queue <- a:
		return true
	default:
		d.logger.Warn("alert queue full, dropping alert",
			"tenant_id", a.TenantID, "conversation_id", a.ConversationID)
		return false
	}
}

// Run drains the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-d.queue:
			d.Dispatch(ctx, a)
		}
	}
}

// Dispatch sends a to every sink. Sink failures are logged and counted.
func (d *Dispatcher) Dispatch(ctx context.Context, a Alert) {
	for _, s := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := s.Send(sctx, a)
		cancel()

		metrics.AlertSent(s.Name(), err == nil)
		if err != nil {
			d.logger.Error("alert sink failed", "sink", s.Name(), "err", err)
			continue
		}
		d.logger.Debug("alert sent", "sink", s.Name(), "conversation_id", a.ConversationID)
	}
}
