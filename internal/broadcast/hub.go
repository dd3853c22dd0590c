// Package broadcast fans lifecycle events out to connected operator
// dashboards. Delivery is best effort: events over the rate ceiling are
// dropped and a dead connection is only noticed by the heartbeat.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"replyguard/internal/metrics"
)

// Conn is one dashboard connection.
type Conn interface {
	ID() string
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Envelope is the JSON frame written to dashboards.
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Wire event types.
const (
	TypeNewMessage      = "new_message"
	TypeMessageUpdate   = "message_update"
	TypeMessageDeleted  = "message_deleted"
	TypeMessagesExpired = "messages_expired"
	TypeSecurityAlert   = "security_alert"
	TypeReplyWithheld   = "reply_withheld"
	TypeHeartbeat       = "heartbeat"
)

type Config struct {
	MaxEventsPerSecond int
	SendTimeout        time.Duration
	Logger             *slog.Logger
}

type Hub struct {
	mu      sync.Mutex
	conns   map[string]Conn
	limiter *WindowLimiter
	timeout time.Duration
	logger  *slog.Logger
}

func NewHub(cfg Config) *Hub {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:   make(map[string]Conn),
		limiter: NewWindowLimiter(cfg.MaxEventsPerSecond, time.Second),
		timeout: cfg.SendTimeout,
		logger:  logger,
	}
}

func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	n := len(h.conns)
	h.mu.Unlock()

	metrics.DashboardConnections.Set(int64(n))
	h.logger.Info("dashboard connected", "conn", c.ID(), "total", n)
}

func (h *Hub) Unregister(c Conn) {
	h.mu.Lock()
	_, ok := h.conns[c.ID()]
	delete(h.conns, c.ID())
	n := len(h.conns)
	h.mu.Unlock()

	if ok {
		metrics.DashboardConnections.Set(int64(n))
		h.logger.Info("dashboard disconnected", "conn", c.ID(), "total", n)
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) snapshot() []Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast sends env to every connection. It returns false when the event
// was shed by the rate limiter. Send failures are logged only.
func (h *Hub) Broadcast(ctx context.Context, env Envelope) bool {
	if !h.limiter.Allow() {
		metrics.BroadcastDropped.Inc()
		h.logger.Debug("broadcast shed", "type", env.Type)
		return false
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("broadcast encode failed", "type", env.Type, "err", err)
		return false
	}

	for _, c := range h.snapshot() {
		sendCtx, cancel := context.WithTimeout(ctx, h.timeout)
		if err := c.Send(sendCtx, data); err != nil {
			h.logger.Debug("broadcast send failed", "conn", c.ID(), "err", err)
		}
		cancel()
	}
	return true
}

// SendHeartbeat pings every connection and removes those that fail.
// It returns the number of pruned connections.
func (h *Hub) SendHeartbeat(ctx context.Context) int {
	data, _ := json.Marshal(Envelope{Type: TypeHeartbeat, Timestamp: time.Now().UTC()})

	pruned := 0
	for _, c := range h.snapshot() {
		sendCtx, cancel := context.WithTimeout(ctx, h.timeout)
		err := c.Send(sendCtx, data)
		cancel()
		if err != nil {
			h.logger.Info("pruning dead dashboard connection", "conn", c.ID(), "err", err)
			h.Unregister(c)
			c.Close()
			pruned++
		}
	}
	return pruned
}

// RunHeartbeat sends a heartbeat every interval until ctx is done.
func (h *Hub) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.SendHeartbeat(ctx); n > 0 {
				h.logger.Info("heartbeat pruned connections", "count", n)
			}
		}
	}
}

// CloseAll disconnects every dashboard.
func (h *Hub) CloseAll() {
	for _, c := range h.snapshot() {
		h.Unregister(c)
		c.Close()
	}
}
