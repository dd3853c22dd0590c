// Package channel delivers approved replies to customers and normalizes
// inbound provider webhooks into bus envelopes.
//
// Each customer channel (whatsapp, email, instagram, messenger, telegram)
// is an Adapter holding one or more drivers keyed by name ("mock",
// "meta", "smtp", "bot"). The tenant policy picks the driver per channel.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"replyguard/internal/domain"
	"replyguard/internal/metrics"
)

const (
	ChannelWhatsApp  = "whatsapp"
	ChannelEmail     = "email"
	ChannelInstagram = "instagram"
	ChannelMessenger = "messenger"
	ChannelTelegram  = "telegram"
)

const (
	DriverMock = "mock"
	DriverMeta = "meta"
	DriverSMTP = "smtp"
	DriverBot  = "bot"
)

// KnownChannels lists every customer channel in display order.
func KnownChannels() []string {
	return []string{ChannelWhatsApp, ChannelEmail, ChannelInstagram, ChannelMessenger, ChannelTelegram}
}

// ErrUnknownDriver is returned when the policy names a driver that is not
// registered for the channel.
var ErrUnknownDriver = errors.New("unknown driver")

const defaultDeliveryTimeout = 30 * time.Second

// Adapter is one customer channel and its available drivers.
type Adapter struct {
	channel string

	mu      sync.RWMutex
	drivers map[string]domain.Driver
}

func newAdapter(channel string) *Adapter {
	return &Adapter{channel: channel, drivers: make(map[string]domain.Driver)}
}

func (a *Adapter) Channel() string { return a.channel }

// Send delivers through the driver registered under key.
func (a *Adapter) Send(ctx context.Context, key, to, text string, media *domain.Media) (string, error) {
	a.mu.RLock()
	d, ok := a.drivers[key]
	a.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrUnknownDriver, a.channel, key)
	}
	return d.Send(ctx, to, text, media)
}

// Drivers lists the registered driver keys.
func (a *Adapter) Drivers() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := make([]string, 0, len(a.drivers))
	for k := range a.drivers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type RegistryConfig struct {
	Timeout time.Duration // per Send, default 30s
	Logger  *slog.Logger
}

// Registry implements domain.Deliverer over a fixed set of adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRegistry creates the five channel adapters, each with a mock driver.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDeliveryTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry{
		adapters: make(map[string]*Adapter),
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
	for _, ch := range []string{ChannelWhatsApp, ChannelEmail, ChannelInstagram, ChannelMessenger, ChannelTelegram} {
		r.Register(ch, DriverMock, NewMockDriver(ch, cfg.Logger))
	}
	return r
}

// Register adds or replaces the driver stored under key for a channel.
func (r *Registry) Register(channel, key string, d domain.Driver) {
	r.mu.Lock()
	a, ok := r.adapters[channel]
	if !ok {
		a = newAdapter(channel)
		r.adapters[channel] = a
	}
	r.mu.Unlock()

	a.mu.Lock()
	a.drivers[key] = d
	a.mu.Unlock()
}

// Adapter returns the adapter for channel. Unknown channels fall back to
// WhatsApp.
func (r *Registry) Adapter(channel string) *Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[channel]; ok {
		return a
	}
	return r.adapters[ChannelWhatsApp]
}

// Channels lists the configured channels.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Deliver sends text to a customer using the driver the policy selects for
// the channel. The returned id is the provider message id.
func (r *Registry) Deliver(ctx context.Context, policy *domain.RoutingPolicy, channel, to, text string, media *domain.Media) (string, error) {
	a := r.Adapter(channel)
	if a == nil {
		return "", fmt.Errorf("no adapter for channel %q", channel)
	}
	key := policy.DriverFor(a.channel)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	id, err := a.Send(ctx, key, to, text, media)
	metrics.Delivery(a.channel, key, err == nil)
	if err != nil {
		r.logger.Error("delivery failed", "channel", a.channel, "driver", key, "to", to, "err", err)
		return "", fmt.Errorf("deliver via %s/%s: %w", a.channel, key, err)
	}

	r.logger.Info("delivered",
		"channel", a.channel,
		"driver", key,
		"external_id", id,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return id, nil
}
