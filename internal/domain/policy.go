package domain

import (
	"context"
	"time"
)

// RoutingPolicy is the per-tenant routing configuration. It is read fresh
// for every inbound message and never mutated by the core.
type RoutingPolicy struct {
	TenantID             string            `yaml:"tenant" json:"tenant"`
	AutoRespondThreshold int               `yaml:"auto_respond_threshold" json:"autoRespondThreshold"`
	ReviewThreshold      int               `yaml:"review_threshold" json:"reviewThreshold"`
	AutoSendDelay        int               `yaml:"auto_send_delay" json:"autoSendDelay"` // seconds, 0 disables
	ForbiddenTopics      []string          `yaml:"forbidden_topics" json:"forbiddenTopics"`
	FallbackMessage      string            `yaml:"fallback_message" json:"fallbackMessage"`
	Instructions         string            `yaml:"instructions" json:"instructions"`
	Drivers              map[string]string `yaml:"drivers" json:"drivers"` // channel -> driver key
}

// Delay returns the delayed auto-send interval.
func (p *RoutingPolicy) Delay() time.Duration {
	if p.AutoSendDelay <= 0 {
		return 0
	}
	return time.Duration(p.AutoSendDelay) * time.Second
}

// DriverFor returns the configured driver key for a channel, "mock" if unset.
func (p *RoutingPolicy) DriverFor(channel string) string {
	if p != nil && p.Drivers != nil {
		if d := p.Drivers[channel]; d != "" {
			return d
		}
	}
	return "mock"
}

// PolicySource resolves the current policy for a tenant.
type PolicySource interface {
	Policy(ctx context.Context, tenantID string) (*RoutingPolicy, error)
}

// Route derives the lifecycle status for an admitted agent reply and
// whether a delayed auto-send timer should be armed for it.
// Out-of-scope replies always wait for a human regardless of confidence.
func (p *RoutingPolicy) Route(class Classification, confidence int) (MessageStatus, bool) {
	switch {
	case class == ClassOutOfScope:
		return StatusPending, false
	case confidence >= p.AutoRespondThreshold:
		return StatusSent, false
	case confidence >= p.ReviewThreshold:
		return StatusPending, p.AutoSendDelay > 0
	default:
		return StatusPending, false
	}
}
