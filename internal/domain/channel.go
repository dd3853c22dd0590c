package domain

import "context"

// Media is an optional attachment reference for outbound delivery.
type Media struct {
	URL  string
	Type string // image | audio | video | document
}

// Driver is the concrete transport behind a channel adapter (mock or live).
// Send returns the provider's message identifier.
type Driver interface {
	Name() string
	Send(ctx context.Context, to, text string, media *Media) (string, error)
}

// Deliverer sends approved content to a customer over a named channel using
// the tenant's driver selection.
type Deliverer interface {
	Deliver(ctx context.Context, policy *RoutingPolicy, channel, to, text string, media *Media) (string, error)
}
