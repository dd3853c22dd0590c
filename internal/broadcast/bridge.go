package broadcast

import (
	"context"

	"replyguard/internal/bus"
)

var wireTypes = map[string]string{
	bus.EventInboundReceived: TypeNewMessage,
	bus.EventMessageCreated:  TypeNewMessage,
	bus.EventMessageUpdated:  TypeMessageUpdate,
	bus.EventMessageDeleted:  TypeMessageDeleted,
	bus.EventMessagesExpired: TypeMessagesExpired,
	bus.EventSecurityAlert:   TypeSecurityAlert,
	bus.EventReplyWithheld:   TypeReplyWithheld,
}

// Attach forwards lifecycle events from the event bus to the hub. Events
// are emitted after the store commit, so dashboards never see a state the
// database does not hold.
func Attach(ctx context.Context, events *bus.EventBus, hub *Hub) {
	for eventType, wire := range wireTypes {
		events.On(eventType, func(e bus.Event) {
			hub.Broadcast(ctx, Envelope{Type: wire, Data: e.Payload, Timestamp: e.Timestamp.UTC()})
		})
	}
}
