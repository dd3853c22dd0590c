package domain

import (
	"context"
	"time"
)

// MessageStore handles persistent storage of conversations, messages,
// orders and both audit streams.
type MessageStore interface {
	AuditLogger

	GetOrCreateConversation(ctx context.Context, tenantID, channel, senderID string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id int64) (*Message, error)
	ListMessages(ctx context.Context, convID string) ([]Message, error)
	RecentMessages(ctx context.Context, convID string, limit int) ([]Message, error)
	ListPending(ctx context.Context, limit int) ([]Message, error)

	// TransitionStatus moves a message from one status to another only if it
	// is currently in from. It reports whether the row changed.
	TransitionStatus(ctx context.Context, id int64, from, to MessageStatus) (bool, error)
	// UpdatePendingContent replaces the content of a pending message.
	UpdatePendingContent(ctx context.Context, id int64, content string) (bool, error)
	// DeletePending removes a pending message.
	DeletePending(ctx context.Context, id int64) (bool, error)
	SetExternalID(ctx context.Context, id int64, externalID string) error
	// ApplyReceipt moves the sent message carrying externalID to status.
	// A second receipt for the same id is a no-op.
	ApplyReceipt(ctx context.Context, externalID string, status MessageStatus) (*Message, bool, error)
	// ExpirePending moves every pending message created before cutoff to
	// expired in one transaction.
	ExpirePending(ctx context.Context, cutoff time.Time) (int64, error)

	CreateOrder(ctx context.Context, order *Order) error

	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	ListSecurityAudit(ctx context.Context, limit int) ([]SecurityAuditRecord, error)

	Close() error
}
