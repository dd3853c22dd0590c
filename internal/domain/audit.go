package domain

import (
	"context"
	"time"
)

// AuditStatus is the outcome recorded for one processed inbound message.
type AuditStatus string

const (
	AuditSuccess          AuditStatus = "Success"
	AuditBlocked          AuditStatus = "Blocked"
	AuditLatencyViolation AuditStatus = "Latency_Violation" // slow or timed-out classifier
	AuditError            AuditStatus = "Error"
	AuditUnconfigured     AuditStatus = "Unconfigured"
)

// SecurityAuditRecord is written once per processed message and never updated.
type SecurityAuditRecord struct {
	ID                int64          `json:"id"`
	TenantID          string         `json:"tenant_id"`
	ConversationID    string         `json:"conversation_id"`
	MessageID         int64          `json:"message_id,omitempty"`
	Classification    Classification `json:"classification"`
	Confidence        int            `json:"confidence"`
	LatencyMs         int64          `json:"latency_ms"`
	TokensUsed        int            `json:"tokens_used"`
	Status            AuditStatus    `json:"status"`
	FinalStatus       string         `json:"final_status"` // message status or "blocked"
	Reasoning         string         `json:"reasoning"`
	Response          string         `json:"response"` // text routed or withheld for this message
	TriggeredKeywords []string       `json:"triggered_keywords"`
	CreatedAt         time.Time      `json:"created_at"`
}

type AuditAction string

const (
	ActionApprove      AuditAction = "APPROVE_MESSAGE"
	ActionReject       AuditAction = "REJECT_MESSAGE"
	ActionEdit         AuditAction = "EDIT_MESSAGE"
	ActionAutoSend     AuditAction = "AUTO_SEND"
	ActionDelayedSend  AuditAction = "DELAYED_AUTO_SEND"
	ActionExpire       AuditAction = "EXPIRE"
	ActionReceipt      AuditAction = "RECEIPT"
	ActionOperatorSend AuditAction = "OPERATOR_SEND"
	ActionOrderCreated AuditAction = "ORDER_CREATED"
	ActionFallbackSend AuditAction = "FALLBACK_SEND"
)

// Well-known actors besides named operators.
const (
	ActorSystem  = "system"
	ActorTimer   = "timer"
	ActorSweeper = "sweeper"
	ActorChannel = "channel"
)

// AuditEntry records one lifecycle transition and who caused it.
type AuditEntry struct {
	ID        int64       `json:"id"`
	Action    AuditAction `json:"action"`
	Actor     string      `json:"actor"`
	MessageID int64       `json:"message_id,omitempty"`
	Details   string      `json:"details"`
	CreatedAt time.Time   `json:"created_at"`
}

// AuditLogger persists both audit streams.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry AuditEntry) error
	LogSecurity(ctx context.Context, rec SecurityAuditRecord) error
}
