package domain

import "time"

// InboundMessage is the normalized envelope handed to the pipeline by a
// webhook or transport. Provider payload parsing happens before this point.
type InboundMessage struct {
	TenantID   string
	Channel    string
	SenderID   string
	Content    string
	ExternalID string // provider message id, optional
	MediaURL   string
	MediaType  string
	Timestamp  time.Time
}

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
	StatusExpired   MessageStatus = "expired"
)

type SenderRole string

const (
	SenderUser   SenderRole = "user"
	SenderAgent  SenderRole = "agent"
	SenderSystem SenderRole = "system"
)

// Message is a persisted conversation message. Agent messages carry the
// routing outcome (status, confidence, classification).
type Message struct {
	ID             int64           `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Sender         SenderRole      `json:"sender"`
	Content        string          `json:"content"`
	Status         MessageStatus   `json:"status"`
	IsAIGenerated  bool            `json:"is_ai_generated"`
	Confidence     int             `json:"confidence"`
	Classification Classification  `json:"classification"`
	IsViolation    bool            `json:"is_violation"`
	Metadata       MessageMetadata `json:"metadata"`
	ExternalID     string          `json:"external_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// MessageMetadata is stored as JSON alongside the message.
type MessageMetadata struct {
	Intent                string      `json:"intent,omitempty"`
	Reasoning             string      `json:"reasoning,omitempty"`
	TriggeredKeywords     []string    `json:"triggered_keywords,omitempty"`
	Tone                  string      `json:"tone,omitempty"`
	Domain                string      `json:"domain,omitempty"`
	Model                 string      `json:"model,omitempty"`
	LatencyMs             int64       `json:"latency_ms,omitempty"`
	RequiresOrderCreation bool        `json:"requires_order_creation,omitempty"`
	OrderDetails          []OrderItem `json:"order_details,omitempty"`
	AutoSendAt            *time.Time  `json:"auto_send_at,omitempty"` // armed delayed auto-send
}

type OrderItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name,omitempty"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

type Order struct {
	ID             int64       `json:"id"`
	ConversationID string      `json:"conversation_id"`
	MessageID      int64       `json:"message_id"`
	Items          []OrderItem `json:"items"`
	TotalAmount    float64     `json:"total_amount"`
	Currency       string      `json:"currency"`
	Status         string      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
}

type Conversation struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Channel   string    `json:"channel"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
