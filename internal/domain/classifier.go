package domain

import "context"

// ContextMessage is one prior turn passed to the classifier.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ClassifierRequest carries everything the external classifier needs for
// one message. History is loaded per call from the conversation store.
type ClassifierRequest struct {
	TenantID        string
	ConversationID  string
	Text            string
	Instructions    string
	ForbiddenTopics []string
	History         []ContextMessage
}

// ClassifierResult is the structured contract an LLM/NLU backend returns.
type ClassifierResult struct {
	Reply                 string         `json:"reply"`
	Domain                string         `json:"domain"`
	Classification        Classification `json:"classification"`
	Intent                string         `json:"intent"`
	OutOfKnowledge        bool           `json:"out_of_knowledge"`
	Tone                  string         `json:"tone"`
	Confidence            int            `json:"confidence"`
	RequiresOrderCreation bool           `json:"requires_order_creation"`
	OrderDetails          []OrderItem    `json:"order_details,omitempty"`

	Model      string `json:"-"`
	TokensUsed int    `json:"-"`
	Malformed  bool   `json:"-"` // output could not be parsed, fallback applied
}

// Classifier is an external reply generator plus classifier.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, req ClassifierRequest) (*ClassifierResult, error)
	Healthy(ctx context.Context) error
}
