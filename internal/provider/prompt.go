package provider

import (
	"strings"

	"replyguard/internal/domain"
)

const responseContract = `Respond with a single JSON object and nothing else:
{
  "reply": "the message to send to the customer",
  "domain": "commercial | support | general",
  "classification": "in_scope | out_of_scope | security_violation | legal_violation | medical_violation",
  "intent": "short intent label",
  "out_of_knowledge": false,
  "tone": "friendly | neutral | formal",
  "confidence": 0-100,
  "requires_order_creation": false,
  "order_details": [{"product_id": "", "name": "", "quantity": 1, "price": 0}]
}
confidence is how sure you are that the reply is correct and safe to send without human review.
Use out_of_scope when the question is unrelated to the business.
Set requires_order_creation only when the customer explicitly confirms a purchase.`

type turn struct {
	Role    string
	Content string
}

// buildPrompt returns the system prompt and the conversation turns ending
// with the customer's message.
func buildPrompt(req domain.ClassifierRequest) (string, []turn) {
	var sb strings.Builder
	sb.WriteString("You are the customer service agent of a business answering customers over chat.\n")
	if s := strings.TrimSpace(req.Instructions); s != "" {
		sb.WriteString("\nBusiness instructions:\n")
		sb.WriteString(s)
		sb.WriteString("\n")
	}
	if len(req.ForbiddenTopics) > 0 {
		sb.WriteString("\nNever discuss these topics; classify such messages as out_of_scope: ")
		sb.WriteString(strings.Join(req.ForbiddenTopics, ", "))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(responseContract)

	turns := make([]turn, 0, len(req.History)+1)
	for _, m := range req.History {
		role := m.Role
		switch role {
		case "user", "assistant":
		case "agent":
			role = "assistant"
		default:
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		turns = append(turns, turn{Role: role, Content: m.Content})
	}
	turns = append(turns, turn{Role: "user", Content: req.Text})
	return sb.String(), turns
}
