package workflow

import (
	"context"
	"fmt"

	"replyguard/internal/domain"
)

const orderStatusPending = "pending"

// createOrder writes the order embedded in a sent reply's metadata. One
// order per message; failures never undo the send.
func (w *Workflow) createOrder(ctx context.Context, conv *domain.Conversation, msg *domain.Message) {
	meta := msg.Metadata
	if !meta.RequiresOrderCreation || len(meta.OrderDetails) == 0 {
		return
	}

	var total float64
	for _, item := range meta.OrderDetails {
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		total += float64(qty) * item.Price
	}

	order := &domain.Order{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Items:          meta.OrderDetails,
		TotalAmount:    total,
		Currency:       w.currency,
		Status:         orderStatusPending,
	}
	if err := w.store.CreateOrder(ctx, order); err != nil {
		w.logger.Error("order creation failed", "message_id", msg.ID, "err", err)
		return
	}
	w.audit(ctx, domain.ActionOrderCreated, domain.ActorSystem, msg.ID,
		fmt.Sprintf("%d items, total %.2f %s", len(order.Items), total, w.currency))
}
