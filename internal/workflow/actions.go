package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"replyguard/internal/bus"
	"replyguard/internal/domain"
	"replyguard/internal/metrics"
	"replyguard/internal/store"
)

// Approve moves a pending reply to sent and delivers it. Approving a
// message that is no longer pending returns ErrNotPending and sends
// nothing.
func (w *Workflow) Approve(ctx context.Context, id int64, actor string) (*domain.Message, error) {
	msg, conv, err := w.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Status != domain.StatusPending {
		return nil, fmt.Errorf("message %d is %s: %w", id, msg.Status, ErrNotPending)
	}
	policy, err := w.policyFor(ctx, conv)
	if err != nil {
		return nil, err
	}

	ok, err := w.store.TransitionStatus(ctx, id, domain.StatusPending, domain.StatusSent)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, w.notPending(ctx, id)
	}
	w.cancel(id)
	metrics.Approvals.Inc()

	// Re-read so the edited content, if any, is what goes out.
	if fresh, err := w.store.GetMessage(ctx, id); err == nil {
		msg = fresh
	} else {
		msg.Status = domain.StatusSent
	}

	w.audit(ctx, domain.ActionApprove, actor, id, "")
	w.emit(bus.EventMessageUpdated, conv, msg)
	w.deliver(ctx, conv, policy, msg)
	w.createOrder(ctx, conv, msg)

	w.logger.Info("reply approved", "message_id", id, "actor", actor)
	return msg, nil
}

// Reject deletes a pending reply. Nothing is delivered.
func (w *Workflow) Reject(ctx context.Context, id int64, actor string) error {
	msg, conv, err := w.load(ctx, id)
	if err != nil {
		return err
	}

	ok, err := w.store.DeletePending(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return w.notPending(ctx, id)
	}
	w.cancel(id)
	metrics.Rejections.Inc()

	w.audit(ctx, domain.ActionReject, actor, id, "")
	if w.events != nil {
		w.events.Emit(bus.Event{
			Type:   bus.EventMessageDeleted,
			Source: "workflow",
			Payload: map[string]any{
				"tenant_id":       conv.TenantID,
				"conversation_id": msg.ConversationID,
				"message_id":      id,
			},
		})
	}

	w.logger.Info("reply rejected", "message_id", id, "actor", actor)
	return nil
}

// Edit replaces the content of a pending reply. The status and any armed
// timer are unchanged; the timer sends the edited text.
func (w *Workflow) Edit(ctx context.Context, id int64, content, actor string) (*domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	msg, conv, err := w.load(ctx, id)
	if err != nil {
		return nil, err
	}

	ok, err := w.store.UpdatePendingContent(ctx, id, content)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, w.notPending(ctx, id)
	}
	msg.Content = content

	w.audit(ctx, domain.ActionEdit, actor, id, fmt.Sprintf("%d chars", len(content)))
	w.emit(bus.EventMessageUpdated, conv, msg)
	return msg, nil
}

// SendOperatorMessage stores an operator-authored reply as sent and
// delivers it right away.
func (w *Workflow) SendOperatorMessage(ctx context.Context, conversationID, content, actor string) (*domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	conv, err := w.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	policy, err := w.policyFor(ctx, conv)
	if err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ConversationID: conv.ID,
		Sender:         domain.SenderAgent,
		Content:        content,
		Status:         domain.StatusSent,
		Confidence:     100,
		Classification: domain.ClassInScope,
		Metadata:       domain.MessageMetadata{Reasoning: "operator message"},
	}
	if err := w.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist operator message: %w", err)
	}

	w.audit(ctx, domain.ActionOperatorSend, actor, msg.ID, "")
	w.emit(bus.EventMessageCreated, conv, msg)
	w.deliver(ctx, conv, policy, msg)
	return msg, nil
}

// HandleReceipt applies a channel delivery receipt. Unknown ids and
// repeated receipts report false without error.
func (w *Workflow) HandleReceipt(ctx context.Context, externalID string, status domain.MessageStatus) (bool, error) {
	if status != domain.StatusDelivered && status != domain.StatusFailed {
		return false, fmt.Errorf("receipt status %q is not delivered or failed", status)
	}
	msg, changed, err := w.store.ApplyReceipt(ctx, externalID, status)
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Debug("receipt for unknown message", "external_id", externalID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	w.audit(ctx, domain.ActionReceipt, domain.ActorChannel, msg.ID, string(status))
	if conv, err := w.store.GetConversation(ctx, msg.ConversationID); err == nil {
		w.emit(bus.EventMessageUpdated, conv, msg)
	}
	return true, nil
}
