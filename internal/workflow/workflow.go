// Package workflow owns the lifecycle of agent replies after the decision
// engine has routed them: admission, operator actions, the delayed
// auto-send timer and delivery receipts.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"replyguard/internal/bus"
	"replyguard/internal/decision"
	"replyguard/internal/domain"
	"replyguard/internal/metrics"
	"replyguard/internal/store"
)

var (
	ErrNotFound     = errors.New("message not found")
	ErrNotPending   = errors.New("message is not pending")
	ErrEmptyContent = errors.New("content must not be empty")
	ErrBlocked      = errors.New("blocked outcomes are not admitted")
	ErrNoFallback   = errors.New("outcome has no deliverable fallback")
)

type Config struct {
	Store     domain.MessageStore
	Deliverer domain.Deliverer
	Policies  domain.PolicySource
	Events    *bus.EventBus
	Scheduler Scheduler          // default: wall-clock timers
	Currency  string             // order currency, default CRC
	Audit     domain.AuditLogger // default: Store
	Logger    *slog.Logger
}

type Workflow struct {
	store     domain.MessageStore
	deliverer domain.Deliverer
	policies  domain.PolicySource
	events    *bus.EventBus
	auditor   domain.AuditLogger
	sched     Scheduler
	currency  string
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	timers map[int64]Timer
	closed bool
}

func New(cfg Config) *Workflow {
	if cfg.Scheduler == nil {
		cfg.Scheduler = WallClock{}
	}
	if cfg.Currency == "" {
		cfg.Currency = "CRC"
	}
	if cfg.Audit == nil {
		cfg.Audit = cfg.Store
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Workflow{
		store:     cfg.Store,
		deliverer: cfg.Deliverer,
		policies:  cfg.Policies,
		events:    cfg.Events,
		auditor:   cfg.Audit,
		sched:     cfg.Scheduler,
		currency:  cfg.Currency,
		logger:    cfg.Logger,
		now:       time.Now,
		timers:    make(map[int64]Timer),
	}
}

// Admit persists the agent reply for a routed outcome. Replies routed to
// sent are delivered immediately; pending replies wait for an operator and
// may get a delayed auto-send timer.
func (w *Workflow) Admit(ctx context.Context, conv *domain.Conversation, policy *domain.RoutingPolicy, out *decision.Outcome) (*domain.Message, error) {
	if out.Blocked {
		return nil, ErrBlocked
	}

	meta := out.Metadata()
	meta.TriggeredKeywords = out.TriggeredKeywords
	var delay time.Duration
	if out.Status == domain.StatusPending && out.ArmTimer {
		delay = policy.Delay()
		at := w.now().Add(delay).UTC()
		meta.AutoSendAt = &at
	}

	msg := &domain.Message{
		ConversationID: conv.ID,
		Sender:         domain.SenderAgent,
		Content:        out.Response,
		Status:         out.Status,
		IsAIGenerated:  true,
		Confidence:     out.Confidence,
		Classification: out.Classification,
		Metadata:       meta,
	}
	if err := w.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist reply: %w", err)
	}
	w.emit(bus.EventMessageCreated, conv, msg)

	switch msg.Status {
	case domain.StatusSent:
		w.audit(ctx, domain.ActionAutoSend, domain.ActorSystem, msg.ID,
			fmt.Sprintf("confidence %d >= %d", msg.Confidence, policy.AutoRespondThreshold))
		w.deliver(ctx, conv, policy, msg)
		w.createOrder(ctx, conv, msg)
	case domain.StatusPending:
		metrics.ManualReviews.Inc()
		if delay > 0 {
			w.arm(msg.ID, delay)
		}
	}

	w.logger.Info("reply admitted",
		"message_id", msg.ID,
		"conversation", conv.ID,
		"status", msg.Status,
		"confidence", msg.Confidence,
		"auto_send_in", delay,
	)
	return msg, nil
}

// Fallback delivers the tenant's fallback text after a classifier fault so
// the customer is not left without an answer. The reply is stored as sent
// with confidence 0, is not AI generated and never creates an order.
// Violations and unconfigured tenants have no fallback.
func (w *Workflow) Fallback(ctx context.Context, conv *domain.Conversation, policy *domain.RoutingPolicy, out *decision.Outcome) (*domain.Message, error) {
	if !out.Blocked || out.Classification.IsViolation() || policy == nil || out.Response == "" {
		return nil, ErrNoFallback
	}

	msg := &domain.Message{
		ConversationID: conv.ID,
		Sender:         domain.SenderAgent,
		Content:        out.Response,
		Status:         domain.StatusSent,
		Classification: out.Classification,
		Metadata: domain.MessageMetadata{
			Reasoning: out.Reasoning,
			LatencyMs: out.LatencyMs,
		},
	}
	if err := w.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist fallback: %w", err)
	}
	w.emit(bus.EventMessageCreated, conv, msg)
	w.audit(ctx, domain.ActionFallbackSend, domain.ActorSystem, msg.ID, string(out.AuditStatus)+": "+out.Reasoning)
	w.deliver(ctx, conv, policy, msg)

	w.logger.Warn("fallback reply sent",
		"message_id", msg.ID,
		"conversation", conv.ID,
		"audit_status", out.AuditStatus,
	)
	return msg, nil
}

// deliver sends msg to the conversation's customer. Failures are logged
// and broadcast; the message keeps its status.
func (w *Workflow) deliver(ctx context.Context, conv *domain.Conversation, policy *domain.RoutingPolicy, msg *domain.Message) {
	externalID, err := w.deliverer.Deliver(ctx, policy, conv.Channel, conv.SenderID, msg.Content, nil)
	if err != nil {
		w.logger.Error("reply delivery failed", "message_id", msg.ID, "channel", conv.Channel, "err", err)
		if w.events != nil {
			w.events.Emit(bus.Event{
				Type:   bus.EventDeliveryFailed,
				Source: "workflow",
				Payload: map[string]any{
					"message_id":      msg.ID,
					"conversation_id": conv.ID,
					"channel":         conv.Channel,
					"error":           err.Error(),
				},
			})
		}
		return
	}

	if err := w.store.SetExternalID(ctx, msg.ID, externalID); err != nil {
		w.logger.Error("store external id failed", "message_id", msg.ID, "external_id", externalID, "err", err)
		return
	}
	msg.ExternalID = externalID
}

// policyFor resolves the tenant policy fresh for a delivery.
func (w *Workflow) policyFor(ctx context.Context, conv *domain.Conversation) (*domain.RoutingPolicy, error) {
	if w.policies == nil {
		return &domain.RoutingPolicy{TenantID: conv.TenantID}, nil
	}
	p, err := w.policies.Policy(ctx, conv.TenantID)
	if err != nil {
		return nil, fmt.Errorf("policy for tenant %s: %w", conv.TenantID, err)
	}
	return p, nil
}

// load returns a message and its conversation, mapping store misses to
// ErrNotFound.
func (w *Workflow) load(ctx context.Context, id int64) (*domain.Message, *domain.Conversation, error) {
	msg, err := w.store.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	conv, err := w.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("conversation of message %d: %w", id, err)
	}
	return msg, conv, nil
}

// notPending explains why a conditional update on id matched no row.
func (w *Workflow) notPending(ctx context.Context, id int64) error {
	msg, err := w.store.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("message %d is %s: %w", id, msg.Status, ErrNotPending)
}

func (w *Workflow) audit(ctx context.Context, action domain.AuditAction, actor string, messageID int64, details string) {
	err := w.auditor.LogAudit(ctx, domain.AuditEntry{
		Action:    action,
		Actor:     actor,
		MessageID: messageID,
		Details:   details,
	})
	if err != nil {
		w.logger.Error("audit write failed", "action", action, "message_id", messageID, "err", err)
	}
}

func (w *Workflow) emit(eventType string, conv *domain.Conversation, msg *domain.Message) {
	if w.events == nil {
		return
	}
	w.events.Emit(bus.Event{
		Type:   eventType,
		Source: "workflow",
		Payload: map[string]any{
			"tenant_id":       conv.TenantID,
			"conversation_id": conv.ID,
			"channel":         conv.Channel,
			"message":         *msg,
		},
	})
}
