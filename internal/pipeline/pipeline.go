// Package pipeline runs every inbound customer message through the
// guardrail, the external classifier and the decision engine, then hands
// routed replies to the HITL workflow.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"replyguard/internal/bus"
	"replyguard/internal/decision"
	"replyguard/internal/domain"
	"replyguard/internal/metrics"
	"replyguard/internal/policy"
)

const (
	defaultConcurrency  = 5
	defaultHistoryLimit = 10
	defaultChannel      = "whatsapp"
	defaultDrainTimeout = 30 * time.Second
)

var ErrEmptyMessage = errors.New("inbound message has no content")

// Guardrail is the keyword pre-scan.
type Guardrail interface {
	Classify(text string, forbiddenTopics []string) domain.GuardrailResult
}

// Decider turns a guardrail result into a routing outcome.
type Decider interface {
	Evaluate(ctx context.Context, in decision.Input) *decision.Outcome
}

// Admitter persists and routes an allowed reply, and sends the fallback
// text when the classifier failed.
type Admitter interface {
	Admit(ctx context.Context, conv *domain.Conversation, policy *domain.RoutingPolicy, out *decision.Outcome) (*domain.Message, error)
	Fallback(ctx context.Context, conv *domain.Conversation, policy *domain.RoutingPolicy, out *decision.Outcome) (*domain.Message, error)
}

type Config struct {
	Bus          domain.MessageBus
	Store        domain.MessageStore
	Policies     domain.PolicySource
	Guardrail    Guardrail
	Decider      Decider
	Workflow     Admitter
	Events       *bus.EventBus
	HistoryLimit int // prior messages passed to the classifier
	Concurrency  int // max messages processed in parallel
	// DrainTimeout bounds how long Run waits for in-flight messages on
	// shutdown before cancelling them.
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// Result describes what happened to one inbound message.
type Result struct {
	Conversation *domain.Conversation
	Inbound      *domain.Message
	Outcome      *decision.Outcome
	Reply        *domain.Message // nil when nothing was sent or queued for the customer
}

type Pipeline struct {
	bus          domain.MessageBus
	store        domain.MessageStore
	policies     domain.PolicySource
	guardrail    Guardrail
	decider      Decider
	workflow     Admitter
	events       *bus.EventBus
	historyLimit int
	concurrency  int
	drainTimeout time.Duration
	logger       *slog.Logger
}

func New(cfg Config) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		bus:          cfg.Bus,
		store:        cfg.Store,
		policies:     cfg.Policies,
		guardrail:    cfg.Guardrail,
		decider:      cfg.Decider,
		workflow:     cfg.Workflow,
		events:       cfg.Events,
		historyLimit: cfg.HistoryLimit,
		concurrency:  cfg.Concurrency,
		drainTimeout: cfg.DrainTimeout,
		logger:       cfg.Logger,
	}
}

// Run consumes the inbound bus with bounded concurrency until ctx is done
// or the bus is closed. Messages are processed under a context detached
// from ctx: on shutdown, messages already queued on the bus are still
// dispatched and in-flight ones get up to the drain timeout to finish.
func (p *Pipeline) Run(ctx context.Context) {
	p.logger.Info("pipeline started", "concurrency", p.concurrency)

	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	defer p.wait(&wg, cancelWork)

	inbound := p.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			n := p.drain(work, inbound, sem, &wg)
			p.logger.Info("pipeline stopping", "drained", n)
			return
		case msg, ok := <-inbound:
			if !ok {
				p.logger.Info("inbound bus closed, pipeline stopping")
				return
			}
			p.dispatch(work, msg, sem, &wg)
		}
	}
}

// dispatch processes m on its own goroutine once a concurrency slot is free.
func (p *Pipeline) dispatch(ctx context.Context, m domain.InboundMessage, sem chan struct{}, wg *sync.WaitGroup) {
	sem <- struct{}{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { <-sem }()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("pipeline panic", "tenant", m.TenantID, "sender", m.SenderID, "panic", r)
			}
		}()
		if _, err := p.Process(ctx, m); err != nil {
			p.logger.Error("message processing failed",
				"tenant", m.TenantID,
				"channel", m.Channel,
				"sender", m.SenderID,
				"err", err,
			)
		}
	}()
}

// drain dispatches what is already buffered on the bus without waiting
// for new messages.
func (p *Pipeline) drain(ctx context.Context, inbound <-chan domain.InboundMessage, sem chan struct{}, wg *sync.WaitGroup) int {
	n := 0
	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				return n
			}
			p.dispatch(ctx, msg, sem, wg)
			n++
		default:
			return n
		}
	}
}

// wait blocks until in-flight messages finish, cancelling them once the
// drain timeout passes.
func (p *Pipeline) wait(wg *sync.WaitGroup, cancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.logger.Warn("drain timeout, cancelling in-flight messages", "timeout", p.drainTimeout)
		cancel()
		<-done
	}
}

// Process handles one inbound message synchronously.
func (p *Pipeline) Process(ctx context.Context, msg domain.InboundMessage) (*Result, error) {
	msg.Content = strings.TrimSpace(msg.Content)
	if msg.Content == "" {
		return nil, ErrEmptyMessage
	}
	if msg.Channel == "" {
		msg.Channel = defaultChannel
	}
	start := time.Now()

	pol := p.resolvePolicy(ctx, msg.TenantID)

	conv, err := p.store.GetOrCreateConversation(ctx, msg.TenantID, msg.Channel, msg.SenderID)
	if err != nil {
		return nil, fmt.Errorf("conversation: %w", err)
	}

	var forbidden []string
	if pol != nil {
		forbidden = pol.ForbiddenTopics
	}
	g := p.guardrail.Classify(msg.Content, forbidden)

	inbound := &domain.Message{
		ConversationID: conv.ID,
		Sender:         domain.SenderUser,
		Content:        msg.Content,
		Status:         domain.StatusDelivered,
		Classification: g.Classification,
		IsViolation:    g.Classification.IsViolation(),
		ExternalID:     msg.ExternalID,
		CreatedAt:      msg.Timestamp,
	}
	if err := p.store.CreateMessage(ctx, inbound); err != nil {
		return nil, fmt.Errorf("persist inbound: %w", err)
	}
	metrics.InboundTotal.Inc()
	p.emit(bus.EventInboundReceived, map[string]any{
		"tenant_id":       conv.TenantID,
		"conversation_id": conv.ID,
		"channel":         conv.Channel,
		"message":         *inbound,
	})

	history := p.history(ctx, conv.ID, inbound.ID)

	out := p.decider.Evaluate(ctx, decision.Input{
		TenantID:       msg.TenantID,
		ConversationID: conv.ID,
		Text:           msg.Content,
		Guardrail:      g,
		Policy:         pol,
		History:        history,
	})
	metrics.AIRequest(string(out.AuditStatus))
	if out.LatencyMs > 0 {
		metrics.RequestLatency.Observe(float64(out.LatencyMs))
	}

	res := &Result{Conversation: conv, Inbound: inbound, Outcome: out}

	if out.Blocked {
		reply, err := p.blocked(ctx, conv, pol, inbound, out)
		res.Reply = reply
		if err != nil {
			return res, fmt.Errorf("fallback reply: %w", err)
		}
		return res, nil
	}

	reply, err := p.workflow.Admit(ctx, conv, pol, out)
	if err != nil {
		return res, fmt.Errorf("admit reply: %w", err)
	}
	res.Reply = reply

	p.logger.Info("message processed",
		"tenant", conv.TenantID,
		"conversation", conv.ID,
		"classification", out.Classification,
		"confidence", out.Confidence,
		"status", reply.Status,
		"elapsed", time.Since(start),
	)
	return res, nil
}

// resolvePolicy reads the tenant policy fresh. Any failure leaves the
// tenant unconfigured for this message.
func (p *Pipeline) resolvePolicy(ctx context.Context, tenantID string) *domain.RoutingPolicy {
	if p.policies == nil {
		return nil
	}
	pol, err := p.policies.Policy(ctx, tenantID)
	if err != nil {
		if errors.Is(err, policy.ErrUnconfigured) {
			p.logger.Warn("tenant not configured", "tenant", tenantID)
		} else {
			p.logger.Error("policy lookup failed", "tenant", tenantID, "err", err)
		}
		return nil
	}
	return pol
}

// history returns prior turns of the conversation, oldest first, without
// the message being processed. Agent replies count only once sent.
func (p *Pipeline) history(ctx context.Context, convID string, currentID int64) []domain.ContextMessage {
	msgs, err := p.store.RecentMessages(ctx, convID, p.historyLimit+1)
	if err != nil {
		p.logger.Warn("failed to load history, continuing without it", "conversation", convID, "err", err)
		return nil
	}

	var out []domain.ContextMessage
	for _, m := range msgs {
		if m.ID == currentID {
			continue
		}
		switch m.Sender {
		case domain.SenderUser:
			out = append(out, domain.ContextMessage{Role: "user", Content: m.Content})
		case domain.SenderAgent:
			if m.Status == domain.StatusPending || m.Status == domain.StatusExpired {
				continue
			}
			out = append(out, domain.ContextMessage{Role: "assistant", Content: m.Content})
		}
	}
	if len(out) > p.historyLimit {
		out = out[len(out)-p.historyLimit:]
	}
	return out
}

// blocked routes the text of a blocked outcome. Classifier faults send
// the tenant fallback to the customer. An unconfigured tenant gets nothing
// delivered; its canned text goes to the dashboard. Violations never reach
// delivery; the canned reply travels in the security alert.
func (p *Pipeline) blocked(ctx context.Context, conv *domain.Conversation, pol *domain.RoutingPolicy, inbound *domain.Message, out *decision.Outcome) (*domain.Message, error) {
	if !out.Classification.IsViolation() {
		p.logger.Warn("reply withheld",
			"tenant", conv.TenantID,
			"conversation", conv.ID,
			"audit_status", out.AuditStatus,
			"reason", out.Reasoning,
		)
		if out.AuditStatus == domain.AuditUnconfigured || pol == nil {
			p.emit(bus.EventReplyWithheld, map[string]any{
				"tenant_id":       conv.TenantID,
				"conversation_id": conv.ID,
				"channel":         conv.Channel,
				"message_id":      inbound.ID,
				"audit_status":    string(out.AuditStatus),
				"reason":          out.Reasoning,
				"response":        out.Response,
			})
			return nil, nil
		}
		return p.workflow.Fallback(ctx, conv, pol, out)
	}

	metrics.SecurityViolation(string(out.Classification))
	p.logger.Warn("security violation blocked",
		"tenant", conv.TenantID,
		"conversation", conv.ID,
		"classification", out.Classification,
		"source", out.Source,
		"keywords", len(out.TriggeredKeywords),
	)
	p.emit(bus.EventSecurityAlert, map[string]any{
		"tenant_id":          conv.TenantID,
		"conversation_id":    conv.ID,
		"channel":            conv.Channel,
		"sender_id":          conv.SenderID,
		"message_id":         inbound.ID,
		"classification":     string(out.Classification),
		"confidence":         out.Confidence,
		"triggered_keywords": out.TriggeredKeywords,
		"source":             out.Source,
		"response":           out.Response,
	})
	return nil, nil
}

func (p *Pipeline) emit(eventType string, payload map[string]any) {
	if p.events == nil {
		return
	}
	p.events.Emit(bus.Event{Type: eventType, Source: "pipeline", Payload: payload})
}
