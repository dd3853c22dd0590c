// Package decision turns a guardrail result plus the external classifier's
// answer into one routing outcome and writes the security audit record.
package decision

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"replyguard/internal/domain"
)

type Config struct {
	// ClassifierTimeout bounds one external classifier call.
	ClassifierTimeout time.Duration
	// LatencyCeiling marks slower round trips as Latency_Violation.
	LatencyCeiling time.Duration
	Logger         *slog.Logger
}

// Input is everything needed to decide on one inbound message.
// A nil Policy means the tenant is unconfigured.
type Input struct {
	TenantID       string
	ConversationID string
	Text           string
	Guardrail      domain.GuardrailResult
	Policy         *domain.RoutingPolicy
	History        []domain.ContextMessage
}

// Outcome is the routing decision for one inbound message.
type Outcome struct {
	Verdict

	Response    string
	AuditStatus domain.AuditStatus
	// Status and ArmTimer are only meaningful when Blocked is false.
	Status   domain.MessageStatus
	ArmTimer bool

	TriggeredKeywords     []string
	Intent                string
	Tone                  string
	Domain                string
	Model                 string
	LatencyMs             int64
	TokensUsed            int
	RequiresOrderCreation bool
	OrderDetails          []domain.OrderItem
}

// FinalStatus is the message status recorded in the audit trail.
func (o *Outcome) FinalStatus() string {
	if o.Blocked {
		return "blocked"
	}
	return string(o.Status)
}

// Metadata returns the fields persisted alongside an admitted reply.
func (o *Outcome) Metadata() domain.MessageMetadata {
	return domain.MessageMetadata{
		Intent:                o.Intent,
		Reasoning:             o.Reasoning,
		Tone:                  o.Tone,
		Domain:                o.Domain,
		Model:                 o.Model,
		LatencyMs:             o.LatencyMs,
		RequiresOrderCreation: o.RequiresOrderCreation,
		OrderDetails:          o.OrderDetails,
	}
}

type Engine struct {
	classifier domain.Classifier
	audit      domain.AuditLogger
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

func NewEngine(classifier domain.Classifier, audit domain.AuditLogger, cfg Config) *Engine {
	if cfg.ClassifierTimeout <= 0 {
		cfg.ClassifierTimeout = 60 * time.Second
	}
	if cfg.LatencyCeiling <= 0 {
		cfg.LatencyCeiling = 8 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{classifier: classifier, audit: audit, cfg: cfg, logger: logger, now: time.Now}
}

// Evaluate decides on one message. It never returns an error: classifier
// and policy faults degrade to a blocked outcome carrying the fallback
// reply. The security audit record is written before Evaluate returns.
func (e *Engine) Evaluate(ctx context.Context, in Input) *Outcome {
	out := e.evaluate(ctx, in)

	rec := domain.SecurityAuditRecord{
		TenantID:          in.TenantID,
		ConversationID:    in.ConversationID,
		Classification:    out.Classification,
		Confidence:        out.Confidence,
		LatencyMs:         out.LatencyMs,
		TokensUsed:        out.TokensUsed,
		Status:            out.AuditStatus,
		FinalStatus:       out.FinalStatus(),
		Reasoning:         out.Reasoning,
		Response:          out.Response,
		TriggeredKeywords: out.TriggeredKeywords,
	}
	if e.audit != nil {
		if err := e.audit.LogSecurity(ctx, rec); err != nil {
			e.logger.Error("security audit write failed", "conversation", in.ConversationID, "err", err)
		}
	}
	return out
}

func (e *Engine) evaluate(ctx context.Context, in Input) *Outcome {
	g := in.Guardrail

	if g.Classification.IsViolation() {
		out := &Outcome{
			Verdict:           Decide(g, nil),
			AuditStatus:       domain.AuditBlocked,
			TriggeredKeywords: g.TriggeredKeywords,
		}
		out.Response = safeResponse(out.Classification, in.Text, g.TriggeredKeywords)
		return out
	}

	if in.Policy == nil || e.classifier == nil {
		return &Outcome{
			Verdict: Verdict{
				Classification: g.Classification,
				Blocked:        true,
				Source:         SourceFallback,
				Reasoning:      "tenant not configured",
			},
			Response:    UnconfiguredMessage,
			AuditStatus: domain.AuditUnconfigured,
		}
	}

	fallback := in.Policy.FallbackMessage
	if strings.TrimSpace(fallback) == "" {
		fallback = DefaultFallbackMessage
	}

	req := domain.ClassifierRequest{
		TenantID:        in.TenantID,
		ConversationID:  in.ConversationID,
		Text:            in.Text,
		Instructions:    in.Policy.Instructions,
		ForbiddenTopics: in.Policy.ForbiddenTopics,
		History:         in.History,
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ClassifierTimeout)
	start := e.now()
	res, err := e.classifier.Classify(callCtx, req)
	latency := e.now().Sub(start)
	cancel()

	if err != nil {
		status := domain.AuditError
		reason := "classifier error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			status = domain.AuditLatencyViolation
			reason = "classifier timed out"
		}
		e.logger.Warn("classifier call failed",
			"classifier", e.classifier.Name(),
			"conversation", in.ConversationID,
			"latency_ms", latency.Milliseconds(),
			"err", err,
		)
		return &Outcome{
			Verdict: Verdict{
				Classification: g.Classification,
				Blocked:        true,
				Source:         SourceFallback,
				Reasoning:      reason,
			},
			Response:    fallback,
			AuditStatus: status,
			LatencyMs:   latency.Milliseconds(),
		}
	}

	out := &Outcome{
		Verdict:               Decide(g, res),
		Intent:                res.Intent,
		Tone:                  res.Tone,
		Domain:                res.Domain,
		Model:                 res.Model,
		TokensUsed:            res.TokensUsed,
		LatencyMs:             latency.Milliseconds(),
		RequiresOrderCreation: res.RequiresOrderCreation,
		OrderDetails:          res.OrderDetails,
		TriggeredKeywords:     g.TriggeredKeywords,
		AuditStatus:           domain.AuditSuccess,
	}
	if res.Malformed {
		out.Reasoning += "; classifier output unparsable, defaults applied"
	}

	if out.Blocked {
		out.AuditStatus = domain.AuditBlocked
		out.Response = safeResponse(out.Classification, in.Text, nil)
		out.RequiresOrderCreation = false
		out.OrderDetails = nil
		return out
	}

	out.Response = res.Reply
	if strings.TrimSpace(out.Response) == "" {
		out.Response = fallback
		out.Confidence = 0
		out.Reasoning += "; empty reply replaced by fallback"
	}
	out.Status, out.ArmTimer = in.Policy.Route(out.Classification, out.Confidence)

	if latency > e.cfg.LatencyCeiling {
		out.AuditStatus = domain.AuditLatencyViolation
		e.logger.Warn("classifier latency above ceiling",
			"latency_ms", latency.Milliseconds(),
			"ceiling_ms", e.cfg.LatencyCeiling.Milliseconds(),
		)
	}
	return out
}
