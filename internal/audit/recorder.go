package audit

import (
	"context"
	"log/slog"
	"time"

	"replyguard/internal/domain"
)

// Recorder writes audit records to the primary store and mirrors them to
// the chain when one is configured. A mirror failure is logged and never
// fails the caller.
type Recorder struct {
	primary domain.AuditLogger
	chain   *Chain
	logger  *slog.Logger
}

var _ domain.AuditLogger = (*Recorder)(nil)

func NewRecorder(primary domain.AuditLogger, chain *Chain, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{primary: primary, chain: chain, logger: logger}
}

func (r *Recorder) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	if err := r.primary.LogAudit(ctx, entry); err != nil {
		return err
	}
	r.mirror(Entry{
		Timestamp: stamp(entry.CreatedAt),
		Stream:    StreamAction,
		Action:    string(entry.Action),
		Actor:     entry.Actor,
		MessageID: entry.MessageID,
		Details:   entry.Details,
	})
	return nil
}

func (r *Recorder) LogSecurity(ctx context.Context, rec domain.SecurityAuditRecord) error {
	if err := r.primary.LogSecurity(ctx, rec); err != nil {
		return err
	}
	r.mirror(Entry{
		Timestamp:      stamp(rec.CreatedAt),
		Stream:         StreamSecurity,
		MessageID:      rec.MessageID,
		TenantID:       rec.TenantID,
		ConversationID: rec.ConversationID,
		Classification: string(rec.Classification),
		Confidence:     rec.Confidence,
		Status:         string(rec.Status),
		FinalStatus:    rec.FinalStatus,
		Keywords:       rec.TriggeredKeywords,
		Details:        rec.Reasoning,
		Response:       rec.Response,
	})
	return nil
}

func (r *Recorder) mirror(e Entry) {
	if r.chain == nil {
		return
	}
	if err := r.chain.Record(e); err != nil {
		r.logger.Error("audit chain write failed", "path", r.chain.Path(), "stream", e.Stream, "err", err)
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timestampLayout)
}
