package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"replyguard/internal/domain"
)

func (s *SQLiteStore) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	var msgID sql.NullInt64
	if entry.MessageID != 0 {
		msgID = sql.NullInt64{Int64: entry.MessageID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (action, actor, message_id, details, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(entry.Action), entry.Actor, msgID, entry.Details, formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LogSecurity(ctx context.Context, rec domain.SecurityAuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	kws := rec.TriggeredKeywords
	if kws == nil {
		kws = []string{}
	}
	encoded, err := json.Marshal(kws)
	if err != nil {
		return err
	}
	var msgID sql.NullInt64
	if rec.MessageID != 0 {
		msgID = sql.NullInt64{Int64: rec.MessageID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO security_audit (tenant_id, conversation_id, message_id, classification, confidence,
			latency_ms, tokens_used, status, final_status, reasoning, response, triggered_keywords, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.ConversationID, msgID, string(rec.Classification), rec.Confidence,
		rec.LatencyMs, rec.TokensUsed, string(rec.Status), rec.FinalStatus, rec.Reasoning,
		rec.Response, string(encoded), formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert security audit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, actor, COALESCE(message_id, 0), COALESCE(details, ''), created_at
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var action, created string
		if err := rows.Scan(&e.ID, &action, &e.Actor, &e.MessageID, &e.Details, &created); err != nil {
			return nil, err
		}
		e.Action = domain.AuditAction(action)
		e.CreatedAt = parseTime(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) ListSecurityAudit(ctx context.Context, limit int) ([]domain.SecurityAuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, COALESCE(conversation_id, ''), COALESCE(message_id, 0), classification,
			confidence, latency_ms, tokens_used, status, final_status, COALESCE(reasoning, ''),
			response, triggered_keywords, created_at
		 FROM security_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.SecurityAuditRecord
	for rows.Next() {
		var r domain.SecurityAuditRecord
		var class, status, kws, created string
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ConversationID, &r.MessageID, &class, &r.Confidence,
			&r.LatencyMs, &r.TokensUsed, &status, &r.FinalStatus, &r.Reasoning, &r.Response, &kws, &created); err != nil {
			return nil, err
		}
		r.Classification = domain.Classification(class)
		r.Status = domain.AuditStatus(status)
		if err := json.Unmarshal([]byte(kws), &r.TriggeredKeywords); err != nil {
			return nil, fmt.Errorf("decode keywords for audit %d: %w", r.ID, err)
		}
		r.CreatedAt = parseTime(created)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
