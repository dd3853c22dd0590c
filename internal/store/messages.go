package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"replyguard/internal/domain"
)

const messageColumns = `id, conversation_id, sender, content, status, is_ai_generated, confidence,
	classification, is_violation, metadata, external_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*domain.Message, error) {
	var (
		m                domain.Message
		sender, status   string
		class, meta      string
		created, updated string
	)
	if err := r.Scan(&m.ID, &m.ConversationID, &sender, &m.Content, &status, &m.IsAIGenerated,
		&m.Confidence, &class, &m.IsViolation, &meta, &m.ExternalID, &created, &updated); err != nil {
		return nil, err
	}
	m.Sender = domain.SenderRole(sender)
	m.Status = domain.MessageStatus(status)
	m.Classification = domain.Classification(class)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for message %d: %w", m.ID, err)
		}
	}
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	return &m, nil
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.UpdatedAt = msg.CreatedAt

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, sender, content, status, is_ai_generated, confidence,
			classification, is_violation, metadata, external_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, string(msg.Sender), msg.Content, string(msg.Status), msg.IsAIGenerated,
		msg.Confidence, string(msg.Classification), msg.IsViolation, string(meta), msg.ExternalID,
		formatTime(msg.CreatedAt), formatTime(msg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id
	s.touchConversation(ctx, msg.ConversationID, formatTime(msg.CreatedAt))
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return m, err
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) ListMessages(ctx context.Context, convID string) ([]domain.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY id ASC`, convID)
}

// RecentMessages returns the last limit messages of a conversation, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, convID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	msgs, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`,
		convID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		string(domain.StatusPending), limit)
}

// CountByStatus returns the number of messages per lifecycle status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[domain.MessageStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.MessageStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.MessageStatus(status)] = n
	}
	return counts, rows.Err()
}

// --- Status transitions ---
//
// Every transition is a conditional update on the expected current status,
// so concurrent callers racing for the same message see exactly one winner.

func (s *SQLiteStore) TransitionStatus(ctx context.Context, id int64, from, to domain.MessageStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), s.stamp(), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("transition message %d %s->%s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) UpdatePendingContent(ctx context.Context, id int64, content string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, updated_at = ? WHERE id = ? AND status = ?`,
		content, s.stamp(), id, string(domain.StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("edit message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) DeletePending(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND status = ?`, id, string(domain.StatusPending))
	if err != nil {
		return false, fmt.Errorf("delete message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) SetExternalID(ctx context.Context, id int64, externalID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET external_id = ?, updated_at = ? WHERE id = ?`,
		externalID, s.stamp(), id,
	)
	return err
}

// ApplyReceipt moves a sent message to delivered or failed. Receipts for
// messages already past sent report changed=false.
func (s *SQLiteStore) ApplyReceipt(ctx context.Context, externalID string, status domain.MessageStatus) (*domain.Message, bool, error) {
	if externalID == "" {
		return nil, false, fmt.Errorf("receipt without external id: %w", ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE external_id = ? ORDER BY id DESC LIMIT 1`, externalID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("message with external id %s: %w", externalID, ErrNotFound)
	}
	if err != nil {
		return nil, false, err
	}

	changed, err := s.TransitionStatus(ctx, m.ID, domain.StatusSent, status)
	if err != nil || !changed {
		return m, false, err
	}
	updated, err := s.GetMessage(ctx, m.ID)
	return updated, true, err
}

// ExpirePending moves every pending message created before cutoff to
// expired in a single transaction.
func (s *SQLiteStore) ExpirePending(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin expire: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET status = ?, updated_at = ? WHERE status = ? AND created_at < ?`,
		string(domain.StatusExpired), s.stamp(), string(domain.StatusPending), formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("expire pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit expire: %w", err)
	}
	return n, nil
}

// --- Orders ---

func (s *SQLiteStore) CreateOrder(ctx context.Context, order *domain.Order) error {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("encode order items: %w", err)
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO orders (conversation_id, message_id, items, total_amount, currency, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		order.ConversationID, order.MessageID, string(items), order.TotalAmount, order.Currency,
		order.Status, formatTime(order.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	order.ID = id
	return nil
}

func (s *SQLiteStore) ListOrders(ctx context.Context, convID string) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, message_id, items, total_amount, currency, status, created_at
		 FROM orders WHERE conversation_id = ? ORDER BY id ASC`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var o domain.Order
		var items, created string
		if err := rows.Scan(&o.ID, &o.ConversationID, &o.MessageID, &items, &o.TotalAmount,
			&o.Currency, &o.Status, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
			return nil, fmt.Errorf("decode order %d: %w", o.ID, err)
		}
		o.CreatedAt = parseTime(created)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
