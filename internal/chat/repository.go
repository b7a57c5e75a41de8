package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Repository is the Postgres-backed store for conversations, messages and
// notifications.
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewRepository(db *sql.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger.Named("chat.repo")}
}

const conversationColumns = "id, user_a, user_b, created_at, last_activity_at"

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	c := &Conversation{}
	if err := row.Scan(&c.ID, &c.UserA, &c.UserB, &c.CreatedAt, &c.LastActivityAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (r *Repository) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	query := "SELECT " + conversationColumns + " FROM conversations WHERE id = $1"
	return scanConversation(r.db.QueryRowContext(ctx, query, id))
}

// FindOrCreateConversation returns the conversation between a and b,
// creating it on first use.
func (r *Repository) FindOrCreateConversation(ctx context.Context, a, b int64) (*Conversation, error) {
	if a == b {
		return nil, ErrSelfConversation
	}
	low, high := OrderedPair(a, b)

	// The no-op update makes RETURNING yield the existing row on conflict.
	query := `
		INSERT INTO conversations (user_a, user_b) VALUES ($1, $2)
		ON CONFLICT (user_a, user_b) DO UPDATE SET user_a = EXCLUDED.user_a
		RETURNING ` + conversationColumns
	c, err := scanConversation(r.db.QueryRowContext(ctx, query, low, high))
	if err != nil {
		return nil, fmt.Errorf("find or create conversation: %w", err)
	}
	return c, nil
}

func (r *Repository) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	var ok bool
	query := "SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1 AND (user_a = $2 OR user_b = $2))"
	if err := r.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (r *Repository) ListConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id FROM conversations WHERE user_a = $1 OR user_b = $1 ORDER BY last_activity_at DESC", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	query := `
		SELECT c.id, c.user_a, c.user_b, c.created_at, c.last_activity_at,
		       COUNT(m.id) FILTER (WHERE m.sender_id <> $1 AND NOT m.is_read)
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		WHERE c.user_a = $1 OR c.user_b = $1
		GROUP BY c.id
		ORDER BY c.last_activity_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var s ConversationSummary
		if err := rows.Scan(&s.ID, &s.UserA, &s.UserB, &s.CreatedAt, &s.LastActivityAt, &s.UnreadCount); err != nil {
			return nil, err
		}
		s.PartnerID = s.Other(userID)
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateMessage inserts the message and bumps the conversation's
// last-activity timestamp in one transaction.
func (r *Repository) CreateMessage(ctx context.Context, msg *Message) (*Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out := *msg
	out.IsRead = false
	insert := `
		INSERT INTO messages (conversation_id, sender_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`
	if err := tx.QueryRowContext(ctx, insert, msg.ConversationID, msg.SenderID, msg.Content).
		Scan(&out.ID, &out.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE conversations SET last_activity_at = $2 WHERE id = $1", msg.ConversationID, out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	if err := tx.QueryRowContext(ctx, "SELECT username FROM users WHERE id = $1", msg.SenderID).
		Scan(&out.SenderName); err != nil {
		return nil, fmt.Errorf("load sender: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages returns up to limit messages older than beforeID (0 = newest),
// newest first.
func (r *Repository) ListMessages(ctx context.Context, conversationID, beforeID int64, limit int) ([]*Message, error) {
	query := `
		SELECT m.id, m.conversation_id, m.sender_id, u.username, m.content, m.is_read, m.created_at
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.conversation_id = $1 AND ($2::BIGINT = 0 OR m.id < $2)
		ORDER BY m.id DESC
		LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, conversationID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Content, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkConversationRead flags every unread message from the other
// participant as read and returns how many rows changed. Read state is
// never cleared.
func (r *Repository) MarkConversationRead(ctx context.Context, conversationID, readerID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE messages SET is_read = TRUE WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read",
		conversationID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) UnreadCounts(ctx context.Context, userID int64) (map[int64]int, error) {
	query := `
		SELECT m.conversation_id, COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.user_a = $1 OR c.user_b = $1) AND m.sender_id <> $1 AND NOT m.is_read
		GROUP BY m.conversation_id`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (r *Repository) CreateNotification(ctx context.Context, n *Notification) (*Notification, error) {
	out := *n
	out.IsRead = false
	query := `
		INSERT INTO notifications (user_id, type, title, body, related_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`
	var related sql.NullInt64
	if n.RelatedID != nil {
		related = sql.NullInt64{Int64: *n.RelatedID, Valid: true}
	}
	if err := r.db.QueryRowContext(ctx, query, n.UserID, string(n.Type), n.Title, n.Body, related).
		Scan(&out.ID, &out.CreatedAt); err != nil {
		r.logger.Error("insert notification failed", zap.Int64("user_id", n.UserID), zap.Error(err))
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	return &out, nil
}
