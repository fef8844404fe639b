package repository

import (
	"context"

	"sentinal-convos/internal/domain"
	"sentinal-convos/internal/domain/message"
)

const messageColumns = `id, canonical_id, conversation_id, sender_inbox_id, text, status, sent_at, created_at`

type messageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) MessageRepository {
	return &messageRepository{db: db}
}

func scanMessage(row rowScanner) (message.Message, error) {
	var m message.Message
	err := row.Scan(
		&m.ID,
		&m.CanonicalID,
		&m.ConversationID,
		&m.SenderInboxID,
		&m.Text,
		&m.Status,
		&m.SentAt,
		&m.CreatedAt,
	)
	return m, err
}

func (r *messageRepository) Create(ctx context.Context, m *message.Message) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO messages (`+messageColumns+`)
        VALUES (?,?,?,?,?,?,?,?)
    `,
		m.ID,
		m.CanonicalID,
		m.ConversationID,
		m.SenderInboxID,
		m.Text,
		m.Status,
		m.SentAt,
		m.CreatedAt,
	)
	return storageErr("message.Create", err)
}

func (r *messageRepository) GetByID(ctx context.Context, id string) (message.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		return message.Message{}, storageErr("message.GetByID", err)
	}
	return m, nil
}

func (r *messageRepository) GetByCanonicalID(ctx context.Context, canonicalID string) (message.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE canonical_id = ?`, canonicalID))
	if err != nil {
		return message.Message{}, storageErr("message.GetByCanonicalID", err)
	}
	return m, nil
}

// Prepare binds an unpublished message to the conversation and network id
// it is about to be published under.
func (r *messageRepository) Prepare(ctx context.Context, id, conversationID, canonicalID, senderInboxID string) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE messages SET conversation_id = ?, canonical_id = ?, sender_inbox_id = ?
        WHERE id = ? AND status = ?
    `, conversationID, nullString(canonicalID), senderInboxID, id, domain.MessageStatusUnpublished)
	if err != nil {
		return storageErr("message.Prepare", err)
	}
	return requireAffected("message.Prepare", res)
}

func (r *messageRepository) MarkPublished(ctx context.Context, id, canonicalID string) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE messages SET canonical_id = ?, status = ? WHERE id = ?
    `, nullString(canonicalID), domain.MessageStatusPublished, id)
	if err != nil {
		return storageErr("message.MarkPublished", err)
	}
	return requireAffected("message.MarkPublished", res)
}

func (r *messageRepository) MarkFailed(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE messages SET status = ? WHERE id = ? AND status = ?
    `, domain.MessageStatusFailed, id, domain.MessageStatusUnpublished)
	if err != nil {
		return storageErr("message.MarkFailed", err)
	}
	return requireAffected("message.MarkFailed", res)
}

func (r *messageRepository) ListByConversation(ctx context.Context, conversationID string, limit int) ([]message.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+messageColumns+`
        FROM messages
        WHERE conversation_id = ?
        ORDER BY sent_at ASC, created_at ASC
        LIMIT ?
    `, conversationID, limit)
	if err != nil {
		return nil, storageErr("message.ListByConversation", err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr("message.ListByConversation", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("message.ListByConversation", err)
	}
	return out, nil
}

// MoveToConversation re-parents messages when two rows for one logical
// conversation are merged.
func (r *messageRepository) MoveToConversation(ctx context.Context, fromConversationID, toConversationID string) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE messages SET conversation_id = ? WHERE conversation_id = ?
    `, toConversationID, fromConversationID)
	return storageErr("message.MoveToConversation", err)
}
