package repository

import (
	"context"
	"database/sql"
	"errors"

	"sentinal-convos/internal/domain/conversation"
)

type localStateRepository struct {
	db DBTX
}

func NewLocalStateRepository(db DBTX) LocalStateRepository {
	return &localStateRepository{db: db}
}

// Get returns the zero state for conversations that have never been touched.
func (r *localStateRepository) Get(ctx context.Context, conversationID string) (conversation.LocalState, error) {
	s := conversation.LocalState{ConversationID: conversationID}
	err := r.db.QueryRowContext(ctx, `
        SELECT is_pinned, is_unread, is_muted, updated_at
        FROM conversation_local_state
        WHERE conversation_id = ?
    `, conversationID).Scan(&s.IsPinned, &s.IsUnread, &s.IsMuted, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return conversation.LocalState{}, storageErr("localState.Get", err)
	}
	return s, nil
}

func (r *localStateRepository) Upsert(ctx context.Context, s conversation.LocalState) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO conversation_local_state (conversation_id, is_pinned, is_unread, is_muted, updated_at)
        VALUES (?,?,?,?,?)
        ON CONFLICT(conversation_id) DO UPDATE SET
            is_pinned = excluded.is_pinned,
            is_unread = excluded.is_unread,
            is_muted = excluded.is_muted,
            updated_at = excluded.updated_at
    `, s.ConversationID, s.IsPinned, s.IsUnread, s.IsMuted, s.UpdatedAt)
	return storageErr("localState.Upsert", err)
}
