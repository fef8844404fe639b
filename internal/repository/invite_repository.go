package repository

import (
	"context"

	"sentinal-convos/internal/domain/invite"
)

type inviteRepository struct {
	db DBTX
}

func NewInviteRepository(db DBTX) InviteRepository {
	return &inviteRepository{db: db}
}

// Upsert keeps one invite per conversation; a regenerated invite replaces
// the previous one.
func (r *inviteRepository) Upsert(ctx context.Context, i *invite.Invite) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO invites (conversation_id, creator_inbox_id, tag, code, expires_at, expires_after_use, created_at)
        VALUES (?,?,?,?,?,?,?)
        ON CONFLICT(conversation_id) DO UPDATE SET
            creator_inbox_id = excluded.creator_inbox_id,
            tag = excluded.tag,
            code = excluded.code,
            expires_at = excluded.expires_at,
            expires_after_use = excluded.expires_after_use,
            created_at = excluded.created_at
    `,
		i.ConversationID,
		i.CreatorInboxID,
		i.Tag,
		i.Code,
		i.ExpiresAt,
		i.ExpiresAfterUse,
		i.CreatedAt,
	)
	return storageErr("invite.Upsert", err)
}

func (r *inviteRepository) Get(ctx context.Context, conversationID string) (invite.Invite, error) {
	var i invite.Invite
	err := r.db.QueryRowContext(ctx, `
        SELECT conversation_id, creator_inbox_id, tag, code, expires_at, expires_after_use, created_at
        FROM invites
        WHERE conversation_id = ?
    `, conversationID).Scan(&i.ConversationID, &i.CreatorInboxID, &i.Tag, &i.Code, &i.ExpiresAt, &i.ExpiresAfterUse, &i.CreatedAt)
	if err != nil {
		return invite.Invite{}, storageErr("invite.Get", err)
	}
	return i, nil
}

func (r *inviteRepository) GetByTag(ctx context.Context, tag string) (invite.Invite, error) {
	var i invite.Invite
	err := r.db.QueryRowContext(ctx, `
        SELECT conversation_id, creator_inbox_id, tag, code, expires_at, expires_after_use, created_at
        FROM invites
        WHERE tag = ?
        LIMIT 1
    `, tag).Scan(&i.ConversationID, &i.CreatorInboxID, &i.Tag, &i.Code, &i.ExpiresAt, &i.ExpiresAfterUse, &i.CreatedAt)
	if err != nil {
		return invite.Invite{}, storageErr("invite.GetByTag", err)
	}
	return i, nil
}

func (r *inviteRepository) Delete(ctx context.Context, conversationID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM invites WHERE conversation_id = ?`, conversationID)
	return storageErr("invite.Delete", err)
}
