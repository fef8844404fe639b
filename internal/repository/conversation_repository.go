package repository

import (
	"context"
	"time"

	"sentinal-convos/internal/domain"
	"sentinal-convos/internal/domain/conversation"
)

const conversationColumns = `id, canonical_id, inbox_id, creator_inbox_id, kind, consent, name, description,
        image_url, invite_tag, is_draft, created_at, updated_at`

const conversationSelect = `id, canonical_id, COALESCE(inbox_id, ''), creator_inbox_id, kind, consent, name, description,
        image_url, invite_tag, is_draft, created_at, updated_at`

type conversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) ConversationRepository {
	return &conversationRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (conversation.Conversation, error) {
	var c conversation.Conversation
	err := row.Scan(
		&c.ID,
		&c.CanonicalID,
		&c.InboxID,
		&c.CreatorInboxID,
		&c.Kind,
		&c.Consent,
		&c.Name,
		&c.Description,
		&c.ImageURL,
		&c.InviteTag,
		&c.IsDraft,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

func (r *conversationRepository) Create(ctx context.Context, c *conversation.Conversation) error {
	if c.Kind == "" {
		c.Kind = domain.ConversationKindGroup
	}
	if c.Consent == "" {
		c.Consent = domain.ConsentUnknown
	}
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO conversations (`+conversationColumns+`)
        VALUES (?,?,NULLIF(?, ''),?,?,?,?,?,?,?,?,?,?)
    `,
		c.ID,
		c.CanonicalID,
		c.InboxID,
		c.CreatorInboxID,
		c.Kind,
		c.Consent,
		c.Name,
		c.Description,
		c.ImageURL,
		c.InviteTag,
		c.IsDraft,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return storageErr("conversation.Create", err)
}

func (r *conversationRepository) Update(ctx context.Context, c conversation.Conversation) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE conversations
        SET canonical_id = ?, inbox_id = NULLIF(?, ''), creator_inbox_id = ?, kind = ?, consent = ?, name = ?,
            description = ?, image_url = ?, invite_tag = ?, is_draft = ?, updated_at = ?
        WHERE id = ?
    `,
		c.CanonicalID,
		c.InboxID,
		c.CreatorInboxID,
		c.Kind,
		c.Consent,
		c.Name,
		c.Description,
		c.ImageURL,
		c.InviteTag,
		c.IsDraft,
		c.UpdatedAt,
		c.ID,
	)
	if err != nil {
		return storageErr("conversation.Update", err)
	}
	return requireAffected("conversation.Update", res)
}

func (r *conversationRepository) GetByID(ctx context.Context, id string) (conversation.Conversation, error) {
	c, err := scanConversation(r.db.QueryRowContext(ctx, `SELECT `+conversationSelect+` FROM conversations WHERE id = ?`, id))
	if err != nil {
		return conversation.Conversation{}, storageErr("conversation.GetByID", err)
	}
	return c, nil
}

func (r *conversationRepository) GetByCanonicalID(ctx context.Context, canonicalID string) (conversation.Conversation, error) {
	c, err := scanConversation(r.db.QueryRowContext(ctx, `SELECT `+conversationSelect+` FROM conversations WHERE canonical_id = ?`, canonicalID))
	if err != nil {
		return conversation.Conversation{}, storageErr("conversation.GetByCanonicalID", err)
	}
	return c, nil
}

// GetByInviteTag returns the oldest conversation of inboxID carrying tag.
func (r *conversationRepository) GetByInviteTag(ctx context.Context, inboxID, tag string) (conversation.Conversation, error) {
	c, err := scanConversation(r.db.QueryRowContext(ctx, `
        SELECT `+conversationSelect+`
        FROM conversations
        WHERE inbox_id = ? AND invite_tag = ?
        ORDER BY created_at ASC
        LIMIT 1
    `, inboxID, tag))
	if err != nil {
		return conversation.Conversation{}, storageErr("conversation.GetByInviteTag", err)
	}
	return c, nil
}

func (r *conversationRepository) ListByInbox(ctx context.Context, inboxID string) ([]conversation.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+conversationSelect+`
        FROM conversations
        WHERE inbox_id = ?
        ORDER BY updated_at DESC
    `, inboxID)
	if err != nil {
		return nil, storageErr("conversation.ListByInbox", err)
	}
	defer rows.Close()

	var out []conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, storageErr("conversation.ListByInbox", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("conversation.ListByInbox", err)
	}
	return out, nil
}

// AdoptCanonical attaches the network id to an existing row in place.
func (r *conversationRepository) AdoptCanonical(ctx context.Context, id, canonicalID string) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE conversations SET canonical_id = ?, is_draft = 0, updated_at = ? WHERE id = ?
    `, canonicalID, time.Now().UTC(), id)
	if err != nil {
		return storageErr("conversation.AdoptCanonical", err)
	}
	return requireAffected("conversation.AdoptCanonical", res)
}

func (r *conversationRepository) SetConsent(ctx context.Context, id string, consent domain.ConsentState) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE conversations SET consent = ?, updated_at = ? WHERE id = ?
    `, consent, time.Now().UTC(), id)
	if err != nil {
		return storageErr("conversation.SetConsent", err)
	}
	return requireAffected("conversation.SetConsent", res)
}

func (r *conversationRepository) ReplaceMembers(ctx context.Context, conversationID string, members []conversation.Member) error {
	return WithTx(ctx, r.db, func(tx DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_members WHERE conversation_id = ?`, conversationID); err != nil {
			return storageErr("conversation.ReplaceMembers", err)
		}
		for _, m := range members {
			role := m.Role
			if role == "" {
				role = domain.MemberRoleMember
			}
			if _, err := tx.ExecContext(ctx, `
                INSERT INTO conversation_members (conversation_id, inbox_id, role) VALUES (?,?,?)
            `, conversationID, m.InboxID, role); err != nil {
				return storageErr("conversation.ReplaceMembers", err)
			}
		}
		return nil
	})
}

func (r *conversationRepository) GetMembers(ctx context.Context, conversationID string) ([]conversation.Member, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT conversation_id, inbox_id, role
        FROM conversation_members
        WHERE conversation_id = ?
        ORDER BY inbox_id ASC
    `, conversationID)
	if err != nil {
		return nil, storageErr("conversation.GetMembers", err)
	}
	defer rows.Close()

	var out []conversation.Member
	for rows.Next() {
		var m conversation.Member
		if err := rows.Scan(&m.ConversationID, &m.InboxID, &m.Role); err != nil {
			return nil, storageErr("conversation.GetMembers", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("conversation.GetMembers", err)
	}
	return out, nil
}

// Delete removes messages, members, local state, invite and finally the
// conversation row. Readers never see a partially deleted conversation.
func (r *conversationRepository) Delete(ctx context.Context, id string) error {
	return WithTx(ctx, r.db, func(tx DBTX) error {
		for _, q := range []string{
			`DELETE FROM messages WHERE conversation_id = ?`,
			`DELETE FROM conversation_members WHERE conversation_id = ?`,
			`DELETE FROM conversation_local_state WHERE conversation_id = ?`,
			`DELETE FROM invites WHERE conversation_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return storageErr("conversation.Delete", err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		if err != nil {
			return storageErr("conversation.Delete", err)
		}
		return requireAffected("conversation.Delete", res)
	})
}
