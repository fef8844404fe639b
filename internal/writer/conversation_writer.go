// Package writer reconciles network events with the local store. Every
// logical conversation and message maps to exactly one local row whose id
// never changes once handed out.
package writer

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sentinal-convos/internal/domain"
	"sentinal-convos/internal/domain/conversation"
	"sentinal-convos/internal/protocol"
	"sentinal-convos/internal/repository"
	sentinal_errors "sentinal-convos/pkg/errors"
	"sentinal-convos/pkg/logger"
)

type ConversationWriter struct {
	store *repository.Store
	log   *logger.Logger
	now   func() time.Time
}

func NewConversationWriter(store *repository.Store, log *logger.Logger) *ConversationWriter {
	if log == nil {
		log = logger.NewNop()
	}
	return &ConversationWriter{
		store: store,
		log:   log.Named("conversation_writer"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateDraft inserts the placeholder row a new conversation is known by
// until the network assigns its id. inboxID may be empty while no identity
// is ready. It is a no-op if the row exists.
func (w *ConversationWriter) CreateDraft(ctx context.Context, draftID, inboxID string) error {
	return w.store.Write(ctx, func(r *repository.Repositories) error {
		_, err := r.Conversations.GetByID(ctx, draftID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sentinal_errors.ErrNotFound) {
			return err
		}
		now := w.now()
		return r.Conversations.Create(ctx, &conversation.Conversation{
			ID:             draftID,
			InboxID:        inboxID,
			CreatorInboxID: inboxID,
			Kind:           domain.ConversationKindGroup,
			Consent:        domain.ConsentAllowed,
			IsDraft:        true,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	})
}

// Store writes the network copy of conv for inboxID and returns the local
// row. The row it lands in is, in order: localID, the row already holding
// conv's network id, or a not-yet-published row carrying the same invite
// tag. A second row found for the same network id is folded into the
// target, messages included.
func (w *ConversationWriter) Store(ctx context.Context, inboxID string, conv protocol.Conversation, localID string) (conversation.Conversation, error) {
	members, err := conv.Members(ctx)
	if err != nil {
		return conversation.Conversation{}, err
	}
	consent, err := conv.ConsentState(ctx)
	if err != nil {
		return conversation.Conversation{}, err
	}

	var out conversation.Conversation
	err = w.store.Write(ctx, func(r *repository.Repositories) error {
		target, found, err := w.resolveTarget(ctx, r, inboxID, conv, localID)
		if err != nil {
			return err
		}

		byCanonical, err := r.Conversations.GetByCanonicalID(ctx, conv.ID())
		switch {
		case err == nil && found && byCanonical.ID != target.ID:
			if err := r.Messages.MoveToConversation(ctx, byCanonical.ID, target.ID); err != nil {
				return err
			}
			if err := r.Conversations.Delete(ctx, byCanonical.ID); err != nil {
				return err
			}
			w.log.Debug("merged duplicate conversation row",
				zap.String("kept", target.ID),
				zap.String("dropped", byCanonical.ID),
			)
		case err != nil && !errors.Is(err, sentinal_errors.ErrNotFound):
			return err
		}

		now := w.now()
		target.CanonicalID = sql.NullString{String: conv.ID(), Valid: true}
		target.InboxID = inboxID
		target.CreatorInboxID = conv.CreatorInboxID()
		target.Kind = conv.Kind()
		target.Name = nullString(conv.Name())
		target.Description = nullString(conv.Description())
		target.ImageURL = nullString(conv.ImageURL())
		target.InviteTag = nullString(conv.InviteTag())
		target.IsDraft = false
		target.UpdatedAt = now
		if consent != domain.ConsentUnknown || target.Consent == "" {
			target.Consent = consent
		}

		if found {
			if err := r.Conversations.Update(ctx, target); err != nil {
				return err
			}
		} else {
			target.CreatedAt = conv.CreatedAt()
			if target.CreatedAt.IsZero() {
				target.CreatedAt = now
			}
			if err := r.Conversations.Create(ctx, &target); err != nil {
				return err
			}
		}

		rows := make([]conversation.Member, 0, len(members))
		for _, m := range members {
			rows = append(rows, conversation.Member{ConversationID: target.ID, InboxID: m.InboxID, Role: m.Role})
		}
		if err := r.Conversations.ReplaceMembers(ctx, target.ID, rows); err != nil {
			return err
		}
		target.Members = rows
		out = target
		return nil
	})
	return out, err
}

func (w *ConversationWriter) resolveTarget(ctx context.Context, r *repository.Repositories, inboxID string, conv protocol.Conversation, localID string) (conversation.Conversation, bool, error) {
	lookups := []func() (conversation.Conversation, error){
		func() (conversation.Conversation, error) {
			if localID == "" {
				return conversation.Conversation{}, sentinal_errors.ErrNotFound
			}
			return r.Conversations.GetByID(ctx, localID)
		},
		func() (conversation.Conversation, error) {
			return r.Conversations.GetByCanonicalID(ctx, conv.ID())
		},
		func() (conversation.Conversation, error) {
			tag := conv.InviteTag()
			if tag == "" {
				return conversation.Conversation{}, sentinal_errors.ErrNotFound
			}
			c, err := r.Conversations.GetByInviteTag(ctx, inboxID, tag)
			if err != nil {
				return c, err
			}
			if c.CanonicalID.Valid && c.CanonicalID.String != conv.ID() {
				return conversation.Conversation{}, sentinal_errors.ErrNotFound
			}
			return c, nil
		},
	}
	for _, lookup := range lookups {
		c, err := lookup()
		if err == nil {
			return c, true, nil
		}
		if !errors.Is(err, sentinal_errors.ErrNotFound) {
			return conversation.Conversation{}, false, err
		}
	}

	id := localID
	if id == "" {
		id = uuid.NewString()
	}
	return conversation.Conversation{ID: id}, false, nil
}

// FoldDraft moves the messages of an unpublished draft into conversationID
// and drops the draft. Missing or already published rows are left alone.
func (w *ConversationWriter) FoldDraft(ctx context.Context, draftID, conversationID string) error {
	if draftID == conversationID {
		return nil
	}
	return w.store.Write(ctx, func(r *repository.Repositories) error {
		draft, err := r.Conversations.GetByID(ctx, draftID)
		if errors.Is(err, sentinal_errors.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !draft.IsDraft || draft.CanonicalID.Valid {
			return nil
		}
		if err := r.Messages.MoveToConversation(ctx, draftID, conversationID); err != nil {
			return err
		}
		w.log.Debug("folded draft into conversation",
			zap.String("draft_id", draftID),
			zap.String("conversation_id", conversationID),
		)
		return r.Conversations.Delete(ctx, draftID)
	})
}

func (w *ConversationWriter) SetConsent(ctx context.Context, id string, consent domain.ConsentState) error {
	return w.store.Write(ctx, func(r *repository.Repositories) error {
		return r.Conversations.SetConsent(ctx, id, consent)
	})
}

// Delete removes the conversation with its messages, members, local state
// and invite. A missing row is not an error.
func (w *ConversationWriter) Delete(ctx context.Context, id string) error {
	err := w.store.Write(ctx, func(r *repository.Repositories) error {
		return r.Conversations.Delete(ctx, id)
	})
	if errors.Is(err, sentinal_errors.ErrNotFound) {
		return nil
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
