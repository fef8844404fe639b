package writer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sentinal-convos/internal/backend"
	"sentinal-convos/internal/domain/conversation"
	domaininvite "sentinal-convos/internal/domain/invite"
	"sentinal-convos/internal/invite"
	"sentinal-convos/internal/keys"
	"sentinal-convos/internal/repository"
	sentinal_errors "sentinal-convos/pkg/errors"
	"sentinal-convos/pkg/logger"
)

// InviteWriter signs, stores and publishes invite codes. Codes are signed
// locally; the backend copy is metadata only and may lag or be missing.
type InviteWriter struct {
	store *repository.Store
	api   backend.API
	ttl   time.Duration
	log   *logger.Logger
	now   func() time.Time
}

// NewInviteWriter issues invites that expire after ttl; zero means never.
// api may be nil.
func NewInviteWriter(store *repository.Store, api backend.API, ttl time.Duration, log *logger.Logger) *InviteWriter {
	if log == nil {
		log = logger.NewNop()
	}
	return &InviteWriter{
		store: store,
		api:   api,
		ttl:   ttl,
		log:   log.Named("invite_writer"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Generate signs a fresh invite for conv, replacing any stored one.
func (w *InviteWriter) Generate(ctx context.Context, inboxID string, key *keys.PrivateKey, conv conversation.Conversation) (domaininvite.Invite, error) {
	const op = "writer.InviteWriter.Generate"
	if !conv.InviteTag.Valid || conv.NetworkID() == "" {
		return domaininvite.Invite{}, sentinal_errors.E(sentinal_errors.KindState, op,
			fmt.Errorf("%w: conversation %s has no invite tag or network id", sentinal_errors.ErrInvalidTransition, conv.ID))
	}

	now := w.now()
	params := invite.Params{
		ConversationID: conv.NetworkID(),
		CreatorInboxID: inboxID,
		Tag:            conv.InviteTag.String,
		Name:           conv.Name.String,
		Description:    conv.Description.String,
		ImageURL:       conv.ImageURL.String,
	}
	if w.ttl > 0 {
		params.ExpiresAt = now.Add(w.ttl)
	}
	signed, err := invite.Create(params, key)
	if err != nil {
		return domaininvite.Invite{}, err
	}

	row := domaininvite.Invite{
		ConversationID:  conv.ID,
		CreatorInboxID:  signed.Payload.CreatorInboxID,
		Tag:             params.Tag,
		Code:            signed.Encode(),
		ExpiresAt:       sql.NullTime{Time: params.ExpiresAt, Valid: !params.ExpiresAt.IsZero()},
		ExpiresAfterUse: params.ExpiresAfterUse,
		CreatedAt:       now,
	}
	if err := w.store.Write(ctx, func(r *repository.Repositories) error {
		return r.Invites.Upsert(ctx, &row)
	}); err != nil {
		return domaininvite.Invite{}, err
	}

	if w.api != nil {
		if _, err := w.api.CreateInvite(ctx, backend.Invite{
			Code:            row.Code,
			Tag:             row.Tag,
			CreatorInboxID:  row.CreatorInboxID,
			Name:            params.Name,
			Description:     params.Description,
			ImageURL:        params.ImageURL,
			ExpiresAt:       params.ExpiresAt,
			ExpiresAfterUse: params.ExpiresAfterUse,
		}); err != nil {
			w.log.Warn("backend invite sync failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}
	return row, nil
}

// Regenerate re-signs conv's invite after a metadata change and pushes the
// new metadata to the backend record of the previous code.
func (w *InviteWriter) Regenerate(ctx context.Context, inboxID string, key *keys.PrivateKey, conv conversation.Conversation) (domaininvite.Invite, error) {
	var previous domaininvite.Invite
	err := w.store.Read(ctx, func(r *repository.Repositories) error {
		var err error
		previous, err = r.Invites.Get(ctx, conv.ID)
		return err
	})
	if err != nil && !errors.Is(err, sentinal_errors.ErrNotFound) {
		return domaininvite.Invite{}, err
	}

	row, err := w.Generate(ctx, inboxID, key, conv)
	if err != nil {
		return domaininvite.Invite{}, err
	}

	if w.api != nil && previous.Code != "" && previous.Code != row.Code {
		name, description, imageURL := conv.Name.String, conv.Description.String, conv.ImageURL.String
		if err := w.api.UpdateInvite(ctx, previous.Code, backend.InviteUpdate{
			Name:        &name,
			Description: &description,
			ImageURL:    &imageURL,
		}); err != nil {
			w.log.Warn("backend invite update failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}
	return row, nil
}

func (w *InviteWriter) Get(ctx context.Context, conversationID string) (domaininvite.Invite, error) {
	var out domaininvite.Invite
	err := w.store.Read(ctx, func(r *repository.Repositories) error {
		var err error
		out, err = r.Invites.Get(ctx, conversationID)
		return err
	})
	return out, err
}

// Delete drops the stored invite. A missing one is not an error.
func (w *InviteWriter) Delete(ctx context.Context, conversationID string) error {
	err := w.store.Write(ctx, func(r *repository.Repositories) error {
		return r.Invites.Delete(ctx, conversationID)
	})
	if errors.Is(err, sentinal_errors.ErrNotFound) {
		return nil
	}
	return err
}
