package writer

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sentinal-convos/internal/domain"
	"sentinal-convos/internal/domain/message"
	"sentinal-convos/internal/protocol"
	"sentinal-convos/internal/repository"
	sentinal_errors "sentinal-convos/pkg/errors"
	"sentinal-convos/pkg/logger"
)

// MessageWriter records locally authored messages.
type MessageWriter struct {
	store *repository.Store
	log   *logger.Logger
	now   func() time.Time
}

func NewMessageWriter(store *repository.Store, log *logger.Logger) *MessageWriter {
	if log == nil {
		log = logger.NewNop()
	}
	return &MessageWriter{
		store: store,
		log:   log.Named("message_writer"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Queue stores text as an unpublished message of conversationID. The
// conversation may still be a draft and senderInboxID may be empty; both are
// settled by Publish.
func (w *MessageWriter) Queue(ctx context.Context, conversationID, senderInboxID, text string) (message.Message, error) {
	now := w.now()
	m := message.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderInboxID:  senderInboxID,
		Text:           text,
		Status:         domain.MessageStatusUnpublished,
		SentAt:         now,
		CreatedAt:      now,
	}
	if err := w.store.Write(ctx, func(r *repository.Repositories) error {
		return r.Messages.Create(ctx, &m)
	}); err != nil {
		return message.Message{}, err
	}
	return m, nil
}

// Publish sends a queued message through conv and settles its row as
// published or failed. The row carries the network id before publishing so
// an echo arriving first finds it.
func (w *MessageWriter) Publish(ctx context.Context, m message.Message, conversationID, senderInboxID string, conv protocol.Conversation) (message.Message, error) {
	networkID, err := conv.PrepareMessage(ctx, m.Text)
	if err != nil {
		w.markFailed(ctx, m.ID)
		m.Status = domain.MessageStatusFailed
		return m, err
	}
	if err := w.store.Write(ctx, func(r *repository.Repositories) error {
		return r.Messages.Prepare(ctx, m.ID, conversationID, networkID, senderInboxID)
	}); err != nil {
		return m, err
	}
	m.ConversationID = conversationID
	m.SenderInboxID = senderInboxID
	m.CanonicalID = sql.NullString{String: networkID, Valid: true}

	if err := conv.Publish(ctx); err != nil {
		w.markFailed(ctx, m.ID)
		m.Status = domain.MessageStatusFailed
		return m, err
	}

	if err := w.store.Write(ctx, func(r *repository.Repositories) error {
		return r.Messages.MarkPublished(ctx, m.ID, networkID)
	}); err != nil {
		return m, err
	}
	m.Status = domain.MessageStatusPublished
	return m, nil
}

// Send queues and publishes text in one go.
func (w *MessageWriter) Send(ctx context.Context, conversationID, senderInboxID string, conv protocol.Conversation, text string) (message.Message, error) {
	m, err := w.Queue(ctx, conversationID, senderInboxID, text)
	if err != nil {
		return message.Message{}, err
	}
	return w.Publish(ctx, m, conversationID, senderInboxID, conv)
}

func (w *MessageWriter) markFailed(ctx context.Context, id string) {
	if err := w.store.Write(ctx, func(r *repository.Repositories) error {
		return r.Messages.MarkFailed(ctx, id)
	}); err != nil {
		w.log.Warn("failed to mark message failed", zap.String("message_id", id), zap.Error(err))
	}
}

// IncomingMessageWriter records messages that arrive from the network.
type IncomingMessageWriter struct {
	store *repository.Store
	now   func() time.Time
}

func NewIncomingMessageWriter(store *repository.Store) *IncomingMessageWriter {
	return &IncomingMessageWriter{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Store inserts m, or marks the matching locally authored row published when
// m is its echo. It fails with a storage ErrNotFound when m's conversation is
// not stored locally.
func (w *IncomingMessageWriter) Store(ctx context.Context, m protocol.Message) (message.Message, error) {
	var out message.Message
	err := w.store.Write(ctx, func(r *repository.Repositories) error {
		conv, err := r.Conversations.GetByCanonicalID(ctx, m.ConversationID)
		if err != nil {
			return err
		}

		existing, err := r.Messages.GetByCanonicalID(ctx, m.ID)
		switch {
		case err == nil:
			if existing.Status != domain.MessageStatusPublished {
				if err := r.Messages.MarkPublished(ctx, existing.ID, m.ID); err != nil {
					return err
				}
				existing.Status = domain.MessageStatusPublished
			}
			out = existing
			return nil
		case !errors.Is(err, sentinal_errors.ErrNotFound):
			return err
		}

		sentAt := m.SentAt
		if sentAt.IsZero() {
			sentAt = w.now()
		}
		out = message.Message{
			ID:             uuid.NewString(),
			CanonicalID:    sql.NullString{String: m.ID, Valid: true},
			ConversationID: conv.ID,
			SenderInboxID:  m.SenderInboxID,
			Text:           m.Text,
			Status:         domain.MessageStatusPublished,
			SentAt:         sentAt,
			CreatedAt:      w.now(),
		}
		return r.Messages.Create(ctx, &out)
	})
	return out, err
}
