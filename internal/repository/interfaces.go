package repository

import (
	"context"

	"sentinal-convos/internal/domain"
	"sentinal-convos/internal/domain/conversation"
	"sentinal-convos/internal/domain/inbox"
	"sentinal-convos/internal/domain/invite"
	"sentinal-convos/internal/domain/message"
)

type IdentityRepository interface {
	Create(ctx context.Context, i *inbox.Identity) error
	Get(ctx context.Context, inboxID string) (inbox.Identity, error)
	List(ctx context.Context) ([]inbox.Identity, error)
	UpdateDisplayName(ctx context.Context, inboxID, name string) error
	Delete(ctx context.Context, inboxID string) error
}

type ConversationRepository interface {
	Create(ctx context.Context, c *conversation.Conversation) error
	Update(ctx context.Context, c conversation.Conversation) error
	GetByID(ctx context.Context, id string) (conversation.Conversation, error)
	GetByCanonicalID(ctx context.Context, canonicalID string) (conversation.Conversation, error)
	GetByInviteTag(ctx context.Context, inboxID, tag string) (conversation.Conversation, error)
	ListByInbox(ctx context.Context, inboxID string) ([]conversation.Conversation, error)
	AdoptCanonical(ctx context.Context, id, canonicalID string) error
	SetConsent(ctx context.Context, id string, consent domain.ConsentState) error

	ReplaceMembers(ctx context.Context, conversationID string, members []conversation.Member) error
	GetMembers(ctx context.Context, conversationID string) ([]conversation.Member, error)

	// Delete removes the conversation and everything hanging off it in one
	// transaction.
	Delete(ctx context.Context, id string) error
}

type MessageRepository interface {
	Create(ctx context.Context, m *message.Message) error
	GetByID(ctx context.Context, id string) (message.Message, error)
	GetByCanonicalID(ctx context.Context, canonicalID string) (message.Message, error)
	Prepare(ctx context.Context, id, conversationID, canonicalID, senderInboxID string) error
	MarkPublished(ctx context.Context, id, canonicalID string) error
	MarkFailed(ctx context.Context, id string) error
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]message.Message, error)
	MoveToConversation(ctx context.Context, fromConversationID, toConversationID string) error
}

type InviteRepository interface {
	Upsert(ctx context.Context, i *invite.Invite) error
	Get(ctx context.Context, conversationID string) (invite.Invite, error)
	GetByTag(ctx context.Context, tag string) (invite.Invite, error)
	Delete(ctx context.Context, conversationID string) error
}

type LocalStateRepository interface {
	Get(ctx context.Context, conversationID string) (conversation.LocalState, error)
	Upsert(ctx context.Context, s conversation.LocalState) error
}
