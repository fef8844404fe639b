// Package protocol describes the messaging network client the core drives.
// The network itself (transport, group crypto, local protocol database) lives
// behind these interfaces.
package protocol

import (
	"context"
	"time"

	"sentinal-convos/internal/domain"
	"sentinal-convos/internal/keys"
)

type PermissionPolicy string

const (
	PolicyAllMembers     PermissionPolicy = "all_members"
	PolicyAdminOnly      PermissionPolicy = "admin_only"
	PolicySuperAdminOnly PermissionPolicy = "super_admin_only"
	PolicyDeny           PermissionPolicy = "deny"
)

type Permissions struct {
	AddMember      PermissionPolicy
	RemoveMember   PermissionPolicy
	UpdateMetadata PermissionPolicy
}

// DefaultPermissions lets any member share the conversation; removals and
// metadata stay with admins.
func DefaultPermissions() Permissions {
	return Permissions{
		AddMember:      PolicyAllMembers,
		RemoveMember:   PolicyAdminOnly,
		UpdateMetadata: PolicyAdminOnly,
	}
}

type Member struct {
	InboxID string
	Role    domain.MemberRole
}

// Message is a network message. For locally authored messages ID equals the
// id returned by PrepareMessage, so the echo can be matched.
type Message struct {
	ID             string
	ConversationID string
	SenderInboxID  string
	Text           string
	SentAt         time.Time
}

type GroupOptions struct {
	Name        string
	Description string
	ImageURL    string
	Permissions Permissions
}

type Conversation interface {
	ID() string
	Kind() domain.ConversationKind
	CreatedAt() time.Time
	CreatorInboxID() string
	Name() string
	Description() string
	ImageURL() string
	InviteTag() string

	Members(ctx context.Context) ([]Member, error)
	ConsentState(ctx context.Context) (domain.ConsentState, error)
	UpdateConsentState(ctx context.Context, state domain.ConsentState) error

	UpdateName(ctx context.Context, name string) error
	UpdateImageURL(ctx context.Context, url string) error
	UpdateInviteTag(ctx context.Context, tag string) error
	UpdatePermissions(ctx context.Context, p Permissions) error
	AddMembers(ctx context.Context, inboxIDs ...string) error

	// PrepareMessage stores text locally and returns its final id. Nothing
	// reaches the network until Publish.
	PrepareMessage(ctx context.Context, text string) (string, error)
	// Publish pushes an optimistic conversation and every prepared message.
	Publish(ctx context.Context) error
	Send(ctx context.Context, text string) (string, error)
	Sync(ctx context.Context) error
}

type Client interface {
	InboxID() string
	InstallationID() string

	// PrepareGroup creates a group optimistically; it has its final id but is
	// unknown to the network until published.
	PrepareGroup(ctx context.Context, opts GroupOptions) (Conversation, error)
	// FindConversation fails with a protocol-kind ErrConversationNotFound.
	FindConversation(ctx context.Context, id string) (Conversation, error)
	FindOrCreateDM(ctx context.Context, peerInboxID string) (Conversation, error)
	ListConversations(ctx context.Context) ([]Conversation, error)

	// Streams deliver until ctx is done or the network ends them; the
	// channel is closed either way.
	StreamConversations(ctx context.Context) (<-chan Conversation, error)
	StreamAllMessages(ctx context.Context) (<-chan Message, error)

	SyncAll(ctx context.Context) error
	SignWithInstallationKey(msg []byte) ([]byte, error)
	DeleteLocalDatabase() error
	Close() error
}

// ClientFactory creates a brand new network identity or rebuilds a client
// for one that already exists.
type ClientFactory interface {
	Create(ctx context.Context, key *keys.PrivateKey) (Client, error)
	Build(ctx context.Context, inboxID string, key *keys.PrivateKey) (Client, error)
}
