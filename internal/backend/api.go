// Package backend is the client of the convos backend: session auth, user
// records, invite metadata, push topics and attachment uploads.
package backend

import (
	"context"
	"fmt"
	"time"
)

type API interface {
	// Authenticate exchanges an installation-key signature for a session.
	// Credentials are kept so expired sessions renew themselves.
	Authenticate(ctx context.Context, creds Credentials) error
	CreateUser(ctx context.Context, u User) error
	UpdateProfile(ctx context.Context, p Profile) error

	CreateInvite(ctx context.Context, inv Invite) (Invite, error)
	GetInvite(ctx context.Context, code string) (Invite, error)
	UpdateInvite(ctx context.Context, code string, u InviteUpdate) error

	SubscribeTopic(ctx context.Context, topic string) error
	UnsubscribeTopic(ctx context.Context, topic string) error
	RegisterInstallation(ctx context.Context, installationID, pushToken string) error
	UnregisterInstallation(ctx context.Context, installationID string) error

	// UploadAttachment stores data and returns the URL it can be read from.
	UploadAttachment(ctx context.Context, name, contentType string, data []byte) (string, error)
}

type Credentials struct {
	InboxID        string
	InstallationID string
	ClientID       string
	Sign           func(msg []byte) ([]byte, error)
}

type User struct {
	InboxID     string
	ClientID    string
	DisplayName string
}

type Profile struct {
	DisplayName string
	AvatarURL   string
}

type Invite struct {
	Code            string
	Tag             string
	CreatorInboxID  string
	Name            string
	Description     string
	ImageURL        string
	ExpiresAt       time.Time
	ExpiresAfterUse bool
}

// InviteUpdate changes only the non-nil fields.
type InviteUpdate struct {
	Name        *string
	Description *string
	ImageURL    *string
}

// ConversationTopic is the push topic for a conversation's network id.
func ConversationTopic(conversationID string) string {
	return fmt.Sprintf("/convos/v1/conversation/%s", conversationID)
}

// AuthChallenge is the exact string signed during Authenticate.
func AuthChallenge(inboxID, installationID string, timestamp int64) string {
	return fmt.Sprintf("convos-auth:%s:%s:%d", inboxID, installationID, timestamp)
}
