package conversation

import (
	"database/sql"
	"time"

	"sentinal-convos/internal/domain"
)

// Conversation is keyed by a locally generated id. CanonicalID is filled in
// once the network has assigned one; the row itself never changes key.
type Conversation struct {
	ID             string
	CanonicalID    sql.NullString
	InboxID        string
	CreatorInboxID string
	Kind           domain.ConversationKind
	Consent        domain.ConsentState
	Name           sql.NullString
	Description    sql.NullString
	ImageURL       sql.NullString
	InviteTag      sql.NullString
	IsDraft        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Members []Member
}

// NetworkID is the id the protocol knows the conversation by.
func (c Conversation) NetworkID() string {
	if c.CanonicalID.Valid {
		return c.CanonicalID.String
	}
	return ""
}

type Member struct {
	ConversationID string
	InboxID        string
	Role           domain.MemberRole
}

// LocalState is per-device UI state that never leaves the device.
type LocalState struct {
	ConversationID string
	IsPinned       bool
	IsUnread       bool
	IsMuted        bool
	UpdatedAt      time.Time
}

func (Conversation) TableName() string {
	return "conversations"
}

func (Member) TableName() string {
	return "conversation_members"
}

func (LocalState) TableName() string {
	return "conversation_local_state"
}
