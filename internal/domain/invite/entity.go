package invite

import (
	"database/sql"
	"time"
)

// Invite is the locally stored shareable code for a conversation.
type Invite struct {
	ConversationID  string
	CreatorInboxID  string
	Tag             string
	Code            string
	ExpiresAt       sql.NullTime
	ExpiresAfterUse bool
	CreatedAt       time.Time
}

func (Invite) TableName() string {
	return "invites"
}
