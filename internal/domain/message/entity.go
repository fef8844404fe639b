package message

import (
	"database/sql"
	"time"

	"sentinal-convos/internal/domain"
)

// Message carries the local id assigned when it was authored and, once the
// network confirms it, the canonical id.
type Message struct {
	ID             string
	CanonicalID    sql.NullString
	ConversationID string
	SenderInboxID  string
	Text           string
	Status         domain.MessageStatus
	SentAt         time.Time
	CreatedAt      time.Time
}

func (Message) TableName() string {
	return "messages"
}
