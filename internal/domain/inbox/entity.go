package inbox

import (
	"database/sql"
	"time"
)

// Identity maps a protocol inbox to the backend client it registered as, and
// holds the key used to sign and decrypt invites.
type Identity struct {
	InboxID     string
	ClientID    string
	PrivateKey  []byte
	DisplayName sql.NullString
	CreatedAt   time.Time
}

func (Identity) TableName() string {
	return "identities"
}
