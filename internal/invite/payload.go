package invite

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	sentinal_errors "sentinal-convos/pkg/errors"
	"sentinal-convos/pkg/wire"
)

// Payload field numbers. Numbers are never reused; unknown fields are
// skipped on decode so older clients read newer invites.
const (
	fieldConversationToken     protowire.Number = 1
	fieldCreatorInboxID        protowire.Number = 2
	fieldTag                   protowire.Number = 3
	fieldName                  protowire.Number = 4
	fieldDescription           protowire.Number = 5
	fieldImageURL              protowire.Number = 6
	fieldConversationExpiresAt protowire.Number = 7
	fieldExpiresAt             protowire.Number = 8
	fieldExpiresAfterUse       protowire.Number = 9
)

// Payload is the signed part of an invite. A zero time means the invite
// never expires on that axis.
type Payload struct {
	ConversationToken     []byte
	CreatorInboxID        string
	Tag                   string
	Name                  string
	Description           string
	ImageURL              string
	ConversationExpiresAt time.Time
	ExpiresAt             time.Time
	ExpiresAfterUse       bool
}

// MarshalBinary serializes the payload. The creator inbox id must be hex; it
// travels as raw bytes.
func (p Payload) MarshalBinary() ([]byte, error) {
	if len(p.ConversationToken) == 0 || p.Tag == "" {
		return nil, fmt.Errorf("%w: token and tag are required", sentinal_errors.ErrInvalidInput)
	}
	creator, err := wire.HexDecode(p.CreatorInboxID)
	if err != nil || len(creator) == 0 {
		return nil, fmt.Errorf("%w: creator inbox id must be hex", sentinal_errors.ErrInvalidInput)
	}

	var b []byte
	b = protowire.AppendTag(b, fieldConversationToken, protowire.BytesType)
	b = protowire.AppendBytes(b, p.ConversationToken)
	b = protowire.AppendTag(b, fieldCreatorInboxID, protowire.BytesType)
	b = protowire.AppendBytes(b, creator)
	b = protowire.AppendTag(b, fieldTag, protowire.BytesType)
	b = protowire.AppendString(b, p.Tag)
	b = appendOptionalString(b, fieldName, p.Name)
	b = appendOptionalString(b, fieldDescription, p.Description)
	b = appendOptionalString(b, fieldImageURL, p.ImageURL)
	b = appendOptionalTime(b, fieldConversationExpiresAt, p.ConversationExpiresAt)
	b = appendOptionalTime(b, fieldExpiresAt, p.ExpiresAt)
	if p.ExpiresAfterUse {
		b = protowire.AppendTag(b, fieldExpiresAfterUse, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b, nil
}

func (p *Payload) UnmarshalBinary(b []byte) error {
	var out Payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && num <= fieldImageURL:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return malformed(protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldConversationToken:
				out.ConversationToken = append([]byte(nil), v...)
			case fieldCreatorInboxID:
				out.CreatorInboxID = wire.HexEncode(v)
			case fieldTag:
				out.Tag = string(v)
			case fieldName:
				out.Name = string(v)
			case fieldDescription:
				out.Description = string(v)
			case fieldImageURL:
				out.ImageURL = string(v)
			default:
				return malformed(fmt.Errorf("field %d", num))
			}
		case typ == protowire.VarintType && (num == fieldConversationExpiresAt || num == fieldExpiresAt || num == fieldExpiresAfterUse):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return malformed(protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldConversationExpiresAt:
				out.ConversationExpiresAt = fromUnix(v)
			case fieldExpiresAt:
				out.ExpiresAt = fromUnix(v)
			case fieldExpiresAfterUse:
				out.ExpiresAfterUse = protowire.DecodeBool(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return malformed(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if len(out.ConversationToken) == 0 || out.CreatorInboxID == "" || out.Tag == "" {
		return malformed(fmt.Errorf("missing required field"))
	}
	*p = out
	return nil
}

// IsExpired reports whether the invite itself has expired at now.
func (p Payload) IsExpired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// IsConversationExpired reports whether the conversation the invite points at
// has expired at now.
func (p Payload) IsConversationExpired(now time.Time) bool {
	return !p.ConversationExpiresAt.IsZero() && !now.Before(p.ConversationExpiresAt)
}

func appendOptionalString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendOptionalTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() || t.Unix() <= 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(t.Unix()))
}

func fromUnix(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(int64(v), 0).UTC()
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", sentinal_errors.ErrMalformedInvite, err)
}
