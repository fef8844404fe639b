package domain

type ConversationKind string

const (
	ConversationKindDM    ConversationKind = "dm"
	ConversationKindGroup ConversationKind = "group"
)

type MemberRole string

const (
	MemberRoleSuperAdmin MemberRole = "super_admin"
	MemberRoleAdmin      MemberRole = "admin"
	MemberRoleMember     MemberRole = "member"
)

type ConsentState string

const (
	ConsentUnknown ConsentState = "unknown"
	ConsentAllowed ConsentState = "allowed"
	ConsentDenied  ConsentState = "denied"
)

type MessageStatus string

const (
	MessageStatusUnpublished MessageStatus = "unpublished"
	MessageStatusPublished   MessageStatus = "published"
	MessageStatusFailed      MessageStatus = "failed"
)
