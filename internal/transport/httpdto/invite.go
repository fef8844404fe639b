package httpdto

// InviteDTO is the backend's copy of an invite, keyed by code
type InviteDTO struct {
	Code            string `json:"code" binding:"required"`
	Tag             string `json:"tag" binding:"required"`
	CreatorInboxID  string `json:"creator_inbox_id" binding:"required"`
	Name            string `json:"name,omitempty"`
	Description     string `json:"description,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
	ExpiresAfterUse bool   `json:"expires_after_use,omitempty"`
}

// UpdateInviteRequest is used for PUT /v2/invites/:code
type UpdateInviteRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	ImageURL    *string `json:"image_url,omitempty"`
}
