package httpdto

// CreateUserRequest is used for POST /v2/users
type CreateUserRequest struct {
	InboxID     string `json:"inbox_id" binding:"required"`
	ClientID    string `json:"client_id" binding:"required"`
	DisplayName string `json:"display_name,omitempty"`
}

// UpdateProfileRequest is used for PUT /v2/users/me
type UpdateProfileRequest struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}
