package httpdto

// TopicRequest is used for POST /v2/notifications/subscribe and /unsubscribe
type TopicRequest struct {
	InstallationID string `json:"installation_id" binding:"required"`
	Topic          string `json:"topic" binding:"required"`
}

// InstallationRequest is used for POST /v2/notifications/installations
type InstallationRequest struct {
	InstallationID string `json:"installation_id" binding:"required"`
	PushToken      string `json:"push_token" binding:"required"`
}
