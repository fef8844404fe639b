package httpdto

// AuthTokenRequest is used for POST /v2/auth/token
type AuthTokenRequest struct {
	InboxID        string `json:"inbox_id" binding:"required"`
	InstallationID string `json:"installation_id" binding:"required"`
	ClientID       string `json:"client_id" binding:"required"`
	Timestamp      int64  `json:"timestamp" binding:"required"`
	// Signature is hex of the installation key signature over the
	// challenge string built from the fields above.
	Signature string `json:"signature" binding:"required"`
}

// AuthTokenResponse carries a JWT whose exp claim bounds its use
type AuthTokenResponse struct {
	Token string `json:"token"`
}
