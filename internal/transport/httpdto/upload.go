package httpdto

// PresignRequest is used for POST /v2/attachments/presigned
type PresignRequest struct {
	FileName    string `json:"file_name" binding:"required"`
	ContentType string `json:"content_type" binding:"required"`
}

// PresignResponse tells the client where to PUT the bytes and where they
// will be readable afterwards
type PresignResponse struct {
	UploadURL string `json:"upload_url"`
	AssetURL  string `json:"asset_url"`
}
