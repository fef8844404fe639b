package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"sentinal-convos/internal/storage"
	"sentinal-convos/internal/transport/httpdto"
	sentinal_errors "sentinal-convos/pkg/errors"
	"sentinal-convos/pkg/logger"
)

// tokenRefreshSkew renews a session slightly before the server would reject
// it.
const tokenRefreshSkew = 30 * time.Second

// Uploader stores attachments directly, bypassing backend presigning.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// APIError is a non-2xx backend response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend returned %d", e.StatusCode)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return sentinal_errors.ErrNotFound
	case e.StatusCode == http.StatusUnauthorized:
		return sentinal_errors.ErrUnauthorized
	case e.StatusCode == http.StatusConflict:
		return sentinal_errors.ErrConflict
	case e.StatusCode == http.StatusBadRequest:
		return sentinal_errors.ErrInvalidInput
	case e.StatusCode >= 500:
		return sentinal_errors.ErrServiceUnavailable
	default:
		return nil
	}
}

type Client struct {
	baseURL  string
	http     *http.Client
	uploader Uploader
	log      *logger.Logger
	now      func() time.Time

	mu        sync.Mutex
	creds     *Credentials
	token     string
	expiresAt time.Time
}

var _ API = (*Client)(nil)

type Option func(*Client)

func WithUploader(u Uploader) Option {
	return func(c *Client) { c.uploader = u }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(baseURL string, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     logger.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Authenticate(ctx context.Context, creds Credentials) error {
	const op = "backend.Authenticate"
	if creds.Sign == nil {
		return sentinal_errors.E(sentinal_errors.KindProtocol, op, sentinal_errors.ErrInvalidInput)
	}

	ts := c.now().Unix()
	sig, err := creds.Sign([]byte(AuthChallenge(creds.InboxID, creds.InstallationID, ts)))
	if err != nil {
		return sentinal_errors.E(sentinal_errors.KindCrypto, op, err)
	}

	var out httpdto.AuthTokenResponse
	err = c.send(ctx, http.MethodPost, "/v2/auth/token", "", httpdto.AuthTokenRequest{
		InboxID:        creds.InboxID,
		InstallationID: creds.InstallationID,
		ClientID:       creds.ClientID,
		Timestamp:      ts,
		Signature:      hex.EncodeToString(sig),
	}, &out)
	if err != nil {
		return sentinal_errors.E(sentinal_errors.KindProtocol, op, err)
	}

	expiresAt, err := tokenExpiry(out.Token)
	if err != nil {
		return sentinal_errors.E(sentinal_errors.KindProtocol, op, err)
	}

	stored := creds
	c.mu.Lock()
	c.creds = &stored
	c.token = out.Token
	c.expiresAt = expiresAt
	c.mu.Unlock()

	c.log.Debug("backend session established",
		zap.String("inbox_id", creds.InboxID),
		zap.Time("expires_at", expiresAt),
	)
	return nil
}

// tokenExpiry reads exp without verifying the signature; the backend is the
// only verifier. A token without exp never expires locally.
func tokenExpiry(token string) (time.Time, error) {
	if token == "" {
		return time.Time{}, errors.New("empty session token")
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse session token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

// sessionToken returns a live token, re-authenticating when the current one
// is missing or about to expire.
func (c *Client) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, expiresAt, creds := c.token, c.expiresAt, c.creds
	c.mu.Unlock()

	if token != "" && (expiresAt.IsZero() || c.now().Add(tokenRefreshSkew).Before(expiresAt)) {
		return token, nil
	}
	if creds == nil {
		return "", sentinal_errors.ErrUnauthorized
	}
	if err := c.Authenticate(ctx, *creds); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

func (c *Client) dropToken(stale string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == stale {
		c.token = ""
	}
}

// authed sends an authenticated request, renewing the session once on 401.
func (c *Client) authed(ctx context.Context, method, path string, body, out any) error {
	token, err := c.sessionToken(ctx)
	if err != nil {
		return err
	}
	err = c.send(ctx, method, path, token, body, out)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		c.dropToken(token)
		if token, err = c.sessionToken(ctx); err != nil {
			return err
		}
		return c.send(ctx, method, path, token, body, out)
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var envelope httpdto.Response[json.RawMessage]
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil && !errors.Is(err, io.EOF) {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 || (resp.StatusCode != http.StatusNoContent && !envelope.Success && envelope.Error != "") {
		return &APIError{StatusCode: resp.StatusCode, Code: envelope.Code, Message: envelope.Error}
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

func (c *Client) CreateUser(ctx context.Context, u User) error {
	err := c.authed(ctx, http.MethodPost, "/v2/users", httpdto.CreateUserRequest{
		InboxID:     u.InboxID,
		ClientID:    u.ClientID,
		DisplayName: u.DisplayName,
	}, nil)
	return sentinal_errors.E(sentinal_errors.KindProtocol, "backend.CreateUser", err)
}

func (c *Client) UpdateProfile(ctx context.Context, p Profile) error {
	err := c.authed(ctx, http.MethodPut, "/v2/users/me", httpdto.UpdateProfileRequest{
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
	}, nil)
	return sentinal_errors.E(sentinal_errors.KindProtocol, "backend.UpdateProfile", err)
}

func (c *Client) CreateInvite(ctx context.Context, inv Invite) (Invite, error) {
	var out httpdto.InviteDTO
	if err := c.authed(ctx, http.MethodPost, "/v2/invites", toInviteDTO(inv), &out); err != nil {
		return Invite{}, sentinal_errors.E(sentinal_errors.KindProtocol, "backend.CreateInvite", err)
	}
	return fromInviteDTO(out), nil
}

func (c *Client) GetInvite(ctx context.Context, code string) (Invite, error) {
	var out httpdto.InviteDTO
	if err := c.authed(ctx, http.MethodGet, "/v2/invites/"+url.PathEscape(code), nil, &out); err != nil {
		return Invite{}, sentinal_errors.E(sentinal_errors.KindProtocol, "backend.GetInvite", err)
	}
	return fromInviteDTO(out), nil
}

func (c *Client) UpdateInvite(ctx context.Context, code string, u InviteUpdate) error {
	err := c.authed(ctx, http.MethodPut, "/v2/invites/"+url.PathEscape(code), httpdto.UpdateInviteRequest{
		Name:        u.Name,
		Description: u.Description,
		ImageURL:    u.ImageURL,
	}, nil)
	return sentinal_errors.E(sentinal_errors.KindProtocol, "backend.UpdateInvite", err)
}

func (c *Client) installationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds == nil {
		return ""
	}
	return c.creds.InstallationID
}

func (c *Client) SubscribeTopic(ctx context.Context, topic string) error {
	err := c.authed(ctx, http.MethodPost, "/v2/notifications/subscribe", httpdto.TopicRequest{
		InstallationID: c.installationID(),
		Topic:          topic,
	}, nil)
	return sentinal_errors.E(sentinal_errors.KindProtocol, "backend.SubscribeTopic", err)
}

func (c *Client) UnsubscribeTopic(ctx context.Context, topic string) error {
	err := c.authed(ctx, http.MethodPost, "/v2/notifications/unsubscribe", httpdto.TopicRequest{
		InstallationID: c.installationID(),
		Topic:          topic,
	}, nil)
	return sentinal_errors.E(sentinal_errors.KindProtocol, "backend.UnsubscribeTopic", err)
}

func (c *Client) RegisterInstallation(ctx context.Context, installationID, pushToken string) error {
	err := c.authed(ctx, http.MethodPost, "/v2/notifications/installations", httpdto.InstallationRequest{
		InstallationID: installationID,
		PushToken:      pushToken,
	}, nil)
	return sentinal_errors.E(sentinal_errors.KindProtocol, "backend.RegisterInstallation", err)
}

func (c *Client) UnregisterInstallation(ctx context.Context, installationID string) error {
	err := c.authed(ctx, http.MethodDelete, "/v2/notifications/installations/"+url.PathEscape(installationID), nil, nil)
	return sentinal_errors.E(sentinal_errors.KindProtocol, "backend.UnregisterInstallation", err)
}

func (c *Client) UploadAttachment(ctx context.Context, name, contentType string, data []byte) (string, error) {
	const op = "backend.UploadAttachment"
	if err := storage.ValidateContentType(contentType); err != nil {
		return "", sentinal_errors.E(sentinal_errors.KindProtocol, op, fmt.Errorf("%w: %v", sentinal_errors.ErrInvalidInput, err))
	}

	if c.uploader != nil {
		u, err := c.uploader.Upload(ctx, storage.ObjectKey("attachments", contentType), contentType, data)
		return u, sentinal_errors.E(sentinal_errors.KindProtocol, op, err)
	}

	var presigned httpdto.PresignResponse
	if err := c.authed(ctx, http.MethodPost, "/v2/attachments/presigned", httpdto.PresignRequest{
		FileName:    name,
		ContentType: contentType,
	}, &presigned); err != nil {
		return "", sentinal_errors.E(sentinal_errors.KindProtocol, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presigned.UploadURL, bytes.NewReader(data))
	if err != nil {
		return "", sentinal_errors.E(sentinal_errors.KindProtocol, op, err)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", sentinal_errors.E(sentinal_errors.KindProtocol, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", sentinal_errors.E(sentinal_errors.KindProtocol, op, &APIError{StatusCode: resp.StatusCode})
	}
	return presigned.AssetURL, nil
}

func toInviteDTO(inv Invite) httpdto.InviteDTO {
	dto := httpdto.InviteDTO{
		Code:            inv.Code,
		Tag:             inv.Tag,
		CreatorInboxID:  inv.CreatorInboxID,
		Name:            inv.Name,
		Description:     inv.Description,
		ImageURL:        inv.ImageURL,
		ExpiresAfterUse: inv.ExpiresAfterUse,
	}
	if !inv.ExpiresAt.IsZero() {
		dto.ExpiresAt = inv.ExpiresAt.Unix()
	}
	return dto
}

func fromInviteDTO(dto httpdto.InviteDTO) Invite {
	inv := Invite{
		Code:            dto.Code,
		Tag:             dto.Tag,
		CreatorInboxID:  dto.CreatorInboxID,
		Name:            dto.Name,
		Description:     dto.Description,
		ImageURL:        dto.ImageURL,
		ExpiresAfterUse: dto.ExpiresAfterUse,
	}
	if dto.ExpiresAt > 0 {
		inv.ExpiresAt = time.Unix(dto.ExpiresAt, 0).UTC()
	}
	return inv
}
