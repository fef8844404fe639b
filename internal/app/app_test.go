package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinal-convos/internal/config"
	"sentinal-convos/internal/convo"
	"sentinal-convos/internal/protocol/protocoltest"
	"sentinal-convos/internal/transport/httpdto"
	"sentinal-convos/pkg/database"
	"sentinal-convos/pkg/logger"
)

// backendStub accepts every authenticated call and echoes request bodies
// back as response data.
type backendStub struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []string
}

func newBackendStub(t *testing.T) *backendStub {
	t.Helper()
	gin.SetMode(gin.TestMode)
	b := &backendStub{}

	r := gin.New()
	r.POST("/v2/auth/token", func(c *gin.Context) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).SignedString([]byte("stub"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, httpdto.NewErrorResponse(err.Error(), "INTERNAL"))
			return
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.AuthTokenResponse{Token: token}))
	})
	r.NoRoute(func(c *gin.Context) {
		b.mu.Lock()
		b.requests = append(b.requests, c.Request.Method+" "+c.Request.URL.Path)
		b.mu.Unlock()

		body, _ := io.ReadAll(c.Request.Body)
		if len(body) == 0 {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(json.RawMessage(body)))
	})

	b.srv = httptest.NewServer(r)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backendStub) saw(req string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.requests {
		if r == req {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T, backendURL string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.App.Environment = "test"
	cfg.Database.Path = database.MemoryDSN
	cfg.Backend.URL = backendURL
	cfg.Backend.Timeout = 5 * time.Second
	cfg.Invites.MaxDecompressedBytes = 1 << 20
	cfg.Invites.MaxCompressionRatio = 100
	cfg.Invites.DefaultTTL = 24 * time.Hour
	cfg.Invites.BaseURL = "https://convos.example/v2"
	return cfg
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestApp_RegisterAndCreateConversation(t *testing.T) {
	stub := newBackendStub(t)
	net := protocoltest.NewNetwork()

	a, err := New(context.Background(), testConfig(t, stub.srv.URL), logger.NewNop(), Deps{Factory: net.Factory()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	a.Identity().Register("Ada")
	ident, err := a.Identity().WaitForReady(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "Ada", ident.Identity.DisplayName.String)
	assert.True(t, stub.saw("POST /v2/users"))

	m := a.NewConversation()
	m.Create()
	ready, err := m.WaitForReady(waitCtx(t))
	require.NoError(t, err)

	assert.Equal(t, ident.InboxID(), ready.InboxID)
	assert.True(t, strings.HasPrefix(ready.InviteURL, "https://convos.example/v2"))
	assert.True(t, stub.saw("POST /v2/invites"))

	info, ok := net.Group(ready.NetworkID)
	require.True(t, ok)
	assert.NotEmpty(t, info.InviteTag)
}

func TestApp_CloseStopsConversationsAndIsIdempotent(t *testing.T) {
	stub := newBackendStub(t)
	net := protocoltest.NewNetwork()

	a, err := New(context.Background(), testConfig(t, stub.srv.URL), nil, Deps{Factory: net.Factory()})
	require.NoError(t, err)

	m := a.NewConversation()
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = m.Await(waitCtx(t))
	assert.Error(t, err)

	late := a.NewConversation()
	assert.Equal(t, convo.StateUninitialized, late.State().Kind)
}

func TestNew_RequiresFactoryAndConfig(t *testing.T) {
	_, err := New(context.Background(), nil, nil, Deps{Factory: protocoltest.NewNetwork().Factory()})
	assert.Error(t, err)

	_, err = New(context.Background(), testConfig(t, "http://localhost"), nil, Deps{})
	assert.Error(t, err)
}
