// Package app wires the store, backend client, writers and state machines
// for one process.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"sentinal-convos/internal/backend"
	"sentinal-convos/internal/config"
	"sentinal-convos/internal/convo"
	"sentinal-convos/internal/identity"
	"sentinal-convos/internal/invite"
	"sentinal-convos/internal/protocol"
	"sentinal-convos/internal/repository"
	"sentinal-convos/internal/services"
	"sentinal-convos/internal/storage"
	"sentinal-convos/internal/writer"
	"sentinal-convos/pkg/database"
	"sentinal-convos/pkg/logger"
)

// Deps are the platform pieces the app cannot build from configuration.
type Deps struct {
	Factory protocol.ClientFactory
	// PushToken may be nil on hosts without push.
	PushToken identity.PushTokenProvider
	// HTTPClient overrides the backend transport; nil uses one with the
	// configured timeout.
	HTTPClient *http.Client
}

type App struct {
	cfg *config.Config
	log *logger.Logger
	db  *sql.DB

	store         *repository.Store
	api           *backend.Client
	conversations *writer.ConversationWriter
	messages      *writer.MessageWriter
	invites       *writer.InviteWriter
	limits        invite.Limits
	identity      *identity.Machine

	mu     sync.Mutex
	convos []*convo.Machine
	closed bool
}

func New(ctx context.Context, cfg *config.Config, log *logger.Logger, deps Deps) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	if deps.Factory == nil {
		return nil, fmt.Errorf("app: protocol client factory is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	logger.SetGlobalLogger(log)

	db, err := database.Open(ctx, cfg.Database.Path, log.Named("database"))
	if err != nil {
		return nil, err
	}
	store := repository.NewStore(db)

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Backend.Timeout}
	}
	opts := []backend.Option{backend.WithLogger(log)}
	if cfg.S3.Enabled() {
		uploader, err := storage.NewClient(ctx, storage.S3Config{
			Region:     cfg.S3.Region,
			Bucket:     cfg.S3.Bucket,
			AccessKey:  cfg.S3.AccessKey,
			SecretKey:  cfg.S3.SecretKey,
			Endpoint:   cfg.S3.Endpoint,
			PublicBase: cfg.S3.PublicBase,
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("app: s3 uploader: %w", err)
		}
		opts = append(opts, backend.WithUploader(uploader))
	}
	api := backend.NewClient(cfg.Backend.URL, httpClient, opts...)

	a := &App{
		cfg:           cfg,
		log:           log,
		db:            db,
		store:         store,
		api:           api,
		conversations: writer.NewConversationWriter(store, log),
		messages:      writer.NewMessageWriter(store, log),
		invites:       writer.NewInviteWriter(store, api, cfg.Invites.DefaultTTL, log),
		limits: invite.Limits{
			MaxDecompressedSize: cfg.Invites.MaxDecompressedBytes,
			MaxCompressionRatio: cfg.Invites.MaxCompressionRatio,
		},
	}

	incoming := writer.NewIncomingMessageWriter(store)
	a.identity = identity.New(identity.Config{
		InboxID:         cfg.Database.InboxID,
		ConstrainedHost: cfg.App.ConstrainedHost,
	}, identity.Deps{
		Store:     store,
		Factory:   deps.Factory,
		API:       api,
		Services:  services.NewFactory(a.conversations, incoming, a.invites, a.limits, log),
		PushToken: deps.PushToken,
		Log:       log,
	})

	log.Info("app started",
		zap.String("env", cfg.App.Environment),
		zap.String("db", cfg.Database.Path),
		zap.Bool("s3_uploads", cfg.S3.Enabled()),
	)
	return a, nil
}

func (a *App) Identity() *identity.Machine { return a.identity }

// Store exposes the local database for read models.
func (a *App) Store() *repository.Store { return a.store }

// NewConversation returns a fresh conversation machine bound to the app's
// identity. The app closes it on Close.
func (a *App) NewConversation() *convo.Machine {
	m := convo.New(convo.Deps{
		Identity:      a.identity,
		Store:         a.store,
		Conversations: a.conversations,
		Messages:      a.messages,
		Invites:       a.invites,
		Limits:        a.limits,
		InviteBaseURL: a.cfg.Invites.BaseURL,
		Log:           a.log,
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		m.Close()
		return m
	}
	a.convos = append(a.convos, m)
	return m
}

// Close stops every machine and closes the database. It is safe to call
// more than once.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	convos := a.convos
	a.convos = nil
	a.mu.Unlock()

	for _, m := range convos {
		m.Close()
	}
	a.identity.Close()

	if err := a.db.Close(); err != nil {
		return fmt.Errorf("app: close database: %w", err)
	}
	a.log.Info("app stopped")
	return nil
}
