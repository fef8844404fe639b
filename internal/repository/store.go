package repository

import (
	"context"
	"database/sql"
)

// Repositories bundles every repository over one DBTX, either the database
// itself or a transaction.
type Repositories struct {
	Identities    IdentityRepository
	Conversations ConversationRepository
	Messages      MessageRepository
	Invites       InviteRepository
	LocalState    LocalStateRepository
}

func NewRepositories(db DBTX) *Repositories {
	return &Repositories{
		Identities:    NewIdentityRepository(db),
		Conversations: NewConversationRepository(db),
		Messages:      NewMessageRepository(db),
		Invites:       NewInviteRepository(db),
		LocalState:    NewLocalStateRepository(db),
	}
}

// Store hands out read and write handles. Writes run in a single
// transaction; a failing fn rolls everything back.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Read(ctx context.Context, fn func(*Repositories) error) error {
	return fn(NewRepositories(s.db))
}

func (s *Store) Write(ctx context.Context, fn func(*Repositories) error) error {
	return WithTx(ctx, s.db, func(tx DBTX) error {
		return fn(NewRepositories(tx))
	})
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
