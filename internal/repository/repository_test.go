package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinal-convos/internal/domain"
	"sentinal-convos/internal/domain/conversation"
	"sentinal-convos/internal/domain/inbox"
	"sentinal-convos/internal/domain/invite"
	"sentinal-convos/internal/domain/message"
	"sentinal-convos/pkg/database"
	sentinal_errors "sentinal-convos/pkg/errors"
	"sentinal-convos/pkg/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(context.Background(), database.MemoryDSN, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func seedIdentity(t *testing.T, repos *Repositories, inboxID string) {
	t.Helper()
	require.NoError(t, repos.Identities.Create(context.Background(), &inbox.Identity{
		InboxID:    inboxID,
		ClientID:   "client-" + inboxID,
		PrivateKey: []byte{1, 2, 3},
		CreatedAt:  time.Now().UTC(),
	}))
}

func seedConversation(t *testing.T, repos *Repositories, id, inboxID string) conversation.Conversation {
	t.Helper()
	now := time.Now().UTC()
	c := conversation.Conversation{
		ID:             id,
		InboxID:        inboxID,
		CreatorInboxID: inboxID,
		Kind:           domain.ConversationKindGroup,
		IsDraft:        true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, repos.Conversations.Create(context.Background(), &c))
	return c
}

func TestIdentityRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestStore(t).DB())

	seedIdentity(t, repos, "inbox-1")

	got, err := repos.Identities.Get(ctx, "inbox-1")
	require.NoError(t, err)
	assert.Equal(t, "client-inbox-1", got.ClientID)
	assert.Equal(t, []byte{1, 2, 3}, got.PrivateKey)
	assert.False(t, got.DisplayName.Valid)

	require.NoError(t, repos.Identities.UpdateDisplayName(ctx, "inbox-1", "Ada"))
	got, err = repos.Identities.Get(ctx, "inbox-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.DisplayName.String)

	all, err := repos.Identities.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	err = repos.Identities.Create(ctx, &inbox.Identity{InboxID: "inbox-1", ClientID: "other", PrivateKey: []byte{1}, CreatedAt: time.Now()})
	assert.True(t, errors.Is(err, sentinal_errors.ErrAlreadyExists))
	assert.True(t, errors.Is(err, sentinal_errors.ErrStorage))

	require.NoError(t, repos.Identities.Delete(ctx, "inbox-1"))
	_, err = repos.Identities.Get(ctx, "inbox-1")
	assert.True(t, errors.Is(err, sentinal_errors.ErrNotFound))
}

func TestConversationRepository_MissingIdentityIsStorageError(t *testing.T) {
	repos := NewRepositories(newTestStore(t).DB())
	now := time.Now().UTC()
	err := repos.Conversations.Create(context.Background(), &conversation.Conversation{
		ID: "c1", InboxID: "nobody", CreatorInboxID: "nobody", CreatedAt: now, UpdatedAt: now,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinal_errors.ErrConstraint))
	assert.Equal(t, sentinal_errors.KindStorage, sentinal_errors.KindOf(err))
}

func TestConversationRepository_AdoptCanonicalKeepsRow(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestStore(t).DB())
	seedIdentity(t, repos, "inbox-1")
	seedConversation(t, repos, "draft-1", "inbox-1")

	require.NoError(t, repos.Conversations.AdoptCanonical(ctx, "draft-1", "net-1"))

	byCanonical, err := repos.Conversations.GetByCanonicalID(ctx, "net-1")
	require.NoError(t, err)
	assert.Equal(t, "draft-1", byCanonical.ID)
	assert.False(t, byCanonical.IsDraft)
	assert.Equal(t, "net-1", byCanonical.NetworkID())

	all, err := repos.Conversations.ListByInbox(ctx, "inbox-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	seedConversation(t, repos, "draft-2", "inbox-1")
	err = repos.Conversations.AdoptCanonical(ctx, "draft-2", "net-1")
	assert.True(t, errors.Is(err, sentinal_errors.ErrAlreadyExists))
}

func TestConversationRepository_UpdateAndInviteTag(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestStore(t).DB())
	seedIdentity(t, repos, "inbox-1")
	c := seedConversation(t, repos, "c1", "inbox-1")

	c.Name = sql.NullString{String: "Trip", Valid: true}
	c.InviteTag = sql.NullString{String: "tag-1", Valid: true}
	c.UpdatedAt = time.Now().UTC()
	require.NoError(t, repos.Conversations.Update(ctx, c))

	got, err := repos.Conversations.GetByInviteTag(ctx, "inbox-1", "tag-1")
	require.NoError(t, err)
	assert.Equal(t, "Trip", got.Name.String)

	_, err = repos.Conversations.GetByInviteTag(ctx, "inbox-1", "tag-2")
	assert.True(t, errors.Is(err, sentinal_errors.ErrNotFound))

	seedIdentity(t, repos, "inbox-2")
	_, err = repos.Conversations.GetByInviteTag(ctx, "inbox-2", "tag-1")
	assert.True(t, errors.Is(err, sentinal_errors.ErrNotFound), "tags are scoped to their inbox")

	require.NoError(t, repos.Conversations.SetConsent(ctx, "c1", domain.ConsentDenied))
	got, err = repos.Conversations.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConsentDenied, got.Consent)

	missing := c
	missing.ID = "nope"
	assert.True(t, errors.Is(repos.Conversations.Update(ctx, missing), sentinal_errors.ErrNotFound))
}

func TestConversationRepository_Members(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestStore(t).DB())
	seedIdentity(t, repos, "inbox-1")
	seedConversation(t, repos, "c1", "inbox-1")

	require.NoError(t, repos.Conversations.ReplaceMembers(ctx, "c1", []conversation.Member{
		{InboxID: "inbox-1", Role: domain.MemberRoleSuperAdmin},
		{InboxID: "inbox-2"},
	}))
	require.NoError(t, repos.Conversations.ReplaceMembers(ctx, "c1", []conversation.Member{
		{InboxID: "inbox-1", Role: domain.MemberRoleSuperAdmin},
		{InboxID: "inbox-3"},
	}))

	members, err := repos.Conversations.GetMembers(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "inbox-3", members[1].InboxID)
	assert.Equal(t, domain.MemberRoleMember, members[1].Role)
}

func TestConversationRepository_DeleteCascades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	repos := NewRepositories(store.DB())
	seedIdentity(t, repos, "inbox-1")
	seedConversation(t, repos, "c1", "inbox-1")
	seedConversation(t, repos, "c2", "inbox-1")
	now := time.Now().UTC()

	require.NoError(t, repos.Messages.Create(ctx, &message.Message{
		ID: "m1", ConversationID: "c1", SenderInboxID: "inbox-1", Text: "hi",
		Status: domain.MessageStatusUnpublished, SentAt: now, CreatedAt: now,
	}))
	require.NoError(t, repos.Conversations.ReplaceMembers(ctx, "c1", []conversation.Member{{InboxID: "inbox-1"}}))
	require.NoError(t, repos.LocalState.Upsert(ctx, conversation.LocalState{ConversationID: "c1", IsPinned: true, UpdatedAt: now}))
	require.NoError(t, repos.Invites.Upsert(ctx, &invite.Invite{ConversationID: "c1", CreatorInboxID: "inbox-1", Tag: "t", Code: "code", CreatedAt: now}))

	require.NoError(t, store.Write(ctx, func(r *Repositories) error {
		return r.Conversations.Delete(ctx, "c1")
	}))

	for _, table := range []string{"messages", "conversation_members", "conversation_local_state", "invites"} {
		var n int
		require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
		assert.Zero(t, n, table)
	}
	_, err := repos.Conversations.GetByID(ctx, "c1")
	assert.True(t, errors.Is(err, sentinal_errors.ErrNotFound))
	_, err = repos.Conversations.GetByID(ctx, "c2")
	assert.NoError(t, err)

	assert.True(t, errors.Is(repos.Conversations.Delete(ctx, "c1"), sentinal_errors.ErrNotFound))
}

func TestConversationRepository_DeleteRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM messages").WithArgs("c1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM conversation_members").WithArgs("c1").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = NewConversationRepository(db).Delete(context.Background(), "c1")
	require.Error(t, err)
	assert.Equal(t, sentinal_errors.KindStorage, sentinal_errors.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepository_PublishLifecycle(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestStore(t).DB())
	seedIdentity(t, repos, "inbox-1")
	seedConversation(t, repos, "c1", "inbox-1")
	seedConversation(t, repos, "c2", "inbox-1")
	now := time.Now().UTC()

	for i, id := range []string{"m1", "m2"} {
		require.NoError(t, repos.Messages.Create(ctx, &message.Message{
			ID: id, ConversationID: "c1", SenderInboxID: "inbox-1", Text: id,
			Status: domain.MessageStatusUnpublished, SentAt: now.Add(time.Duration(i) * time.Second), CreatedAt: now,
		}))
	}

	require.NoError(t, repos.Messages.MarkPublished(ctx, "m1", "net-m1"))
	got, err := repos.Messages.GetByCanonicalID(ctx, "net-m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID)
	assert.Equal(t, domain.MessageStatusPublished, got.Status)

	require.NoError(t, repos.Messages.MarkFailed(ctx, "m2"))
	assert.True(t, errors.Is(repos.Messages.MarkFailed(ctx, "m1"), sentinal_errors.ErrNotFound))

	require.NoError(t, repos.Messages.MoveToConversation(ctx, "c1", "c2"))
	list, err := repos.Messages.ListByConversation(ctx, "c2", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "m1", list[0].ID)
	assert.Equal(t, domain.MessageStatusFailed, list[1].Status)
}

func TestMessageRepository_PrepareOnUnclaimedDraft(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestStore(t).DB())
	draft := seedConversation(t, repos, "draft-1", "")
	got, err := repos.Conversations.GetByID(ctx, draft.ID)
	require.NoError(t, err)
	assert.Empty(t, got.InboxID)

	now := time.Now().UTC()
	require.NoError(t, repos.Messages.Create(ctx, &message.Message{
		ID: "m1", ConversationID: "draft-1", Text: "hi",
		Status: domain.MessageStatusUnpublished, SentAt: now, CreatedAt: now,
	}))

	seedIdentity(t, repos, "inbox-1")
	got.InboxID = "inbox-1"
	require.NoError(t, repos.Conversations.Update(ctx, got))
	list, err := repos.Conversations.ListByInbox(ctx, "inbox-1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, repos.Messages.Prepare(ctx, "m1", "draft-1", "net-m1", "inbox-1"))
	m, err := repos.Messages.GetByCanonicalID(ctx, "net-m1")
	require.NoError(t, err)
	assert.Equal(t, "inbox-1", m.SenderInboxID)
	assert.Equal(t, domain.MessageStatusUnpublished, m.Status)

	require.NoError(t, repos.Messages.MarkPublished(ctx, "m1", "net-m1"))
	assert.ErrorIs(t, repos.Messages.Prepare(ctx, "m1", "draft-1", "net-m1", "inbox-1"), sentinal_errors.ErrNotFound)
}

func TestInviteRepository_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestStore(t).DB())
	seedIdentity(t, repos, "inbox-1")
	seedConversation(t, repos, "c1", "inbox-1")
	now := time.Now().UTC()

	require.NoError(t, repos.Invites.Upsert(ctx, &invite.Invite{ConversationID: "c1", CreatorInboxID: "inbox-1", Tag: "t1", Code: "a", CreatedAt: now}))
	require.NoError(t, repos.Invites.Upsert(ctx, &invite.Invite{
		ConversationID: "c1", CreatorInboxID: "inbox-1", Tag: "t2", Code: "b",
		ExpiresAt: sql.NullTime{Time: now.Add(time.Hour), Valid: true}, ExpiresAfterUse: true, CreatedAt: now,
	}))

	got, err := repos.Invites.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Code)
	assert.True(t, got.ExpiresAfterUse)
	assert.True(t, got.ExpiresAt.Valid)

	byTag, err := repos.Invites.GetByTag(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, "c1", byTag.ConversationID)
	_, err = repos.Invites.GetByTag(ctx, "t1")
	assert.True(t, errors.Is(err, sentinal_errors.ErrNotFound))

	require.NoError(t, repos.Invites.Delete(ctx, "c1"))
	_, err = repos.Invites.Get(ctx, "c1")
	assert.True(t, errors.Is(err, sentinal_errors.ErrNotFound))
}

func TestLocalStateRepository_DefaultsAndUpsert(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestStore(t).DB())
	seedIdentity(t, repos, "inbox-1")
	seedConversation(t, repos, "c1", "inbox-1")

	s, err := repos.LocalState.Get(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, s.IsPinned)

	s.IsMuted = true
	s.UpdatedAt = time.Now().UTC()
	require.NoError(t, repos.LocalState.Upsert(ctx, s))
	s.IsUnread = true
	require.NoError(t, repos.LocalState.Upsert(ctx, s))

	got, err := repos.LocalState.Get(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.IsMuted)
	assert.True(t, got.IsUnread)
}

func TestStore_WriteRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	boom := errors.New("boom")
	err := store.Write(ctx, func(r *Repositories) error {
		seedIdentity(t, r, "inbox-1")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = store.Read(ctx, func(r *Repositories) error {
		_, err := r.Identities.Get(ctx, "inbox-1")
		return err
	})
	assert.True(t, errors.Is(err, sentinal_errors.ErrNotFound))
}

func TestWithTx_BeginError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectBegin().WillReturnError(errors.New("locked"))

	err = WithTx(context.Background(), db, func(DBTX) error { return nil })
	assert.Error(t, err)
	assert.Error(t, WithTx(context.Background(), nil, func(DBTX) error { return nil }))
}
