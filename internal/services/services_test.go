package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinal-convos/internal/backend/backendtest"
	"sentinal-convos/internal/domain"
	"sentinal-convos/internal/domain/conversation"
	"sentinal-convos/internal/domain/inbox"
	"sentinal-convos/internal/domain/message"
	"sentinal-convos/internal/identity"
	"sentinal-convos/internal/invite"
	"sentinal-convos/internal/keys"
	"sentinal-convos/internal/protocol"
	"sentinal-convos/internal/protocol/protocoltest"
	"sentinal-convos/internal/repository"
	"sentinal-convos/internal/writer"
	"sentinal-convos/pkg/database"
	sentinal_errors "sentinal-convos/pkg/errors"
	"sentinal-convos/pkg/logger"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

// party is one device: its own database, writers and network client.
type party struct {
	ready identity.ReadyResult
	store *repository.Store
	w     writers
}

type writers struct {
	conversations *writer.ConversationWriter
	incoming      *writer.IncomingMessageWriter
	invites       *writer.InviteWriter
}

func newWriters(store *repository.Store) writers {
	return writers{
		conversations: writer.NewConversationWriter(store, nil),
		incoming:      writer.NewIncomingMessageWriter(store),
		invites:       writer.NewInviteWriter(store, nil, 0, nil),
	}
}

func newParty(t *testing.T, net *protocoltest.Network) *party {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.MemoryDSN, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := repository.NewStore(db)

	key, err := keys.Generate()
	require.NoError(t, err)
	client, err := net.Factory().Create(ctx, key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ident := inbox.Identity{
		InboxID:    client.InboxID(),
		ClientID:   "client-" + client.InboxID()[:8],
		PrivateKey: key.Bytes(),
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.Write(ctx, func(r *repository.Repositories) error {
		return r.Identities.Create(ctx, &ident)
	}))

	return &party{
		ready: identity.ReadyResult{
			Client:   client,
			API:      backendtest.New(),
			Identity: ident,
			Key:      key,
		},
		store: store,
		w:     newWriters(store),
	}
}

func (p *party) inboxID() string { return p.ready.InboxID() }

func (p *party) storedConversations(t *testing.T) []conversation.Conversation {
	t.Helper()
	var out []conversation.Conversation
	require.NoError(t, p.store.Read(context.Background(), func(r *repository.Repositories) error {
		var err error
		out, err = r.Conversations.ListByInbox(context.Background(), p.inboxID())
		return err
	}))
	return out
}

func (p *party) storedMessages(t *testing.T, conversationID string) []message.Message {
	t.Helper()
	var out []message.Message
	require.NoError(t, p.store.Read(context.Background(), func(r *repository.Repositories) error {
		var err error
		out, err = r.Messages.ListByConversation(context.Background(), conversationID, 0)
		return err
	}))
	return out
}

// ownGroup publishes a tagged group for p, stores it and signs an invite.
func (p *party) ownGroup(t *testing.T, name, tag string) (protocol.Conversation, conversation.Conversation, string) {
	t.Helper()
	ctx := context.Background()
	g, err := p.ready.Client.PrepareGroup(ctx, protocol.GroupOptions{Name: name})
	require.NoError(t, err)
	require.NoError(t, g.Publish(ctx))
	require.NoError(t, g.UpdateInviteTag(ctx, tag))

	row, err := p.w.conversations.Store(ctx, p.inboxID(), g, "")
	require.NoError(t, err)
	inv, err := p.w.invites.Generate(ctx, p.inboxID(), p.ready.Key, row)
	require.NoError(t, err)
	return g, row, inv.Code
}

func (p *party) startInviteJoin(t *testing.T, net *protocoltest.Network) *InviteJoinService {
	t.Helper()
	before := net.Calls(protocoltest.OpStreamMessages)
	s := NewInviteJoinService(p.ready, p.w.conversations, p.w.invites, invite.DefaultLimits(), logger.NewNop())
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	require.Eventually(t, func() bool { return net.Calls(protocoltest.OpStreamMessages) > before }, waitFor, tick)
	return s
}

func (p *party) startSync(t *testing.T, net *protocoltest.Network) *SyncService {
	t.Helper()
	before := net.Calls(protocoltest.OpStreamMessages)
	s := NewSyncService(p.ready, p.w.conversations, p.w.incoming, logger.NewNop())
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	require.Eventually(t, func() bool { return net.Calls(protocoltest.OpStreamMessages) > before }, waitFor, tick)
	return s
}

func sendDM(t *testing.T, from *party, to *party, text string) {
	t.Helper()
	ctx := context.Background()
	dm, err := from.ready.Client.FindOrCreateDM(ctx, to.inboxID())
	require.NoError(t, err)
	_, err = dm.Send(ctx, text)
	require.NoError(t, err)
}

func isMember(net *protocoltest.Network, networkID, inboxID string) bool {
	g, ok := net.Group(networkID)
	if !ok {
		return false
	}
	for _, m := range g.Members {
		if m == inboxID {
			return true
		}
	}
	return false
}

func TestInviteJoinService_AddsSenderOfValidCode(t *testing.T) {
	net := protocoltest.NewNetwork()
	creator, joiner := newParty(t, net), newParty(t, net)
	g, _, code := creator.ownGroup(t, "Climbing", "tag-1")

	creator.startInviteJoin(t, net)
	sendDM(t, joiner, creator, code)

	require.Eventually(t, func() bool { return isMember(net, g.ID(), joiner.inboxID()) }, waitFor, tick)
	info, _ := net.Group(g.ID())
	assert.Equal(t, "tag-1", info.InviteTag, "reusable invites keep their tag")
}

func TestInviteJoinService_RejectsBadCodes(t *testing.T) {
	net := protocoltest.NewNetwork()
	creator := newParty(t, net)
	forger, stale, plain, good := newParty(t, net), newParty(t, net), newParty(t, net), newParty(t, net)

	g, _, code := creator.ownGroup(t, "Climbing", "tag-1")

	// Same payload shape, signed by someone other than the creator.
	forged, err := invite.Create(invite.Params{
		ConversationID: g.ID(),
		CreatorInboxID: creator.inboxID(),
		Tag:            "tag-1",
	}, forger.ready.Key)
	require.NoError(t, err)

	// Properly signed, but for a tag that is no longer current.
	old, err := invite.Create(invite.Params{
		ConversationID: g.ID(),
		CreatorInboxID: creator.inboxID(),
		Tag:            "tag-0",
	}, creator.ready.Key)
	require.NoError(t, err)

	creator.startInviteJoin(t, net)
	sendDM(t, forger, creator, forged.Encode())
	sendDM(t, stale, creator, old.Encode())
	sendDM(t, plain, creator, "hello there")
	sendDM(t, good, creator, code)

	// Messages are handled in order, so once the good one lands the rest
	// have been judged.
	require.Eventually(t, func() bool { return isMember(net, g.ID(), good.inboxID()) }, waitFor, tick)
	assert.False(t, isMember(net, g.ID(), forger.inboxID()))
	assert.False(t, isMember(net, g.ID(), stale.inboxID()))
	assert.False(t, isMember(net, g.ID(), plain.inboxID()))
}

func TestInviteJoinService_RejectsExpiredCode(t *testing.T) {
	net := protocoltest.NewNetwork()
	creator, late, good := newParty(t, net), newParty(t, net), newParty(t, net)
	g, _, code := creator.ownGroup(t, "Climbing", "tag-1")

	expired, err := invite.Create(invite.Params{
		ConversationID: g.ID(),
		CreatorInboxID: creator.inboxID(),
		Tag:            "tag-1",
		ExpiresAt:      time.Now().Add(-time.Minute),
	}, creator.ready.Key)
	require.NoError(t, err)

	creator.startInviteJoin(t, net)
	sendDM(t, late, creator, expired.Encode())
	sendDM(t, good, creator, code)

	require.Eventually(t, func() bool { return isMember(net, g.ID(), good.inboxID()) }, waitFor, tick)
	assert.False(t, isMember(net, g.ID(), late.inboxID()))
}

func TestInviteJoinService_SingleUseInviteRotatesTag(t *testing.T) {
	net := protocoltest.NewNetwork()
	creator, first, second := newParty(t, net), newParty(t, net), newParty(t, net)
	g, row, _ := creator.ownGroup(t, "Secret", "tag-1")

	once, err := invite.Create(invite.Params{
		ConversationID:  g.ID(),
		CreatorInboxID:  creator.inboxID(),
		Tag:             "tag-1",
		ExpiresAfterUse: true,
	}, creator.ready.Key)
	require.NoError(t, err)
	code := once.Encode()

	creator.startInviteJoin(t, net)
	sendDM(t, first, creator, code)
	require.Eventually(t, func() bool {
		info, _ := net.Group(g.ID())
		return info.InviteTag != "tag-1"
	}, waitFor, tick)
	assert.True(t, isMember(net, g.ID(), first.inboxID()))

	require.Eventually(t, func() bool {
		_, err := creator.w.invites.Get(context.Background(), row.ID)
		return err != nil
	}, waitFor, tick)
	_, err = creator.w.invites.Get(context.Background(), row.ID)
	assert.ErrorIs(t, err, sentinal_errors.ErrNotFound)

	// A fresh, reusable code as a marker that the second attempt was seen.
	row.InviteTag.String = g.InviteTag()
	fresh, err := creator.w.invites.Generate(context.Background(), creator.inboxID(), creator.ready.Key, row)
	require.NoError(t, err)
	marker := newParty(t, net)

	sendDM(t, second, creator, code)
	sendDM(t, marker, creator, fresh.Code)
	require.Eventually(t, func() bool { return isMember(net, g.ID(), marker.inboxID()) }, waitFor, tick)
	assert.False(t, isMember(net, g.ID(), second.inboxID()))
}

func TestSyncService_StoresGroupsAndMessages(t *testing.T) {
	net := protocoltest.NewNetwork()
	creator, member := newParty(t, net), newParty(t, net)
	ctx := context.Background()

	member.startSync(t, net)

	g, _, _ := creator.ownGroup(t, "Book club", "tag-1")
	require.NoError(t, g.AddMembers(ctx, member.inboxID()))

	require.Eventually(t, func() bool { return len(member.storedConversations(t)) == 1 }, waitFor, tick)
	row := member.storedConversations(t)[0]
	assert.Equal(t, g.ID(), row.NetworkID())
	assert.Equal(t, "Book club", row.Name.String)
	assert.Equal(t, creator.inboxID(), row.CreatorInboxID)

	_, err := g.Send(ctx, "chapter 3 tonight")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(member.storedMessages(t, row.ID)) == 1 }, waitFor, tick)
	msg := member.storedMessages(t, row.ID)[0]
	assert.Equal(t, "chapter 3 tonight", msg.Text)
	assert.Equal(t, domain.MessageStatusPublished, msg.Status)
}

func TestSyncService_FetchesUnknownConversationForMessage(t *testing.T) {
	net := protocoltest.NewNetwork()
	creator, member := newParty(t, net), newParty(t, net)
	ctx := context.Background()

	// Added before the sync runs, so the conversation never comes through
	// the stream.
	g, _, _ := creator.ownGroup(t, "Late", "tag-1")
	require.NoError(t, g.AddMembers(ctx, member.inboxID()))

	member.startSync(t, net)
	_, err := g.Send(ctx, "anyone here?")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		convs := member.storedConversations(t)
		return len(convs) == 1 && len(member.storedMessages(t, convs[0].ID)) == 1
	}, waitFor, tick)
	assert.GreaterOrEqual(t, net.Calls(protocoltest.OpFindConversation), 1)
	assert.Equal(t, 1, net.Calls(protocoltest.OpSyncAll))
}

func TestSyncService_LeavesDirectMessagesAlone(t *testing.T) {
	net := protocoltest.NewNetwork()
	owner, peer, other := newParty(t, net), newParty(t, net), newParty(t, net)
	ctx := context.Background()

	owner.startSync(t, net)
	sendDM(t, peer, owner, "a code, probably")

	// A later group message proves the DM traffic was already processed.
	g, _, _ := other.ownGroup(t, "Marker", "tag-m")
	require.NoError(t, g.AddMembers(ctx, owner.inboxID()))
	_, err := g.Send(ctx, "marker")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		convs := owner.storedConversations(t)
		return len(convs) == 1 && len(owner.storedMessages(t, convs[0].ID)) == 1
	}, waitFor, tick)
	assert.Equal(t, domain.ConversationKindGroup, owner.storedConversations(t)[0].Kind)
}

func TestServices_StopIsIdempotent(t *testing.T) {
	net := protocoltest.NewNetwork()
	p := newParty(t, net)
	w := p.w

	factory := NewFactory(w.conversations, w.incoming, w.invites, invite.Limits{}, nil)
	svcs := factory(p.ready)
	require.Len(t, svcs, 2)
	for _, s := range svcs {
		s.Start(context.Background())
	}
	for _, s := range svcs {
		s.Stop()
		s.Stop()
	}
}
