package protocoltest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinal-convos/internal/keys"
	"sentinal-convos/internal/protocol"
)

func newClient(t *testing.T, n *Network) protocol.Client {
	t.Helper()
	key, err := keys.Generate()
	require.NoError(t, err)
	c, err := n.Factory().Create(context.Background(), key)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNetwork_PublishDeliversGroupAndEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n := NewNetwork()
	alice := newClient(t, n)
	bob := newClient(t, n)

	bobConvs, err := bob.StreamConversations(ctx)
	require.NoError(t, err)
	aliceMsgs, err := alice.StreamAllMessages(ctx)
	require.NoError(t, err)

	g, err := alice.PrepareGroup(ctx, protocol.GroupOptions{Name: "trip"})
	require.NoError(t, err)
	require.NoError(t, g.AddMembers(ctx, bob.InboxID()))
	id, err := g.PrepareMessage(ctx, "hello")
	require.NoError(t, err)

	_, err = bob.FindConversation(ctx, g.ID())
	require.Error(t, err, "unpublished groups are invisible to other members")

	require.NoError(t, g.Publish(ctx))

	got := <-bobConvs
	assert.Equal(t, g.ID(), got.ID())
	assert.Equal(t, "trip", got.Name())
	assert.Equal(t, alice.InboxID(), got.CreatorInboxID())

	echo := <-aliceMsgs
	assert.Equal(t, id, echo.ID)
	assert.Equal(t, "hello", echo.Text)
}

func TestNetwork_BuildRequiresKnownInboxAndKey(t *testing.T) {
	n := NewNetwork()
	key, err := keys.Generate()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = n.Factory().Build(ctx, InboxIDFor(key), key)
	assert.ErrorIs(t, err, ErrUnknownInbox)

	_, err = n.Factory().Create(ctx, key)
	require.NoError(t, err)
	c, err := n.Factory().Build(ctx, InboxIDFor(key), key)
	require.NoError(t, err)
	assert.Equal(t, InboxIDFor(key), c.InboxID())

	other, err := keys.Generate()
	require.NoError(t, err)
	_, err = n.Factory().Build(ctx, InboxIDFor(key), other)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestNetwork_FailNextAndEndStreams(t *testing.T) {
	n := NewNetwork()
	c := newClient(t, n)
	ctx := context.Background()

	boom := errors.New("boom")
	n.FailNext(OpSyncAll, boom)
	assert.ErrorIs(t, c.SyncAll(ctx), boom)
	assert.NoError(t, c.SyncAll(ctx))
	assert.Equal(t, 2, n.Calls(OpSyncAll))

	ch, err := c.StreamConversations(ctx)
	require.NoError(t, err)
	n.EndStreams(c.InboxID())
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}
}

func TestNetwork_MetadataRequiresPermission(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	alice := newClient(t, n)
	bob := newClient(t, n)

	g, err := alice.PrepareGroup(ctx, protocol.GroupOptions{})
	require.NoError(t, err)
	require.NoError(t, g.Publish(ctx))
	require.NoError(t, g.AddMembers(ctx, bob.InboxID()))

	bobView, err := bob.FindConversation(ctx, g.ID())
	require.NoError(t, err)
	assert.ErrorIs(t, bobView.UpdateName(ctx, "mine"), ErrPermissionDenied)
	require.NoError(t, g.UpdateName(ctx, "ours"))
	assert.Equal(t, "ours", bobView.Name())
}
