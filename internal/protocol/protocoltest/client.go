package protocoltest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"sentinal-convos/internal/domain"
	"sentinal-convos/internal/events"
	"sentinal-convos/internal/keys"
	"sentinal-convos/internal/protocol"
)

type Client struct {
	net            *Network
	inboxID        string
	installationID string
	key            *keys.PrivateKey

	mu          sync.Mutex
	closed      bool
	dbDeleted   bool
	convStreams []*events.Queue[protocol.Conversation]
	msgStreams  []*events.Queue[protocol.Message]
}

var _ protocol.Client = (*Client)(nil)

func (c *Client) InboxID() string        { return c.inboxID }
func (c *Client) InstallationID() string { return c.installationID }

// DatabaseDeleted reports whether DeleteLocalDatabase ran.
func (c *Client) DatabaseDeleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dbDeleted
}

// Closed reports whether Close ran.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

func (c *Client) PrepareGroup(ctx context.Context, opts protocol.GroupOptions) (protocol.Conversation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter(OpPrepareGroup); err != nil {
		return nil, err
	}
	perms := opts.Permissions
	if perms == (protocol.Permissions{}) {
		perms = protocol.DefaultPermissions()
	}
	g := &group{
		id:          uuid.NewString(),
		kind:        domain.ConversationKindGroup,
		creator:     c.inboxID,
		createdAt:   n.now(),
		name:        opts.Name,
		description: opts.Description,
		imageURL:    opts.ImageURL,
		permissions: perms,
		members:     map[string]domain.MemberRole{c.inboxID: domain.MemberRoleSuperAdmin},
		consent:     map[string]domain.ConsentState{c.inboxID: domain.ConsentAllowed},
		pending:     make(map[string][]protocol.Message),
	}
	n.groups[g.id] = g
	return &conversation{net: n, client: c, id: g.id}, nil
}

func (c *Client) FindConversation(ctx context.Context, id string) (protocol.Conversation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter(OpFindConversation); err != nil {
		return nil, err
	}
	g, ok := n.groups[id]
	if !ok {
		return nil, notFound(id)
	}
	if _, member := g.members[c.inboxID]; !member {
		return nil, notFound(id)
	}
	if !g.published && g.creator != c.inboxID {
		return nil, notFound(id)
	}
	return &conversation{net: n, client: c, id: g.id}, nil
}

func (c *Client) FindOrCreateDM(ctx context.Context, peerInboxID string) (protocol.Conversation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter(OpFindOrCreateDM); err != nil {
		return nil, err
	}
	if _, ok := n.inboxes[peerInboxID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInbox, peerInboxID)
	}
	for _, g := range n.groups {
		if g.kind != domain.ConversationKindDM || len(g.members) != 2 {
			continue
		}
		_, self := g.members[c.inboxID]
		_, peer := g.members[peerInboxID]
		if self && peer {
			return &conversation{net: n, client: c, id: g.id}, nil
		}
	}
	g := &group{
		id:        uuid.NewString(),
		kind:      domain.ConversationKindDM,
		creator:   c.inboxID,
		createdAt: n.now(),
		published: true,
		members: map[string]domain.MemberRole{
			c.inboxID:   domain.MemberRoleMember,
			peerInboxID: domain.MemberRoleMember,
		},
		consent:     map[string]domain.ConsentState{c.inboxID: domain.ConsentAllowed},
		permissions: protocol.Permissions{AddMember: protocol.PolicyDeny, RemoveMember: protocol.PolicyDeny, UpdateMetadata: protocol.PolicyDeny},
		pending:     make(map[string][]protocol.Message),
	}
	n.groups[g.id] = g
	n.deliverConversationLocked(peerInboxID, g)
	return &conversation{net: n, client: c, id: g.id}, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]protocol.Conversation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter(OpListConversations); err != nil {
		return nil, err
	}
	var groups []*group
	for _, g := range n.groups {
		if _, member := g.members[c.inboxID]; member && g.published {
			groups = append(groups, g)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].createdAt.Before(groups[j].createdAt) })

	out := make([]protocol.Conversation, 0, len(groups))
	for _, g := range groups {
		out = append(out, &conversation{net: n, client: c, id: g.id})
	}
	return out, nil
}

func (c *Client) StreamConversations(ctx context.Context) (<-chan protocol.Conversation, error) {
	if err := c.streamPrecheck(OpStreamConversations); err != nil {
		return nil, err
	}
	q := events.NewQueue[protocol.Conversation]()
	c.mu.Lock()
	c.convStreams = append(c.convStreams, q)
	c.mu.Unlock()
	return pump(ctx, q), nil
}

func (c *Client) StreamAllMessages(ctx context.Context) (<-chan protocol.Message, error) {
	if err := c.streamPrecheck(OpStreamMessages); err != nil {
		return nil, err
	}
	q := events.NewQueue[protocol.Message]()
	c.mu.Lock()
	c.msgStreams = append(c.msgStreams, q)
	c.mu.Unlock()
	return pump(ctx, q), nil
}

func (c *Client) streamPrecheck(op string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.net.enter(op)
}

// pump forwards q to the returned channel until q closes or ctx is done.
func pump[T any](ctx context.Context, q *events.Queue[T]) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		defer q.Close()
		for {
			v, ok := q.Next(ctx)
			if !ok {
				return
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (c *Client) pushConversation(conv protocol.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	live := c.convStreams[:0]
	for _, q := range c.convStreams {
		if q.Enqueue(conv) {
			live = append(live, q)
		}
	}
	c.convStreams = live
}

func (c *Client) pushMessage(m protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	live := c.msgStreams[:0]
	for _, q := range c.msgStreams {
		if q.Enqueue(m) {
			live = append(live, q)
		}
	}
	c.msgStreams = live
}

func (c *Client) endStreams() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range c.convStreams {
		q.Close()
	}
	for _, q := range c.msgStreams {
		q.Close()
	}
	c.convStreams = nil
	c.msgStreams = nil
}

func (c *Client) SyncAll(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.net.enter(OpSyncAll)
}

func (c *Client) SignWithInstallationKey(msg []byte) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.key.Sign(msg), nil
}

func (c *Client) DeleteLocalDatabase() error {
	c.net.mu.Lock()
	err := c.net.enter(OpDeleteDatabase)
	c.net.mu.Unlock()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.dbDeleted = true
	c.mu.Unlock()
	return c.Close()
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.endStreams()
	c.net.removeClient(c)
	return nil
}
