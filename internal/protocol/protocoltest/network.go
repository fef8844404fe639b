// Package protocoltest is an in-memory messaging network for tests. Every
// client built from one Network sees the same groups, DMs and messages.
package protocoltest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinal-convos/internal/domain"
	"sentinal-convos/internal/keys"
	"sentinal-convos/internal/protocol"
	sentinal_errors "sentinal-convos/pkg/errors"
)

var (
	ErrUnknownInbox     = errors.New("protocoltest: unknown inbox")
	ErrKeyMismatch      = errors.New("protocoltest: key does not own inbox")
	ErrPermissionDenied = errors.New("protocoltest: permission denied")
	ErrClientClosed     = errors.New("protocoltest: client closed")
)

// Operation names accepted by FailNext and Calls.
const (
	OpCreate              = "create"
	OpBuild               = "build"
	OpPrepareGroup        = "prepare_group"
	OpPublish             = "publish"
	OpFindConversation    = "find_conversation"
	OpFindOrCreateDM      = "find_or_create_dm"
	OpListConversations   = "list_conversations"
	OpStreamConversations = "stream_conversations"
	OpStreamMessages      = "stream_messages"
	OpSyncAll             = "sync_all"
	OpUpdateMetadata      = "update_metadata"
	OpUpdatePermissions   = "update_permissions"
	OpUpdateConsent       = "update_consent"
	OpAddMembers          = "add_members"
	OpDeleteDatabase      = "delete_database"
)

type group struct {
	id          string
	kind        domain.ConversationKind
	creator     string
	createdAt   time.Time
	name        string
	description string
	imageURL    string
	inviteTag   string
	permissions protocol.Permissions
	published   bool
	members     map[string]domain.MemberRole
	consent     map[string]domain.ConsentState
	messages    []protocol.Message
	// prepared messages per author, waiting for Publish
	pending map[string][]protocol.Message
}

type Network struct {
	mu       sync.Mutex
	inboxes  map[string][]byte // inbox id -> public key
	groups   map[string]*group
	clients  map[string][]*Client
	failures map[string][]error
	calls    map[string]int
	now      func() time.Time
}

func NewNetwork() *Network {
	return &Network{
		inboxes:  make(map[string][]byte),
		groups:   make(map[string]*group),
		clients:  make(map[string][]*Client),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// InboxIDFor derives the inbox id the network assigns to key.
func InboxIDFor(key *keys.PrivateKey) string {
	sum := sha256.Sum256(key.PublicKey())
	return hex.EncodeToString(sum[:])
}

// FailNext makes the next call of op fail with err. Calls stack.
func (n *Network) FailNext(op string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[op] = append(n.failures[op], err)
}

// Calls reports how many times op was invoked.
func (n *Network) Calls(op string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[op]
}

// enter counts op and pops an injected failure. Callers hold n.mu.
func (n *Network) enter(op string) error {
	n.calls[op]++
	if errs := n.failures[op]; len(errs) > 0 {
		n.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

// EndStreams closes every live stream of inboxID's clients, as a dropped
// connection would.
func (n *Network) EndStreams(inboxID string) {
	n.mu.Lock()
	clients := append([]*Client(nil), n.clients[inboxID]...)
	n.mu.Unlock()
	for _, c := range clients {
		c.endStreams()
	}
}

// Group returns a snapshot of a conversation's network-side metadata.
func (n *Network) Group(id string) (GroupInfo, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.groups[id]
	if !ok {
		return GroupInfo{}, false
	}
	members := make([]string, 0, len(g.members))
	for m := range g.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return GroupInfo{
		ID:        g.id,
		Kind:      g.kind,
		Creator:   g.creator,
		Name:      g.name,
		ImageURL:  g.imageURL,
		InviteTag: g.inviteTag,
		Published: g.published,
		Members:   members,
		Messages:  append([]protocol.Message(nil), g.messages...),
	}, true
}

type GroupInfo struct {
	ID        string
	Kind      domain.ConversationKind
	Creator   string
	Name      string
	ImageURL  string
	InviteTag string
	Published bool
	Members   []string
	Messages  []protocol.Message
}

// Factory returns a protocol.ClientFactory backed by n.
func (n *Network) Factory() protocol.ClientFactory {
	return factory{net: n}
}

type factory struct {
	net *Network
}

func (f factory) Create(ctx context.Context, key *keys.PrivateKey) (protocol.Client, error) {
	n := f.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter(OpCreate); err != nil {
		return nil, err
	}
	inboxID := InboxIDFor(key)
	n.inboxes[inboxID] = key.PublicKey()
	return n.newClientLocked(inboxID, key), nil
}

func (f factory) Build(ctx context.Context, inboxID string, key *keys.PrivateKey) (protocol.Client, error) {
	n := f.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter(OpBuild); err != nil {
		return nil, err
	}
	if _, ok := n.inboxes[inboxID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInbox, inboxID)
	}
	if InboxIDFor(key) != inboxID {
		return nil, ErrKeyMismatch
	}
	return n.newClientLocked(inboxID, key), nil
}

func (n *Network) newClientLocked(inboxID string, key *keys.PrivateKey) *Client {
	c := &Client{
		net:            n,
		inboxID:        inboxID,
		installationID: uuid.NewString(),
		key:            key,
	}
	n.clients[inboxID] = append(n.clients[inboxID], c)
	return c
}

func (n *Network) removeClient(c *Client) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.clients[c.inboxID]
	for i, other := range list {
		if other == c {
			n.clients[c.inboxID] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func notFound(id string) error {
	return sentinal_errors.E(sentinal_errors.KindProtocol, "protocol.FindConversation",
		fmt.Errorf("%w: %s", sentinal_errors.ErrConversationNotFound, id))
}

// deliverConversation notifies inboxID's clients. Callers hold n.mu.
func (n *Network) deliverConversationLocked(inboxID string, g *group) {
	for _, c := range n.clients[inboxID] {
		c.pushConversation(&conversation{net: n, client: c, id: g.id})
	}
}

func (n *Network) deliverMessageLocked(g *group, m protocol.Message) {
	for member := range g.members {
		for _, c := range n.clients[member] {
			c.pushMessage(m)
		}
	}
}

// publishLocked makes g visible and flushes author's pending messages.
func (n *Network) publishLocked(g *group, author string) {
	if !g.published {
		g.published = true
		for member := range g.members {
			if member != author {
				n.deliverConversationLocked(member, g)
			}
		}
	}
	pending := g.pending[author]
	delete(g.pending, author)
	for _, m := range pending {
		m.SentAt = n.now()
		g.messages = append(g.messages, m)
		n.deliverMessageLocked(g, m)
	}
}

func allowed(policy protocol.PermissionPolicy, role domain.MemberRole) bool {
	switch policy {
	case protocol.PolicyAllMembers:
		return true
	case protocol.PolicyAdminOnly:
		return role == domain.MemberRoleAdmin || role == domain.MemberRoleSuperAdmin
	case protocol.PolicySuperAdminOnly:
		return role == domain.MemberRoleSuperAdmin
	default:
		return false
	}
}
