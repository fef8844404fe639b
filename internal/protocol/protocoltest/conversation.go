package protocoltest

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"sentinal-convos/internal/domain"
	"sentinal-convos/internal/protocol"
)

// conversation is one client's handle on a group. Getters read the live
// network state.
type conversation struct {
	net    *Network
	client *Client
	id     string
}

var _ protocol.Conversation = (*conversation)(nil)

func (c *conversation) read(fn func(g *group)) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if g, ok := c.net.groups[c.id]; ok {
		fn(g)
	}
}

func (c *conversation) ID() string { return c.id }

func (c *conversation) Kind() (k domain.ConversationKind) {
	c.read(func(g *group) { k = g.kind })
	return k
}

func (c *conversation) CreatedAt() (t time.Time) {
	c.read(func(g *group) { t = g.createdAt })
	return t
}

func (c *conversation) CreatorInboxID() (s string) {
	c.read(func(g *group) { s = g.creator })
	return s
}

func (c *conversation) Name() (s string) {
	c.read(func(g *group) { s = g.name })
	return s
}

func (c *conversation) Description() (s string) {
	c.read(func(g *group) { s = g.description })
	return s
}

func (c *conversation) ImageURL() (s string) {
	c.read(func(g *group) { s = g.imageURL })
	return s
}

func (c *conversation) InviteTag() (s string) {
	c.read(func(g *group) { s = g.inviteTag })
	return s
}

// mutate runs fn under the network lock after the usual checks.
func (c *conversation) mutate(op string, fn func(g *group) error) error {
	if err := c.client.checkOpen(); err != nil {
		return err
	}
	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter(op); err != nil {
		return err
	}
	g, ok := n.groups[c.id]
	if !ok {
		return notFound(c.id)
	}
	if _, member := g.members[c.client.inboxID]; !member {
		return notFound(c.id)
	}
	return fn(g)
}

func (c *conversation) Members(ctx context.Context) ([]protocol.Member, error) {
	var out []protocol.Member
	err := c.mutate("members", func(g *group) error {
		for id, role := range g.members {
			out = append(out, protocol.Member{InboxID: id, Role: role})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].InboxID < out[j].InboxID })
	return out, err
}

func (c *conversation) ConsentState(ctx context.Context) (domain.ConsentState, error) {
	state := domain.ConsentUnknown
	err := c.mutate("consent_state", func(g *group) error {
		if s, ok := g.consent[c.client.inboxID]; ok {
			state = s
		}
		return nil
	})
	return state, err
}

func (c *conversation) UpdateConsentState(ctx context.Context, state domain.ConsentState) error {
	return c.mutate(OpUpdateConsent, func(g *group) error {
		g.consent[c.client.inboxID] = state
		return nil
	})
}

func (c *conversation) updateMetadata(fn func(g *group)) error {
	return c.mutate(OpUpdateMetadata, func(g *group) error {
		if !allowed(g.permissions.UpdateMetadata, g.members[c.client.inboxID]) {
			return ErrPermissionDenied
		}
		fn(g)
		return nil
	})
}

func (c *conversation) UpdateName(ctx context.Context, name string) error {
	return c.updateMetadata(func(g *group) { g.name = name })
}

func (c *conversation) UpdateImageURL(ctx context.Context, url string) error {
	return c.updateMetadata(func(g *group) { g.imageURL = url })
}

func (c *conversation) UpdateInviteTag(ctx context.Context, tag string) error {
	return c.updateMetadata(func(g *group) { g.inviteTag = tag })
}

func (c *conversation) UpdatePermissions(ctx context.Context, p protocol.Permissions) error {
	return c.mutate(OpUpdatePermissions, func(g *group) error {
		if g.members[c.client.inboxID] != domain.MemberRoleSuperAdmin {
			return ErrPermissionDenied
		}
		g.permissions = p
		return nil
	})
}

func (c *conversation) AddMembers(ctx context.Context, inboxIDs ...string) error {
	return c.mutate(OpAddMembers, func(g *group) error {
		if !allowed(g.permissions.AddMember, g.members[c.client.inboxID]) {
			return ErrPermissionDenied
		}
		for _, id := range inboxIDs {
			if _, ok := c.net.inboxes[id]; !ok {
				return ErrUnknownInbox
			}
		}
		for _, id := range inboxIDs {
			if _, already := g.members[id]; already {
				continue
			}
			g.members[id] = domain.MemberRoleMember
			if g.published {
				c.net.deliverConversationLocked(id, g)
			}
		}
		return nil
	})
}

func (c *conversation) PrepareMessage(ctx context.Context, text string) (string, error) {
	id := uuid.NewString()
	err := c.mutate("prepare_message", func(g *group) error {
		g.pending[c.client.inboxID] = append(g.pending[c.client.inboxID], protocol.Message{
			ID:             id,
			ConversationID: g.id,
			SenderInboxID:  c.client.inboxID,
			Text:           text,
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *conversation) Publish(ctx context.Context) error {
	return c.mutate(OpPublish, func(g *group) error {
		c.net.publishLocked(g, c.client.inboxID)
		return nil
	})
}

func (c *conversation) Send(ctx context.Context, text string) (string, error) {
	id, err := c.PrepareMessage(ctx, text)
	if err != nil {
		return "", err
	}
	if err := c.Publish(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func (c *conversation) Sync(ctx context.Context) error {
	return c.mutate("sync", func(g *group) error { return nil })
}
