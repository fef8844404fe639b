package convo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sentinal-convos/internal/backend"
	"sentinal-convos/internal/commands"
	"sentinal-convos/internal/domain"
	"sentinal-convos/internal/domain/conversation"
	"sentinal-convos/internal/domain/message"
	"sentinal-convos/internal/events"
	"sentinal-convos/internal/identity"
	"sentinal-convos/internal/invite"
	"sentinal-convos/internal/protocol"
	"sentinal-convos/internal/repository"
	"sentinal-convos/internal/writer"
	sentinal_errors "sentinal-convos/pkg/errors"
	"sentinal-convos/pkg/logger"
)

const (
	cmdCreate      = "convo.create"
	cmdValidate    = "convo.validate"
	cmdJoin        = "convo.join"
	cmdDelete      = "convo.delete"
	cmdUpdateName  = "convo.update_name"
	cmdUpdateImage = "convo.update_image"
)

// IdentitySource is the part of the identity machine a conversation needs.
type IdentitySource interface {
	State() identity.State
	WaitForReady(ctx context.Context) (identity.ReadyResult, error)
}

type Deps struct {
	Identity      IdentitySource
	Store         *repository.Store
	Conversations *writer.ConversationWriter
	Messages      *writer.MessageWriter
	Invites       *writer.InviteWriter
	Limits        invite.Limits
	// InviteBaseURL renders share links; empty leaves bare codes.
	InviteBaseURL string
	Log           *logger.Logger
}

type imageUpdate struct {
	data        []byte
	contentType string
}

// Machine is a single-writer state machine for one conversation. Public
// operations enqueue and return; results are observed through state.
type Machine struct {
	deps Deps
	log  *logger.Logger
	now  func() time.Time

	state  *events.Subject[State]
	runner *commands.Runner
	ctx    context.Context
	cancel context.CancelFunc

	draftMu sync.Mutex
	draftID string

	outboxMu     sync.Mutex
	outbox       *events.Queue[message.Message]
	outboxCancel context.CancelFunc

	// owned by the runner goroutine
	previous *ReadyResult
}

func New(deps Deps) *Machine {
	log := deps.Log
	if log == nil {
		log = logger.NewNop()
	}
	if deps.Limits == (invite.Limits{}) {
		deps.Limits = invite.DefaultLimits()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		deps:    deps,
		now:     func() time.Time { return time.Now().UTC() },
		state:   events.NewSubject(State{Kind: StateUninitialized}),
		ctx:     ctx,
		cancel:  cancel,
		draftID: uuid.NewString(),
	}
	m.log = log.Named("convo")

	bus := commands.NewBus(commands.GuardFunc(m.legalNow))
	bus.Register(cmdCreate, commands.HandlerFunc(m.handleCreate))
	bus.Register(cmdValidate, commands.HandlerFunc(m.handleValidate))
	bus.Register(cmdJoin, commands.HandlerFunc(m.handleJoin))
	bus.Register(cmdDelete, commands.HandlerFunc(m.handleDelete))
	bus.Register(cmdUpdateName, commands.HandlerFunc(m.handleUpdateName))
	bus.Register(cmdUpdateImage, commands.HandlerFunc(m.handleUpdateImage))

	m.runner = commands.NewRunner(bus, m.onDone)
	m.runner.Start(ctx)
	return m
}

// DraftID is the local id the next created or joined conversation will
// use.
func (m *Machine) DraftID() string {
	m.draftMu.Lock()
	defer m.draftMu.Unlock()
	return m.draftID
}

func (m *Machine) resetDraft() {
	m.draftMu.Lock()
	defer m.draftMu.Unlock()
	m.draftID = uuid.NewString()
}

// Create starts a new conversation. It does nothing once ready.
func (m *Machine) Create() {
	m.submit(commands.SimpleCommand{Type: cmdCreate})
}

// Join accepts a bare invite code or a share URL.
func (m *Machine) Join(code string) {
	m.submit(commands.SimpleCommand{Type: cmdValidate, Payload: code, ValidateFunc: requireCode})
}

func requireCode(payload any) error {
	raw, _ := payload.(string)
	if invite.ExtractCode(raw) == "" {
		return sentinal_errors.E(sentinal_errors.KindCrypto, "convo.join",
			fmt.Errorf("%w: no invite code", sentinal_errors.ErrMalformedInvite))
	}
	return nil
}

// Delete abandons whatever is in flight, drops queued messages and removes
// the conversation locally.
func (m *Machine) Delete() {
	m.runner.CancelCurrent()
	m.stopOutbox()
	m.submit(commands.SimpleCommand{Type: cmdDelete})
}

func (m *Machine) UpdateName(name string) {
	m.submit(commands.SimpleCommand{Type: cmdUpdateName, Payload: name})
}

func (m *Machine) UpdateImage(data []byte, contentType string) {
	m.submit(commands.SimpleCommand{Type: cmdUpdateImage, Payload: imageUpdate{data: data, contentType: contentType}})
}

func (m *Machine) submit(cmd commands.Command) {
	if !m.runner.Submit(cmd) {
		m.log.Warn("conversation machine closed, dropping action", zap.String("action", cmd.CommandType()))
	}
}

func (m *Machine) State() State {
	return m.state.Value()
}

// Subscribe yields the current state and then every transition.
func (m *Machine) Subscribe(ctx context.Context) <-chan State {
	return m.state.Subscribe(ctx)
}

// WaitForReady blocks until the conversation is ready.
func (m *Machine) WaitForReady(ctx context.Context) (ReadyResult, error) {
	s, err := events.WaitFor(ctx, m.state, State.IsReady)
	if err != nil {
		return ReadyResult{}, waitErr("convo.WaitForReady", err)
	}
	return *s.Ready, nil
}

// Await blocks until the machine is ready or has failed. A failed state is
// returned with its cause.
func (m *Machine) Await(ctx context.Context) (State, error) {
	s, err := events.WaitFor(ctx, m.state, func(s State) bool {
		return s.IsReady() || s.Kind == StateError
	})
	if err != nil {
		return State{}, waitErr("convo.Await", err)
	}
	if s.Kind == StateError {
		return s, s.Err
	}
	return s, nil
}

func waitErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return sentinal_errors.E(sentinal_errors.KindTimeout, op, fmt.Errorf("%w: %v", sentinal_errors.ErrWaitTimeout, err))
	}
	return err
}

// Close stops the machine without touching stored data.
func (m *Machine) Close() {
	m.cancel()
	m.runner.Close()
	m.stopOutbox()
	m.state.Close()
}

func (m *Machine) transition(s State) {
	m.log.Debug("state transition", zap.String("state", s.String()))
	m.state.Publish(s)
}

func (m *Machine) onDone(ctx context.Context, cmd commands.Command, err error) {
	switch {
	case err == nil:
		return
	case sentinal_errors.KindOf(err) == sentinal_errors.KindState:
		m.log.Warn("ignoring action", zap.String("action", cmd.CommandType()), zap.Error(err))
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		m.log.Debug("action cancelled", zap.String("action", cmd.CommandType()))
	default:
		m.log.Error("action failed", zap.String("action", cmd.CommandType()), zap.Error(err))
		m.transition(State{Kind: StateError, Err: err})
	}
}

// legalFrom lists the states each action may start in.
var legalFrom = map[string][]StateKind{
	cmdCreate:      {StateUninitialized, StateError, StateReady},
	cmdValidate:    {StateUninitialized, StateError, StateReady},
	cmdJoin:        {StateValidated},
	cmdDelete:      {StateCreating, StateValidating, StateValidated, StateJoining, StateReady, StateError},
	cmdUpdateName:  {StateReady},
	cmdUpdateImage: {StateReady},
}

// legalNow rejects an action the current state does not accept.
func (m *Machine) legalNow(_ context.Context, cmd commands.Command) error {
	s := m.State()
	for _, k := range legalFrom[cmd.CommandType()] {
		if s.Kind == k {
			return nil
		}
	}
	return illegal(cmd.CommandType(), s.Kind)
}

func illegal(op string, from StateKind) error {
	return sentinal_errors.E(sentinal_errors.KindState, op,
		fmt.Errorf("%w: not allowed from %s", sentinal_errors.ErrInvalidTransition, from))
}

func protocolErr(op string, err error) error {
	return sentinal_errors.E(sentinal_errors.KindProtocol, op, err)
}

func (m *Machine) handleCreate(ctx context.Context, _ commands.Command) error {
	const op = "convo.create"
	if m.State().IsReady() {
		m.log.Debug("already ready, create is a no-op")
		return nil
	}
	m.previous = nil
	m.transition(State{Kind: StateCreating})

	draftID := m.DraftID()
	if err := m.ensureDraft(ctx, draftID); err != nil {
		return err
	}
	ident, err := m.deps.Identity.WaitForReady(ctx)
	if err != nil {
		return err
	}

	group, err := ident.Client.PrepareGroup(ctx, protocol.GroupOptions{Permissions: protocol.DefaultPermissions()})
	if err != nil {
		return protocolErr(op, err)
	}
	if err := group.Publish(ctx); err != nil {
		return protocolErr(op, err)
	}
	canonical, err := ident.Client.FindConversation(ctx, group.ID())
	if err != nil {
		return protocolErr(op, err)
	}
	if err := canonical.UpdatePermissions(ctx, protocol.DefaultPermissions()); err != nil {
		return protocolErr(op, err)
	}
	if err := canonical.UpdateInviteTag(ctx, uuid.NewString()); err != nil {
		return protocolErr(op, err)
	}

	row, err := m.deps.Conversations.Store(ctx, ident.InboxID(), canonical, draftID)
	if err != nil {
		return err
	}
	return m.settle(ctx, ident, row)
}

// settle issues the conversation's own invite, subscribes to its topic and
// moves to ready.
func (m *Machine) settle(ctx context.Context, ident identity.ReadyResult, row conversation.Conversation) error {
	inv, err := m.deps.Invites.Generate(ctx, ident.InboxID(), ident.Key, row)
	if err != nil {
		return err
	}
	if err := ident.API.SubscribeTopic(ctx, backend.ConversationTopic(row.NetworkID())); err != nil {
		m.log.Warn("topic subscribe failed", zap.String("conversation_id", row.ID), zap.Error(err))
	}
	m.becomeReady(ident, ReadyResult{
		ConversationID: row.ID,
		NetworkID:      row.NetworkID(),
		InboxID:        ident.InboxID(),
		InviteTag:      inv.Tag,
		InviteCode:     inv.Code,
		InviteURL:      invite.ShareURL(m.deps.InviteBaseURL, inv.Code),
	})
	return nil
}

func (m *Machine) becomeReady(ident identity.ReadyResult, r ReadyResult) {
	m.transition(State{Kind: StateReady, Ready: &r})

	prev := m.previous
	m.previous = nil
	if prev != nil && prev.ConversationID != r.ConversationID {
		go m.teardown(ident, *prev)
	}
}

// teardown removes a conversation the user switched away from.
func (m *Machine) teardown(ident identity.ReadyResult, r ReadyResult) {
	ctx := m.ctx
	log := m.log.With(zap.String("conversation_id", r.ConversationID))

	if r.NetworkID != "" {
		conv, err := ident.Client.FindConversation(ctx, r.NetworkID)
		if err == nil {
			err = conv.UpdateConsentState(ctx, domain.ConsentDenied)
		}
		if err != nil {
			log.Warn("denying consent on previous conversation failed", zap.Error(err))
		}
		if err := ident.API.UnsubscribeTopic(ctx, backend.ConversationTopic(r.NetworkID)); err != nil {
			log.Warn("topic unsubscribe failed", zap.Error(err))
		}
	}
	if err := m.deps.Conversations.Delete(ctx, r.ConversationID); err != nil {
		log.Error("deleting previous conversation failed", zap.Error(err))
		return
	}
	log.Info("previous conversation removed")
}

func (m *Machine) handleValidate(ctx context.Context, cmd commands.Command) (err error) {
	const op = "convo.validate"
	defer m.forgetPreviousOnError(&err)
	if s := m.State(); s.IsReady() {
		prev := *s.Ready
		m.previous = &prev
		m.resetDraft()
	}

	raw, _ := cmd.(commands.SimpleCommand).Payload.(string)
	code := invite.ExtractCode(raw)
	m.transition(State{Kind: StateValidating, Code: code})

	signed, err := invite.Decode(code, m.deps.Limits)
	if err != nil {
		return err
	}
	if _, err := signed.RecoverSigner(); err != nil {
		return sentinal_errors.E(sentinal_errors.KindCrypto, op, err)
	}
	now := m.now()
	if signed.Payload.IsExpired(now) || signed.Payload.IsConversationExpired(now) {
		return protocolErr(op, sentinal_errors.ErrInviteExpired)
	}

	ident, err := m.deps.Identity.WaitForReady(ctx)
	if err != nil {
		return err
	}
	existing, found, err := m.localByTag(ctx, ident.InboxID(), signed.Payload.Tag)
	if err != nil {
		return err
	}
	if found {
		m.log.Info("invite already joined", zap.String("conversation_id", existing.ID))
		if err := m.deps.Conversations.FoldDraft(ctx, m.DraftID(), existing.ID); err != nil {
			return err
		}
		r := ReadyResult{
			ConversationID: existing.ID,
			NetworkID:      existing.NetworkID(),
			InboxID:        existing.InboxID,
			InviteTag:      existing.InviteTag.String,
		}
		if inv, err := m.deps.Invites.Get(ctx, existing.ID); err == nil {
			r.InviteCode = inv.Code
			r.InviteURL = invite.ShareURL(m.deps.InviteBaseURL, inv.Code)
		}
		m.becomeReady(ident, r)
		return nil
	}

	m.transition(State{Kind: StateValidated, Code: code, Invite: signed, InboxID: ident.InboxID()})
	m.submit(commands.SimpleCommand{Type: cmdJoin})
	return nil
}

// forgetPreviousOnError keeps the conversation being switched away from
// when the switch fails.
func (m *Machine) forgetPreviousOnError(err *error) {
	if *err != nil {
		m.previous = nil
	}
}

func (m *Machine) localByTag(ctx context.Context, inboxID, tag string) (conversation.Conversation, bool, error) {
	var out conversation.Conversation
	err := m.deps.Store.Read(ctx, func(r *repository.Repositories) error {
		var err error
		out, err = r.Conversations.GetByInviteTag(ctx, inboxID, tag)
		return err
	})
	if errors.Is(err, sentinal_errors.ErrNotFound) {
		return conversation.Conversation{}, false, nil
	}
	return out, err == nil, err
}

// ensureDraft makes sure the draft row exists so work authored before the
// network conversation does has somewhere to live. The row is claimed by
// an identity once it is ready.
func (m *Machine) ensureDraft(ctx context.Context, draftID string) error {
	var inboxID string
	if ident, ok := m.currentIdentity(); ok {
		inboxID = ident.InboxID()
	}
	return m.deps.Conversations.CreateDraft(ctx, draftID, inboxID)
}

func (m *Machine) currentIdentity() (identity.ReadyResult, bool) {
	s := m.deps.Identity.State()
	if !s.IsReady() {
		return identity.ReadyResult{}, false
	}
	return *s.Ready, true
}

func (m *Machine) handleJoin(ctx context.Context, _ commands.Command) (err error) {
	const op = "convo.join"
	defer m.forgetPreviousOnError(&err)
	s := m.State()
	if s.Invite == nil {
		return illegal(op, s.Kind)
	}
	signed := s.Invite
	m.transition(State{Kind: StateJoining, Code: s.Code, Invite: signed, InboxID: s.InboxID})

	ident, err := m.deps.Identity.WaitForReady(ctx)
	if err != nil {
		return err
	}
	inviter, tag := signed.Payload.CreatorInboxID, signed.Payload.Tag

	// The stream is opened before the code is sent so the inviter's add
	// cannot land in the gap.
	streamCtx, stop := context.WithCancel(ctx)
	defer stop()
	stream, err := ident.Client.StreamConversations(streamCtx)
	if err != nil {
		return protocolErr(op, err)
	}

	match, known, err := m.alreadyMember(ctx, ident.Client, tag)
	if err != nil {
		return err
	}
	if match == nil {
		dm, err := ident.Client.FindOrCreateDM(ctx, inviter)
		if err != nil {
			return protocolErr(op, err)
		}
		if _, err := dm.Send(ctx, s.Code); err != nil {
			return protocolErr(op, err)
		}
		m.log.Debug("invite sent, waiting for group", zap.String("inviter", inviter))

		match, err = awaitMatch(streamCtx, stream, known, inviter, tag)
		if err != nil {
			return err
		}
	}
	stop()

	if err := match.UpdateConsentState(ctx, domain.ConsentAllowed); err != nil {
		return protocolErr(op, err)
	}
	row, err := m.deps.Conversations.Store(ctx, ident.InboxID(), match, m.DraftID())
	if err != nil {
		return err
	}
	return m.settle(ctx, ident, row)
}

// matches reports whether c is the group an invite carrying tag points at.
// The invite may come from any member, so the group's creator is not
// checked.
func matches(c protocol.Conversation, tag string) bool {
	return c.Kind() == domain.ConversationKindGroup && c.InviteTag() == tag
}

// alreadyMember returns the group for tag when we are in it already, and
// the ids of every group we belong to.
func (m *Machine) alreadyMember(ctx context.Context, client protocol.Client, tag string) (protocol.Conversation, map[string]bool, error) {
	list, err := client.ListConversations(ctx)
	if err != nil {
		return nil, nil, protocolErr("convo.join", err)
	}
	known := make(map[string]bool, len(list))
	for _, c := range list {
		if matches(c, tag) {
			return c, nil, nil
		}
		known[c.ID()] = true
	}
	return nil, known, nil
}

// awaitMatch waits for the group the inviter adds us to. A single-use invite
// may rotate the tag right after the add, so a group we were not in before
// that has the inviter as a member also counts.
func awaitMatch(ctx context.Context, stream <-chan protocol.Conversation, known map[string]bool, inviter, tag string) (protocol.Conversation, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case c, ok := <-stream:
			if !ok {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, sentinal_errors.E(sentinal_errors.KindTimeout, "convo.join", sentinal_errors.ErrStreamEnded)
			}
			if matches(c, tag) {
				return c, nil
			}
			if c.Kind() != domain.ConversationKindGroup || known[c.ID()] {
				continue
			}
			if hasMember(ctx, c, inviter) {
				return c, nil
			}
		}
	}
}

func hasMember(ctx context.Context, c protocol.Conversation, inboxID string) bool {
	members, err := c.Members(ctx)
	if err != nil {
		return false
	}
	for _, mem := range members {
		if mem.InboxID == inboxID {
			return true
		}
	}
	return false
}

func (m *Machine) handleDelete(ctx context.Context, _ commands.Command) error {
	s := m.State()
	m.stopOutbox()
	m.transition(State{Kind: StateDeleting})

	id := m.DraftID()
	if s.IsReady() {
		id = s.Ready.ConversationID
		if ident, ok := m.currentIdentity(); ok && s.Ready.NetworkID != "" {
			if err := ident.API.UnsubscribeTopic(ctx, backend.ConversationTopic(s.Ready.NetworkID)); err != nil {
				m.log.Warn("topic unsubscribe failed", zap.Error(err))
			}
		}
	}
	if err := m.deps.Conversations.Delete(ctx, id); err != nil {
		return err
	}

	m.previous = nil
	m.resetDraft()
	m.transition(State{Kind: StateUninitialized})
	m.log.Info("conversation deleted", zap.String("conversation_id", id))
	return nil
}

// ready returns the ready result together with the identity and network
// handle that metadata edits need.
func (m *Machine) ready(ctx context.Context, op string) (ReadyResult, identity.ReadyResult, protocol.Conversation, error) {
	s := m.State()
	if !s.IsReady() {
		return ReadyResult{}, identity.ReadyResult{}, nil, illegal(op, s.Kind)
	}
	ident, err := m.deps.Identity.WaitForReady(ctx)
	if err != nil {
		return ReadyResult{}, identity.ReadyResult{}, nil, err
	}
	conv, err := ident.Client.FindConversation(ctx, s.Ready.NetworkID)
	if err != nil {
		return ReadyResult{}, identity.ReadyResult{}, nil, protocolErr(op, err)
	}
	return *s.Ready, ident, conv, nil
}

func (m *Machine) handleUpdateName(ctx context.Context, cmd commands.Command) error {
	const op = "convo.update_name"
	r, ident, conv, err := m.ready(ctx, op)
	if err != nil {
		return err
	}
	name, _ := cmd.(commands.SimpleCommand).Payload.(string)
	if err := conv.UpdateName(ctx, name); err != nil {
		m.log.Error("renaming conversation failed", zap.String("conversation_id", r.ConversationID), zap.Error(err))
		return nil
	}
	m.refresh(ctx, ident, conv, r)
	return nil
}

func (m *Machine) handleUpdateImage(ctx context.Context, cmd commands.Command) error {
	const op = "convo.update_image"
	r, ident, conv, err := m.ready(ctx, op)
	if err != nil {
		return err
	}
	img, _ := cmd.(commands.SimpleCommand).Payload.(imageUpdate)
	url, err := ident.API.UploadAttachment(ctx, r.NetworkID+"-image", img.contentType, img.data)
	if err != nil {
		m.log.Error("uploading conversation image failed", zap.String("conversation_id", r.ConversationID), zap.Error(err))
		return nil
	}
	if err := conv.UpdateImageURL(ctx, url); err != nil {
		m.log.Error("setting conversation image failed", zap.String("conversation_id", r.ConversationID), zap.Error(err))
		return nil
	}
	m.refresh(ctx, ident, conv, r)
	return nil
}

// refresh stores the edited conversation and re-signs its invite. The
// network already carries the edit, so local failures are only logged.
func (m *Machine) refresh(ctx context.Context, ident identity.ReadyResult, conv protocol.Conversation, r ReadyResult) {
	log := m.log.With(zap.String("conversation_id", r.ConversationID))
	row, err := m.deps.Conversations.Store(ctx, ident.InboxID(), conv, r.ConversationID)
	if err != nil {
		log.Error("storing edited conversation failed", zap.Error(err))
		return
	}
	inv, err := m.deps.Invites.Regenerate(ctx, ident.InboxID(), ident.Key, row)
	if err != nil {
		log.Error("regenerating invite failed", zap.Error(err))
		return
	}
	r.InviteTag = inv.Tag
	r.InviteCode = inv.Code
	r.InviteURL = invite.ShareURL(m.deps.InviteBaseURL, inv.Code)
	m.transition(State{Kind: StateReady, Ready: &r})
}
