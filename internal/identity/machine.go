package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sentinal-convos/internal/backend"
	"sentinal-convos/internal/commands"
	"sentinal-convos/internal/domain/inbox"
	"sentinal-convos/internal/events"
	"sentinal-convos/internal/keys"
	"sentinal-convos/internal/protocol"
	"sentinal-convos/internal/repository"
	sentinal_errors "sentinal-convos/pkg/errors"
	"sentinal-convos/pkg/logger"
)

const (
	cmdAuthorize         = "identity.authorize"
	cmdRegister          = "identity.register"
	cmdStop              = "identity.stop"
	cmdDeleteAndStop     = "identity.delete_and_stop"
	cmdUpdateDisplayName = "identity.update_display_name"
)

// Service runs for as long as the identity is ready.
type Service interface {
	Start(ctx context.Context)
	Stop()
}

type ServicesFactory func(ReadyResult) []Service

// PushTokenProvider returns the device push token, or "" when there is none.
type PushTokenProvider func(ctx context.Context) (string, error)

type Config struct {
	// InboxID selects a stored identity. Empty picks the newest one.
	InboxID string
	// ConstrainedHost skips push registration, e.g. inside an extension
	// process.
	ConstrainedHost bool
}

type Deps struct {
	Store     *repository.Store
	Factory   protocol.ClientFactory
	API       backend.API
	Services  ServicesFactory
	PushToken PushTokenProvider
	Log       *logger.Logger
}

// Machine is a single-writer state machine. Public operations enqueue an
// action and return; results are observed through state.
type Machine struct {
	cfg  Config
	deps Deps
	log  *logger.Logger
	now  func() time.Time

	state  *events.Subject[State]
	runner *commands.Runner
	ctx    context.Context
	cancel context.CancelFunc

	// owned by the runner goroutine
	active      *ReadyResult
	services    []Service
	stopContext context.CancelFunc
}

func New(cfg Config, deps Deps) *Machine {
	log := deps.Log
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:    cfg,
		deps:   deps,
		log:    log.Named("identity"),
		now:    func() time.Time { return time.Now().UTC() },
		state:  events.NewSubject(State{Kind: StateUninitialized}),
		ctx:    ctx,
		cancel: cancel,
	}

	bus := commands.NewBus()
	bus.Register(cmdAuthorize, commands.HandlerFunc(m.handleAuthorize))
	bus.Register(cmdRegister, commands.HandlerFunc(m.handleRegister))
	bus.Register(cmdStop, commands.HandlerFunc(m.handleStop))
	bus.Register(cmdDeleteAndStop, commands.HandlerFunc(m.handleDeleteAndStop))
	bus.Register(cmdUpdateDisplayName, commands.HandlerFunc(m.handleUpdateDisplayName))

	m.runner = commands.NewRunner(bus, m.onDone)
	m.runner.Start(ctx)
	return m
}

func (m *Machine) Authorize() {
	m.submit(commands.SimpleCommand{Type: cmdAuthorize})
}

// Register always creates a brand new identity.
func (m *Machine) Register(displayName string) {
	m.submit(commands.SimpleCommand{Type: cmdRegister, Payload: displayName})
}

func (m *Machine) Stop() {
	m.submit(commands.SimpleCommand{Type: cmdStop})
}

func (m *Machine) DeleteAndStop() {
	m.submit(commands.SimpleCommand{Type: cmdDeleteAndStop})
}

func (m *Machine) UpdateDisplayName(name string) {
	m.submit(commands.SimpleCommand{Type: cmdUpdateDisplayName, Payload: name})
}

func (m *Machine) submit(cmd commands.Command) {
	if !m.runner.Submit(cmd) {
		m.log.Warn("identity machine closed, dropping action", zap.String("action", cmd.CommandType()))
	}
}

func (m *Machine) State() State {
	return m.state.Value()
}

// Subscribe yields the current state and then every transition.
func (m *Machine) Subscribe(ctx context.Context) <-chan State {
	return m.state.Subscribe(ctx)
}

// WaitForReady blocks until the identity is ready. Error states do not end
// the wait, since a later action may still succeed.
func (m *Machine) WaitForReady(ctx context.Context) (ReadyResult, error) {
	s, err := events.WaitFor(ctx, m.state, State.IsReady)
	if err != nil {
		return ReadyResult{}, waitErr("identity.WaitForReady", err)
	}
	return *s.Ready, nil
}

// Await blocks until the machine is ready or has failed, and returns that
// state. A failed state is returned with its cause.
func (m *Machine) Await(ctx context.Context) (State, error) {
	s, err := events.WaitFor(ctx, m.state, func(s State) bool {
		return s.IsReady() || s.Kind == StateError
	})
	if err != nil {
		return State{}, waitErr("identity.Await", err)
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

// Close cancels the running action, stops services and releases the client.
// The machine cannot be used afterwards.
func (m *Machine) Close() {
	m.cancel()
	m.runner.Close()
	m.stopServices()
	m.releaseActive()
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
	case ctx.Err() != nil:
		m.log.Debug("action cancelled", zap.String("action", cmd.CommandType()))
	default:
		m.log.Error("action failed", zap.String("action", cmd.CommandType()), zap.Error(err))
		m.transition(State{Kind: StateError, Err: err})
	}
}

func illegal(op string, from StateKind) error {
	return sentinal_errors.E(sentinal_errors.KindState, op,
		fmt.Errorf("%w: not allowed from %s", sentinal_errors.ErrInvalidTransition, from))
}

func (m *Machine) handleAuthorize(ctx context.Context, _ commands.Command) error {
	const op = "identity.authorize"
	current := m.State().Kind
	if current != StateUninitialized && current != StateError {
		return illegal(op, current)
	}
	m.releaseActive()
	m.transition(State{Kind: StateInitializing})

	ident, err := m.loadIdentity(ctx)
	if errors.Is(err, sentinal_errors.ErrIdentityMissing) {
		m.log.Info("no stored identity, registering")
		return m.register(ctx, "")
	}
	if err != nil {
		return err
	}

	m.transition(State{Kind: StateAuthorizing})
	key, err := keys.FromBytes(ident.PrivateKey)
	if err != nil {
		m.log.Warn("stored identity key unusable, registering", zap.String("inbox_id", ident.InboxID), zap.Error(err))
		return m.register(ctx, "")
	}
	client, err := m.deps.Factory.Build(ctx, ident.InboxID, key)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Warn("rebuilding client failed, registering", zap.String("inbox_id", ident.InboxID), zap.Error(err))
		return m.register(ctx, "")
	}

	if err := m.authenticate(ctx, client, ident); err != nil {
		_ = client.Close()
		return err
	}
	m.becomeReady(ctx, ReadyResult{Client: client, API: m.deps.API, Identity: ident, Key: key})
	return nil
}

func (m *Machine) loadIdentity(ctx context.Context) (inbox.Identity, error) {
	var out inbox.Identity
	err := m.deps.Store.Read(ctx, func(r *repository.Repositories) error {
		if m.cfg.InboxID != "" {
			ident, err := r.Identities.Get(ctx, m.cfg.InboxID)
			if errors.Is(err, sentinal_errors.ErrNotFound) {
				return sentinal_errors.E(sentinal_errors.KindStorage, "identity.load", sentinal_errors.ErrIdentityMissing)
			}
			out = ident
			return err
		}
		all, err := r.Identities.List(ctx)
		if err != nil {
			return err
		}
		if len(all) == 0 {
			return sentinal_errors.E(sentinal_errors.KindStorage, "identity.load", sentinal_errors.ErrIdentityMissing)
		}
		out = all[len(all)-1]
		return nil
	})
	return out, err
}

func (m *Machine) handleRegister(ctx context.Context, cmd commands.Command) error {
	current := m.State().Kind
	if current != StateUninitialized && current != StateError {
		return illegal("identity.register", current)
	}
	m.releaseActive()
	name, _ := cmd.(commands.SimpleCommand).Payload.(string)
	return m.register(ctx, name)
}

func (m *Machine) register(ctx context.Context, displayName string) error {
	m.transition(State{Kind: StateRegistering})

	key, err := keys.Generate()
	if err != nil {
		return sentinal_errors.E(sentinal_errors.KindCrypto, "identity.register", err)
	}
	client, err := m.deps.Factory.Create(ctx, key)
	if err != nil {
		return sentinal_errors.E(sentinal_errors.KindProtocol, "identity.register", err)
	}

	ident := inbox.Identity{
		InboxID:     client.InboxID(),
		ClientID:    uuid.NewString(),
		PrivateKey:  key.Bytes(),
		DisplayName: sql.NullString{String: displayName, Valid: displayName != ""},
		CreatedAt:   m.now(),
	}
	if err := m.deps.Store.Write(ctx, func(r *repository.Repositories) error {
		return r.Identities.Create(ctx, &ident)
	}); err != nil {
		_ = client.Close()
		return err
	}

	if err := m.authenticate(ctx, client, ident); err != nil {
		_ = client.Close()
		return err
	}
	if err := m.deps.API.CreateUser(ctx, backend.User{
		InboxID:     ident.InboxID,
		ClientID:    ident.ClientID,
		DisplayName: displayName,
	}); err != nil {
		_ = client.Close()
		return err
	}

	m.log.Info("registered identity", zap.String("inbox_id", ident.InboxID))
	m.becomeReady(ctx, ReadyResult{Client: client, API: m.deps.API, Identity: ident, Key: key})
	return nil
}

func (m *Machine) authenticate(ctx context.Context, client protocol.Client, ident inbox.Identity) error {
	return m.deps.API.Authenticate(ctx, backend.Credentials{
		InboxID:        ident.InboxID,
		InstallationID: client.InstallationID(),
		ClientID:       ident.ClientID,
		Sign:           client.SignWithInstallationKey,
	})
}

func (m *Machine) becomeReady(ctx context.Context, r ReadyResult) {
	m.active = &r

	svcCtx, cancel := context.WithCancel(m.ctx)
	m.stopContext = cancel
	if m.deps.Services != nil {
		m.services = m.deps.Services(r)
		for _, s := range m.services {
			s.Start(svcCtx)
		}
	}

	m.transition(State{Kind: StateReady, Ready: &r})

	if !m.cfg.ConstrainedHost && m.deps.PushToken != nil {
		m.registerPush(ctx, r)
	}
}

func (m *Machine) registerPush(ctx context.Context, r ReadyResult) {
	token, err := m.deps.PushToken(ctx)
	if err != nil || token == "" {
		if err != nil {
			m.log.Warn("push token unavailable", zap.Error(err))
		}
		return
	}
	if err := r.API.RegisterInstallation(ctx, r.Client.InstallationID(), token); err != nil {
		m.log.Warn("push registration failed", zap.Error(err))
	}
}

func (m *Machine) stopServices() {
	for i := len(m.services) - 1; i >= 0; i-- {
		m.services[i].Stop()
	}
	m.services = nil
	if m.stopContext != nil {
		m.stopContext()
		m.stopContext = nil
	}
}

func (m *Machine) handleStop(ctx context.Context, _ commands.Command) error {
	current := m.State().Kind
	if current != StateReady && current != StateError {
		return illegal("identity.stop", current)
	}
	m.transition(State{Kind: StateStopping})
	m.stopServices()
	m.releaseActive()
	m.transition(State{Kind: StateUninitialized})
	return nil
}

// releaseActive closes the client of the previous session, if any.
func (m *Machine) releaseActive() {
	if m.active == nil {
		return
	}
	if err := m.active.Client.Close(); err != nil {
		m.log.Warn("closing client failed", zap.Error(err))
	}
	m.active = nil
}

func (m *Machine) handleDeleteAndStop(ctx context.Context, _ commands.Command) error {
	const op = "identity.delete_and_stop"
	current := m.State().Kind
	if current != StateReady && current != StateError {
		return illegal(op, current)
	}
	bestEffort := current == StateError
	active := m.active
	if active == nil {
		if !bestEffort {
			return illegal(op, current)
		}
		m.transition(State{Kind: StateUninitialized})
		return nil
	}

	m.transition(State{Kind: StateDeleting})

	if err := active.API.UnregisterInstallation(ctx, active.Client.InstallationID()); err != nil {
		m.log.Warn("push unregistration failed", zap.Error(err))
	}
	m.stopServices()

	if err := active.Client.DeleteLocalDatabase(); err != nil {
		if !bestEffort {
			// The client stays held so a retry from error can finish, and
			// is closed by whatever leaves the error state next.
			return sentinal_errors.E(sentinal_errors.KindProtocol, op, err)
		}
		m.log.Warn("deleting local protocol database failed", zap.Error(err))
	}
	m.releaseActive()

	inboxID := active.InboxID()
	if err := m.deps.Store.Write(ctx, func(r *repository.Repositories) error {
		convs, err := r.Conversations.ListByInbox(ctx, inboxID)
		if err != nil {
			return err
		}
		for _, c := range convs {
			if err := r.Conversations.Delete(ctx, c.ID); err != nil {
				return err
			}
		}
		return r.Identities.Delete(ctx, inboxID)
	}); err != nil {
		if !bestEffort {
			return err
		}
		m.log.Warn("deleting identity rows failed", zap.Error(err))
	}

	m.transition(State{Kind: StateStopping})
	m.transition(State{Kind: StateUninitialized})
	m.log.Info("identity deleted", zap.String("inbox_id", inboxID))
	return nil
}

func (m *Machine) handleUpdateDisplayName(ctx context.Context, cmd commands.Command) error {
	const op = "identity.update_display_name"
	s := m.State()
	if !s.IsReady() {
		return illegal(op, s.Kind)
	}
	name, _ := cmd.(commands.SimpleCommand).Payload.(string)
	inboxID := s.Ready.InboxID()

	// A profile edit never takes a ready identity down.
	if err := m.deps.Store.Write(ctx, func(r *repository.Repositories) error {
		return r.Identities.UpdateDisplayName(ctx, inboxID, name)
	}); err != nil {
		m.log.Error("storing display name failed", zap.Error(err))
		return nil
	}
	if err := s.Ready.API.UpdateProfile(ctx, backend.Profile{DisplayName: name}); err != nil {
		m.log.Warn("backend profile update failed", zap.Error(err))
	}
	return nil
}
