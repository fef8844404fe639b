package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sentinal-convos/internal/domain"
	"sentinal-convos/internal/identity"
	"sentinal-convos/internal/invite"
	"sentinal-convos/internal/protocol"
	"sentinal-convos/internal/writer"
	sentinal_errors "sentinal-convos/pkg/errors"
	"sentinal-convos/pkg/logger"
)

// InviteJoinService admits people who send one of our invite codes to us in
// a direct message.
type InviteJoinService struct {
	ready         identity.ReadyResult
	conversations *writer.ConversationWriter
	invites       *writer.InviteWriter
	limits        invite.Limits
	log           *logger.Logger
	now           func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ identity.Service = (*InviteJoinService)(nil)

func NewInviteJoinService(ready identity.ReadyResult, conversations *writer.ConversationWriter, invites *writer.InviteWriter, limits invite.Limits, log *logger.Logger) *InviteJoinService {
	if log == nil {
		log = logger.NewNop()
	}
	if limits == (invite.Limits{}) {
		limits = invite.DefaultLimits()
	}
	return &InviteJoinService{
		ready:         ready,
		conversations: conversations,
		invites:       invites,
		limits:        limits,
		log:           log.Named("invite_join").With(zap.String("inbox_id", ready.InboxID())),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *InviteJoinService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *InviteJoinService) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *InviteJoinService) run(ctx context.Context) {
	defer s.wg.Done()
	msgs, err := s.ready.Client.StreamAllMessages(ctx)
	if err != nil {
		s.log.Error("message stream failed", zap.Error(err))
		return
	}
	for m := range msgs {
		if m.SenderInboxID == s.ready.InboxID() {
			continue
		}
		code := strings.TrimSpace(m.Text)
		if !invite.LooksLikeInviteCode(code) {
			continue
		}
		if err := s.admit(ctx, m, code); err != nil {
			s.log.Ctx(logger.WithConversation(ctx, m.ConversationID)).Warn("invite rejected",
				zap.String("sender", m.SenderInboxID),
				zap.String("message_id", m.ID),
				zap.Error(err),
			)
		}
	}
}

func (s *InviteJoinService) admit(ctx context.Context, m protocol.Message, code string) error {
	const op = "services.InviteJoin.admit"
	client := s.ready.Client

	dm, err := client.FindConversation(ctx, m.ConversationID)
	if err != nil {
		return sentinal_errors.E(sentinal_errors.KindProtocol, op, err)
	}
	if dm.Kind() != domain.ConversationKindDM {
		return sentinal_errors.E(sentinal_errors.KindProtocol, op,
			fmt.Errorf("%w: invite codes are only accepted in direct messages", sentinal_errors.ErrInvalidInput))
	}

	signed, err := invite.Decode(code, s.limits)
	if err != nil {
		return err
	}
	if !signed.SignedBy(s.ready.Key.PublicKey()) {
		return sentinal_errors.E(sentinal_errors.KindCrypto, op, sentinal_errors.ErrInvalidSignature)
	}
	if signed.Payload.CreatorInboxID != s.ready.InboxID() {
		return sentinal_errors.E(sentinal_errors.KindProtocol, op, sentinal_errors.ErrNotInviteCreator)
	}
	now := s.now()
	if signed.Payload.IsExpired(now) || signed.Payload.IsConversationExpired(now) {
		return sentinal_errors.E(sentinal_errors.KindProtocol, op, sentinal_errors.ErrInviteExpired)
	}

	networkID, err := signed.ConversationID(s.ready.Key)
	if err != nil {
		return err
	}
	group, err := client.FindConversation(ctx, networkID)
	if err != nil {
		return sentinal_errors.E(sentinal_errors.KindProtocol, op, err)
	}
	if group.InviteTag() != signed.Payload.Tag {
		return sentinal_errors.E(sentinal_errors.KindProtocol, op,
			fmt.Errorf("%w: tag is no longer current", sentinal_errors.ErrInviteExpired))
	}

	if err := group.AddMembers(ctx, m.SenderInboxID); err != nil {
		return sentinal_errors.E(sentinal_errors.KindProtocol, op, err)
	}
	s.log.Info("member added from invite",
		zap.String("network_id", networkID),
		zap.String("member", m.SenderInboxID),
	)

	if signed.Payload.ExpiresAfterUse {
		s.retire(ctx, group)
	}
	return nil
}

// retire rotates the tag of a single-use invite so the code stops working,
// and drops the stored invite.
func (s *InviteJoinService) retire(ctx context.Context, group protocol.Conversation) {
	log := s.log.With(zap.String("network_id", group.ID()))
	if err := group.UpdateInviteTag(ctx, uuid.NewString()); err != nil {
		log.Error("rotating invite tag failed", zap.Error(err))
		return
	}
	row, err := s.conversations.Store(ctx, s.ready.InboxID(), group, "")
	if err != nil {
		log.Error("storing rotated conversation failed", zap.Error(err))
		return
	}
	if err := s.invites.Delete(ctx, row.ID); err != nil {
		log.Error("dropping used invite failed", zap.Error(err))
	}
}
