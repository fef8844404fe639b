package services

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"sentinal-convos/internal/domain"
	"sentinal-convos/internal/identity"
	"sentinal-convos/internal/protocol"
	"sentinal-convos/internal/writer"
	sentinal_errors "sentinal-convos/pkg/errors"
	"sentinal-convos/pkg/logger"
)

// SyncService mirrors the network into the local store while the identity
// is ready: one full sync, then live conversation and message streams.
type SyncService struct {
	ready         identity.ReadyResult
	conversations *writer.ConversationWriter
	messages      *writer.IncomingMessageWriter
	log           *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ identity.Service = (*SyncService)(nil)

func NewSyncService(ready identity.ReadyResult, conversations *writer.ConversationWriter, messages *writer.IncomingMessageWriter, log *logger.Logger) *SyncService {
	if log == nil {
		log = logger.NewNop()
	}
	return &SyncService{
		ready:         ready,
		conversations: conversations,
		messages:      messages,
		log:           log.Named("sync").With(zap.String("inbox_id", ready.InboxID())),
	}
}

// Start begins syncing in the background
func (s *SyncService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop cancels the streams and waits for the loop to exit
func (s *SyncService) Stop() {
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

func (s *SyncService) run(ctx context.Context) {
	defer s.wg.Done()
	client := s.ready.Client

	if err := client.SyncAll(ctx); err != nil {
		s.log.Warn("initial sync failed", zap.Error(err))
	}
	convs, err := client.StreamConversations(ctx)
	if err != nil {
		s.log.Error("conversation stream failed", zap.Error(err))
	}
	msgs, err := client.StreamAllMessages(ctx)
	if err != nil {
		s.log.Error("message stream failed", zap.Error(err))
	}

	for convs != nil || msgs != nil {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-convs:
			if !ok {
				s.log.Debug("conversation stream ended")
				convs = nil
				continue
			}
			s.storeConversation(ctx, c)
		case m, ok := <-msgs:
			if !ok {
				s.log.Debug("message stream ended")
				msgs = nil
				continue
			}
			s.storeMessage(ctx, m)
		}
	}
}

// storeConversation writes a group unless the user has turned it down.
// Direct messages only carry invite codes and are never stored.
func (s *SyncService) storeConversation(ctx context.Context, c protocol.Conversation) bool {
	log := s.log.With(zap.String("network_id", c.ID()))
	if c.Kind() != domain.ConversationKindGroup {
		log.Debug("skipping direct message conversation")
		return false
	}
	consent, err := c.ConsentState(ctx)
	if err != nil {
		log.Warn("reading consent failed", zap.Error(err))
		return false
	}
	if consent == domain.ConsentDenied {
		log.Debug("skipping denied conversation")
		return false
	}
	if _, err := s.conversations.Store(ctx, s.ready.InboxID(), c, ""); err != nil {
		log.Error("storing conversation failed", zap.Error(err))
		return false
	}
	return true
}

func (s *SyncService) storeMessage(ctx context.Context, m protocol.Message) {
	log := s.log.With(zap.String("network_id", m.ConversationID), zap.String("message_id", m.ID))

	_, err := s.messages.Store(ctx, m)
	if err == nil {
		return
	}
	if !errors.Is(err, sentinal_errors.ErrNotFound) {
		log.Error("storing message failed", zap.Error(err))
		return
	}

	c, err := s.ready.Client.FindConversation(ctx, m.ConversationID)
	if err != nil {
		log.Warn("fetching conversation for message failed", zap.Error(err))
		return
	}
	if !s.storeConversation(ctx, c) {
		return
	}
	if _, err := s.messages.Store(ctx, m); err != nil {
		log.Error("storing message failed after fetching conversation", zap.Error(err))
	}
}
