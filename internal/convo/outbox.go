package convo

import (
	"context"

	"go.uber.org/zap"

	"sentinal-convos/internal/domain/message"
	"sentinal-convos/internal/events"
	sentinal_errors "sentinal-convos/pkg/errors"
)

// SendMessage stores text as an unpublished message and queues it for
// delivery. Until the conversation is ready the message is kept under the
// draft id. Messages go out one at a time in the order they were queued.
func (m *Machine) SendMessage(text string) error {
	m.outboxMu.Lock()
	defer m.outboxMu.Unlock()

	row, err := m.author(text)
	if err != nil {
		m.log.Error("storing outgoing message failed", zap.Error(err))
		return err
	}

	if m.outbox == nil || m.outbox.Closed() {
		q := events.NewQueue[message.Message]()
		ctx, cancel := context.WithCancel(m.ctx)
		m.outbox, m.outboxCancel = q, cancel
		go m.drainOutbox(ctx, q)
	}
	if !m.outbox.Enqueue(row) {
		m.log.Warn("outbox closed, message stays unpublished", zap.String("message_id", row.ID))
	}
	return nil
}

// author writes the unpublished row against the ready conversation, or
// against the draft while there is none.
func (m *Machine) author(text string) (message.Message, error) {
	ctx := m.ctx
	if s := m.State(); s.IsReady() {
		return m.deps.Messages.Queue(ctx, s.Ready.ConversationID, s.Ready.InboxID, text)
	}
	draftID := m.DraftID()
	if err := m.ensureDraft(ctx, draftID); err != nil {
		return message.Message{}, err
	}
	var inboxID string
	if ident, ok := m.currentIdentity(); ok {
		inboxID = ident.InboxID()
	}
	return m.deps.Messages.Queue(ctx, draftID, inboxID, text)
}

func (m *Machine) stopOutbox() {
	m.outboxMu.Lock()
	defer m.outboxMu.Unlock()

	if m.outbox == nil {
		return
	}
	m.outboxCancel()
	m.outbox.Close()
	m.outbox, m.outboxCancel = nil, nil
}

func (m *Machine) drainOutbox(ctx context.Context, q *events.Queue[message.Message]) {
	for {
		row, ok := q.Next(ctx)
		if !ok {
			return
		}
		if err := m.deliver(ctx, row); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Error("sending message failed", zap.String("message_id", row.ID), zap.Error(err))
		}
	}
}

func (m *Machine) deliver(ctx context.Context, row message.Message) error {
	r, err := m.WaitForReady(ctx)
	if err != nil {
		return err
	}
	ident, err := m.deps.Identity.WaitForReady(ctx)
	if err != nil {
		return err
	}
	conv, err := ident.Client.FindConversation(ctx, r.NetworkID)
	if err != nil {
		return sentinal_errors.E(sentinal_errors.KindProtocol, "convo.send", err)
	}
	msg, err := m.deps.Messages.Publish(ctx, row, r.ConversationID, ident.InboxID(), conv)
	if err != nil {
		return err
	}
	m.log.Debug("message sent", zap.String("conversation_id", r.ConversationID), zap.String("message_id", msg.ID))
	return nil
}
