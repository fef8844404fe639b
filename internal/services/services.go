// Package services holds the background work that runs for as long as an
// identity is ready.
package services

import (
	"sentinal-convos/internal/identity"
	"sentinal-convos/internal/invite"
	"sentinal-convos/internal/writer"
	"sentinal-convos/pkg/logger"
)

// NewFactory builds the sync and invite join services for each ready
// identity.
func NewFactory(conversations *writer.ConversationWriter, incoming *writer.IncomingMessageWriter, invites *writer.InviteWriter, limits invite.Limits, log *logger.Logger) identity.ServicesFactory {
	return func(r identity.ReadyResult) []identity.Service {
		return []identity.Service{
			NewSyncService(r, conversations, incoming, log),
			NewInviteJoinService(r, conversations, invites, limits, log),
		}
	}
}
