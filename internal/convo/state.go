// Package convo drives a single conversation from draft or invite to a
// ready, persisted conversation the user can message in.
package convo

import (
	"sentinal-convos/internal/invite"
)

type StateKind string

const (
	StateUninitialized StateKind = "uninitialized"
	StateCreating      StateKind = "creating"
	StateValidating    StateKind = "validating"
	StateValidated     StateKind = "validated"
	StateJoining       StateKind = "joining"
	StateReady         StateKind = "ready"
	StateDeleting      StateKind = "deleting"
	StateError         StateKind = "error"
)

// ReadyResult identifies the conversation the machine settled on.
// ConversationID is the local row id and stays stable for its lifetime.
type ReadyResult struct {
	ConversationID string
	NetworkID      string
	InboxID        string
	InviteTag      string
	InviteCode     string
	InviteURL      string
}

type State struct {
	Kind StateKind

	// Code is set while validating; Invite and InboxID while validated or
	// joining.
	Code    string
	Invite  *invite.SignedInvite
	InboxID string

	Ready *ReadyResult
	Err   error
}

func (s State) IsReady() bool {
	return s.Kind == StateReady && s.Ready != nil
}

func (s State) String() string {
	return string(s.Kind)
}
