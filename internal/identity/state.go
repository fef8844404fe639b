// Package identity runs the lifecycle of the local messaging identity
// ("inbox"): authorizing or registering it, keeping its dependent services
// running while it is ready, and tearing it down.
package identity

import (
	"sentinal-convos/internal/backend"
	"sentinal-convos/internal/domain/inbox"
	"sentinal-convos/internal/keys"
	"sentinal-convos/internal/protocol"
)

type StateKind string

const (
	StateUninitialized StateKind = "uninitialized"
	StateInitializing  StateKind = "initializing"
	StateAuthorizing   StateKind = "authorizing"
	StateRegistering   StateKind = "registering"
	StateReady         StateKind = "ready"
	StateDeleting      StateKind = "deleting"
	StateStopping      StateKind = "stopping"
	StateError         StateKind = "error"
)

// ReadyResult is produced once per successful authorization and never
// modified afterwards.
type ReadyResult struct {
	Client   protocol.Client
	API      backend.API
	Identity inbox.Identity
	Key      *keys.PrivateKey
}

func (r ReadyResult) InboxID() string {
	return r.Identity.InboxID
}

type State struct {
	Kind  StateKind
	Ready *ReadyResult
	Err   error
}

func (s State) IsReady() bool {
	return s.Kind == StateReady && s.Ready != nil
}

func (s State) String() string {
	return string(s.Kind)
}
