// Package backendtest provides an in-memory backend.API that records calls.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"sentinal-convos/internal/backend"
	sentinal_errors "sentinal-convos/pkg/errors"
)

type Fake struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]error

	Sessions      []backend.Credentials
	Users         []backend.User
	Profiles      []backend.Profile
	Invites       map[string]backend.Invite
	Topics        map[string]bool
	Installations map[string]string
}

var _ backend.API = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		calls:         make(map[string]int),
		failures:      make(map[string]error),
		Invites:       make(map[string]backend.Invite),
		Topics:        make(map[string]bool),
		Installations: make(map[string]string),
	}
}

// Fail makes every later call of method fail with err until cleared with a
// nil err.
func (f *Fake) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Subscribed reports whether topic currently has a subscription.
func (f *Fake) Subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Topics[topic]
}

func (f *Fake) Invite(code string) (backend.Invite, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.Invites[code]
	return inv, ok
}

// enter records a call and returns the injected failure. Callers hold mu.
func (f *Fake) enter(method string) error {
	f.calls[method]++
	return f.failures[method]
}

func (f *Fake) Authenticate(ctx context.Context, creds backend.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Authenticate"); err != nil {
		return err
	}
	f.Sessions = append(f.Sessions, creds)
	return nil
}

func (f *Fake) CreateUser(ctx context.Context, u backend.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateUser"); err != nil {
		return err
	}
	f.Users = append(f.Users, u)
	return nil
}

func (f *Fake) UpdateProfile(ctx context.Context, p backend.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateProfile"); err != nil {
		return err
	}
	f.Profiles = append(f.Profiles, p)
	return nil
}

func (f *Fake) CreateInvite(ctx context.Context, inv backend.Invite) (backend.Invite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateInvite"); err != nil {
		return backend.Invite{}, err
	}
	f.Invites[inv.Code] = inv
	return inv, nil
}

func (f *Fake) GetInvite(ctx context.Context, code string) (backend.Invite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetInvite"); err != nil {
		return backend.Invite{}, err
	}
	inv, ok := f.Invites[code]
	if !ok {
		return backend.Invite{}, sentinal_errors.E(sentinal_errors.KindProtocol, "backend.GetInvite", sentinal_errors.ErrNotFound)
	}
	return inv, nil
}

func (f *Fake) UpdateInvite(ctx context.Context, code string, u backend.InviteUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateInvite"); err != nil {
		return err
	}
	inv, ok := f.Invites[code]
	if !ok {
		return sentinal_errors.E(sentinal_errors.KindProtocol, "backend.UpdateInvite", sentinal_errors.ErrNotFound)
	}
	if u.Name != nil {
		inv.Name = *u.Name
	}
	if u.Description != nil {
		inv.Description = *u.Description
	}
	if u.ImageURL != nil {
		inv.ImageURL = *u.ImageURL
	}
	f.Invites[code] = inv
	return nil
}

func (f *Fake) SubscribeTopic(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SubscribeTopic"); err != nil {
		return err
	}
	f.Topics[topic] = true
	return nil
}

func (f *Fake) UnsubscribeTopic(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UnsubscribeTopic"); err != nil {
		return err
	}
	delete(f.Topics, topic)
	return nil
}

func (f *Fake) RegisterInstallation(ctx context.Context, installationID, pushToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RegisterInstallation"); err != nil {
		return err
	}
	f.Installations[installationID] = pushToken
	return nil
}

func (f *Fake) UnregisterInstallation(ctx context.Context, installationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UnregisterInstallation"); err != nil {
		return err
	}
	delete(f.Installations, installationID)
	return nil
}

func (f *Fake) UploadAttachment(ctx context.Context, name, contentType string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UploadAttachment"); err != nil {
		return "", err
	}
	return fmt.Sprintf("https://assets.example.com/%s", name), nil
}
