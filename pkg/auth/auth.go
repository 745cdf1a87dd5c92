// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth defines the collaborator interfaces the gateway consumes
// from the excluded auth subsystem: an authorization oracle and a
// token-to-identity lookup. The gateway never implements providers.
package auth

import (
	"context"
	"sync"
)

// Action is a permission the gateway checks before forwarding a message.
type Action string

const (
	ActionView   Action = "view"
	ActionEdit   Action = "edit"
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionCreate Action = "create"
	ActionDelete Action = "delete"

	// ActionManage is the most restrictive check. Unrecognized message
	// types fall back to it.
	ActionManage Action = "manage"
)

// User is the resolved identity behind a session token.
type User struct {
	ID        string
	Username  string
	MachineID string
}

// Session is the per-connection client state. ID never changes for the
// socket's lifetime; the user is refreshed on every frame and never unset
// once set, except by forced logout which closes the connection. The user
// is read from broker-side goroutines while the read pump refreshes it,
// so access goes through User/SetUser.
type Session struct {
	ID        string
	MachineID string

	mu   sync.Mutex
	user *User
}

// NewSession creates a session for a resolved user.
func NewSession(id string, user *User) *Session {
	s := &Session{ID: id, user: user}
	if user != nil {
		s.MachineID = user.MachineID
	}
	return s
}

// User returns the current resolved identity.
func (s *Session) User() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// SetUser refreshes the resolved identity in place.
func (s *Session) SetUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
}

// Authorizer answers "is this action permitted for this resource".
type Authorizer interface {
	// VerifyMachine returns an error when the action is denied on the
	// given machine.
	VerifyMachine(ctx context.Context, action Action, machineID string) error

	// VerifyUser returns an error when the action is denied for the user.
	VerifyUser(ctx context.Context, action Action, user *User) error
}

// TokenValidator resolves a client token to a user. Validation failure on
// an established session force-closes it rather than degrading to
// anonymous.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*User, error)
}

// NoopAuthorizer permits every action. Useful for testing or when no
// authorization is needed.
type NoopAuthorizer struct{}

var _ Authorizer = (*NoopAuthorizer)(nil)

func (a *NoopAuthorizer) VerifyMachine(ctx context.Context, action Action, machineID string) error {
	return nil
}

func (a *NoopAuthorizer) VerifyUser(ctx context.Context, action Action, user *User) error {
	return nil
}
