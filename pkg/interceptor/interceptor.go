// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package interceptor provides the ordered pipeline that authorizes,
// enriches, rejects or translates every message crossing the gateway
// boundary.
package interceptor

import (
	"context"
	"log/slog"

	"github.com/absmach/streamgate/pkg/auth"
	"github.com/absmach/streamgate/pkg/wire"
)

// RequestContext carries one message through the chain together with the
// owning session and the routing/translation state the stages build up.
// It is an explicit struct rather than an open map so every field a stage
// can touch is visible here.
type RequestContext struct {
	// Session owns the message.
	Session *auth.Session

	// Message is the inbound client frame on the server direction, or
	// the backend frame (response or event) on the client direction.
	Message wire.Message

	// GraphTarget and MachineTarget mark which backend services the
	// message must reach. Stages set them on the server direction.
	GraphTarget   bool
	MachineTarget bool

	// MachineResponse and GraphResponse hold the per-service backend
	// replies on the client direction.
	MachineResponse wire.Message
	GraphResponse   wire.Message

	// Response is the client frame under assembly on the client
	// direction. Stages merge derived results into it.
	Response wire.Message

	// Drop suppresses client delivery; set by echo filtering.
	Drop bool
}

// Interceptor is one stage in the pipeline.
type Interceptor interface {
	// BeforeSendToServer runs before a client message is forwarded to
	// the backend services.
	BeforeSendToServer(ctx context.Context, rc *RequestContext) error

	// BeforeSendToClient runs before a backend result or event is
	// relayed to the client.
	BeforeSendToClient(ctx context.Context, rc *RequestContext) error
}

// Sender sends a correlated request to one backend service. Implemented
// by backend.Connection.
type Sender interface {
	ID() string
	Send(ctx context.Context, msg wire.Message, requestID uint64) (wire.Message, error)
}

// Chain runs its stages strictly in registration order and short-circuits
// on the first error; no stage after the failing one executes.
type Chain struct {
	stages []Interceptor
	logger *slog.Logger
}

// NewChain creates a chain over the given stages.
func NewChain(logger *slog.Logger, stages ...Interceptor) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{stages: stages, logger: logger}
}

// BeforeSendToServer runs all stages on the server direction.
func (c *Chain) BeforeSendToServer(ctx context.Context, rc *RequestContext) error {
	for _, s := range c.stages {
		if err := s.BeforeSendToServer(ctx, rc); err != nil {
			return err
		}
	}
	return nil
}

// BeforeSendToClient runs all stages on the client direction.
func (c *Chain) BeforeSendToClient(ctx context.Context, rc *RequestContext) error {
	for _, s := range c.stages {
		if err := s.BeforeSendToClient(ctx, rc); err != nil {
			return err
		}
	}
	return nil
}
