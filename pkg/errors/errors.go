// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the gateway.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrUnauthorized indicates an authorization failure. Requests failing
	// authorization are never retried.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTimeout indicates a correlated backend request deadline fired.
	ErrTimeout = errors.New("timeout")

	// ErrBackendUnavailable indicates no live backend instance is
	// registered for the target service.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrConnectionClosed indicates the client connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidInput indicates a malformed frame or payload.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRateLimited indicates the per-session frame limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// GatewayError wraps an error with gateway context.
type GatewayError struct {
	Op        string // Operation that failed
	Service   string // Logical backend service (machine, graph)
	SessionID string // Session identifier
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s]: %v", e.Service, e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// New creates a new GatewayError.
func New(op, service, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	return &GatewayError{
		Op:        op,
		Service:   service,
		SessionID: sessionID,
		Err:       err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
