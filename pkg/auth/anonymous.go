// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/absmach/streamgate/pkg/errors"
)

// AnonymousValidator accepts any non-empty token and derives a stable
// user id from it. Meant for deployments where authentication is
// terminated upstream (ingress, sidecar) and the gateway only needs a
// stable per-client identity.
type AnonymousValidator struct{}

var _ TokenValidator = (*AnonymousValidator)(nil)

func (v *AnonymousValidator) Validate(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, errors.ErrUnauthorized
	}
	sum := sha256.Sum256([]byte(token))
	return &User{ID: hex.EncodeToString(sum[:8])}, nil
}
