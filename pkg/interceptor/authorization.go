// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package interceptor

import (
	"context"
	"log/slog"

	"github.com/absmach/streamgate/pkg/auth"
	"github.com/absmach/streamgate/pkg/errors"
	"github.com/absmach/streamgate/pkg/metrics"
	"github.com/absmach/streamgate/pkg/wire"
)

// actionForType maps a message type to the permission it requires.
var actionForType = map[string]auth.Action{
	wire.TypeMachineStart:         auth.ActionStart,
	wire.TypeMachineStop:          auth.ActionStop,
	wire.TypeMachinePause:         auth.ActionStop,
	wire.TypeMachineStep:          auth.ActionStart,
	wire.TypeMachineCreate:        auth.ActionCreate,
	wire.TypeMachineDelete:        auth.ActionDelete,
	wire.TypeMachineRename:        auth.ActionEdit,
	wire.TypeMachineLoad:          auth.ActionView,
	wire.TypeMachineSubscribe:     auth.ActionView,
	wire.TypeMachineLoadSubscribe: auth.ActionView,
	wire.TypeMachineUnsubscribe:   auth.ActionView,
	wire.TypeSetCell:              auth.ActionEdit,
	wire.TypeSetCells:             auth.ActionEdit,
	wire.TypeLoadSheetCells:       auth.ActionView,
	wire.TypeCommand:              auth.ActionEdit,
	wire.TypeUpdateProcessSheet:   auth.ActionEdit,
	wire.TypeGraphLoad:            auth.ActionView,
	wire.TypeGraphSubscribe:       auth.ActionView,
	wire.TypeGraphUnsubscribe:     auth.ActionView,
}

// Authorization is the first stage. It is a pure gate: it maps the
// inbound message type to a permission check and rejects on denial,
// never mutating the message.
type Authorization struct {
	authorizer auth.Authorizer
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

var _ Interceptor = (*Authorization)(nil)

// NewAuthorization creates the authorization stage. Metrics may be nil.
func NewAuthorization(authorizer auth.Authorizer, m *metrics.Metrics, logger *slog.Logger) *Authorization {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorization{authorizer: authorizer, metrics: m, logger: logger}
}

// BeforeSendToServer authorizes the message against its target machine,
// or against the user when no machine is addressed.
func (a *Authorization) BeforeSendToServer(ctx context.Context, rc *RequestContext) error {
	action, ok := actionForType[rc.Message.Type()]
	if !ok {
		// Unknown types get the most restrictive check rather than a
		// free pass.
		action = auth.ActionManage
		a.logger.Warn("unrecognized message type, applying most restrictive check",
			slog.String("type", rc.Message.Type()),
			slog.String("session", rc.Session.ID))
	}

	machineID := rc.Message.MachineID()
	if machineID == "" {
		machineID = rc.Session.MachineID
	}

	var err error
	if machineID != "" {
		err = a.authorizer.VerifyMachine(ctx, action, machineID)
	} else {
		err = a.authorizer.VerifyUser(ctx, action, rc.Session.User())
	}
	if err != nil {
		if a.metrics != nil {
			a.metrics.AuthFailures.WithLabelValues(string(action)).Inc()
		}
		return errors.New("authorize", "", rc.Session.ID, errors.Wrap(errors.ErrUnauthorized, err.Error()))
	}
	return nil
}

// BeforeSendToClient is a no-op; authorization gates the server direction
// only.
func (a *Authorization) BeforeSendToClient(ctx context.Context, rc *RequestContext) error {
	return nil
}
