// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package interceptor

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/absmach/streamgate/pkg/errors"
	"github.com/absmach/streamgate/pkg/wire"
)

// graphBoundTypes are the message types the graph service cares about.
var graphBoundTypes = map[string]bool{
	wire.TypeCommand:            true,
	wire.TypeGraphLoad:          true,
	wire.TypeGraphSubscribe:     true,
	wire.TypeGraphUnsubscribe:   true,
	wire.TypeUpdateProcessSheet: true,
}

// graphFollowUpType maps a machine request type to the graph request the
// gateway derives from its response, so the visual graph tracks the
// machine lifecycle.
var graphFollowUpType = map[string]string{
	wire.TypeMachineCreate:        wire.TypeGraphLoad,
	wire.TypeMachineDelete:        wire.TypeGraphDelete,
	wire.TypeMachineLoad:          wire.TypeGraphLoad,
	wire.TypeMachineSubscribe:     wire.TypeGraphSubscribe,
	wire.TypeMachineLoadSubscribe: wire.TypeGraphLoad,
}

// GraphServer is the second stage. It translates machine-side traffic for
// the graph service: step events fan a derived sheet update to the graph
// service, and machine lifecycle responses trigger a follow-up graph
// request whose result is merged into the outgoing response under the
// graphserver field.
type GraphServer struct {
	graph  Sender
	logger *slog.Logger
}

var _ Interceptor = (*GraphServer)(nil)

// NewGraphServer creates the graph translation stage.
func NewGraphServer(graph Sender, logger *slog.Logger) *GraphServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphServer{graph: graph, logger: logger}
}

// BeforeSendToServer flags whether the graph service cares about this
// message type at all, so downstream code can skip contacting it.
func (g *GraphServer) BeforeSendToServer(ctx context.Context, rc *RequestContext) error {
	if graphBoundTypes[rc.Message.Type()] {
		rc.GraphTarget = true
	}
	return nil
}

// BeforeSendToClient handles backend events and machine responses on
// their way to the client.
func (g *GraphServer) BeforeSendToClient(ctx context.Context, rc *RequestContext) error {
	if rc.Message.Type() == wire.TypeEvent {
		return g.handleEvent(ctx, rc)
	}

	followUp, ok := graphFollowUpType[rc.Message.Type()]
	if !ok || rc.MachineResponse == nil {
		return nil
	}

	msg := wire.Message{
		"type":      followUp,
		"machineId": rc.MachineResponse.MachineID(),
	}
	if resp := rc.MachineResponse.Response(); resp != nil {
		// The graph service needs the machine structure from the
		// machine response, e.g. newly created streamsheet ids.
		if machine, ok := resp["machine"]; ok {
			msg["machine"] = machine
		}
		if sheets, ok := resp["streamsheets"]; ok {
			msg["streamsheets"] = sheets
		}
	}

	res, err := g.graph.Send(ctx, msg, wire.NextRequestID())
	if err != nil {
		g.logger.Warn("graph follow-up failed",
			slog.String("type", followUp),
			slog.String("error", err.Error()))
		rc.Response["graphserver"] = wire.Message{"error": errorLabel(err)}
		return nil
	}
	if resp := res.Response(); resp != nil {
		rc.Response["graphserver"] = resp
	} else {
		rc.Response["graphserver"] = res
	}
	return nil
}

// handleEvent translates step events for the graph service and filters
// command echoes.
func (g *GraphServer) handleEvent(ctx context.Context, rc *RequestContext) error {
	ev := rc.Message.Event()
	if ev == nil {
		return nil
	}

	switch ev.Type() {
	case wire.EventTypeStep:
		// Reflect the computation step on the visual graph; the original
		// event continues to the client unchanged.
		update := wire.Message{
			"type":      wire.TypeUpdateProcessSheet,
			"machineId": ev.MachineID(),
		}
		if sheet, ok := ev["streamsheet"]; ok {
			update["streamsheet"] = sheet
		}
		if _, err := g.graph.Send(ctx, update, 0); err != nil {
			g.logger.Warn("process sheet update failed",
				slog.String("machine_id", ev.MachineID()),
				slog.String("error", err.Error()))
		}

	case wire.EventTypeCommand:
		// The client that issued the command already got its direct
		// response; drop the echo.
		if ev.OriginalSenderID() == g.graph.ID() {
			rc.Drop = true
		}
	}
	return nil
}

// errorLabel maps an error to the client-visible response field value.
func errorLabel(err error) string {
	if stderrors.Is(err, errors.ErrTimeout) {
		return "Timeout"
	}
	if stderrors.Is(err, errors.ErrBackendUnavailable) {
		return "BackendUnavailable"
	}
	return err.Error()
}
