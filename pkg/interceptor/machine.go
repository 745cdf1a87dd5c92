// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package interceptor

import (
	"context"
	"log/slog"

	"github.com/absmach/streamgate/pkg/wire"
)

// machineBoundTypes are the message types the machine service handles.
var machineBoundTypes = map[string]bool{
	wire.TypeMachineStart:         true,
	wire.TypeMachineStop:          true,
	wire.TypeMachinePause:         true,
	wire.TypeMachineStep:          true,
	wire.TypeMachineCreate:        true,
	wire.TypeMachineDelete:        true,
	wire.TypeMachineRename:        true,
	wire.TypeMachineLoad:          true,
	wire.TypeMachineSubscribe:     true,
	wire.TypeMachineLoadSubscribe: true,
	wire.TypeMachineUnsubscribe:   true,
	wire.TypeSetCell:              true,
	wire.TypeSetCells:             true,
	wire.TypeLoadSheetCells:       true,
}

// clientOnlyCommands never reach any backend; they describe purely
// client-side interaction state.
var clientOnlyCommands = map[string]bool{
	"command.sheet.setselection":    true,
	"command.sheet.expandselection": true,
	"command.sheet.activatecell":    true,
}

// reloadCommands are graph commands whose responses invalidate sheet cell
// state held by the machine service.
var reloadCommands = map[string]bool{
	"command.sheet.paste":       true,
	"command.sheet.deletecells": true,
	"command.sheet.insertcells": true,
}

// MachineServer is the third stage, symmetric to GraphServer but from the
// graph side: certain graph command responses trigger a derived machine
// request, merged into the outgoing response under the machineserver
// field.
type MachineServer struct {
	machine Sender
	logger  *slog.Logger
}

var _ Interceptor = (*MachineServer)(nil)

// NewMachineServer creates the machine translation stage.
func NewMachineServer(machine Sender, logger *slog.Logger) *MachineServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MachineServer{machine: machine, logger: logger}
}

// BeforeSendToServer flags machine relevance and strips client-only
// commands from the backend fan-out entirely.
func (m *MachineServer) BeforeSendToServer(ctx context.Context, rc *RequestContext) error {
	t := rc.Message.Type()
	if t == wire.TypeCommand && clientOnlyCommands[rc.Message.CommandName()] {
		rc.GraphTarget = false
		rc.MachineTarget = false
		return nil
	}
	if machineBoundTypes[t] {
		rc.MachineTarget = true
	}
	return nil
}

// BeforeSendToClient filters command echoes and derives machine requests
// from graph command responses.
func (m *MachineServer) BeforeSendToClient(ctx context.Context, rc *RequestContext) error {
	if rc.Message.Type() == wire.TypeEvent {
		ev := rc.Message.Event()
		if ev != nil && ev.Type() == wire.EventTypeCommand && ev.OriginalSenderID() == m.machine.ID() {
			rc.Drop = true
		}
		return nil
	}

	// Cell-moving commands leave the machine service's sheet state stale;
	// reload it once the graph has applied the command.
	if rc.Message.Type() != wire.TypeCommand || rc.GraphResponse == nil {
		return nil
	}
	if !reloadCommands[rc.Message.CommandName()] {
		return nil
	}

	machineID := rc.Message.MachineID()
	if machineID == "" {
		machineID = rc.Session.MachineID
	}
	reload := wire.Message{
		"type":      wire.TypeLoadSheetCells,
		"machineId": machineID,
	}
	if sheet, ok := rc.Message["streamsheetId"]; ok {
		reload["streamsheetId"] = sheet
	}

	res, err := m.machine.Send(ctx, reload, wire.NextRequestID())
	if err != nil {
		m.logger.Warn("sheet cell reload failed",
			slog.String("machine_id", machineID),
			slog.String("error", err.Error()))
		rc.Response["machineserver"] = wire.Message{"error": errorLabel(err)}
		return nil
	}
	if resp := res.Response(); resp != nil {
		rc.Response["machineserver"] = resp
	} else {
		rc.Response["machineserver"] = res
	}
	return nil
}
