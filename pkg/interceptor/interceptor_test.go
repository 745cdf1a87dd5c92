// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package interceptor

import (
	"context"
	"fmt"
	"testing"

	"github.com/absmach/streamgate/pkg/auth"
	"github.com/absmach/streamgate/pkg/errors"
	"github.com/absmach/streamgate/pkg/wire"
)

// namedStage records its invocations into a shared trace and optionally
// fails.
type namedStage struct {
	name  string
	trace *[]string
	fail  error
}

func (s *namedStage) BeforeSendToServer(ctx context.Context, rc *RequestContext) error {
	*s.trace = append(*s.trace, s.name+":server")
	return s.fail
}

func (s *namedStage) BeforeSendToClient(ctx context.Context, rc *RequestContext) error {
	*s.trace = append(*s.trace, s.name+":client")
	return s.fail
}

// mockSender is a scripted backend for translation stages.
type mockSender struct {
	id   string
	res  wire.Message
	err  error
	sent []sentRequest
}

type sentRequest struct {
	msg       wire.Message
	requestID uint64
}

func (m *mockSender) ID() string { return m.id }

func (m *mockSender) Send(ctx context.Context, msg wire.Message, requestID uint64) (wire.Message, error) {
	m.sent = append(m.sent, sentRequest{msg: msg, requestID: requestID})
	return m.res, m.err
}

func testSession() *auth.Session {
	return auth.NewSession("s1", &auth.User{ID: "u1"})
}

func TestChainRunsStagesInOrder(t *testing.T) {
	var trace []string
	chain := NewChain(nil,
		&namedStage{name: "a", trace: &trace},
		&namedStage{name: "b", trace: &trace},
		&namedStage{name: "c", trace: &trace},
	)

	rc := &RequestContext{Session: testSession(), Message: wire.Message{}}
	if err := chain.BeforeSendToServer(context.Background(), rc); err != nil {
		t.Fatalf("BeforeSendToServer() error = %v", err)
	}
	if err := chain.BeforeSendToClient(context.Background(), rc); err != nil {
		t.Fatalf("BeforeSendToClient() error = %v", err)
	}

	want := []string{"a:server", "b:server", "c:server", "a:client", "b:client", "c:client"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestChainShortCircuitsOnError(t *testing.T) {
	var trace []string
	boom := fmt.Errorf("rejected")
	chain := NewChain(nil,
		&namedStage{name: "a", trace: &trace},
		&namedStage{name: "b", trace: &trace, fail: boom},
		&namedStage{name: "c", trace: &trace},
	)

	rc := &RequestContext{Session: testSession(), Message: wire.Message{}}
	if err := chain.BeforeSendToServer(context.Background(), rc); err != boom {
		t.Fatalf("BeforeSendToServer() error = %v, want %v", err, boom)
	}

	want := []string{"a:server", "b:server"}
	if len(trace) != len(want) || trace[0] != want[0] || trace[1] != want[1] {
		t.Fatalf("trace = %v, want %v (stage after the failing one must not run)", trace, want)
	}
}

// recordingAuthorizer captures the check it was asked to perform.
type recordingAuthorizer struct {
	action    auth.Action
	machineID string
	user      *auth.User
	deny      error
}

func (r *recordingAuthorizer) VerifyMachine(ctx context.Context, action auth.Action, machineID string) error {
	r.action = action
	r.machineID = machineID
	return r.deny
}

func (r *recordingAuthorizer) VerifyUser(ctx context.Context, action auth.Action, user *auth.User) error {
	r.action = action
	r.user = user
	return r.deny
}

func TestAuthorizationActionMapping(t *testing.T) {
	cases := []struct {
		msgType string
		want    auth.Action
	}{
		{wire.TypeMachineStart, auth.ActionStart},
		{wire.TypeMachineStop, auth.ActionStop},
		{wire.TypeMachinePause, auth.ActionStop},
		{wire.TypeMachineCreate, auth.ActionCreate},
		{wire.TypeMachineDelete, auth.ActionDelete},
		{wire.TypeMachineRename, auth.ActionEdit},
		{wire.TypeMachineSubscribe, auth.ActionView},
		{wire.TypeSetCell, auth.ActionEdit},
		{wire.TypeCommand, auth.ActionEdit},
		{"totally_unknown", auth.ActionManage},
	}

	for _, tc := range cases {
		t.Run(tc.msgType, func(t *testing.T) {
			rec := &recordingAuthorizer{}
			stage := NewAuthorization(rec, nil, nil)

			rc := &RequestContext{
				Session: testSession(),
				Message: wire.Message{"type": tc.msgType, "machineId": "m1"},
			}
			if err := stage.BeforeSendToServer(context.Background(), rc); err != nil {
				t.Fatalf("BeforeSendToServer() error = %v", err)
			}
			if rec.action != tc.want {
				t.Errorf("checked action = %q, want %q", rec.action, tc.want)
			}
			if rec.machineID != "m1" {
				t.Errorf("checked machine = %q, want m1", rec.machineID)
			}
		})
	}
}

func TestAuthorizationDenial(t *testing.T) {
	rec := &recordingAuthorizer{deny: fmt.Errorf("nope")}
	stage := NewAuthorization(rec, nil, nil)

	rc := &RequestContext{
		Session: testSession(),
		Message: wire.Message{"type": wire.TypeMachineStart, "machineId": "m1"},
	}
	err := stage.BeforeSendToServer(context.Background(), rc)
	if !errors.Is(err, errors.ErrUnauthorized) {
		t.Fatalf("BeforeSendToServer() error = %v, want ErrUnauthorized", err)
	}
}

func TestAuthorizationFallsBackToSessionMachine(t *testing.T) {
	rec := &recordingAuthorizer{}
	stage := NewAuthorization(rec, nil, nil)

	session := testSession()
	session.MachineID = "m9"
	rc := &RequestContext{
		Session: session,
		Message: wire.Message{"type": wire.TypeMachineStart},
	}
	if err := stage.BeforeSendToServer(context.Background(), rc); err != nil {
		t.Fatalf("BeforeSendToServer() error = %v", err)
	}
	if rec.machineID != "m9" {
		t.Errorf("checked machine = %q, want session machine m9", rec.machineID)
	}
}

func TestAuthorizationChecksUserWithoutMachine(t *testing.T) {
	rec := &recordingAuthorizer{}
	stage := NewAuthorization(rec, nil, nil)

	rc := &RequestContext{
		Session: testSession(),
		Message: wire.Message{"type": wire.TypeMachineCreate},
	}
	if err := stage.BeforeSendToServer(context.Background(), rc); err != nil {
		t.Fatalf("BeforeSendToServer() error = %v", err)
	}
	if rec.user == nil || rec.user.ID != "u1" {
		t.Errorf("user check not performed, got %v", rec.user)
	}
}

func TestTargetFlags(t *testing.T) {
	graph := &mockSender{id: "g1"}
	machine := &mockSender{id: "m1"}
	gs := NewGraphServer(graph, nil)
	ms := NewMachineServer(machine, nil)

	cases := []struct {
		msg         wire.Message
		wantGraph   bool
		wantMachine bool
	}{
		{wire.Message{"type": wire.TypeMachineStart}, false, true},
		{wire.Message{"type": wire.TypeGraphLoad}, true, false},
		{wire.Message{"type": wire.TypeCommand, "command": map[string]any{"name": "command.sheet.paste"}}, true, false},
		{wire.Message{"type": wire.TypeMachineSubscribe}, false, true},
		{wire.Message{"type": wire.TypeCommand, "command": map[string]any{"name": "command.sheet.setselection"}}, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.msg.Type()+"/"+tc.msg.CommandName(), func(t *testing.T) {
			rc := &RequestContext{Session: testSession(), Message: tc.msg}
			if err := gs.BeforeSendToServer(context.Background(), rc); err != nil {
				t.Fatalf("graph stage error = %v", err)
			}
			if err := ms.BeforeSendToServer(context.Background(), rc); err != nil {
				t.Fatalf("machine stage error = %v", err)
			}
			if rc.GraphTarget != tc.wantGraph || rc.MachineTarget != tc.wantMachine {
				t.Errorf("targets = graph:%v machine:%v, want graph:%v machine:%v",
					rc.GraphTarget, rc.MachineTarget, tc.wantGraph, tc.wantMachine)
			}
		})
	}
}

func TestGraphFollowUpMergedIntoResponse(t *testing.T) {
	graph := &mockSender{
		id:  "g1",
		res: wire.Message{"type": wire.TypeResponse, "response": map[string]any{"graph": map[string]any{"id": "gr1"}}},
	}
	stage := NewGraphServer(graph, nil)

	rc := &RequestContext{
		Session: testSession(),
		Message: wire.Message{"type": wire.TypeMachineCreate},
		MachineResponse: wire.Message{
			"type":      wire.TypeResponse,
			"machineId": "m1",
			"response": map[string]any{
				"machine":      map[string]any{"id": "m1"},
				"streamsheets": []any{map[string]any{"id": "s1"}},
			},
		},
		Response: wire.Message{"type": wire.TypeResponse},
	}

	if err := stage.BeforeSendToClient(context.Background(), rc); err != nil {
		t.Fatalf("BeforeSendToClient() error = %v", err)
	}

	if len(graph.sent) != 1 {
		t.Fatalf("graph received %d requests, want 1", len(graph.sent))
	}
	sent := graph.sent[0]
	if sent.msg.Type() != wire.TypeGraphLoad {
		t.Errorf("follow-up type = %q, want load_graph", sent.msg.Type())
	}
	if sent.requestID == 0 {
		t.Error("follow-up sent fire-and-forget, want correlated")
	}
	if sent.msg.MachineID() != "m1" {
		t.Errorf("follow-up machineId = %q, want m1", sent.msg.MachineID())
	}
	if _, ok := sent.msg["machine"]; !ok {
		t.Error("follow-up missing machine structure")
	}
	if _, ok := sent.msg["streamsheets"]; !ok {
		t.Error("follow-up missing streamsheets")
	}

	merged, ok := rc.Response["graphserver"].(wire.Message)
	if !ok {
		t.Fatalf("graphserver field = %T(%v)", rc.Response["graphserver"], rc.Response["graphserver"])
	}
	if _, ok := merged["graph"]; !ok {
		t.Errorf("graphserver payload = %v, want graph structure", merged)
	}
}

func TestGraphFollowUpTimeoutLabel(t *testing.T) {
	graph := &mockSender{id: "g1", err: errors.ErrTimeout}
	stage := NewGraphServer(graph, nil)

	rc := &RequestContext{
		Session:         testSession(),
		Message:         wire.Message{"type": wire.TypeMachineLoad},
		MachineResponse: wire.Message{"type": wire.TypeResponse, "machineId": "m1"},
		Response:        wire.Message{"type": wire.TypeResponse},
	}

	if err := stage.BeforeSendToClient(context.Background(), rc); err != nil {
		t.Fatalf("BeforeSendToClient() error = %v", err)
	}

	merged, ok := rc.Response["graphserver"].(wire.Message)
	if !ok {
		t.Fatalf("graphserver field = %T", rc.Response["graphserver"])
	}
	if merged["error"] != "Timeout" {
		t.Errorf(`graphserver error = %v, want "Timeout"`, merged["error"])
	}
}

func TestGraphSkipsFollowUpWithoutMachineResponse(t *testing.T) {
	graph := &mockSender{id: "g1"}
	stage := NewGraphServer(graph, nil)

	rc := &RequestContext{
		Session:  testSession(),
		Message:  wire.Message{"type": wire.TypeMachineCreate},
		Response: wire.Message{"type": wire.TypeResponse},
	}
	if err := stage.BeforeSendToClient(context.Background(), rc); err != nil {
		t.Fatalf("BeforeSendToClient() error = %v", err)
	}
	if len(graph.sent) != 0 {
		t.Errorf("graph contacted despite missing machine response: %v", graph.sent)
	}
}

func TestGraphStepEventFansSheetUpdate(t *testing.T) {
	graph := &mockSender{id: "g1"}
	stage := NewGraphServer(graph, nil)

	rc := &RequestContext{
		Session: testSession(),
		Message: wire.Message{
			"type": wire.TypeEvent,
			"event": map[string]any{
				"type":        wire.EventTypeStep,
				"machineId":   "m1",
				"streamsheet": map[string]any{"cells": map[string]any{}},
			},
		},
	}

	if err := stage.BeforeSendToClient(context.Background(), rc); err != nil {
		t.Fatalf("BeforeSendToClient() error = %v", err)
	}
	if rc.Drop {
		t.Error("step event dropped, must continue to the client")
	}
	if len(graph.sent) != 1 {
		t.Fatalf("graph received %d requests, want 1", len(graph.sent))
	}
	if graph.sent[0].msg.Type() != wire.TypeUpdateProcessSheet {
		t.Errorf("derived type = %q, want update_process_sheet", graph.sent[0].msg.Type())
	}
	if graph.sent[0].requestID != 0 {
		t.Error("sheet update must be fire-and-forget")
	}
}

func TestCommandEchoSuppression(t *testing.T) {
	graph := &mockSender{id: "g1"}
	machine := &mockSender{id: "m1"}
	gs := NewGraphServer(graph, nil)
	ms := NewMachineServer(machine, nil)

	commandEvent := func(originalSender string) wire.Message {
		return wire.Message{
			"type": wire.TypeEvent,
			"event": map[string]any{
				"type":           wire.EventTypeCommand,
				"originalSender": map[string]any{"id": originalSender},
			},
		}
	}

	cases := []struct {
		name     string
		sender   string
		wantDrop bool
	}{
		{"echo of graph connection", "g1", true},
		{"echo of machine connection", "m1", true},
		{"command from another client", "elsewhere", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rc := &RequestContext{Session: testSession(), Message: commandEvent(tc.sender)}
			if err := gs.BeforeSendToClient(context.Background(), rc); err != nil {
				t.Fatalf("graph stage error = %v", err)
			}
			if err := ms.BeforeSendToClient(context.Background(), rc); err != nil {
				t.Fatalf("machine stage error = %v", err)
			}
			if rc.Drop != tc.wantDrop {
				t.Errorf("Drop = %v, want %v", rc.Drop, tc.wantDrop)
			}
		})
	}
}

func TestMachineReloadAfterCellMovingCommand(t *testing.T) {
	machine := &mockSender{
		id:  "m1",
		res: wire.Message{"type": wire.TypeResponse, "response": map[string]any{"cells": map[string]any{}}},
	}
	stage := NewMachineServer(machine, nil)

	rc := &RequestContext{
		Session: testSession(),
		Message: wire.Message{
			"type":          wire.TypeCommand,
			"machineId":     "m1",
			"streamsheetId": "s1",
			"command":       map[string]any{"name": "command.sheet.paste"},
		},
		GraphResponse: wire.Message{"type": wire.TypeResponse},
		Response:      wire.Message{"type": wire.TypeResponse},
	}

	if err := stage.BeforeSendToClient(context.Background(), rc); err != nil {
		t.Fatalf("BeforeSendToClient() error = %v", err)
	}

	if len(machine.sent) != 1 {
		t.Fatalf("machine received %d requests, want 1", len(machine.sent))
	}
	sent := machine.sent[0]
	if sent.msg.Type() != wire.TypeLoadSheetCells {
		t.Errorf("derived type = %q, want load_sheet_cells", sent.msg.Type())
	}
	if sent.msg["streamsheetId"] != "s1" {
		t.Errorf("derived streamsheetId = %v, want s1", sent.msg["streamsheetId"])
	}

	if _, ok := rc.Response["machineserver"].(wire.Message); !ok {
		t.Errorf("machineserver field = %T", rc.Response["machineserver"])
	}
}

func TestMachineSkipsReloadForOtherCommands(t *testing.T) {
	machine := &mockSender{id: "m1"}
	stage := NewMachineServer(machine, nil)

	rc := &RequestContext{
		Session: testSession(),
		Message: wire.Message{
			"type":    wire.TypeCommand,
			"command": map[string]any{"name": "command.sheet.setcell"},
		},
		GraphResponse: wire.Message{"type": wire.TypeResponse},
		Response:      wire.Message{"type": wire.TypeResponse},
	}

	if err := stage.BeforeSendToClient(context.Background(), rc); err != nil {
		t.Fatalf("BeforeSendToClient() error = %v", err)
	}
	if len(machine.sent) != 0 {
		t.Errorf("machine contacted for non-reload command: %v", machine.sent)
	}
}
