// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the JSON message envelope shared by the client
// protocol and the broker protocol, plus the topic and type constants
// used across the gateway.
package wire

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Logical backend services reachable through the broker.
const (
	MachineService = "machine"
	GraphService   = "graph"
)

// Frame and event types.
const (
	TypeResponse    = "response"
	TypeEvent       = "event"
	TypeError       = "error"
	TypeConfirmStep = "confirm_processed_step"

	EventTypeStep          = "step"
	EventTypeCommand       = "command"
	EventTypeMachineStatus = "machine_status"
	EventTypeSheetUpdate   = "sheet_update"
	EventTypeServiceStatus = "service_status"
	EventTypeBrokerStatus  = "broker_status"
)

// Machine service request types.
const (
	TypeMachineStart         = "start_machine"
	TypeMachineStop          = "stop_machine"
	TypeMachinePause         = "pause_machine"
	TypeMachineStep          = "step_machine"
	TypeMachineCreate        = "create_machine"
	TypeMachineDelete        = "delete_machine"
	TypeMachineLoad          = "load_machine"
	TypeMachineRename        = "rename_machine"
	TypeMachineSubscribe     = "subscribe_machine"
	TypeMachineLoadSubscribe = "load_subscribe_machine"
	TypeMachineUnsubscribe   = "unsubscribe_machine"
	TypeSetCell              = "set_cell"
	TypeSetCells             = "set_cells"
	TypeLoadSheetCells       = "load_sheet_cells"
)

// Graph service request types.
const (
	TypeGraphLoad          = "load_graph"
	TypeGraphDelete        = "delete_graph"
	TypeGraphSubscribe     = "subscribe_graph"
	TypeGraphUnsubscribe   = "unsubscribe_graph"
	TypeCommand            = "command"
	TypeUpdateProcessSheet = "update_process_sheet"
)

// Backend instance status values published on the status topic tree.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Broker connectivity values carried by broker_status events.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Message is one JSON frame. The protocol is dynamic (command-specific
// fields vary per type), so the envelope stays a map with typed accessors
// for the fields the gateway itself reads and writes.
type Message map[string]any

// Parse decodes a JSON payload into a Message.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	return m, nil
}

// Marshal encodes the message as JSON.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Type returns the frame type, or "" if absent.
func (m Message) Type() string {
	return m.str("type")
}

// RequestType returns the original request type echoed in a response.
func (m Message) RequestType() string {
	return m.str("requestType")
}

// RequestID returns the correlation id, or 0 if absent. JSON numbers
// decode as float64; string ids are not part of the protocol.
func (m Message) RequestID() uint64 {
	switch v := m["requestId"].(type) {
	case float64:
		return uint64(v)
	case uint64:
		return v
	case int:
		return uint64(v)
	default:
		return 0
	}
}

// SetRequestID sets the correlation id.
func (m Message) SetRequestID(id uint64) {
	m["requestId"] = id
}

// MachineID returns the machine this message addresses, or "".
func (m Message) MachineID() string {
	return m.str("machineId")
}

// GraphID returns the graph this message addresses, or "".
func (m Message) GraphID() string {
	return m.str("graphId")
}

// SenderID returns sender.id, or "".
func (m Message) SenderID() string {
	return m.nestedStr("sender", "id")
}

// SetSenderID stamps sender.id so echoes can be filtered downstream.
func (m Message) SetSenderID(id string) {
	m["sender"] = map[string]any{"id": id}
}

// Event returns the nested event object of an event frame, or nil.
func (m Message) Event() Message {
	if ev, ok := m["event"].(map[string]any); ok {
		return Message(ev)
	}
	return nil
}

// OriginalSenderID returns originalSender.id of an event, or "".
func (m Message) OriginalSenderID() string {
	return m.nestedStr("originalSender", "id")
}

// Response returns the nested response payload of a response frame, or nil.
func (m Message) Response() Message {
	if r, ok := m["response"].(map[string]any); ok {
		return Message(r)
	}
	return nil
}

// Status returns the status field of an instance status report, or "".
func (m Message) Status() string {
	return m.str("status")
}

// CommandName returns command.name of a command frame, or "".
func (m Message) CommandName() string {
	return m.nestedStr("command", "name")
}

func (m Message) str(key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func (m Message) nestedStr(obj, key string) string {
	if o, ok := m[obj].(map[string]any); ok {
		if s, ok := o[key].(string); ok {
			return s
		}
	}
	return ""
}

// Clone returns a shallow copy of the message. Used when one client frame
// fans out to several backend services, each stamping its own sender.
func (m Message) Clone() Message {
	out := make(Message, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// requestCounter backs NextRequestID. Monotonic so ids cannot collide
// within the request timeout window.
var requestCounter atomic.Uint64

// NextRequestID returns a process-unique correlation id for
// gateway-originated requests.
func NextRequestID() uint64 {
	return requestCounter.Add(1)
}

// InputTopic returns the well-known request topic of a service.
func InputTopic(service string) string {
	return "services/" + service + "/input"
}

// InstanceInputTopic returns the direct-addressing request topic of one
// backend instance.
func InstanceInputTopic(service, instanceID string) string {
	return InputTopic(service) + "/" + instanceID
}

// OutputTopic returns the reply topic of a service.
func OutputTopic(service string) string {
	return "services/" + service + "/output"
}

// EventTopic returns the dedicated event topic of one machine or graph.
func EventTopic(service, id string) string {
	return "services/" + service + "/events/" + id
}

// StatusTopic returns the status topic of one backend instance.
func StatusTopic(service, instanceID string) string {
	return "services/" + service + "/status/" + instanceID
}

// StatusTopicFilter returns the wildcard filter covering all instances
// of a service.
func StatusTopicFilter(service string) string {
	return "services/" + service + "/status/+"
}
