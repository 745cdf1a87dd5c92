// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"log/slog"
	"sync"

	"github.com/absmach/streamgate/pkg/errors"
	"github.com/absmach/streamgate/pkg/wire"
)

// Router selects the backend instance for a message. A machine id is bound
// to one instance on first use and keeps that binding until the instance
// reports non-running status; machine state lives only in one instance's
// memory, so correctness requires stickiness. New machines are spread
// round-robin; no load metrics are consulted.
type Router struct {
	mu        sync.Mutex
	instances *RoundRobinMap
	bindings  map[string]string
	logger    *slog.Logger
}

// NewRouter creates a router with no registered instances.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		instances: NewRoundRobinMap(),
		bindings:  make(map[string]string),
		logger:    logger,
	}
}

// RouteFor returns the instance that should receive a message for the
// given machine id. An empty machine id yields the next instance without
// persisting a binding. Returns ErrBackendUnavailable when no instance is
// live; callers must fail the originating request rather than block.
func (r *Router) RouteFor(machineID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if machineID != "" {
		if instanceID, ok := r.bindings[machineID]; ok {
			return instanceID, nil
		}
	}

	instanceID, ok := r.instances.Next()
	if !ok {
		return "", errors.ErrBackendUnavailable
	}

	if machineID != "" {
		r.bindings[machineID] = instanceID
		r.logger.Debug("machine bound to instance",
			slog.String("machine_id", machineID),
			slog.String("instance_id", instanceID))
	}
	return instanceID, nil
}

// UpdateStatus applies one instance status report. Running instances are
// upserted; anything else removes the instance and drops every binding
// pointing at it, so those machines rebind on their next message.
func (r *Router) UpdateStatus(info InstanceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Status == wire.StatusRunning {
		r.instances.Set(info.ID, info)
		return
	}

	r.instances.Remove(info.ID)
	for machineID, instanceID := range r.bindings {
		if instanceID == info.ID {
			delete(r.bindings, machineID)
			r.logger.Debug("machine binding dropped",
				slog.String("machine_id", machineID),
				slog.String("instance_id", instanceID))
		}
	}
}

// BindingFor returns the live binding of a machine id.
func (r *Router) BindingFor(machineID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instanceID, ok := r.bindings[machineID]
	return instanceID, ok
}

// Instances returns a snapshot of the live instances in rotation order.
func (r *Router) Instances() []InstanceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.instances.Keys()
	infos := make([]InstanceInfo, 0, len(keys))
	for _, k := range keys {
		if info, ok := r.instances.Get(k); ok {
			infos = append(infos, info)
		}
	}
	return infos
}
