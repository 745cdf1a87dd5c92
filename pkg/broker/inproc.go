// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"strings"
	"sync"

	"github.com/absmach/streamgate/pkg/errors"
)

// Bus is an in-process message bus shared by Inproc transports. It is used
// by tests and single-node deployments where gateway and backend services
// run in one process.
type Bus struct {
	mu         sync.RWMutex
	transports map[*Inproc]struct{}
}

// NewBus creates an empty in-process bus.
func NewBus() *Bus {
	return &Bus{transports: make(map[*Inproc]struct{})}
}

// NewTransport creates a Transport attached to this bus.
func (b *Bus) NewTransport() *Inproc {
	return &Inproc{bus: b, subs: make(map[string]HandlerFunc)}
}

// publish dispatches a message to every matching subscription on the bus.
// Dispatch is synchronous so that per-topic ordering mirrors a real broker.
func (b *Bus) publish(topic string, payload []byte) {
	b.mu.RLock()
	var targets []HandlerFunc
	for t := range b.transports {
		t.mu.RLock()
		for filter, h := range t.subs {
			if TopicMatches(filter, topic) {
				targets = append(targets, h)
			}
		}
		t.mu.RUnlock()
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(topic, payload)
	}
}

// Inproc is a Transport over an in-process Bus.
type Inproc struct {
	bus    *Bus
	mu     sync.RWMutex
	subs   map[string]HandlerFunc
	closed bool
}

var _ Transport = (*Inproc)(nil)

// Connect attaches the transport to the bus.
func (t *Inproc) Connect(ctx context.Context) error {
	t.bus.mu.Lock()
	t.bus.transports[t] = struct{}{}
	t.bus.mu.Unlock()
	return nil
}

// Publish dispatches a payload to all matching subscribers on the bus.
func (t *Inproc) Publish(ctx context.Context, topic string, payload []byte) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return errors.ErrConnectionClosed
	}

	t.bus.publish(topic, payload)
	return nil
}

// Subscribe registers a handler for a topic filter.
func (t *Inproc) Subscribe(ctx context.Context, topic string, h HandlerFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.ErrConnectionClosed
	}
	t.subs[topic] = h
	return nil
}

// Unsubscribe removes a topic filter subscription.
func (t *Inproc) Unsubscribe(ctx context.Context, topic string) error {
	t.mu.Lock()
	delete(t.subs, topic)
	t.mu.Unlock()
	return nil
}

// Close detaches the transport from the bus.
func (t *Inproc) Close() error {
	t.bus.mu.Lock()
	delete(t.bus.transports, t)
	t.bus.mu.Unlock()

	t.mu.Lock()
	t.closed = true
	t.subs = make(map[string]HandlerFunc)
	t.mu.Unlock()
	return nil
}

// TopicMatches reports whether an MQTT-style topic filter matches a
// concrete topic. "+" matches one level, "#" matches any remainder.
func TopicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}

	fparts := strings.Split(filter, "/")
	tparts := strings.Split(topic, "/")

	for i, fp := range fparts {
		if fp == "#" {
			return true
		}
		if i >= len(tparts) {
			return false
		}
		if fp != "+" && fp != tparts[i] {
			return false
		}
	}
	return len(fparts) == len(tparts)
}
