// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package flowcontrol

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
)

const (
	stepKeyPrefix     = "streamgate:step:"
	stepChannelPrefix = "streamgate:stepnotify:"
)

// RedisKV is a KV over Redis. Machine service instances SET the latest
// step under a per-machine key and PUBLISH on the matching notification
// channel; the gateway watches the channel and fetches the key on demand.
type RedisKV struct {
	client redis.UniversalClient
	mu     sync.Mutex
	subs   map[string]*redis.PubSub
}

var _ KV = (*RedisKV)(nil)

// NewRedisKV creates a KV over an existing Redis client.
func NewRedisKV(client redis.UniversalClient) *RedisKV {
	return &RedisKV{
		client: client,
		subs:   make(map[string]*redis.PubSub),
	}
}

// Get returns the latest step payload, or nil when none exists.
func (r *RedisKV) Get(ctx context.Context, machineID string) ([]byte, error) {
	payload, err := r.client.Get(ctx, stepKeyPrefix+machineID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Watch subscribes to the notification channel of a machine id.
func (r *RedisKV) Watch(ctx context.Context, machineID string, notify func()) error {
	r.mu.Lock()
	if _, ok := r.subs[machineID]; ok {
		r.mu.Unlock()
		return nil
	}

	pubsub := r.client.Subscribe(ctx, stepChannelPrefix+machineID)
	r.subs[machineID] = pubsub
	r.mu.Unlock()

	// Channel() closes when the pubsub is closed by Unwatch/Close.
	go func() {
		for range pubsub.Channel() {
			notify()
		}
	}()
	return nil
}

// Unwatch drops the notification channel subscription of a machine id.
func (r *RedisKV) Unwatch(ctx context.Context, machineID string) error {
	r.mu.Lock()
	pubsub, ok := r.subs[machineID]
	delete(r.subs, machineID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return pubsub.Close()
}

// Close drops all channel subscriptions. The Redis client is owned by the
// caller and stays open.
func (r *RedisKV) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*redis.PubSub)
	r.mu.Unlock()

	var firstErr error
	for _, pubsub := range subs {
		if err := pubsub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MemoryKV is an in-process KV for tests and single-node deployments.
type MemoryKV struct {
	mu       sync.Mutex
	values   map[string][]byte
	watchers map[string]func()
}

var _ KV = (*MemoryKV)(nil)

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		values:   make(map[string][]byte),
		watchers: make(map[string]func()),
	}
}

// SetStep writes the latest step for a machine id and fires its watcher.
// This is the producer side of the protocol.
func (m *MemoryKV) SetStep(machineID string, payload []byte) {
	m.mu.Lock()
	m.values[machineID] = payload
	notify := m.watchers[machineID]
	m.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (m *MemoryKV) Get(ctx context.Context, machineID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[machineID], nil
}

func (m *MemoryKV) Watch(ctx context.Context, machineID string, notify func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers[machineID] = notify
	return nil
}

func (m *MemoryKV) Unwatch(ctx context.Context, machineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watchers, machineID)
	return nil
}

func (m *MemoryKV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = make(map[string]func())
	return nil
}
