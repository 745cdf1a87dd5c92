// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package routing selects which live backend instance receives a message,
// using round-robin distribution with sticky per-machine bindings.
package routing

import "sync"

// InstanceInfo describes one live backend instance as reported on the
// status topic tree.
type InstanceInfo struct {
	ID      string
	Service string
	Status  string
}

// RoundRobinMap is an ordered key set with a persistent cursor. Repeated
// Next calls return each live key exactly once per full rotation, in
// insertion order, wrapping around. The cursor is repaired by key identity
// on removal, so removing any key never skips or repeats a survivor on the
// very next call.
type RoundRobinMap struct {
	mu      sync.Mutex
	keys    []string
	entries map[string]InstanceInfo
	cursor  int
}

// NewRoundRobinMap creates an empty map.
func NewRoundRobinMap() *RoundRobinMap {
	return &RoundRobinMap{entries: make(map[string]InstanceInfo)}
}

// Set inserts or updates an entry. Updating an existing key does not
// disturb iteration order or the cursor.
func (m *RoundRobinMap) Set(key string, info InstanceInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.entries[key] = info
}

// Get returns the entry for a key.
func (m *RoundRobinMap) Get(key string) (InstanceInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.entries[key]
	return info, ok
}

// Remove deletes a key. The cursor keeps pointing at the same surviving
// key it pointed at before, or wraps to the start if that key was removed
// at the tail.
func (m *RoundRobinMap) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, k := range m.keys {
		if k == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	delete(m.entries, key)
	m.keys = append(m.keys[:idx], m.keys[idx+1:]...)

	if len(m.keys) == 0 {
		m.cursor = 0
		return
	}
	if idx < m.cursor {
		m.cursor--
	}
	m.cursor %= len(m.keys)
}

// Next returns the key under the cursor and advances it. Returns false
// when the map is empty.
func (m *RoundRobinMap) Next() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.keys) == 0 {
		return "", false
	}
	key := m.keys[m.cursor]
	m.cursor = (m.cursor + 1) % len(m.keys)
	return key, true
}

// Len returns the number of live keys.
func (m *RoundRobinMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// Keys returns the live keys in iteration order.
func (m *RoundRobinMap) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, len(m.keys))
	copy(keys, m.keys)
	return keys
}
