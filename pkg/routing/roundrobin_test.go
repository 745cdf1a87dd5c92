// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"testing"
)

func addAll(m *RoundRobinMap, keys ...string) {
	for _, k := range keys {
		m.Set(k, InstanceInfo{ID: k, Status: "running"})
	}
}

func TestRoundRobinVisitsEachKeyOnce(t *testing.T) {
	m := NewRoundRobinMap()
	addAll(m, "a", "b", "c", "d")

	seen := make(map[string]int)
	for i := 0; i < m.Len(); i++ {
		key, ok := m.Next()
		if !ok {
			t.Fatalf("Next() returned not ok with %d keys", m.Len())
		}
		seen[key]++
	}

	for _, k := range []string{"a", "b", "c", "d"} {
		if seen[k] != 1 {
			t.Errorf("key %q visited %d times, want 1", k, seen[k])
		}
	}
}

func TestRoundRobinWrapsAround(t *testing.T) {
	m := NewRoundRobinMap()
	addAll(m, "a", "b")

	want := []string{"a", "b", "a", "b", "a"}
	for i, w := range want {
		got, _ := m.Next()
		if got != w {
			t.Errorf("call %d: got %q, want %q", i, got, w)
		}
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	m := NewRoundRobinMap()
	if _, ok := m.Next(); ok {
		t.Error("Next() on empty map returned ok")
	}

	m.Remove("missing") // no-op, must not panic
}

func TestRoundRobinRemoveOtherKeyKeepsOrder(t *testing.T) {
	// With keys [a,b,c], after Next() returns a, removing b must not
	// skip or repeat: the next two calls return c then a.
	m := NewRoundRobinMap()
	addAll(m, "a", "b", "c")

	if got, _ := m.Next(); got != "a" {
		t.Fatalf("first Next() = %q, want a", got)
	}
	m.Remove("b")

	if got, _ := m.Next(); got != "c" {
		t.Errorf("Next() after removal = %q, want c", got)
	}
	if got, _ := m.Next(); got != "a" {
		t.Errorf("Next() after wrap = %q, want a", got)
	}
}

func TestRoundRobinRemovePointedToKey(t *testing.T) {
	m := NewRoundRobinMap()
	addAll(m, "a", "b", "c")

	// Cursor now points at b.
	if got, _ := m.Next(); got != "a" {
		t.Fatalf("first Next() = %q, want a", got)
	}
	m.Remove("b")

	if got, _ := m.Next(); got != "c" {
		t.Errorf("Next() after removing pointed-to key = %q, want c", got)
	}
}

func TestRoundRobinRemoveTailRepairsCursor(t *testing.T) {
	m := NewRoundRobinMap()
	addAll(m, "a", "b", "c")

	m.Next() // a
	m.Next() // b, cursor points at c
	m.Remove("c")

	if got, _ := m.Next(); got != "a" {
		t.Errorf("Next() after tail removal = %q, want a", got)
	}
}

func TestRoundRobinRemoveBeforeCursor(t *testing.T) {
	m := NewRoundRobinMap()
	addAll(m, "a", "b", "c")

	m.Next() // a
	m.Next() // b, cursor points at c
	m.Remove("a")

	// Removal of an already-visited key must not disturb the rotation.
	if got, _ := m.Next(); got != "c" {
		t.Errorf("Next() = %q, want c", got)
	}
	if got, _ := m.Next(); got != "b" {
		t.Errorf("Next() = %q, want b", got)
	}
}

func TestRoundRobinUpdateKeepsCursor(t *testing.T) {
	m := NewRoundRobinMap()
	addAll(m, "a", "b")

	m.Next() // a
	m.Set("a", InstanceInfo{ID: "a", Status: "running"})

	if got, _ := m.Next(); got != "b" {
		t.Errorf("Next() after update = %q, want b", got)
	}
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}
}
