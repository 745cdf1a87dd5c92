// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import "testing"

func TestNewIsIdempotent(t *testing.T) {
	// Collectors live on the default Prometheus registry, which panics on
	// duplicate registration; repeated construction must reuse the first
	// instance instead.
	first := New("streamgate")
	second := New("streamgate")

	if first == nil {
		t.Fatal("New() returned nil")
	}
	if first != second {
		t.Error("New() returned distinct instances")
	}
}

func TestObserveBackendRequestPassesError(t *testing.T) {
	m := New("streamgate")

	wantErr := errSentinel("boom")
	if err := m.ObserveBackendRequest("machine", func() error { return wantErr }); err != wantErr {
		t.Errorf("ObserveBackendRequest() error = %v, want %v", err, wantErr)
	}
	if err := m.ObserveBackendRequest("machine", func() error { return nil }); err != nil {
		t.Errorf("ObserveBackendRequest() error = %v, want nil", err)
	}
}

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
