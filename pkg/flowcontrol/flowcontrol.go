// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package flowcontrol implements confirmation-gated delivery of
// high-frequency machine step events. A machine instance writes the latest
// step for a machine id into a shared store; the gateway delivers at most
// one unconfirmed step to the client at a time and coalesces everything
// that arrives in between, so a slow client bounds the fan-out rate
// instead of being overrun.
package flowcontrol

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler receives the latest step payload for a machine id.
type Handler func(machineID string, step []byte)

// KV is the notification-capable key/value store backing the protocol.
type KV interface {
	// Get returns the latest step payload for a machine id, or nil when
	// none has been written yet.
	Get(ctx context.Context, machineID string) ([]byte, error)

	// Watch registers a change notification callback for a machine id.
	Watch(ctx context.Context, machineID string, notify func()) error

	// Unwatch removes the change notification for a machine id.
	Unwatch(ctx context.Context, machineID string) error

	// Close releases the store connection.
	Close() error
}

// Subscription states.
const (
	stateIdle = iota
	stateAwaitingConfirmation
)

type subscription struct {
	machineID        string
	handler          Handler
	state            int
	newStepAvailable bool
	confirmTimer     *time.Timer
}

// Config holds the flow control configuration.
type Config struct {
	// ConfirmationTimeout bounds how long an unconfirmed delivery blocks
	// the next one. Timeout firing is treated as an implicit confirmation,
	// so worst-case staleness is one timeout period.
	ConfirmationTimeout time.Duration

	// OnCoalesced, when set, is called every time a step notification is
	// absorbed into an already-pending redelivery.
	OnCoalesced func()

	// Logger for delivery events.
	Logger *slog.Logger
}

// Store runs the step confirmation protocol over a KV store.
type Store struct {
	cfg    Config
	kv     KV
	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

// New creates a Store over the given KV backend.
func New(cfg Config, kv KV) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConfirmationTimeout == 0 {
		cfg.ConfirmationTimeout = 5 * time.Second
	}
	return &Store{
		cfg:  cfg,
		kv:   kv,
		subs: make(map[string]*subscription),
	}
}

// Subscribe starts step observation for a machine id. Idempotent.
func (s *Store) Subscribe(machineID string, h Handler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.subs[machineID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.subs[machineID] = &subscription{machineID: machineID, handler: h}
	s.mu.Unlock()

	return s.kv.Watch(context.Background(), machineID, func() {
		s.notified(machineID)
	})
}

// Unsubscribe stops step observation for a machine id. Idempotent.
func (s *Store) Unsubscribe(machineID string) error {
	s.mu.Lock()
	sub, ok := s.subs[machineID]
	if ok {
		if sub.confirmTimer != nil {
			sub.confirmTimer.Stop()
		}
		delete(s.subs, machineID)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return s.kv.Unwatch(context.Background(), machineID)
}

// Confirm acknowledges the last delivered step for a machine id. If a
// newer step arrived while awaiting confirmation it is fetched and
// delivered immediately; otherwise the subscription returns to idle.
func (s *Store) Confirm(machineID string) {
	s.mu.Lock()
	sub, ok := s.subs[machineID]
	if !ok || sub.state != stateAwaitingConfirmation {
		s.mu.Unlock()
		return
	}
	if sub.confirmTimer != nil {
		sub.confirmTimer.Stop()
		sub.confirmTimer = nil
	}
	if !sub.newStepAvailable {
		sub.state = stateIdle
		s.mu.Unlock()
		return
	}
	s.deliverLocked(sub)
}

// Get returns the latest step payload for a machine id, bypassing the
// confirmation protocol.
func (s *Store) Get(ctx context.Context, machineID string) ([]byte, error) {
	return s.kv.Get(ctx, machineID)
}

// Close stops all confirmation timers before releasing the store
// connection.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	for _, sub := range s.subs {
		if sub.confirmTimer != nil {
			sub.confirmTimer.Stop()
		}
	}
	s.subs = make(map[string]*subscription)
	s.mu.Unlock()

	return s.kv.Close()
}

// notified handles a change notification for a machine id. While awaiting
// confirmation it only records that a newer step exists; rapid steps
// collapse to a single pending redelivery.
func (s *Store) notified(machineID string) {
	s.mu.Lock()
	sub, ok := s.subs[machineID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if sub.state == stateAwaitingConfirmation {
		sub.newStepAvailable = true
		s.mu.Unlock()
		if s.cfg.OnCoalesced != nil {
			s.cfg.OnCoalesced()
		}
		return
	}
	s.deliverLocked(sub)
}

// deliverLocked fetches the current step and hands it to the client,
// entering AwaitingConfirmation. Called with s.mu held; releases it.
func (s *Store) deliverLocked(sub *subscription) {
	sub.state = stateAwaitingConfirmation
	sub.newStepAvailable = false
	machineID := sub.machineID
	handler := sub.handler
	sub.confirmTimer = time.AfterFunc(s.cfg.ConfirmationTimeout, func() {
		// A silent client must not wedge the pipe; treat the timeout
		// as an implicit confirmation.
		s.Confirm(machineID)
	})
	s.mu.Unlock()

	payload, err := s.kv.Get(context.Background(), machineID)
	if err != nil {
		s.cfg.Logger.Warn("step fetch failed",
			slog.String("machine_id", machineID),
			slog.String("error", err.Error()))
		return
	}
	if payload == nil {
		s.mu.Lock()
		if cur, ok := s.subs[machineID]; ok && cur == sub {
			if sub.confirmTimer != nil {
				sub.confirmTimer.Stop()
				sub.confirmTimer = nil
			}
			sub.state = stateIdle
		}
		s.mu.Unlock()
		return
	}

	handler(machineID, payload)
}
