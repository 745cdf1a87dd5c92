// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker abstracts the publish/subscribe transport connecting the
// gateway to the backend services.
package broker

import "context"

// HandlerFunc receives one message published on a subscribed topic.
type HandlerFunc func(topic string, payload []byte)

// Transport is the connect/publish/subscribe primitive over the shared
// message broker. Topic filters may use MQTT-style wildcards (+, #).
//
// Implementations deliver messages for a given topic in publish order.
// Reconnection after a transport-level failure is the implementation's
// own affair; the gateway observes it only through ConnectionListener.
type Transport interface {
	// Connect establishes the broker connection.
	Connect(ctx context.Context) error

	// Publish sends a payload to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic filter. Subscribing the
	// same filter twice replaces the handler.
	Subscribe(ctx context.Context, topic string, h HandlerFunc) error

	// Unsubscribe removes a topic filter subscription. Unsubscribing an
	// unknown filter is a no-op.
	Unsubscribe(ctx context.Context, topic string) error

	// Close releases the broker connection.
	Close() error
}

// ConnectionListener observes transport-level connectivity changes.
// Disconnects are surfaced as events, never as request failures.
type ConnectionListener interface {
	OnBrokerConnect()
	OnBrokerDisconnect(err error)
}
