// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/absmach/streamgate/pkg/errors"
)

// MQTTConfig holds the MQTT transport configuration.
type MQTTConfig struct {
	// URL is the broker address (tcp://host:port or ssl://host:port).
	URL string

	// ClientID identifies this connection on the broker. Must be unique
	// per connection.
	ClientID string

	// Username and Password are optional broker credentials.
	Username string
	Password string

	// ConnectTimeout bounds the initial connect and every publish,
	// subscribe and unsubscribe acknowledgement wait.
	ConnectTimeout time.Duration

	// Logger for transport events.
	Logger *slog.Logger
}

// MQTT is a Transport backed by an MQTT broker. The paho client handles
// reconnection; registered subscriptions are replayed on reconnect.
type MQTT struct {
	cfg      MQTTConfig
	client   mqtt.Client
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	listener ConnectionListener
}

var _ Transport = (*MQTT)(nil)

// NewMQTT creates an MQTT transport. The listener may be nil.
func NewMQTT(cfg MQTTConfig, listener ConnectionListener) *MQTT {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	t := &MQTT{
		cfg:      cfg,
		handlers: make(map[string]HandlerFunc),
		listener: listener,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOrderMatters(true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		t.resubscribe()
		if t.listener != nil {
			t.listener.OnBrokerConnect()
		}
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		cfg.Logger.Warn("broker connection lost",
			slog.String("client_id", cfg.ClientID),
			slog.String("error", err.Error()))
		if t.listener != nil {
			t.listener.OnBrokerDisconnect(err)
		}
	})

	t.client = mqtt.NewClient(opts)
	return t
}

// Connect establishes the broker connection.
func (t *MQTT) Connect(ctx context.Context) error {
	return t.wait(ctx, t.client.Connect(), "connect")
}

// Publish sends a payload to a topic with QoS 0.
func (t *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.wait(ctx, t.client.Publish(topic, 0, false, payload), "publish")
}

// Subscribe registers a handler for a topic filter.
func (t *MQTT) Subscribe(ctx context.Context, topic string, h HandlerFunc) error {
	t.mu.Lock()
	t.handlers[topic] = h
	t.mu.Unlock()

	cb := func(c mqtt.Client, m mqtt.Message) {
		h(m.Topic(), m.Payload())
	}
	return t.wait(ctx, t.client.Subscribe(topic, 0, cb), "subscribe")
}

// Unsubscribe removes a topic filter subscription.
func (t *MQTT) Unsubscribe(ctx context.Context, topic string) error {
	t.mu.Lock()
	delete(t.handlers, topic)
	t.mu.Unlock()

	return t.wait(ctx, t.client.Unsubscribe(topic), "unsubscribe")
}

// Close releases the broker connection after a short drain.
func (t *MQTT) Close() error {
	t.client.Disconnect(250)
	return nil
}

// resubscribe replays all registered subscriptions after a reconnect.
func (t *MQTT) resubscribe() {
	t.mu.Lock()
	handlers := make(map[string]HandlerFunc, len(t.handlers))
	for topic, h := range t.handlers {
		handlers[topic] = h
	}
	t.mu.Unlock()

	for topic, h := range handlers {
		h := h
		token := t.client.Subscribe(topic, 0, func(c mqtt.Client, m mqtt.Message) {
			h(m.Topic(), m.Payload())
		})
		if token.WaitTimeout(t.cfg.ConnectTimeout) && token.Error() != nil {
			t.cfg.Logger.Error("resubscribe failed",
				slog.String("topic", topic),
				slog.String("error", token.Error().Error()))
		}
	}
}

// wait blocks on a paho token honoring the context deadline.
func (t *MQTT) wait(ctx context.Context, token mqtt.Token, op string) error {
	timeout := t.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt %s: %w", op, errors.ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt %s: %w", op, err)
	}
	return nil
}
