// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backend provides the typed client to one logical backend
// service (graph or machine) reached over the broker. It owns
// outstanding-request correlation and per-machine subscription
// bookkeeping.
package backend

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/streamgate/pkg/breaker"
	"github.com/absmach/streamgate/pkg/broker"
	"github.com/absmach/streamgate/pkg/errors"
	"github.com/absmach/streamgate/pkg/flowcontrol"
	"github.com/absmach/streamgate/pkg/metrics"
	"github.com/absmach/streamgate/pkg/routing"
	"github.com/absmach/streamgate/pkg/wire"
)

// DefaultRequestTimeout bounds correlated requests when the config leaves
// RequestTimeout zero.
const DefaultRequestTimeout = 500 * time.Second

// Config holds the backend connection configuration.
type Config struct {
	// Service is the logical backend service name (wire.MachineService or
	// wire.GraphService).
	Service string

	// RequestTimeout bounds every correlated Send.
	RequestTimeout time.Duration

	// Router selects the target instance for machine-bound messages.
	// Nil means the service is addressed by its base input topic only.
	Router *routing.Router

	// Flow, when set, registers a flow control subscription for every
	// machine this connection subscribes to.
	Flow *flowcontrol.Store

	// Breaker, when set, guards the publish path. An open circuit fails
	// the request fast.
	Breaker *breaker.CircuitBreaker

	// Metrics, when set, records backend request outcomes.
	Metrics *metrics.Metrics

	// OnEvent receives backend-originated event frames (not
	// request-triggered).
	OnEvent func(msg wire.Message)

	// OnStep receives flow-controlled machine steps.
	OnStep func(machineID string, step wire.Message)

	// Logger for connection events.
	Logger *slog.Logger
}

type result struct {
	msg wire.Message
	err error
}

type pendingRequest struct {
	ch    chan result
	timer *time.Timer
}

// Connection is a client to one logical backend service. Every outbound
// message is stamped with the connection id as sender so replies can be
// attributed and command echoes filtered.
type Connection struct {
	id        string
	cfg       Config
	transport broker.Transport

	mu      sync.Mutex
	pending map[uint64]*pendingRequest
	subs    map[string]string // machine/graph id -> event topic
}

// New creates a backend connection over the given transport.
func New(cfg Config, t broker.Transport) *Connection {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	return &Connection{
		id:        uuid.New().String(),
		cfg:       cfg,
		transport: t,
		pending:   make(map[uint64]*pendingRequest),
		subs:      make(map[string]string),
	}
}

// ID returns the connection's sender identity.
func (c *Connection) ID() string {
	return c.id
}

// Service returns the logical backend service name.
func (c *Connection) Service() string {
	return c.cfg.Service
}

// Connect subscribes the service reply topic and, when routing is
// enabled, the instance status topic tree.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.transport.Subscribe(ctx, wire.OutputTopic(c.cfg.Service), c.handleMessage); err != nil {
		return errors.New("connect", c.cfg.Service, "", err)
	}
	if c.cfg.Router != nil {
		if err := c.transport.Subscribe(ctx, wire.StatusTopicFilter(c.cfg.Service), c.handleStatus); err != nil {
			return errors.New("connect", c.cfg.Service, "", err)
		}
	}
	return nil
}

// Disconnect unsubscribes every topic this connection holds, releases
// flow control subscriptions and fails all in-flight requests. Broker-side
// work already published is not cancelled.
func (c *Connection) Disconnect(ctx context.Context) {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]string)
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.mu.Unlock()

	for id, topic := range subs {
		if err := c.transport.Unsubscribe(ctx, topic); err != nil {
			c.cfg.Logger.Warn("event topic unsubscribe failed",
				slog.String("topic", topic),
				slog.String("error", err.Error()))
		}
		if c.cfg.Flow != nil {
			if err := c.cfg.Flow.Unsubscribe(id); err != nil {
				c.cfg.Logger.Warn("flow control unsubscribe failed",
					slog.String("machine_id", id),
					slog.String("error", err.Error()))
			}
		}
	}

	if c.cfg.Router != nil {
		_ = c.transport.Unsubscribe(ctx, wire.StatusTopicFilter(c.cfg.Service))
	}
	_ = c.transport.Unsubscribe(ctx, wire.OutputTopic(c.cfg.Service))

	for _, pr := range pending {
		pr.timer.Stop()
		pr.ch <- result{err: errors.ErrConnectionClosed}
	}
}

// Send publishes a message to the backend service. A non-zero requestID
// makes the call block until a reply with the same id arrives on the
// service reply topic, or until the request timeout fires. A zero
// requestID is fire-and-forget and returns right after publish.
func (c *Connection) Send(ctx context.Context, msg wire.Message, requestID uint64) (wire.Message, error) {
	// Unsubscribes clean up local bookkeeping before the backend ever
	// sees the message; unknown ids are a no-op.
	switch msg.Type() {
	case wire.TypeMachineUnsubscribe:
		c.removeSubscription(ctx, msg.MachineID())
	case wire.TypeGraphUnsubscribe:
		c.removeSubscription(ctx, msg.GraphID())
	}

	msg.SetSenderID(c.id)
	if requestID != 0 {
		msg.SetRequestID(requestID)
	}

	topic := wire.InputTopic(c.cfg.Service)
	if c.cfg.Router != nil {
		instanceID, err := c.cfg.Router.RouteFor(msg.MachineID())
		if err != nil {
			return nil, errors.New("send", c.cfg.Service, "", err)
		}
		topic = wire.InstanceInputTopic(c.cfg.Service, instanceID)
	}

	payload, err := msg.Marshal()
	if err != nil {
		return nil, errors.New("send", c.cfg.Service, "", err)
	}

	var pr *pendingRequest
	if requestID != 0 {
		pr = c.addPending(requestID)
	}

	publish := func() error {
		return c.transport.Publish(ctx, topic, payload)
	}
	if c.cfg.Breaker != nil {
		err = c.cfg.Breaker.Call(publish)
	} else {
		err = publish()
	}
	if err != nil {
		if pr != nil {
			c.removePending(requestID)
		}
		return nil, errors.New("publish", c.cfg.Service, "", err)
	}

	if pr == nil {
		return nil, nil
	}

	var res result
	wait := func() error {
		select {
		case r := <-pr.ch:
			res = r
		case <-ctx.Done():
			c.removePending(requestID)
			res = result{err: ctx.Err()}
		}
		return res.err
	}
	if c.cfg.Metrics != nil {
		_ = c.cfg.Metrics.ObserveBackendRequest(c.cfg.Service, wait)
	} else {
		_ = wait()
	}
	return res.msg, res.err
}

// addPending registers an in-flight request and arms its deadline.
func (c *Connection) addPending(requestID uint64) *pendingRequest {
	pr := &pendingRequest{ch: make(chan result, 1)}
	pr.timer = time.AfterFunc(c.cfg.RequestTimeout, func() {
		if c.takePending(requestID) != nil {
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.BackendTimeouts.WithLabelValues(c.cfg.Service).Inc()
			}
			pr.ch <- result{err: errors.ErrTimeout}
		}
	})

	c.mu.Lock()
	c.pending[requestID] = pr
	c.mu.Unlock()
	return pr
}

// takePending removes and returns a pending entry, or nil if it was
// already resolved. The winner of this race invokes the continuation;
// late replies and late timers become no-ops.
func (c *Connection) takePending(requestID uint64) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	pr, ok := c.pending[requestID]
	if !ok {
		return nil
	}
	delete(c.pending, requestID)
	return pr
}

func (c *Connection) removePending(requestID uint64) {
	if pr := c.takePending(requestID); pr != nil {
		pr.timer.Stop()
	}
}

// handleMessage processes one frame from the service reply topic or from
// a machine/graph event topic.
func (c *Connection) handleMessage(topic string, payload []byte) {
	msg, err := wire.Parse(payload)
	if err != nil || msg.Type() == "" {
		c.cfg.Logger.Warn("dropping malformed broker payload",
			slog.String("topic", topic))
		return
	}

	if msg.Type() == wire.TypeResponse {
		// Replies for other gateway connections share the topic; the
		// echoed sender id attributes them.
		if sid := msg.SenderID(); sid != "" && sid != c.id {
			return
		}
		if requestID := msg.RequestID(); requestID != 0 {
			if pr := c.takePending(requestID); pr != nil {
				pr.timer.Stop()
				c.applyResponseSideEffects(msg)
				pr.ch <- result{msg: msg}
			}
		}
		return
	}

	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(msg)
	}
}

// applyResponseSideEffects subscribes the dedicated event topic when a
// subscribe or load-subscribe request succeeds.
func (c *Connection) applyResponseSideEffects(msg wire.Message) {
	switch msg.RequestType() {
	case wire.TypeMachineSubscribe, wire.TypeMachineLoadSubscribe:
		c.addSubscription(msg.MachineID())
	case wire.TypeGraphSubscribe:
		c.addSubscription(msg.GraphID())
	}
}

// addSubscription starts listening on the event topic of a machine or
// graph; machine subscriptions also register flow control. Idempotent.
func (c *Connection) addSubscription(id string) {
	if id == "" {
		return
	}

	c.mu.Lock()
	if _, ok := c.subs[id]; ok {
		c.mu.Unlock()
		return
	}
	topic := wire.EventTopic(c.cfg.Service, id)
	c.subs[id] = topic
	c.mu.Unlock()

	if err := c.transport.Subscribe(context.Background(), topic, c.handleMessage); err != nil {
		c.cfg.Logger.Error("event topic subscribe failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()))
		return
	}

	if c.cfg.Flow != nil && c.cfg.Service == wire.MachineService {
		if err := c.cfg.Flow.Subscribe(id, c.handleStep); err != nil {
			c.cfg.Logger.Error("flow control subscribe failed",
				slog.String("machine_id", id),
				slog.String("error", err.Error()))
		}
	}
}

// removeSubscription drops the event topic and flow control subscription
// of a machine or graph. Unknown ids are a no-op.
func (c *Connection) removeSubscription(ctx context.Context, id string) {
	if id == "" {
		return
	}

	c.mu.Lock()
	topic, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()

	if !ok {
		return
	}
	if err := c.transport.Unsubscribe(ctx, topic); err != nil {
		c.cfg.Logger.Warn("event topic unsubscribe failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()))
	}
	if c.cfg.Flow != nil {
		if err := c.cfg.Flow.Unsubscribe(id); err != nil {
			c.cfg.Logger.Warn("flow control unsubscribe failed",
				slog.String("machine_id", id),
				slog.String("error", err.Error()))
		}
	}
}

// handleStep forwards one flow-controlled step payload.
func (c *Connection) handleStep(machineID string, payload []byte) {
	step, err := wire.Parse(payload)
	if err != nil {
		c.cfg.Logger.Warn("dropping malformed step payload",
			slog.String("machine_id", machineID))
		return
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.StepsDelivered.Inc()
	}
	if c.cfg.OnStep != nil {
		c.cfg.OnStep(machineID, step)
	}
}

// handleStatus feeds one instance status report into the router.
func (c *Connection) handleStatus(topic string, payload []byte) {
	msg, err := wire.Parse(payload)
	if err != nil {
		c.cfg.Logger.Warn("dropping malformed status payload",
			slog.String("topic", topic))
		return
	}

	parts := strings.Split(topic, "/")
	instanceID := parts[len(parts)-1]

	c.cfg.Router.UpdateStatus(routing.InstanceInfo{
		ID:      instanceID,
		Service: c.cfg.Service,
		Status:  msg.Status(),
	})
}

// Subscriptions returns the ids currently under event observation.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	return ids
}
