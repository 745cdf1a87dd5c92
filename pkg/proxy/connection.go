// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy provides the per-client session and the WebSocket server
// that creates and destroys it. One Connection makes the N:M
// client-to-backend-instance routing look like a single stable session.
package proxy

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/absmach/streamgate/pkg/auth"
	"github.com/absmach/streamgate/pkg/backend"
	"github.com/absmach/streamgate/pkg/broker"
	"github.com/absmach/streamgate/pkg/errors"
	"github.com/absmach/streamgate/pkg/flowcontrol"
	"github.com/absmach/streamgate/pkg/interceptor"
	"github.com/absmach/streamgate/pkg/wire"
)

const (
	// writeWait bounds one socket write.
	writeWait = 10 * time.Second

	// pongWait is how long a client may stay silent before the socket is
	// considered dead; pings go out at pingPeriod.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize limits one inbound client frame.
	maxFrameSize = 1 << 20

	// sendBuffer is the per-connection outbound queue. A client that
	// cannot drain it is torn down rather than queued behind.
	sendBuffer = 256
)

// Connection is the per-client session: it owns one backend connection
// per service kind, applies the interceptor chain, and is the unit of
// client-visible state.
type Connection struct {
	server *SocketServer
	ws     *websocket.Conn
	token  string

	session   *auth.Session
	transport broker.Transport
	machine   *backend.Connection
	graph     *backend.Connection
	chain     *interceptor.Chain
	flow      *flowcontrol.Store

	ctx    context.Context
	cancel context.CancelFunc

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// Session returns the session owned by this connection.
func (c *Connection) Session() *auth.Session {
	return c.session
}

// readPump processes inbound frames sequentially in arrival order.
func (c *Connection) readPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("client socket error",
					slog.String("session", c.session.ID),
					slog.String("error", err.Error()))
			}
			return
		}
		if !c.handleFrame(data) {
			return
		}
	}
}

// handleFrame processes one client frame. Returns false when the
// connection must close.
func (c *Connection) handleFrame(data []byte) bool {
	cfg := c.server.cfg
	if cfg.Metrics != nil {
		cfg.Metrics.FramesTotal.WithLabelValues("request", "in").Inc()
	}

	if !c.server.limiter.Allow(c.session.ID) {
		if cfg.Metrics != nil {
			cfg.Metrics.RateLimitedFrames.Inc()
		}
		c.writeError(0, errors.ErrRateLimited)
		return true
	}

	msg, err := wire.Parse(data)
	if err != nil || msg.Type() == "" {
		c.writeError(0, errors.ErrInvalidInput)
		return true
	}

	// Every frame revalidates the token. Failure force-closes the
	// session rather than degrading it to anonymous.
	user, err := cfg.Validator.Validate(c.ctx, c.token)
	if err != nil {
		c.logger.Warn("token validation failed, closing session",
			slog.String("session", c.session.ID),
			slog.String("error", err.Error()))
		return false
	}
	c.session.SetUser(user)

	// Step confirmations bypass the chain entirely; the confirmation
	// path is latency-critical.
	if msg.Type() == wire.TypeConfirmStep {
		machineID := msg.MachineID()
		if machineID == "" {
			machineID = c.session.MachineID
		}
		if c.flow != nil {
			c.flow.Confirm(machineID)
		}
		return true
	}

	c.dispatch(msg)
	return true
}

// dispatch runs the full send pipeline for one client request: server
// interceptors, parallel backend fan-out, client interceptors, reply.
func (c *Connection) dispatch(msg wire.Message) {
	requestID := msg.RequestID()
	rc := &interceptor.RequestContext{
		Session: c.session,
		Message: msg,
		Response: wire.Message{
			"type":        wire.TypeResponse,
			"requestId":   requestID,
			"requestType": msg.Type(),
		},
	}

	if err := c.chain.BeforeSendToServer(c.ctx, rc); err != nil {
		c.logger.Info("request rejected",
			slog.String("session", c.session.ID),
			slog.String("type", msg.Type()),
			slog.String("error", err.Error()))
		c.writeError(requestID, err)
		return
	}

	// The fan-out goroutines stay off the shared response map; results
	// are merged only after both have finished.
	var (
		wg                   sync.WaitGroup
		machineRes, graphRes wire.Message
		machineErr, graphErr error
	)
	if rc.MachineTarget {
		wg.Add(1)
		go func() {
			defer wg.Done()
			machineRes, machineErr = c.machine.Send(c.ctx, msg.Clone(), requestID)
		}()
	}
	if rc.GraphTarget {
		wg.Add(1)
		go func() {
			defer wg.Done()
			graphRes, graphErr = c.graph.Send(c.ctx, msg.Clone(), requestID)
		}()
	}
	wg.Wait()

	if rc.MachineTarget {
		switch {
		case machineErr != nil:
			rc.Response["machineserver"] = wire.Message{"error": serviceError(machineErr)}
		case machineRes != nil:
			rc.MachineResponse = machineRes
			rc.Response["machineserver"] = responsePayload(machineRes)
		}
	}
	if rc.GraphTarget {
		switch {
		case graphErr != nil:
			rc.Response["graphserver"] = wire.Message{"error": serviceError(graphErr)}
		case graphRes != nil:
			rc.GraphResponse = graphRes
			rc.Response["graphserver"] = responsePayload(graphRes)
		}
	}

	if requestID == 0 {
		// Fire-and-forget; the client asked for no reply.
		return
	}

	if err := c.chain.BeforeSendToClient(c.ctx, rc); err != nil {
		c.writeError(requestID, err)
		return
	}
	if rc.Drop {
		return
	}
	c.write(rc.Response)
}

// onBackendEvent relays a backend-originated event to the client after
// the interceptor chain has seen it.
func (c *Connection) onBackendEvent(msg wire.Message) {
	rc := &interceptor.RequestContext{
		Session:  c.session,
		Message:  msg,
		Response: msg,
	}
	if err := c.chain.BeforeSendToClient(c.ctx, rc); err != nil {
		c.logger.Warn("event relay rejected",
			slog.String("session", c.session.ID),
			slog.String("error", err.Error()))
		return
	}
	if rc.Drop {
		return
	}
	c.write(rc.Response)
}

// onStep wraps a flow-controlled step into an event frame and relays it.
func (c *Connection) onStep(machineID string, step wire.Message) {
	c.onBackendEvent(wire.Message{
		"type":  wire.TypeEvent,
		"event": map[string]any(step),
	})
}

// write queues a frame for the write pump. A full queue means the client
// cannot keep up; the connection is torn down instead of buffering
// without bound.
func (c *Connection) write(msg wire.Message) {
	data, err := msg.Marshal()
	if err != nil {
		c.logger.Error("frame marshal failed",
			slog.String("session", c.session.ID),
			slog.String("error", err.Error()))
		return
	}
	if c.server.cfg.Metrics != nil {
		c.server.cfg.Metrics.FramesTotal.WithLabelValues(msg.Type(), "out").Inc()
	}

	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Warn("slow client, closing",
			slog.String("session", c.session.ID))
		go c.Close()
	}
}

// writeError sends a client-visible error frame.
func (c *Connection) writeError(requestID uint64, err error) {
	frame := wire.Message{
		"type":  wire.TypeError,
		"error": serviceError(err),
	}
	if requestID != 0 {
		frame.SetRequestID(requestID)
	}
	c.write(frame)
}

// writePump serializes all socket writes for this connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Close tears the session down in strict order: presence notification,
// backend disconnects (which release every machine/graph topic and flow
// control subscription), transport shutdown, registry removal. Partial
// recovery is never attempted; per-session state is cheap to rebuild on
// reconnect.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()

		if c.server.cfg.Presence != nil {
			c.server.cfg.Presence.Disconnected(c.session)
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		c.machine.Disconnect(ctx)
		c.graph.Disconnect(ctx)

		if c.flow != nil {
			if err := c.flow.Close(); err != nil {
				c.logger.Warn("flow control close failed",
					slog.String("session", c.session.ID),
					slog.String("error", err.Error()))
			}
		}
		if err := c.transport.Close(); err != nil {
			c.logger.Warn("transport close failed",
				slog.String("session", c.session.ID),
				slog.String("error", err.Error()))
		}

		c.server.deregister(c)
		c.logger.Debug("session closed", slog.String("session", c.session.ID))
	})
}

// onBrokerConnect relays a broker reconnect to the client as an event
// frame.
func (c *Connection) onBrokerConnect() {
	c.logger.Info("broker connected", slog.String("session", c.session.ID))
	c.write(wire.Message{
		"type": wire.TypeEvent,
		"event": map[string]any{
			"type":   wire.EventTypeBrokerStatus,
			"status": wire.StatusConnected,
		},
	})
}

// onBrokerDisconnect relays a broker connection loss to the client as an
// event frame. In-flight requests fail through their own timeouts; the
// session itself stays up and rides out the transport reconnect.
func (c *Connection) onBrokerDisconnect(err error) {
	c.logger.Warn("broker disconnected",
		slog.String("session", c.session.ID),
		slog.String("error", err.Error()))
	c.write(wire.Message{
		"type": wire.TypeEvent,
		"event": map[string]any{
			"type":   wire.EventTypeBrokerStatus,
			"status": wire.StatusDisconnected,
		},
	})
}

// brokerEvents bridges transport connectivity callbacks to a Connection.
// The transport is constructed before the Connection exists, so the
// relay starts detached and is attached once the session is assembled;
// callbacks arriving in between are dropped.
type brokerEvents struct {
	mu   sync.Mutex
	conn *Connection
}

var _ broker.ConnectionListener = (*brokerEvents)(nil)

func (b *brokerEvents) attach(c *Connection) {
	b.mu.Lock()
	b.conn = c
	b.mu.Unlock()
}

func (b *brokerEvents) OnBrokerConnect() {
	b.mu.Lock()
	c := b.conn
	b.mu.Unlock()
	if c != nil {
		c.onBrokerConnect()
	}
}

func (b *brokerEvents) OnBrokerDisconnect(err error) {
	b.mu.Lock()
	c := b.conn
	b.mu.Unlock()
	if c != nil {
		c.onBrokerDisconnect(err)
	}
}

// serviceError maps an error to the client-visible error field value.
func serviceError(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrTimeout):
		return "Timeout"
	case stderrors.Is(err, errors.ErrBackendUnavailable):
		return "BackendUnavailable"
	case stderrors.Is(err, errors.ErrUnauthorized):
		return "Unauthorized"
	case stderrors.Is(err, errors.ErrRateLimited):
		return "RateLimited"
	case stderrors.Is(err, errors.ErrInvalidInput):
		return "InvalidInput"
	default:
		return err.Error()
	}
}

// responsePayload extracts the service payload from a backend reply.
func responsePayload(res wire.Message) any {
	if resp := res.Response(); resp != nil {
		return resp
	}
	return res
}
