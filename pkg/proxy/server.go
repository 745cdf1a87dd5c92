// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/absmach/streamgate/pkg/auth"
	"github.com/absmach/streamgate/pkg/backend"
	"github.com/absmach/streamgate/pkg/breaker"
	"github.com/absmach/streamgate/pkg/broker"
	"github.com/absmach/streamgate/pkg/flowcontrol"
	"github.com/absmach/streamgate/pkg/interceptor"
	"github.com/absmach/streamgate/pkg/metrics"
	"github.com/absmach/streamgate/pkg/ratelimit"
	"github.com/absmach/streamgate/pkg/routing"
	"github.com/absmach/streamgate/pkg/wire"
)

// PresenceNotifier is told about session arrivals and departures.
// Notifications are best-effort and never block connection teardown.
type PresenceNotifier interface {
	Connected(s *auth.Session)
	Disconnected(s *auth.Session)
}

// Config holds the socket server configuration.
type Config struct {
	// Validator resolves client tokens; it gates the upgrade and every
	// subsequent frame.
	Validator auth.TokenValidator

	// Authorizer is the authorization oracle behind the first
	// interceptor stage.
	Authorizer auth.Authorizer

	// Router is the shared machine-instance router.
	Router *routing.Router

	// NewTransport creates the broker transport owned by one session. The
	// listener relays transport connectivity changes back to the session;
	// implementations that cannot observe connectivity may ignore it.
	NewTransport func(listener broker.ConnectionListener) (broker.Transport, error)

	// NewFlowStore creates the per-session flow control store. Nil
	// disables step flow control.
	NewFlowStore func() *flowcontrol.Store

	// MachineBreaker and GraphBreaker optionally guard the publish path
	// of each backend service.
	MachineBreaker *breaker.CircuitBreaker
	GraphBreaker   *breaker.CircuitBreaker

	// RequestTimeout bounds every correlated backend request.
	RequestTimeout time.Duration

	// RateLimitCapacity and RateLimitRefill configure the per-session
	// frame limit. Zero capacity disables limiting.
	RateLimitCapacity int64
	RateLimitRefill   int64

	// ShutdownTimeout is the maximum time to wait for active sessions to
	// drain during graceful shutdown.
	ShutdownTimeout time.Duration

	// Presence is optional presence tracking.
	Presence PresenceNotifier

	// Metrics for boundary crossings. May be nil.
	Metrics *metrics.Metrics

	// Logger for server events.
	Logger *slog.Logger
}

// SocketServer accepts inbound client connections, authenticates them
// before upgrade, and creates/destroys their sessions. It owns the
// registry of open connections; nothing here is process-global.
type SocketServer struct {
	cfg      Config
	upgrader websocket.Upgrader
	limiter  *ratelimit.Limiter

	mu    sync.Mutex
	conns map[string]*Connection
}

var _ http.Handler = (*SocketServer)(nil)

// NewSocketServer creates a socket server.
func NewSocketServer(cfg Config) *SocketServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	return &SocketServer{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// TODO: Make this configurable
				return true
			},
		},
		limiter: ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill),
		conns:   make(map[string]*Connection),
	}
}

// ServeHTTP authenticates the request, upgrades it to a WebSocket and
// starts the session.
func (s *SocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := clientToken(r)
	user, err := s.cfg.Validator.Validate(r.Context(), token)
	if err != nil {
		s.cfg.Logger.Info("upgrade rejected",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Error("failed to upgrade client connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	conn, err := s.startSession(ws, token, user)
	if err != nil {
		s.cfg.Logger.Error("session start failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		ws.Close()
		return
	}

	s.cfg.Logger.Debug("session started",
		slog.String("session", conn.session.ID),
		slog.String("user", user.ID),
		slog.String("remote", r.RemoteAddr))
}

// startSession wires one client socket to its broker transport, backend
// connections and interceptor chain.
func (s *SocketServer) startSession(ws *websocket.Conn, token string, user *auth.User) (*Connection, error) {
	events := &brokerEvents{}
	transport, err := s.cfg.NewTransport(events)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := transport.Connect(ctx); err != nil {
		cancel()
		transport.Close()
		return nil, err
	}

	session := auth.NewSession(uuid.New().String(), user)

	conn := &Connection{
		server:    s,
		ws:        ws,
		token:     token,
		session:   session,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		logger:    s.cfg.Logger,
	}
	if s.cfg.NewFlowStore != nil {
		conn.flow = s.cfg.NewFlowStore()
	}
	events.attach(conn)

	conn.machine = backend.New(backend.Config{
		Service:        wire.MachineService,
		RequestTimeout: s.cfg.RequestTimeout,
		Router:         s.cfg.Router,
		Flow:           conn.flow,
		Breaker:        s.cfg.MachineBreaker,
		Metrics:        s.cfg.Metrics,
		OnEvent:        conn.onBackendEvent,
		OnStep:         conn.onStep,
		Logger:         s.cfg.Logger,
	}, transport)

	conn.graph = backend.New(backend.Config{
		Service:        wire.GraphService,
		RequestTimeout: s.cfg.RequestTimeout,
		Breaker:        s.cfg.GraphBreaker,
		Metrics:        s.cfg.Metrics,
		OnEvent:        conn.onBackendEvent,
		Logger:         s.cfg.Logger,
	}, transport)

	conn.chain = interceptor.NewChain(s.cfg.Logger,
		interceptor.NewAuthorization(s.cfg.Authorizer, s.cfg.Metrics, s.cfg.Logger),
		interceptor.NewGraphServer(conn.graph, s.cfg.Logger),
		interceptor.NewMachineServer(conn.machine, s.cfg.Logger),
	)

	if err := conn.machine.Connect(ctx); err != nil {
		cancel()
		transport.Close()
		return nil, err
	}
	if err := conn.graph.Connect(ctx); err != nil {
		cancel()
		transport.Close()
		return nil, err
	}

	s.register(conn)
	if s.cfg.Presence != nil {
		s.cfg.Presence.Connected(session)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveConnections.Inc()
		s.cfg.Metrics.TotalConnections.WithLabelValues("accepted").Inc()
	}

	go conn.writePump()
	go conn.readPump()
	return conn, nil
}

// Broadcast pushes an event frame to every open session.
func (s *SocketServer) Broadcast(msg wire.Message) {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.write(msg)
	}
}

// Connections returns the number of open sessions.
func (s *SocketServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every open session and waits for them to drain.
func (s *SocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	deadline := time.NewTimer(s.cfg.ShutdownTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.Connections() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return context.DeadlineExceeded
		case <-ticker.C:
		}
	}
}

func (s *SocketServer) register(c *Connection) {
	s.mu.Lock()
	s.conns[c.session.ID] = c
	s.mu.Unlock()
}

func (s *SocketServer) deregister(c *Connection) {
	s.mu.Lock()
	_, ok := s.conns[c.session.ID]
	delete(s.conns, c.session.ID)
	s.mu.Unlock()

	if !ok {
		return
	}
	s.limiter.Remove(c.session.ID)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveConnections.Dec()
	}
}

// clientToken extracts the session token from the upgrade request:
// Authorization bearer header first, then the token query parameter.
func clientToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
		return h
	}
	return r.URL.Query().Get("token")
}
