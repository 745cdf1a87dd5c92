// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the gateway: one WebSocket listener for clients, the
// broker-facing proxy core, plus metrics and health endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/absmach/streamgate"
	"github.com/absmach/streamgate/pkg/auth"
	"github.com/absmach/streamgate/pkg/breaker"
	"github.com/absmach/streamgate/pkg/broker"
	"github.com/absmach/streamgate/pkg/flowcontrol"
	"github.com/absmach/streamgate/pkg/health"
	"github.com/absmach/streamgate/pkg/metrics"
	"github.com/absmach/streamgate/pkg/proxy"
	"github.com/absmach/streamgate/pkg/routing"
	"github.com/absmach/streamgate/pkg/wire"
)

const envPrefix = "STREAMGATE_"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	cfg, err := streamgate.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	m := metrics.New("streamgate")
	router := routing.NewRouter(logger)

	// Flow control store
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid redis URL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	newFlowStore := func() *flowcontrol.Store {
		return flowcontrol.New(flowcontrol.Config{
			ConfirmationTimeout: cfg.StepConfirmTimeout,
			OnCoalesced:         m.StepsCoalesced.Inc,
			Logger:              logger,
		}, flowcontrol.NewRedisKV(redisClient))
	}

	// Per-session broker transports
	newTransport := func(listener broker.ConnectionListener) (broker.Transport, error) {
		return broker.NewMQTT(broker.MQTTConfig{
			URL:      cfg.BrokerURL,
			ClientID: "streamgate-" + uuid.New().String(),
			Username: cfg.BrokerUsername,
			Password: cfg.BrokerPassword,
			Logger:   logger,
		}, listener), nil
	}

	breakerCfg := breaker.Config{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
	}

	server := proxy.NewSocketServer(proxy.Config{
		Validator:         &auth.AnonymousValidator{},
		Authorizer:        &auth.NoopAuthorizer{},
		Router:            router,
		NewTransport:      newTransport,
		NewFlowStore:      newFlowStore,
		MachineBreaker:    breaker.New(breakerCfg),
		GraphBreaker:      breaker.New(breakerCfg),
		RequestTimeout:    cfg.RequestTimeout,
		RateLimitCapacity: cfg.RateLimitCapacity,
		RateLimitRefill:   cfg.RateLimitRefill,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		Metrics:           m,
		Logger:            logger,
	})

	// Status watcher: feeds instance fan-out to clients and backs the
	// broker health check.
	brokerState := &brokerState{}
	statusTransport := broker.NewMQTT(broker.MQTTConfig{
		URL:      cfg.BrokerURL,
		ClientID: "streamgate-status-" + uuid.New().String(),
		Username: cfg.BrokerUsername,
		Password: cfg.BrokerPassword,
		Logger:   logger,
	}, brokerState)

	if err := statusTransport.Connect(ctx); err != nil {
		logger.Error("broker connect failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer statusTransport.Close()

	if err := watchServiceStatus(ctx, statusTransport, server, logger); err != nil {
		logger.Error("status subscription failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Client listener
	wsServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler: server,
	}
	g.Go(func() error {
		logger.Info("gateway started", slog.String("address", wsServer.Addr))
		if err := wsServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("session drain incomplete", slog.String("error", err.Error()))
		}
		return wsServer.Shutdown(shutdownCtx)
	})

	// Metrics endpoint
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	g.Go(func() error {
		return serveHTTP(ctx, fmt.Sprintf("%s:%s", cfg.Host, cfg.MetricsPort), metricsMux, logger)
	})

	// Health endpoints
	checker := health.NewChecker(10 * time.Second)
	checker.Register("broker", brokerState.Check)
	checker.Register("flowstore", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", checker.HTTPHandler())
	healthMux.HandleFunc("/ready", checker.ReadinessHandler())
	healthMux.HandleFunc("/live", health.LivenessHandler())
	g.Go(func() error {
		return serveHTTP(ctx, fmt.Sprintf("%s:%s", cfg.Host, cfg.HealthPort), healthMux, logger)
	})

	// Signal handler
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("gateway terminated with error: %s", err))
	} else {
		logger.Info("gateway stopped")
	}
}

// watchServiceStatus relays backend instance status reports to every open
// session as service_status events.
func watchServiceStatus(ctx context.Context, t broker.Transport, server *proxy.SocketServer, logger *slog.Logger) error {
	return t.Subscribe(ctx, "services/+/status/+", func(topic string, payload []byte) {
		msg, err := wire.Parse(payload)
		if err != nil {
			logger.Warn("dropping malformed status payload", slog.String("topic", topic))
			return
		}
		server.Broadcast(wire.Message{
			"type": wire.TypeEvent,
			"event": map[string]any{
				"type":   wire.EventTypeServiceStatus,
				"topic":  topic,
				"status": msg.Status(),
			},
		})
	})
}

// brokerState tracks broker connectivity for the health check.
type brokerState struct {
	connected atomic.Bool
}

func (b *brokerState) OnBrokerConnect() { b.connected.Store(true) }

func (b *brokerState) OnBrokerDisconnect(err error) { b.connected.Store(false) }

func (b *brokerState) Check(ctx context.Context) error {
	if !b.connected.Load() {
		return fmt.Errorf("broker disconnected")
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server started", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
