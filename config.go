// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package streamgate is the real-time proxy/gateway tier of the
// machine/graph automation platform. Browser clients open one persistent
// WebSocket to the gateway; the graph and machine services are reached
// only through the shared message broker.
package streamgate

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the gateway configuration, loaded from the environment.
type Config struct {
	// Listener
	Host string `env:"HOST" envDefault:""`
	Port string `env:"PORT" envDefault:"8088"`

	// Broker
	BrokerURL      string `env:"BROKER_URL"      envDefault:"tcp://localhost:1883"`
	BrokerUsername string `env:"BROKER_USERNAME" envDefault:""`
	BrokerPassword string `env:"BROKER_PASSWORD" envDefault:""`

	// Flow control store
	RedisURL           string        `env:"REDIS_URL"            envDefault:"redis://localhost:6379"`
	StepConfirmTimeout time.Duration `env:"STEP_CONFIRM_TIMEOUT" envDefault:"5s"`

	// Backend requests
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"500s"`

	// Rate limiting (frames per session; capacity 0 disables)
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"200"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"   envDefault:"50"`

	// Circuit breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`

	// Observability
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  string `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`

	// Lifecycle
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// NewConfig loads the configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
