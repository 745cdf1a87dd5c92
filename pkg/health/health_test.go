// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthAggregation(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("good", func(ctx context.Context) error { return nil })

	status, checks := c.Health(context.Background())
	if status != StatusHealthy {
		t.Errorf("status = %v, want healthy", status)
	}
	if len(checks) != 1 || checks[0].Status != StatusHealthy {
		t.Errorf("checks = %v", checks)
	}

	c.Register("bad", func(ctx context.Context) error { return fmt.Errorf("down") })
	status, checks = c.Health(context.Background())
	if status != StatusDegraded {
		t.Errorf("status = %v, want degraded", status)
	}
	if len(checks) != 2 {
		t.Errorf("got %d checks, want 2", len(checks))
	}
}

func TestHealthResultsAreCached(t *testing.T) {
	calls := 0
	c := NewChecker(time.Minute)
	c.Register("counted", func(ctx context.Context) error {
		calls++
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())

	if calls != 1 {
		t.Errorf("check ran %d times within TTL, want 1", calls)
	}
}

func TestReadinessStricterThanHealth(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("bad", func(ctx context.Context) error { return fmt.Errorf("down") })

	health := httptest.NewRecorder()
	c.HTTPHandler()(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	if health.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200 while degraded", health.Code)
	}

	ready := httptest.NewRecorder()
	c.ReadinessHandler()(ready, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if ready.Code != http.StatusServiceUnavailable {
		t.Errorf("/ready status = %d, want 503 while degraded", ready.Code)
	}
}

func TestLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/live status = %d, want 200", rec.Code)
	}
}
