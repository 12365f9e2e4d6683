package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/citypulse-my/citypulse/internal/config"
)

// Pinger is the subset of a database pool readiness needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisPinger is the subset of a Redis client readiness needs.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// Check is one named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// ReadinessChecker runs its checks with a short per-request budget.
type ReadinessChecker struct {
	checks  []Check
	timeout time.Duration
}

// NewReadinessChecker builds the standard check set: postgres, redis, and
// qdrant when configured.
func NewReadinessChecker(cfg config.Config, pool Pinger, rdb RedisPinger) *ReadinessChecker {
	rc := &ReadinessChecker{timeout: 3 * time.Second}
	rc.checks = append(rc.checks, Check{Name: "postgres", Fn: func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}})
	rc.checks = append(rc.checks, Check{Name: "redis", Fn: func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx)
	}})
	if cfg.QdrantURL != "" {
		rc.checks = append(rc.checks, Check{Name: "qdrant", Fn: func(ctx context.Context) error {
			client := &http.Client{Timeout: 2 * time.Second}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.QdrantURL+"/readyz", nil)
			if err != nil {
				return err
			}
			if cfg.QdrantAPIKey != "" {
				req.Header.Set("api-key", cfg.QdrantAPIKey)
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return fmt.Errorf("qdrant status %d", resp.StatusCode)
			}
			return nil
		}})
	}
	return rc
}

// Add registers an extra check.
func (rc *ReadinessChecker) Add(c Check) { rc.checks = append(rc.checks, c) }

// Status runs all checks and returns per-check results plus overall health.
func (rc *ReadinessChecker) Status(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	out := make(map[string]string, len(rc.checks))
	healthy := true
	for _, c := range rc.checks {
		if err := c.Fn(ctx); err != nil {
			out[c.Name] = err.Error()
			healthy = false
			continue
		}
		out[c.Name] = "ok"
	}
	return out, healthy
}

// Handler serves /readyz.
func (rc *ReadinessChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, healthy := rc.Status(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	}
}
