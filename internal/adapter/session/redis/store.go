// Package redis implements the session store on Redis. Sessions are hashes
// keyed session:{id} with a TTL of timeout*safety; a Lua script performs the
// conditional touch in a single round trip.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/citypulse-my/citypulse/internal/domain"
	"github.com/citypulse-my/citypulse/internal/resilience"
)

const keyPrefix = "session:"

// touchScript advances last_activity iff the session exists and is ACTIVE,
// refreshing the TTL alongside. Returns 1 on success, 0 otherwise.
const touchScript = `
local key = KEYS[1]
local now = ARGV[1]
local ttl_ms = tonumber(ARGV[2])

if redis.call("EXISTS", key) == 0 then
  return 0
end
if redis.call("HGET", key, "status") ~= "ACTIVE" then
  return 0
end
redis.call("HSET", key, "last_activity", now)
redis.call("PEXPIRE", key, ttl_ms)
return 1
`

// Store implements domain.SessionStore.
type Store struct {
	rdb     *goredis.Client
	fabric  *resilience.Registry
	timeout time.Duration
	safety  float64
	touch   *goredis.Script
	now     func() time.Time
}

// New constructs a Store. timeout is the idle expiry; safety scales the
// Redis TTL so the sweeper, not the TTL, is the primary reaper.
func New(rdb *goredis.Client, fabric *resilience.Registry, timeout time.Duration, safety float64) *Store {
	if safety < 1 {
		safety = 1.5
	}
	return &Store{
		rdb:     rdb,
		fabric:  fabric,
		timeout: timeout,
		safety:  safety,
		touch:   goredis.NewScript(touchScript),
		now:     time.Now,
	}
}

func (s *Store) ttl() time.Duration {
	return time.Duration(float64(s.timeout) * s.safety)
}

// execKV wraps one Redis round trip in the KV breaker and retry policy.
func (s *Store) execKV(ctx context.Context, op func(context.Context) error) error {
	breaker := s.fabric.Breaker(resilience.ServiceKV)
	policy := s.fabric.Policy(resilience.ServiceKV)
	_, err := breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return nil, policy.Do(ctx, func() error { return op(ctx) })
	})
	return err
}

// Create allocates a fresh session id and writes an ACTIVE row. The write is
// idempotent on session id.
func (s *Store) Create(ctx domain.Context, client domain.ClientInfo) (string, error) {
	id := uuid.NewString()
	now := s.now().UTC()
	fields := map[string]any{
		"created_at":    now.Format(time.RFC3339Nano),
		"last_activity": now.Format(time.RFC3339Nano),
		"status":        string(domain.SessionActive),
		"user_agent":    client.UserAgent,
		"source_addr":   client.SourceAddr,
		"connection_id": client.ConnectionID,
	}
	err := s.execKV(ctx, func(ctx context.Context) error {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, keyPrefix+id, fields)
		pipe.PExpire(ctx, keyPrefix+id, s.ttl())
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("op=session.create: %w", err)
	}
	return id, nil
}

// Get loads a session. Returns nil when the row is absent, CLOSED, or idle
// past the timeout; an expired session is never resurrected.
func (s *Store) Get(ctx domain.Context, id string) (*domain.Session, error) {
	var raw map[string]string
	err := s.execKV(ctx, func(ctx context.Context) error {
		var err error
		raw, err = s.rdb.HGetAll(ctx, keyPrefix+id).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("op=session.get: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	sess, err := parseSession(id, raw)
	if err != nil {
		return nil, fmt.Errorf("op=session.get: %w", err)
	}
	if sess.Status != domain.SessionActive {
		return nil, nil
	}
	if s.now().UTC().Sub(sess.LastActivity) > s.timeout {
		return nil, nil
	}
	return sess, nil
}

// Touch advances last_activity iff the session exists and is ACTIVE.
func (s *Store) Touch(ctx domain.Context, id string) error {
	var ok int64
	err := s.execKV(ctx, func(ctx context.Context) error {
		res, err := s.touch.Run(ctx, s.rdb, []string{keyPrefix + id},
			s.now().UTC().Format(time.RFC3339Nano),
			s.ttl().Milliseconds(),
		).Int64()
		if err != nil {
			return err
		}
		ok = res
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=session.touch: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("op=session.touch id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Close marks the session CLOSED. Best-effort: errors are logged, not
// returned to the caller's critical path.
func (s *Store) Close(ctx domain.Context, id string) error {
	err := s.execKV(ctx, func(ctx context.Context) error {
		return s.rdb.HSet(ctx, keyPrefix+id, "status", string(domain.SessionClosed)).Err()
	})
	if err != nil {
		slog.Warn("session close failed", slog.String("session_id", id), slog.Any("error", err))
		return fmt.Errorf("op=session.close: %w", err)
	}
	return nil
}

// Sweep scans for idle or CLOSED sessions and deletes them in batches.
// Returns the number removed. Designed to run on an external schedule.
func (s *Store) Sweep(ctx domain.Context) (int, error) {
	var removed int
	var cursor uint64
	for {
		var keys []string
		err := s.execKV(ctx, func(ctx context.Context) error {
			var err error
			keys, cursor, err = s.rdb.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
			return err
		})
		if err != nil {
			return removed, fmt.Errorf("op=session.sweep_scan: %w", err)
		}

		var stale []string
		for _, key := range keys {
			raw, err := s.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(raw) == 0 {
				continue
			}
			sess, err := parseSession(key[len(keyPrefix):], raw)
			if err != nil {
				stale = append(stale, key)
				continue
			}
			idle := s.now().UTC().Sub(sess.LastActivity) >= s.timeout
			if idle || sess.Status == domain.SessionClosed {
				stale = append(stale, key)
			}
		}
		if len(stale) > 0 {
			if err := s.rdb.Del(ctx, stale...).Err(); err != nil {
				return removed, fmt.Errorf("op=session.sweep_del: %w", err)
			}
			removed += len(stale)
		}
		if cursor == 0 {
			break
		}
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
	}
	return removed, nil
}

func parseSession(id string, raw map[string]string) (*domain.Session, error) {
	created, err := time.Parse(time.RFC3339Nano, raw["created_at"])
	if err != nil {
		return nil, fmt.Errorf("bad created_at: %w", err)
	}
	last, err := time.Parse(time.RFC3339Nano, raw["last_activity"])
	if err != nil {
		return nil, fmt.Errorf("bad last_activity: %w", err)
	}
	sess := &domain.Session{
		ID:           id,
		CreatedAt:    created,
		LastActivity: last,
		Status:       domain.SessionStatus(raw["status"]),
		Client: domain.ClientInfo{
			UserAgent:    raw["user_agent"],
			SourceAddr:   raw["source_addr"],
			ConnectionID: raw["connection_id"],
		},
	}
	if meta := raw["metadata"]; meta != "" {
		_ = json.Unmarshal([]byte(meta), &sess.Metadata)
	}
	return sess, nil
}
