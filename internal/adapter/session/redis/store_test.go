package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citypulse-my/citypulse/internal/domain"
	"github.com/citypulse-my/citypulse/internal/resilience"
)

func newTestStore(t *testing.T, timeout time.Duration) (*Store, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fabric := resilience.NewRegistry(resilience.RegistryConfig{
		Default: resilience.DefaultBreakerConfig(),
		Policy: resilience.Policy{
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
			Multiplier:  1,
		},
	})
	s := New(rdb, fabric, timeout, 1.5)
	now := time.Unix(1_700_000_000, 0).UTC()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestStore_CreateAndGet(t *testing.T) {
	s, _ := newTestStore(t, 30*time.Minute)
	ctx := context.Background()

	id, err := s.Create(ctx, domain.ClientInfo{UserAgent: "test-agent", SourceAddr: "10.0.0.1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sess, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, id, sess.ID)
	assert.Equal(t, domain.SessionActive, sess.Status)
	assert.Equal(t, "test-agent", sess.Client.UserAgent)
	assert.Equal(t, "10.0.0.1", sess.Client.SourceAddr)
}

func TestStore_GetUnknownReturnsNil(t *testing.T) {
	s, _ := newTestStore(t, 30*time.Minute)
	sess, err := s.Get(context.Background(), "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestStore_GetExpiredReturnsNil(t *testing.T) {
	s, now := newTestStore(t, 30*time.Minute)
	ctx := context.Background()

	id, err := s.Create(ctx, domain.ClientInfo{})
	require.NoError(t, err)

	*now = now.Add(31 * time.Minute)
	sess, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, sess, "an idle session past the timeout is never resurrected")
}

func TestStore_TouchKeepsSessionAlive(t *testing.T) {
	s, now := newTestStore(t, 30*time.Minute)
	ctx := context.Background()

	id, err := s.Create(ctx, domain.ClientInfo{})
	require.NoError(t, err)

	*now = now.Add(20 * time.Minute)
	require.NoError(t, s.Touch(ctx, id))

	*now = now.Add(20 * time.Minute)
	sess, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, sess, "a touched session survives past the original deadline")
}

func TestStore_TouchMissingSession(t *testing.T) {
	s, _ := newTestStore(t, 30*time.Minute)
	err := s.Touch(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_CloseThenGetReturnsNil(t *testing.T) {
	s, _ := newTestStore(t, 30*time.Minute)
	ctx := context.Background()

	id, err := s.Create(ctx, domain.ClientInfo{})
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx, id))

	sess, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, sess)

	// A closed session cannot be touched back to life.
	assert.ErrorIs(t, s.Touch(ctx, id), domain.ErrNotFound)
}

func TestStore_SweepRemovesIdleAndClosed(t *testing.T) {
	s, now := newTestStore(t, 30*time.Minute)
	ctx := context.Background()

	idle, err := s.Create(ctx, domain.ClientInfo{})
	require.NoError(t, err)
	closed, err := s.Create(ctx, domain.ClientInfo{})
	require.NoError(t, err)

	*now = now.Add(10 * time.Minute)
	live, err := s.Create(ctx, domain.ClientInfo{})
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx, closed))

	*now = now.Add(25 * time.Minute) // idle is now 35m old, live only 25m

	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	sess, err := s.Get(ctx, live)
	require.NoError(t, err)
	assert.NotNil(t, sess)
	sess, err = s.Get(ctx, idle)
	require.NoError(t, err)
	assert.Nil(t, sess)
}
