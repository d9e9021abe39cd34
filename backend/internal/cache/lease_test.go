package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockcollab/backend/internal/model"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisLeasesAcquire(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewRedisLeases(rdb)
	ctx := context.Background()
	ttl := 30 * time.Second

	lease, err := l.Acquire(ctx, "d1", "b1", "alice", t0, ttl)
	require.NoError(t, err)
	assert.Equal(t, "alice", lease.Holder)
	assert.Equal(t, t0.Add(ttl), lease.ExpiresAt)

	// still valid at exactly the expiry instant
	lease, err = l.Acquire(ctx, "d1", "b1", "bob", t0.Add(ttl), ttl)
	require.ErrorIs(t, err, model.ErrLockConflict)
	assert.Equal(t, "alice", lease.Holder)

	// re-acquiring my own lock extends it
	lease, err = l.Acquire(ctx, "d1", "b1", "alice", t0.Add(10*time.Second), ttl)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(40*time.Second), lease.ExpiresAt)

	// once lapsed anyone may take it
	lease, err = l.Acquire(ctx, "d1", "b1", "bob", t0.Add(41*time.Second), ttl)
	require.NoError(t, err)
	assert.Equal(t, "bob", lease.Holder)
}

func TestRedisLeasesRenewAndRelease(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewRedisLeases(rdb)
	ctx := context.Background()
	ttl := 30 * time.Second

	_, err := l.Renew(ctx, "d1", "b1", "alice", t0, ttl)
	require.ErrorIs(t, err, model.ErrLockConflict)

	_, err = l.Acquire(ctx, "d1", "b1", "alice", t0, ttl)
	require.NoError(t, err)
	_, err = l.Renew(ctx, "d1", "b1", "bob", t0, ttl)
	require.ErrorIs(t, err, model.ErrLockConflict)

	lease, err := l.Renew(ctx, "d1", "b1", "alice", t0.Add(20*time.Second), ttl)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(50*time.Second), lease.ExpiresAt)

	ok, err := l.Release(ctx, "d1", "b1", "bob")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = l.Release(ctx, "d1", "b1", "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Release(ctx, "d1", "b1", "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, err := l.Get(ctx, "d1", "b1", t0)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisLeasesListFiltersExpired(t *testing.T) {
	mr, rdb := newRedis(t)
	l := NewRedisLeases(rdb)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "d1", "b1", "alice", t0, 30*time.Second)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "d1", "b2", "bob", t0, 5*time.Second)
	require.NoError(t, err)
	mr.HSet(leaseKey("d1"), "b3", "garbage")

	leases, err := l.Leases(ctx, "d1", t0.Add(10*time.Second))
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, "alice", leases["b1"].Holder)

	lease, found, err := l.Get(ctx, "d1", "b1", t0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "b1", lease.BlockID)

	require.NoError(t, l.Drop(ctx, "d1", "b1"))
	leases, err = l.Leases(ctx, "d1", t0)
	require.NoError(t, err)
	assert.NotContains(t, leases, "b1")

	empty, err := l.Leases(ctx, "nope", t0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
