package quota_test

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/cronicorn/cronicorn/quota"
)

func TestUnlimitedAlwaysAllows(t *testing.T) {
	ok, err := quota.Unlimited{}.CanProceed(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocalGuardBurstThenDeny(t *testing.T) {
	g := quota.NewLocal(60, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := g.CanProceed(ctx, "tenant-1")
		require.NoError(t, err)
		require.True(t, ok, "call %d within burst", i)
	}
	ok, err := g.CanProceed(ctx, "tenant-1")
	require.NoError(t, err)
	require.False(t, ok, "burst exhausted")
}

func TestLocalGuardIsolatesTenants(t *testing.T) {
	g := quota.NewLocal(60, 1)
	ctx := context.Background()

	ok, _ := g.CanProceed(ctx, "tenant-1")
	require.True(t, ok)
	ok, _ = g.CanProceed(ctx, "tenant-1")
	require.False(t, ok)

	ok, _ = g.CanProceed(ctx, "tenant-2")
	require.True(t, ok, "a second tenant has its own bucket")
}

func TestNewRedisValidatesOptions(t *testing.T) {
	_, err := quota.NewRedis(quota.RedisOptions{Limit: 10})
	require.Error(t, err, "client required")

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	_, err = quota.NewRedis(quota.RedisOptions{Client: client})
	require.Error(t, err, "limit required")

	g, err := quota.NewRedis(quota.RedisOptions{Client: client, Limit: 10})
	require.NoError(t, err)
	require.NotNil(t, g)
}
