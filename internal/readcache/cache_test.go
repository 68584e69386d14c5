package readcache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, _ := newTestCacheWithServer(t)
	return cache
}

func newTestCacheWithServer(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return New(client, time.Minute), mr
}

func TestFetchJSONCachesUntilBump(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)
	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return map[string]int{"balance": calls}, nil
	}

	key, err := cache.BuildKey(ctx, "org-1", "balances")
	require.NoError(t, err)
	require.Equal(t, "verity:org-1:balances:1", key)

	var out map[string]int
	require.NoError(t, cache.FetchJSON(ctx, key, &out, loader))
	require.NoError(t, cache.FetchJSON(ctx, key, &out, loader))
	require.Equal(t, 1, calls)
	require.Equal(t, 1, out["balance"])

	require.NoError(t, cache.Bump(ctx, "org-1"))
	key, err = cache.BuildKey(ctx, "org-1", "balances")
	require.NoError(t, err)
	require.Equal(t, "verity:org-1:balances:2", key)
	require.NoError(t, cache.FetchJSON(ctx, key, &out, loader))
	require.Equal(t, 2, calls)
	require.Equal(t, 2, out["balance"])
}

func TestBumpIsScopedToOrganization(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)

	_, err := cache.Version(ctx, "org-1")
	require.NoError(t, err)
	require.NoError(t, cache.Bump(ctx, "org-1"))
	v1, err := cache.Version(ctx, "org-1")
	require.NoError(t, err)
	v2, err := cache.Version(ctx, "org-2")
	require.NoError(t, err)
	require.Equal(t, int64(2), v1)
	require.Equal(t, int64(1), v2)
}

func TestBumpIncrementsWithoutReadingVersion(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCacheWithServer(t)

	before := mr.CommandCount()
	require.NoError(t, cache.Bump(ctx, "org-3"))
	require.Equal(t, 2, mr.CommandCount()-before, "INCR and PUBLISH only")

	got, err := mr.Get(versionKey("org-3"))
	require.NoError(t, err)
	require.Equal(t, "1", got)

	require.NoError(t, cache.Bump(ctx, "org-3"))
	ver, err := cache.Version(ctx, "org-3")
	require.NoError(t, err)
	require.Equal(t, int64(2), ver)
}

func TestNilCacheCallsLoader(t *testing.T) {
	var cache *Cache
	var out []string
	err := cache.FetchJSON(context.Background(), "k", &out, func(context.Context) (any, error) {
		return []string{"a"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, out)
	require.NoError(t, cache.Bump(context.Background(), "org-1"))
}

func TestListenForInvalidation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cache := newTestCache(t)

	bumped := make(chan string, 1)
	require.NoError(t, cache.ListenForInvalidation(ctx, func(orgID string) { bumped <- orgID }))
	require.NoError(t, cache.Bump(ctx, "org-7"))

	select {
	case org := <-bumped:
		require.Equal(t, "org-7", org)
	case <-time.After(2 * time.Second):
		t.Fatal("expected bump notification")
	}
}
