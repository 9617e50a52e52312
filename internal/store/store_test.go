package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisKV(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb), mr
}

// exercise runs the shared contract against any KV.
func exercise(t *testing.T, kv KV) {
	ctx := context.Background()

	_, found, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, kv.Set(ctx, "a", []byte("1"), 0))
	v, found, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", string(v))

	ok, err := kv.SetNX(ctx, "a", []byte("2"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "setnx must not overwrite")

	ok, err = kv.SetNX(ctx, "b", []byte("2"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, kv.Delete(ctx, "a"))
	require.NoError(t, kv.Delete(ctx, "a"), "delete is idempotent")
	_, found, err = kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, kv.Ping(ctx))
}

func TestRedis_Contract(t *testing.T) {
	kv, _ := newRedisKV(t)
	exercise(t, kv)
}

func TestMemory_Contract(t *testing.T) {
	exercise(t, NewMemory())
}

func TestRedis_TTL(t *testing.T) {
	kv, mr := newRedisKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", []byte("v"), 30*time.Minute))
	assert.Equal(t, 30*time.Minute, mr.TTL("k"))

	mr.FastForward(31 * time.Minute)
	_, found, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemory_TTL(t *testing.T) {
	m := NewMemory()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	assert.Equal(t, time.Minute, m.TTL("k"))

	now = now.Add(2 * time.Minute)
	_, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	ok, err := m.SetNX(ctx, "k", []byte("w"), 0)
	require.NoError(t, err)
	assert.True(t, ok, "expired key can be reserved again")
}

func TestRedis_WrapsTransportFailure(t *testing.T) {
	kv, mr := newRedisKV(t)
	mr.Close()

	_, _, err := kv.Get(context.Background(), "k")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := kv.Set(context.Background(), "k", nil, 0); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := kv.SetNX(context.Background(), "k", nil, 0); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestRedis_SetNXSingleWinner(t *testing.T) {
	kv, _ := newRedisKV(t)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := kv.SetNX(context.Background(), "call:callee:b", []byte("x"), time.Minute)
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}
