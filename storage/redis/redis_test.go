package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Coordinator) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c, err := New(client, Config{LockRetryInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	return mr, c
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	c, err := New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c.config)
}

func TestCoordinator_LockExcludes(t *testing.T) {
	_, c := setupTestRedis(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		holders int32
		maxSeen int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := c.Lock(ctx, "sub_1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&holders, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&holders, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
}

func TestCoordinator_LockDistinctKeys(t *testing.T) {
	_, c := setupTestRedis(t)
	ctx := context.Background()

	unlockA, err := c.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := c.Lock(ctx2, "b")
	require.NoError(t, err)
	unlockB()
}

func TestCoordinator_LockHonoursContext(t *testing.T) {
	_, c := setupTestRedis(t)

	unlock, err := c.Lock(context.Background(), "busy")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.Lock(ctx, "busy")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoordinator_UnlockKeepsForeignToken(t *testing.T) {
	mr, c := setupTestRedis(t)
	ctx := context.Background()

	unlock, err := c.Lock(ctx, "k")
	require.NoError(t, err)

	// The lock expired and someone else took it.
	mr.FastForward(time.Minute)
	require.NoError(t, mr.Set(c.lockKey("k"), "other-holder"))

	unlock()
	got, err := mr.Get(c.lockKey("k"))
	require.NoError(t, err)
	assert.Equal(t, "other-holder", got)
}

func TestCoordinator_LockExpires(t *testing.T) {
	mr, c := setupTestRedis(t)
	ctx := context.Background()

	_, err := c.Lock(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, c.config.LockTTL, mr.TTL(c.lockKey("crashed")))

	mr.FastForward(c.config.LockTTL + time.Second)
	unlock, err := c.Lock(ctx, "crashed")
	require.NoError(t, err)
	unlock()
	assert.False(t, mr.Exists(c.lockKey("crashed")))
}

func TestCoordinator_Ledger(t *testing.T) {
	mr, c := setupTestRedis(t)
	ctx := context.Background()

	seen, err := c.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, c.Mark(ctx, "evt_1"))
	seen, err = c.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, 72*time.Hour, mr.TTL("quizgate:event:evt_1"))

	mr.FastForward(73 * time.Hour)
	seen, err = c.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestCoordinator_ServerDown(t *testing.T) {
	mr, c := setupTestRedis(t)
	mr.Close()

	_, err := c.Seen(context.Background(), "evt")
	assert.Error(t, err)
	assert.Error(t, c.Mark(context.Background(), "evt"))
}
