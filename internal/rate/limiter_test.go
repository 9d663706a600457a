package rate

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

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestMemoryWindowRejectsThenRecovers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	lim := New(NewMemoryWithClock(clock.Now), DefaultPolicy(0, 0), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		d, err := lim.Check(ctx, "agent:1", TierFollow)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
	}
	d, err := lim.Check(ctx, "agent:1", TierFollow)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Hour, d.RetryAfter)

	// another subject is unaffected
	d, err = lim.Check(ctx, "agent:2", TierFollow)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	clock.Advance(time.Hour)
	d, err = lim.Check(ctx, "agent:1", TierFollow)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCommentTierBothWindows(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	lim := New(NewMemoryWithClock(clock.Now), DefaultPolicy(0, 0), WithClock(clock.Now))
	ctx := context.Background()

	d, err := lim.Check(ctx, "agent:7", TierCommentCreate)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	clock.Advance(5 * time.Second)
	d, err = lim.Check(ctx, "agent:7", TierCommentCreate)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, 15*time.Second, d.RetryAfter)
	assert.Equal(t, clock.Now().Add(15*time.Second), d.ResetAt)

	// the rejected attempt did not consume daily quota: 49 more fit
	for i := 0; i < 49; i++ {
		clock.Advance(20 * time.Second)
		d, err = lim.Check(ctx, "agent:7", TierCommentCreate)
		require.NoError(t, err)
		require.True(t, d.Allowed, "comment %d", i+2)
	}
	clock.Advance(20 * time.Second)
	d, err = lim.Check(ctx, "agent:7", TierCommentCreate)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, 20*time.Second)
}

func TestRedisCommentTierScenario(t *testing.T) {
	st, mr := newRedisStore(t)
	lim := New(st, DefaultPolicy(0, 0))
	ctx := context.Background()

	d, err := lim.Check(ctx, AgentSubject(3), TierCommentCreate)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	mr.FastForward(5 * time.Second)
	d, err = lim.Check(ctx, AgentSubject(3), TierCommentCreate)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, 15*time.Second, d.RetryAfter)

	mr.FastForward(15 * time.Second)
	d, err = lim.Check(ctx, AgentSubject(3), TierCommentCreate)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	assert.True(t, mr.Exists("rl:{agent:3}:comment-create:20"))
	assert.True(t, mr.Exists("rl:{agent:3}:comment-create:86400"))
	daily, err := mr.Get("rl:{agent:3}:comment-create:86400")
	require.NoError(t, err)
	assert.Equal(t, "2", daily)
}

func TestConcurrentBoundaryAdmitsExactlyLimit(t *testing.T) {
	stores := map[string]Store{"memory": NewMemory()}
	redisStore, _ := newRedisStore(t)
	stores["redis"] = redisStore

	for name, st := range stores {
		t.Run(name, func(t *testing.T) {
			lim := New(st, DefaultPolicy(0, 0))
			var admitted atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := lim.Check(context.Background(), "agent:9", TierPostCreate)
					if err == nil && d.Allowed {
						admitted.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.EqualValues(t, 1, admitted.Load())
		})
	}
}

func TestRedisErrorFallsBackToMemory(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	defer client.Close()

	lim := New(NewRedisStore(client), DefaultPolicy(0, 0), WithFallback(NewMemory()))
	ctx := context.Background()

	d, err := lim.Check(ctx, "agent:1", TierPostCreate)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = lim.Check(ctx, "agent:1", TierPostCreate)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	noFallback := New(NewRedisStore(client), DefaultPolicy(0, 0))
	_, err = noFallback.Check(ctx, "agent:1", TierPostCreate)
	assert.Error(t, err)
}

func TestUnknownTier(t *testing.T) {
	lim := New(NewMemory(), Policy{})
	_, err := lim.Check(context.Background(), "agent:1", TierVote)
	assert.Error(t, err)

	_, err = ParseTier("nope")
	assert.Error(t, err)
	tier, err := ParseTier("Comment-Create")
	require.NoError(t, err)
	assert.Equal(t, TierCommentCreate, tier)
}

func TestRegisterTierConfigurable(t *testing.T) {
	p := DefaultPolicy(2, 10*time.Minute)
	assert.Equal(t, []Window{{Limit: 2, Period: 10 * time.Minute}}, p[TierAgentRegister])
	assert.Equal(t, []Window{{Limit: 5, Period: time.Hour}}, DefaultPolicy(0, 0)[TierAgentRegister])
}
