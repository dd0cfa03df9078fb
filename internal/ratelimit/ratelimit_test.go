package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *clock) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(cfg)
	l.now = c.now
	return l, c
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	assert.False(t, l.Enabled())
	for range 1000 {
		require.NoError(t, l.Allow("client"))
	}
	assert.Zero(t, l.Len())
}

func TestLimiter_NilIsUnlimited(t *testing.T) {
	var l *Limiter
	assert.NoError(t, l.Allow("client"))
	assert.Zero(t, l.Prune(time.Minute))
	assert.Zero(t, l.Len())
}

func TestLimiter_Burst(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	for range 3 {
		require.NoError(t, l.Allow("a"))
	}
	assert.ErrorIs(t, l.Allow("a"), ErrRateLimited)
}

func TestLimiter_Refill(t *testing.T) {
	l, c := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	require.NoError(t, l.Allow("a"))
	require.ErrorIs(t, l.Allow("a"), ErrRateLimited)

	c.advance(500 * time.Millisecond)
	require.ErrorIs(t, l.Allow("a"), ErrRateLimited)

	c.advance(500 * time.Millisecond)
	assert.NoError(t, l.Allow("a"))
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	require.NoError(t, l.Allow("a"))
	require.ErrorIs(t, l.Allow("a"), ErrRateLimited)
	assert.NoError(t, l.Allow("b"))
}

func TestLimiter_BurstDefaultsToRate(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 5})
	for range 5 {
		require.NoError(t, l.Allow("a"))
	}
	assert.ErrorIs(t, l.Allow("a"), ErrRateLimited)
}

func TestLimiter_Prune(t *testing.T) {
	l, c := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 10})
	require.NoError(t, l.Allow("old"))
	c.advance(15 * time.Second)
	require.NoError(t, l.Allow("recent"))

	// A bucket of 10 refills in 10s: "old" has been full for 5s, "recent" not at all.
	assert.Equal(t, 1, l.Prune(2*time.Second))
	assert.Equal(t, 1, l.Len())

	c.advance(time.Hour)
	assert.Equal(t, 1, l.Prune(time.Minute))
	assert.Zero(t, l.Len())
}
