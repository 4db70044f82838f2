package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mining-engine/internal/testutil"
)

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewMemoryWithClock(clock.Now)

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	value := []byte(`{"a":1}`)
	require.NoError(t, c.Set(ctx, "k", value, 30*time.Second))
	value[0] = 'X' // stored copy is not aliased

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(got))

	clock.Advance(29 * time.Second)
	_, ok, _ = c.Get(ctx, "k")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestMemoryDeletePrefix(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	for _, k := range []string{"leaderboard:day:10:0", "leaderboard:day:10:10", "leaderboard:week:10:0", "stats:system"} {
		require.NoError(t, c.Set(ctx, k, []byte("x"), time.Minute))
	}

	n, err := c.DeletePrefix(ctx, "leaderboard:day:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, c.Len())

	n, err = c.DeletePrefix(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, c.Len())
}
