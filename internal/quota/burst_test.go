package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBurstLimiter(t *testing.T) {
	client, mr := newMiniredis(t)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	b := NewBurstLimiter(client)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := b.Allow(ctx, "u1", 3)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
		now = now.Add(10 * time.Second)
	}

	ok, retry, err := b.Allow(ctx, "u1", 3)
	require.NoError(t, err)
	assert.False(t, ok)
	// Oldest entry was at 12:00:00, now is 12:00:30.
	assert.Equal(t, 30*time.Second, retry)

	// Other users are unaffected.
	ok, _, err = b.Allow(ctx, "u2", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	// Once the first entry leaves the window a slot frees up.
	now = now.Add(31 * time.Second)
	ok, _, err = b.Allow(ctx, "u1", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, mr.Exists(burstKeyPrefix+"u1"))
}

func TestBurstLimiter_RedisDown(t *testing.T) {
	client, mr := newMiniredis(t)
	b := NewBurstLimiter(client)
	mr.Close()

	_, _, err := b.Allow(context.Background(), "u1", 3)
	assert.Error(t, err)
}
