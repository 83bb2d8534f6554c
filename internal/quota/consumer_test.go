package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inats "github.com/promptdesk/promptdesk/internal/nats"
)

func TestConsumer_Apply(t *testing.T) {
	store := NewMemoryStore()
	c := NewConsumer(store, nil)
	ctx := context.Background()

	applied, err := c.apply(ctx, inats.UsageEvent{ID: "e1", UserID: "u1", Date: "2026-03-14", Tokens: 300})
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = c.apply(ctx, inats.UsageEvent{ID: "e2", UserID: "u1", Date: "2026-03-14", Requests: 1, Tokens: 20})
	require.NoError(t, err)
	assert.True(t, applied)

	rec, err := store.Get(ctx, "u1", storeDay)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RequestsUsed)
	assert.Equal(t, 320, rec.TokensUsed)
}

func TestConsumer_ApplyRedeliveredEventOnce(t *testing.T) {
	store := NewMemoryStore()
	c := NewConsumer(store, nil)
	ctx := context.Background()

	event := inats.UsageEvent{ID: "evt-1", UserID: "u1", Date: "2026-03-14", Tokens: 300}
	applied, err := c.apply(ctx, event)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = c.apply(ctx, event)
	require.NoError(t, err)
	assert.False(t, applied)

	rec, err := store.Get(ctx, "u1", storeDay)
	require.NoError(t, err)
	assert.Equal(t, 300, rec.TokensUsed)
}

func TestConsumer_ApplyStoreFailureIsRetryable(t *testing.T) {
	c := NewConsumer(failingStore{err: errors.New("connection refused")}, nil)

	_, err := c.apply(context.Background(), inats.UsageEvent{ID: "e1", UserID: "u1", Date: "2026-03-14", Tokens: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, errInvalidEvent)
}

func TestSleepCtx(t *testing.T) {
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.False(t, sleepCtx(ctx, time.Minute))
	assert.Less(t, time.Since(start), time.Second)
}

func TestConsumer_ApplyUsesTimestampWithoutDate(t *testing.T) {
	store := NewMemoryStore()
	c := NewConsumer(store, nil)
	ctx := context.Background()

	recordedAt := time.Date(2026, 3, 13, 23, 59, 59, 0, time.UTC)
	_, err := c.apply(ctx, inats.UsageEvent{ID: "e1", UserID: "u1", Tokens: 5, RecordedAt: recordedAt})
	require.NoError(t, err)

	rec, err := store.Get(ctx, "u1", recordedAt)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 5, rec.TokensUsed)
}

func TestConsumer_ApplyRejectsBadEvents(t *testing.T) {
	c := NewConsumer(NewMemoryStore(), nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		event inats.UsageEvent
	}{
		{"no id", inats.UsageEvent{UserID: "u1", Date: "2026-03-14", Tokens: 1}},
		{"no user", inats.UsageEvent{ID: "e", Date: "2026-03-14", Tokens: 1}},
		{"negative tokens", inats.UsageEvent{ID: "e", UserID: "u1", Date: "2026-03-14", Tokens: -1}},
		{"bad date", inats.UsageEvent{ID: "e", UserID: "u1", Date: "14/03/2026", Tokens: 1}},
		{"no date at all", inats.UsageEvent{ID: "e", UserID: "u1", Tokens: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.apply(ctx, tt.event)
			assert.ErrorIs(t, err, errInvalidEvent)
		})
	}
}
