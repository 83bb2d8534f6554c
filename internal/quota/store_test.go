package quota

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

var storeDay = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

// runStoreContract exercises the behaviour every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("get missing returns nil", func(t *testing.T) {
		s := newStore(t)
		rec, err := s.Get(ctx, "nobody", storeDay)
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("increment creates then accumulates", func(t *testing.T) {
		s := newStore(t)
		rec, err := s.Increment(ctx, "u1", storeDay, 1, 150)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.RequestsUsed)
		assert.Equal(t, 150, rec.TokensUsed)

		rec, err = s.Increment(ctx, "u1", storeDay, 0, 50)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.RequestsUsed)
		assert.Equal(t, 200, rec.TokensUsed)

		got, err := s.Get(ctx, "u1", storeDay)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, DateKey(storeDay), DateKey(got.Date))
		assert.Equal(t, 200, got.TokensUsed)
	})

	t.Run("days are separate records", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Increment(ctx, "u1", storeDay, 3, 0)
		require.NoError(t, err)

		rec, err := s.Get(ctx, "u1", storeDay.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("apply event counts each id once", func(t *testing.T) {
		s := newStore(t)
		rec, applied, err := s.ApplyEvent(ctx, "evt-1", "u1", storeDay, 0, 300)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, 300, rec.TokensUsed)

		rec, applied, err = s.ApplyEvent(ctx, "evt-1", "u1", storeDay, 0, 300)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, 300, rec.TokensUsed)

		rec, applied, err = s.ApplyEvent(ctx, "evt-2", "u1", storeDay, 1, 20)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, 1, rec.RequestsUsed)
		assert.Equal(t, 320, rec.TokensUsed)
	})

	t.Run("reserve stops at the ceiling", func(t *testing.T) {
		s := newStore(t)
		for i := 1; i <= 3; i++ {
			rec, ok, err := s.ReserveRequest(ctx, "u1", storeDay, 3)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, i, rec.RequestsUsed)
		}

		rec, ok, err := s.ReserveRequest(ctx, "u1", storeDay, 3)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 3, rec.RequestsUsed)
	})

	t.Run("reserve with zero limit never reserves", func(t *testing.T) {
		s := newStore(t)
		rec, ok, err := s.ReserveRequest(ctx, "u1", storeDay, 0)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 0, rec.RequestsUsed)
	})

	t.Run("concurrent reservations never exceed the limit", func(t *testing.T) {
		s := newStore(t)
		const limit, workers = 20, 50

		var granted atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := s.ReserveRequest(ctx, "racer", storeDay, limit)
				if err == nil && ok {
					granted.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(limit), granted.Load())
		rec, err := s.Get(ctx, "racer", storeDay)
		require.NoError(t, err)
		assert.Equal(t, limit, rec.RequestsUsed)
	})

	t.Run("list range", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Increment(ctx, "u1", storeDay.AddDate(0, 0, -1), 1, 10)
		require.NoError(t, err)
		_, err = s.Increment(ctx, "u1", storeDay, 2, 20)
		require.NoError(t, err)
		_, err = s.Increment(ctx, "u1", storeDay.AddDate(0, 0, -5), 9, 90)
		require.NoError(t, err)
		_, err = s.Increment(ctx, "u2", storeDay, 7, 70)
		require.NoError(t, err)

		recs, err := s.ListRange(ctx, "u1", storeDay.AddDate(0, 0, -2), storeDay)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, 10, recs[0].TokensUsed)
		assert.Equal(t, 20, recs[1].TokensUsed)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func newMiniredis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		client, _ := newMiniredis(t)
		return NewRedisStore(client)
	})
}

func TestRedisStore_KeysExpire(t *testing.T) {
	client, mr := newMiniredis(t)
	s := NewRedisStore(client)
	ctx := context.Background()

	_, err := s.Increment(ctx, "u1", storeDay, 1, 1)
	require.NoError(t, err)

	key := "quota:daily:u1:2026-03-14"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, dailyKeyTTL, mr.TTL(key))

	mr.FastForward(dailyKeyTTL + time.Second)
	rec, err := s.Get(ctx, "u1", storeDay)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRedisStore_EventMarkerExpires(t *testing.T) {
	client, mr := newMiniredis(t)
	s := NewRedisStore(client)

	_, applied, err := s.ApplyEvent(context.Background(), "evt-1", "u1", storeDay, 0, 10)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, eventKeyTTL, mr.TTL("quota:event:evt-1"))
}

func TestRedisStore_CorruptHash(t *testing.T) {
	client, mr := newMiniredis(t)
	s := NewRedisStore(client)

	mr.HSet("quota:daily:u1:2026-03-14", "requests", "lots")
	_, err := s.Get(context.Background(), "u1", storeDay)
	assert.Error(t, err)
}

func TestRedisStore_Unreachable(t *testing.T) {
	client, mr := newMiniredis(t)
	s := NewRedisStore(client)
	mr.Close()

	tr := NewTracker(s, fixedClock(fixedNow))
	_, err := tr.CheckDailyLimit(context.Background(), "u1", false)
	assert.ErrorIs(t, err, ErrUnavailable)
}
