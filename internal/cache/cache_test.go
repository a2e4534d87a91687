package cache

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/require"
)

func TestMemoryExpiresEntries(t *testing.T) {
	now := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	c := NewMemory(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "E1", []byte("v1"), 5*time.Minute))

	value, found, err := c.Get(ctx, "E1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", string(value))

	now = now.Add(5 * time.Minute)
	_, found, err = c.Get(ctx, "E1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestMemoryDelete(t *testing.T) {
	c := NewMemory(nil)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "E1", []byte("v1"), time.Minute))
	require.NoError(t, c.Delete(ctx, "E1"))
	_, found, err := c.Get(ctx, "E1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRedisGet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedisWithClient(db, "cw:")
	ctx := context.Background()

	t.Run("hit", func(t *testing.T) {
		mock.ExpectGet("cw:E1").SetVal(`{"score":0.5}`)
		value, found, err := c.Get(ctx, "E1")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, `{"score":0.5}`, string(value))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("miss", func(t *testing.T) {
		mock.ExpectGet("cw:E2").RedisNil()
		value, found, err := c.Get(ctx, "E2")
		require.NoError(t, err)
		require.False(t, found)
		require.Nil(t, value)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("error", func(t *testing.T) {
		mock.ExpectGet("cw:E3").SetErr(redis.TxFailedErr)
		_, _, err := c.Get(ctx, "E3")
		require.Error(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRedisSetAndDelete(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedisWithClient(db, "cw:")
	ctx := context.Background()

	mock.ExpectSet("cw:E1", `{"score":0.5}`, 5*time.Minute).SetVal("OK")
	require.NoError(t, c.Set(ctx, "E1", []byte(`{"score":0.5}`), 5*time.Minute))

	mock.ExpectDel("cw:E1").SetVal(1)
	require.NoError(t, c.Delete(ctx, "E1"))

	require.NoError(t, mock.ExpectationsWereMet())
}
