package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/models"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, time.Hour), mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	sess := models.NewSession("5511912345678")
	sess.Append("user", "oi")
	sess.FlowData[models.KeyServiceType] = "Consulta"
	require.NoError(t, store.Save(ctx, sess))

	got, err := store.Load(ctx, sess.Sender)
	require.NoError(t, err)
	assert.Len(t, got.History, 1)
	assert.Equal(t, "Consulta", got.FlowData[models.KeyServiceType])

	require.NoError(t, store.Delete(ctx, sess.Sender))
	got, err = store.Load(ctx, sess.Sender)
	require.NoError(t, err)
	assert.Empty(t, got.History)
}

func TestRedisStoreMissingKeyYieldsFreshSession(t *testing.T) {
	store, _ := newTestRedisStore(t)

	got, err := store.Load(context.Background(), "5511900000000")
	require.NoError(t, err)
	assert.Equal(t, "5511900000000", got.Sender)
	assert.Empty(t, got.History)
	assert.NotNil(t, got.FlowData)
}

func TestRedisStoreTTLExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	sess := models.NewSession("5511912345678")
	sess.Append("user", "oi")
	require.NoError(t, store.Save(ctx, sess))

	mr.FastForward(2 * time.Hour)

	got, err := store.Load(ctx, sess.Sender)
	require.NoError(t, err)
	assert.Empty(t, got.History)
}
