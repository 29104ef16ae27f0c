package redis

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkforge/walletgate"
)

func testSession(topic string, ttl time.Duration) *walletgate.WalletSession {
	now := time.Now()
	return &walletgate.WalletSession{
		Topic:     topic,
		Address:   common.HexToAddress("0x1234567890123456789012345678901234567890"),
		ChainID:   11155111,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestSessionStore_SaveAndLoad(t *testing.T) {
	client := testRedisClient(t)
	defer func() { _ = client.Close() }()

	store := NewSessionStore(client)
	ctx := context.Background()

	sess := testSession("topic-1", time.Hour)
	require.NoError(t, store.Save(ctx, sess))

	retrieved, err := store.Load(ctx, "topic-1")
	require.NoError(t, err)
	require.NotNil(t, retrieved)

	assert.Equal(t, sess.Topic, retrieved.Topic)
	assert.Equal(t, sess.Address, retrieved.Address)
	assert.Equal(t, sess.ChainID, retrieved.ChainID)
	assert.Equal(t, sess.CreatedAt.UnixNano(), retrieved.CreatedAt.UnixNano())
	assert.Equal(t, sess.ExpiresAt.UnixNano(), retrieved.ExpiresAt.UnixNano())
}

func TestSessionStore_LoadNotFound(t *testing.T) {
	client := testRedisClient(t)
	defer func() { _ = client.Close() }()

	store := NewSessionStore(client)

	sess, err := store.Load(context.Background(), "no-such-topic")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestSessionStore_SaveValidation(t *testing.T) {
	client := testRedisClient(t)
	defer func() { _ = client.Close() }()

	store := NewSessionStore(client)
	ctx := context.Background()

	assert.Error(t, store.Save(ctx, nil))
	assert.Error(t, store.Save(ctx, &walletgate.WalletSession{Topic: ""}))

	// A session that already lapsed must not be persisted
	expired := testSession("topic-expired", -time.Minute)
	assert.Error(t, store.Save(ctx, expired))
}

func TestSessionStore_LoadActive(t *testing.T) {
	client := testRedisClient(t)
	defer func() { _ = client.Close() }()

	store := NewSessionStore(client)
	ctx := context.Background()

	// No active session initially
	sess, err := store.LoadActive(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)

	require.NoError(t, store.Save(ctx, testSession("topic-1", time.Hour)))

	sess, err = store.LoadActive(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "topic-1", sess.Topic)
}

func TestSessionStore_SaveReplacesActive(t *testing.T) {
	client := testRedisClient(t)
	defer func() { _ = client.Close() }()

	store := NewSessionStore(client)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testSession("topic-1", time.Hour)))
	require.NoError(t, store.Save(ctx, testSession("topic-2", time.Hour)))

	// The most recently saved session is the active one
	sess, err := store.LoadActive(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "topic-2", sess.Topic)

	// The earlier session is still loadable by topic
	sess, err = store.Load(ctx, "topic-1")
	require.NoError(t, err)
	require.NotNil(t, sess)
}

func TestSessionStore_DeleteActiveClearsMarker(t *testing.T) {
	client := testRedisClient(t)
	defer func() { _ = client.Close() }()

	store := NewSessionStore(client)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testSession("topic-1", time.Hour)))
	require.NoError(t, store.Delete(ctx, "topic-1"))

	sess, err := store.Load(ctx, "topic-1")
	require.NoError(t, err)
	assert.Nil(t, sess)

	sess, err = store.LoadActive(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestSessionStore_DeleteInactiveKeepsActive(t *testing.T) {
	client := testRedisClient(t)
	defer func() { _ = client.Close() }()

	store := NewSessionStore(client)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testSession("topic-1", time.Hour)))
	require.NoError(t, store.Save(ctx, testSession("topic-2", time.Hour)))

	// Deleting the non-active session leaves the active one in place
	require.NoError(t, store.Delete(ctx, "topic-1"))

	sess, err := store.LoadActive(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "topic-2", sess.Topic)
}

func TestSessionStore_DeleteNonExistent(t *testing.T) {
	client := testRedisClient(t)
	defer func() { _ = client.Close() }()

	store := NewSessionStore(client)

	// Deleting an unknown topic should not error
	assert.NoError(t, store.Delete(context.Background(), "no-such-topic"))
}

func TestSessionStore_TTLExpiry(t *testing.T) {
	client := testRedisClient(t)
	defer func() { _ = client.Close() }()

	store := NewSessionStore(client)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testSession("topic-short", 200*time.Millisecond)))

	// Present immediately
	sess, err := store.Load(ctx, "topic-short")
	require.NoError(t, err)
	require.NotNil(t, sess)

	// Wait for the Redis TTL to fire
	time.Sleep(300 * time.Millisecond)

	sess, err = store.Load(ctx, "topic-short")
	require.NoError(t, err)
	assert.Nil(t, sess)

	// The active pointer must not resurrect an expired session
	sess, err = store.LoadActive(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestSessionStore_LoadActiveCleansOrphanedPointer(t *testing.T) {
	client := testRedisClient(t)
	defer func() { _ = client.Close() }()

	store := NewSessionStore(client)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testSession("topic-1", time.Hour)))

	// Remove the session data behind the store's back, leaving the pointer
	require.NoError(t, client.Del(ctx, "walletgate:session:topic-1").Err())

	sess, err := store.LoadActive(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)

	// The orphaned pointer was removed
	exists, err := client.Exists(ctx, "walletgate:session:active").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestSessionStore_WithKeyPrefix(t *testing.T) {
	client := testRedisClient(t)
	defer func() { _ = client.Close() }()

	store1 := NewSessionStore(client, WithSessionStoreKeyPrefix("app-a"))
	store2 := NewSessionStore(client, WithSessionStoreKeyPrefix("app-b"))
	ctx := context.Background()

	require.NoError(t, store1.Save(ctx, testSession("topic-1", time.Hour)))

	// The other tenant does not see the session
	sess, err := store2.Load(ctx, "topic-1")
	require.NoError(t, err)
	assert.Nil(t, sess)

	sess, err = store2.LoadActive(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)

	sess, err = store1.Load(ctx, "topic-1")
	require.NoError(t, err)
	require.NotNil(t, sess)
}
