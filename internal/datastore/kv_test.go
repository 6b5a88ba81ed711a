package datastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVSetGetOverwrite(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.KVSet(ctx, "update:status", `{"phase":"IDLE"}`))

	value, found, err := store.KVGet(ctx, "update:status")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"phase":"IDLE"}`, value)

	require.NoError(t, store.KVSet(ctx, "update:status", `{"phase":"CHECKING"}`))

	value, found, err = store.KVGet(ctx, "update:status")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"phase":"CHECKING"}`, value)
}

func TestKVGetMissingKey(t *testing.T) {
	store := testStore(t)

	value, found, err := store.KVGet(context.Background(), "update:request")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, value)
}

func TestKVDeleteIsIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.KVSet(ctx, "update:result", "ok"))
	require.NoError(t, store.KVDelete(ctx, "update:result"))

	_, found, err := store.KVGet(ctx, "update:result")
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, store.KVDelete(ctx, "update:result"), "deleting an absent key is not an error")
}

func TestKVConsumeHandsValueToOneCaller(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.KVSet(ctx, "update:request", `{"action":"check"}`))

	value, found, err := store.KVConsume(ctx, "update:request")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"action":"check"}`, value)

	// The key is gone: a second consumer sees nothing.
	value, found, err = store.KVConsume(ctx, "update:request")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, value)

	_, found, err = store.KVGet(ctx, "update:request")
	require.NoError(t, err)
	assert.False(t, found)
}
