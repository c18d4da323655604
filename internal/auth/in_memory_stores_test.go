package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStateStore(t *testing.T) {
	store := NewInMemoryStateStore(time.Minute)

	require.NoError(t, store.StoreState("user-1", "state-1", "verifier-1"))

	_, ok := store.ConsumeState("user-1", "wrong")
	assert.False(t, ok)

	verifier, ok := store.ConsumeState("user-1", "state-1")
	assert.True(t, ok)
	assert.Equal(t, "verifier-1", verifier)

	_, ok = store.ConsumeState("user-1", "state-1")
	assert.False(t, ok)
}

func TestInMemoryStateStore_NewStateReplacesOld(t *testing.T) {
	store := NewInMemoryStateStore(time.Minute)

	require.NoError(t, store.StoreState("user-1", "state-1", "v1"))
	require.NoError(t, store.StoreState("user-1", "state-2", "v2"))

	_, ok := store.ConsumeState("user-1", "state-1")
	assert.False(t, ok)
	verifier, ok := store.ConsumeState("user-1", "state-2")
	assert.True(t, ok)
	assert.Equal(t, "v2", verifier)
}

func TestInMemoryStateStore_Expiry(t *testing.T) {
	now := time.Now()
	store := NewInMemoryStateStore(time.Minute)
	store.now = func() time.Time { return now }

	require.NoError(t, store.StoreState("user-1", "state-1", "v1"))
	require.NoError(t, store.StoreState("user-2", "state-2", "v2"))

	now = now.Add(2 * time.Minute)
	_, ok := store.ConsumeState("user-1", "state-1")
	assert.False(t, ok)

	require.NoError(t, store.StoreState("user-3", "state-3", "v3"))
	assert.Equal(t, 1, store.Len())
}
