package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "processed:card:cs_1", Key("card", "cs_1"))
	assert.Equal(t, "processed:stars:charge_9", Key("stars", "charge_9"))
}

func TestMemoryStoreSeen(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	seen, err := store.Seen(ctx, Key("card", "cs_1"))
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = store.Seen(ctx, Key("card", "cs_1"))
	require.NoError(t, err)
	assert.True(t, seen)

	// Different charge id, same provider.
	seen, err = store.Seen(ctx, Key("card", "cs_2"))
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore(10 * time.Millisecond)
	ctx := context.Background()

	_, err := store.Seen(ctx, "k")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	seen, err := store.Seen(ctx, "k")
	require.NoError(t, err)
	assert.False(t, seen)
}
