package nats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKV(t *testing.T) {
	type consumerState struct {
		Cursor    int64     `json:"cursor"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	connectNats := NewTestContainer(t)
	kv, err := NewKvStore[consumerState](KvConfig{
		Bucket:  "consumer_state",
		Connect: connectNats,
	})
	require.NoError(t, err)
	defer kv.Close()

	_, err = kv.Get("projector")
	require.ErrorIs(t, err, ErrKeyNotFound)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, kv.Set("projector", consumerState{Cursor: 10, UpdatedAt: now}))
	require.NoError(t, kv.Set("projector", consumerState{Cursor: 11, UpdatedAt: now}))

	v, err := kv.Get("projector")
	require.NoError(t, err)
	require.Equal(t, consumerState{Cursor: 11, UpdatedAt: now}, v)

	t.Run("bucket is required", func(t *testing.T) {
		_, err := NewKvStore[consumerState](KvConfig{Connect: connectNats})
		require.Error(t, err)
	})
}
