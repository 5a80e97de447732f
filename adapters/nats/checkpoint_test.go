package nats

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/esdb-go/core/es"
)

func TestNats_Checkpoint(t *testing.T) {
	connectNATS := NewTestContainer(t)

	cp, err := NewCpStore(CpStoreConfig{
		Key:     "$all:projector",
		Connect: connectNATS,
	})
	require.NoError(t, err)
	require.NotNil(t, cp)
	defer cp.Close()

	_, err = cp.Get()
	require.ErrorIs(t, err, es.ErrCheckpointNotFound)

	require.NoError(t, cp.Set(123))

	v, err := cp.Get()
	require.NoError(t, err)
	require.Equal(t, int64(123), v)

	t.Run("key is required", func(t *testing.T) {
		_, err := NewCpStore(CpStoreConfig{Connect: connectNATS})
		require.Error(t, err)
	})
}

func TestCheckpointKey(t *testing.T) {
	require.Equal(t, "cp._all-projector", checkpointKey("$all:projector"))
	require.Equal(t, "cp.order_view", checkpointKey("order view"))
}
