package vanish

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSettingsWithDefaults(t *testing.T) {
	t.Run("zero settings", func(t *testing.T) {
		s := Settings{}.withDefaults()
		require.Equal(t, DefaultFakeJoinMessage, s.FakeJoinMessage)
		require.Equal(t, DefaultFakeQuitMessage, s.FakeQuitMessage)
		require.Equal(t, DefaultRestoreInterval, s.RestoreInterval)
		require.Zero(t, s.NoFollowRadius)
	})

	t.Run("negative no follow radius", func(t *testing.T) {
		s := Settings{NoFollowRadius: -3}.withDefaults()
		require.Zero(t, s.NoFollowRadius)
	})

	t.Run("no follow radius is kept", func(t *testing.T) {
		s := Settings{NoFollowRadius: 42}.withDefaults()
		require.Equal(t, float32(42), s.NoFollowRadius)
	})
}
