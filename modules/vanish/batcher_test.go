package vanish

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRestorationBatcher(t *testing.T) {
	t.Run("restoration is applied by the second run", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		bob, bobClient := env.join("bob")
		ted, _ := env.join("ted")
		b := NewRestorationBatcher(env.session, "test", nil)

		env.session.HideParticipant(bob, ted)
		b.Add(bob, ted)
		require.Equal(t, 1, b.Pending())

		require.Zero(t, b.Run())
		require.False(t, env.session.CanSee(bob, ted))
		require.Equal(t, 1, b.Pending())

		require.Equal(t, 1, b.Run())
		require.True(t, env.session.CanSee(bob, ted))
		require.Zero(t, b.Pending())
		require.Equal(t, []uint32{ted.ID}, bobClient.joins())
	})

	t.Run("duplicate restorations are applied once", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		bob, bobClient := env.join("bob")
		ted, _ := env.join("ted")
		b := NewRestorationBatcher(env.session, "test", nil)

		env.session.HideParticipant(bob, ted)
		b.Add(bob, ted)
		b.Add(bob, ted)
		require.Equal(t, 1, b.Pending())

		b.Run()
		require.Equal(t, 1, b.Run())
		require.Len(t, bobClient.joins(), 1)
	})

	t.Run("invalid restorations are ignored", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		bob, _ := env.join("bob")
		b := NewRestorationBatcher(env.session, "test", nil)

		b.Add(bob, bob)
		b.Add(nil, bob)
		b.Add(bob, nil)
		require.Zero(t, b.Pending())
	})

	t.Run("restoration of a participant that left is dropped", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		bob, bobClient := env.join("bob")
		ted, _ := env.join("ted")
		b := NewRestorationBatcher(env.session, "test", nil)

		env.session.HideParticipant(bob, ted)
		b.Add(bob, ted)
		env.session.RemoveParticipant(ted)

		b.Run()
		require.Zero(t, b.Run())
		require.Empty(t, bobClient.joins())
	})

	t.Run("unwanted restoration is dropped", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		bob, _ := env.join("bob")
		ted, _ := env.join("ted")
		b := NewRestorationBatcher(env.session, "test", func(r Restoration) bool {
			return r.Target != ted
		})

		env.session.HideParticipant(bob, ted)
		b.Add(bob, ted)

		b.Run()
		require.Zero(t, b.Run())
		require.False(t, env.session.CanSee(bob, ted))
		require.Zero(t, b.Pending())
	})

	t.Run("restorations are applied in the background", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		bob, _ := env.join("bob")
		ted, _ := env.join("ted")
		b := NewRestorationBatcher(env.session, "test", nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go b.Start(ctx, time.Millisecond)

		env.session.HideParticipant(bob, ted)
		b.Add(bob, ted)

		require.Eventually(t, func() bool {
			return env.session.CanSee(bob, ted)
		}, time.Second, time.Millisecond)
	})
}
