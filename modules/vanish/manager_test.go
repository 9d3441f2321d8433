package vanish

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aukilabs/hagall-vanish/channel"
	"github.com/aukilabs/hagall-vanish/featureflag"
	"github.com/aukilabs/hagall-vanish/models"
	"github.com/stretchr/testify/require"
)

func TestManagerToggleVanish(t *testing.T) {
	t.Run("vanished participant is hidden from observers", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		bob, bobClient := env.join("bob")
		dave, daveClient := env.join("dave", CapVanish)

		require.True(t, env.manager.ToggleVanish(dave))
		require.True(t, env.manager.IsVanished(dave))
		require.True(t, env.manager.IsVanishedName("dave"))
		require.False(t, env.session.CanSee(bob, dave))
		require.True(t, env.session.CanSee(dave, bob))
		require.Equal(t, []uint32{dave.ID}, bobClient.leaves())
		require.Equal(t, [][]byte{{0x01}}, daveClient.channelPayloads(t, channel.VanishStatus))
		require.Equal(t, []string{"You have vanished. Poof."}, daveClient.texts(t, channel.Vanish))
	})

	t.Run("observers that can see all see vanished participants", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		bob, _ := env.join("bob")
		carol, carolClient := env.join("carol", CapSeeAll)
		dave, _ := env.join("dave", CapVanish)

		env.manager.ToggleVanish(dave)
		require.False(t, env.session.CanSee(bob, dave))
		require.False(t, env.session.CanSee(carol, dave))

		env.manager.Batcher().Run()
		require.False(t, env.session.CanSee(carol, dave))

		env.manager.Batcher().Run()
		require.True(t, env.session.CanSee(carol, dave))
		require.False(t, env.session.CanSee(bob, dave))
		require.Equal(t, []uint32{dave.ID}, carolClient.leaves())
		require.Equal(t, []uint32{dave.ID}, carolClient.joins())
	})

	t.Run("revealed participant is restored to every observer", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		bob, bobClient := env.join("bob")
		carol, _ := env.join("carol", CapSeeAll)
		dave, _ := env.join("dave", CapVanish)

		env.manager.ToggleVanish(dave)
		env.runBatcher()

		require.False(t, env.manager.ToggleVanish(dave))
		require.False(t, env.manager.IsVanished(dave))
		require.False(t, env.session.CanSee(bob, dave))
		require.False(t, env.session.CanSee(carol, dave))

		env.runBatcher()
		require.True(t, env.session.CanSee(bob, dave))
		require.True(t, env.session.CanSee(carol, dave))
		require.Equal(t, []uint32{dave.ID}, bobClient.joins())
		require.Zero(t, env.session.HiddenPairCount())
	})

	t.Run("observer that cannot see all never sees a participant vanished again", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		bob, bobClient := env.join("bob")
		dave, _ := env.join("dave", CapVanish)

		env.manager.ToggleVanishQuiet(dave, false)
		env.manager.ToggleVanishQuiet(dave, false)
		env.manager.ToggleVanishQuiet(dave, false)

		env.runBatcher()
		env.runBatcher()
		require.True(t, env.manager.IsVanished(dave))
		require.False(t, env.session.CanSee(bob, dave))
		require.Empty(t, bobClient.joins())
		require.Zero(t, env.manager.Batcher().Pending())
	})

	t.Run("toggle is announced to status update receivers", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		_, bobClient := env.join("bob")
		_, eveClient := env.join("eve", CapStatusUpdates)
		dave, _ := env.join("dave", CapVanish, CapStatusUpdates)
		dave.DisplayName = "Dave"

		env.manager.ToggleVanish(dave)
		env.manager.ToggleVanish(dave)
		require.Equal(t, []string{
			"Dave has vanished. Poof.",
			"Dave has become visible.",
		}, eveClient.texts(t, channel.Vanish))
		require.Empty(t, bobClient.texts(t, channel.Vanish))
	})

	t.Run("quiet toggle is not announced", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		_, eveClient := env.join("eve", CapStatusUpdates)
		dave, daveClient := env.join("dave", CapVanish)

		require.True(t, env.manager.ToggleVanishQuiet(dave, true))
		require.Empty(t, eveClient.texts(t, channel.Vanish))
		require.Empty(t, daveClient.texts(t, channel.Vanish))
		require.Len(t, daveClient.channelPayloads(t, channel.VanishStatus), 1)
	})

	t.Run("status is not sent when the status channel is disabled", func(t *testing.T) {
		env := newTestEnv(t, Settings{}, featureflag.FlagDisableVanishStatusChannel)
		dave, daveClient := env.join("dave", CapVanish)

		env.manager.ToggleVanish(dave)
		require.Empty(t, daveClient.channelPayloads(t, channel.VanishStatus))
	})
}

func TestManagerVanishAndReveal(t *testing.T) {
	env := newTestEnv(t, Settings{})
	bob, bobClient := env.join("bob")
	dave, _ := env.join("dave", CapVanish)

	var changes []bool
	cancel := env.manager.OnStatusChange(func(p *models.Participant, vanished bool) {
		require.Equal(t, dave, p)
		changes = append(changes, vanished)
	})

	t.Run("vanish is idempotent", func(t *testing.T) {
		env.manager.Vanish(dave, true, false)
		env.manager.Vanish(dave, true, false)
		require.Equal(t, 1, env.manager.NumVanished())
		require.Equal(t, []bool{true}, changes)
		require.Len(t, bobClient.leaves(), 1)
	})

	t.Run("reveal is idempotent", func(t *testing.T) {
		env.manager.Reveal(dave, true, false)
		env.manager.Reveal(dave, true, false)
		require.Zero(t, env.manager.NumVanished())
		require.Equal(t, []bool{true, false}, changes)

		env.runBatcher()
		require.True(t, env.session.CanSee(bob, dave))
	})

	t.Run("cancelled listener is not called", func(t *testing.T) {
		cancel()
		cancel()

		env.manager.Vanish(dave, true, false)
		require.Len(t, changes, 2)
	})
}

func TestManagerSleepIgnored(t *testing.T) {
	t.Run("sleep ignored flag is restored", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		dave, _ := env.join("dave")

		env.manager.ToggleVanishQuiet(dave, false)
		require.True(t, dave.SleepIgnored())

		env.manager.ToggleVanishQuiet(dave, false)
		require.False(t, dave.SleepIgnored())
	})

	t.Run("sleep ignored flag set before vanishing is kept", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		dave, _ := env.join("dave")
		dave.SetSleepIgnored(true)

		env.manager.ToggleVanishQuiet(dave, false)
		env.manager.ToggleVanishQuiet(dave, false)
		require.True(t, dave.SleepIgnored())
	})
}

func TestManagerVanishedNames(t *testing.T) {
	env := newTestEnv(t, Settings{})
	carol, _ := env.join("carol")
	alice, _ := env.join("alice")
	env.join("bob")

	require.Empty(t, env.manager.VanishedNames())

	env.manager.ToggleVanishQuiet(carol, false)
	env.manager.ToggleVanishQuiet(alice, false)
	require.Equal(t, []string{"alice", "carol"}, env.manager.VanishedNames())
	require.False(t, env.manager.IsVanishedName("bob"))
	require.False(t, env.manager.IsVanishedName("zed"))
	require.False(t, env.manager.IsVanished(nil))
}

func TestManagerNoFollow(t *testing.T) {
	newEntity := func(env *testEnv, owner *models.Participant, hostile bool, x float32, target uint32) *models.Entity {
		e := &models.Entity{
			ID:      env.session.NewEntityID(),
			Hostile: hostile,
		}
		if owner != nil {
			e.ParticipantID = owner.ID
			owner.AddEntity(e)
		}
		e.SetPose(models.Pose{PX: x})
		e.SetTarget(target)
		env.session.AddEntity(e)
		return e
	}

	t.Run("hostile entities around stop following", func(t *testing.T) {
		env := newTestEnv(t, Settings{NoFollowRadius: 50})
		bob, _ := env.join("bob")
		dave, _ := env.join("dave", CapVanish, CapNoFollow)
		newEntity(env, dave, false, 0, 0)

		near := newEntity(env, nil, true, 10, dave.ID)
		far := newEntity(env, nil, true, 1000, dave.ID)
		friendly := newEntity(env, nil, false, 10, dave.ID)
		chasingBob := newEntity(env, nil, true, 10, bob.ID)

		env.manager.ToggleVanish(dave)

		_, ok := near.Target()
		require.False(t, ok)

		target, _ := far.Target()
		require.Equal(t, dave.ID, target)
		target, _ = friendly.Target()
		require.Equal(t, dave.ID, target)
		target, _ = chasingBob.Target()
		require.Equal(t, bob.ID, target)
	})

	t.Run("every hostile entity stops following a participant without entity", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		dave, _ := env.join("dave", CapVanish, CapNoFollow)
		far := newEntity(env, nil, true, 1000, dave.ID)

		env.manager.ToggleVanish(dave)
		_, ok := far.Target()
		require.False(t, ok)
	})

	t.Run("zero radius clears every hostile entity following", func(t *testing.T) {
		env := newTestEnv(t, Settings{NoFollowRadius: 0})
		dave, _ := env.join("dave", CapVanish, CapNoFollow)
		newEntity(env, dave, false, 0, 0)
		far := newEntity(env, nil, true, 1000, dave.ID)

		env.manager.ToggleVanish(dave)
		_, ok := far.Target()
		require.False(t, ok)
	})

	t.Run("entities keep following without effects", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		dave, _ := env.join("dave", CapVanish, CapNoFollow)
		near := newEntity(env, nil, true, 1, dave.ID)

		env.manager.ToggleVanishQuiet(dave, false)
		_, ok := near.Target()
		require.True(t, ok)
	})

	t.Run("entities keep following without no follow override", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		dave, _ := env.join("dave", CapVanish)
		near := newEntity(env, nil, true, 1, dave.ID)

		env.manager.ToggleVanish(dave)
		_, ok := near.Target()
		require.True(t, ok)
	})
}

func TestManagerPlayerJoin(t *testing.T) {
	t.Run("participant joins vanished with a delayed announce", func(t *testing.T) {
		env := newTestEnv(t, Settings{AutoFakeJoinSilent: true})
		bob, bobClient := env.join("bob")
		_, eveClient := env.join("eve", CapStatusUpdates)
		alice, aliceClient := env.join("alice", CapJoinVanished, CapVanish)
		a := env.manager.Announcer()

		env.manager.PlayerJoin(alice)
		require.True(t, env.manager.IsVanished(alice))
		require.False(t, env.session.CanSee(bob, alice))
		require.True(t, a.HasDelayedAnnounce("alice"))
		require.False(t, a.GetFakeOnlineStatus("alice"))
		require.Empty(t, bobClient.texts(t, channel.Broadcast))
		require.Equal(t, []string{"You have joined vanished."}, aliceClient.texts(t, channel.Vanish))
		require.Empty(t, aliceClient.channelPayloads(t, channel.VanishStatus))
		require.Equal(t, []string{"alice has joined vanished."}, eveClient.texts(t, channel.Vanish))

		env.manager.Reveal(alice, false, true)
		require.Equal(t, []string{"alice joined the session."}, bobClient.texts(t, channel.Broadcast))
		require.False(t, a.HasDelayedAnnounce("alice"))
		require.True(t, a.GetFakeOnlineStatus("alice"))

		env.manager.Vanish(alice, false, true)
		env.manager.Reveal(alice, false, true)
		require.Len(t, bobClient.texts(t, channel.Broadcast), 1)
	})

	t.Run("participant joins without announce", func(t *testing.T) {
		env := newTestEnv(t, Settings{AutoFakeJoinSilent: true})
		ted, _ := env.join("ted", CapJoinWithoutAnnounce)

		env.manager.PlayerJoin(ted)
		require.False(t, env.manager.IsVanished(ted))
		require.True(t, env.manager.Announcer().HasDelayedAnnounce("ted"))
		require.False(t, env.manager.Announcer().GetFakeOnlineStatus("ted"))
	})

	t.Run("participant joins normally", func(t *testing.T) {
		env := newTestEnv(t, Settings{AutoFakeJoinSilent: true})
		ted, tedClient := env.join("ted")

		env.manager.PlayerJoin(ted)
		require.False(t, env.manager.IsVanished(ted))
		require.False(t, env.manager.Announcer().HasDelayedAnnounce("ted"))
		require.True(t, env.manager.Announcer().GetFakeOnlineStatus("ted"))
		require.Empty(t, tedClient.messages())
	})

	t.Run("joining observer does not see vanished participants", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		dave, _ := env.join("dave", CapVanish)
		env.manager.ToggleVanish(dave)

		bob, _ := env.join("bob")
		env.manager.PlayerJoin(bob)
		require.False(t, env.session.CanSee(bob, dave))

		carol, _ := env.join("carol", CapSeeAll)
		env.manager.PlayerJoin(carol)
		env.runBatcher()
		require.True(t, env.session.CanSee(carol, dave))
	})
}

func TestManagerResetSeeing(t *testing.T) {
	env := newTestEnv(t, Settings{})
	carol, _ := env.join("carol", CapSeeAll)
	dave, _ := env.join("dave", CapVanish)

	env.manager.ToggleVanish(dave)
	env.runBatcher()
	require.True(t, env.session.CanSee(carol, dave))

	env.manager.Overrides().Toggle(carol, OverrideSeeAll)
	env.manager.ResetSeeing(carol)
	require.False(t, env.session.CanSee(carol, dave))

	env.manager.Overrides().Toggle(carol, OverrideSeeAll)
	env.manager.ResetSeeing(carol)
	require.False(t, env.session.CanSee(carol, dave))

	env.runBatcher()
	require.True(t, env.session.CanSee(carol, dave))
}

func TestManagerPlayerRefresh(t *testing.T) {
	t.Run("participant that lost the vanish capability is revealed", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		dave, daveClient := env.join("dave", CapVanish)

		env.manager.ToggleVanish(dave)
		env.manager.PlayerRefresh(dave)
		require.True(t, env.manager.IsVanished(dave))

		env.revoke("dave", CapVanish)
		env.manager.PlayerRefresh(dave)
		require.False(t, env.manager.IsVanished(dave))
		require.Contains(t, daveClient.texts(t, channel.Vanish), "You have become visible.")
	})

	t.Run("every participant is refreshed", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		alice, _ := env.join("alice", CapVanish)
		dave, _ := env.join("dave", CapVanish)

		env.manager.ToggleVanish(alice)
		env.manager.ToggleVanish(dave)

		env.revoke("alice", CapVanish)
		env.manager.RefreshAll()
		require.False(t, env.manager.IsVanished(alice))
		require.True(t, env.manager.IsVanished(dave))
	})
}

func TestManagerPlayerQuit(t *testing.T) {
	t.Run("vanished participant quit is announced", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		bob, bobClient := env.join("bob")
		dave, _ := env.join("dave", CapVanish)

		env.manager.ToggleVanish(dave)
		require.Equal(t, 1, env.session.HiddenPairCount())

		env.session.RemoveParticipant(dave)
		env.manager.PlayerQuit(dave)
		require.False(t, env.manager.IsVanished(dave))
		require.Zero(t, env.manager.NumVanished())
		require.False(t, dave.SleepIgnored())
		require.Zero(t, env.session.HiddenPairCount())
		require.True(t, env.session.CanSee(bob, dave))
		require.Empty(t, bobClient.joins())
		require.Equal(t, []string{"dave left the session."}, bobClient.texts(t, channel.Broadcast))
	})

	t.Run("silent quit is not announced", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		_, bobClient := env.join("bob")
		dave, _ := env.join("dave", CapVanish, CapSilentQuit)

		env.manager.ToggleVanish(dave)
		env.session.RemoveParticipant(dave)
		env.manager.PlayerQuit(dave)
		require.Empty(t, bobClient.texts(t, channel.Broadcast))
	})

	t.Run("quit of a participant announced offline is not announced", func(t *testing.T) {
		env := newTestEnv(t, Settings{AutoFakeJoinSilent: true})
		_, bobClient := env.join("bob")
		alice, _ := env.join("alice", CapJoinVanished)

		env.manager.PlayerJoin(alice)
		env.session.RemoveParticipant(alice)
		env.manager.PlayerQuit(alice)
		require.Empty(t, bobClient.texts(t, channel.Broadcast))
		require.False(t, env.manager.Announcer().HasDelayedAnnounce("alice"))
	})

	t.Run("visible participant quit is not announced", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		_, bobClient := env.join("bob")
		ted, _ := env.join("ted")

		env.session.RemoveParticipant(ted)
		env.manager.PlayerQuit(ted)
		require.Empty(t, bobClient.texts(t, channel.Broadcast))
	})

	t.Run("overrides are discarded", func(t *testing.T) {
		env := newTestEnv(t, Settings{})
		ted, _ := env.join("ted")

		env.manager.Overrides().Toggle(ted, OverrideSeeAll)
		env.session.RemoveParticipant(ted)
		env.manager.PlayerQuit(ted)
		require.Zero(t, env.manager.Overrides().Len())
	})
}

func TestManagerShutdown(t *testing.T) {
	env := newTestEnv(t, Settings{})
	bob, _ := env.join("bob")
	carol, _ := env.join("carol", CapSeeAll)
	dave, _ := env.join("dave", CapVanish)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.manager.Start(ctx)

	env.manager.ToggleVanish(dave)
	require.NotZero(t, env.session.HiddenPairCount())

	env.manager.Shutdown()
	require.Zero(t, env.session.HiddenPairCount())
	require.Zero(t, env.manager.NumVanished())
	require.False(t, dave.SleepIgnored())
	require.True(t, env.session.CanSee(bob, dave))
	require.True(t, env.session.CanSee(carol, dave))

	env.manager.Shutdown()
	require.Zero(t, env.session.HiddenPairCount())
}

func TestManagerHandleStatusQuery(t *testing.T) {
	env := newTestEnv(t, Settings{})
	dave, daveClient := env.join("dave", CapVanish)

	env.manager.HandleStatusQuery(dave, []byte("check"))
	env.manager.ToggleVanishQuiet(dave, false)
	daveClient.reset()

	env.manager.HandleStatusQuery(dave, []byte("check"))
	env.manager.HandleStatusQuery(dave, []byte("status"))
	require.Equal(t, [][]byte{{0x01}}, daveClient.channelPayloads(t, channel.VanishStatus))
}

// interleavingSession runs a function concurrently with the first show it
// receives, giving it a short time to complete before the show is applied.
type interleavingSession struct {
	*models.Session

	once   sync.Once
	during func()
}

func (s *interleavingSession) ShowParticipant(observer, target *models.Participant) {
	s.once.Do(func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.during()
		}()

		select {
		case <-done:
		case <-time.After(time.Millisecond * 50):
		}
	})
	s.Session.ShowParticipant(observer, target)
}

func TestManagerVanishDuringRestoration(t *testing.T) {
	env := newTestEnv(t, Settings{})
	bob, _ := env.join("bob")
	dave, _ := env.join("dave", CapVanish)

	session := &interleavingSession{Session: env.session}
	manager := NewManager(session, Config{Oracle: env, AppKey: "test"})

	manager.ToggleVanish(dave)
	manager.ToggleVanish(dave)
	require.False(t, env.session.CanSee(bob, dave))

	vanished := make(chan struct{})
	session.during = func() {
		defer close(vanished)
		manager.ToggleVanishQuiet(dave, false)
	}

	manager.Batcher().Run()
	require.Equal(t, 1, manager.Batcher().Run())

	select {
	case <-vanished:
	case <-time.After(time.Second):
		t.Fatal("vanish did not complete")
	}

	require.True(t, manager.IsVanished(dave))
	require.False(t, env.session.CanSee(bob, dave))
}
