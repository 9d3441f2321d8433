package vanish

import "time"

const (
	DefaultFakeJoinMessage = "%p joined the session."
	DefaultFakeQuitMessage = "%p left the session."
	DefaultRestoreInterval = 200 * time.Millisecond
	DefaultNoFollowRadius  = 100
)

// Settings is the configuration of the vanish module.
type Settings struct {
	// Whether participants that join without being announced get their join
	// announced once they become visible.
	AutoFakeJoinSilent bool

	// The messages broadcasted on fake joins and quits. %p is replaced by the
	// participant name and %d by its display name.
	FakeJoinMessage string
	FakeQuitMessage string

	// The interval between pending restoration runs.
	RestoreInterval time.Duration

	// The distance in which hostile entities stop following a participant
	// that vanishes. Zero clears every hostile entity following it.
	NoFollowRadius float32
}

func (s Settings) withDefaults() Settings {
	if s.FakeJoinMessage == "" {
		s.FakeJoinMessage = DefaultFakeJoinMessage
	}
	if s.FakeQuitMessage == "" {
		s.FakeQuitMessage = DefaultFakeQuitMessage
	}
	if s.RestoreInterval <= 0 {
		s.RestoreInterval = DefaultRestoreInterval
	}
	if s.NoFollowRadius < 0 {
		s.NoFollowRadius = 0
	}
	return s
}
