package permissions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/hagall-vanish/models"
	"github.com/aukilabs/hagall-vanish/modules/vanish"
	"github.com/stretchr/testify/require"
)

const testFile = `
default:
  - vanish.list
participants:
  ted:
    - vanish.vanish
    - vanish.toggle.*
  admin:
    - "*"
`

func TestParse(t *testing.T) {
	t.Run("file is parsed", func(t *testing.T) {
		f, err := Parse(strings.NewReader(testFile))
		require.NoError(t, err)
		require.Equal(t, []string{"vanish.list"}, f.Default)
		require.Len(t, f.Participants, 2)
		require.Equal(t, []string{"vanish.vanish", "vanish.toggle.*"}, f.Participants["ted"])
	})

	t.Run("empty file is parsed", func(t *testing.T) {
		f, err := Parse(strings.NewReader(""))
		require.NoError(t, err)
		require.Empty(t, f.Default)
		require.Empty(t, f.Participants)
	})

	t.Run("unknown field returns an error", func(t *testing.T) {
		_, err := Parse(strings.NewReader("admins:\n  - ted\n"))
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeInvalidFile))
	})

	t.Run("empty grant returns an error", func(t *testing.T) {
		_, err := Parse(strings.NewReader("participants:\n  ted:\n    - \"\"\n"))
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeInvalidFile))
	})
}

func TestStoreHasCapability(t *testing.T) {
	f, err := Parse(strings.NewReader(testFile))
	require.NoError(t, err)

	var s Store
	s.Set(f)

	ted := &models.Participant{ID: 1, Name: "ted"}
	admin := &models.Participant{ID: 2, Name: "admin"}
	bob := &models.Participant{ID: 3, Name: "bob"}

	tests := []struct {
		scenario    string
		participant *models.Participant
		capability  vanish.Capability
		expected    bool
	}{
		{
			scenario:    "default grant",
			participant: bob,
			capability:  vanish.CapList,
			expected:    true,
		},
		{
			scenario:    "default grant without participant",
			participant: nil,
			capability:  vanish.CapList,
			expected:    true,
		},
		{
			scenario:    "capability not granted",
			participant: bob,
			capability:  vanish.CapVanish,
		},
		{
			scenario:    "exact grant",
			participant: ted,
			capability:  vanish.CapVanish,
			expected:    true,
		},
		{
			scenario:    "exact grant does not match longer capability",
			participant: ted,
			capability:  vanish.CapVanishOn,
		},
		{
			scenario:    "prefix grant",
			participant: ted,
			capability:  vanish.CapToggleSee,
			expected:    true,
		},
		{
			scenario:    "prefix grant does not match other capability",
			participant: ted,
			capability:  vanish.CapSeeAll,
		},
		{
			scenario:    "wildcard grant",
			participant: admin,
			capability:  vanish.CapSeeAll,
			expected:    true,
		},
	}

	for _, test := range tests {
		t.Run(test.scenario, func(t *testing.T) {
			require.Equal(t, test.expected, s.HasCapability(test.participant, test.capability))
		})
	}
}

func TestStoreZeroValue(t *testing.T) {
	var s Store
	require.False(t, s.HasCapability(&models.Participant{Name: "ted"}, vanish.CapVanish))
}

func TestLoad(t *testing.T) {
	t.Run("file is loaded", func(t *testing.T) {
		path := writeFile(t, testFile)

		s, err := Load(path)
		require.NoError(t, err)
		require.True(t, s.HasCapability(&models.Participant{Name: "ted"}, vanish.CapVanish))
	})

	t.Run("empty path grants nothing", func(t *testing.T) {
		s, err := Load("")
		require.NoError(t, err)
		require.False(t, s.HasCapability(&models.Participant{Name: "ted"}, vanish.CapVanish))
	})

	t.Run("missing file returns an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
	})

	t.Run("invalid file returns an error", func(t *testing.T) {
		path := writeFile(t, "default: [")

		_, err := Load(path)
		require.Error(t, err)
	})
}

func TestStoreReload(t *testing.T) {
	ted := &models.Participant{Name: "ted"}

	t.Run("grants are reloaded and hooks are called", func(t *testing.T) {
		path := writeFile(t, "default: []\n")

		s, err := Load(path)
		require.NoError(t, err)
		require.False(t, s.HasCapability(ted, vanish.CapVanish))

		var calls int
		s.OnReload(func() { calls++ })

		err = os.WriteFile(path, []byte(testFile), 0o600)
		require.NoError(t, err)

		err = s.Reload()
		require.NoError(t, err)
		require.True(t, s.HasCapability(ted, vanish.CapVanish))
		require.Equal(t, 1, calls)
	})

	t.Run("cancelled hook is not called", func(t *testing.T) {
		path := writeFile(t, testFile)

		s, err := Load(path)
		require.NoError(t, err)

		var calls int
		cancel := s.OnReload(func() { calls++ })
		cancel()
		cancel()

		err = s.Reload()
		require.NoError(t, err)
		require.Zero(t, calls)
	})

	t.Run("previous grants are kept on error", func(t *testing.T) {
		path := writeFile(t, testFile)

		s, err := Load(path)
		require.NoError(t, err)

		var calls int
		s.OnReload(func() { calls++ })

		err = os.WriteFile(path, []byte("default: ["), 0o600)
		require.NoError(t, err)

		err = s.Reload()
		require.Error(t, err)
		require.True(t, s.HasCapability(ted, vanish.CapVanish))
		require.Zero(t, calls)
	})
}

func writeFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "permissions.yaml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)
	return path
}
