package vanish

import (
	"slices"
	"strings"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/logs"
	hlogs "github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/hagall-vanish/channel"
	"github.com/aukilabs/hagall-vanish/featureflag"
	"github.com/aukilabs/hagall-vanish/models"
)

const (
	fakeJoin = "join"
	fakeQuit = "quit"
)

// AnnounceManipulator tracks the online status that was announced for each
// participant, which may differ from the real connection state, and fakes
// join and quit announcements accordingly.
type AnnounceManipulator struct {
	session      Session
	settings     Settings
	featureFlags featureflag.FeatureFlag
	appKey       string

	mutex           sync.Mutex
	onlineStatus    map[string]bool
	delayedAnnounce []string
}

func NewAnnounceManipulator(s Session, c Config) *AnnounceManipulator {
	return &AnnounceManipulator{
		session:      s,
		settings:     c.Settings.withDefaults(),
		featureFlags: c.FeatureFlags,
		appKey:       c.AppKey,
		onlineStatus: make(map[string]bool),
	}
}

// AddToDelayedAnnounce marks the participant as announced offline. With the
// auto fake join silent setting, the participant is also queued so that its
// join is announced when it becomes visible.
func (m *AnnounceManipulator) AddToDelayedAnnounce(name string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.onlineStatus[name] = false
	if !m.settings.AutoFakeJoinSilent || slices.Contains(m.delayedAnnounce, name) {
		return
	}
	m.delayedAnnounce = append(m.delayedAnnounce, name)
}

// DropDelayedAnnounce removes the participant from the delayed announces.
func (m *AnnounceManipulator) DropDelayedAnnounce(name string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.dropDelayedAnnounce(name)
}

func (m *AnnounceManipulator) dropDelayedAnnounce(name string) {
	m.delayedAnnounce = slices.DeleteFunc(m.delayedAnnounce, func(n string) bool {
		return n == name
	})
}

// HasDelayedAnnounce reports whether the participant join announce is
// delayed.
func (m *AnnounceManipulator) HasDelayedAnnounce(name string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return slices.Contains(m.delayedAnnounce, name)
}

// GetFakeOnlineStatus returns whether the participant with the given name is
// believed online. Participants that are not connected are offline.
// Participants without an announced status are online.
func (m *AnnounceManipulator) GetFakeOnlineStatus(name string) bool {
	p, ok := m.session.ParticipantByName(name)
	if !ok {
		return false
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	online, ok := m.onlineStatus[p.Name]
	if !ok {
		return true
	}
	return online
}

// PlayerHasQuit forgets the announced status of the participant and returns
// it. A participant without an announced status is online.
func (m *AnnounceManipulator) PlayerHasQuit(name string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	online, ok := m.onlineStatus[name]
	if !ok {
		return true
	}
	delete(m.onlineStatus, name)
	return online
}

func (m *AnnounceManipulator) announcedOnline(name string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	online, ok := m.onlineStatus[name]
	return !ok || online
}

// FakeJoin announces that the participant joined, unless it is already
// announced online and force is false.
func (m *AnnounceManipulator) FakeJoin(p *models.Participant, force bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.fakeJoin(p, force)
}

func (m *AnnounceManipulator) fakeJoin(p *models.Participant, force bool) {
	if online, ok := m.onlineStatus[p.Name]; !force && ok && online {
		return
	}

	m.onlineStatus[p.Name] = true
	m.announce(p, fakeJoin, m.settings.FakeJoinMessage)
}

// FakeQuit announces that the participant quit, unless it is already
// announced offline and force is false.
func (m *AnnounceManipulator) FakeQuit(p *models.Participant, force bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if online, ok := m.onlineStatus[p.Name]; !force && ok && !online {
		return
	}

	m.onlineStatus[p.Name] = false
	m.announce(p, fakeQuit, m.settings.FakeQuitMessage)
}

// VanishToggled announces the delayed join of the participant, if any.
func (m *AnnounceManipulator) VanishToggled(p *models.Participant) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.settings.AutoFakeJoinSilent || !slices.Contains(m.delayedAnnounce, p.Name) {
		return
	}

	m.fakeJoin(p, false)
	m.dropDelayedAnnounce(p.Name)
}

// Broadcast sends a text to every participant of the session.
func (m *AnnounceManipulator) Broadcast(text string) {
	if m.featureFlags.IsSet(featureflag.FlagDisableFakeAnnounce) {
		return
	}

	for _, p := range m.session.GetParticipants() {
		sendText(p, channel.Broadcast, text)
	}
}

func (m *AnnounceManipulator) announce(p *models.Participant, kind, template string) {
	logs.WithTag(hlogs.AppKeyTag, m.appKey).
		WithTag(hlogs.ParticipantIDTag, p.ID).
		WithTag("name", p.Name).
		Info("faked " + kind)
	instrumentFakeAnnounce(m.appKey, kind)

	m.Broadcast(formatAnnounce(template, p))
}

func formatAnnounce(template string, p *models.Participant) string {
	return strings.NewReplacer(
		"%p", p.Name,
		"%d", p.GetDisplayName(),
	).Replace(template)
}
