package vanish

import (
	"context"
	"sort"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/logs"
	hlogs "github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/hagall-vanish/channel"
	"github.com/aukilabs/hagall-vanish/featureflag"
	"github.com/aukilabs/hagall-vanish/models"
)

// Session is the interface of the session whose participants visibility is
// managed.
type Session interface {
	// Returns the connected participants.
	GetParticipants() []*models.Participant

	// Returns the connected participant with the given name.
	ParticipantByName(name string) (*models.Participant, bool)

	// Reports whether the participant is connected.
	HasParticipant(p *models.Participant) bool

	// Reports whether the observer perceives the target.
	CanSee(observer, target *models.Participant) bool

	// Hides the target from the observer.
	HideParticipant(observer, target *models.Participant)

	// Shows the target to the observer.
	ShowParticipant(observer, target *models.Participant)

	// Returns the session entities.
	Entities() []*models.Entity

	// Returns the entity with the given id.
	EntityByID(id uint32) (*models.Entity, bool)
}

// Config is the configuration used to create a manager.
type Config struct {
	Settings     Settings
	Oracle       CapabilityOracle
	FeatureFlags featureflag.FeatureFlag

	// The app key of the session, used to label metrics and logs.
	AppKey string
}

// ToggleOptions are the options of a vanish toggle.
type ToggleOptions struct {
	// Sends the toggle messages to the participant and to the participants
	// that receive status updates. A participant that becomes visible also
	// gets its delayed join announced.
	Announce bool

	// Runs the vanish side effects, such as hostile entities losing track of
	// the participant.
	Effects bool

	// Leaves the vanish status update to the caller.
	skipStatus bool
}

// Manager keeps track of the vanished participants of a session and makes
// sure that only the participants allowed to see them do.
//
// Event operations (toggles, joins, quits, refreshes and shutdown) are
// serialized. Vanish status queries can run concurrently with them.
type Manager struct {
	session   Session
	oracle    CapabilityOracle
	settings  Settings
	flags     featureflag.FeatureFlag
	appKey    string
	overrides *OverrideStore
	announcer *AnnounceManipulator
	batcher   *RestorationBatcher

	eventMutex   sync.Mutex
	sleepIgnored map[string]bool

	vanishedMutex sync.RWMutex
	vanished      map[string]struct{}

	listenerMutex sync.RWMutex
	listenerIDs   models.SequentialIDGenerator
	listeners     map[uint32]func(*models.Participant, bool)

	stopMutex    sync.Mutex
	stopBatcher  func()
	shutdownOnce sync.Once
}

func NewManager(s Session, c Config) *Manager {
	if c.Oracle == nil {
		c.Oracle = NoCapabilities
	}
	c.Settings = c.Settings.withDefaults()

	m := &Manager{
		session:      s,
		oracle:       c.Oracle,
		settings:     c.Settings,
		flags:        c.FeatureFlags,
		appKey:       c.AppKey,
		overrides:    NewOverrideStore(c.Oracle),
		announcer:    NewAnnounceManipulator(s, c),
		sleepIgnored: make(map[string]bool),
		vanished:     make(map[string]struct{}),
		listeners:    make(map[uint32]func(*models.Participant, bool)),
	}
	m.batcher = NewRestorationBatcher(s, c.AppKey, m.restorationWanted)
	m.batcher.ApplyLock = &m.eventMutex
	return m
}

// Start runs the restoration batcher in the background until the context is
// done or the manager is shut down.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	m.stopMutex.Lock()
	if m.stopBatcher != nil {
		m.stopBatcher()
	}
	m.stopBatcher = cancel
	m.stopMutex.Unlock()

	go m.batcher.Start(ctx, m.settings.RestoreInterval)
}

func (m *Manager) Overrides() *OverrideStore {
	return m.overrides
}

func (m *Manager) Announcer() *AnnounceManipulator {
	return m.announcer
}

func (m *Manager) Batcher() *RestorationBatcher {
	return m.batcher
}

func (m *Manager) Oracle() CapabilityOracle {
	return m.oracle
}

// OnStatusChange registers a function called after each vanish toggle with
// the participant and whether it vanished. Listeners are called on the event
// path and must not call the manager event operations.
func (m *Manager) OnStatusChange(h func(p *models.Participant, vanished bool)) (cancel func()) {
	m.listenerMutex.Lock()
	defer m.listenerMutex.Unlock()

	id := m.listenerIDs.New()
	m.listeners[id] = h

	return func() {
		m.listenerMutex.Lock()
		defer m.listenerMutex.Unlock()

		if _, ok := m.listeners[id]; !ok {
			return
		}
		delete(m.listeners, id)
		m.listenerIDs.Reuse(id)
	}
}

// IsVanished reports whether the participant is vanished.
func (m *Manager) IsVanished(p *models.Participant) bool {
	if p == nil {
		return false
	}
	return m.isVanishedName(p.Name)
}

// IsVanishedName reports whether the connected participant with the given
// name is vanished.
func (m *Manager) IsVanishedName(name string) bool {
	p, ok := m.session.ParticipantByName(name)
	if !ok {
		return false
	}
	return m.IsVanished(p)
}

func (m *Manager) isVanishedName(name string) bool {
	m.vanishedMutex.RLock()
	defer m.vanishedMutex.RUnlock()

	_, ok := m.vanished[name]
	return ok
}

// VanishedNames returns the sorted names of the vanished participants.
func (m *Manager) VanishedNames() []string {
	m.vanishedMutex.RLock()
	defer m.vanishedMutex.RUnlock()

	names := make([]string, 0, len(m.vanished))
	for name := range m.vanished {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) NumVanished() int {
	m.vanishedMutex.RLock()
	defer m.vanishedMutex.RUnlock()

	return len(m.vanished)
}

func (m *Manager) addVanished(name string) {
	m.vanishedMutex.Lock()
	defer m.vanishedMutex.Unlock()

	if _, ok := m.vanished[name]; ok {
		return
	}
	m.vanished[name] = struct{}{}
	instrumentVanished(m.appKey, 1)
}

func (m *Manager) removeVanished(name string) {
	m.vanishedMutex.Lock()
	defer m.vanishedMutex.Unlock()

	if _, ok := m.vanished[name]; !ok {
		return
	}
	delete(m.vanished, name)
	instrumentVanished(m.appKey, -1)
}

// ToggleVanish toggles the participant vanish status with announces and
// effects.
func (m *Manager) ToggleVanish(p *models.Participant) bool {
	return m.Toggle(p, ToggleOptions{Announce: true, Effects: true})
}

// ToggleVanishQuiet toggles the participant vanish status without
// announces.
func (m *Manager) ToggleVanishQuiet(p *models.Participant, effects bool) bool {
	return m.Toggle(p, ToggleOptions{Effects: effects})
}

// Toggle flips the participant vanish status and returns whether the
// participant is now vanished.
func (m *Manager) Toggle(p *models.Participant, opts ToggleOptions) bool {
	m.eventMutex.Lock()
	defer m.eventMutex.Unlock()

	return m.toggle(p, opts)
}

// Vanish vanishes the participant. It does nothing when the participant is
// already vanished.
func (m *Manager) Vanish(p *models.Participant, silent, effects bool) {
	m.eventMutex.Lock()
	defer m.eventMutex.Unlock()

	if m.IsVanished(p) {
		return
	}
	m.toggle(p, toggleOptions(silent, effects))
}

// Reveal makes the participant visible. It does nothing when the participant
// is not vanished.
func (m *Manager) Reveal(p *models.Participant, silent, effects bool) {
	m.eventMutex.Lock()
	defer m.eventMutex.Unlock()

	if !m.IsVanished(p) {
		return
	}
	m.toggle(p, toggleOptions(silent, effects))
}

func toggleOptions(silent, effects bool) ToggleOptions {
	if silent {
		return ToggleOptions{Effects: effects}
	}
	return ToggleOptions{Announce: true, Effects: true}
}

func (m *Manager) toggle(p *models.Participant, opts ToggleOptions) bool {
	vanishing := !m.IsVanished(p)

	if vanishing {
		m.setSleepIgnored(p)
		if opts.Effects && m.overrides.CanNotFollow(p) {
			m.clearFollowers(p)
		}
		m.addVanished(p.Name)
	} else {
		m.resetSleepIgnored(p)
		m.removeVanished(p.Name)
	}

	logs.WithTag(hlogs.AppKeyTag, m.appKey).
		WithTag(hlogs.ParticipantIDTag, p.ID).
		WithTag("name", p.Name).
		WithTag("vanished", vanishing).
		WithTag("announce", opts.Announce).
		Info("vanish toggled")
	instrumentToggle(m.appKey, vanishing)

	m.notify(p, vanishing)
	if !opts.skipStatus {
		m.flags.IfNotSet(featureflag.FlagDisableVanishStatusChannel, func() {
			sendChannel(p, channel.VanishStatus, statusPayload(vanishing))
		})
	}

	for _, observer := range m.session.GetParticipants() {
		if observer == p {
			continue
		}

		seeAll := m.overrides.CanSeeAll(observer)
		if vanishing {
			if !seeAll {
				if m.session.CanSee(observer, p) {
					m.session.HideParticipant(observer, p)
				}
				continue
			}

			m.session.HideParticipant(observer, p)
			m.batcher.Add(observer, p)
			continue
		}

		if seeAll {
			m.session.HideParticipant(observer, p)
		}
		if !m.session.CanSee(observer, p) {
			m.batcher.Add(observer, p)
		}
	}

	if opts.Announce {
		m.announceToggle(p, vanishing)
	}
	return vanishing
}

func (m *Manager) announceToggle(p *models.Participant, vanished bool) {
	status := "become visible."
	if vanished {
		status = "vanished. Poof."
	} else {
		m.announcer.VanishToggled(p)
	}

	sendText(p, channel.Vanish, "You have "+status)
	m.messageStatusUpdate(p.GetDisplayName()+" has "+status, p)
}

// messageStatusUpdate sends a text to the participants that receive vanish
// status updates, except the given one.
func (m *Manager) messageStatusUpdate(text string, except *models.Participant) {
	for _, p := range m.session.GetParticipants() {
		if p == except || !m.oracle.HasCapability(p, CapStatusUpdates) {
			continue
		}
		sendText(p, channel.Vanish, text)
	}
}

func (m *Manager) notify(p *models.Participant, vanished bool) {
	m.listenerMutex.RLock()
	defer m.listenerMutex.RUnlock()

	for _, h := range m.listeners {
		h(p, vanished)
	}
}

// clearFollowers makes the hostile entities around the participant stop
// targeting it. Entities are around the participant when they are in the
// follow radius of one of the participant entities. A participant without
// entities has no position so every hostile entity is considered.
func (m *Manager) clearFollowers(p *models.Participant) {
	var anchors []models.Pose
	for id := range p.EntityIDs() {
		if e, ok := m.session.EntityByID(id); ok {
			anchors = append(anchors, e.Pose())
		}
	}

	var cleared int
	for _, e := range m.session.Entities() {
		if !e.Hostile {
			continue
		}

		if target, ok := e.Target(); !ok || target != p.ID {
			continue
		}

		if m.settings.NoFollowRadius > 0 && len(anchors) != 0 && !isAround(e.Pose(), anchors, m.settings.NoFollowRadius) {
			continue
		}

		e.ClearTarget()
		cleared++
	}

	if cleared != 0 {
		logs.WithTag(hlogs.AppKeyTag, m.appKey).
			WithTag(hlogs.ParticipantIDTag, p.ID).
			WithTag("entities", cleared).
			Debug("hostile entities stopped following")
	}
}

func isAround(pose models.Pose, anchors []models.Pose, radius float32) bool {
	for _, a := range anchors {
		if pose.DistanceTo(a) <= radius {
			return true
		}
	}
	return false
}

func (m *Manager) setSleepIgnored(p *models.Participant) {
	if _, ok := m.sleepIgnored[p.Name]; !ok {
		m.sleepIgnored[p.Name] = p.SleepIgnored()
	}
	p.SetSleepIgnored(true)
}

func (m *Manager) resetSleepIgnored(p *models.Participant) {
	v, ok := m.sleepIgnored[p.Name]
	if !ok {
		return
	}
	p.SetSleepIgnored(v)
	delete(m.sleepIgnored, p.Name)
}

// restorationWanted reports whether a pending restoration can still be
// applied. A target that vanished again stays hidden from observers that
// cannot see vanished participants.
func (m *Manager) restorationWanted(r Restoration) bool {
	return !m.IsVanished(r.Target) || m.overrides.CanSeeAll(r.Observer)
}

// PlayerJoin sets up the visibility of a participant that joined the
// session. Participants allowed to join vanished are vanished without
// announce nor effects. Vanished participants and participants allowed to
// join without announce get their join delayed.
func (m *Manager) PlayerJoin(p *models.Participant) {
	m.eventMutex.Lock()
	defer m.eventMutex.Unlock()

	if m.oracle.HasCapability(p, CapJoinVanished) && !m.IsVanished(p) {
		// The status is sent in response to the join request, once the
		// participant received the session state.
		m.toggle(p, ToggleOptions{skipStatus: true})
		sendText(p, channel.Vanish, "You have joined vanished.")
		m.messageStatusUpdate(p.GetDisplayName()+" has joined vanished.", p)
	}

	if m.IsVanished(p) || m.oracle.HasCapability(p, CapJoinWithoutAnnounce) {
		m.announcer.AddToDelayedAnnounce(p.Name)
	}

	m.resetSeeing(p)
}

// PlayerRefresh resynchronizes what the participant sees and makes it
// visible when it is no longer allowed to vanish.
func (m *Manager) PlayerRefresh(p *models.Participant) {
	m.eventMutex.Lock()
	defer m.eventMutex.Unlock()

	m.playerRefresh(p)
}

func (m *Manager) playerRefresh(p *models.Participant) {
	m.resetSeeing(p)
	if m.IsVanished(p) && !m.oracle.HasCapability(p, CapVanish) {
		m.toggle(p, ToggleOptions{Announce: true, Effects: true})
	}
}

// RefreshAll refreshes every connected participant. It is called when
// capabilities change.
func (m *Manager) RefreshAll() {
	m.eventMutex.Lock()
	defer m.eventMutex.Unlock()

	for _, p := range m.session.GetParticipants() {
		m.playerRefresh(p)
	}
}

// ResetSeeing resynchronizes what the participant sees: every vanished
// participant when it can see all, no vanished participant otherwise.
func (m *Manager) ResetSeeing(p *models.Participant) {
	m.eventMutex.Lock()
	defer m.eventMutex.Unlock()

	m.resetSeeing(p)
}

func (m *Manager) resetSeeing(p *models.Participant) {
	seeAll := m.overrides.CanSeeAll(p)

	for _, target := range m.session.GetParticipants() {
		if target == p || !m.IsVanished(target) {
			continue
		}

		switch canSee := m.session.CanSee(p, target); {
		case seeAll && !canSee:
			m.batcher.Add(p, target)

		case !seeAll && canSee:
			m.session.HideParticipant(p, target)
		}
	}
}

// PlayerQuit cleans up the state of a participant that left the session. A
// vanished participant that was announced online and that cannot quit
// silently gets its quit announced.
func (m *Manager) PlayerQuit(p *models.Participant) {
	m.eventMutex.Lock()
	defer m.eventMutex.Unlock()

	vanished := m.IsVanished(p)

	m.resetSleepIgnored(p)
	m.overrides.UserQuit(p.Name)
	m.removeVanished(p.Name)

	m.announcer.DropDelayedAnnounce(p.Name)
	if vanished && m.announcer.announcedOnline(p.Name) && !m.oracle.HasCapability(p, CapSilentQuit) {
		m.announcer.FakeQuit(p, false)
	}
	m.announcer.PlayerHasQuit(p.Name)

	for _, observer := range m.session.GetParticipants() {
		if observer != p {
			m.session.ShowParticipant(observer, p)
		}
	}
}

// Shutdown stops managing the session: the restoration batcher is stopped
// and every participant sees every other participant again. Only the first
// call has an effect.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.stopMutex.Lock()
		if m.stopBatcher != nil {
			m.stopBatcher()
		}
		m.stopMutex.Unlock()

		m.eventMutex.Lock()
		defer m.eventMutex.Unlock()

		participants := m.session.GetParticipants()
		for _, observer := range participants {
			for _, target := range participants {
				if observer != target {
					m.session.ShowParticipant(observer, target)
				}
			}
		}

		for _, p := range participants {
			m.resetSleepIgnored(p)
		}

		m.vanishedMutex.Lock()
		instrumentVanished(m.appKey, -float64(len(m.vanished)))
		m.vanished = make(map[string]struct{})
		m.vanishedMutex.Unlock()

		logs.WithTag(hlogs.AppKeyTag, m.appKey).
			WithTag("participants", len(participants)).
			Info("vanish manager shut down")
	})
}

// HandleStatusQuery answers a vanish status query sent by the participant.
// A "check" query is answered with 0x01 when the participant is vanished and
// 0x00 otherwise. Other queries are ignored.
func (m *Manager) HandleStatusQuery(p *models.Participant, payload []byte) {
	if string(payload) != "check" {
		return
	}
	sendChannel(p, channel.VanishStatus, statusPayload(m.IsVanished(p)))
}
